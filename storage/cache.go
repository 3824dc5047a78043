package storage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"progress-api/domain"
)

type backend interface {
	LoadSnapshot(ctx context.Context, projectID string) (domain.Snapshot, error)
	ListProjects(ctx context.Context, userID string) ([]domain.Project, error)
	EnqueueCommands(ctx context.Context, userID string, cmds []domain.Command) error
}

// Cache wraps a backend with Redis-backed caching of project snapshots.
//
// Snapshots are cached under the project's current generation. Evict bumps
// the generation, so a snapshot read before a change and stored after the
// eviction lands under a generation nobody reads any more.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func (c *Cache) LoadSnapshot(ctx context.Context, projectID string) (domain.Snapshot, error) {
	gen, ok := c.generation(ctx, projectID)
	if ok {
		if snap, hit := c.loadFromCache(ctx, projectID, gen); hit {
			return snap, nil
		}
	}

	snap, err := c.base.LoadSnapshot(ctx, projectID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	if ok {
		c.store(ctx, projectID, gen, snap)
	}
	return snap, nil
}

// ListProjects is not cached; memberships change outside the command path.
func (c *Cache) ListProjects(ctx context.Context, userID string) ([]domain.Project, error) {
	return c.base.ListProjects(ctx, userID)
}

// EnqueueCommands enqueues through the backend and drops the cached
// snapshots of every project the commands touch.
func (c *Cache) EnqueueCommands(ctx context.Context, userID string, cmds []domain.Command) error {
	if err := c.base.EnqueueCommands(ctx, userID, cmds); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(cmds))
	for _, cmd := range cmds {
		if _, ok := seen[cmd.ProjectID]; ok {
			continue
		}
		seen[cmd.ProjectID] = struct{}{}
		c.Evict(ctx, cmd.ProjectID)
	}
	return nil
}

// Evict moves projectID to a new cache generation and drops the snapshot of
// the previous one.
func (c *Cache) Evict(ctx context.Context, projectID string) {
	if c.redis == nil || projectID == "" {
		return
	}
	gen, err := c.redis.Incr(ctx, generationKey(projectID)).Result()
	if err != nil {
		log.WithError(err).WithField("project", projectID).Warn("failed to evict snapshot cache entry")
		return
	}
	_ = c.redis.Del(ctx, snapshotCacheKey(projectID, gen-1)).Err()
}

// generation returns the current cache generation of projectID. ok is false
// when the cache is disabled or Redis cannot be read.
func (c *Cache) generation(ctx context.Context, projectID string) (int64, bool) {
	if c.redis == nil || c.ttl == 0 {
		return 0, false
	}
	gen, err := c.redis.Get(ctx, generationKey(projectID)).Int64()
	switch {
	case err == nil:
		return gen, true
	case errors.Is(err, redis.Nil):
		return 0, true
	default:
		log.WithError(err).WithField("project", projectID).Debug("snapshot cache unavailable")
		return 0, false
	}
}

func (c *Cache) loadFromCache(ctx context.Context, projectID string, gen int64) (domain.Snapshot, bool) {
	key := snapshotCacheKey(projectID, gen)
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		return domain.Snapshot{}, false
	}
	var snap domain.Snapshot
	if err := sonic.Unmarshal(data, &snap); err != nil {
		_ = c.redis.Del(ctx, key).Err()
		return domain.Snapshot{}, false
	}
	return snap, true
}

func (c *Cache) store(ctx context.Context, projectID string, gen int64, snap domain.Snapshot) {
	data, err := sonic.Marshal(snap)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, snapshotCacheKey(projectID, gen), data, c.ttl).Err()
}

func generationKey(projectID string) string {
	return "snapshot-gen:" + projectID
}

func snapshotCacheKey(projectID string, gen int64) string {
	return "snapshot:" + projectID + ":" + strconv.FormatInt(gen, 10)
}
