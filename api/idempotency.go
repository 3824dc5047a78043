package api

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScript sets every key that is still free and reports 1 for the keys
// it took and 0 for the keys already held. The whole batch is claimed in one
// step, so a failed call leaves nothing behind to roll back.
var claimScript = redis.NewScript(`
local out = {}
for i, key in ipairs(KEYS) do
	if redis.call("SET", key, ARGV[2], "NX", "PX", ARGV[1]) then
		out[i] = 1
	else
		out[i] = 0
	end
end
return out
`)

// RedisDeduper remembers accepted idempotency keys per user so every API
// instance rejects a repeated command until the TTL runs out.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func dedupeKey(userID, key string) string {
	return "cmd:" + userID + ":" + key
}

// Claim takes the keys of userID and reports, per key, whether this call
// took it.
func (r *RedisDeduper) Claim(ctx context.Context, userID string, keys []string) ([]bool, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = dedupeKey(userID, k)
	}
	ttl := r.ttl.Milliseconds()
	if ttl <= 0 {
		ttl = 1
	}

	res, err := claimScript.Run(ctx, r.client, redisKeys, strconv.FormatInt(ttl, 10), time.Now().UTC().Format(time.RFC3339)).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("claim idempotency keys: %w", err)
	}
	if len(res) != len(keys) {
		return nil, fmt.Errorf("claim idempotency keys: got %d results for %d keys", len(res), len(keys))
	}
	claimed := make([]bool, len(res))
	for i, v := range res {
		claimed[i] = v == 1
	}
	return claimed, nil
}

// Release frees keys claimed earlier so the commands may be sent again.
func (r *RedisDeduper) Release(ctx context.Context, userID string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = dedupeKey(userID, k)
	}
	return r.client.Del(ctx, redisKeys...).Err()
}
