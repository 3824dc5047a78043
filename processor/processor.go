// Package processor applies queued commands to the project tables and
// announces every change so caches and streams pick it up.
package processor

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"progress-api/domain"
	"progress-api/storage"
)

const (
	defaultMaxDeliveries = 5
	idleDelay            = time.Second
)

// Queue is the command queue consumed by the processor.
type Queue interface {
	Dequeue(ctx context.Context) (*storage.QueueMessage, error)
	Delete(ctx context.Context, msg *storage.QueueMessage) error
}

type commandApplier interface {
	Apply(ctx context.Context, env domain.CommandEnvelope) error
}

type cacheEvictor interface {
	Evict(ctx context.Context, projectID string)
}

// Options configure a Processor.
type Options struct {
	// Channel receives a domain.ProjectUpdate after every applied command.
	Channel string
	// MaxDeliveries bounds redelivery of a failing message.
	MaxDeliveries int64
}

// Processor pulls commands off the queue one at a time.
type Processor struct {
	queue Queue
	orch  commandApplier
	cache cacheEvictor
	rc    *redis.Client

	channel       string
	maxDeliveries int64
	idle          time.Duration
}

// New creates a processor. cache and rc may be nil.
func New(queue Queue, store Store, cache cacheEvictor, rc *redis.Client, opts Options) *Processor {
	p := &Processor{
		queue:         queue,
		orch:          NewOrchestrator(store),
		cache:         cache,
		rc:            rc,
		channel:       opts.Channel,
		maxDeliveries: opts.MaxDeliveries,
		idle:          idleDelay,
	}
	if p.maxDeliveries <= 0 {
		p.maxDeliveries = defaultMaxDeliveries
	}
	return p
}

// Run processes messages until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Error("dequeue failed")
			}
			p.sleep(ctx)
			continue
		}
		if msg == nil {
			p.sleep(ctx)
			continue
		}
		p.Handle(ctx, msg)
	}
}

func (p *Processor) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.idle):
	}
}

// Handle applies one message. Messages that can never succeed are deleted;
// other failures leave the message for redelivery.
func (p *Processor) Handle(ctx context.Context, msg *storage.QueueMessage) {
	logger := log.WithFields(log.Fields{"message": msg.ID, "deliveries": msg.DequeueCount})

	var env domain.CommandEnvelope
	if err := sonic.UnmarshalString(msg.Text, &env); err != nil {
		logger.WithError(err).Error("discarding undecodable command")
		p.delete(ctx, msg)
		return
	}
	logger = logger.WithFields(log.Fields{
		"project": env.Command.ProjectID,
		"type":    env.Command.Type,
		"user":    env.UserID,
	})

	if err := processCommand(ctx, p.orch, p.cache, p.rc, p.channel, env); err != nil {
		switch {
		case isPermanent(err):
			logger.WithError(err).Warn("discarding rejected command")
			p.delete(ctx, msg)
		case msg.DequeueCount >= p.maxDeliveries:
			logger.WithError(err).Error("giving up on command after repeated failures")
			p.delete(ctx, msg)
		default:
			logger.WithError(err).Warn("command failed; leaving for redelivery")
		}
		return
	}
	p.delete(ctx, msg)
}

func (p *Processor) delete(ctx context.Context, msg *storage.QueueMessage) {
	if err := p.queue.Delete(ctx, msg); err != nil {
		log.WithError(err).WithField("message", msg.ID).Error("delete message failed")
	}
}

// processCommand applies env, then evicts the cached snapshot and publishes
// the update. Publishing failures are logged only.
func processCommand(ctx context.Context, h commandApplier, cache cacheEvictor, rc *redis.Client, channel string, env domain.CommandEnvelope) error {
	if err := h.Apply(ctx, env); err != nil {
		return err
	}
	projectID := env.Command.ProjectID
	if cache != nil {
		cache.Evict(ctx, projectID)
	}
	if rc == nil || channel == "" {
		return nil
	}
	payload, err := sonic.MarshalString(domain.ProjectUpdate{
		ProjectID:   projectID,
		CommandType: env.Command.Type,
		UserID:      env.UserID,
		Timestamp:   env.Command.Timestamp,
	})
	if err != nil {
		log.WithError(err).Error("encode project update")
		return nil
	}
	if err := rc.Publish(ctx, channel, payload).Err(); err != nil {
		log.WithError(err).Errorf("Unable to publish update for project %s to %s", projectID, channel)
	}
	return nil
}
