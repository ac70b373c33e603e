package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"basegraph.app/parley/common/logger"
	"basegraph.app/parley/internal/queue"
	"github.com/redis/go-redis/v9"
)

const reasonTooManyDeliveries = "delivered too many times without ack"

type RedisReclaimerConfig struct {
	Stream    string
	Group     string
	Consumer  string
	MinIdle   time.Duration
	Interval  time.Duration
	BatchSize int64
	// MaxDeliveries moves a message to the DLQ once it has been delivered
	// more often than this without an ack. 0 disables the limit.
	MaxDeliveries int64
}

// RedisReclaimer takes over inbound messages that a gateway read but never
// acked, usually because it crashed mid-turn, and runs their turn again.
type RedisReclaimer struct {
	client    *redis.Client
	cfg       RedisReclaimerConfig
	consumer  Consumer
	processor queue.MessageProcessor

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func NewRedisReclaimer(client *redis.Client, cfg RedisReclaimerConfig, consumer Consumer, processor queue.MessageProcessor) *RedisReclaimer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &RedisReclaimer{
		client:    client,
		cfg:       cfg,
		consumer:  consumer,
		processor: processor,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

// Run sweeps the pending list every Interval until Stop is called or ctx ends.
func (r *RedisReclaimer) Run(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "parley.worker.reclaimer",
	})
	defer close(r.stoppedCh)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "reclaimer started",
		"interval", r.cfg.Interval,
		"min_idle", r.cfg.MinIdle,
		"max_deliveries", r.cfg.MaxDeliveries)

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			slog.InfoContext(ctx, "reclaimer stopping")
			return
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "reclaim sweep failed", "error", err)
			} else if n > 0 {
				slog.InfoContext(ctx, "reclaim sweep finished", "claimed", n)
			}
		}
	}
}

func (r *RedisReclaimer) Stop() {
	close(r.stopCh)
	<-r.stoppedCh
}

// Sweep claims every message idle for at least MinIdle, walking the pending
// list with XAUTOCLAIM, and handles each one. It returns the number claimed.
func (r *RedisReclaimer) Sweep(ctx context.Context) (int, error) {
	claimed := 0
	cursor := "0-0"

	for {
		messages, next, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.cfg.Stream,
			Group:    r.cfg.Group,
			Consumer: r.cfg.Consumer,
			MinIdle:  r.cfg.MinIdle,
			Start:    cursor,
			Count:    r.cfg.BatchSize,
		}).Result()
		if err != nil {
			return claimed, fmt.Errorf("xautoclaim: %w", err)
		}

		for _, msg := range messages {
			claimed++
			if err := r.handle(ctx, msg); err != nil {
				slog.ErrorContext(ctx, "failed to handle reclaimed message",
					"error", err,
					"message_id", msg.ID)
			}
		}

		if next == "0-0" || len(messages) == 0 {
			return claimed, nil
		}
		cursor = next
	}
}

func (r *RedisReclaimer) handle(ctx context.Context, raw redis.XMessage) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{MessageID: logger.Ptr(raw.ID)})

	msg, err := queue.ParseMessage(raw)
	if err != nil {
		slog.ErrorContext(ctx, "reclaimed message unparseable, acknowledging", "error", err)
		return r.consumer.Ack(ctx, queue.Message{ID: raw.ID, Raw: raw})
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{SessionID: logger.Ptr(msg.SessionID)})

	deliveries, err := r.deliveries(ctx, raw.ID)
	if err != nil {
		return err
	}
	if r.cfg.MaxDeliveries > 0 && deliveries > r.cfg.MaxDeliveries {
		return r.consumer.SendDLQ(ctx, msg, reasonTooManyDeliveries)
	}

	slog.InfoContext(ctx, "running reclaimed message", "deliveries", deliveries)

	start := time.Now()
	if err := r.processor(ctx, msg); err != nil {
		return fmt.Errorf("processing reclaimed message: %w", err)
	}

	slog.InfoContext(ctx, "reclaimed message processed",
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// deliveries returns how often the group has delivered id, counting the claim
// that just happened.
func (r *RedisReclaimer) deliveries(ctx context.Context, id string) (int64, error) {
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: r.cfg.Stream,
		Group:  r.cfg.Group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending %s: %w", id, err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	return pending[0].RetryCount, nil
}
