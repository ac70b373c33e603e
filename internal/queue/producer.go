package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// InboundMessage is a user message waiting for a turn.
type InboundMessage struct {
	SessionID string
	Text      string
	Sender    string
	SenderID  string
	TraceID   *string
	Attempt   int
}

type Producer interface {
	Enqueue(ctx context.Context, msg InboundMessage) (string, error)
	Close() error
}

type redisProducer struct {
	client *redis.Client
	stream string
	logger *slog.Logger
}

func NewRedisProducer(client *redis.Client, stream string, logger *slog.Logger) Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &redisProducer{
		client: client,
		stream: stream,
		logger: logger,
	}
}

// Enqueue appends msg to the inbound stream and returns its stream ID.
func (p *redisProducer) Enqueue(ctx context.Context, msg InboundMessage) (string, error) {
	if msg.SessionID == "" {
		return "", ErrMissingSession
	}

	attempt := msg.Attempt
	if attempt <= 0 {
		attempt = 1
	}

	fields := map[string]any{
		"session_id":  msg.SessionID,
		"text":        msg.Text,
		"attempt":     attempt,
		"enqueued_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if msg.Sender != "" {
		fields["sender"] = msg.Sender
	}
	if msg.SenderID != "" {
		fields["sender_id"] = msg.SenderID
	}
	if msg.TraceID != nil && *msg.TraceID != "" {
		fields["trace_id"] = *msg.TraceID
	}

	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: fields,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue message: %w", err)
	}

	p.logger.InfoContext(ctx, "enqueued inbound message", "stream_id", id, "session_id", msg.SessionID, "attempt", attempt)
	return id, nil
}

func (p *redisProducer) Close() error {
	return p.client.Close()
}
