package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"basegraph.app/parley/common/llm"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

type HistoryConfig struct {
	KeyPrefix   string
	MaxMessages int64         // older messages are trimmed, 0 keeps everything
	TTL         time.Duration // idle sessions expire, 0 keeps them forever
}

// RedisHistory keeps each session's conversation as a capped redis list of
// JSON encoded messages, oldest first.
type RedisHistory struct {
	client *redis.Client
	cfg    HistoryConfig
}

type historyRecord struct {
	Role    string `json:"role"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
}

func NewRedisHistory(client *redis.Client, cfg HistoryConfig) *RedisHistory {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "parley:history:"
	}
	return &RedisHistory{client: client, cfg: cfg}
}

func (h *RedisHistory) key(sessionID string) string {
	return h.cfg.KeyPrefix + sessionID
}

// Load returns the stored conversation for sessionID. An unknown session has
// an empty history.
func (h *RedisHistory) Load(ctx context.Context, sessionID string) ([]llm.Message, error) {
	raw, err := h.client.LRange(ctx, h.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	messages := make([]llm.Message, 0, len(raw))
	for _, item := range raw {
		var rec historyRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("decoding history entry: %w", err)
		}
		messages = append(messages, llm.Message{Role: rec.Role, Name: rec.Name, Content: rec.Content})
	}
	return messages, nil
}

// Append adds messages to the end of the session's conversation, trims it
// to the configured size and refreshes its expiry.
func (h *RedisHistory) Append(ctx context.Context, sessionID string, messages ...llm.Message) error {
	if len(messages) == 0 {
		return nil
	}

	values := make([]any, 0, len(messages))
	for _, m := range messages {
		data, err := json.Marshal(historyRecord{Role: m.Role, Name: m.Name, Content: m.Content})
		if err != nil {
			return fmt.Errorf("encoding history entry: %w", err)
		}
		values = append(values, data)
	}

	key := h.key(sessionID)
	_, err := h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		if h.cfg.MaxMessages > 0 {
			pipe.LTrim(ctx, key, -h.cfg.MaxMessages, -1)
		}
		if h.cfg.TTL > 0 {
			pipe.Expire(ctx, key, h.cfg.TTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("appending history: %w", err)
	}
	return nil
}

// Clear forgets the session's conversation.
func (h *RedisHistory) Clear(ctx context.Context, sessionID string) error {
	n, err := h.client.Del(ctx, h.key(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("clearing history: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
