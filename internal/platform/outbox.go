package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"basegraph.app/parley/common/id"
	"basegraph.app/parley/common/logger"
	"basegraph.app/parley/internal/tool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

type EventKind string

const (
	EventReaction EventKind = "reaction"
	EventSticker  EventKind = "sticker"
	EventMessage  EventKind = "message"
	EventLink     EventKind = "link"
	EventCard     EventKind = "card"
	EventUndo     EventKind = "undo"
	EventImage    EventKind = "image"
	EventArtifact EventKind = "artifact"
	EventComplete EventKind = "complete"
	EventError    EventKind = "error"
)

type OutboxConfig struct {
	Stream string  // Redis stream the platform adapter consumes
	MaxLen int64   // Approximate stream cap, 0 for unbounded
	Rate   float64 // Events per second per session, 0 disables pacing
	Burst  int
}

// Event is one entry of the outbox stream.
type Event struct {
	ID        string
	StreamID  string
	SessionID string
	Kind      EventKind
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Outbox publishes platform side effects to a redis stream consumed by the
// chat platform adapter. Deliveries of one session are paced by a token bucket.
type Outbox struct {
	client   *redis.Client
	cfg      OutboxConfig
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewOutbox(client *redis.Client, cfg OutboxConfig) *Outbox {
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &Outbox{
		client:   client,
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

// ForSession returns the Platform for one session.
func (o *Outbox) ForSession(sessionID string) Platform {
	return &sessionOutbox{outbox: o, sessionID: sessionID, limiter: o.limiter(sessionID)}
}

// Release drops the pacing state of a session that has finished its turn.
func (o *Outbox) Release(sessionID string) {
	o.mu.Lock()
	delete(o.limiters, sessionID)
	o.mu.Unlock()
}

func (o *Outbox) limiter(sessionID string) *rate.Limiter {
	o.mu.Lock()
	defer o.mu.Unlock()

	if l, ok := o.limiters[sessionID]; ok {
		return l
	}
	limit := rate.Inf
	if o.cfg.Rate > 0 {
		limit = rate.Limit(o.cfg.Rate)
	}
	l := rate.NewLimiter(limit, o.cfg.Burst)
	o.limiters[sessionID] = l
	return l
}

func (o *Outbox) publish(ctx context.Context, sessionID string, kind EventKind, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", kind, err)
	}

	args := &redis.XAddArgs{
		Stream: o.cfg.Stream,
		Values: map[string]any{
			"event_id":   id.NewString(),
			"session_id": sessionID,
			"kind":       string(kind),
			"payload":    string(body),
			"created_at": time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
	if o.cfg.MaxLen > 0 {
		args.MaxLen = o.cfg.MaxLen
		args.Approx = true
	}

	if err := o.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd outbox (stream=%s): %w", o.cfg.Stream, err)
	}

	slog.DebugContext(ctx, "outbox event published", "kind", kind, "bytes", len(body))
	return nil
}

// ParseEvent decodes an outbox stream entry.
func ParseEvent(msg redis.XMessage) (Event, error) {
	str := func(key string) string {
		v, _ := msg.Values[key].(string)
		return v
	}

	ev := Event{
		ID:        str("event_id"),
		StreamID:  msg.ID,
		SessionID: str("session_id"),
		Kind:      EventKind(str("kind")),
		Payload:   json.RawMessage(str("payload")),
	}
	if ev.SessionID == "" || ev.Kind == "" {
		return Event{}, errors.New("outbox event missing session_id or kind")
	}
	if created := str("created_at"); created != "" {
		t, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return Event{}, fmt.Errorf("parsing created_at: %w", err)
		}
		ev.CreatedAt = t
	}
	return ev, nil
}

type sessionOutbox struct {
	outbox    *Outbox
	sessionID string
	limiter   *rate.Limiter
}

func (s *sessionOutbox) send(ctx context.Context, kind EventKind, payload any) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		SessionID: logger.Ptr(s.sessionID),
		Component: "parley.platform.outbox",
	})
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for outbox slot: %w", err)
	}
	return s.outbox.publish(ctx, s.sessionID, kind, payload)
}

type reactionPayload struct {
	Reaction string `json:"reaction"`
	Target   *int   `json:"target,omitempty"`
}

type messagePayload struct {
	Text  string `json:"text"`
	Quote *int   `json:"quote,omitempty"`
}

type linkPayload struct {
	URL     string `json:"url"`
	Caption string `json:"caption,omitempty"`
}

type artifactPayload struct {
	Kind     tool.ArtifactKind `json:"kind"`
	Name     string            `json:"name,omitempty"`
	MIMEType string            `json:"mime_type,omitempty"`
	URL      string            `json:"url,omitempty"`
	Caption  string            `json:"caption,omitempty"`
	Data     []byte            `json:"data,omitempty"`
}

func (s *sessionOutbox) OnReaction(ctx context.Context, reaction string, target *int) error {
	if reaction == "" {
		reaction = DefaultReaction
	}
	return s.send(ctx, EventReaction, reactionPayload{Reaction: reaction, Target: target})
}

func (s *sessionOutbox) OnSticker(ctx context.Context, keyword string) error {
	return s.send(ctx, EventSticker, map[string]string{"keyword": keyword})
}

func (s *sessionOutbox) OnMessage(ctx context.Context, text string, quote *int) error {
	return s.send(ctx, EventMessage, messagePayload{Text: text, Quote: quote})
}

func (s *sessionOutbox) OnLink(ctx context.Context, url, caption string) error {
	return s.send(ctx, EventLink, linkPayload{URL: url, Caption: caption})
}

func (s *sessionOutbox) OnCard(ctx context.Context, userID string) error {
	return s.send(ctx, EventCard, map[string]string{"user_id": userID})
}

func (s *sessionOutbox) OnUndo(ctx context.Context, index int) error {
	return s.send(ctx, EventUndo, map[string]int{"index": index})
}

func (s *sessionOutbox) OnImage(ctx context.Context, url, caption string) error {
	return s.send(ctx, EventImage, linkPayload{URL: url, Caption: caption})
}

func (s *sessionOutbox) DeliverArtifact(ctx context.Context, a tool.Artifact) error {
	return s.send(ctx, EventArtifact, artifactPayload{
		Kind:     a.Kind,
		Name:     a.Name,
		MIMEType: a.MIMEType,
		URL:      a.URL,
		Caption:  a.Caption,
		Data:     a.Data,
	})
}

// OnComplete is not paced, it only marks the end of a turn.
func (s *sessionOutbox) OnComplete(ctx context.Context) error {
	return s.outbox.publish(ctx, s.sessionID, EventComplete, struct{}{})
}

// OnError logs err and publishes a generic notice.
func (s *sessionOutbox) OnError(ctx context.Context, err error) {
	slog.ErrorContext(ctx, "turn failed", "error", err, "session_id", s.sessionID)
	if pubErr := s.outbox.publish(context.WithoutCancel(ctx), s.sessionID, EventError,
		map[string]string{"message": GenericErrorMessage}); pubErr != nil {
		slog.ErrorContext(ctx, "failed to publish error notice", "error", pubErr, "session_id", s.sessionID)
	}
}
