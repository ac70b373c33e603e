package worker

import (
	"context"

	"basegraph.app/parley/common/llm"
	"basegraph.app/parley/internal/orchestrator"
	"basegraph.app/parley/internal/platform"
	"basegraph.app/parley/internal/queue"
)

// Consumer abstracts the message queue for testability.
type Consumer interface {
	Read(ctx context.Context) ([]queue.Message, error)
	Ack(ctx context.Context, msg queue.Message) error
	Requeue(ctx context.Context, msg queue.Message, errMsg string) error
	RequeueWithAttempt(ctx context.Context, msg queue.Message, attempt int, errMsg string) error
	SendDLQ(ctx context.Context, msg queue.Message, errMsg string) error
}

// TurnRunner abstracts the orchestration loop for testability.
type TurnRunner interface {
	Run(ctx context.Context, sess *orchestrator.Session, history []llm.Message, p platform.Platform) (orchestrator.Outcome, error)
}

// HistoryStore persists each session's conversation between turns.
type HistoryStore interface {
	Load(ctx context.Context, sessionID string) ([]llm.Message, error)
	Append(ctx context.Context, sessionID string, messages ...llm.Message) error
}

// Platforms hands out the platform client of a session.
type Platforms interface {
	ForSession(sessionID string) platform.Platform
	Release(sessionID string)
}
