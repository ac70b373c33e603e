package worker_test

import (
	"context"
	"sync"
	"time"

	"basegraph.app/parley/common/llm"
	"basegraph.app/parley/internal/orchestrator"
	"basegraph.app/parley/internal/platform"
	"basegraph.app/parley/internal/queue"
	"basegraph.app/parley/internal/tool"
)

type requeue struct {
	ID      string
	Attempt int
	Reason  string
}

// mockConsumer implements worker.Consumer for testing.
type mockConsumer struct {
	mu       sync.Mutex
	batches  [][]queue.Message
	acked    []string
	requeued []requeue
	dlq      []string
}

func (m *mockConsumer) Read(ctx context.Context) ([]queue.Message, error) {
	m.mu.Lock()
	if len(m.batches) > 0 {
		batch := m.batches[0]
		m.batches = m.batches[1:]
		m.mu.Unlock()
		return batch, nil
	}
	m.mu.Unlock()

	time.Sleep(5 * time.Millisecond)
	return nil, nil
}

func (m *mockConsumer) Ack(ctx context.Context, msg queue.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, msg.ID)
	return nil
}

func (m *mockConsumer) Requeue(ctx context.Context, msg queue.Message, errMsg string) error {
	return m.RequeueWithAttempt(ctx, msg, msg.Attempt+1, errMsg)
}

func (m *mockConsumer) RequeueWithAttempt(ctx context.Context, msg queue.Message, attempt int, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requeued = append(m.requeued, requeue{ID: msg.ID, Attempt: attempt, Reason: errMsg})
	return nil
}

func (m *mockConsumer) SendDLQ(ctx context.Context, msg queue.Message, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dlq = append(m.dlq, msg.ID)
	return nil
}

func (m *mockConsumer) counts() (acked, requeued, dlq int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.acked), len(m.requeued), len(m.dlq)
}

// mockRunner implements worker.TurnRunner for testing.
type mockRunner struct {
	mu        sync.Mutex
	runFn     func(ctx context.Context, sess *orchestrator.Session, history []llm.Message) (orchestrator.Outcome, error)
	histories [][]llm.Message
	callCount int
}

func (m *mockRunner) Run(ctx context.Context, sess *orchestrator.Session, history []llm.Message, p platform.Platform) (orchestrator.Outcome, error) {
	m.mu.Lock()
	m.callCount++
	m.histories = append(m.histories, history)
	m.mu.Unlock()

	if m.runFn != nil {
		return m.runFn(ctx, sess, history)
	}
	out := orchestrator.Outcome{State: orchestrator.StateComplete}
	out.History = append(append([]llm.Message(nil), history...), llm.Message{Role: llm.RoleAssistant, Content: "[msg]hi[/msg]"})
	return out, nil
}

// mockHistory implements worker.HistoryStore for testing.
type mockHistory struct {
	mu       sync.Mutex
	loadFn   func(ctx context.Context, sessionID string) ([]llm.Message, error)
	appended map[string][]llm.Message
}

func (m *mockHistory) Load(ctx context.Context, sessionID string) ([]llm.Message, error) {
	if m.loadFn != nil {
		return m.loadFn(ctx, sessionID)
	}
	return nil, nil
}

func (m *mockHistory) Append(ctx context.Context, sessionID string, messages ...llm.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appended == nil {
		m.appended = make(map[string][]llm.Message)
	}
	m.appended[sessionID] = append(m.appended[sessionID], messages...)
	return nil
}

// mockPlatforms implements worker.Platforms with a no-op platform.
type mockPlatforms struct {
	mu       sync.Mutex
	released []string
}

func (m *mockPlatforms) ForSession(sessionID string) platform.Platform {
	return nopPlatform{}
}

func (m *mockPlatforms) Release(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, sessionID)
}

type nopPlatform struct{}

func (nopPlatform) OnReaction(context.Context, string, *int) error       { return nil }
func (nopPlatform) OnSticker(context.Context, string) error              { return nil }
func (nopPlatform) OnMessage(context.Context, string, *int) error        { return nil }
func (nopPlatform) OnLink(context.Context, string, string) error         { return nil }
func (nopPlatform) OnCard(context.Context, string) error                 { return nil }
func (nopPlatform) OnUndo(context.Context, int) error                    { return nil }
func (nopPlatform) OnImage(context.Context, string, string) error        { return nil }
func (nopPlatform) OnComplete(context.Context) error                     { return nil }
func (nopPlatform) OnError(context.Context, error)                       {}
func (nopPlatform) DeliverArtifact(context.Context, tool.Artifact) error { return nil }
