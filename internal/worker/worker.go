package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"basegraph.app/parley/common/llm"
	"basegraph.app/parley/common/logger"
	"basegraph.app/parley/internal/orchestrator"
	"basegraph.app/parley/internal/queue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const reasonSessionBusy = "session busy"

type Config struct {
	MaxAttempts  int
	Concurrency  int
	SystemPrompt string
}

// Worker consumes inbound messages and runs one turn per message. Turns of
// different sessions run concurrently up to Concurrency; a message for a
// session that already has a turn in progress is requeued.
type Worker struct {
	consumer  Consumer
	runner    TurnRunner
	history   HistoryStore
	platforms Platforms
	sessions  *orchestrator.Sessions
	cfg       Config

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(consumer Consumer, runner TurnRunner, history HistoryStore, platforms Platforms, sessions *orchestrator.Sessions, cfg Config) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Worker{
		consumer:  consumer,
		runner:    runner,
		history:   history,
		platforms: platforms,
		sessions:  sessions,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
}

func (w *Worker) Run(ctx context.Context) error {
	defer close(w.stoppedCh)

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		Component: "parley.worker",
	})

	var turns errgroup.Group
	turns.SetLimit(w.cfg.Concurrency)
	defer func() {
		_ = turns.Wait()
	}()

	slog.InfoContext(ctx, "worker started", "concurrency", w.cfg.Concurrency)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			slog.InfoContext(ctx, "worker stopping")
			return nil
		default:
			if err := w.processOneBatch(ctx, &turns); err != nil {
				slog.ErrorContext(ctx, "batch processing error", "error", err)
				// Brief backoff on error
				time.Sleep(time.Second)
			}
		}
	}
}

func (w *Worker) Stop() {
	close(w.stopCh)
	<-w.stoppedCh
}

func (w *Worker) processOneBatch(ctx context.Context, turns *errgroup.Group) error {
	messages, err := w.consumer.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading from stream: %w", err)
	}

	for _, msg := range messages {
		// Blocks while Concurrency turns are in flight.
		turns.Go(func() error {
			if err := w.processMessageSafe(ctx, msg); err != nil {
				slog.ErrorContext(ctx, "message processing failed",
					"error", err,
					"message_id", msg.ID,
					"session_id", msg.SessionID)
				w.handleFailedMessage(ctx, msg, err)
			}
			return nil
		})
	}

	return nil
}

func (w *Worker) processMessageSafe(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in message processing",
				"panic", r,
				"message_id", msg.ID,
				"session_id", msg.SessionID)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.ProcessMessage(ctx, msg)
}

// ProcessMessage runs the turn for one inbound message. Exported so it can be
// reused by the reclaimer.
//
// A turn that fails after it started talking to the user is not retried: the
// platform was already told through OnError and a retry would repeat actions.
// Only failures before the turn starts are returned for requeueing.
func (w *Worker) ProcessMessage(ctx context.Context, msg queue.Message) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		SessionID: logger.Ptr(msg.SessionID),
		MessageID: logger.Ptr(msg.ID),
	})

	sc := logger.StartSpanFromTraceID(ctx, msg.TraceID, "worker.process_turn", trace.WithSpanKind(trace.SpanKindConsumer))
	defer sc.End()
	ctx = sc.Context()
	sc.SetAttributes(
		attribute.String("session.id", msg.SessionID),
		attribute.Int("message.attempt", msg.Attempt),
	)

	sess, err := w.sessions.Begin(msg.SessionID)
	if errors.Is(err, orchestrator.ErrSessionBusy) {
		slog.InfoContext(ctx, "session busy, requeuing message")
		if err := w.consumer.RequeueWithAttempt(ctx, msg, msg.Attempt, reasonSessionBusy); err != nil {
			return fmt.Errorf("requeuing busy session message: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("beginning turn: %w", err)
	}
	defer w.sessions.End(sess)

	past, err := w.history.Load(ctx, msg.SessionID)
	if err != nil {
		sc.Fail(err)
		return fmt.Errorf("loading history: %w", err)
	}

	slog.InfoContext(ctx, "processing message",
		"attempt", msg.Attempt,
		"history_messages", len(past),
		"text", logger.Truncate(msg.Text, 200))

	user := llm.Message{Role: llm.RoleUser, Content: msg.Text}
	if msg.Sender != "" {
		user.Name = llm.SanitizeName(msg.Sender)
	}

	conversation := make([]llm.Message, 0, len(past)+2)
	conversation = append(conversation, llm.Message{Role: llm.RoleSystem, Content: w.cfg.SystemPrompt})
	conversation = append(conversation, past...)
	conversation = append(conversation, user)

	p := w.platforms.ForSession(msg.SessionID)
	defer w.platforms.Release(msg.SessionID)

	start := time.Now()
	out, runErr := w.runner.Run(ctx, sess, conversation, p)

	transcript := []llm.Message{user}
	if len(out.History) > len(conversation) {
		transcript = append(transcript, out.History[len(conversation):]...)
	}
	if err := w.history.Append(context.WithoutCancel(ctx), msg.SessionID, transcript...); err != nil {
		slog.WarnContext(ctx, "failed to persist conversation history", "error", err)
	}

	if runErr != nil {
		sc.Fail(runErr)
		slog.ErrorContext(ctx, "turn failed, not retrying",
			"error", runErr,
			"state", out.State)
	} else {
		slog.InfoContext(ctx, "turn processed",
			"state", out.State,
			"depth", out.Depth,
			"duration_ms", time.Since(start).Milliseconds())
	}

	if err := w.consumer.Ack(ctx, msg); err != nil {
		// Log but don't fail - message will be reclaimed but that's safe
		slog.WarnContext(ctx, "failed to ACK message", "error", err)
	}
	return nil
}

func (w *Worker) handleFailedMessage(ctx context.Context, msg queue.Message, err error) {
	if msg.Attempt >= w.cfg.MaxAttempts {
		slog.ErrorContext(ctx, "max attempts reached, sending to DLQ",
			"message_id", msg.ID,
			"session_id", msg.SessionID,
			"attempts", msg.Attempt)
		if dlqErr := w.consumer.SendDLQ(ctx, msg, err.Error()); dlqErr != nil {
			slog.ErrorContext(ctx, "failed to send to DLQ", "error", dlqErr)
		}
		return
	}

	slog.WarnContext(ctx, "requeuing failed message",
		"message_id", msg.ID,
		"session_id", msg.SessionID,
		"attempt", msg.Attempt)
	if requeueErr := w.consumer.Requeue(ctx, msg, err.Error()); requeueErr != nil {
		slog.ErrorContext(ctx, "failed to requeue message", "error", requeueErr)
	}
}
