package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"basegraph.app/parley/common/llm"
	"basegraph.app/parley/common/logger"
	"basegraph.app/parley/internal/metrics"
	"basegraph.app/parley/internal/platform"
	"basegraph.app/parley/internal/protocol"
	"basegraph.app/parley/internal/stream"
	"basegraph.app/parley/internal/tool"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrRetriesExhausted = errors.New("generation retries exhausted")
	// ErrAborted marks the cooperative abort path. Run never returns it.
	ErrAborted = errors.New("turn aborted")
)

const (
	defaultMaxDepth       = 5
	defaultMaxRetries     = 3
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
)

// TurnState is a state of the per-turn state machine.
type TurnState string

const (
	StateAwaitingGeneration TurnState = "awaiting_generation"
	StateStreaming          TurnState = "streaming"
	StateActionsDispatched  TurnState = "actions_dispatched"
	StateExecuting          TurnState = "executing"
	StateFeedbackAppended   TurnState = "feedback_appended"
	StateRetrying           TurnState = "retry_with_rotated_credential"
	StateComplete           TurnState = "complete"
	StateAbortedPartial     TurnState = "aborted_partial"
	StateFailed             TurnState = "failed"
)

type Config struct {
	MaxDepth       int
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxTokens      int
}

// Outcome summarizes a finished turn.
//
// History is the conversation passed to Run followed by everything the turn
// added: assistant output and tool feedback. Output of a failed attempt is
// not part of it. Dispatched holds every action handed to the platform across
// all attempts, including attempts that later failed. Partial is the buffer of
// the last attempt, complete or not.
type Outcome struct {
	State       TurnState
	Depth       int
	Generations int
	ToolCalls   int
	Dispatched  []stream.Dispatch
	History     []llm.Message
	Partial     string
}

type Option func(*Orchestrator)

// WithSleep replaces the backoff wait between generation attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) {
		o.sleep = fn
	}
}

// Orchestrator drives one user turn: generate, dispatch, execute tools, feed
// results back, and repeat until the model stops calling tools.
type Orchestrator struct {
	client llm.StreamClient
	keys   *llm.KeyPool
	engine *tool.Engine
	cfg    Config
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(client llm.StreamClient, keys *llm.KeyPool, engine *tool.Engine, cfg Config, opts ...Option) *Orchestrator {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = max(defaultMaxBackoff, cfg.InitialBackoff)
	}

	o := &Orchestrator{
		client: client,
		keys:   keys,
		engine: engine,
		cfg:    cfg,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run processes one turn for sess. history must already contain the system
// instructions and the user's message.
//
// Reaching the depth bound and aborting are normal terminal states and return
// a nil error. A fatal provider error or exhausted retries is returned after
// the platform has been told through OnError.
func (o *Orchestrator) Run(ctx context.Context, sess *Session, history []llm.Message, p platform.Platform) (Outcome, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		SessionID: logger.Ptr(sess.ID),
		TurnID:    logger.Ptr(sess.TurnID),
		Component: "parley.orchestrator.loop",
	})

	sc := logger.StartSpan(ctx, "orchestrator.turn")
	defer sc.End()
	ctx = sc.Context()
	sc.SetAttributes(
		attribute.String("session.id", sess.ID),
		attribute.Int64("turn.id", sess.TurnID),
	)

	start := time.Now()
	out := Outcome{History: append([]llm.Message(nil), history...)}

	defer func() {
		metrics.TurnDepth.Observe(float64(out.Depth))
		metrics.TurnsCompleted.WithLabelValues(string(out.State)).Inc()
		sc.SetAttributes(
			attribute.String("turn.state", string(out.State)),
			attribute.Int("turn.depth", out.Depth),
		)
		slog.InfoContext(ctx, "turn finished",
			"state", out.State,
			"depth", out.Depth,
			"generations", out.Generations,
			"tool_calls", out.ToolCalls,
			"dispatched", len(out.Dispatched),
			"duration_ms", time.Since(start).Milliseconds())
	}()

	for depth := 0; ; depth++ {
		sess.depth.Store(int32(depth))
		out.Depth = depth
		dctx := logger.WithLogFields(ctx, logger.LogFields{Depth: logger.Ptr(depth)})

		if depth >= o.cfg.MaxDepth {
			slog.InfoContext(dctx, "max depth reached, completing turn without another generation",
				"max_depth", o.cfg.MaxDepth)
			o.complete(dctx, &out, p, StateComplete)
			return out, nil
		}
		if interrupted(ctx, sess) {
			slog.InfoContext(dctx, "turn aborted before generation")
			o.complete(dctx, &out, p, StateAbortedPartial)
			return out, nil
		}

		enter(dctx, &out, StateAwaitingGeneration)
		state, err := o.generate(dctx, sess, &out, p)

		if errors.Is(err, ErrAborted) {
			if state != nil && strings.TrimSpace(state.Buffer()) != "" {
				out.History = append(out.History, llm.Message{Role: llm.RoleAssistant, Content: state.Buffer()})

				// Tool calls recognized before the abort still run; the user may
				// already have been promised their output.
				if calls := state.ToolCalls(); len(calls) > 0 {
					enter(dctx, &out, StateExecuting)
					results := o.executeTools(context.WithoutCancel(dctx), sess, depth, calls, p, &out)
					out.History = append(out.History, llm.Message{Role: llm.RoleUser, Content: tool.FeedbackMessage(calls, results)})
				}
			}
			slog.InfoContext(dctx, "turn aborted during generation", "partial_length", len(out.Partial))
			o.complete(dctx, &out, p, StateAbortedPartial)
			return out, nil
		}
		if err != nil {
			enter(dctx, &out, StateFailed)
			sc.Fail(err)
			slog.ErrorContext(dctx, "turn failed",
				"error", err,
				"partial_length", len(out.Partial))
			p.OnError(dctx, err)
			return out, err
		}

		calls := state.ToolCalls()
		if len(calls) == 0 {
			out.History = append(out.History, llm.Message{Role: llm.RoleAssistant, Content: state.Buffer()})
			o.complete(dctx, &out, p, StateComplete)
			return out, nil
		}

		enter(dctx, &out, StateExecuting)
		results := o.executeTools(dctx, sess, depth, calls, p, &out)

		out.History = append(out.History,
			llm.Message{Role: llm.RoleAssistant, Content: state.Buffer()},
			llm.Message{Role: llm.RoleUser, Content: tool.FeedbackMessage(calls, results)},
		)
		enter(dctx, &out, StateFeedbackAppended)
	}
}

// generate runs generation attempts for one depth until a stream completes,
// the turn is aborted, or the error is not worth retrying.
func (o *Orchestrator) generate(ctx context.Context, sess *Session, out *Outcome, p platform.Platform) (*stream.State, error) {
	gctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess.bindStream(cancel)
	defer sess.unbindStream()

	bo := newBackoff(o.cfg.InitialBackoff, o.cfg.MaxBackoff)
	cred := o.keys.Current()
	maxAttempts := o.cfg.MaxRetries + 1

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		sess.attempt.Store(int32(attempt))
		actx := logger.WithLogFields(ctx, logger.LogFields{Attempt: logger.Ptr(attempt)})

		state := stream.NewState()
		err := o.attempt(actx, gctx, sess, out, cred, state, p)
		out.Generations++
		out.Dispatched = append(out.Dispatched, state.Dispatched()...)
		out.Partial = state.Buffer()

		if err == nil || errors.Is(err, ErrAborted) {
			return state, err
		}

		class := llm.Classify(actx, err)
		if !class.Retryable() {
			return nil, fmt.Errorf("generating response: %w", err)
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}

		enter(actx, out, StateRetrying)
		metrics.GenerationRetries.WithLabelValues(string(class)).Inc()
		cred = o.rotate(actx, cred)
		delay := bo.NextBackOff()

		slog.WarnContext(actx, "generation failed, retrying",
			"class", class,
			"error", err,
			"backoff_ms", delay.Milliseconds(),
			"credential_index", cred.Index)

		if err := o.sleep(gctx, delay); err != nil || interrupted(ctx, sess) {
			return nil, ErrAborted
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, maxAttempts, lastErr)
}

// attempt streams one model response into state. Platform calls use ctx;
// the stream itself reads under gctx so an abort interrupts a blocked read.
func (o *Orchestrator) attempt(ctx, gctx context.Context, sess *Session, out *Outcome, cred llm.Credential, state *stream.State, p platform.Platform) error {
	sc := logger.StartSpan(ctx, "orchestrator.generate")
	defer sc.End()
	ctx = sc.Context()

	d := stream.NewDispatcher(state, p)

	s, err := o.client.ChatStream(gctx, llm.StreamRequest{
		Messages:  out.History,
		APIKey:    cred.Key,
		MaxTokens: o.cfg.MaxTokens,
	})
	if err != nil {
		if interrupted(ctx, sess) {
			return ErrAborted
		}
		sc.Fail(err)
		return fmt.Errorf("starting stream: %w", err)
	}
	defer s.Close()

	enter(ctx, out, StateStreaming)
	chunks := 0
	for {
		if interrupted(ctx, sess) {
			return abort(ctx, d)
		}

		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if interrupted(ctx, sess) {
				return abort(ctx, d)
			}
			sc.Fail(err)
			slog.DebugContext(ctx, "stream failed mid-response",
				"chunks", chunks,
				"buffer_length", len(state.Buffer()))
			return fmt.Errorf("reading stream: %w", err)
		}
		chunks++

		if interrupted(ctx, sess) {
			d.Append(chunk)
			return abort(ctx, d)
		}
		d.Feed(ctx, chunk)
	}

	d.Finish(ctx)
	enter(ctx, out, StateActionsDispatched)

	slog.DebugContext(ctx, "generation complete",
		"chunks", chunks,
		"tool_calls", len(state.ToolCalls()),
		"messages", state.MessagesEmitted(),
		"response", logger.Truncate(state.Buffer(), 500))
	return nil
}

// abort dispatches what the partial buffer already completes.
func abort(ctx context.Context, d *stream.Dispatcher) error {
	n := d.Flush(context.WithoutCancel(ctx))
	slog.InfoContext(ctx, "stream aborted, flushed partial response", "dispatched", n)
	return ErrAborted
}

// executeTools runs calls sequentially in buffer order.
func (o *Orchestrator) executeTools(ctx context.Context, sess *Session, depth int, calls []protocol.ToolCall, p platform.Platform, out *Outcome) []tool.Result {
	tc := tool.Context{
		SessionID: sess.ID,
		Depth:     depth,
		Deliverer: p,
	}

	results := make([]tool.Result, 0, len(calls))
	for _, call := range calls {
		results = append(results, o.engine.Execute(ctx, call, tc))
		out.ToolCalls++
	}

	slog.InfoContext(ctx, "tool calls executed", "count", len(calls))
	return results
}

func (o *Orchestrator) rotate(ctx context.Context, failed llm.Credential) llm.Credential {
	next := o.keys.Rotate(failed)
	if next.Index != failed.Index {
		metrics.CredentialRotations.Inc()
		slog.InfoContext(ctx, "rotated provider credential",
			"from_index", failed.Index,
			"to_index", next.Index)
	}
	return next
}

func (o *Orchestrator) complete(ctx context.Context, out *Outcome, p platform.Platform, state TurnState) {
	enter(ctx, out, state)
	if err := p.OnComplete(context.WithoutCancel(ctx)); err != nil {
		slog.WarnContext(ctx, "platform completion signal failed", "error", err)
	}
}

func enter(ctx context.Context, out *Outcome, state TurnState) {
	slog.DebugContext(ctx, "turn state", "from", out.State, "to", state)
	out.State = state
}

func interrupted(ctx context.Context, sess *Session) bool {
	return sess.Aborted() || ctx.Err() != nil
}
