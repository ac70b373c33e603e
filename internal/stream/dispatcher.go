package stream

import (
	"context"
	"log/slog"

	"basegraph.app/parley/common/logger"
	"basegraph.app/parley/internal/metrics"
	"basegraph.app/parley/internal/platform"
	"basegraph.app/parley/internal/protocol"
)

// Dispatcher re-parses the whole buffer after every chunk and hands each newly
// recognized action to the platform exactly once per State. Tool calls are
// collected on the State, not executed.
type Dispatcher struct {
	state    *State
	platform platform.Platform
}

func NewDispatcher(state *State, p platform.Platform) *Dispatcher {
	return &Dispatcher{state: state, platform: p}
}

func (d *Dispatcher) State() *State {
	return d.state
}

// Append adds chunk to the buffer without dispatching.
func (d *Dispatcher) Append(chunk string) {
	d.state.buffer.WriteString(chunk)
}

// Feed appends chunk and dispatches everything the buffer now completes.
// It returns the number of actions dispatched.
func (d *Dispatcher) Feed(ctx context.Context, chunk string) int {
	d.Append(chunk)
	return d.dispatch(ctx, d.state.parser.Parse(ctx, d.state.Buffer()), false)
}

// Flush dispatches what a cut-off stream has fully recognized. Blocks and
// payloads that were still open when the stream stopped are dropped, and no
// fallback message is sent.
func (d *Dispatcher) Flush(ctx context.Context) int {
	return d.dispatch(ctx, d.state.parser.ParseFinal(ctx, d.state.Buffer()), true)
}

// Finish dispatches the remainder of a completed stream. If no message or quote
// was dispatched in this attempt, the buffer with all tags stripped is sent as
// one plain message.
func (d *Dispatcher) Finish(ctx context.Context) int {
	n := d.dispatch(ctx, d.state.parser.ParseFinal(ctx, d.state.Buffer()), false)

	if d.state.messages > 0 {
		return n
	}
	text := protocol.Strip(d.state.Buffer())
	if text == "" {
		return n
	}
	fallback := protocol.ActionTag{Category: protocol.CategoryMessage, Payload: text}
	if d.state.mark(protocol.CategoryMessage, fallback.DedupKey()) {
		d.state.messages++
		d.deliver(ctx, protocol.CategoryMessage, fallback.DedupKey(), text, nil, func() error {
			return d.platform.OnMessage(ctx, text, nil)
		})
		n++
	}
	return n
}

func (d *Dispatcher) dispatch(ctx context.Context, items []protocol.Item, skipPartial bool) int {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "parley.stream.dispatcher"})

	n := 0
	for _, it := range items {
		if skipPartial && it.Partial {
			slog.DebugContext(ctx, "dropping construct cut off by abort", "span", logger.Truncate(rawSpan(it), 80))
			continue
		}
		if it.Tool != nil {
			if d.state.markTool(*it.Tool) {
				slog.DebugContext(ctx, "tool call recognized", "tool", it.Tool.ToolName)
			}
			continue
		}
		n += d.dispatchAction(ctx, *it.Action)
	}
	return n
}

func (d *Dispatcher) dispatchAction(ctx context.Context, tag protocol.ActionTag) int {
	key := tag.DedupKey()
	if !d.state.mark(tag.Category, key) {
		return 0
	}

	switch tag.Category {
	case protocol.CategoryMessage, protocol.CategoryQuote:
		d.state.messages++
		nested, text := protocol.ExtractNested(tag.Payload)

		n := 0
		for _, inner := range nested {
			n += d.dispatchAction(ctx, inner)
		}
		if text == "" {
			return n
		}
		var quote *int
		if tag.Category == protocol.CategoryQuote {
			quote = tag.TargetIndex
		}
		d.deliver(ctx, tag.Category, key, text, quote, func() error {
			return d.platform.OnMessage(ctx, text, quote)
		})
		return n + 1

	case protocol.CategoryReaction:
		d.deliver(ctx, tag.Category, key, tag.Payload, tag.TargetIndex, func() error {
			return d.platform.OnReaction(ctx, tag.Payload, tag.TargetIndex)
		})
	case protocol.CategorySticker:
		d.deliver(ctx, tag.Category, key, tag.Payload, nil, func() error {
			return d.platform.OnSticker(ctx, tag.Payload)
		})
	case protocol.CategoryUndo:
		index := protocol.OwnLastMessage
		if tag.TargetIndex != nil {
			index = *tag.TargetIndex
		}
		d.deliver(ctx, tag.Category, key, "", &index, func() error {
			return d.platform.OnUndo(ctx, index)
		})
	case protocol.CategoryLink:
		d.deliver(ctx, tag.Category, key, tag.Payload, nil, func() error {
			return d.platform.OnLink(ctx, tag.Payload, tag.Caption)
		})
	case protocol.CategoryImage:
		d.deliver(ctx, tag.Category, key, tag.Payload, nil, func() error {
			return d.platform.OnImage(ctx, tag.Payload, tag.Caption)
		})
	case protocol.CategoryCard:
		d.deliver(ctx, tag.Category, key, tag.Payload, nil, func() error {
			return d.platform.OnCard(ctx, tag.Payload)
		})
	default:
		return 0
	}
	return 1
}

// deliver calls the platform and records the dispatch. Platform errors are
// logged; the key stays marked so a retry within this attempt cannot duplicate it.
func (d *Dispatcher) deliver(ctx context.Context, category protocol.Category, key, text string, target *int, send func() error) {
	err := send()

	outcome := metrics.OutcomeOK
	if err != nil {
		outcome = metrics.OutcomeError
		slog.WarnContext(ctx, "platform rejected action",
			"category", category,
			"error", err)
	}
	metrics.ActionsDispatched.WithLabelValues(string(category), outcome).Inc()

	d.state.log = append(d.state.log, Dispatch{
		Category: category,
		Key:      key,
		Text:     text,
		Target:   target,
		Err:      err,
	})
}

func rawSpan(it protocol.Item) string {
	if it.Tool != nil {
		return it.Tool.RawSpan
	}
	if it.Action != nil {
		return it.Action.RawSpan
	}
	return ""
}
