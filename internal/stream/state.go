package stream

import (
	"strings"

	"basegraph.app/parley/internal/protocol"
)

// State is the per-attempt record of what has been streamed and dispatched.
// It is created empty for every generation attempt and never shared.
type State struct {
	buffer   strings.Builder
	emitted  map[protocol.Category]map[string]struct{}
	tools    map[string]struct{}
	calls    []protocol.ToolCall
	log      []Dispatch
	messages int
	parser   *protocol.Parser
}

// Dispatch records one action handed to the platform.
type Dispatch struct {
	Category protocol.Category
	Key      string
	Text     string
	Target   *int
	Err      error
}

func NewState() *State {
	emitted := make(map[protocol.Category]map[string]struct{}, len(protocol.Categories))
	for _, c := range protocol.Categories {
		emitted[c] = make(map[string]struct{})
	}
	return &State{
		emitted: emitted,
		tools:   make(map[string]struct{}),
		parser:  protocol.NewParser(),
	}
}

func (s *State) Buffer() string {
	return s.buffer.String()
}

// ToolCalls returns the recognized tool calls in buffer order.
func (s *State) ToolCalls() []protocol.ToolCall {
	return append([]protocol.ToolCall(nil), s.calls...)
}

// Dispatched returns every action dispatched so far, in dispatch order.
func (s *State) Dispatched() []Dispatch {
	return append([]Dispatch(nil), s.log...)
}

// MessagesEmitted counts message and quote tags dispatched in this attempt.
func (s *State) MessagesEmitted() int {
	return s.messages
}

// Emitted reports whether key was already dispatched for category.
func (s *State) Emitted(category protocol.Category, key string) bool {
	_, ok := s.emitted[category][key]
	return ok
}

// mark records key and reports whether it was new.
func (s *State) mark(category protocol.Category, key string) bool {
	set, ok := s.emitted[category]
	if !ok {
		set = make(map[string]struct{})
		s.emitted[category] = set
	}
	if _, seen := set[key]; seen {
		return false
	}
	set[key] = struct{}{}
	return true
}

func (s *State) markTool(call protocol.ToolCall) bool {
	key := call.DedupKey()
	if _, seen := s.tools[key]; seen {
		return false
	}
	s.tools[key] = struct{}{}
	s.calls = append(s.calls, call)
	return true
}
