package tool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrToolNotFound      = errors.New("tool not found")
	ErrDuplicateTool     = errors.New("tool already registered")
	ErrInvalidDefinition = errors.New("invalid tool definition")
	ErrRegistryFrozen    = errors.New("tool registry is frozen")
)

type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
)

type Parameter struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required"`
	Description string    `json:"description,omitempty"`
}

// Context is what a tool knows about the turn that invoked it.
type Context struct {
	SessionID string
	Depth     int
	Deliverer Deliverer
}

type ExecuteFunc func(ctx context.Context, params map[string]any, tc Context) (Result, error)

// Definition is a registered capability: data plus one function.
type Definition struct {
	Name        string
	Description string
	Parameters  []Parameter
	Execute     ExecuteFunc
}

// Result is the outcome of one tool call.
//
// Artifacts declares files, images or audio the platform should deliver to the
// user. Delivered is filled in by the Engine with the artifacts that actually
// reached the platform. Neither is ever copied into feedback for the model.
type Result struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     string     `json:"error,omitempty"`
	Artifacts []Artifact `json:"-"`
	Delivered []Artifact `json:"-"`
}

func OK(data any) Result {
	return Result{Success: true, Data: data}
}

func Failure(format string, args ...any) Result {
	return Result{Success: false, Error: fmt.Sprintf(format, args...)}
}

// Registry maps tool names to definitions. It is populated at startup and
// frozen before the first session runs; lookups are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Definition
	frozen bool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Definition)}
}

func (r *Registry) Register(def Definition) error {
	if strings.TrimSpace(def.Name) == "" || def.Execute == nil {
		return fmt.Errorf("registering %q: %w", def.Name, ErrInvalidDefinition)
	}
	for _, p := range def.Parameters {
		if p.Name == "" {
			return fmt.Errorf("registering %q: parameter without name: %w", def.Name, ErrInvalidDefinition)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("registering %q: %w", def.Name, ErrRegistryFrozen)
	}
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("registering %q: %w", def.Name, ErrDuplicateTool)
	}
	for name := range r.tools {
		if NormalizeName(name) == NormalizeName(def.Name) {
			return fmt.Errorf("registering %q conflicts with %q: %w", def.Name, name, ErrDuplicateTool)
		}
	}

	r.tools[def.Name] = def
	return nil
}

// MustRegister is Register for startup wiring, where a bad definition is a programming error.
func (r *Registry) MustRegister(defs ...Definition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

// Freeze rejects further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup finds a tool by exact name first, then by normalized name, so that
// "ReadFile", "read-file" and "readfile" all resolve to "read_file".
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if def, ok := r.tools[name]; ok {
		return def, true
	}

	want := NormalizeName(name)
	for registered, def := range r.tools {
		if NormalizeName(registered) == want {
			return def, true
		}
	}
	return Definition{}, false
}

// List returns every definition sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, def := range r.tools {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Describe renders the tool catalogue for the model's system instructions.
func (r *Registry) Describe() string {
	defs := r.List()
	if len(defs) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, def := range defs {
		fmt.Fprintf(&b, "- %s: %s\n", def.Name, def.Description)
		for _, p := range def.Parameters {
			req := "optional"
			if p.Required {
				req = "required"
			}
			fmt.Fprintf(&b, "    %s (%s, %s)", p.Name, p.Type, req)
			if p.Description != "" {
				fmt.Fprintf(&b, ": %s", p.Description)
			}
			b.WriteString("\n")
		}
	}
	b.WriteString("Call a tool with [tool:name key=\"value\"] or [tool:name]{\"key\": \"value\"}[/tool]. ")
	b.WriteString("Results come back as [tool-result] blocks.")
	return b.String()
}

func NormalizeName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "_", "")
	return strings.ReplaceAll(name, "-", "")
}
