// Package tools holds the function-calling tools the model may invoke
// during a live session.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"google.golang.org/genai"
)

// DefaultTimeout bounds a single handler run when the registry is built without one.
const DefaultTimeout = 30 * time.Second

// Handler executes a tool against the model-supplied arguments.
// The returned value must be JSON-serializable.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Definition describes a registered tool. Parameters is a JSON-Schema
// object ({"type":"object","properties":{...},"required":[...]}).
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Handler
}

// Declaration is the handler-free view advertised to the model and to clients.
type Declaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Result is the outcome of one tool execution. Exactly one of Value or
// Error is meaningful: a non-empty Error marks a failure.
type Result struct {
	CallID string
	Value  any
	Error  string
}

// Failed reports whether the execution produced an error.
func (r Result) Failed() bool {
	return r.Error != ""
}

// Response returns the payload sent back upstream as the function response.
func (r Result) Response() map[string]any {
	if r.Failed() {
		return map[string]any{"error": r.Error}
	}
	if m, ok := r.Value.(map[string]any); ok {
		return m
	}
	return map[string]any{"output": r.Value}
}

// Registry maps tool names to definitions
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Definition
	timeout time.Duration
}

// NewRegistry creates an empty registry. A non-positive timeout uses DefaultTimeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		tools:   make(map[string]Definition),
		timeout: timeout,
	}
}

// Register inserts or replaces a tool by name
func (r *Registry) Register(def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = def
}

// Get retrieves a tool by name
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[name]
	return def, ok
}

// List returns every registered tool, sorted by name
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

// Declarations returns the advertisement view of every tool
func (r *Registry) Declarations() []Declaration {
	defs := r.List()
	out := make([]Declaration, 0, len(defs))
	for _, def := range defs {
		out = append(out, Declaration{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	return out
}

// GenaiTools converts the declarations into the Live API tool format.
// It returns nil when nothing is registered.
func (r *Registry) GenaiTools() []*genai.Tool {
	decls := r.Declarations()
	if len(decls) == 0 {
		return nil
	}

	fds := make([]*genai.FunctionDeclaration, 0, len(decls))
	for _, d := range decls {
		fd := &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
		}
		if d.Parameters != nil {
			fd.ParametersJsonSchema = d.Parameters
		}
		fds = append(fds, fd)
	}
	return []*genai.Tool{{FunctionDeclarations: fds}}
}

// Execute runs the named tool. Failures of any kind, including panics and
// timeouts, are reported in Result.Error and never returned to the caller.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) Result {
	def, ok := r.Get(name)
	if !ok || def.Handler == nil {
		return Result{Error: fmt.Sprintf("Tool %s not found", name)}
	}
	if args == nil {
		args = map[string]any{}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	// Buffered so an abandoned handler can still finish and exit.
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("%v", p)}
			}
		}()
		v, err := def.Handler(ctx, args)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return Result{Error: out.err.Error()}
		}
		return Result{Value: out.value}
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{Error: fmt.Sprintf("Tool %s timed out", name)}
		}
		return Result{Error: ctx.Err().Error()}
	}
}
