package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/weft-dev/weft/pkg/models"
)

// Tool is a capability the model can invoke.
type Tool interface {
	Name() string
	Description() string
	InputSchema() *models.Schema

	// Execute runs the tool. The returned string becomes the tool-result
	// content shown to the model. Errors should be ExecutionError so the
	// loop can tell fatal from retryable failures.
	Execute(ctx context.Context, input map[string]any) (string, error)
}

// ExecutionError is a tool failure. Fatal failures (invalid arguments,
// workspace violations) are not retried; the rest may be.
type ExecutionError struct {
	Tool  string
	Fatal bool
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Fatalf builds a non-retryable ExecutionError.
func Fatalf(tool, format string, args ...any) *ExecutionError {
	return &ExecutionError{Tool: tool, Fatal: true, Err: fmt.Errorf(format, args...)}
}

// Errorf builds a retryable ExecutionError.
func Errorf(tool, format string, args ...any) *ExecutionError {
	return &ExecutionError{Tool: tool, Err: fmt.Errorf(format, args...)}
}

// IsFatal reports whether err is a tool failure that retrying cannot fix.
func IsFatal(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee) && ee.Fatal
}

// Registry holds the available tools.
type Registry struct {
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool with the same name.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Restrict returns a registry limited to the named tools. An empty list
// means no restriction. Unknown names are ignored.
func (r *Registry) Restrict(names []string) *Registry {
	if len(names) == 0 {
		return r
	}
	out := NewRegistry()
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			out.Register(t)
		}
	}
	return out
}

// Catalog exports the tool definitions for a provider request, sorted by
// name so requests are stable across runs.
func (r *Registry) Catalog() []models.ToolDef {
	defs := make([]models.ToolDef, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		defs = append(defs, models.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.InputSchema(),
		})
	}
	return defs
}
