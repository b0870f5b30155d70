package functions

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/veyra/flowcore/pkg/schema"
)

// Func is a built-in business function invokable from FunctionCall steps.
type Func func(ctx context.Context, params map[string]any, companyID string) (json.RawMessage, error)

// Registry is a closed, thread-safe set of built-in functions. Workflow
// definitions cannot register new functions at run time.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		funcs: make(map[string]Func),
	}
}

// Register adds a function to the registry. Returns error on duplicate name.
func (r *Registry) Register(name string, fn Func) error {
	if fn == nil {
		return schema.NewError(schema.ErrCodeValidation, "function is nil")
	}
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "function name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.funcs[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "function %q already registered", name)
	}

	r.funcs[name] = fn
	return nil
}

// Invoke runs a registered function by name.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any, companyID string) (json.RawMessage, error) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()

	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "Unknown function: %s", name)
	}
	if params == nil {
		params = map[string]any{}
	}
	return fn(ctx, params, companyID)
}

// Has checks if a function is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.funcs[name]
	return ok
}

// Names returns all registered function names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
