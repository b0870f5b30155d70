package steps

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/veyra/flowcore/pkg/schema"
)

// ExecContext carries run identity into step handlers.
type ExecContext struct {
	ExecutionID string
	WorkflowID  string
	CompanyID   string
}

// Handler executes one kind of workflow step. Execute returns the step's
// result payload; a non-nil error marks the step failed without touching
// the rest of the run.
type Handler interface {
	Type() schema.StepType
	Execute(ctx context.Context, ec ExecContext, step *schema.Step, prior []schema.StepResult) (json.RawMessage, error)
}

// Registry is a thread-safe map of step handlers keyed by step type.
type Registry struct {
	mu       sync.RWMutex
	handlers map[schema.StepType]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[schema.StepType]Handler),
	}
}

// Register adds a handler to the registry. Returns error on duplicate type.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return schema.NewError(schema.ErrCodeValidation, "handler is nil")
	}
	t := h.Type()
	if t == "" {
		return schema.NewError(schema.ErrCodeValidation, "handler type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[t]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler for %q already registered", t)
	}

	r.handlers[t] = h
	return nil
}

// Get retrieves a handler by step type.
func (r *Registry) Get(t schema.StepType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[t]
	return h, ok
}

// Types returns all registered step types, sorted.
func (r *Registry) Types() []schema.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]schema.StepType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Count returns the number of registered handlers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// priorResult finds an earlier step attempt by step ID. Returns the most
// recent attempt when a step ran more than once.
func priorResult(prior []schema.StepResult, stepID string) *schema.StepResult {
	for i := len(prior) - 1; i >= 0; i-- {
		if prior[i].StepID == stepID {
			return &prior[i]
		}
	}
	return nil
}
