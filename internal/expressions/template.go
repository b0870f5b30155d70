package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/veyra/flowcore/pkg/schema"
)

// Renderer resolves {{...}} references in notification text. Each token
// holds an expr-lang expression evaluated against a scope of prior step
// outputs keyed by step ID plus workflow metadata. Compiled programs are
// cached across renders. Safe for concurrent use.
type Renderer struct {
	mu       sync.Mutex
	programs map[string]*vm.Program
}

// NewRenderer creates a Renderer with an empty program cache.
func NewRenderer() *Renderer {
	return &Renderer{programs: make(map[string]*vm.Program)}
}

// Render scans input for {{ expression }} tokens and replaces each with its
// evaluated value. Text without tokens passes through unchanged.
func (r *Renderer) Render(ctx context.Context, input string, scope map[string]any) (string, error) {
	if !strings.Contains(input, "{{") {
		return input, nil
	}

	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "{{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 2

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeValidation, "unclosed {{ expression")
		}
		end += start

		expression := strings.TrimSpace(input[start:end])
		if expression == "" {
			return "", schema.NewError(schema.ErrCodeValidation, "empty template expression: {{ }}")
		}

		val, err := r.eval(expression, scope)
		if err != nil {
			return "", err
		}
		result.WriteString(stringify(val))

		i = end + 2
	}

	return result.String(), nil
}

// eval runs one token expression against the scope. Scope keys become
// top-level variables; names the scope does not carry resolve to nil.
func (r *Renderer) eval(expression string, scope map[string]any) (any, error) {
	if scope == nil {
		scope = map[string]any{}
	}
	prg, err := r.program(expression, scope)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, scope)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"template expression %q failed: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

func (r *Renderer) program(expression string, scope map[string]any) (*vm.Program, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prg, ok := r.programs[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression,
		expr.Env(scope),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"bad template expression %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	r.programs[expression] = prg
	return prg, nil
}

// stringify renders an evaluated value as notification text. Composite values
// are rendered as compact JSON.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		// Whole floats render without a trailing ".0".
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case bool, int, int64:
		return fmt.Sprintf("%v", val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}
