package expressions

import "context"

// Engine evaluates expressions used by workflows.
// Two implementations: CEL (trigger conditions) and GoJQ (data
// transforms). Notification templating has its own evaluator, Renderer.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
