package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/veyra/flowcore/internal/logging"
	"github.com/veyra/flowcore/internal/steps"
	"github.com/veyra/flowcore/internal/store"
	"github.com/veyra/flowcore/pkg/schema"
)

// StepExecutor runs a single step and converts every outcome into a
// StepResult. It never returns an error: handler failures and unknown step
// types both become failed results so the controller can apply its failure
// routing uniformly.
type StepExecutor struct {
	registry *steps.Registry
	appender EventAppender
	logger   *slog.Logger
}

// NewStepExecutor creates a step executor.
func NewStepExecutor(registry *steps.Registry, appender EventAppender, logger *slog.Logger) *StepExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepExecutor{registry: registry, appender: appender, logger: logger}
}

// Execute attempts one step once and returns its immutable result record.
func (e *StepExecutor) Execute(ctx context.Context, ec steps.ExecContext, step *schema.Step, prior []schema.StepResult) schema.StepResult {
	start := time.Now()
	ctx = logging.WithIDs(ctx, ec.ExecutionID, step.ID, ec.CompanyID)

	result := schema.StepResult{
		StepID:     step.ID,
		StepName:   step.Name,
		Status:     schema.StepRunning,
		ExecutedAt: start.UTC(),
	}

	e.logger.InfoContext(ctx, "executing step",
		slog.String("step_type", string(step.Type)),
		slog.String("step_name", step.Name))
	e.emitStepEvent(ctx, ec.ExecutionID, step.ID, schema.EventStepStarted, nil)

	payload, err := e.run(ctx, ec, step, prior)
	result.DurationMs = time.Since(start).Milliseconds()

	if err != nil {
		result.Status = schema.StepFailed
		result.Error = errorMessage(err)
		e.logger.ErrorContext(ctx, "step failed",
			slog.String("step_name", step.Name),
			slog.String("error", result.Error))
		e.emitStepEvent(ctx, ec.ExecutionID, step.ID, schema.EventStepFailed,
			map[string]any{"error": result.Error})
		return result
	}

	result.Status = schema.StepSuccess
	result.Result = payload
	e.logger.InfoContext(ctx, "step completed",
		slog.String("step_name", step.Name),
		slog.Int64("duration_ms", result.DurationMs))
	e.emitStepEvent(ctx, ec.ExecutionID, step.ID, schema.EventStepSucceeded, nil)
	return result
}

func (e *StepExecutor) run(ctx context.Context, ec steps.ExecContext, step *schema.Step, prior []schema.StepResult) (json.RawMessage, error) {
	handler, ok := e.registry.Get(step.Type)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "Unknown step type: %s", step.Type).WithStep(step.ID)
	}
	return handler.Execute(ctx, ec, step, prior)
}

// emitStepEvent best-effort appends a step audit event. Audit failures are
// logged, not propagated: they must not fail the step itself.
func (e *StepExecutor) emitStepEvent(ctx context.Context, executionID, stepID, eventType string, payload map[string]any) {
	if e.appender == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	event := &store.Event{
		ExecutionID: executionID,
		StepID:      stepID,
		Type:        eventType,
		Payload:     raw,
	}
	if err := e.appender.AppendEvent(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "append step event failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()))
	}
}

// errorMessage extracts the bare message of a FlowError, or err.Error()
// otherwise. Step records carry the message a definition author would
// expect, without code prefixes.
func errorMessage(err error) string {
	if fe, ok := err.(*schema.FlowError); ok {
		return fe.Message
	}
	return err.Error()
}
