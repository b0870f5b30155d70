package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/veyra/flowcore/internal/logging"
	"github.com/veyra/flowcore/internal/steps"
	"github.com/veyra/flowcore/internal/store"
	"github.com/veyra/flowcore/pkg/schema"
)

// RunResult is the controller's summary of one drive of an execution.
type RunResult struct {
	Status      schema.ExecutionStatus `json:"status"`
	Message     string                 `json:"message"`
	ExecutionID string                 `json:"executionId"`
	Results     []schema.StepResult    `json:"results,omitempty"`
}

// Controller drives an execution through its steps: sequential execution,
// failure routing, approval halts, and a persistence checkpoint after every
// step so a crashed run can be inspected mid-flight.
type Controller struct {
	store    store.Store
	executor *StepExecutor
	fsm      *ExecutionFSM
	logger   *slog.Logger
}

// NewController creates an execution controller.
func NewController(st store.Store, executor *StepExecutor, fsm *ExecutionFSM, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{store: st, executor: executor, fsm: fsm, logger: logger}
}

// Run drives an execution to its next halt point: completion, failure, or
// an approval gate. A pending execution starts at step 0; one awaiting
// approval resumes at the step after its checkpoint.
//
// Step failures are outcomes, reported through the RunResult. A non-nil
// error means the engine itself could not proceed (store failures, invalid
// state), not that a step failed.
func (c *Controller) Run(ctx context.Context, wf *store.Workflow, exec *store.Execution) (*RunResult, error) {
	ctx = logging.WithIDs(ctx, exec.ID, "", exec.CompanyID)

	results := exec.StepResults
	startIdx := 0

	switch exec.Status {
	case schema.ExecutionPending:
		results = nil
		if err := c.fsm.Transition(ctx, exec.ID, schema.ExecutionPending, schema.ExecutionRunning); err != nil {
			return nil, err
		}
	case schema.ExecutionAwaitingApproval:
		// The checkpointed step already ran; continue after it.
		startIdx = exec.CurrentStepIndex + 1
		if err := c.fsm.Transition(ctx, exec.ID, schema.ExecutionAwaitingApproval, schema.ExecutionRunning); err != nil {
			return nil, err
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s is %s, cannot run", exec.ID, exec.Status)
	}

	// startIdx sits one past the last step when the approval gate was
	// final; the persisted index always points at a real step.
	checkpointIdx := startIdx
	if last := len(wf.Definition.Steps) - 1; checkpointIdx > last && last >= 0 {
		checkpointIdx = last
	}

	running := schema.ExecutionRunning
	if err := c.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:           &running,
		CurrentStepIndex: &checkpointIdx,
	}); err != nil {
		return nil, storeFailure("mark execution running", err)
	}

	c.logger.InfoContext(ctx, "starting workflow execution",
		slog.String("workflow_name", wf.Name),
		slog.Int("start_index", startIdx),
		slog.Int("step_count", len(wf.Definition.Steps)))

	ec := steps.ExecContext{
		ExecutionID: exec.ID,
		WorkflowID:  wf.ID,
		CompanyID:   exec.CompanyID,
	}

	currentIdx := checkpointIdx
	for i := startIdx; i < len(wf.Definition.Steps); i++ {
		step := &wf.Definition.Steps[i]
		currentIdx = i

		res := c.executor.Execute(ctx, ec, step, results)
		results = append(results, res)

		// Checkpoint after every step attempt.
		if err := c.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
			CurrentStepIndex: &currentIdx,
			StepResults:      results,
		}); err != nil {
			return nil, c.failRun(ctx, exec.ID, results, storeFailure("checkpoint execution", err))
		}

		if res.Status == schema.StepFailed {
			if step.OnFailure != "" {
				if target := findStepIndex(wf.Definition.Steps, step.OnFailure); target != -1 {
					c.logger.WarnContext(ctx, "step failed, routing to failure handler",
						slog.String("step_name", step.Name),
						slog.String("on_failure", step.OnFailure))
					i = target - 1 // loop increment lands on the handler step
					continue
				}
			}
			return c.finishFailed(ctx, exec.ID, step, res, results)
		}

		if step.Type == schema.StepApproval {
			return c.haltForApproval(ctx, exec.ID, currentIdx, results)
		}
	}

	return c.finishCompleted(ctx, exec.ID, currentIdx, results)
}

func (c *Controller) finishCompleted(ctx context.Context, executionID string, idx int, results []schema.StepResult) (*RunResult, error) {
	if err := c.fsm.Transition(ctx, executionID, schema.ExecutionRunning, schema.ExecutionCompleted); err != nil {
		return nil, err
	}

	completed := schema.ExecutionCompleted
	now := time.Now().UTC()
	if err := c.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Status:           &completed,
		CurrentStepIndex: &idx,
		StepResults:      results,
		CompletedAt:      &now,
	}); err != nil {
		return nil, storeFailure("mark execution completed", err)
	}

	c.logger.InfoContext(ctx, "workflow completed")
	return &RunResult{
		Status:      schema.ExecutionCompleted,
		Message:     "Workflow completed successfully",
		ExecutionID: executionID,
		Results:     results,
	}, nil
}

func (c *Controller) finishFailed(ctx context.Context, executionID string, step *schema.Step, res schema.StepResult, results []schema.StepResult) (*RunResult, error) {
	if err := c.fsm.Transition(ctx, executionID, schema.ExecutionRunning, schema.ExecutionFailed); err != nil {
		return nil, err
	}

	failed := schema.ExecutionFailed
	now := time.Now().UTC()
	errorLog := res.Error
	if err := c.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Status:      &failed,
		StepResults: results,
		ErrorLog:    &errorLog,
		CompletedAt: &now,
	}); err != nil {
		return nil, storeFailure("mark execution failed", err)
	}

	c.logger.ErrorContext(ctx, "workflow failed",
		slog.String("step_name", step.Name),
		slog.String("error", res.Error))
	return &RunResult{
		Status:      schema.ExecutionFailed,
		Message:     fmt.Sprintf("Workflow failed at step: %s - %s", step.Name, res.Error),
		ExecutionID: executionID,
		Results:     results,
	}, nil
}

func (c *Controller) haltForApproval(ctx context.Context, executionID string, idx int, results []schema.StepResult) (*RunResult, error) {
	if err := c.fsm.Transition(ctx, executionID, schema.ExecutionRunning, schema.ExecutionAwaitingApproval); err != nil {
		return nil, err
	}

	awaiting := schema.ExecutionAwaitingApproval
	if err := c.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Status:           &awaiting,
		CurrentStepIndex: &idx,
		StepResults:      results,
	}); err != nil {
		return nil, storeFailure("mark execution awaiting approval", err)
	}

	c.logger.InfoContext(ctx, "workflow awaiting approval")
	return &RunResult{
		Status:      schema.ExecutionAwaitingApproval,
		Message:     "Workflow is awaiting approval",
		ExecutionID: executionID,
		Results:     results,
	}, nil
}

// failRun marks the execution failed after an engine-level error, then
// returns that error. Best effort: the original error wins over any
// bookkeeping failure.
func (c *Controller) failRun(ctx context.Context, executionID string, results []schema.StepResult, cause error) error {
	failed := schema.ExecutionFailed
	now := time.Now().UTC()
	errorLog := cause.Error()
	if err := c.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Status:      &failed,
		StepResults: results,
		ErrorLog:    &errorLog,
		CompletedAt: &now,
	}); err != nil {
		c.logger.ErrorContext(ctx, "mark execution failed after engine error",
			slog.String("error", err.Error()))
	}
	return cause
}

func findStepIndex(stepList []schema.Step, id string) int {
	for i := range stepList {
		if stepList[i].ID == id {
			return i
		}
	}
	return -1
}

func storeFailure(op string, err error) error {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}
