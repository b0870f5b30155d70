package dispatch

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/veyra/flowcore/internal/engine"
	"github.com/veyra/flowcore/internal/expressions"
	"github.com/veyra/flowcore/internal/store"
	"github.com/veyra/flowcore/pkg/schema"
)

// TriggerRequest is the wire form of an entry-point invocation.
type TriggerRequest struct {
	JobType     string         `json:"job_type"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	Event       string         `json:"event,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Outcome is the per-workflow result of a batch dispatch.
type Outcome struct {
	WorkflowID string            `json:"workflow_id"`
	Result     *engine.RunResult `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// DueFunc decides whether a scheduled workflow is due this tick. The
// scheduler supplies one bound to its tick window; nil means "run all".
type DueFunc func(wf *store.Workflow) bool

// DefinitionValidator checks a workflow definition before any execution
// is created from it.
type DefinitionValidator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// Dispatcher routes trigger requests to the controller: scheduled batches,
// manual runs, resumes after approval, and event-matched runs.
type Dispatcher struct {
	store      store.Store
	controller *engine.Controller
	cel        *expressions.CELEngine
	validator  DefinitionValidator
	logger     *slog.Logger

	// maxParallel bounds concurrent runs in a scheduled batch.
	maxParallel int
}

// NewDispatcher creates a Dispatcher. maxParallel <= 0 means run batches
// one workflow at a time.
func NewDispatcher(st store.Store, controller *engine.Controller, cel *expressions.CELEngine, validator DefinitionValidator, maxParallel int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if maxParallel <= 0 {
		maxParallel = 1
	}
	return &Dispatcher{
		store:       st,
		controller:  controller,
		cel:         cel,
		validator:   validator,
		logger:      logger,
		maxParallel: maxParallel,
	}
}

// Dispatch routes a trigger request by job type.
func (d *Dispatcher) Dispatch(ctx context.Context, req TriggerRequest) (any, error) {
	switch {
	case req.JobType == "scheduled":
		return d.Scheduled(ctx, nil)
	case req.JobType == "manual" && req.WorkflowID != "":
		return d.Manual(ctx, req.WorkflowID, req.UserID)
	case req.JobType == "resume" && req.ExecutionID != "":
		return d.Resume(ctx, req.ExecutionID)
	case req.JobType == "event" && req.Event != "":
		return d.Event(ctx, req.Event, req.Payload)
	default:
		return nil, schema.NewError(schema.ErrCodeDispatch, "Invalid job_type or missing parameters")
	}
}

// Scheduled runs every active scheduled workflow accepted by due. Each
// workflow's outcome is recorded independently; one failing run does not
// abort the batch. Results keep listing order regardless of completion
// order.
func (d *Dispatcher) Scheduled(ctx context.Context, due DueFunc) ([]Outcome, error) {
	trigger := schema.TriggerScheduled
	active := true
	workflows, err := d.store.ListWorkflows(ctx, store.WorkflowFilter{
		TriggerType: &trigger,
		Active:      &active,
	})
	if err != nil {
		return nil, storeFailure("list scheduled workflows", err)
	}

	var selected []*store.Workflow
	for _, wf := range workflows {
		if due == nil || due(wf) {
			selected = append(selected, wf)
		}
	}

	d.logger.InfoContext(ctx, "dispatching scheduled workflows",
		slog.Int("active", len(workflows)),
		slog.Int("due", len(selected)))

	outcomes := make([]Outcome, len(selected))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.maxParallel)

	for i, wf := range selected {
		i, wf := i, wf
		g.Go(func() error {
			outcomes[i] = d.runOne(gctx, wf, wf.CreatedBy, "scheduled")
			return nil
		})
	}
	_ = g.Wait()

	return outcomes, nil
}

// Manual starts one run of an active workflow. userID falls back to the
// workflow's creator when the caller is anonymous.
func (d *Dispatcher) Manual(ctx context.Context, workflowID, userID string) (*engine.RunResult, error) {
	wf, err := d.store.GetWorkflow(ctx, workflowID)
	if err != nil || !wf.IsActive {
		return nil, schema.NewError(schema.ErrCodeNotFound, "Workflow not found or inactive")
	}

	if err := d.checkDefinition(wf); err != nil {
		return nil, err
	}

	if userID == "" {
		userID = wf.CreatedBy
	}

	exec, err := d.createExecution(ctx, wf, userID, "manual")
	if err != nil {
		return nil, err
	}
	return d.controller.Run(ctx, wf, exec)
}

// Resume continues an execution halted at an approval gate.
func (d *Dispatcher) Resume(ctx context.Context, executionID string) (*engine.RunResult, error) {
	exec, err := d.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "Execution not found or not awaiting approval")
	}
	if exec.Status != schema.ExecutionAwaitingApproval {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s is %s, not awaiting_approval", executionID, exec.Status)
	}

	wf, err := d.store.GetWorkflow(ctx, exec.WorkflowID)
	if err != nil {
		return nil, storeFailure("load workflow for resume", err)
	}

	return d.controller.Run(ctx, wf, exec)
}

// Event runs every active event workflow whose trigger matches the event
// name and whose condition, if any, accepts the payload.
func (d *Dispatcher) Event(ctx context.Context, event string, payload map[string]any) ([]Outcome, error) {
	trigger := schema.TriggerEvent
	active := true
	workflows, err := d.store.ListWorkflows(ctx, store.WorkflowFilter{
		TriggerType: &trigger,
		Active:      &active,
	})
	if err != nil {
		return nil, storeFailure("list event workflows", err)
	}

	var outcomes []Outcome
	for _, wf := range workflows {
		matched, err := d.matches(ctx, wf, event, payload)
		if err != nil {
			outcomes = append(outcomes, Outcome{WorkflowID: wf.ID, Error: err.Error()})
			continue
		}
		if !matched {
			continue
		}
		outcomes = append(outcomes, d.runOne(ctx, wf, wf.CreatedBy, "event"))
	}
	return outcomes, nil
}

func (d *Dispatcher) matches(ctx context.Context, wf *store.Workflow, event string, payload map[string]any) (bool, error) {
	cfg, err := schema.DecodeTriggerConfig(&wf.Definition)
	if err != nil {
		return false, err
	}
	tc, ok := cfg.(*schema.EventTriggerConfig)
	if !ok || tc.Event != event {
		return false, nil
	}
	if tc.Condition == "" {
		return true, nil
	}

	return d.cel.EvaluateBool(ctx, tc.Condition, map[string]any{
		"event":   event,
		"payload": payload,
		"workflow": map[string]any{
			"id":         wf.ID,
			"name":       wf.Name,
			"company_id": wf.CompanyID,
		},
	})
}

func (d *Dispatcher) runOne(ctx context.Context, wf *store.Workflow, userID, source string) Outcome {
	if err := d.checkDefinition(wf); err != nil {
		d.logger.WarnContext(ctx, "workflow definition rejected",
			slog.String("workflow_id", wf.ID),
			slog.String("error", err.Error()))
		return Outcome{WorkflowID: wf.ID, Error: err.Error()}
	}

	exec, err := d.createExecution(ctx, wf, userID, source)
	if err != nil {
		d.logger.ErrorContext(ctx, "create execution failed",
			slog.String("workflow_id", wf.ID),
			slog.String("error", err.Error()))
		return Outcome{WorkflowID: wf.ID, Error: err.Error()}
	}

	result, err := d.controller.Run(ctx, wf, exec)
	if err != nil {
		return Outcome{WorkflowID: wf.ID, Error: err.Error()}
	}
	return Outcome{WorkflowID: wf.ID, Result: result}
}

// checkDefinition re-validates a stored definition before a run starts.
// Rows written outside the registration endpoint reach the dispatcher
// unchecked.
func (d *Dispatcher) checkDefinition(wf *store.Workflow) error {
	if d.validator == nil {
		return nil
	}
	return d.validator.ValidateDefinition(&wf.Definition)
}

func (d *Dispatcher) createExecution(ctx context.Context, wf *store.Workflow, userID, source string) (*store.Execution, error) {
	exec := &store.Execution{
		ID:            uuid.NewString(),
		WorkflowID:    wf.ID,
		CompanyID:     wf.CompanyID,
		TriggeredBy:   userID,
		TriggerSource: source,
		Status:        schema.ExecutionPending,
	}
	if err := d.store.CreateExecution(ctx, exec); err != nil {
		return nil, storeFailure("create execution", err)
	}
	return exec, nil
}

func storeFailure(op string, err error) error {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}
