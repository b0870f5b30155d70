package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veyra/flowcore/internal/steps"
	"github.com/veyra/flowcore/internal/store"
	"github.com/veyra/flowcore/pkg/schema"
)

// mockStore is an in-memory Store for engine tests.
type mockStore struct {
	mu         sync.Mutex
	workflows  map[string]*store.Workflow
	executions map[string]*store.Execution
	approvals  map[string]*store.ApprovalRequest
	events     []*store.Event

	updateCalls int
	updateErr   error
}

func newMockStore() *mockStore {
	return &mockStore{
		workflows:  make(map[string]*store.Workflow),
		executions: make(map[string]*store.Execution),
		approvals:  make(map[string]*store.ApprovalRequest),
	}
}

func (m *mockStore) CreateWorkflow(ctx context.Context, wf *store.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[wf.ID] = wf
	return nil
}

func (m *mockStore) GetWorkflow(ctx context.Context, id string) (*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	cp := *wf
	return &cp, nil
}

func (m *mockStore) UpdateWorkflow(ctx context.Context, id string, update store.WorkflowUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	if update.Name != nil {
		wf.Name = *update.Name
	}
	if update.IsActive != nil {
		wf.IsActive = *update.IsActive
	}
	return nil
}

func (m *mockStore) ListWorkflows(ctx context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Workflow
	for _, wf := range m.workflows {
		cp := *wf
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockStore) DeleteWorkflow(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workflows, id)
	return nil
}

func (m *mockStore) CreateExecution(ctx context.Context, exec *store.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[exec.ID] = exec
	return nil
}

func (m *mockStore) GetExecution(ctx context.Context, id string) (*store.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
	}
	cp := *exec
	return &cp, nil
}

func (m *mockStore) UpdateExecution(ctx context.Context, id string, update store.ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	if m.updateErr != nil {
		return m.updateErr
	}
	exec, ok := m.executions[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
	}
	if update.Status != nil {
		exec.Status = *update.Status
	}
	if update.CurrentStepIndex != nil {
		exec.CurrentStepIndex = *update.CurrentStepIndex
	}
	if update.StepResults != nil {
		exec.StepResults = update.StepResults
	}
	if update.ErrorLog != nil {
		exec.ErrorLog = *update.ErrorLog
	}
	if update.StartedAt != nil {
		exec.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		exec.CompletedAt = update.CompletedAt
	}
	return nil
}

func (m *mockStore) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	return nil, nil
}

func (m *mockStore) CreateApprovalRequest(ctx context.Context, req *store.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvals[req.ID] = req
	return nil
}

func (m *mockStore) GetApprovalRequest(ctx context.Context, id string) (*store.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.approvals[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "approval request %s not found", id)
	}
	cp := *req
	return &cp, nil
}

func (m *mockStore) ResolveApprovalRequest(ctx context.Context, id string, status schema.ApprovalStatus, resolvedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.approvals[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "approval request %s not found", id)
	}
	req.Status = status
	req.ResolvedBy = resolvedBy
	return nil
}

func (m *mockStore) ListApprovalRequests(ctx context.Context, filter store.ApprovalFilter) ([]*store.ApprovalRequest, error) {
	return nil, nil
}

func (m *mockStore) AppendEvent(ctx context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Sequence = int64(len(m.events) + 1)
	m.events = append(m.events, event)
	return nil
}

func (m *mockStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Event
	for _, e := range m.events {
		if e.ExecutionID == executionID && e.Sequence > since {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) Migrate(ctx context.Context) error { return nil }
func (m *mockStore) Vacuum(ctx context.Context) error  { return nil }
func (m *mockStore) Close() error                      { return nil }

func (m *mockStore) eventTypes(executionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.ExecutionID == executionID {
			out = append(out, e.Type)
		}
	}
	return out
}

var _ store.Store = (*mockStore)(nil)

// stubHandler lets tests script per-step outcomes.
type stubHandler struct {
	typ     schema.StepType
	results map[string]json.RawMessage
	errs    map[string]error
}

func (h *stubHandler) Type() schema.StepType { return h.typ }

func (h *stubHandler) Execute(ctx context.Context, ec steps.ExecContext, step *schema.Step, prior []schema.StepResult) (json.RawMessage, error) {
	if err, ok := h.errs[step.ID]; ok {
		return nil, err
	}
	if res, ok := h.results[step.ID]; ok {
		return res, nil
	}
	return json.RawMessage(`{"ok":true}`), nil
}

// --- FSM tests ---

func TestFSMValidTransitions(t *testing.T) {
	ms := newMockStore()
	fsm := NewExecutionFSM(ms)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "e1", schema.ExecutionPending, schema.ExecutionRunning))
	require.NoError(t, fsm.Transition(ctx, "e1", schema.ExecutionRunning, schema.ExecutionAwaitingApproval))
	require.NoError(t, fsm.Transition(ctx, "e1", schema.ExecutionAwaitingApproval, schema.ExecutionRunning))
	require.NoError(t, fsm.Transition(ctx, "e1", schema.ExecutionRunning, schema.ExecutionCompleted))

	assert.Equal(t, []string{
		schema.EventExecutionStarted,
		schema.EventExecutionAwaitingApproval,
		schema.EventExecutionResumed,
		schema.EventExecutionCompleted,
	}, ms.eventTypes("e1"))
}

func TestFSMInvalidTransitions(t *testing.T) {
	fsm := NewExecutionFSM(newMockStore())
	ctx := context.Background()

	cases := []struct{ from, to schema.ExecutionStatus }{
		{schema.ExecutionPending, schema.ExecutionCompleted},
		{schema.ExecutionPending, schema.ExecutionAwaitingApproval},
		{schema.ExecutionCompleted, schema.ExecutionRunning},
		{schema.ExecutionFailed, schema.ExecutionRunning},
		{schema.ExecutionAwaitingApproval, schema.ExecutionCompleted},
	}
	for _, tc := range cases {
		err := fsm.Transition(ctx, "e1", tc.from, tc.to)
		require.Error(t, err)
		var fe *schema.FlowError
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, schema.ErrCodeInvalidTransition, fe.Code)
	}
}

func TestFSMHooks(t *testing.T) {
	fsm := NewExecutionFSM(newMockStore())
	ctx := context.Background()

	var order []string
	fsm.OnBefore(schema.ExecutionPending, schema.ExecutionRunning, func(from, to string) error {
		order = append(order, "before")
		return nil
	})
	fsm.OnAfter(schema.ExecutionPending, schema.ExecutionRunning, func(from, to string) error {
		order = append(order, "after")
		return nil
	})

	require.NoError(t, fsm.Transition(ctx, "e1", schema.ExecutionPending, schema.ExecutionRunning))
	assert.Equal(t, []string{"before", "after"}, order)

	fsm.OnBefore(schema.ExecutionRunning, schema.ExecutionCompleted, func(from, to string) error {
		return errors.New("veto")
	})
	require.Error(t, fsm.Transition(ctx, "e1", schema.ExecutionRunning, schema.ExecutionCompleted))
}

// --- Executor tests ---

func newTestRegistry(t *testing.T, handlers ...steps.Handler) *steps.Registry {
	t.Helper()
	r := steps.NewRegistry()
	for _, h := range handlers {
		require.NoError(t, r.Register(h))
	}
	return r
}

func TestExecutorSuccess(t *testing.T) {
	ms := newMockStore()
	registry := newTestRegistry(t, &stubHandler{typ: schema.StepDataQuery})
	exec := NewStepExecutor(registry, ms, nil)

	step := &schema.Step{ID: "s1", Type: schema.StepDataQuery, Name: "fetch"}
	res := exec.Execute(context.Background(), steps.ExecContext{ExecutionID: "e1"}, step, nil)

	assert.Equal(t, schema.StepSuccess, res.Status)
	assert.Equal(t, "s1", res.StepID)
	assert.Equal(t, "fetch", res.StepName)
	assert.JSONEq(t, `{"ok":true}`, string(res.Result))
	assert.Empty(t, res.Error)
	assert.Equal(t, []string{schema.EventStepStarted, schema.EventStepSucceeded}, ms.eventTypes("e1"))
}

func TestExecutorHandlerFailure(t *testing.T) {
	ms := newMockStore()
	registry := newTestRegistry(t, &stubHandler{
		typ:  schema.StepDataQuery,
		errs: map[string]error{"s1": schema.NewError(schema.ErrCodeValidation, "DataQuery requires table name").WithStep("s1")},
	})
	exec := NewStepExecutor(registry, ms, nil)

	step := &schema.Step{ID: "s1", Type: schema.StepDataQuery, Name: "fetch"}
	res := exec.Execute(context.Background(), steps.ExecContext{ExecutionID: "e1"}, step, nil)

	assert.Equal(t, schema.StepFailed, res.Status)
	assert.Equal(t, "DataQuery requires table name", res.Error)
	assert.Nil(t, res.Result)
	assert.Equal(t, []string{schema.EventStepStarted, schema.EventStepFailed}, ms.eventTypes("e1"))
}

func TestExecutorUnknownStepType(t *testing.T) {
	exec := NewStepExecutor(newTestRegistry(t), newMockStore(), nil)

	step := &schema.Step{ID: "s1", Type: schema.StepType("Teleport"), Name: "beam"}
	res := exec.Execute(context.Background(), steps.ExecContext{ExecutionID: "e1"}, step, nil)

	assert.Equal(t, schema.StepFailed, res.Status)
	assert.Equal(t, "Unknown step type: Teleport", res.Error)
}

// --- Controller tests ---

func newTestController(t *testing.T, ms *mockStore, handlers ...steps.Handler) *Controller {
	t.Helper()
	fsm := NewExecutionFSM(ms)
	executor := NewStepExecutor(newTestRegistry(t, handlers...), ms, nil)
	return NewController(ms, executor, fsm, nil)
}

func seedRun(t *testing.T, ms *mockStore, def schema.WorkflowDefinition) (*store.Workflow, *store.Execution) {
	t.Helper()
	wf := &store.Workflow{
		ID:         uuid.NewString(),
		CompanyID:  "co-1",
		Name:       "test workflow",
		Definition: def,
		IsActive:   true,
	}
	require.NoError(t, ms.CreateWorkflow(context.Background(), wf))
	exec := &store.Execution{
		ID:         uuid.NewString(),
		WorkflowID: wf.ID,
		CompanyID:  wf.CompanyID,
		Status:     schema.ExecutionPending,
	}
	require.NoError(t, ms.CreateExecution(context.Background(), exec))
	return wf, exec
}

func TestControllerRunCompletes(t *testing.T) {
	ms := newMockStore()
	ctrl := newTestController(t, ms, &stubHandler{typ: schema.StepDataQuery})

	wf, exec := seedRun(t, ms, schema.WorkflowDefinition{
		TriggerType: schema.TriggerManual,
		Steps: []schema.Step{
			{ID: "s1", Type: schema.StepDataQuery, Name: "one"},
			{ID: "s2", Type: schema.StepDataQuery, Name: "two"},
		},
	})

	res, err := ctrl.Run(context.Background(), wf, exec)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	assert.Equal(t, "Workflow completed successfully", res.Message)
	assert.Equal(t, exec.ID, res.ExecutionID)
	require.Len(t, res.Results, 2)

	stored, err := ms.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, stored.Status)
	assert.Equal(t, 1, stored.CurrentStepIndex)
	require.NotNil(t, stored.CompletedAt)
	require.Len(t, stored.StepResults, 2)
}

func TestControllerCheckpointsEveryStep(t *testing.T) {
	ms := newMockStore()
	ctrl := newTestController(t, ms, &stubHandler{typ: schema.StepDataQuery})

	wf, exec := seedRun(t, ms, schema.WorkflowDefinition{
		TriggerType: schema.TriggerManual,
		Steps: []schema.Step{
			{ID: "s1", Type: schema.StepDataQuery, Name: "one"},
			{ID: "s2", Type: schema.StepDataQuery, Name: "two"},
			{ID: "s3", Type: schema.StepDataQuery, Name: "three"},
		},
	})

	_, err := ctrl.Run(context.Background(), wf, exec)
	require.NoError(t, err)

	// mark running + one checkpoint per step + final completed update
	assert.Equal(t, 5, ms.updateCalls)
}

func TestControllerStepFailureWithoutHandler(t *testing.T) {
	ms := newMockStore()
	ctrl := newTestController(t, ms, &stubHandler{
		typ:  schema.StepDataQuery,
		errs: map[string]error{"s2": schema.NewError(schema.ErrCodeValidation, "DataQuery requires table name").WithStep("s2")},
	})

	wf, exec := seedRun(t, ms, schema.WorkflowDefinition{
		TriggerType: schema.TriggerManual,
		Steps: []schema.Step{
			{ID: "s1", Type: schema.StepDataQuery, Name: "one"},
			{ID: "s2", Type: schema.StepDataQuery, Name: "two"},
			{ID: "s3", Type: schema.StepDataQuery, Name: "three"},
		},
	})

	res, err := ctrl.Run(context.Background(), wf, exec)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, res.Status)
	assert.Equal(t, "Workflow failed at step: two - DataQuery requires table name", res.Message)
	require.Len(t, res.Results, 2)

	stored, err := ms.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, stored.Status)
	assert.Equal(t, "DataQuery requires table name", stored.ErrorLog)
	require.NotNil(t, stored.CompletedAt)
}

func TestControllerOnFailureRouting(t *testing.T) {
	ms := newMockStore()
	ctrl := newTestController(t, ms, &stubHandler{
		typ:  schema.StepDataQuery,
		errs: map[string]error{"s1": errors.New("boom")},
	})

	wf, exec := seedRun(t, ms, schema.WorkflowDefinition{
		TriggerType: schema.TriggerManual,
		Steps: []schema.Step{
			{ID: "s1", Type: schema.StepDataQuery, Name: "fragile", OnFailure: "s3"},
			{ID: "s2", Type: schema.StepDataQuery, Name: "skipped"},
			{ID: "s3", Type: schema.StepDataQuery, Name: "recovery"},
		},
	})

	res, err := ctrl.Run(context.Background(), wf, exec)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, res.Status)

	// s1 failed, s2 skipped entirely, s3 ran.
	require.Len(t, res.Results, 2)
	assert.Equal(t, "s1", res.Results[0].StepID)
	assert.Equal(t, schema.StepFailed, res.Results[0].Status)
	assert.Equal(t, "s3", res.Results[1].StepID)
	assert.Equal(t, schema.StepSuccess, res.Results[1].Status)
}

func TestControllerOnFailureUnknownTargetFails(t *testing.T) {
	ms := newMockStore()
	ctrl := newTestController(t, ms, &stubHandler{
		typ:  schema.StepDataQuery,
		errs: map[string]error{"s1": errors.New("boom")},
	})

	wf, exec := seedRun(t, ms, schema.WorkflowDefinition{
		TriggerType: schema.TriggerManual,
		Steps: []schema.Step{
			{ID: "s1", Type: schema.StepDataQuery, Name: "fragile", OnFailure: "ghost"},
		},
	})

	res, err := ctrl.Run(context.Background(), wf, exec)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, res.Status)
}

func TestControllerHaltsForApproval(t *testing.T) {
	ms := newMockStore()
	ctrl := newTestController(t, ms,
		&stubHandler{typ: schema.StepDataQuery},
		&stubHandler{typ: schema.StepApproval, results: map[string]json.RawMessage{
			"s2": json.RawMessage(`{"approvalId":"appr-1","status":"pending"}`),
		}},
	)

	wf, exec := seedRun(t, ms, schema.WorkflowDefinition{
		TriggerType: schema.TriggerManual,
		Steps: []schema.Step{
			{ID: "s1", Type: schema.StepDataQuery, Name: "fetch"},
			{ID: "s2", Type: schema.StepApproval, Name: "gate"},
			{ID: "s3", Type: schema.StepDataQuery, Name: "after"},
		},
	})

	res, err := ctrl.Run(context.Background(), wf, exec)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionAwaitingApproval, res.Status)
	assert.Equal(t, "Workflow is awaiting approval", res.Message)
	require.Len(t, res.Results, 2)

	stored, err := ms.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionAwaitingApproval, stored.Status)
	assert.Equal(t, 1, stored.CurrentStepIndex)
}

func TestControllerResumeSkipsCompletedSteps(t *testing.T) {
	ms := newMockStore()
	handler := &stubHandler{typ: schema.StepDataQuery}
	ctrl := newTestController(t, ms, handler,
		&stubHandler{typ: schema.StepApproval})

	wf, exec := seedRun(t, ms, schema.WorkflowDefinition{
		TriggerType: schema.TriggerManual,
		Steps: []schema.Step{
			{ID: "s1", Type: schema.StepDataQuery, Name: "fetch"},
			{ID: "s2", Type: schema.StepApproval, Name: "gate"},
			{ID: "s3", Type: schema.StepDataQuery, Name: "after"},
		},
	})

	res, err := ctrl.Run(context.Background(), wf, exec)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionAwaitingApproval, res.Status)

	resumed, err := ms.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)

	res, err = ctrl.Run(context.Background(), wf, resumed)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, res.Status)

	// Prior results are preserved; only s3 was added.
	require.Len(t, res.Results, 3)
	assert.Equal(t, "s1", res.Results[0].StepID)
	assert.Equal(t, "s2", res.Results[1].StepID)
	assert.Equal(t, "s3", res.Results[2].StepID)

	assert.Contains(t, ms.eventTypes(exec.ID), schema.EventExecutionResumed)
}

func TestControllerResumeAfterFinalApproval(t *testing.T) {
	ms := newMockStore()
	ctrl := newTestController(t, ms,
		&stubHandler{typ: schema.StepDataQuery},
		&stubHandler{typ: schema.StepApproval})

	wf, exec := seedRun(t, ms, schema.WorkflowDefinition{
		TriggerType: schema.TriggerManual,
		Steps: []schema.Step{
			{ID: "s1", Type: schema.StepDataQuery, Name: "fetch"},
			{ID: "s2", Type: schema.StepApproval, Name: "gate"},
		},
	})

	res, err := ctrl.Run(context.Background(), wf, exec)
	require.NoError(t, err)
	require.Equal(t, schema.ExecutionAwaitingApproval, res.Status)

	resumed, err := ms.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Equal(t, 1, resumed.CurrentStepIndex)

	// No steps remain after the gate; the run completes without running
	// any and the index still points at the last step.
	res, err = ctrl.Run(context.Background(), wf, resumed)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, res.Status)
	require.Len(t, res.Results, 2)

	stored, err := ms.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, stored.Status)
	assert.Equal(t, 1, stored.CurrentStepIndex)
}

func TestControllerRejectsWrongStatus(t *testing.T) {
	ms := newMockStore()
	ctrl := newTestController(t, ms, &stubHandler{typ: schema.StepDataQuery})

	wf, exec := seedRun(t, ms, schema.WorkflowDefinition{
		TriggerType: schema.TriggerManual,
		Steps:       []schema.Step{{ID: "s1", Type: schema.StepDataQuery, Name: "one"}},
	})
	exec.Status = schema.ExecutionCompleted

	_, err := ctrl.Run(context.Background(), wf, exec)
	require.Error(t, err)
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeConflict, fe.Code)
}

func TestControllerCheckpointFailureFailsRun(t *testing.T) {
	ms := newMockStore()

	wf, exec := seedRun(t, ms, schema.WorkflowDefinition{
		TriggerType: schema.TriggerManual,
		Steps:       []schema.Step{{ID: "s1", Type: schema.StepDataQuery, Name: "one"}},
	})

	// First update (mark running) succeeds, then the checkpoint fails.
	failingStore := &checkpointFailingStore{mockStore: ms, failAfter: 1}
	fsm := NewExecutionFSM(ms)
	executor := NewStepExecutor(newTestRegistry(t, &stubHandler{typ: schema.StepDataQuery}), ms, nil)
	ctrl := NewController(failingStore, executor, fsm, nil)

	_, err := ctrl.Run(context.Background(), wf, exec)
	require.Error(t, err)
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, schema.ErrCodeStore, fe.Code)
}

// checkpointFailingStore fails UpdateExecution after the first N calls.
type checkpointFailingStore struct {
	*mockStore
	calls     int
	failAfter int
}

func (s *checkpointFailingStore) UpdateExecution(ctx context.Context, id string, update store.ExecutionUpdate) error {
	s.calls++
	if s.calls > s.failAfter {
		return errors.New("disk full")
	}
	return s.mockStore.UpdateExecution(ctx, id, update)
}
