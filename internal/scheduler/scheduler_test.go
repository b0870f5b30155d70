package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veyra/flowcore/internal/dispatch"
	"github.com/veyra/flowcore/internal/store"
	"github.com/veyra/flowcore/pkg/schema"
)

type fakeRunner struct {
	workflows []*store.Workflow
	ran       []string
}

func (r *fakeRunner) Scheduled(ctx context.Context, due dispatch.DueFunc) ([]dispatch.Outcome, error) {
	var outcomes []dispatch.Outcome
	for _, wf := range r.workflows {
		if due == nil || due(wf) {
			r.ran = append(r.ran, wf.ID)
			outcomes = append(outcomes, dispatch.Outcome{WorkflowID: wf.ID})
		}
	}
	return outcomes, nil
}

func scheduledWorkflow(id, cronExpr string) *store.Workflow {
	return &store.Workflow{
		ID:        id,
		CompanyID: "co-1",
		Name:      id,
		Definition: schema.WorkflowDefinition{
			TriggerType:   schema.TriggerScheduled,
			TriggerConfig: json.RawMessage(`{"cron":"` + cronExpr + `"}`),
		},
		IsActive: true,
	}
}

func TestIsDue(t *testing.T) {
	s := NewScheduler(&fakeRunner{}, time.Minute, nil)

	// Daily at 09:00.
	wf := scheduledWorkflow("wf-1", "0 9 * * *")

	windowStart := time.Date(2026, 3, 14, 8, 59, 30, 0, time.UTC)
	now := time.Date(2026, 3, 14, 9, 0, 30, 0, time.UTC)
	due, err := s.IsDue(wf, windowStart, now)
	require.NoError(t, err)
	assert.True(t, due)

	// Window entirely before the fire time.
	windowStart = time.Date(2026, 3, 14, 8, 57, 0, 0, time.UTC)
	now = time.Date(2026, 3, 14, 8, 58, 0, 0, time.UTC)
	due, err = s.IsDue(wf, windowStart, now)
	require.NoError(t, err)
	assert.False(t, due)

	// Window entirely after the fire time.
	windowStart = time.Date(2026, 3, 14, 9, 1, 0, 0, time.UTC)
	now = time.Date(2026, 3, 14, 9, 2, 0, 0, time.UTC)
	due, err = s.IsDue(wf, windowStart, now)
	require.NoError(t, err)
	assert.False(t, due)
}

func TestIsDue_EveryMinute(t *testing.T) {
	s := NewScheduler(&fakeRunner{}, time.Minute, nil)
	wf := scheduledWorkflow("wf-1", "* * * * *")

	windowStart := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	now := windowStart.Add(time.Minute)
	due, err := s.IsDue(wf, windowStart, now)
	require.NoError(t, err)
	assert.True(t, due)
}

func TestIsDue_BadCron(t *testing.T) {
	s := NewScheduler(&fakeRunner{}, time.Minute, nil)

	_, err := s.IsDue(scheduledWorkflow("wf-1", "not a cron"), time.Now(), time.Now())
	require.Error(t, err)

	// Missing cron expression entirely.
	wf := &store.Workflow{
		ID: "wf-2",
		Definition: schema.WorkflowDefinition{
			TriggerType:   schema.TriggerScheduled,
			TriggerConfig: json.RawMessage(`{}`),
		},
	}
	_, err = s.IsDue(wf, time.Now(), time.Now())
	require.Error(t, err)
}

func TestTickSkipsBadSchedules(t *testing.T) {
	runner := &fakeRunner{workflows: []*store.Workflow{
		scheduledWorkflow("good", "* * * * *"),
		scheduledWorkflow("bad", "banana"),
	}}
	s := NewScheduler(runner, time.Minute, nil)

	// Backdate the window so "* * * * *" fires.
	s.lastTick = time.Now().UTC().Add(-2 * time.Minute)
	s.Tick(context.Background())

	assert.Equal(t, []string{"good"}, runner.ran)
}

func TestStartStop(t *testing.T) {
	s := NewScheduler(&fakeRunner{}, 50*time.Millisecond, nil)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	require.Error(t, s.Start(ctx))

	require.NoError(t, s.Stop())
	// Stop is idempotent.
	require.NoError(t, s.Stop())

	// Restartable after a clean stop.
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Stop())
}
