package rollback

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orchestrator "github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/audit"
	"github.com/goliatone/go-orchestrator/events"
)

type fakeActions struct {
	applied  []string
	failOn   string
	verified []string
}

func (f *fakeActions) Apply(_ context.Context, _ *orchestrator.WorkflowRequest, action orchestrator.Action) (map[string]any, error) {
	if action.Type == f.failOn {
		return nil, errors.New("restore service unreachable")
	}
	f.applied = append(f.applied, action.Type)
	return nil, nil
}

func (f *fakeActions) Verify(_ context.Context, _ *orchestrator.WorkflowRequest, v orchestrator.Validation) error {
	f.verified = append(f.verified, v.Rule)
	return nil
}

var submitted = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newRequest(window time.Duration) *orchestrator.WorkflowRequest {
	return &orchestrator.WorkflowRequest{
		ID:          "req-1",
		Status:      orchestrator.StatusInProgress,
		SubmittedAt: submitted,
		Workflow: orchestrator.WorkflowDefinition{Steps: []orchestrator.Step{
			{ID: "suspend", Status: orchestrator.StepCompleted},
			{ID: "close", Status: orchestrator.StepPending},
		}},
		RollbackPlan: orchestrator.RollbackPlan{
			PointOfNoReturn:    "close",
			TimeWindow:         window,
			IsRollbackPossible: true,
			Steps: []orchestrator.RollbackStep{
				{ID: "unsuspend", Status: orchestrator.StepPending, Actions: []orchestrator.Action{{Type: "unsuspend"}}, Verifications: []orchestrator.Validation{{Rule: "active"}}},
				{ID: "restore", Status: orchestrator.StepPending, Actions: []orchestrator.Action{{Type: "restore"}}},
				{ID: "notify", Status: orchestrator.StepPending, Actions: []orchestrator.Action{{Type: "notify"}}},
			},
		},
	}
}

func newManager(at time.Time, actions Actions) *Manager {
	mock := clock.NewMock()
	mock.Set(at)
	rec := audit.NewRecorder(audit.WithClock(mock))
	return New(rec, actions, WithLogger(orchestrator.NewFmtLogger(io.Discard)))
}

func TestCheckWindowBoundary(t *testing.T) {
	window := 30 * 24 * time.Hour

	err := Check(newRequest(window), submitted.Add(window+time.Second))
	require.Error(t, err)
	assert.True(t, orchestrator.IsRollbackWindowExpired(err))

	assert.NoError(t, Check(newRequest(window), submitted.Add(window-time.Second)))
	assert.NoError(t, Check(newRequest(window), submitted.Add(window)))
	assert.NoError(t, Check(newRequest(0), submitted.Add(10*365*24*time.Hour)))
}

func TestCheckNotPossible(t *testing.T) {
	req := newRequest(time.Hour)
	req.RollbackPlan.IsRollbackPossible = false
	assert.True(t, orchestrator.IsRollbackNotPossible(Check(req, submitted)))

	req = newRequest(time.Hour)
	req.Workflow.Steps[1].Status = orchestrator.StepCompleted
	assert.True(t, orchestrator.IsRollbackNotPossible(Check(req, submitted)))

	req = newRequest(time.Hour)
	req.Status = orchestrator.StatusCompleted
	assert.True(t, orchestrator.IsRollbackNotPossible(Check(req, submitted)))

	req = newRequest(time.Hour)
	req.Status = orchestrator.StatusFailed
	assert.True(t, orchestrator.IsRollbackNotPossible(Check(req, submitted)))
}

func TestExecuteRunsStepsInOrder(t *testing.T) {
	actions := &fakeActions{}
	m := newManager(submitted.Add(time.Minute), actions)
	req := newRequest(time.Hour)
	var buf events.Buffer

	require.NoError(t, m.Execute(context.Background(), req, "customer changed mind", "ops@acme", &buf))

	assert.Equal(t, orchestrator.StatusRolledBack, req.Status)
	assert.Equal(t, []string{"unsuspend", "restore", "notify"}, actions.applied)
	assert.Equal(t, []string{"active"}, actions.verified)
	assert.Equal(t, orchestrator.StepRolledBack, req.Workflow.Steps[0].Status)
	assert.Equal(t, orchestrator.StepPending, req.Workflow.Steps[1].Status)
	for _, rs := range req.RollbackPlan.Steps {
		assert.Equal(t, orchestrator.StepCompleted, rs.Status)
		assert.NotNil(t, rs.ExecutedAt)
	}
	assert.False(t, req.RollbackPlan.Incomplete)
	require.Len(t, buf.Events(), 1)
	assert.Equal(t, events.RolledBack, buf.Events()[0].Name)
	assert.NotNil(t, req.TerminalAt)
}

func TestExecuteHaltsOnFailingStep(t *testing.T) {
	actions := &fakeActions{failOn: "restore"}
	m := newManager(submitted.Add(time.Minute), actions)
	req := newRequest(time.Hour)

	err := m.Execute(context.Background(), req, "fraud", "ops@acme", nil)
	require.Error(t, err)
	assert.True(t, orchestrator.IsPartialRollback(err))

	assert.Equal(t, orchestrator.StatusRolledBack, req.Status)
	assert.True(t, req.RollbackPlan.Incomplete)
	assert.Equal(t, orchestrator.StepCompleted, req.RollbackPlan.Steps[0].Status)
	assert.Equal(t, orchestrator.StepFailed, req.RollbackPlan.Steps[1].Status)
	assert.Equal(t, orchestrator.StepPending, req.RollbackPlan.Steps[2].Status)
	assert.Equal(t, []string{"unsuspend"}, actions.applied)
	assert.Equal(t, orchestrator.StepCompleted, req.Workflow.Steps[0].Status, "workflow steps untouched after a partial rollback")

	// no automatic retry: a second attempt is refused
	err = m.Execute(context.Background(), req, "again", "ops@acme", nil)
	assert.True(t, orchestrator.IsRollbackNotPossible(err))
}

func TestExecuteRespectsWindow(t *testing.T) {
	window := time.Hour
	actions := &fakeActions{}

	late := newManager(submitted.Add(window+time.Second), actions)
	err := late.Execute(context.Background(), newRequest(window), "late", "ops", nil)
	assert.True(t, orchestrator.IsRollbackWindowExpired(err))
	assert.Empty(t, actions.applied)

	onTime := newManager(submitted.Add(window-time.Second), actions)
	req := newRequest(window)
	require.NoError(t, onTime.Execute(context.Background(), req, "on time", "ops", nil))
	assert.Equal(t, orchestrator.StatusRolledBack, req.Status)
}
