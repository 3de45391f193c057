package executor

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	orchestrator "github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/audit"
	"github.com/goliatone/go-orchestrator/events"
	"github.com/goliatone/go-orchestrator/notify"
	"github.com/goliatone/go-orchestrator/registry"
)

type fixture struct {
	exec     *Executor
	clock    *clock.Mock
	notifier *notify.RecordingNotifier
	spans    *tracetest.InMemoryExporter
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	n := &notify.RecordingNotifier{}

	rec := audit.NewRecorder(audit.WithClock(mock), audit.WithLogger(orchestrator.NewFmtLogger(io.Discard)))
	base := []Option{
		WithNotifier(n),
		WithTracerProvider(tp),
		WithLogger(orchestrator.NewFmtLogger(io.Discard)),
	}
	e := New(rec, append(base, opts...)...)
	e.RegisterAction("noop", func(context.Context, ActionCall) (map[string]any, error) { return nil, nil })
	return &fixture{exec: e, clock: mock, notifier: n, spans: exporter}
}

func (f *fixture) build(def orchestrator.WorkflowDefinition) *orchestrator.WorkflowRequest {
	return registry.NewBuilder(nil).Build(registry.Instantiate(def), registry.Submission{
		SubjectID:   "subject-1",
		TenantID:    "acme",
		ProcessType: def.ProcessType,
	}, f.clock.Now())
}

func (f *fixture) start(t *testing.T, req *orchestrator.WorkflowRequest) {
	t.Helper()
	out, err := f.exec.Activate(context.Background(), req, &events.Buffer{})
	require.NoError(t, err)
	require.Equal(t, StateStarted, out.State)
	require.Equal(t, orchestrator.StatusInProgress, req.Status)
}

func automated(id string, deps ...string) orchestrator.Step {
	return orchestrator.Step{
		ID:           id,
		Name:         id,
		Type:         orchestrator.StepAutomated,
		Dependencies: deps,
		Actions:      []orchestrator.Action{{Type: "noop"}},
		Payload:      orchestrator.AutomatedPayload{},
	}
}

func countAudit(req *orchestrator.WorkflowRequest, action orchestrator.AuditAction) int {
	n := 0
	for _, entry := range req.AuditTrail {
		if entry.Action == action {
			n++
		}
	}
	return n
}

func countEvents(buf *events.Buffer, name events.Name) int {
	n := 0
	for _, evt := range buf.Events() {
		if evt.Name == name {
			n++
		}
	}
	return n
}

func TestAdvanceRunsStepsToCompletion(t *testing.T) {
	f := newFixture(t)
	req := f.build(orchestrator.WorkflowDefinition{
		Name:        "two",
		ProcessType: "test",
		Steps:       []orchestrator.Step{automated("first"), automated("second", "first")},
	})
	f.start(t, req)

	var buf events.Buffer
	out := f.exec.Advance(context.Background(), req, &buf)

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, 2, out.StepsDone)
	assert.Equal(t, orchestrator.StatusCompleted, req.Status)
	assert.NotNil(t, req.TerminalAt)
	assert.NotNil(t, req.Timeline.ActualCompletion)
	assert.Equal(t, orchestrator.DependencyResolved, req.Dependencies[0].Status)
	assert.Equal(t, 2, countEvents(&buf, events.StepCompleted))
	assert.Equal(t, 1, countEvents(&buf, events.Completed))
	assert.Equal(t, 1, countAudit(req, orchestrator.AuditCompleted))
}

func TestAdvanceIgnoresRequestsNotInProgress(t *testing.T) {
	f := newFixture(t)
	req := f.build(orchestrator.WorkflowDefinition{Name: "x", ProcessType: "test", Steps: []orchestrator.Step{automated("a")}})

	out := f.exec.Advance(context.Background(), req, nil)
	assert.Equal(t, StateIdle, out.State)
	assert.False(t, out.Changed())
	assert.Equal(t, orchestrator.StatusRequested, req.Status)
}

func TestStepRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	var attempts atomic.Int32
	f.exec.RegisterAction("flaky", func(context.Context, ActionCall) (map[string]any, error) {
		attempts.Add(1)
		return nil, errors.New("downstream unavailable")
	})
	step := automated("call")
	step.MaxRetries = 2
	step.Actions = []orchestrator.Action{{Type: "flaky"}}
	req := f.build(orchestrator.WorkflowDefinition{
		Name:        "retry",
		ProcessType: "test",
		Steps:       []orchestrator.Step{step},
		RetryPolicy: orchestrator.RetryPolicy{Strategy: "fixed", Delay: time.Minute},
	})
	f.start(t, req)
	ctx := context.Background()
	var buf events.Buffer

	out := f.exec.Advance(ctx, req, &buf)
	require.Equal(t, StateRetryScheduled, out.State)
	require.NotNil(t, out.NextAttemptAt)
	assert.Equal(t, f.clock.Now().UTC().Add(time.Minute), *out.NextAttemptAt)

	out = f.exec.Advance(ctx, req, &buf)
	assert.Equal(t, StateRetryScheduled, out.State)
	assert.EqualValues(t, 1, attempts.Load(), "no attempt before the delay elapsed")
	assert.False(t, f.exec.Ready(req))

	f.clock.Add(time.Minute)
	assert.True(t, f.exec.Ready(req))
	out = f.exec.Advance(ctx, req, &buf)
	require.Equal(t, StateRetryScheduled, out.State)

	f.clock.Add(time.Minute)
	out = f.exec.Advance(ctx, req, &buf)
	require.Equal(t, StateFailed, out.State)

	assert.EqualValues(t, 3, attempts.Load())
	assert.Equal(t, orchestrator.StatusFailed, req.Status)
	assert.Equal(t, orchestrator.StepFailed, req.StepByID("call").Status)
	assert.Equal(t, 3, countAudit(req, orchestrator.AuditStepFailed))
	assert.Equal(t, 2, countAudit(req, orchestrator.AuditStepRetryScheduled))
	assert.Equal(t, 3, countEvents(&buf, events.StepFailed))
	assert.Equal(t, 1, countEvents(&buf, events.Failed))
	assert.Contains(t, req.Error, "downstream unavailable")
	assert.False(t, f.exec.Ready(req))
}

func TestIrreversibleActionAppliedOnce(t *testing.T) {
	f := newFixture(t)
	var applied, flaky atomic.Int32
	f.exec.RegisterAction("close_account", func(context.Context, ActionCall) (map[string]any, error) {
		applied.Add(1)
		return map[string]any{"closed": true}, nil
	})
	f.exec.RegisterAction("confirm", func(context.Context, ActionCall) (map[string]any, error) {
		if flaky.Add(1) == 1 {
			return nil, errors.New("timeout")
		}
		return nil, nil
	})
	step := automated("close")
	step.MaxRetries = 1
	step.Actions = []orchestrator.Action{
		{Type: "close_account", Irreversible: true},
		{Type: "confirm"},
	}
	req := f.build(orchestrator.WorkflowDefinition{
		Name:        "irreversible",
		ProcessType: "test",
		Steps:       []orchestrator.Step{step},
		RetryPolicy: orchestrator.RetryPolicy{Strategy: "none"},
	})
	f.start(t, req)
	ctx := context.Background()

	out := f.exec.Advance(ctx, req, nil)
	require.Equal(t, StateRetryScheduled, out.State)
	out = f.exec.Advance(ctx, req, nil)
	require.Equal(t, StateCompleted, out.State)

	assert.EqualValues(t, 1, applied.Load())
	assert.Equal(t, 1, countAudit(req, orchestrator.AuditActionReplayed))
	assert.Equal(t, true, req.StepByID("close").Output["closed"])
}

func TestValidationFailurePolicies(t *testing.T) {
	cases := []struct {
		name       string
		action     orchestrator.FailureAction
		maxRetries int
		failures   int
		wantState  State
		wantReview bool
	}{
		{name: "skip continues", action: orchestrator.Skip, failures: 10, wantState: StateCompleted},
		{name: "fail step", action: orchestrator.FailStep, failures: 10, wantState: StateFailed},
		{name: "retry recovers", action: orchestrator.Retry, maxRetries: 2, failures: 2, wantState: StateCompleted},
		{name: "retry exhausted", action: orchestrator.Retry, maxRetries: 2, failures: 3, wantState: StateFailed},
		{name: "escalate", action: orchestrator.Escalate, failures: 10, wantState: StateFailed, wantReview: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			var calls atomic.Int32
			f.exec.RegisterValidator("balance_zero", func(context.Context, ValidationCall) error {
				if int(calls.Add(1)) <= tc.failures {
					return errors.New("balance not zero")
				}
				return nil
			})
			step := automated("settle")
			step.Validations = []orchestrator.Validation{{Rule: "balance_zero", FailureAction: tc.action, MaxRetries: tc.maxRetries}}
			req := f.build(orchestrator.WorkflowDefinition{Name: "v", ProcessType: "test", Steps: []orchestrator.Step{step}})
			f.start(t, req)

			var buf events.Buffer
			out := f.exec.Advance(context.Background(), req, &buf)

			assert.Equal(t, tc.wantState, out.State)
			assert.Equal(t, tc.wantReview, req.StepByID("settle").NeedsReview)
			assert.GreaterOrEqual(t, countAudit(req, orchestrator.AuditValidationFailed), 1)
			if tc.wantReview {
				assert.Equal(t, 1, countEvents(&buf, events.StepEscalated))
			}
		})
	}
}

func TestTwoRequiredApprovalsGateTheFirstStep(t *testing.T) {
	f := newFixture(t)
	req := f.build(orchestrator.WorkflowDefinition{
		Name:        "approvals",
		ProcessType: "test",
		Steps:       []orchestrator.Step{automated("close")},
		Approvals: []orchestrator.ApprovalDefinition{
			{StepID: "close", ApproverRole: "manager", Required: true},
			{StepID: "close", ApproverRole: "compliance", Required: true},
		},
	})
	ctx := context.Background()
	var buf events.Buffer

	out, err := f.exec.Activate(ctx, req, &buf)
	require.NoError(t, err)
	assert.Equal(t, StateWaitingApproval, out.State)
	assert.Equal(t, orchestrator.StatusUnderReview, req.Status)
	assert.Equal(t, orchestrator.StepWaitingApproval, req.StepByID("close").Status)
	assert.Equal(t, 2, f.notifier.Sent(TemplateApprovalRequest))
	assert.Equal(t, 2, countEvents(&buf, events.ApprovalRequested))

	// the request side effect fires once per approval
	_, err = f.exec.Activate(ctx, req, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, f.notifier.Sent(TemplateApprovalRequest))

	req.Approvals[0].Status = orchestrator.ApprovalApproved
	out, err = f.exec.Activate(ctx, req, &buf)
	require.NoError(t, err)
	assert.Equal(t, StateWaitingApproval, out.State)
	assert.Equal(t, orchestrator.StepWaitingApproval, req.StepByID("close").Status)

	req.Approvals[1].Status = orchestrator.ApprovalApproved
	out, err = f.exec.Activate(ctx, req, &buf)
	require.NoError(t, err)
	assert.Equal(t, StateStarted, out.State)
	assert.Equal(t, orchestrator.StatusInProgress, req.Status)

	var statuses []string
	for _, entry := range req.AuditTrail {
		if entry.Action == orchestrator.AuditStatusChanged {
			statuses = append(statuses, entry.NewStatus)
		}
	}
	assert.Equal(t, []string{"under_review", "approved", "in_progress"}, statuses)

	assert.Equal(t, StateCompleted, f.exec.Advance(ctx, req, &buf).State)
}

func TestManualStepSuspendsUntilCompleted(t *testing.T) {
	f := newFixture(t)
	req := f.build(orchestrator.WorkflowDefinition{
		Name:        "manual",
		ProcessType: "test",
		Steps: []orchestrator.Step{
			{
				ID:      "verify",
				Type:    orchestrator.StepManual,
				Timeout: time.Hour,
				Payload: orchestrator.ManualPayload{AssigneeRole: "support", Instructions: "call the customer"},
			},
			automated("finish", "verify"),
		},
	})
	f.start(t, req)
	ctx := context.Background()
	var buf events.Buffer

	out := f.exec.Advance(ctx, req, &buf)
	require.Equal(t, StateSuspended, out.State)
	assert.Equal(t, 1, f.notifier.Sent(TemplateManualTask))
	assert.False(t, f.exec.Ready(req))

	out = f.exec.Advance(ctx, req, &buf)
	assert.Equal(t, StateSuspended, out.State)
	assert.Equal(t, 1, f.notifier.Sent(TemplateManualTask), "no second assignment")

	require.NoError(t, f.exec.CompleteManual(ctx, req, "verify", "agent-7", map[string]any{"verified": true}, &buf))
	assert.Equal(t, "agent-7", req.StepByID("verify").CompletedBy)
	assert.Equal(t, 1, countAudit(req, orchestrator.AuditManualCompleted))

	out = f.exec.Advance(ctx, req, &buf)
	assert.Equal(t, StateCompleted, out.State)

	err := f.exec.CompleteManual(ctx, req, "verify", "agent-7", nil, &buf)
	assert.True(t, orchestrator.IsInvalidTransition(err))
}

func TestTimeoutEscalatesOnce(t *testing.T) {
	f := newFixture(t)
	req := f.build(orchestrator.WorkflowDefinition{
		Name:        "slow",
		ProcessType: "test",
		Steps: []orchestrator.Step{{
			ID:      "review",
			Type:    orchestrator.StepManual,
			Timeout: time.Hour,
			Payload: orchestrator.ManualPayload{AssigneeRole: "legal"},
		}},
	})
	f.start(t, req)
	ctx := context.Background()
	var buf events.Buffer

	require.Equal(t, StateSuspended, f.exec.Advance(ctx, req, &buf).State)
	f.clock.Add(2 * time.Hour)
	assert.True(t, f.exec.Ready(req))

	f.exec.Advance(ctx, req, &buf)
	f.exec.Advance(ctx, req, &buf)

	assert.True(t, req.StepByID("review").Escalated)
	assert.Equal(t, 1, countAudit(req, orchestrator.AuditStepTimeout))
	assert.Equal(t, 1, countEvents(&buf, events.StepEscalated))
	assert.Equal(t, 2, f.notifier.Sent(TemplateStepEscalation), "operations and the assignee role")
	assert.Equal(t, orchestrator.StepInProgress, req.StepByID("review").Status, "escalation never interrupts")
}

func TestPanickingActionBecomesStepFailure(t *testing.T) {
	f := newFixture(t)
	f.exec.RegisterAction("explode", func(context.Context, ActionCall) (map[string]any, error) {
		panic("nil map write")
	})
	step := automated("boom")
	step.Actions = []orchestrator.Action{{Type: "explode"}}
	req := f.build(orchestrator.WorkflowDefinition{Name: "p", ProcessType: "test", Steps: []orchestrator.Step{step}})
	f.start(t, req)

	var out Outcome
	require.NotPanics(t, func() { out = f.exec.Advance(context.Background(), req, nil) })
	assert.Equal(t, StateFailed, out.State)
	assert.Contains(t, req.StepByID("boom").LastError, "nil map write")
}

func TestUnknownActionFailsWithHandlerNotFound(t *testing.T) {
	f := newFixture(t)
	step := automated("x")
	step.Actions = []orchestrator.Action{{Type: "missing"}}
	req := f.build(orchestrator.WorkflowDefinition{Name: "u", ProcessType: "test", Steps: []orchestrator.Step{step}})
	f.start(t, req)

	out := f.exec.Advance(context.Background(), req, nil)
	assert.Equal(t, StateFailed, out.State)
	assert.Contains(t, req.StepByID("x").LastError, "no action registered for missing")
}

func TestPointOfNoReturnDisablesRollback(t *testing.T) {
	f := newFixture(t)
	req := f.build(orchestrator.WorkflowDefinition{
		Name:        "ponr",
		ProcessType: "test",
		Steps:       []orchestrator.Step{automated("prepare"), automated("close", "prepare")},
		Rollback:    orchestrator.RollbackPlan{PointOfNoReturn: "close", TimeWindow: time.Hour, IsRollbackPossible: true},
	})
	f.start(t, req)

	f.exec.Advance(context.Background(), req, nil)

	assert.False(t, req.RollbackPlan.IsRollbackPossible)
	assert.True(t, req.PointOfNoReturnReached())
	assert.Equal(t, 1, countAudit(req, orchestrator.AuditRollbackDisabled))
}

func TestNotificationStepFanout(t *testing.T) {
	f := newFixture(t, WithApproverResolver(notify.StaticResolver{"dpo": {"dpo@acme.test"}}))
	f.notifier.Err = nil
	req := f.build(orchestrator.WorkflowDefinition{
		Name:        "n",
		ProcessType: "test",
		Steps: []orchestrator.Step{{
			ID:      "tell",
			Type:    orchestrator.StepNotification,
			Payload: orchestrator.NotificationPayload{Template: "closure_done", Recipients: []string{"user@acme.test"}, RecipientRoles: []string{"dpo"}},
		}},
	})
	f.start(t, req)

	out := f.exec.Advance(context.Background(), req, nil)
	require.Equal(t, StateCompleted, out.State)

	msgs := f.notifier.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "user@acme.test", msgs[0].Recipient)
	assert.Equal(t, "dpo@acme.test", msgs[1].Recipient)
	assert.Equal(t, req.ID, msgs[0].RequestID())
	assert.Equal(t, 2, req.StepByID("tell").Output["notifications_sent"])
}

func TestNotificationFailureDoesNotFailStep(t *testing.T) {
	f := newFixture(t)
	f.notifier.Err = errors.New("smtp down")
	req := f.build(orchestrator.WorkflowDefinition{
		Name:        "n",
		ProcessType: "test",
		Steps: []orchestrator.Step{{
			ID:      "tell",
			Type:    orchestrator.StepNotification,
			Payload: orchestrator.NotificationPayload{Template: "t", Recipients: []string{"a@x"}},
		}},
	})
	f.start(t, req)

	assert.Equal(t, StateCompleted, f.exec.Advance(context.Background(), req, nil).State)
	assert.Equal(t, 0, req.StepByID("tell").Output["notifications_sent"])
}

func TestStepSpansAreRecorded(t *testing.T) {
	f := newFixture(t)
	req := f.build(orchestrator.WorkflowDefinition{Name: "s", ProcessType: "test", Steps: []orchestrator.Step{automated("traced")}})
	f.start(t, req)

	f.exec.Advance(context.Background(), req, nil)

	spans := f.spans.GetSpans().Snapshots()
	require.Len(t, spans, 1)
	assert.Equal(t, "step.execute", spans[0].Name())
	var stepID string
	for _, attr := range spans[0].Attributes() {
		if attr.Key == "step.id" {
			stepID = attr.Value.AsString()
		}
	}
	assert.Equal(t, "traced", stepID)
}

type countingMetrics struct {
	success, failure atomic.Int32
}

func (c *countingMetrics) RecordDuration(string, time.Duration) {}
func (c *countingMetrics) RecordError(string)                   { c.failure.Add(1) }
func (c *countingMetrics) RecordSuccess(name string) {
	if strings.TrimSpace(name) != "" {
		c.success.Add(1)
	}
}

func TestActionMetricsRecorded(t *testing.T) {
	m := &countingMetrics{}
	f := newFixture(t, WithMetrics(m))
	req := f.build(orchestrator.WorkflowDefinition{Name: "m", ProcessType: "test", Steps: []orchestrator.Step{automated("a"), automated("b")}})
	f.start(t, req)

	f.exec.Advance(context.Background(), req, nil)
	assert.EqualValues(t, 2, m.success.Load())
	assert.EqualValues(t, 0, m.failure.Load())
}
