// Package rollback runs a request's compensating steps.
package rollback

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	orchestrator "github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/audit"
	"github.com/goliatone/go-orchestrator/events"
)

// Actions applies compensating actions and verifications.
type Actions interface {
	Apply(ctx context.Context, req *orchestrator.WorkflowRequest, action orchestrator.Action) (map[string]any, error)
	Verify(ctx context.Context, req *orchestrator.WorkflowRequest, v orchestrator.Validation) error
}

// Manager checks eligibility and executes rollback plans.
type Manager struct {
	recorder *audit.Recorder
	actions  Actions
	logger   orchestrator.Logger
	tracer   trace.Tracer
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l orchestrator.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) {
		if tp != nil {
			m.tracer = tp.Tracer("github.com/goliatone/go-orchestrator/rollback")
		}
	}
}

// New creates a Manager.
func New(recorder *audit.Recorder, actions Actions, opts ...Option) *Manager {
	if recorder == nil {
		recorder = audit.NewRecorder()
	}
	m := &Manager{
		recorder: recorder,
		actions:  actions,
		tracer:   otel.GetTracerProvider().Tracer("github.com/goliatone/go-orchestrator/rollback"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = orchestrator.NormalizeLogger(m.logger)
	return m
}

// Check reports whether req can be rolled back at now. The window is
// measured from submission and is inclusive; a zero window never expires.
func Check(req *orchestrator.WorkflowRequest, now time.Time) error {
	meta := map[string]any{"request_id": req.ID, "status": string(req.Status)}
	if !orchestrator.CanTransition(req.Status, orchestrator.StatusRolledBack) {
		return orchestrator.NewError(orchestrator.ErrRollbackNotPossible, "request in status "+string(req.Status)+" cannot be rolled back", nil, meta)
	}
	plan := req.RollbackPlan
	if !plan.IsRollbackPossible || req.PointOfNoReturnReached() {
		reason := plan.Reason
		if reason == "" {
			reason = "rollback disabled for this request"
		}
		return orchestrator.NewError(orchestrator.ErrRollbackNotPossible, reason, nil, meta)
	}
	if plan.TimeWindow > 0 {
		elapsed := now.Sub(req.SubmittedAt)
		if elapsed > plan.TimeWindow {
			meta["elapsed"] = elapsed.String()
			meta["window"] = plan.TimeWindow.String()
			return orchestrator.NewError(orchestrator.ErrRollbackWindowExpired,
				fmt.Sprintf("rollback window of %s expired %s ago", plan.TimeWindow, elapsed-plan.TimeWindow), nil, meta)
		}
	}
	return nil
}

// Execute marks req RolledBack and runs each rollback step in order,
// actions first and then verifications. The first failing rollback step
// halts the plan: later steps stay pending, the plan is flagged incomplete
// and a PARTIAL_ROLLBACK error is returned. Nothing is retried.
func (m *Manager) Execute(ctx context.Context, req *orchestrator.WorkflowRequest, reason, actor string, buf *events.Buffer) error {
	if buf == nil {
		buf = &events.Buffer{}
	}
	now := m.recorder.Clock().Now().UTC()
	if err := Check(req, now); err != nil {
		return err
	}

	ctx, span := m.tracer.Start(ctx, "rollback.execute", trace.WithAttributes(
		attribute.String("request.id", req.ID),
		attribute.Int("rollback.steps", len(req.RollbackPlan.Steps)),
	))
	defer span.End()

	m.recorder.Record(ctx, req, orchestrator.AuditEntry{
		Action: orchestrator.AuditRollbackStarted,
		Actor:  actor,
		Detail: reason,
	})
	if err := m.recorder.Transition(ctx, req, orchestrator.StatusRolledBack, actor, reason); err != nil {
		return err
	}

	plan := &req.RollbackPlan
	for i := range plan.Steps {
		rs := &plan.Steps[i]
		if rs.Status == orchestrator.StepCompleted {
			continue
		}
		if err := m.runStep(ctx, req, rs); err != nil {
			rs.Status = orchestrator.StepFailed
			rs.Error = err.Error()
			rs.ExecutedAt = orchestrator.TimePtr(m.recorder.Clock().Now().UTC())
			plan.Incomplete = true
			plan.Reason = fmt.Sprintf("rollback step %s failed: %v", rs.ID, err)
			m.recorder.Record(ctx, req, orchestrator.AuditEntry{
				Action: orchestrator.AuditRollbackStepFailed,
				Actor:  actor,
				StepID: rs.ID,
				Detail: err.Error(),
			})
			orchestrator.WithLoggerFields(m.logger.WithContext(ctx), map[string]any{
				"request_id": req.ID,
				"step_id":    rs.ID,
			}).Error("rollback halted, operator attention required: %v", err)

			buf.Add(events.Event{Name: events.RolledBack, RequestID: req.ID, StepID: rs.ID, Actor: actor, Detail: "incomplete: " + plan.Reason})
			span.RecordError(err)
			span.SetStatus(codes.Error, "partial rollback")
			return orchestrator.NewError(orchestrator.ErrPartialRollback, plan.Reason, err, map[string]any{
				"request_id":      req.ID,
				"rollback_step":   rs.ID,
				"completed_steps": i,
				"remaining_steps": len(plan.Steps) - i,
				"rollback_reason": reason,
				"requires_manual": true,
			})
		}
		rs.Status = orchestrator.StepCompleted
		rs.ExecutedAt = orchestrator.TimePtr(m.recorder.Clock().Now().UTC())
		m.recorder.Record(ctx, req, orchestrator.AuditEntry{
			Action: orchestrator.AuditRollbackStepCompleted,
			Actor:  actor,
			StepID: rs.ID,
		})
	}

	for i := range req.Workflow.Steps {
		if req.Workflow.Steps[i].Status == orchestrator.StepCompleted {
			req.Workflow.Steps[i].Status = orchestrator.StepRolledBack
		}
	}
	m.recorder.Record(ctx, req, orchestrator.AuditEntry{
		Action: orchestrator.AuditRolledBack,
		Actor:  actor,
		Detail: reason,
	})
	buf.Add(events.Event{Name: events.RolledBack, RequestID: req.ID, Actor: actor, Detail: reason})
	span.SetStatus(codes.Ok, "")
	return nil
}

func (m *Manager) runStep(ctx context.Context, req *orchestrator.WorkflowRequest, rs *orchestrator.RollbackStep) error {
	if m.actions == nil && (len(rs.Actions) > 0 || len(rs.Verifications) > 0) {
		return orchestrator.Errorf(orchestrator.ErrHandlerNotFound, "no action runner configured for rollback")
	}
	for _, action := range rs.Actions {
		if _, err := m.actions.Apply(ctx, req, action); err != nil {
			return fmt.Errorf("action %s: %w", action.Type, err)
		}
	}
	for _, v := range rs.Verifications {
		if err := m.actions.Verify(ctx, req, v); err != nil {
			return fmt.Errorf("verification %s: %w", v.Rule, err)
		}
	}
	return nil
}
