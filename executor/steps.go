package executor

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	orchestrator "github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/events"
	"github.com/goliatone/go-orchestrator/gate"
	"github.com/goliatone/go-orchestrator/notify"
	"github.com/goliatone/go-orchestrator/runner"
)

type stepResult int

const (
	stepCompleted stepResult = iota
	stepSuspended
	stepRetry
	stepFailedFinal
)

// StepRun is one attempt of one step, handed to a StepHandler.
type StepRun struct {
	Request *orchestrator.WorkflowRequest
	Step    *orchestrator.Step
	Attempt int

	exec *Executor
	buf  *events.Buffer
}

// RunActions applies the step actions in order.
func (r *StepRun) RunActions(ctx context.Context) error {
	return r.exec.runActions(ctx, r)
}

// RunValidations checks the step validations in order, applying each
// validation's failure action.
func (r *StepRun) RunValidations(ctx context.Context) error {
	return r.exec.runValidations(ctx, r)
}

// Notify sends template to the explicit recipients and to everyone the
// roles resolve to. Delivery failures are logged and never fail the step.
func (r *StepRun) Notify(ctx context.Context, template string, roles, recipients []string, vars map[string]any) int {
	return r.exec.notify(ctx, r.Request, r.Step, template, roles, recipients, vars)
}

func (e *Executor) handlerFor(t orchestrator.StepType) (StepHandler, error) {
	e.mu.RLock()
	h, ok := e.handlers[t]
	e.mu.RUnlock()
	if ok {
		return h, nil
	}
	switch t {
	case orchestrator.StepAutomated, orchestrator.StepDataProcessing, orchestrator.StepComplianceCheck, orchestrator.StepApproval:
		return actionsThenValidations, nil
	case orchestrator.StepNotification:
		return notificationHandler, nil
	case orchestrator.StepManual:
		return manualHandler, nil
	default:
		return nil, orchestrator.NewError(orchestrator.ErrHandlerNotFound, "no handler for step type "+string(t), nil, map[string]any{"step_type": string(t)})
	}
}

func actionsThenValidations(ctx context.Context, run *StepRun) error {
	if err := run.RunActions(ctx); err != nil {
		return err
	}
	return run.RunValidations(ctx)
}

func notificationHandler(ctx context.Context, run *StepRun) error {
	p, ok := run.Step.Payload.(orchestrator.NotificationPayload)
	if !ok {
		return orchestrator.NewError(orchestrator.ErrStepExecutionFailed, "notification step without notification payload", nil, map[string]any{"step_id": run.Step.ID})
	}
	sent := run.Notify(ctx, p.Template, p.RecipientRoles, p.Recipients, p.Variables)
	if run.Step.Output == nil {
		run.Step.Output = map[string]any{}
	}
	run.Step.Output["notifications_sent"] = sent
	return actionsThenValidations(ctx, run)
}

func manualHandler(ctx context.Context, run *StepRun) error {
	p, _ := run.Step.Payload.(orchestrator.ManualPayload)
	template := p.Template
	if template == "" {
		template = TemplateManualTask
	}
	var roles []string
	if p.AssigneeRole != "" {
		roles = []string{p.AssigneeRole}
	}
	run.Notify(ctx, template, roles, nil, map[string]any{"instructions": p.Instructions})
	return errSuspend
}

var errSuspend = fmt.Errorf("step suspended for manual completion")

// payloadVars exposes the payload fields to notification templates and
// actions. Every payload type is listed.
func payloadVars(p orchestrator.StepPayload) map[string]any {
	switch v := p.(type) {
	case nil:
		return nil
	case orchestrator.ManualPayload:
		return map[string]any{"assignee_role": v.AssigneeRole}
	case orchestrator.AutomatedPayload:
		return map[string]any{"handler": v.Handler}
	case orchestrator.ApprovalPayload:
		return map[string]any{"approver_roles": v.ApproverRoles}
	case orchestrator.NotificationPayload:
		return map[string]any{"template": v.Template}
	case orchestrator.DataProcessingPayload:
		return map[string]any{"operation": v.Operation, "dataset": v.Dataset}
	case orchestrator.CompliancePayload:
		return map[string]any{"regulations": v.Regulations, "jurisdiction": v.Jurisdiction}
	default:
		return nil
	}
}

func (e *Executor) execute(ctx context.Context, req *orchestrator.WorkflowRequest, step *orchestrator.Step, buf *events.Buffer) stepResult {
	now := e.now()
	attempt := step.RetryCount + 1

	ctx, span := e.tracer.Start(ctx, "step.execute", trace.WithAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("step.id", step.ID),
		attribute.String("step.type", string(step.Type)),
		attribute.Int("step.attempt", attempt),
	))
	defer span.End()

	step.Status = orchestrator.StepInProgress
	step.StartedAt = orchestrator.TimePtr(now)
	step.NextAttemptAt = nil
	if step.ActivatedAt == nil {
		step.ActivatedAt = orchestrator.TimePtr(now)
	}
	if req.Timeline.ActualStart == nil {
		req.Timeline.ActualStart = orchestrator.TimePtr(now)
	}
	e.recorder.Record(ctx, req, orchestrator.AuditEntry{
		Action: orchestrator.AuditStepStarted,
		StepID: step.ID,
		Detail: fmt.Sprintf("attempt %d of %d", attempt, step.MaxRetries+1),
	})
	buf.Add(events.Event{Name: events.StepStarted, RequestID: req.ID, StepID: step.ID})

	handler, err := e.handlerFor(step.Type)
	if err == nil {
		run := &StepRun{Request: req, Step: step, Attempt: attempt, exec: e, buf: buf}
		err = orchestrator.RecoverError("step "+step.ID, func() error {
			return handler(ctx, run)
		})
	}

	if err == errSuspend {
		span.SetAttributes(attribute.Bool("step.suspended", true))
		e.recorder.Record(ctx, req, orchestrator.AuditEntry{
			Action: orchestrator.AuditStepSuspended,
			StepID: step.ID,
			Detail: "waiting for manual completion",
		})
		return stepSuspended
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return e.handleFailure(ctx, req, step, err, buf)
	}

	e.completeStep(ctx, req, step, "system", buf)
	span.SetStatus(codes.Ok, "")
	return stepCompleted
}

func (e *Executor) completeStep(ctx context.Context, req *orchestrator.WorkflowRequest, step *orchestrator.Step, actor string, buf *events.Buffer) {
	now := e.now()
	step.Status = orchestrator.StepCompleted
	step.CompletedAt = orchestrator.TimePtr(now)
	if step.StartedAt != nil {
		step.Duration = now.Sub(*step.StartedAt)
	}
	step.Progress = 100
	step.LastError = ""
	step.NextAttemptAt = nil
	if step.CompletedBy == "" {
		step.CompletedBy = actor
	}

	e.recorder.Record(ctx, req, orchestrator.AuditEntry{
		Action: orchestrator.AuditStepCompleted,
		Actor:  actor,
		StepID: step.ID,
		Detail: fmt.Sprintf("duration %s", step.Duration),
	})
	buf.Add(events.Event{Name: events.StepCompleted, RequestID: req.ID, StepID: step.ID, Actor: actor, Duration: step.Duration})

	gate.ResolveStepDependencies(req, step.ID, func(dep *orchestrator.Dependency) {
		dep.ResolvedAt = orchestrator.TimePtr(now)
		dep.ResolvedBy = "system"
		e.recorder.Record(ctx, req, orchestrator.AuditEntry{
			Action: orchestrator.AuditDependencyResolved,
			StepID: dep.StepID,
			Detail: dep.ID,
		})
	})

	if req.RollbackPlan.PointOfNoReturn == step.ID {
		req.AddMilestone("point_of_no_return", step.ID, now)
		if req.RollbackPlan.IsRollbackPossible {
			req.RollbackPlan.IsRollbackPossible = false
			req.RollbackPlan.Reason = "point of no return " + step.ID + " completed"
			e.recorder.Record(ctx, req, orchestrator.AuditEntry{
				Action: orchestrator.AuditRollbackDisabled,
				StepID: step.ID,
				Detail: req.RollbackPlan.Reason,
			})
		}
	}

	if next := req.NextOpenStep(); next != nil {
		req.CurrentStepID = next.ID
	}
}

func (e *Executor) handleFailure(ctx context.Context, req *orchestrator.WorkflowRequest, step *orchestrator.Step, cause error, buf *events.Buffer) stepResult {
	now := e.now()
	step.RetryCount++
	step.LastError = cause.Error()
	if step.StartedAt != nil {
		step.Duration = now.Sub(*step.StartedAt)
	}
	e.recorder.Record(ctx, req, orchestrator.AuditEntry{
		Action: orchestrator.AuditStepFailed,
		StepID: step.ID,
		Detail: fmt.Sprintf("attempt %d of %d: %v", step.RetryCount, step.MaxRetries+1, cause),
	})
	buf.Add(events.Event{Name: events.StepFailed, RequestID: req.ID, StepID: step.ID, Detail: cause.Error(), Duration: step.Duration})

	logger := orchestrator.WithLoggerFields(e.logger.WithContext(ctx), map[string]any{
		"request_id": req.ID,
		"step_id":    step.ID,
	})

	if step.RetryCount <= step.MaxRetries {
		strategy := e.strategy(req.Workflow.RetryPolicy)
		decision := runner.DecideRetry(strategy, step.RetryCount-1, cause)
		if decision.ShouldRetry {
			at := now.Add(decision.Delay)
			step.Status = orchestrator.StepPending
			step.NextAttemptAt = orchestrator.TimePtr(at)
			e.recorder.Record(ctx, req, orchestrator.AuditEntry{
				Action: orchestrator.AuditStepRetryScheduled,
				StepID: step.ID,
				Detail: fmt.Sprintf("retry %d of %d at %s", step.RetryCount, step.MaxRetries, at.Format(time.RFC3339)),
			})
			buf.Add(events.Event{Name: events.StepRetryScheduled, RequestID: req.ID, StepID: step.ID, Detail: at.Format(time.RFC3339)})
			logger.Warn("step attempt %d failed, retry at %s: %v", step.RetryCount, at.Format(time.RFC3339), cause)
			return stepRetry
		}
	}

	step.Status = orchestrator.StepFailed
	logger.Error("step failed after %d attempts: %v", step.RetryCount, cause)
	e.fail(ctx, req, step, cause, buf)
	return stepFailedFinal
}

func (e *Executor) runActions(ctx context.Context, run *StepRun) error {
	req, step := run.Request, run.Step
	for i, action := range step.Actions {
		key := LedgerKey{RequestID: req.ID, StepID: step.ID, Index: i}
		if action.Irreversible {
			rec, err := e.ledger.Load(ctx, key)
			if err != nil {
				return orchestrator.NewError(orchestrator.ErrStepExecutionFailed, "action ledger unavailable", err, map[string]any{"step_id": step.ID, "action": action.Type})
			}
			if rec != nil {
				mergeOutput(step, rec.Output)
				e.recorder.Record(ctx, req, orchestrator.AuditEntry{
					Action: orchestrator.AuditActionReplayed,
					StepID: step.ID,
					Detail: fmt.Sprintf("%s already applied at %s", action.Type, rec.AppliedAt.Format(time.RFC3339)),
				})
				continue
			}
		}

		fn, ok := e.action(action.Type)
		if !ok {
			return orchestrator.NewError(orchestrator.ErrHandlerNotFound, "no action registered for "+action.Type, nil, map[string]any{"step_id": step.ID, "action": action.Type})
		}

		actx := ctx
		cancel := func() {}
		if action.Timeout > 0 {
			actx, cancel = context.WithTimeout(ctx, action.Timeout)
		}
		start := e.clock.Now()
		out, err := fn(actx, ActionCall{Request: req, Step: step, Action: action, Index: i, Attempt: run.Attempt})
		cancel()
		e.observe(action.Type, e.clock.Now().Sub(start), err)
		if err != nil {
			return orchestrator.NewError(orchestrator.ErrStepExecutionFailed, fmt.Sprintf("action %s failed: %v", action.Type, err), err, map[string]any{
				"step_id":      step.ID,
				"action":       action.Type,
				"action_index": i,
			})
		}
		mergeOutput(step, out)

		if action.Irreversible {
			err := e.ledger.Save(ctx, LedgerRecord{Key: key, ActionType: action.Type, Output: out, AppliedAt: e.now()})
			if err != nil && err != ErrLedgerRecordExists {
				e.logger.WithContext(ctx).Error("action ledger write failed for %s: %v", key, err)
			}
		}
	}
	return nil
}

func (e *Executor) runValidations(ctx context.Context, run *StepRun) error {
	req, step := run.Request, run.Step
	for _, v := range step.Validations {
		fn, ok := e.validator(v.Rule)
		if !ok {
			return orchestrator.NewError(orchestrator.ErrHandlerNotFound, "no validator registered for "+v.Rule, nil, map[string]any{"step_id": step.ID, "rule": v.Rule})
		}
		check := func(c context.Context) error {
			return fn(c, ValidationCall{Request: req, Step: step, Validation: v})
		}
		err := check(ctx)
		if err == nil {
			continue
		}
		e.recorder.Record(ctx, req, orchestrator.AuditEntry{
			Action: orchestrator.AuditValidationFailed,
			StepID: step.ID,
			Detail: fmt.Sprintf("%s (%s): %v", v.Rule, v.FailureAction, err),
		})

		switch v.FailureAction {
		case orchestrator.Skip:
			continue
		case orchestrator.Retry:
			if v.MaxRetries > 0 {
				h := runner.NewHandler(
					runner.WithMaxRetries(v.MaxRetries-1),
					runner.WithClock(e.clock),
					runner.WithLogger(e.logger),
				)
				if _, err = h.Run(ctx, check); err == nil {
					continue
				}
			}
			return validationError(orchestrator.ErrValidationFailed, step, v, err)
		case orchestrator.Escalate:
			step.NeedsReview = true
			e.recorder.Record(ctx, req, orchestrator.AuditEntry{
				Action: orchestrator.AuditStepEscalated,
				StepID: step.ID,
				Detail: "validation " + v.Rule + " needs review",
			})
			run.buf.Add(events.Event{Name: events.StepEscalated, RequestID: req.ID, StepID: step.ID, Detail: "validation " + v.Rule})
			return validationError(orchestrator.ErrValidationEscalated, step, v, err)
		default:
			return validationError(orchestrator.ErrValidationFailed, step, v, err)
		}
	}
	return nil
}

func validationError(base *apperrors.Error, step *orchestrator.Step, v orchestrator.Validation, cause error) error {
	return orchestrator.NewError(base, fmt.Sprintf("validation %s failed: %v", v.Rule, cause), cause, map[string]any{
		"step_id":        step.ID,
		"rule":           v.Rule,
		"failure_action": string(v.FailureAction),
	})
}

func (e *Executor) observe(action string, d time.Duration, err error) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordDuration(action, d)
	if err != nil {
		e.metrics.RecordError(action)
	} else {
		e.metrics.RecordSuccess(action)
	}
}

func (e *Executor) notify(ctx context.Context, req *orchestrator.WorkflowRequest, step *orchestrator.Step, template string, roles, recipients []string, vars map[string]any) int {
	logger := orchestrator.WithLoggerFields(e.logger.WithContext(ctx), map[string]any{"request_id": req.ID})
	targets, err := notify.Fanout(ctx, e.resolver, req.TenantID, roles, recipients)
	if err != nil {
		logger.Warn("approver resolution failed for %s: %v", template, err)
	}
	all := map[string]any{
		"request_id":   req.ID,
		"subject_id":   req.SubjectID,
		"tenant_id":    req.TenantID,
		"process_type": req.ProcessType,
	}
	if step != nil {
		all["step_id"] = step.ID
		all["step_name"] = step.Name
		for k, v := range payloadVars(step.Payload) {
			all[k] = v
		}
	}
	for k, v := range vars {
		all[k] = v
	}
	sent := 0
	for _, to := range targets {
		if err := e.notifier.Send(ctx, template, to, all); err != nil {
			logger.Warn("notification %s to %s failed: %v", template, to, err)
			continue
		}
		sent++
	}
	return sent
}

func mergeOutput(step *orchestrator.Step, out map[string]any) {
	if len(out) == 0 {
		return
	}
	if step.Output == nil {
		step.Output = make(map[string]any, len(out))
	}
	for k, v := range out {
		step.Output[k] = v
	}
}

// Apply runs one registered action outside of a workflow step. Rollback
// uses it for compensating actions.
func (e *Executor) Apply(ctx context.Context, req *orchestrator.WorkflowRequest, action orchestrator.Action) (map[string]any, error) {
	fn, ok := e.action(action.Type)
	if !ok {
		return nil, orchestrator.NewError(orchestrator.ErrHandlerNotFound, "no action registered for "+action.Type, nil, map[string]any{"action": action.Type})
	}
	actx := ctx
	cancel := func() {}
	if action.Timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, action.Timeout)
	}
	defer cancel()

	var out map[string]any
	start := e.clock.Now()
	err := orchestrator.RecoverError("action "+action.Type, func() error {
		var err error
		out, err = fn(actx, ActionCall{Request: req, Action: action, Index: -1})
		return err
	})
	e.observe(action.Type, e.clock.Now().Sub(start), err)
	return out, err
}

// Verify runs one registered validator outside of a workflow step.
func (e *Executor) Verify(ctx context.Context, req *orchestrator.WorkflowRequest, v orchestrator.Validation) error {
	fn, ok := e.validator(v.Rule)
	if !ok {
		return orchestrator.NewError(orchestrator.ErrHandlerNotFound, "no validator registered for "+v.Rule, nil, map[string]any{"rule": v.Rule})
	}
	return orchestrator.RecoverError("validator "+v.Rule, func() error {
		return fn(ctx, ValidationCall{Request: req, Validation: v})
	})
}
