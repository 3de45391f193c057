package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	orchestrator "github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/events"
	"github.com/goliatone/go-orchestrator/gate"
)

// evaluateGate applies the gate decision to the step and sends approval
// requests that were never sent before.
func (e *Executor) evaluateGate(ctx context.Context, req *orchestrator.WorkflowRequest, step *orchestrator.Step, buf *events.Buffer) gate.Result {
	now := e.now()
	if step.ActivatedAt == nil {
		step.ActivatedAt = orchestrator.TimePtr(now)
	}
	res := gate.CanExecute(req, step)

	for _, id := range res.ToRequest {
		appr := req.ApprovalByID(id)
		if appr == nil {
			continue
		}
		appr.Status = orchestrator.ApprovalRequested
		appr.RequestedAt = orchestrator.TimePtr(now)
		e.recorder.Record(ctx, req, orchestrator.AuditEntry{
			Action: orchestrator.AuditApprovalRequested,
			StepID: step.ID,
			Detail: fmt.Sprintf("%s from %s", appr.ID, appr.ApproverRole),
		})
		buf.Add(events.Event{Name: events.ApprovalRequested, RequestID: req.ID, StepID: step.ID, Detail: appr.ApproverRole})
		e.notify(ctx, req, step, approvalTemplate(step), []string{appr.ApproverRole}, nil, map[string]any{
			"approval_id":   appr.ID,
			"approver_role": appr.ApproverRole,
		})
	}

	prior := step.Status
	switch res.Decision {
	case gate.Ready:
		if prior == orchestrator.StepBlocked || prior == orchestrator.StepWaitingApproval {
			step.Status = orchestrator.StepPending
		}
	case gate.BlockedByDependency:
		step.Status = orchestrator.StepBlocked
		if prior != orchestrator.StepBlocked {
			e.recorder.Record(ctx, req, orchestrator.AuditEntry{
				Action: orchestrator.AuditStepBlocked,
				StepID: step.ID,
				Detail: "waiting on " + strings.Join(res.BlockingDependencies, ", "),
			})
		}
	case gate.WaitingApproval:
		step.Status = orchestrator.StepWaitingApproval
		if prior != orchestrator.StepWaitingApproval {
			e.recorder.Record(ctx, req, orchestrator.AuditEntry{
				Action: orchestrator.AuditStepWaitingApproval,
				StepID: step.ID,
				Detail: "waiting on " + strings.Join(res.PendingApprovals, ", "),
			})
		}
	}
	return res
}

func approvalTemplate(step *orchestrator.Step) string {
	if p, ok := step.Payload.(orchestrator.ApprovalPayload); ok && p.Template != "" {
		return p.Template
	}
	return TemplateApprovalRequest
}

func (e *Executor) timeoutDue(step *orchestrator.Step) bool {
	if step.Timeout <= 0 || step.Escalated || step.ActivatedAt == nil {
		return false
	}
	return e.now().Sub(*step.ActivatedAt) > step.Timeout
}

// checkTimeout escalates a step that has been waiting longer than its
// timeout. It fires once per step and never interrupts anything.
func (e *Executor) checkTimeout(ctx context.Context, req *orchestrator.WorkflowRequest, step *orchestrator.Step, buf *events.Buffer) {
	if !e.timeoutDue(step) {
		return
	}
	step.Escalated = true
	overdue := e.now().Sub(*step.ActivatedAt) - step.Timeout
	detail := fmt.Sprintf("exceeded timeout %s by %s", step.Timeout, overdue.Round(time.Second))
	e.recorder.Record(ctx, req, orchestrator.AuditEntry{
		Action: orchestrator.AuditStepTimeout,
		StepID: step.ID,
		Detail: detail,
	})
	buf.Add(events.Event{Name: events.StepEscalated, RequestID: req.ID, StepID: step.ID, Detail: detail})
	e.notify(ctx, req, step, TemplateStepEscalation, e.escalationRoles(req, step), nil, map[string]any{
		"timeout": step.Timeout.String(),
		"overdue": overdue.String(),
	})
}

func (e *Executor) escalationRoles(req *orchestrator.WorkflowRequest, step *orchestrator.Step) []string {
	roles := []string{e.escalationRole}
	switch p := step.Payload.(type) {
	case orchestrator.ManualPayload:
		if p.AssigneeRole != "" {
			roles = append(roles, p.AssigneeRole)
		}
	case orchestrator.ApprovalPayload:
		roles = append(roles, p.ApproverRoles...)
	}
	for _, appr := range req.ApprovalsFor(step.ID) {
		if appr.Status == orchestrator.ApprovalRequested {
			roles = append(roles, appr.ApproverRole)
		}
	}
	return roles
}
