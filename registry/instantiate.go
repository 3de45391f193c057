package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	orchestrator "github.com/goliatone/go-orchestrator"
)

// Validate checks the structural rules of a template: unique step ids,
// dependencies and approvals that reference earlier or known steps, a known
// point of no return, and payloads that match their step type.
func Validate(def orchestrator.WorkflowDefinition) error {
	fail := func(format string, args ...any) error {
		return orchestrator.NewError(orchestrator.ErrInvalidDefinition, fmt.Sprintf(format, args...), nil, map[string]any{
			"template": def.Name,
		})
	}
	if strings.TrimSpace(def.Name) == "" {
		return fail("template name required")
	}
	if len(def.Steps) == 0 {
		return fail("template %s has no steps", def.Name)
	}
	seen := make(map[string]int, len(def.Steps))
	for i, step := range def.Steps {
		if strings.TrimSpace(step.ID) == "" {
			return fail("step %d has no id", i)
		}
		if _, dup := seen[step.ID]; dup {
			return fail("duplicate step id %s", step.ID)
		}
		if !step.Type.Valid() {
			return fail("step %s has unknown type %q", step.ID, step.Type)
		}
		if step.Payload != nil && step.Payload.StepType() != step.Type {
			return fail("step %s payload is %s, expected %s", step.ID, step.Payload.StepType(), step.Type)
		}
		if step.MaxRetries < 0 {
			return fail("step %s has negative max retries", step.ID)
		}
		for _, dep := range step.Dependencies {
			idx, ok := seen[dep]
			if !ok || idx >= i {
				return fail("step %s depends on %s which is not an earlier step", step.ID, dep)
			}
		}
		for _, v := range step.Validations {
			switch v.FailureAction {
			case orchestrator.FailStep, orchestrator.Retry, orchestrator.Skip, orchestrator.Escalate:
			default:
				return fail("step %s validation %s has unknown failure action %q", step.ID, v.Rule, v.FailureAction)
			}
		}
		seen[step.ID] = i
	}
	for _, dep := range def.Dependencies {
		if _, ok := seen[dep.StepID]; !ok {
			return fail("dependency %s gates unknown step %s", dep.ID, dep.StepID)
		}
		if dep.Type == "" {
			return fail("dependency %s has no type", dep.ID)
		}
	}
	for _, appr := range def.Approvals {
		if _, ok := seen[appr.StepID]; !ok {
			return fail("approval for role %s gates unknown step %s", appr.ApproverRole, appr.StepID)
		}
		if strings.TrimSpace(appr.ApproverRole) == "" {
			return fail("approval on step %s has no approver role", appr.StepID)
		}
	}
	if ponr := def.Rollback.PointOfNoReturn; ponr != "" {
		if _, ok := seen[ponr]; !ok {
			return fail("point of no return %s is not a step", ponr)
		}
	}
	if def.Rollback.TimeWindow < 0 {
		return fail("rollback window must not be negative")
	}
	switch def.RetryPolicy.Strategy {
	case "", "fixed", "exponential", "jittered", "none":
	default:
		return fail("unknown retry strategy %q", def.RetryPolicy.Strategy)
	}
	return nil
}

// Instantiate returns a copy of def with every runtime field reset. The
// result shares no slices, maps or payloads with def.
func Instantiate(def orchestrator.WorkflowDefinition) orchestrator.WorkflowDefinition {
	cp := def.Clone()
	for i := range cp.Steps {
		step := &cp.Steps[i]
		step.Status = orchestrator.StepPending
		step.RetryCount = 0
		step.Output = nil
		step.Progress = 0
		step.ActivatedAt = nil
		step.StartedAt = nil
		step.CompletedAt = nil
		step.Duration = 0
		step.NextAttemptAt = nil
		step.LastError = ""
		step.Escalated = false
		step.NeedsReview = false
		step.CompletedBy = ""
	}
	for i := range cp.Rollback.Steps {
		cp.Rollback.Steps[i].Status = orchestrator.StepPending
		cp.Rollback.Steps[i].ExecutedAt = nil
		cp.Rollback.Steps[i].Error = ""
	}
	cp.Rollback.Incomplete = false
	cp.Rollback.Reason = ""
	return cp
}

// Submission is the caller supplied part of a new request.
type Submission struct {
	SubjectID   string
	TenantID    string
	ProcessType string
	Reason      string
	Urgency     orchestrator.Urgency
	SubmittedBy string
	Metadata    map[string]any
}

// Builder turns a resolved definition into a new WorkflowRequest.
type Builder struct {
	newID func() string
}

// NewBuilder returns a builder that uses uuid ids unless newID is given.
func NewBuilder(newID func() string) *Builder {
	if newID == nil {
		newID = uuid.NewString
	}
	return &Builder{newID: newID}
}

// Build materializes dependencies, approvals, rollback plan and timeline
// for a request in status Requested. def must come from Resolve or
// Instantiate; Build takes ownership of it.
func (b *Builder) Build(def orchestrator.WorkflowDefinition, sub Submission, now time.Time) *orchestrator.WorkflowRequest {
	now = now.UTC()
	urgency := sub.Urgency
	if urgency == "" {
		urgency = orchestrator.UrgencyStandard
	}
	req := &orchestrator.WorkflowRequest{
		ID:          b.newID(),
		SubjectID:   sub.SubjectID,
		TenantID:    sub.TenantID,
		ProcessType: sub.ProcessType,
		Reason:      sub.Reason,
		Urgency:     urgency,
		Status:      orchestrator.StatusRequested,
		Priority:    orchestrator.ComputePriority(urgency, sub.Reason),
		Workflow:    def,
		SubmittedBy: sub.SubmittedBy,
		SubmittedAt: now,
		UpdatedAt:   now,
		Metadata:    sub.Metadata,
		Timeline: orchestrator.Timeline{
			EstimatedStart:      now,
			EstimatedCompletion: now.Add(def.EstimatedDuration()),
		},
	}

	for _, step := range def.Steps {
		for _, target := range step.Dependencies {
			req.Dependencies = append(req.Dependencies, orchestrator.Dependency{
				ID:          b.newID(),
				StepID:      step.ID,
				Type:        orchestrator.DependencyStep,
				Target:      target,
				Status:      orchestrator.DependencyPending,
				Blocking:    true,
				Description: fmt.Sprintf("%s waits for %s", step.ID, target),
			})
		}
	}
	for _, dep := range def.Dependencies {
		id := dep.ID
		if id == "" {
			id = b.newID()
		}
		req.Dependencies = append(req.Dependencies, orchestrator.Dependency{
			ID:          id,
			StepID:      dep.StepID,
			Type:        dep.Type,
			Target:      dep.Target,
			Status:      orchestrator.DependencyPending,
			Blocking:    dep.Blocking,
			Description: dep.Description,
		})
	}
	for _, appr := range def.Approvals {
		req.Approvals = append(req.Approvals, orchestrator.ApprovalRequirement{
			ID:           b.newID(),
			StepID:       appr.StepID,
			ApproverRole: appr.ApproverRole,
			Required:     appr.Required,
			Status:       orchestrator.ApprovalPending,
		})
	}
	req.RollbackPlan = def.Rollback.Clone()
	if len(def.Steps) > 0 {
		req.CurrentStepID = def.Steps[0].ID
	}
	return req
}
