package orchestrator

import "time"

// AuditAction names an audited transition or action.
type AuditAction string

const (
	AuditSubmitted             AuditAction = "submitted"
	AuditStatusChanged         AuditAction = "status_changed"
	AuditStepStarted           AuditAction = "step_started"
	AuditStepCompleted         AuditAction = "step_completed"
	AuditStepFailed            AuditAction = "step_failed"
	AuditStepRetryScheduled    AuditAction = "step_retry_scheduled"
	AuditStepBlocked           AuditAction = "step_blocked"
	AuditStepWaitingApproval   AuditAction = "step_waiting_approval"
	AuditStepSuspended         AuditAction = "step_suspended"
	AuditStepSkipped           AuditAction = "step_skipped"
	AuditStepEscalated         AuditAction = "step_escalated"
	AuditStepTimeout           AuditAction = "step_timeout"
	AuditValidationFailed      AuditAction = "validation_failed"
	AuditActionReplayed        AuditAction = "action_replayed"
	AuditApprovalRequested     AuditAction = "approval_requested"
	AuditApproved              AuditAction = "approved"
	AuditRejected              AuditAction = "rejected"
	AuditDependencyResolved    AuditAction = "dependency_resolved"
	AuditManualCompleted       AuditAction = "manual_completed"
	AuditCancelled             AuditAction = "cancelled"
	AuditPaused                AuditAction = "paused"
	AuditResumed               AuditAction = "resumed"
	AuditRollbackStarted       AuditAction = "rollback_started"
	AuditRollbackStepCompleted AuditAction = "rollback_step_completed"
	AuditRollbackStepFailed    AuditAction = "rollback_step_failed"
	AuditRolledBack            AuditAction = "rolled_back"
	AuditRollbackDisabled      AuditAction = "rollback_disabled"
	AuditCompleted             AuditAction = "completed"
	AuditFailed                AuditAction = "failed"
)

// AuditEntry is an immutable record of one transition or action.
type AuditEntry struct {
	ID            string      `json:"id"`
	RequestID     string      `json:"request_id"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	Action        AuditAction `json:"action"`
	Actor         string      `json:"actor"`
	PriorStatus   string      `json:"prior_status,omitempty"`
	NewStatus     string      `json:"new_status,omitempty"`
	StepID        string      `json:"step_id,omitempty"`
	Detail        string      `json:"detail,omitempty"`
}

// Milestone marks a notable point reached by a request.
type Milestone struct {
	Name   string    `json:"name"`
	StepID string    `json:"step_id,omitempty"`
	At     time.Time `json:"at"`
}

// Timeline holds estimated and actual timestamps of a request.
type Timeline struct {
	EstimatedStart      time.Time   `json:"estimated_start"`
	EstimatedCompletion time.Time   `json:"estimated_completion"`
	ActualStart         *time.Time  `json:"actual_start,omitempty"`
	ActualCompletion    *time.Time  `json:"actual_completion,omitempty"`
	Milestones          []Milestone `json:"milestones,omitempty"`
}

// WorkflowRequest is one initiated process instance. It owns a private copy
// of its workflow definition; nothing in it is shared with other requests.
type WorkflowRequest struct {
	ID            string                `json:"id"`
	SubjectID     string                `json:"subject_id"`
	TenantID      string                `json:"tenant_id"`
	ProcessType   string                `json:"process_type"`
	Reason        string                `json:"reason"`
	Urgency       Urgency               `json:"urgency"`
	Status        RequestStatus         `json:"status"`
	Priority      Priority              `json:"priority"`
	CurrentStepID string                `json:"current_step_id"`
	Workflow      WorkflowDefinition    `json:"workflow"`
	Timeline      Timeline              `json:"timeline"`
	Dependencies  []Dependency          `json:"dependencies,omitempty"`
	Approvals     []ApprovalRequirement `json:"approvals,omitempty"`
	RollbackPlan  RollbackPlan          `json:"rollback_plan"`
	AuditTrail    []AuditEntry          `json:"audit_trail"`
	SubmittedBy   string                `json:"submitted_by,omitempty"`
	SubmittedAt   time.Time             `json:"submitted_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
	TerminalAt    *time.Time            `json:"terminal_at,omitempty"`
	Sequence      uint64                `json:"sequence"`
	Version       int                   `json:"version"`
	Error         string                `json:"error,omitempty"`
	Metadata      map[string]any        `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the request.
func (r *WorkflowRequest) Clone() *WorkflowRequest {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Workflow = r.Workflow.Clone()
	cp.Timeline.ActualStart = cloneTime(r.Timeline.ActualStart)
	cp.Timeline.ActualCompletion = cloneTime(r.Timeline.ActualCompletion)
	if r.Timeline.Milestones != nil {
		cp.Timeline.Milestones = make([]Milestone, len(r.Timeline.Milestones))
		copy(cp.Timeline.Milestones, r.Timeline.Milestones)
	}
	if r.Dependencies != nil {
		cp.Dependencies = make([]Dependency, len(r.Dependencies))
		for i, dep := range r.Dependencies {
			dep.ResolvedAt = cloneTime(dep.ResolvedAt)
			cp.Dependencies[i] = dep
		}
	}
	if r.Approvals != nil {
		cp.Approvals = make([]ApprovalRequirement, len(r.Approvals))
		for i, appr := range r.Approvals {
			appr.RequestedAt = cloneTime(appr.RequestedAt)
			appr.DecidedAt = cloneTime(appr.DecidedAt)
			cp.Approvals[i] = appr
		}
	}
	cp.RollbackPlan = r.RollbackPlan.Clone()
	if r.AuditTrail != nil {
		cp.AuditTrail = make([]AuditEntry, len(r.AuditTrail))
		copy(cp.AuditTrail, r.AuditTrail)
	}
	cp.TerminalAt = cloneTime(r.TerminalAt)
	cp.Metadata = cloneMap(r.Metadata)
	return &cp
}

// AppendAudit appends entry to the trail. Existing entries are never touched.
func (r *WorkflowRequest) AppendAudit(entry AuditEntry) {
	r.AuditTrail = append(r.AuditTrail, entry)
}

// StepByID returns a pointer into the request's steps, or nil.
func (r *WorkflowRequest) StepByID(id string) *Step {
	for i := range r.Workflow.Steps {
		if r.Workflow.Steps[i].ID == id {
			return &r.Workflow.Steps[i]
		}
	}
	return nil
}

// CurrentStep returns the step CurrentStepID points at, or nil.
func (r *WorkflowRequest) CurrentStep() *Step {
	if r.CurrentStepID == "" {
		return nil
	}
	return r.StepByID(r.CurrentStepID)
}

// NextOpenStep returns the first step in order that is not done.
func (r *WorkflowRequest) NextOpenStep() *Step {
	for i := range r.Workflow.Steps {
		if !r.Workflow.Steps[i].Status.IsDone() {
			return &r.Workflow.Steps[i]
		}
	}
	return nil
}

// DependenciesFor returns pointers to the dependencies gating stepID.
func (r *WorkflowRequest) DependenciesFor(stepID string) []*Dependency {
	var out []*Dependency
	for i := range r.Dependencies {
		if r.Dependencies[i].StepID == stepID {
			out = append(out, &r.Dependencies[i])
		}
	}
	return out
}

// DependencyByID returns the dependency with id, or nil.
func (r *WorkflowRequest) DependencyByID(id string) *Dependency {
	for i := range r.Dependencies {
		if r.Dependencies[i].ID == id {
			return &r.Dependencies[i]
		}
	}
	return nil
}

// ApprovalsFor returns pointers to the approvals gating stepID.
func (r *WorkflowRequest) ApprovalsFor(stepID string) []*ApprovalRequirement {
	var out []*ApprovalRequirement
	for i := range r.Approvals {
		if r.Approvals[i].StepID == stepID {
			out = append(out, &r.Approvals[i])
		}
	}
	return out
}

// ApprovalByID returns the approval with id, or nil.
func (r *WorkflowRequest) ApprovalByID(id string) *ApprovalRequirement {
	for i := range r.Approvals {
		if r.Approvals[i].ID == id {
			return &r.Approvals[i]
		}
	}
	return nil
}

// PointOfNoReturnReached reports whether any step at or after the point of
// no return has completed.
func (r *WorkflowRequest) PointOfNoReturnReached() bool {
	ponr := r.RollbackPlan.PointOfNoReturn
	if ponr == "" {
		return false
	}
	idx := r.Workflow.StepIndex(ponr)
	if idx < 0 {
		return false
	}
	for i := idx; i < len(r.Workflow.Steps); i++ {
		if r.Workflow.Steps[i].Status == StepCompleted {
			return true
		}
	}
	return false
}

// AddMilestone records a timeline milestone.
func (r *WorkflowRequest) AddMilestone(name, stepID string, at time.Time) {
	r.Timeline.Milestones = append(r.Timeline.Milestones, Milestone{Name: name, StepID: stepID, At: at})
}
