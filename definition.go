package orchestrator

import "time"

// RetryPolicy controls the delay between failed step attempts.
// Strategy is one of "fixed", "exponential", "jittered" or "none".
type RetryPolicy struct {
	Strategy string        `json:"strategy,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`
	Factor   float64       `json:"factor,omitempty"`
	MaxDelay time.Duration `json:"max_delay,omitempty"`
}

// DependencyDefinition is a non-step dependency declared by a template.
type DependencyDefinition struct {
	ID          string         `json:"id"`
	StepID      string         `json:"step_id"`
	Type        DependencyType `json:"type"`
	Target      string         `json:"target"`
	Blocking    bool           `json:"blocking"`
	Description string         `json:"description,omitempty"`
}

// ApprovalDefinition declares an approval gate on a step.
type ApprovalDefinition struct {
	StepID       string `json:"step_id"`
	ApproverRole string `json:"approver_role"`
	Required     bool   `json:"required"`
}

// WorkflowDefinition is a named, versioned, read-only template.
// Steps run in declaration order; Step.Dependencies names earlier steps.
type WorkflowDefinition struct {
	Name           string                 `json:"name"`
	Version        string                 `json:"version"`
	Description    string                 `json:"description,omitempty"`
	ProcessType    string                 `json:"process_type"`
	Urgency        Urgency                `json:"urgency,omitempty"`
	Steps          []Step                 `json:"steps"`
	Dependencies   []DependencyDefinition `json:"dependencies,omitempty"`
	Approvals      []ApprovalDefinition   `json:"approvals,omitempty"`
	Rollback       RollbackPlan           `json:"rollback"`
	RetryPolicy    RetryPolicy            `json:"retry_policy"`
	AllowedReasons []string               `json:"allowed_reasons,omitempty"`
}

// Clone returns a copy of d that shares no slices, maps or payloads with d.
func (d WorkflowDefinition) Clone() WorkflowDefinition {
	cp := d
	if d.Steps != nil {
		cp.Steps = make([]Step, len(d.Steps))
		for i, step := range d.Steps {
			cp.Steps[i] = step.Clone()
		}
	}
	if d.Dependencies != nil {
		cp.Dependencies = make([]DependencyDefinition, len(d.Dependencies))
		copy(cp.Dependencies, d.Dependencies)
	}
	if d.Approvals != nil {
		cp.Approvals = make([]ApprovalDefinition, len(d.Approvals))
		copy(cp.Approvals, d.Approvals)
	}
	cp.Rollback = d.Rollback.Clone()
	cp.AllowedReasons = cloneStrings(d.AllowedReasons)
	return cp
}

// StepIndex returns the position of the step with id, or -1.
func (d WorkflowDefinition) StepIndex(id string) int {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

// AllowsReason reports whether reason is accepted by the template.
// An empty allow list accepts any reason.
func (d WorkflowDefinition) AllowsReason(reason string) bool {
	if len(d.AllowedReasons) == 0 {
		return true
	}
	for _, allowed := range d.AllowedReasons {
		if allowed == reason {
			return true
		}
	}
	return false
}

// EstimatedDuration sums the step timeouts.
func (d WorkflowDefinition) EstimatedDuration() time.Duration {
	var total time.Duration
	for _, step := range d.Steps {
		total += step.Timeout
	}
	return total
}
