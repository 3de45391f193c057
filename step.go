package orchestrator

import (
	"encoding/json"
	"time"
)

// Action is one unit of side effect inside a step. Type selects the
// registered action function; Irreversible actions are applied at most once
// per request even when the step is retried.
type Action struct {
	Type         string         `json:"type"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Timeout      time.Duration  `json:"timeout,omitempty"`
	Irreversible bool           `json:"irreversible,omitempty"`
}

// Validation is a post-action check with its failure policy.
type Validation struct {
	Rule          string         `json:"rule"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	FailureAction FailureAction  `json:"failure_action"`
	MaxRetries    int            `json:"max_retries,omitempty"`
}

// Step is one unit of work within a request's workflow instance.
type Step struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Type          StepType       `json:"type"`
	Status        StepStatus     `json:"status"`
	Dependencies  []string       `json:"dependencies,omitempty"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	Timeout       time.Duration  `json:"timeout,omitempty"`
	Actions       []Action       `json:"actions,omitempty"`
	Validations   []Validation   `json:"validations,omitempty"`
	Payload       StepPayload    `json:"payload,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
	Progress      int            `json:"progress"`
	ActivatedAt   *time.Time     `json:"activated_at,omitempty"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Duration      time.Duration  `json:"duration,omitempty"`
	NextAttemptAt *time.Time     `json:"next_attempt_at,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	Escalated     bool           `json:"escalated,omitempty"`
	NeedsReview   bool           `json:"needs_review,omitempty"`
	CompletedBy   string         `json:"completed_by,omitempty"`
}

type stepAlias Step

type stepJSON struct {
	stepAlias
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON encodes the payload next to the step type so it can be decoded
// back into the right concrete type.
func (s Step) MarshalJSON() ([]byte, error) {
	aux := stepJSON{stepAlias: stepAlias(s)}
	aux.stepAlias.Payload = nil
	if s.Payload != nil {
		raw, err := json.Marshal(s.Payload)
		if err != nil {
			return nil, err
		}
		aux.Payload = raw
	}
	return json.Marshal(aux)
}

// UnmarshalJSON decodes the payload using the step type as discriminator.
func (s *Step) UnmarshalJSON(data []byte) error {
	var aux stepJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*s = Step(aux.stepAlias)
	s.Payload = nil
	if len(aux.Payload) > 0 && string(aux.Payload) != "null" {
		payload, err := DecodePayload(s.Type, aux.Payload)
		if err != nil {
			return err
		}
		s.Payload = payload
	}
	return nil
}

// Clone returns a copy that shares no mutable state with s.
func (s Step) Clone() Step {
	cp := s
	cp.Dependencies = cloneStrings(s.Dependencies)
	cp.Actions = cloneActions(s.Actions)
	cp.Validations = cloneValidations(s.Validations)
	cp.Payload = ClonePayload(s.Payload)
	cp.Output = cloneMap(s.Output)
	cp.ActivatedAt = cloneTime(s.ActivatedAt)
	cp.StartedAt = cloneTime(s.StartedAt)
	cp.CompletedAt = cloneTime(s.CompletedAt)
	cp.NextAttemptAt = cloneTime(s.NextAttemptAt)
	return cp
}

// Dependency is a typed precondition gating StepID.
type Dependency struct {
	ID          string           `json:"id"`
	StepID      string           `json:"step_id"`
	Type        DependencyType   `json:"type"`
	Target      string           `json:"target"`
	Status      DependencyStatus `json:"status"`
	Blocking    bool             `json:"blocking"`
	Description string           `json:"description,omitempty"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
	ResolvedBy  string           `json:"resolved_by,omitempty"`
}

// ApprovalRequirement is one sign-off gating StepID.
type ApprovalRequirement struct {
	ID           string         `json:"id"`
	StepID       string         `json:"step_id"`
	ApproverRole string         `json:"approver_role"`
	Required     bool           `json:"required"`
	Status       ApprovalStatus `json:"status"`
	RequestedAt  *time.Time     `json:"requested_at,omitempty"`
	DecidedAt    *time.Time     `json:"decided_at,omitempty"`
	DecidedBy    string         `json:"decided_by,omitempty"`
	Comment      string         `json:"comment,omitempty"`
}

// RollbackStep is a compensating step executed during rollback.
type RollbackStep struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Actions       []Action     `json:"actions,omitempty"`
	Verifications []Validation `json:"verifications,omitempty"`
	Status        StepStatus   `json:"status"`
	ExecutedAt    *time.Time   `json:"executed_at,omitempty"`
	Error         string       `json:"error,omitempty"`
}

// RollbackPlan describes how and until when a request can be rolled back.
type RollbackPlan struct {
	PointOfNoReturn    string         `json:"point_of_no_return,omitempty"`
	Steps              []RollbackStep `json:"steps,omitempty"`
	TimeWindow         time.Duration  `json:"time_window"`
	IsRollbackPossible bool           `json:"is_rollback_possible"`
	Incomplete         bool           `json:"incomplete,omitempty"`
	Reason             string         `json:"reason,omitempty"`
}

// Clone returns a deep copy of the plan.
func (p RollbackPlan) Clone() RollbackPlan {
	cp := p
	if p.Steps != nil {
		cp.Steps = make([]RollbackStep, len(p.Steps))
		for i, step := range p.Steps {
			step.Actions = cloneActions(step.Actions)
			step.Verifications = cloneValidations(step.Verifications)
			step.ExecutedAt = cloneTime(step.ExecutedAt)
			cp.Steps[i] = step
		}
	}
	return cp
}

func cloneActions(in []Action) []Action {
	if in == nil {
		return nil
	}
	out := make([]Action, len(in))
	for i, a := range in {
		a.Parameters = cloneMap(a.Parameters)
		out[i] = a
	}
	return out
}

func cloneValidations(in []Validation) []Validation {
	if in == nil {
		return nil
	}
	out := make([]Validation, len(in))
	for i, v := range in {
		v.Parameters = cloneMap(v.Parameters)
		out[i] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
