package orchestrator

import "strings"

// RequestStatus is the lifecycle state of a WorkflowRequest.
type RequestStatus string

const (
	StatusRequested   RequestStatus = "requested"
	StatusUnderReview RequestStatus = "under_review"
	StatusApproved    RequestStatus = "approved"
	StatusRejected    RequestStatus = "rejected"
	StatusInProgress  RequestStatus = "in_progress"
	StatusPaused      RequestStatus = "paused"
	StatusCompleted   RequestStatus = "completed"
	StatusCancelled   RequestStatus = "cancelled"
	StatusFailed      RequestStatus = "failed"
	StatusRolledBack  RequestStatus = "rolled_back"
)

// IsTerminal reports whether the scheduler will never advance a request in this status.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRejected, StatusCancelled, StatusFailed, StatusRolledBack:
		return true
	default:
		return false
	}
}

func (s RequestStatus) String() string { return string(s) }

// StepStatus is the execution state of a single step.
type StepStatus string

const (
	StepPending         StepStatus = "pending"
	StepInProgress      StepStatus = "in_progress"
	StepCompleted       StepStatus = "completed"
	StepFailed          StepStatus = "failed"
	StepBlocked         StepStatus = "blocked"
	StepWaitingApproval StepStatus = "waiting_approval"
	StepSkipped         StepStatus = "skipped"
	StepRolledBack      StepStatus = "rolled_back"
)

// IsDone reports whether the step no longer needs execution.
func (s StepStatus) IsDone() bool {
	return s == StepCompleted || s == StepSkipped || s == StepRolledBack
}

// StepType selects the handler that executes a step.
type StepType string

const (
	StepManual          StepType = "manual"
	StepAutomated       StepType = "automated"
	StepApproval        StepType = "approval"
	StepNotification    StepType = "notification"
	StepDataProcessing  StepType = "data_processing"
	StepComplianceCheck StepType = "compliance_check"
)

// StepTypes lists every supported step type.
var StepTypes = []StepType{
	StepManual,
	StepAutomated,
	StepApproval,
	StepNotification,
	StepDataProcessing,
	StepComplianceCheck,
}

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	for _, known := range StepTypes {
		if t == known {
			return true
		}
	}
	return false
}

// DependencyType classifies what a dependency waits on.
type DependencyType string

const (
	DependencyStep       DependencyType = "step"
	DependencySystem     DependencyType = "system"
	DependencyData       DependencyType = "data"
	DependencyApproval   DependencyType = "approval"
	DependencyExternal   DependencyType = "external"
	DependencyRegulatory DependencyType = "regulatory"
)

// DependencyStatus tracks resolution of a dependency.
type DependencyStatus string

const (
	DependencyPending    DependencyStatus = "pending"
	DependencyInProgress DependencyStatus = "in_progress"
	DependencyResolved   DependencyStatus = "resolved"
	DependencyBlocked    DependencyStatus = "blocked"
	DependencyEscalated  DependencyStatus = "escalated"
)

// ApprovalStatus tracks a single approval requirement.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalRequested ApprovalStatus = "requested"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalExpired   ApprovalStatus = "expired"
)

// FailureAction is the policy applied when a validation fails.
type FailureAction string

const (
	FailStep FailureAction = "fail_step"
	Retry    FailureAction = "retry"
	Skip     FailureAction = "skip"
	Escalate FailureAction = "escalate"
)

// Priority orders requests in the scheduler queue. Higher values run first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Urgency is the caller supplied urgency of a submission.
type Urgency string

const (
	UrgencyLow       Urgency = "low"
	UrgencyStandard  Urgency = "standard"
	UrgencyUrgent    Urgency = "urgent"
	UrgencyEmergency Urgency = "emergency"
)

// RegulatoryReasons are submission reasons that raise priority to High.
var RegulatoryReasons = []string{
	"regulatory",
	"legal_requirement",
	"court_order",
	"compliance",
}

// ComputePriority derives the immutable request priority from urgency and reason.
func ComputePriority(urgency Urgency, reason string) Priority {
	switch urgency {
	case UrgencyEmergency:
		return PriorityCritical
	case UrgencyUrgent:
		return PriorityUrgent
	}
	if IsRegulatoryReason(reason) {
		return PriorityHigh
	}
	if urgency == UrgencyLow {
		return PriorityLow
	}
	return PriorityNormal
}

// IsRegulatoryReason reports whether reason is one of RegulatoryReasons.
func IsRegulatoryReason(reason string) bool {
	reason = strings.ToLower(strings.TrimSpace(reason))
	for _, r := range RegulatoryReasons {
		if reason == r {
			return true
		}
	}
	return false
}
