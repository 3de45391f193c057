// Package gate decides whether a step may start. It never mutates the
// request; callers apply the decision.
package gate

import (
	orchestrator "github.com/goliatone/go-orchestrator"
)

// Decision is the outcome of CanExecute.
type Decision string

const (
	Ready               Decision = "ready"
	BlockedByDependency Decision = "blocked_by_dependency"
	WaitingApproval     Decision = "waiting_approval"
)

// Result explains a Decision.
type Result struct {
	Decision             Decision
	BlockingDependencies []string
	PendingApprovals     []string
	// ToRequest lists approvals that have never been requested. The caller
	// sends the request side effect for these and marks them Requested, so
	// the side effect happens once per approval.
	ToRequest []string
}

// Ready reports whether the step may start.
func (r Result) Ready() bool { return r.Decision == Ready }

// StepStatus is the step status matching the decision.
func (r Result) StepStatus() orchestrator.StepStatus {
	switch r.Decision {
	case BlockedByDependency:
		return orchestrator.StepBlocked
	case WaitingApproval:
		return orchestrator.StepWaitingApproval
	default:
		return orchestrator.StepPending
	}
}

// CanExecute checks blocking dependencies first, then required approvals.
func CanExecute(req *orchestrator.WorkflowRequest, step *orchestrator.Step) Result {
	if req == nil || step == nil {
		return Result{Decision: BlockedByDependency}
	}
	var res Result
	for _, dep := range req.DependenciesFor(step.ID) {
		if dep.Blocking && dep.Status != orchestrator.DependencyResolved {
			res.BlockingDependencies = append(res.BlockingDependencies, dep.ID)
		}
	}
	if len(res.BlockingDependencies) > 0 {
		res.Decision = BlockedByDependency
		return res
	}
	for _, appr := range req.ApprovalsFor(step.ID) {
		if !appr.Required || appr.Status == orchestrator.ApprovalApproved {
			continue
		}
		res.PendingApprovals = append(res.PendingApprovals, appr.ID)
		if appr.Status == orchestrator.ApprovalPending {
			res.ToRequest = append(res.ToRequest, appr.ID)
		}
	}
	if len(res.PendingApprovals) > 0 {
		res.Decision = WaitingApproval
		return res
	}
	res.Decision = Ready
	return res
}

// ResolveStepDependencies marks step-type dependencies targeting a
// completed step as resolved and returns how many changed.
func ResolveStepDependencies(req *orchestrator.WorkflowRequest, completedStepID string, resolve func(*orchestrator.Dependency)) int {
	n := 0
	for i := range req.Dependencies {
		dep := &req.Dependencies[i]
		if dep.Type != orchestrator.DependencyStep || dep.Target != completedStepID {
			continue
		}
		if dep.Status == orchestrator.DependencyResolved {
			continue
		}
		dep.Status = orchestrator.DependencyResolved
		if resolve != nil {
			resolve(dep)
		}
		n++
	}
	return n
}
