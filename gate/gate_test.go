package gate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orchestrator "github.com/goliatone/go-orchestrator"
)

func gatedRequest() *orchestrator.WorkflowRequest {
	return &orchestrator.WorkflowRequest{
		ID: "r1",
		Workflow: orchestrator.WorkflowDefinition{Steps: []orchestrator.Step{
			{ID: "a", Type: orchestrator.StepAutomated, Status: orchestrator.StepPending},
			{ID: "b", Type: orchestrator.StepAutomated, Status: orchestrator.StepPending, Dependencies: []string{"a"}},
		}},
		Dependencies: []orchestrator.Dependency{
			{ID: "d1", StepID: "b", Type: orchestrator.DependencyStep, Target: "a", Status: orchestrator.DependencyPending, Blocking: true},
			{ID: "d2", StepID: "b", Type: orchestrator.DependencyExternal, Target: "hr", Status: orchestrator.DependencyPending, Blocking: false},
		},
		Approvals: []orchestrator.ApprovalRequirement{
			{ID: "ap1", StepID: "b", ApproverRole: "manager", Required: true, Status: orchestrator.ApprovalPending},
			{ID: "ap2", StepID: "b", ApproverRole: "legal", Required: true, Status: orchestrator.ApprovalPending},
			{ID: "ap3", StepID: "b", ApproverRole: "fyi", Required: false, Status: orchestrator.ApprovalPending},
		},
	}
}

func TestCanExecuteReadyWithoutGates(t *testing.T) {
	req := gatedRequest()
	res := CanExecute(req, req.StepByID("a"))
	assert.Equal(t, Ready, res.Decision)
	assert.True(t, res.Ready())
}

func TestCanExecuteBlockedByDependency(t *testing.T) {
	req := gatedRequest()
	res := CanExecute(req, req.StepByID("b"))
	assert.Equal(t, BlockedByDependency, res.Decision)
	assert.Equal(t, []string{"d1"}, res.BlockingDependencies)
	assert.Equal(t, orchestrator.StepBlocked, res.StepStatus())
	assert.Empty(t, res.ToRequest)
}

func TestCanExecuteRequiresEveryRequiredApproval(t *testing.T) {
	req := gatedRequest()
	require.Equal(t, 1, ResolveStepDependencies(req, "a", nil))

	res := CanExecute(req, req.StepByID("b"))
	assert.Equal(t, WaitingApproval, res.Decision)
	assert.Equal(t, []string{"ap1", "ap2"}, res.ToRequest)
	assert.Equal(t, orchestrator.StepWaitingApproval, res.StepStatus())

	req.ApprovalByID("ap1").Status = orchestrator.ApprovalApproved
	req.ApprovalByID("ap2").Status = orchestrator.ApprovalRequested
	res = CanExecute(req, req.StepByID("b"))
	assert.Equal(t, WaitingApproval, res.Decision)
	assert.Equal(t, []string{"ap2"}, res.PendingApprovals)
	assert.Empty(t, res.ToRequest, "already requested approvals must not be requested again")

	req.ApprovalByID("ap2").Status = orchestrator.ApprovalApproved
	res = CanExecute(req, req.StepByID("b"))
	assert.Equal(t, Ready, res.Decision)
}

func TestCanExecuteIsPure(t *testing.T) {
	req := gatedRequest()
	before := req.Clone()
	_ = CanExecute(req, req.StepByID("b"))
	assert.Equal(t, before, req)
}

func TestResolveStepDependenciesIsIdempotent(t *testing.T) {
	req := gatedRequest()
	var seen []string
	assert.Equal(t, 1, ResolveStepDependencies(req, "a", func(d *orchestrator.Dependency) { seen = append(seen, d.ID) }))
	assert.Equal(t, 0, ResolveStepDependencies(req, "a", nil))
	assert.Equal(t, []string{"d1"}, seen)
	assert.Equal(t, orchestrator.DependencyPending, req.DependencyByID("d2").Status)
}
