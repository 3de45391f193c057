package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStatuses = []RequestStatus{
	StatusRequested, StatusUnderReview, StatusApproved, StatusRejected, StatusInProgress,
	StatusPaused, StatusCompleted, StatusCancelled, StatusFailed, StatusRolledBack,
}

func TestTransitionFollowsGraph(t *testing.T) {
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			req := &WorkflowRequest{ID: "req-1", Status: from}
			err := Transition(context.Background(), req, to)
			if CanTransition(from, to) {
				require.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, req.Status)
				continue
			}
			require.Error(t, err, "%s -> %s", from, to)
			assert.True(t, IsInvalidTransition(err))
			assert.Equal(t, from, req.Status, "failed transition leaves status untouched")
		}
	}
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	for _, s := range allStatuses {
		if s.IsTerminal() {
			assert.Empty(t, AllowedTransitions(s), "%s", s)
		}
	}
	assert.False(t, CanTransition(StatusFailed, StatusRolledBack))
}

func TestTransitionNilRequest(t *testing.T) {
	err := Transition(context.Background(), nil, StatusInProgress)
	assert.True(t, HasCode(err, ErrCodeInvalidRequest))
}

func TestComputePriority(t *testing.T) {
	tests := []struct {
		urgency Urgency
		reason  string
		want    Priority
	}{
		{UrgencyEmergency, "customer_request", PriorityCritical},
		{UrgencyEmergency, "regulatory", PriorityCritical},
		{UrgencyUrgent, "court_order", PriorityUrgent},
		{UrgencyStandard, "regulatory", PriorityHigh},
		{UrgencyStandard, " Compliance ", PriorityHigh},
		{UrgencyLow, "court_order", PriorityHigh},
		{UrgencyStandard, "customer_request", PriorityNormal},
		{"", "", PriorityNormal},
		{UrgencyLow, "inactivity", PriorityLow},
	}
	for _, tt := range tests {
		t.Run(string(tt.urgency)+"/"+tt.reason, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputePriority(tt.urgency, tt.reason))
		})
	}
	assert.True(t, PriorityCritical > PriorityUrgent && PriorityUrgent > PriorityHigh)
	assert.Equal(t, "critical", PriorityCritical.String())
}

func sampleRequest() *WorkflowRequest {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	return &WorkflowRequest{
		ID:        "req-1",
		SubjectID: "acct-1",
		Status:    StatusInProgress,
		Workflow: WorkflowDefinition{
			Name: "closure",
			Steps: []Step{
				{ID: "notify", Type: StepNotification, Status: StepCompleted, Payload: NotificationPayload{
					Template:       "closing",
					RecipientRoles: []string{"support"},
					Variables:      map[string]any{"channel": "email"},
				}},
				{ID: "export", Type: StepDataProcessing, Status: StepPending, Payload: DataProcessingPayload{Operation: "export"}},
				{ID: "confirm", Type: StepManual, Status: StepPending, Payload: ManualPayload{AssigneeRole: "ops"}},
			},
		},
		Approvals:    []ApprovalRequirement{{ID: "ap-1", StepID: "export", ApproverRole: "legal", Required: true, Status: ApprovalPending, RequestedAt: TimePtr(now)}},
		Dependencies: []Dependency{{ID: "dep-1", StepID: "export", Type: DependencyExternal, Target: "vendor", Blocking: true}},
		RollbackPlan: RollbackPlan{PointOfNoReturn: "export", TimeWindow: time.Hour, IsRollbackPossible: true},
		Metadata:     map[string]any{"ticket": "T-1"},
		SubmittedAt:  now,
	}
}

func TestCloneSharesNothing(t *testing.T) {
	orig := sampleRequest()
	cp := orig.Clone()
	require.Equal(t, orig, cp)

	cp.Workflow.Steps[0].Payload.(NotificationPayload).Variables["channel"] = "sms"
	cp.Workflow.Steps[1].Status = StepCompleted
	cp.Approvals[0].Status = ApprovalApproved
	*cp.Approvals[0].RequestedAt = time.Time{}
	cp.Dependencies[0].Target = "other"
	cp.Metadata["ticket"] = "T-2"

	assert.Equal(t, "email", orig.Workflow.Steps[0].Payload.(NotificationPayload).Variables["channel"])
	assert.Equal(t, StepPending, orig.Workflow.Steps[1].Status)
	assert.Equal(t, ApprovalPending, orig.Approvals[0].Status)
	assert.False(t, orig.Approvals[0].RequestedAt.IsZero())
	assert.Equal(t, "vendor", orig.Dependencies[0].Target)
	assert.Equal(t, "T-1", orig.Metadata["ticket"])
}

func TestRequestJSONKeepsPayloadTypes(t *testing.T) {
	orig := sampleRequest()
	raw, err := json.Marshal(orig)
	require.NoError(t, err)

	var decoded WorkflowRequest
	require.NoError(t, json.Unmarshal(raw, &decoded))

	require.Len(t, decoded.Workflow.Steps, 3)
	assert.IsType(t, NotificationPayload{}, decoded.Workflow.Steps[0].Payload)
	assert.IsType(t, DataProcessingPayload{}, decoded.Workflow.Steps[1].Payload)
	assert.Equal(t, ManualPayload{AssigneeRole: "ops"}, decoded.Workflow.Steps[2].Payload)
}

func TestDecodePayloadRejectsUnknownType(t *testing.T) {
	_, err := DecodePayload(StepType("teleport"), []byte(`{}`))
	assert.Error(t, err)
}

func TestPointOfNoReturnReached(t *testing.T) {
	req := sampleRequest()
	assert.False(t, req.PointOfNoReturnReached(), "steps before the point do not count")

	req.StepByID("confirm").Status = StepCompleted
	assert.True(t, req.PointOfNoReturnReached())

	req.RollbackPlan.PointOfNoReturn = ""
	assert.False(t, req.PointOfNoReturnReached())
}

func TestRequestLookups(t *testing.T) {
	req := sampleRequest()
	assert.Equal(t, "export", req.NextOpenStep().ID)
	assert.Len(t, req.ApprovalsFor("export"), 1)
	assert.Len(t, req.DependenciesFor("export"), 1)
	assert.Nil(t, req.ApprovalByID("missing"))
	assert.NotNil(t, req.DependencyByID("dep-1"))

	req.CurrentStepID = "confirm"
	assert.Equal(t, StepManual, req.CurrentStep().Type)
}

func TestRecoverError(t *testing.T) {
	err := RecoverError("explode", func() error { panic("boom") })
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeStepExecutionFailed))
	var ge *apperrors.Error
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, "panic in explode: boom", ge.Message)

	want := errors.New("plain")
	assert.Equal(t, want, RecoverError("plain", func() error { return want }))
}
