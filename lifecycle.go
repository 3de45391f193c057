package orchestrator

import (
	"context"

	"github.com/qmuntal/stateless"
)

// transitions is the allowed request status graph. Terminal statuses have
// no exits.
var transitions = map[RequestStatus][]RequestStatus{
	StatusRequested:   {StatusUnderReview, StatusApproved, StatusRejected, StatusInProgress, StatusCancelled},
	StatusUnderReview: {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved:    {StatusInProgress, StatusRejected},
	StatusInProgress:  {StatusPaused, StatusCompleted, StatusFailed, StatusCancelled, StatusRolledBack, StatusRejected},
	StatusPaused:      {StatusInProgress, StatusFailed, StatusRolledBack},
}

// CanTransition reports whether from -> to is an edge of the status graph.
func CanTransition(from, to RequestStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the statuses reachable from status in one step.
func AllowedTransitions(status RequestStatus) []RequestStatus {
	return append([]RequestStatus(nil), transitions[status]...)
}

// newLifecycle builds a state machine whose state lives on req.Status.
// Triggers are the destination statuses themselves.
func newLifecycle(req *WorkflowRequest) *stateless.StateMachine {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(context.Context) (stateless.State, error) {
			return req.Status, nil
		},
		func(_ context.Context, state stateless.State) error {
			req.Status = state.(RequestStatus)
			return nil
		},
		stateless.FiringImmediate,
	)
	for from, targets := range transitions {
		cfg := sm.Configure(from)
		for _, to := range targets {
			cfg.Permit(to, to)
		}
	}
	return sm
}

// Transition moves req to status to, failing with INVALID_TRANSITION when
// the edge is not part of the lifecycle graph.
func Transition(ctx context.Context, req *WorkflowRequest, to RequestStatus) error {
	if req == nil {
		return Errorf(ErrInvalidRequest, "request required")
	}
	from := req.Status
	if !CanTransition(from, to) {
		return NewError(ErrInvalidTransition, "cannot transition from "+string(from)+" to "+string(to), nil, map[string]any{
			"request_id": req.ID,
			"from":       string(from),
			"to":         string(to),
		})
	}
	if err := newLifecycle(req).FireCtx(ctx, to); err != nil {
		return NewError(ErrInvalidTransition, "", err, map[string]any{
			"request_id": req.ID,
			"from":       string(from),
			"to":         string(to),
		})
	}
	return nil
}
