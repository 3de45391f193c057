// Package events carries request lifecycle notifications from the engine to
// decoupled observers.
package events

import (
	"context"
	"time"

	orchestrator "github.com/goliatone/go-orchestrator"
)

// Name identifies a lifecycle event.
type Name string

const (
	RequestSubmitted   Name = "requestSubmitted"
	StepStarted        Name = "stepStarted"
	StepCompleted      Name = "stepCompleted"
	StepFailed         Name = "stepFailed"
	StepRetryScheduled Name = "stepRetryScheduled"
	StepEscalated      Name = "stepEscalated"
	ApprovalRequested  Name = "approvalRequested"
	Approved           Name = "approved"
	Rejected           Name = "rejected"
	Completed          Name = "completed"
	Failed             Name = "failed"
	Cancelled          Name = "cancelled"
	Paused             Name = "paused"
	Resumed            Name = "resumed"
	RolledBack         Name = "rolledBack"
)

// All lists every event name.
var All = []Name{
	RequestSubmitted,
	StepStarted,
	StepCompleted,
	StepFailed,
	StepRetryScheduled,
	StepEscalated,
	ApprovalRequested,
	Approved,
	Rejected,
	Completed,
	Failed,
	Cancelled,
	Paused,
	Resumed,
	RolledBack,
}

// Event is one published notification. Snapshot is a private copy of the
// request taken after the change was persisted.
type Event struct {
	ID        string
	Name      Name
	RequestID string
	StepID    string
	Status    orchestrator.RequestStatus
	Actor     string
	Detail    string
	Duration  time.Duration
	Timestamp time.Time
	Snapshot  *orchestrator.WorkflowRequest
}

// Sink receives published events.
type Sink interface {
	Publish(ctx context.Context, evt Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, evt Event)

func (f SinkFunc) Publish(ctx context.Context, evt Event) { f(ctx, evt) }

// Nop discards events.
var Nop Sink = SinkFunc(func(context.Context, Event) {})

// Buffer collects events emitted while a request is being changed so they
// can be published once the change is saved.
type Buffer struct {
	events []Event
}

// Add queues an event.
func (b *Buffer) Add(evt Event) {
	b.events = append(b.events, evt)
}

// Len returns the number of queued events.
func (b *Buffer) Len() int { return len(b.events) }

// Events returns the queued events.
func (b *Buffer) Events() []Event {
	return append([]Event(nil), b.events...)
}

// Flush publishes queued events to sink, attaching snapshot, and empties
// the buffer.
func (b *Buffer) Flush(ctx context.Context, sink Sink, snapshot *orchestrator.WorkflowRequest) {
	pending := b.events
	b.events = nil
	if sink == nil {
		return
	}
	for _, evt := range pending {
		if snapshot != nil {
			evt.Snapshot = snapshot.Clone()
			if evt.Status == "" {
				evt.Status = snapshot.Status
			}
		}
		sink.Publish(ctx, evt)
	}
}

// Discard drops queued events, e.g. when the save failed.
func (b *Buffer) Discard() {
	b.events = nil
}
