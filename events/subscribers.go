package events

import (
	"context"
	"sync"
	"sync/atomic"

	orchestrator "github.com/goliatone/go-orchestrator"
)

// ChannelSubscriber forwards events to a buffered channel. When the buffer
// is full the event is dropped and counted rather than blocking the engine.
type ChannelSubscriber struct {
	ch      chan Event
	dropped atomic.Int64
}

// NewChannelSubscriber creates a subscriber with the given buffer size.
func NewChannelSubscriber(size int) *ChannelSubscriber {
	if size <= 0 {
		size = 64
	}
	return &ChannelSubscriber{ch: make(chan Event, size)}
}

// Handle is the bus handler.
func (c *ChannelSubscriber) Handle(_ context.Context, evt Event) {
	select {
	case c.ch <- evt:
	default:
		c.dropped.Add(1)
	}
}

// C returns the receive channel.
func (c *ChannelSubscriber) C() <-chan Event { return c.ch }

// Dropped returns how many events were discarded.
func (c *ChannelSubscriber) Dropped() int64 { return c.dropped.Load() }

// LoggingSubscriber writes one log line per event.
func LoggingSubscriber(logger orchestrator.Logger) Handler {
	logger = orchestrator.NormalizeLogger(logger)
	return func(ctx context.Context, evt Event) {
		fields := map[string]any{
			"event":      string(evt.Name),
			"request_id": evt.RequestID,
		}
		if evt.StepID != "" {
			fields["step_id"] = evt.StepID
		}
		l := orchestrator.WithLoggerFields(logger.WithContext(ctx), fields)
		switch evt.Name {
		case Failed, StepFailed, StepEscalated:
			l.Warn("%s request=%s step=%s %s", evt.Name, evt.RequestID, evt.StepID, evt.Detail)
		default:
			l.Info("%s request=%s status=%s", evt.Name, evt.RequestID, evt.Status)
		}
	}
}

// Collector keeps every event it receives. Useful for tests and audit
// export.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *Collector) Handle(_ context.Context, evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

// Publish lets a Collector be used directly as a Sink.
func (c *Collector) Publish(ctx context.Context, evt Event) { c.Handle(ctx, evt) }

// Events returns a copy of the received events.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// Names returns the received event names in order.
func (c *Collector) Names() []Name {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Name, len(c.events))
	for i, evt := range c.events {
		out[i] = evt.Name
	}
	return out
}

// Count returns how many events named name were received.
func (c *Collector) Count(name Name) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, evt := range c.events {
		if evt.Name == name {
			n++
		}
	}
	return n
}
