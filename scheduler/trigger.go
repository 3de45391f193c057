package scheduler

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// Trigger calls tick until ctx is done. Implementations must not call tick
// concurrently with itself.
type Trigger interface {
	Run(ctx context.Context, tick func(context.Context)) error
}

// TriggerFunc adapts a function to Trigger.
type TriggerFunc func(ctx context.Context, tick func(context.Context)) error

func (f TriggerFunc) Run(ctx context.Context, tick func(context.Context)) error { return f(ctx, tick) }

// ClockTrigger ticks every Interval on Clock. Tests drive it with a
// clock.Mock.
type ClockTrigger struct {
	Clock    clock.Clock
	Interval time.Duration
}

func (t ClockTrigger) Run(ctx context.Context, tick func(context.Context)) error {
	c := t.Clock
	if c == nil {
		c = clock.New()
	}
	interval := t.Interval
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := c.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// Manual is a Trigger fired by calling Fire. Run returns once ctx is done.
type Manual struct {
	ch chan chan struct{}
}

func NewManual() *Manual {
	return &Manual{ch: make(chan chan struct{})}
}

func (m *Manual) Run(ctx context.Context, tick func(context.Context)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case done := <-m.ch:
			tick(ctx)
			close(done)
		}
	}
}

// Fire runs one tick and waits for it to finish. It returns false if the
// trigger is not running before ctx is done.
func (m *Manual) Fire(ctx context.Context) bool {
	done := make(chan struct{})
	select {
	case m.ch <- done:
	case <-ctx.Done():
		return false
	}
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
