package events

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	orchestrator "github.com/goliatone/go-orchestrator"
)

// Handler receives events from a Bus.
type Handler func(ctx context.Context, evt Event)

const allEvents Name = "*"

type handlerEntry struct {
	fn Handler
}

// Bus fans events out to subscribers synchronously, in subscription order.
// A panicking subscriber is logged and skipped.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Name][]*handlerEntry
	logger   orchestrator.Logger
	clock    clock.Clock
	onPanic  func(funcName string, fields ...map[string]any)
}

// Option configures a Bus.
type Option func(*Bus)

func WithLogger(l orchestrator.Logger) Option {
	return func(b *Bus) {
		b.logger = orchestrator.NormalizeLogger(l)
	}
}

// WithClock sets the clock used to stamp events lacking a timestamp.
func WithClock(c clock.Clock) Option {
	return func(b *Bus) {
		if c != nil {
			b.clock = c
		}
	}
}

// NewBus builds an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		handlers: make(map[Name][]*handlerEntry),
		logger:   orchestrator.NewFmtLogger(nil),
		clock:    clock.New(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.onPanic = orchestrator.MakePanicHandler(orchestrator.LoggerPanicHandler(b.logger))
	return b
}

// Subscribe registers fn for events named name.
func (b *Bus) Subscribe(name Name, fn Handler) Subscription {
	entry := &handlerEntry{fn: fn}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], entry)
	return &subs{bus: b, name: name, entry: entry}
}

// SubscribeAll registers fn for every event.
func (b *Bus) SubscribeAll(fn Handler) Subscription {
	return b.Subscribe(allEvents, fn)
}

// Publish implements Sink.
func (b *Bus) Publish(ctx context.Context, evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = b.clock.Now().UTC()
	}
	b.mu.RLock()
	targets := make([]*handlerEntry, 0, len(b.handlers[evt.Name])+len(b.handlers[allEvents]))
	targets = append(targets, b.handlers[evt.Name]...)
	targets = append(targets, b.handlers[allEvents]...)
	b.mu.RUnlock()

	for _, entry := range targets {
		b.deliver(ctx, entry, evt)
	}
}

func (b *Bus) deliver(ctx context.Context, entry *handlerEntry, evt Event) {
	defer b.onPanic("events.Bus.deliver", map[string]any{
		"event":      string(evt.Name),
		"request_id": evt.RequestID,
	})
	entry.fn(ctx, evt)
}

// Len returns the number of subscribers for name, excluding catch-all ones.
func (b *Bus) Len(name Name) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[name])
}
