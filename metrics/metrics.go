// Package metrics exposes engine activity as Prometheus metrics.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/goliatone/go-orchestrator/events"
)

const namespace = "orchestrator"

// Collector turns bus events into Prometheus series. It also implements the
// executor's action recorder contract.
type Collector struct {
	events         *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec
	actionDuration *prometheus.HistogramVec
	actionResults  *prometheus.CounterVec
	active         prometheus.Gauge

	mu       sync.Mutex
	activeID map[string]struct{}
}

// New creates a Collector and registers it with reg. A nil reg registers
// nothing, which is handy in tests that only read values.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Lifecycle events published, by event name.",
		}, []string{"event"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of step attempts, by outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"outcome"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Duration of step actions, by action type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		actionResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_results_total",
			Help:      "Step action results, by action type and result.",
		}, []string{"action", "result"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Requests submitted and not yet terminal.",
		}),
		activeID: make(map[string]struct{}),
	}
	if reg != nil {
		for _, col := range []prometheus.Collector{c.events, c.stepDuration, c.actionDuration, c.actionResults, c.active} {
			if err := reg.Register(col); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

// MustNew is New that panics on registration errors.
func MustNew(reg prometheus.Registerer) *Collector {
	c, err := New(reg)
	if err != nil {
		panic(err)
	}
	return c
}

// Attach subscribes the collector to every event on bus.
func (c *Collector) Attach(bus *events.Bus) events.Subscription {
	return bus.SubscribeAll(c.Handle)
}

// Handle is the bus handler.
func (c *Collector) Handle(_ context.Context, evt events.Event) {
	c.events.WithLabelValues(string(evt.Name)).Inc()

	switch evt.Name {
	case events.StepCompleted:
		c.stepDuration.WithLabelValues("completed").Observe(evt.Duration.Seconds())
	case events.StepFailed:
		c.stepDuration.WithLabelValues("failed").Observe(evt.Duration.Seconds())
	case events.RequestSubmitted:
		c.track(evt.RequestID, true)
	case events.Completed, events.Failed, events.Cancelled, events.Rejected, events.RolledBack:
		c.track(evt.RequestID, false)
	}
}

// Seed sets the active set, used after recovering from the repository.
func (c *Collector) Seed(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeID = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		c.activeID[id] = struct{}{}
	}
	c.active.Set(float64(len(c.activeID)))
}

func (c *Collector) track(id string, add bool) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if add {
		c.activeID[id] = struct{}{}
	} else {
		delete(c.activeID, id)
	}
	c.active.Set(float64(len(c.activeID)))
}

func (c *Collector) RecordDuration(action string, d time.Duration) {
	c.actionDuration.WithLabelValues(action).Observe(d.Seconds())
}

func (c *Collector) RecordError(action string) {
	c.actionResults.WithLabelValues(action, "error").Inc()
}

func (c *Collector) RecordSuccess(action string) {
	c.actionResults.WithLabelValues(action, "success").Inc()
}
