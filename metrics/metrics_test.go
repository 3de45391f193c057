package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-orchestrator/events"
)

func TestCollectorCountsEventsAndActive(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg)
	require.NoError(t, err)

	bus := events.NewBus()
	c.Attach(bus)

	ctx := context.Background()
	bus.Publish(ctx, events.Event{Name: events.RequestSubmitted, RequestID: "r1"})
	bus.Publish(ctx, events.Event{Name: events.RequestSubmitted, RequestID: "r2"})
	bus.Publish(ctx, events.Event{Name: events.StepCompleted, RequestID: "r1", Duration: 2 * time.Second})
	bus.Publish(ctx, events.Event{Name: events.Completed, RequestID: "r1"})
	// a second terminal event for the same request must not go negative
	bus.Publish(ctx, events.Event{Name: events.RolledBack, RequestID: "r1"})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.events.WithLabelValues("requestSubmitted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.events.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.active))
	assert.Equal(t, 1, testutil.CollectAndCount(c.stepDuration))
}

func TestCollectorActionRecorder(t *testing.T) {
	c := MustNew(nil)
	c.RecordSuccess("close_account")
	c.RecordSuccess("close_account")
	c.RecordError("close_account")
	c.RecordDuration("close_account", 150*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.actionResults.WithLabelValues("close_account", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.actionResults.WithLabelValues("close_account", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.actionDuration))
}

func TestCollectorSeed(t *testing.T) {
	c := MustNew(nil)
	c.Seed([]string{"a", "b", "c"})
	assert.Equal(t, 3.0, testutil.ToFloat64(c.active))

	c.Handle(context.Background(), events.Event{Name: events.Cancelled, RequestID: "b"})
	assert.Equal(t, 2.0, testutil.ToFloat64(c.active))
}

func TestNewRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}
