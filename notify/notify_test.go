package notify

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orchestrator "github.com/goliatone/go-orchestrator"
)

func TestStaticResolverPrefersTenantEntries(t *testing.T) {
	r := StaticResolver{
		"manager":         {"boss@example.com"},
		"acme/manager":    {"acme-boss@example.com"},
		"compliance_team": {"c1@example.com", "c2@example.com"},
	}
	ctx := context.Background()

	got, err := r.Resolve(ctx, "acme", "manager")
	require.NoError(t, err)
	assert.Equal(t, []string{"acme-boss@example.com"}, got)

	got, err = r.Resolve(ctx, "globex", "manager")
	require.NoError(t, err)
	assert.Equal(t, []string{"boss@example.com"}, got)

	got, err = r.Resolve(ctx, "", "auditor")
	require.NoError(t, err)
	assert.Equal(t, []string{"auditor"}, got)
}

func TestFanoutDeduplicates(t *testing.T) {
	r := StaticResolver{"ops": {"a@x", "b@x"}, "sec": {"b@x", "c@x"}}
	got, err := Fanout(context.Background(), r, "", []string{"ops", "sec"}, []string{"a@x", " "})
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x", "b@x", "c@x"}, got)
}

func TestFanoutPropagatesResolverError(t *testing.T) {
	boom := errors.New("directory down")
	r := ResolverFunc(func(context.Context, string, string) ([]string, error) { return nil, boom })
	_, err := Fanout(context.Background(), r, "", []string{"ops"}, nil)
	assert.ErrorIs(t, err, boom)
}

func TestRecordingNotifier(t *testing.T) {
	n := &RecordingNotifier{}
	ctx := context.Background()
	require.NoError(t, n.Send(ctx, "b", "x@y", nil))
	require.NoError(t, n.Send(ctx, "a", "x@y", map[string]any{"request_id": "r1"}))
	require.NoError(t, n.Send(ctx, "a", "z@y", nil))

	assert.Len(t, n.Messages(), 3)
	assert.Equal(t, []string{"a", "b"}, n.Templates())
	assert.Equal(t, 2, n.Sent("a"))
	assert.Equal(t, "r1", n.Messages()[1].RequestID())

	n.Err = errors.New("smtp down")
	assert.Error(t, n.Send(ctx, "c", "x@y", nil))
	assert.Len(t, n.Messages(), 4)
}

func TestLogNotifier(t *testing.T) {
	var out bytes.Buffer
	n := LogNotifier{Logger: orchestrator.NewFmtLogger(&out)}
	require.NoError(t, n.Send(context.Background(), "welcome", "a@x", map[string]any{"request_id": "r1"}))
	assert.Contains(t, out.String(), "notify template=welcome recipient=a@x")
	assert.Contains(t, out.String(), "request_id=r1")
}
