package repository

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	orchestrator "github.com/goliatone/go-orchestrator"
)

var (
	_ Store = (*Memory)(nil)
	_ Store = (*SQLite)(nil)
	_ Store = (*Redis)(nil)
)

var baseTime = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func newRequest(id, subject string, offset time.Duration) *orchestrator.WorkflowRequest {
	return &orchestrator.WorkflowRequest{
		ID:          id,
		SubjectID:   subject,
		TenantID:    "tenant-a",
		ProcessType: "access_revocation",
		Status:      orchestrator.StatusRequested,
		Priority:    orchestrator.PriorityNormal,
		SubmittedAt: baseTime.Add(offset),
		Workflow: orchestrator.WorkflowDefinition{
			Name:        "revoke",
			ProcessType: "access_revocation",
			Steps: []orchestrator.Step{
				{ID: "notify", Type: orchestrator.StepNotification, Status: orchestrator.StepPending, Payload: orchestrator.NotificationPayload{Template: "revocation_notice", Recipients: []string{"ops"}}},
				{ID: "revoke", Type: orchestrator.StepAutomated, Status: orchestrator.StepPending, Dependencies: []string{"notify"}, Payload: orchestrator.AutomatedPayload{Handler: "revoke_access"}},
			},
		},
	}
}

func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	factories := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			db, err := sql.Open("sqlite", ":memory:")
			require.NoError(t, err)
			db.SetMaxOpenConns(1)
			t.Cleanup(func() { _ = db.Close() })
			return NewSQLite(db, "")
		},
	}
	if addr := os.Getenv("ORCHESTRATOR_REDIS_ADDR"); addr != "" {
		factories["redis"] = func(t *testing.T) Store {
			client := redis.NewClient(&redis.Options{Addr: addr})
			prefix := "orchestrator-test:" + t.Name() + ":"
			t.Cleanup(func() {
				keys, _ := client.Keys(context.Background(), prefix+"*").Result()
				if len(keys) > 0 {
					client.Del(context.Background(), keys...)
				}
				_ = client.Close()
			})
			return NewRedis(client, prefix)
		}
	}
	return factories
}

func TestStoreCreateGetAndPayloadRoundTrip(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			req := newRequest("r1", "user-1", 0)

			require.NoError(t, store.Create(ctx, req))
			assert.Equal(t, 1, req.Version)
			assert.NotZero(t, req.Sequence)

			got, err := store.Get(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, "user-1", got.SubjectID)
			assert.Equal(t, 1, got.Version)
			require.Len(t, got.Workflow.Steps, 2)
			payload, ok := got.Workflow.Steps[0].Payload.(orchestrator.NotificationPayload)
			require.True(t, ok, "payload type lost: %T", got.Workflow.Steps[0].Payload)
			assert.Equal(t, "revocation_notice", payload.Template)

			err = store.Create(ctx, newRequest("r1", "user-1", 0))
			require.Error(t, err)
		})
	}
}

func TestStoreGetMissingReturnsNotFound(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			_, err := factory(t).Get(context.Background(), "missing")
			require.Error(t, err)
			assert.True(t, orchestrator.IsNotFound(err))
		})
	}
}

func TestStoreSaveDetectsVersionConflict(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			require.NoError(t, store.Create(ctx, newRequest("r1", "user-1", 0)))

			first, err := store.Get(ctx, "r1")
			require.NoError(t, err)
			second, err := store.Get(ctx, "r1")
			require.NoError(t, err)

			first.Status = orchestrator.StatusInProgress
			require.NoError(t, store.Save(ctx, first))
			assert.Equal(t, 2, first.Version)

			second.Status = orchestrator.StatusCancelled
			err = store.Save(ctx, second)
			require.Error(t, err)
			assert.True(t, orchestrator.IsVersionConflict(err))

			got, err := store.Get(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, orchestrator.StatusInProgress, got.Status)
		})
	}
}

func TestStoreListFiltersAndOrdersBySequence(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			require.NoError(t, store.Create(ctx, newRequest("r1", "user-1", 0)))
			require.NoError(t, store.Create(ctx, newRequest("r2", "user-2", time.Minute)))
			require.NoError(t, store.Create(ctx, newRequest("r3", "user-1", 2*time.Minute)))

			done, err := store.Get(ctx, "r3")
			require.NoError(t, err)
			done.Status = orchestrator.StatusInProgress
			require.NoError(t, store.Save(ctx, done))
			done.Status = orchestrator.StatusCompleted
			done.TerminalAt = orchestrator.TimePtr(baseTime.Add(time.Hour))
			require.NoError(t, store.Save(ctx, done))

			all, err := store.List(ctx, Filter{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, []string{"r1", "r2", "r3"}, ids(all))

			subject, err := store.List(ctx, Filter{SubjectID: "user-1", ActiveOnly: true})
			require.NoError(t, err)
			assert.Equal(t, []string{"r1"}, ids(subject))

			terminal, err := store.List(ctx, Filter{TerminalBefore: baseTime.Add(2 * time.Hour)})
			require.NoError(t, err)
			assert.Equal(t, []string{"r3"}, ids(terminal))

			limited, err := store.List(ctx, Filter{Statuses: []orchestrator.RequestStatus{orchestrator.StatusRequested}, Limit: 1})
			require.NoError(t, err)
			assert.Equal(t, []string{"r1"}, ids(limited))
		})
	}
}

func TestStoreDelete(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			require.NoError(t, store.Create(ctx, newRequest("r1", "user-1", 0)))
			require.NoError(t, store.Delete(ctx, "r1"))
			_, err := store.Get(ctx, "r1")
			assert.True(t, orchestrator.IsNotFound(err))
			assert.True(t, orchestrator.IsNotFound(store.Delete(ctx, "r1")))
		})
	}
}

func TestStoreDefinitions(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory(t)
			ctx := context.Background()
			def := newRequest("x", "y", 0).Workflow

			_, ok, err := store.GetDefinition(ctx, "access_revocation/*")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, store.SaveDefinition(ctx, "access_revocation/*", def))
			got, ok, err := store.GetDefinition(ctx, "access_revocation/*")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "revoke", got.Name)
			assert.IsType(t, orchestrator.AutomatedPayload{}, got.Steps[1].Payload)

			all, err := store.ListDefinitions(ctx)
			require.NoError(t, err)
			assert.Len(t, all, 1)
		})
	}
}

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteSchemaRetriesAfterCanceledContext(t *testing.T) {
	store := NewSQLite(openSQLite(t), "")

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := store.Get(canceled, "r1")
	require.ErrorIs(t, err, context.Canceled)

	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newRequest("r1", "user-1", 0)))
	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.SubjectID)
}

func TestSQLiteStampsDefinitionsWithClock(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(baseTime)
	db := openSQLite(t)
	store := NewSQLite(db, "", WithClock(mock))
	ctx := context.Background()

	require.NoError(t, store.SaveDefinition(ctx, "access_revocation/*", newRequest("x", "y", 0).Workflow))

	var stamped string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT updated_at FROM workflow_requests_definitions WHERE key = ?`, "access_revocation/*").Scan(&stamped))
	assert.Equal(t, baseTime.Format(time.RFC3339Nano), stamped)
}

func TestMemoryIsolatesCallerMutations(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	req := newRequest("r1", "user-1", 0)
	require.NoError(t, store.Create(ctx, req))

	req.Workflow.Steps[0].Status = orchestrator.StepCompleted
	got, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StepPending, got.Workflow.Steps[0].Status)

	got.Workflow.Steps[1].Dependencies[0] = "mutated"
	again, err := store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "notify", again.Workflow.Steps[1].Dependencies[0])
}

func ids(items []*orchestrator.WorkflowRequest) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.ID
	}
	return out
}
