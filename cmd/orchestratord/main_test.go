package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	orchestrator "github.com/goliatone/go-orchestrator"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), args, &out, io.Discard)
	return out.String(), err
}

func sqliteArgs(t *testing.T) []string {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "orchestrator.db")
	return []string{"--driver", "sqlite", "--dsn", dsn}
}

func TestTemplatesValidateBundled(t *testing.T) {
	out, err := runCLI(t, "templates", "validate", "../../templates/default.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "default.yaml: 4 templates ok")
}

func TestTemplatesValidateRejectsBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
templates:
  - name: broken
    process_type: broken
    steps:
      - id: second
        type: manual
        depends_on: [missing]
`), 0o600))

	out, err := runCLI(t, "templates", "validate", path)
	require.Error(t, err)
	assert.True(t, orchestrator.HasCode(err, orchestrator.ErrCodeInvalidDefinition))
	assert.Contains(t, out, "broken.yaml:")
}

func TestTemplatesList(t *testing.T) {
	out, err := runCLI(t, "templates", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "account_closure")
	assert.Contains(t, out, "data_subject_request/emergency")
}

func TestOneShotNeedsPersistentStore(t *testing.T) {
	_, err := runCLI(t, "status", "req-1")
	require.Error(t, err)
	assert.True(t, orchestrator.HasCode(err, orchestrator.ErrCodeInvalidRequest))
}

func TestSubmitStatusAuditAgainstSQLite(t *testing.T) {
	base := sqliteArgs(t)

	out, err := runCLI(t, append(base, "submit",
		"--subject", "acct-1",
		"--process-type", "account_closure",
		"--reason", "customer_request",
		"--json")...)
	require.NoError(t, err)

	var req orchestrator.WorkflowRequest
	require.NoError(t, json.Unmarshal([]byte(out), &req))
	require.NotEmpty(t, req.ID)
	assert.Equal(t, orchestrator.StatusInProgress, req.Status)
	assert.Equal(t, "verify_identity", req.CurrentStepID)

	out, err = runCLI(t, append(base, "status", req.ID)...)
	require.NoError(t, err)
	assert.Contains(t, out, "status:    in_progress")
	assert.Contains(t, out, "verify_identity")

	_, err = runCLI(t, append(base, "submit",
		"--subject", "acct-1",
		"--process-type", "account_closure",
		"--reason", "customer_request")...)
	require.Error(t, err)
	assert.True(t, orchestrator.IsDuplicateRequest(err))

	out, err = runCLI(t, append(base, "audit", req.ID)...)
	require.NoError(t, err)
	assert.Contains(t, out, "submitted")
	assert.Contains(t, out, "requested->in_progress")

	out, err = runCLI(t, append(base, "list", "--active")...)
	require.NoError(t, err)
	assert.Contains(t, out, req.ID)

	out, err = runCLI(t, append(base, "cancel", req.ID, "--reason", "customer withdrew")...)
	require.NoError(t, err)
	assert.Contains(t, out, "status:    cancelled")
}

func TestSubmitRejectsUnknownReason(t *testing.T) {
	_, err := runCLI(t, append(sqliteArgs(t), "submit",
		"--subject", "acct-9",
		"--process-type", "account_closure",
		"--reason", "boredom")...)
	require.Error(t, err)
	assert.True(t, orchestrator.HasCode(err, orchestrator.ErrCodeInvalidReason))
}

func TestServeStopsOnCancel(t *testing.T) {
	cases := map[string][]string{
		"interval": {"--log-format", "console", "serve", "--concurrency", "2"},
		"cron":     {"--log-level", "debug", "serve", "--tick", "@every 1h"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()

			var out bytes.Buffer
			done := make(chan error, 1)
			go func() { done <- run(ctx, args, &out, io.Discard) }()

			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("serve did not stop")
			}
		})
	}
}

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServeConsoleCronLogsToOutput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	var logs logBuffer
	err := run(ctx, []string{"--log-format", "console", "--log-level", "debug", "serve", "--tick", "@every 1h"}, io.Discard, &logs)
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "cron: ")
}

func TestServeRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: postgres\n"), 0o600))

	_, err := runCLI(t, "--config", path, "serve")
	require.Error(t, err)
	assert.True(t, orchestrator.HasCode(err, orchestrator.ErrCodeInvalidRequest))
}
