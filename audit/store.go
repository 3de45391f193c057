package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	orchestrator "github.com/goliatone/go-orchestrator"
)

// MemoryStore keeps audit entries in process.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]orchestrator.AuditEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]orchestrator.AuditEntry)}
}

func (s *MemoryStore) Append(_ context.Context, entry orchestrator.AuditEntry) error {
	if s == nil {
		return errors.New("audit memory store not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.RequestID] = append(s.entries[entry.RequestID], entry)
	return nil
}

func (s *MemoryStore) List(_ context.Context, requestID string) ([]orchestrator.AuditEntry, error) {
	if s == nil {
		return nil, errors.New("audit memory store not configured")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.entries[requestID]
	out := make([]orchestrator.AuditEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// SQLiteStore appends audit entries to a SQLite table.
type SQLiteStore struct {
	db    *sql.DB
	table string

	schemaMu    sync.Mutex
	schemaReady bool
}

// NewSQLiteStore builds a store on db. The table defaults to audit_entries.
func NewSQLiteStore(db *sql.DB, table string) *SQLiteStore {
	if table == "" {
		table = "audit_entries"
	}
	return &SQLiteStore{db: db, table: table}
}

func (s *SQLiteStore) Append(ctx context.Context, entry orchestrator.AuditEntry) error {
	if s == nil || s.db == nil {
		return errors.New("audit sqlite store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, request_id, correlation_id, ts, action, actor, prior_status, new_status, step_id, detail) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	_, err := s.db.ExecContext(ctx, q,
		entry.ID,
		entry.RequestID,
		entry.CorrelationID,
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
		string(entry.Action),
		entry.Actor,
		entry.PriorStatus,
		entry.NewStatus,
		entry.StepID,
		entry.Detail,
	)
	return err
}

func (s *SQLiteStore) List(ctx context.Context, requestID string) ([]orchestrator.AuditEntry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("audit sqlite store not configured")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT id, request_id, correlation_id, ts, action, actor, prior_status, new_status, step_id, detail FROM %s WHERE request_id = ? ORDER BY seq ASC`, s.table)
	rows, err := s.db.QueryContext(ctx, q, strings.TrimSpace(requestID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orchestrator.AuditEntry
	for rows.Next() {
		var (
			entry  orchestrator.AuditEntry
			ts     string
			action string
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.RequestID,
			&entry.CorrelationID,
			&ts,
			&action,
			&entry.Actor,
			&entry.PriorStatus,
			&entry.NewStatus,
			&entry.StepID,
			&entry.Detail,
		); err != nil {
			return nil, err
		}
		entry.Action = orchestrator.AuditAction(action)
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			entry.Timestamp = parsed
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaReady {
		return nil
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		request_id TEXT NOT NULL,
		correlation_id TEXT,
		ts TEXT NOT NULL,
		action TEXT NOT NULL,
		actor TEXT,
		prior_status TEXT,
		new_status TEXT,
		step_id TEXT,
		detail TEXT
	)`, s.table)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return err
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_request_idx ON %s (request_id)`, s.table, s.table)
	if _, err := s.db.ExecContext(ctx, idx); err != nil {
		return err
	}
	s.schemaReady = true
	return nil
}
