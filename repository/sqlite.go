package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	orchestrator "github.com/goliatone/go-orchestrator"
)

// SQLite persists requests and definitions through database/sql. It is
// written against the modernc.org/sqlite driver.
type SQLite struct {
	db               *sql.DB
	requestTable     string
	definitionsTable string
	clock            clock.Clock

	schemaMu    sync.Mutex
	schemaReady bool
}

// SQLiteOption configures a SQLite store.
type SQLiteOption func(*SQLite)

// WithClock sets the time source used to stamp definitions.
func WithClock(c clock.Clock) SQLiteOption {
	return func(s *SQLite) {
		if c != nil {
			s.clock = c
		}
	}
}

// NewSQLite builds a store on db using table as the request table name.
func NewSQLite(db *sql.DB, table string, opts ...SQLiteOption) *SQLite {
	if table == "" {
		table = "workflow_requests"
	}
	s := &SQLite{
		db:               db,
		requestTable:     table,
		definitionsTable: table + "_definitions",
		clock:            clock.New(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *SQLite) Create(ctx context.Context, req *orchestrator.WorkflowRequest) error {
	id, err := validateRequest(req)
	if err != nil {
		return err
	}
	if err := s.ready(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(1) FROM %s WHERE id = ?`, s.requestTable), id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return alreadyExists(id)
	}

	req.Version = 1
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (id, subject_id, tenant_id, process_type, status, submitted_at, terminal_at, version, body) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.requestTable)
	result, err := tx.ExecContext(ctx, q,
		id,
		req.SubjectID,
		req.TenantID,
		req.ProcessType,
		string(req.Status),
		formatTimestamp(req.SubmittedAt),
		formatOptionalTimestamp(req.TerminalAt),
		req.Version,
		string(body),
	)
	if err != nil {
		return err
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	req.Sequence = uint64(seq)
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*orchestrator.WorkflowRequest, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	id = strings.TrimSpace(id)
	q := fmt.Sprintf(`SELECT seq, version, body FROM %s WHERE id = ?`, s.requestTable)
	req, err := decodeRequestRow(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	return req, err
}

func (s *SQLite) List(ctx context.Context, filter Filter) ([]*orchestrator.WorkflowRequest, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	var (
		where []string
		args  []any
	)
	if filter.SubjectID != "" {
		where = append(where, "subject_id = ?")
		args = append(args, filter.SubjectID)
	}
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.ProcessType != "" {
		where = append(where, "process_type = ?")
		args = append(args, filter.ProcessType)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ",")+")")
	}
	q := fmt.Sprintf(`SELECT seq, version, body FROM %s`, s.requestTable)
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq ASC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*orchestrator.WorkflowRequest
	for rows.Next() {
		req, err := decodeRequestRow(rows)
		if err != nil {
			return nil, err
		}
		// time and activity predicates are checked on the decoded record
		if filter.Matches(req) {
			out = append(out, req)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sortAndLimit(out, filter.Limit), nil
}

func (s *SQLite) Save(ctx context.Context, req *orchestrator.WorkflowRequest) error {
	id, err := validateRequest(req)
	if err != nil {
		return err
	}
	if err := s.ready(ctx); err != nil {
		return err
	}
	expected := req.Version
	next := req.Clone()
	next.Version = expected + 1
	body, err := json.Marshal(next)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET subject_id=?, tenant_id=?, process_type=?, status=?, terminal_at=?, version=?, body=? WHERE id=? AND version=?`, s.requestTable)
	result, err := s.db.ExecContext(ctx, q,
		next.SubjectID,
		next.TenantID,
		next.ProcessType,
		string(next.Status),
		formatOptionalTimestamp(next.TerminalAt),
		next.Version,
		string(body),
		id,
		expected,
	)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		var current int
		err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT version FROM %s WHERE id = ?`, s.requestTable), id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound(id)
		}
		if err != nil {
			return err
		}
		return versionConflict(id, expected, current)
	}
	req.Version = next.Version
	return nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	result, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, s.requestTable), id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return notFound(id)
	}
	return nil
}

func (s *SQLite) SaveDefinition(ctx context.Context, key string, def orchestrator.WorkflowDefinition) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(def)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (key, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET body=excluded.body, updated_at=excluded.updated_at`, s.definitionsTable)
	_, err = s.db.ExecContext(ctx, q, key, string(body), formatTimestamp(s.clock.Now()))
	return err
}

func (s *SQLite) GetDefinition(ctx context.Context, key string) (orchestrator.WorkflowDefinition, bool, error) {
	if err := s.ready(ctx); err != nil {
		return orchestrator.WorkflowDefinition{}, false, err
	}
	var body string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT body FROM %s WHERE key = ?`, s.definitionsTable), key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return orchestrator.WorkflowDefinition{}, false, nil
	}
	if err != nil {
		return orchestrator.WorkflowDefinition{}, false, err
	}
	var def orchestrator.WorkflowDefinition
	if err := json.Unmarshal([]byte(body), &def); err != nil {
		return orchestrator.WorkflowDefinition{}, false, err
	}
	return def, true, nil
}

func (s *SQLite) ListDefinitions(ctx context.Context) (map[string]orchestrator.WorkflowDefinition, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT key, body FROM %s ORDER BY key`, s.definitionsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]orchestrator.WorkflowDefinition)
	for rows.Next() {
		var key, body string
		if err := rows.Scan(&key, &body); err != nil {
			return nil, err
		}
		var def orchestrator.WorkflowDefinition
		if err := json.Unmarshal([]byte(body), &def); err != nil {
			return nil, fmt.Errorf("decode definition %s: %w", key, err)
		}
		out[key] = def
	}
	return out, rows.Err()
}

func (s *SQLite) ready(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite repository not configured")
	}
	// A failed attempt is retried on the next call.
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaReady {
		return nil
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	s.schemaReady = true
	return nil
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	requestDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		subject_id TEXT NOT NULL,
		tenant_id TEXT,
		process_type TEXT NOT NULL,
		status TEXT NOT NULL,
		submitted_at TEXT NOT NULL,
		terminal_at TEXT,
		version INTEGER NOT NULL,
		body TEXT NOT NULL
	)`, s.requestTable)
	if _, err := s.db.ExecContext(ctx, requestDDL); err != nil {
		return err
	}
	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_subject_idx ON %s (subject_id)`, s.requestTable, s.requestTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status_idx ON %s (status)`, s.requestTable, s.requestTable),
	}
	for _, ddl := range indexes {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	definitionDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		body TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`, s.definitionsTable)
	_, err := s.db.ExecContext(ctx, definitionDDL)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func decodeRequestRow(row rowScanner) (*orchestrator.WorkflowRequest, error) {
	var (
		seq     int64
		version int
		body    string
	)
	if err := row.Scan(&seq, &version, &body); err != nil {
		return nil, err
	}
	var req orchestrator.WorkflowRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return nil, err
	}
	req.Sequence = uint64(seq)
	req.Version = version
	return &req, nil
}

func formatTimestamp(value time.Time) string {
	if value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func formatOptionalTimestamp(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTimestamp(*value)
}
