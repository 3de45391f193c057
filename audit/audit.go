package audit

import (
	"context"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	orchestrator "github.com/goliatone/go-orchestrator"
)

// Store persists audit entries outside the request record so they survive
// retention purges.
type Store interface {
	Append(ctx context.Context, entry orchestrator.AuditEntry) error
	List(ctx context.Context, requestID string) ([]orchestrator.AuditEntry, error)
}

type correlationKey struct{}

type deferKey struct{}

// Defer marks ctx so Record keeps entries on the request only. The caller
// hands them to Persist once the request itself is stored.
func Defer(ctx context.Context) context.Context {
	return context.WithValue(ctx, deferKey{}, true)
}

func deferred(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(deferKey{}).(bool)
	return v
}

// WithCorrelationID tags ctx so recorded entries carry id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation id stored on ctx.
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// Recorder stamps and appends audit entries.
type Recorder struct {
	clock  clock.Clock
	store  Store
	logger orchestrator.Logger
	newID  func() string
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock sets the time source used to stamp entries.
func WithClock(c clock.Clock) Option {
	return func(r *Recorder) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithStore forwards every entry to a durable store.
func WithStore(s Store) Option {
	return func(r *Recorder) {
		r.store = s
	}
}

func WithLogger(l orchestrator.Logger) Option {
	return func(r *Recorder) {
		r.logger = orchestrator.NormalizeLogger(l)
	}
}

// WithIDGenerator overrides uuid based entry ids.
func WithIDGenerator(fn func() string) Option {
	return func(r *Recorder) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// NewRecorder builds a Recorder with a wall clock and no durable store.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		clock:  clock.New(),
		logger: orchestrator.NewFmtLogger(nil),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Clock returns the recorder's time source.
func (r *Recorder) Clock() clock.Clock {
	return r.clock
}

// Record completes entry and appends it to req's trail. Store failures are
// logged; the in-request trail is authoritative.
func (r *Recorder) Record(ctx context.Context, req *orchestrator.WorkflowRequest, entry orchestrator.AuditEntry) orchestrator.AuditEntry {
	if entry.ID == "" {
		entry.ID = r.newID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.clock.Now().UTC()
	}
	if req != nil {
		entry.RequestID = req.ID
	}
	if entry.CorrelationID == "" {
		entry.CorrelationID = CorrelationID(ctx)
	}
	if strings.TrimSpace(entry.Actor) == "" {
		entry.Actor = "system"
	}
	if req != nil {
		req.AppendAudit(entry)
		req.UpdatedAt = entry.Timestamp
	}
	if !deferred(ctx) {
		r.append(ctx, entry)
	}
	return entry
}

// Persist writes entries recorded under a Defer context to the store.
func (r *Recorder) Persist(ctx context.Context, entries []orchestrator.AuditEntry) {
	for _, entry := range entries {
		r.append(ctx, entry)
	}
}

func (r *Recorder) append(ctx context.Context, entry orchestrator.AuditEntry) {
	if r.store == nil {
		return
	}
	if err := r.store.Append(ctx, entry); err != nil {
		r.logger.WithContext(ctx).Warn("audit store append failed for request %s action %s: %v", entry.RequestID, entry.Action, err)
	}
}

// Transition moves req to status and records a status_changed entry with
// the prior and new status.
func (r *Recorder) Transition(ctx context.Context, req *orchestrator.WorkflowRequest, to orchestrator.RequestStatus, actor, detail string) error {
	prior := req.Status
	if err := orchestrator.Transition(ctx, req, to); err != nil {
		return err
	}
	now := r.clock.Now().UTC()
	if to.IsTerminal() {
		req.TerminalAt = orchestrator.TimePtr(now)
	}
	r.Record(ctx, req, orchestrator.AuditEntry{
		Action:      orchestrator.AuditStatusChanged,
		Actor:       actor,
		PriorStatus: string(prior),
		NewStatus:   string(to),
		Detail:      detail,
	})
	return nil
}

// Trail returns the durable trail for requestID when a store is configured.
func (r *Recorder) Trail(ctx context.Context, requestID string) ([]orchestrator.AuditEntry, error) {
	if r.store == nil {
		return nil, nil
	}
	return r.store.List(ctx, requestID)
}
