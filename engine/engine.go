// Package engine is the entry point of the orchestrator. It owns the
// per-request locks and the working set, and routes every change through
// the repository before publishing events.
package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	orchestrator "github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/audit"
	"github.com/goliatone/go-orchestrator/events"
	"github.com/goliatone/go-orchestrator/executor"
	"github.com/goliatone/go-orchestrator/registry"
	"github.com/goliatone/go-orchestrator/repository"
	"github.com/goliatone/go-orchestrator/rollback"
)

// Engine coordinates submission, gating, execution and rollback.
type Engine struct {
	repo     repository.Repository
	registry *registry.Registry
	builder  *registry.Builder
	recorder *audit.Recorder
	executor *executor.Executor
	rollback *rollback.Manager
	sink     events.Sink
	clock    clock.Clock
	logger   orchestrator.Logger

	requests *keyLocker
	subjects *keyLocker

	mu      sync.RWMutex
	working map[string]tracked
}

// tracked is the working set view of a request. Terminal requests stay
// until purged.
type tracked struct {
	status     orchestrator.RequestStatus
	terminalAt *time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithRepository(r repository.Repository) Option {
	return func(e *Engine) {
		if r != nil {
			e.repo = r
		}
	}
}

func WithRecorder(r *audit.Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

func WithExecutor(x *executor.Executor) Option {
	return func(e *Engine) {
		if x != nil {
			e.executor = x
		}
	}
}

func WithRollbackManager(m *rollback.Manager) Option {
	return func(e *Engine) {
		if m != nil {
			e.rollback = m
		}
	}
}

func WithBuilder(b *registry.Builder) Option {
	return func(e *Engine) {
		if b != nil {
			e.builder = b
		}
	}
}

// WithSink sets where events go after a change is saved.
func WithSink(s events.Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sink = s
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

func WithLogger(l orchestrator.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an Engine resolving definitions from reg. Missing
// collaborators default to in-memory ones sharing the engine clock.
func New(reg *registry.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry: reg,
		requests: newKeyLocker(),
		subjects: newKeyLocker(),
		working:  make(map[string]tracked),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = orchestrator.NormalizeLogger(e.logger)
	if e.registry == nil {
		e.registry = registry.New(registry.WithLogger(e.logger))
	}
	if e.clock == nil {
		if e.recorder != nil {
			e.clock = e.recorder.Clock()
		} else {
			e.clock = clock.New()
		}
	}
	if e.recorder == nil {
		e.recorder = audit.NewRecorder(audit.WithClock(e.clock), audit.WithLogger(e.logger))
	}
	if e.repo == nil {
		e.repo = repository.NewMemory()
	}
	if e.builder == nil {
		e.builder = registry.NewBuilder(nil)
	}
	if e.executor == nil {
		e.executor = executor.New(e.recorder, executor.WithClock(e.clock), executor.WithLogger(e.logger))
	}
	if e.rollback == nil {
		e.rollback = rollback.New(e.recorder, e.executor, rollback.WithLogger(e.logger))
	}
	if e.sink == nil {
		e.sink = events.Nop
	}
	return e
}

// Executor exposes the step executor so callers can register actions.
func (e *Engine) Executor() *executor.Executor { return e.executor }

// Registry returns the definition registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

func (e *Engine) now() time.Time { return e.clock.Now().UTC() }

// Submit creates a request for sub. It fails with DUPLICATE_REQUEST when the
// subject already has a non-terminal request.
func (e *Engine) Submit(ctx context.Context, sub registry.Submission) (*orchestrator.WorkflowRequest, error) {
	sub.SubjectID = strings.TrimSpace(sub.SubjectID)
	sub.ProcessType = strings.TrimSpace(sub.ProcessType)
	if sub.SubjectID == "" {
		return nil, orchestrator.Errorf(orchestrator.ErrInvalidRequest, "subject id required")
	}
	if sub.ProcessType == "" {
		return nil, orchestrator.Errorf(orchestrator.ErrInvalidRequest, "process type required")
	}

	unlockSubject := e.subjects.Lock(sub.SubjectID)
	defer unlockSubject()

	existing, err := e.repo.List(ctx, repository.Filter{SubjectID: sub.SubjectID, ActiveOnly: true, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, orchestrator.NewError(orchestrator.ErrDuplicateRequest, "", nil, map[string]any{
			"subject_id":          sub.SubjectID,
			"existing_request_id": existing[0].ID,
			"existing_status":     string(existing[0].Status),
		})
	}

	def, err := e.registry.Resolve(sub.ProcessType, sub.Urgency)
	if err != nil {
		return nil, err
	}
	if !def.AllowsReason(sub.Reason) {
		return nil, orchestrator.NewError(orchestrator.ErrInvalidReason, "", nil, map[string]any{
			"process_type":    sub.ProcessType,
			"reason":          sub.Reason,
			"allowed_reasons": def.AllowedReasons,
		})
	}

	// Nothing reaches the audit store, the working set or subscribers until
	// the activated request is stored.
	req := e.builder.Build(def, sub, e.now())
	pending := audit.Defer(ctx)
	e.recorder.Record(pending, req, orchestrator.AuditEntry{
		Action:    orchestrator.AuditSubmitted,
		Actor:     sub.SubmittedBy,
		NewStatus: string(req.Status),
		Detail:    sub.Reason,
	})

	unlock := e.requests.Lock(req.ID)
	defer unlock()

	buf := &events.Buffer{}
	buf.Add(events.Event{Name: events.RequestSubmitted, RequestID: req.ID, Actor: sub.SubmittedBy, Detail: sub.Reason})
	if _, err := e.executor.Activate(pending, req, buf); err != nil {
		buf.Discard()
		return nil, err
	}
	if err := e.repo.Create(ctx, req); err != nil {
		buf.Discard()
		return nil, err
	}
	e.recorder.Persist(ctx, req.AuditTrail)
	e.track(req)
	e.flush(ctx, req, buf)

	orchestrator.WithLoggerFields(e.logger.WithContext(ctx), map[string]any{
		"request_id":   req.ID,
		"subject_id":   req.SubjectID,
		"process_type": req.ProcessType,
		"priority":     req.Priority.String(),
	}).Info("workflow request submitted, status %s", req.Status)
	return req.Clone(), nil
}

// Get returns a copy of the request.
func (e *Engine) Get(ctx context.Context, id string) (*orchestrator.WorkflowRequest, error) {
	return e.repo.Get(ctx, id)
}

// List returns requests matching filter.
func (e *Engine) List(ctx context.Context, filter repository.Filter) ([]*orchestrator.WorkflowRequest, error) {
	return e.repo.List(ctx, filter)
}

// AuditTrail returns the request's audit entries in append order. The
// durable audit store is preferred when one is configured.
func (e *Engine) AuditTrail(ctx context.Context, id string) ([]orchestrator.AuditEntry, error) {
	trail, err := e.recorder.Trail(ctx, id)
	if err == nil && len(trail) > 0 {
		return trail, nil
	}
	req, gerr := e.repo.Get(ctx, id)
	if gerr != nil {
		if err != nil {
			return nil, err
		}
		return nil, gerr
	}
	return req.AuditTrail, nil
}

// Approve records a positive decision on approvalID and starts the request
// when that was the last thing it waited for.
func (e *Engine) Approve(ctx context.Context, requestID, approvalID, actor, comment string) (*orchestrator.WorkflowRequest, error) {
	return e.mutate(ctx, requestID, func(req *orchestrator.WorkflowRequest, buf *events.Buffer) (bool, error) {
		appr, err := e.pendingApproval(req, approvalID)
		if err != nil {
			return false, err
		}
		now := e.now()
		appr.Status = orchestrator.ApprovalApproved
		appr.DecidedAt = orchestrator.TimePtr(now)
		appr.DecidedBy = actor
		appr.Comment = comment
		e.recorder.Record(ctx, req, orchestrator.AuditEntry{
			Action: orchestrator.AuditApproved,
			Actor:  actor,
			StepID: appr.StepID,
			Detail: approvalDetail(appr, comment),
		})
		buf.Add(events.Event{Name: events.Approved, RequestID: req.ID, StepID: appr.StepID, Actor: actor, Detail: appr.ApproverRole})
		if _, err := e.executor.Activate(ctx, req, buf); err != nil {
			return true, err
		}
		return true, nil
	})
}

// Reject records a negative decision on approvalID. Rejecting a required
// approval moves the request to Rejected; an optional one is only marked.
func (e *Engine) Reject(ctx context.Context, requestID, approvalID, actor, comment string) (*orchestrator.WorkflowRequest, error) {
	return e.mutate(ctx, requestID, func(req *orchestrator.WorkflowRequest, buf *events.Buffer) (bool, error) {
		appr, err := e.pendingApproval(req, approvalID)
		if err != nil {
			return false, err
		}
		if appr.Required && !orchestrator.CanTransition(req.Status, orchestrator.StatusRejected) {
			return false, orchestrator.NewError(orchestrator.ErrInvalidTransition, "request in status "+string(req.Status)+" cannot be rejected", nil, map[string]any{
				"request_id": req.ID,
				"status":     string(req.Status),
			})
		}
		appr.Status = orchestrator.ApprovalRejected
		appr.DecidedAt = orchestrator.TimePtr(e.now())
		appr.DecidedBy = actor
		appr.Comment = comment
		e.recorder.Record(ctx, req, orchestrator.AuditEntry{
			Action: orchestrator.AuditRejected,
			Actor:  actor,
			StepID: appr.StepID,
			Detail: approvalDetail(appr, comment),
		})
		if !appr.Required {
			return true, nil
		}
		if err := e.recorder.Transition(ctx, req, orchestrator.StatusRejected, actor, comment); err != nil {
			return false, err
		}
		buf.Add(events.Event{Name: events.Rejected, RequestID: req.ID, StepID: appr.StepID, Actor: actor, Detail: comment})
		return true, nil
	})
}

func (e *Engine) pendingApproval(req *orchestrator.WorkflowRequest, approvalID string) (*orchestrator.ApprovalRequirement, error) {
	appr := req.ApprovalByID(approvalID)
	if appr == nil {
		return nil, orchestrator.NewError(orchestrator.ErrApprovalNotFound, "", nil, map[string]any{
			"request_id":  req.ID,
			"approval_id": approvalID,
		})
	}
	if req.Status.IsTerminal() {
		return nil, orchestrator.NewError(orchestrator.ErrInvalidTransition, "request is "+string(req.Status), nil, map[string]any{
			"request_id":  req.ID,
			"approval_id": approvalID,
		})
	}
	if appr.Status == orchestrator.ApprovalApproved || appr.Status == orchestrator.ApprovalRejected {
		return nil, orchestrator.NewError(orchestrator.ErrInvalidTransition, "approval already "+string(appr.Status), nil, map[string]any{
			"request_id":  req.ID,
			"approval_id": approvalID,
		})
	}
	return appr, nil
}

func approvalDetail(appr *orchestrator.ApprovalRequirement, comment string) string {
	if comment == "" {
		return appr.ApproverRole
	}
	return appr.ApproverRole + ": " + comment
}

// ResolveDependency marks an external dependency resolved.
func (e *Engine) ResolveDependency(ctx context.Context, requestID, dependencyID, actor string) (*orchestrator.WorkflowRequest, error) {
	return e.mutate(ctx, requestID, func(req *orchestrator.WorkflowRequest, buf *events.Buffer) (bool, error) {
		dep := req.DependencyByID(dependencyID)
		if dep == nil {
			return false, orchestrator.NewError(orchestrator.ErrDependencyNotFound, "", nil, map[string]any{
				"request_id":    req.ID,
				"dependency_id": dependencyID,
			})
		}
		if req.Status.IsTerminal() {
			return false, orchestrator.NewError(orchestrator.ErrInvalidTransition, "request is "+string(req.Status), nil, map[string]any{
				"request_id": req.ID,
			})
		}
		if dep.Status == orchestrator.DependencyResolved {
			return false, nil
		}
		dep.Status = orchestrator.DependencyResolved
		dep.ResolvedAt = orchestrator.TimePtr(e.now())
		dep.ResolvedBy = actor
		e.recorder.Record(ctx, req, orchestrator.AuditEntry{
			Action: orchestrator.AuditDependencyResolved,
			Actor:  actor,
			StepID: dep.StepID,
			Detail: string(dep.Type) + ":" + dep.Target,
		})
		if _, err := e.executor.Activate(ctx, req, buf); err != nil {
			return true, err
		}
		return true, nil
	})
}

// CompleteManualStep finishes a manual step that is waiting on a person.
func (e *Engine) CompleteManualStep(ctx context.Context, requestID, stepID, actor string, output map[string]any) (*orchestrator.WorkflowRequest, error) {
	return e.mutate(ctx, requestID, func(req *orchestrator.WorkflowRequest, buf *events.Buffer) (bool, error) {
		if err := e.executor.CompleteManual(ctx, req, stepID, actor, output, buf); err != nil {
			return false, err
		}
		return true, nil
	})
}

// Cancel stops a request that has not passed its point of no return. The
// check runs under the same lock the executor holds while advancing.
func (e *Engine) Cancel(ctx context.Context, requestID, actor, reason string) (*orchestrator.WorkflowRequest, error) {
	return e.mutate(ctx, requestID, func(req *orchestrator.WorkflowRequest, buf *events.Buffer) (bool, error) {
		meta := map[string]any{"request_id": req.ID, "status": string(req.Status)}
		switch req.Status {
		case orchestrator.StatusRequested, orchestrator.StatusUnderReview, orchestrator.StatusInProgress:
		default:
			return false, orchestrator.NewError(orchestrator.ErrCancellationNotAllowed, "request in status "+string(req.Status)+" cannot be cancelled", nil, meta)
		}
		if req.PointOfNoReturnReached() {
			meta["point_of_no_return"] = req.RollbackPlan.PointOfNoReturn
			return false, orchestrator.NewError(orchestrator.ErrCancellationNotAllowed, "point of no return "+req.RollbackPlan.PointOfNoReturn+" already completed", nil, meta)
		}
		e.recorder.Record(ctx, req, orchestrator.AuditEntry{
			Action: orchestrator.AuditCancelled,
			Actor:  actor,
			Detail: reason,
		})
		if err := e.recorder.Transition(ctx, req, orchestrator.StatusCancelled, actor, reason); err != nil {
			return false, err
		}
		buf.Add(events.Event{Name: events.Cancelled, RequestID: req.ID, Actor: actor, Detail: reason})
		return true, nil
	})
}

// Pause stops the scheduler from advancing an InProgress request.
func (e *Engine) Pause(ctx context.Context, requestID, actor, reason string) (*orchestrator.WorkflowRequest, error) {
	return e.mutate(ctx, requestID, func(req *orchestrator.WorkflowRequest, buf *events.Buffer) (bool, error) {
		if req.Status != orchestrator.StatusInProgress {
			return false, invalidStatus(req, "paused")
		}
		if err := e.recorder.Transition(ctx, req, orchestrator.StatusPaused, actor, reason); err != nil {
			return false, err
		}
		e.recorder.Record(ctx, req, orchestrator.AuditEntry{Action: orchestrator.AuditPaused, Actor: actor, Detail: reason})
		buf.Add(events.Event{Name: events.Paused, RequestID: req.ID, Actor: actor, Detail: reason})
		return true, nil
	})
}

// Resume puts a paused request back in the scheduler queue.
func (e *Engine) Resume(ctx context.Context, requestID, actor string) (*orchestrator.WorkflowRequest, error) {
	return e.mutate(ctx, requestID, func(req *orchestrator.WorkflowRequest, buf *events.Buffer) (bool, error) {
		if req.Status != orchestrator.StatusPaused {
			return false, invalidStatus(req, "resumed")
		}
		if err := e.recorder.Transition(ctx, req, orchestrator.StatusInProgress, actor, "resumed"); err != nil {
			return false, err
		}
		e.recorder.Record(ctx, req, orchestrator.AuditEntry{Action: orchestrator.AuditResumed, Actor: actor})
		buf.Add(events.Event{Name: events.Resumed, RequestID: req.ID, Actor: actor})
		return true, nil
	})
}

func invalidStatus(req *orchestrator.WorkflowRequest, verb string) error {
	return orchestrator.NewError(orchestrator.ErrInvalidTransition, "request in status "+string(req.Status)+" cannot be "+verb, nil, map[string]any{
		"request_id": req.ID,
		"status":     string(req.Status),
	})
}

// Rollback runs the request's rollback plan. A partial rollback is saved and
// returned as PARTIAL_ROLLBACK.
func (e *Engine) Rollback(ctx context.Context, requestID, reason, actor string) (*orchestrator.WorkflowRequest, error) {
	return e.mutate(ctx, requestID, func(req *orchestrator.WorkflowRequest, buf *events.Buffer) (bool, error) {
		err := e.rollback.Execute(ctx, req, reason, actor, buf)
		if err != nil && !orchestrator.IsPartialRollback(err) {
			return false, err
		}
		return true, err
	})
}

// Advance runs the executor on one request. Requests that are not
// InProgress are left alone.
func (e *Engine) Advance(ctx context.Context, requestID string) error {
	_, err := e.mutate(ctx, requestID, func(req *orchestrator.WorkflowRequest, buf *events.Buffer) (bool, error) {
		out := e.executor.Advance(ctx, req, buf)
		return out.Changed(), out.Err
	})
	return err
}

// Eligible returns snapshots of InProgress requests in the working set that
// have something to do now.
func (e *Engine) Eligible(ctx context.Context) ([]*orchestrator.WorkflowRequest, error) {
	e.mu.RLock()
	ids := make([]string, 0, len(e.working))
	for id, t := range e.working {
		if t.status == orchestrator.StatusInProgress {
			ids = append(ids, id)
		}
	}
	e.mu.RUnlock()
	sort.Strings(ids)

	out := make([]*orchestrator.WorkflowRequest, 0, len(ids))
	for _, id := range ids {
		req, err := e.repo.Get(ctx, id)
		if err != nil {
			if orchestrator.IsNotFound(err) {
				e.untrack(id)
				continue
			}
			return nil, err
		}
		if e.executor.Ready(req) {
			out = append(out, req)
		}
	}
	return out, nil
}

// Purge drops terminal requests that finished before cutoff from the
// working set. The repository keeps them.
func (e *Engine) Purge(_ context.Context, cutoff time.Time) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, t := range e.working {
		if t.status.IsTerminal() && t.terminalAt != nil && t.terminalAt.Before(cutoff) {
			delete(e.working, id)
			n++
		}
	}
	return n, nil
}

// Recover loads non-terminal requests from the repository into the working
// set, e.g. after a restart.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	reqs, err := e.repo.List(ctx, repository.Filter{ActiveOnly: true})
	if err != nil {
		return 0, err
	}
	for _, req := range reqs {
		e.track(req)
	}
	if len(reqs) > 0 {
		e.logger.WithContext(ctx).Info("recovered %d active requests", len(reqs))
	}
	return len(reqs), nil
}

// Working returns the ids in the working set.
func (e *Engine) Working() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.working))
	for id := range e.working {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// mutate loads the request under its lock, applies fn and saves when fn
// reports a change. Events are published only after a successful save.
func (e *Engine) mutate(ctx context.Context, id string, fn func(req *orchestrator.WorkflowRequest, buf *events.Buffer) (bool, error)) (*orchestrator.WorkflowRequest, error) {
	unlock := e.requests.Lock(id)
	defer unlock()

	req, err := e.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	buf := &events.Buffer{}
	changed, ferr := fn(req, buf)
	if !changed {
		buf.Discard()
		if ferr != nil {
			return nil, ferr
		}
		return req, nil
	}
	if err := e.save(ctx, req, buf); err != nil {
		return nil, err
	}
	e.flush(ctx, req, buf)
	return req.Clone(), ferr
}

func (e *Engine) save(ctx context.Context, req *orchestrator.WorkflowRequest, buf *events.Buffer) error {
	if err := e.repo.Save(ctx, req); err != nil {
		buf.Discard()
		if orchestrator.IsVersionConflict(err) {
			orchestrator.WithLoggerFields(e.logger.WithContext(ctx), map[string]any{
				"request_id": req.ID,
			}).Error("request changed outside its lock: %v", err)
			return orchestrator.NewError(orchestrator.ErrConcurrencyViolation, "", err, map[string]any{"request_id": req.ID})
		}
		return err
	}
	e.track(req)
	return nil
}

func (e *Engine) flush(ctx context.Context, req *orchestrator.WorkflowRequest, buf *events.Buffer) {
	buf.Flush(ctx, e.sink, req)
}

func (e *Engine) track(req *orchestrator.WorkflowRequest) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := tracked{status: req.Status}
	if req.TerminalAt != nil {
		t.terminalAt = orchestrator.TimePtr(*req.TerminalAt)
	}
	e.working[req.ID] = t
}

func (e *Engine) untrack(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.working, id)
}
