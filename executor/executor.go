// Package executor advances a request through its steps. It mutates the
// request in place and queues events; the caller holds the per-request lock,
// saves the request and then flushes the events.
package executor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	orchestrator "github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/audit"
	"github.com/goliatone/go-orchestrator/events"
	"github.com/goliatone/go-orchestrator/gate"
	"github.com/goliatone/go-orchestrator/notify"
	"github.com/goliatone/go-orchestrator/runner"
)

const tracerName = "github.com/goliatone/go-orchestrator/executor"

// Notification templates sent by the executor itself.
const (
	TemplateApprovalRequest = "approval_request"
	TemplateManualTask      = "manual_task"
	TemplateStepEscalation  = "step_escalation"
)

// State summarizes where Advance stopped.
type State string

const (
	StateIdle            State = "idle"
	StateStarted         State = "started"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateBlocked         State = "blocked"
	StateWaitingApproval State = "waiting_approval"
	StateRetryScheduled  State = "retry_scheduled"
	StateSuspended       State = "suspended"
)

// Outcome reports what one Advance call did.
type Outcome struct {
	State         State
	StepID        string
	StepsDone     int
	NextAttemptAt *time.Time
	Err           error
}

// Changed reports whether the request was modified and must be saved.
func (o Outcome) Changed() bool {
	return o.State != StateIdle || o.StepsDone > 0
}

// ActionFunc applies one step action. The returned output is merged into
// the step output.
type ActionFunc func(ctx context.Context, call ActionCall) (map[string]any, error)

// ActionCall is the input of an ActionFunc.
type ActionCall struct {
	Request *orchestrator.WorkflowRequest
	Step    *orchestrator.Step
	Action  orchestrator.Action
	Index   int
	Attempt int
}

// ValidatorFunc checks a step after its actions ran.
type ValidatorFunc func(ctx context.Context, call ValidationCall) error

// ValidationCall is the input of a ValidatorFunc.
type ValidationCall struct {
	Request    *orchestrator.WorkflowRequest
	Step       *orchestrator.Step
	Validation orchestrator.Validation
}

// StepHandler runs one attempt of a step.
type StepHandler func(ctx context.Context, run *StepRun) error

// MetricsRecorder receives per action measurements.
type MetricsRecorder interface {
	RecordDuration(name string, duration time.Duration)
	RecordError(name string)
	RecordSuccess(name string)
}

// Executor runs steps.
type Executor struct {
	recorder       *audit.Recorder
	clock          clock.Clock
	logger         orchestrator.Logger
	notifier       notify.Notifier
	resolver       notify.ApproverResolver
	ledger         Ledger
	metrics        MetricsRecorder
	tracer         trace.Tracer
	strategy       func(orchestrator.RetryPolicy) runner.RetryStrategy
	escalationRole string

	mu         sync.RWMutex
	actions    map[string]ActionFunc
	validators map[string]ValidatorFunc
	handlers   map[orchestrator.StepType]StepHandler
}

// Option configures an Executor.
type Option func(*Executor)

func WithClock(c clock.Clock) Option {
	return func(e *Executor) {
		if c != nil {
			e.clock = c
		}
	}
}

func WithLogger(l orchestrator.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithNotifier(n notify.Notifier) Option {
	return func(e *Executor) {
		if n != nil {
			e.notifier = n
		}
	}
}

func WithApproverResolver(r notify.ApproverResolver) Option {
	return func(e *Executor) {
		if r != nil {
			e.resolver = r
		}
	}
}

func WithLedger(l Ledger) Option {
	return func(e *Executor) {
		if l != nil {
			e.ledger = l
		}
	}
}

func WithMetrics(m MetricsRecorder) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Executor) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithRetryStrategy overrides how a request's retry policy maps to delays.
func WithRetryStrategy(fn func(orchestrator.RetryPolicy) runner.RetryStrategy) Option {
	return func(e *Executor) {
		if fn != nil {
			e.strategy = fn
		}
	}
}

// WithEscalationRole sets the role notified when a step overruns its
// timeout and has no assignee of its own.
func WithEscalationRole(role string) Option {
	return func(e *Executor) {
		if strings.TrimSpace(role) != "" {
			e.escalationRole = role
		}
	}
}

// New creates an Executor recording into recorder.
func New(recorder *audit.Recorder, opts ...Option) *Executor {
	if recorder == nil {
		recorder = audit.NewRecorder()
	}
	e := &Executor{
		recorder:       recorder,
		clock:          recorder.Clock(),
		notifier:       notify.LogNotifier{},
		resolver:       notify.StaticResolver{},
		ledger:         NewMemoryLedger(),
		tracer:         otel.GetTracerProvider().Tracer(tracerName),
		strategy:       runner.StrategyFromPolicy,
		escalationRole: "operations",
		actions:        make(map[string]ActionFunc),
		validators:     make(map[string]ValidatorFunc),
		handlers:       make(map[orchestrator.StepType]StepHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = orchestrator.NormalizeLogger(e.logger)
	if ln, ok := e.notifier.(notify.LogNotifier); ok && ln.Logger == nil {
		e.notifier = notify.LogNotifier{Logger: e.logger}
	}
	return e
}

// RegisterAction binds an action type to fn, replacing any previous one.
func (e *Executor) RegisterAction(actionType string, fn ActionFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions[actionType] = fn
}

// RegisterValidator binds a validation rule to fn.
func (e *Executor) RegisterValidator(rule string, fn ValidatorFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.validators[rule] = fn
}

// RegisterHandler overrides the built in handler for a step type.
func (e *Executor) RegisterHandler(t orchestrator.StepType, h StepHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[t] = h
}

// HasAction reports whether actionType is registered.
func (e *Executor) HasAction(actionType string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.actions[actionType]
	return ok
}

func (e *Executor) action(actionType string) (ActionFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.actions[actionType]
	return fn, ok
}

func (e *Executor) validator(rule string) (ValidatorFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.validators[rule]
	return fn, ok
}

func (e *Executor) now() time.Time {
	return e.clock.Now().UTC()
}

// Activate moves a request that has not started yet towards InProgress.
// The first open step is gated; when it is ready the request goes to
// InProgress (through Approved when it was under review).
func (e *Executor) Activate(ctx context.Context, req *orchestrator.WorkflowRequest, buf *events.Buffer) (Outcome, error) {
	if buf == nil {
		buf = &events.Buffer{}
	}
	switch req.Status {
	case orchestrator.StatusRequested, orchestrator.StatusUnderReview, orchestrator.StatusApproved:
	default:
		return Outcome{State: StateIdle}, nil
	}
	step := req.NextOpenStep()
	if step == nil {
		return Outcome{State: StateIdle}, nil
	}
	req.CurrentStepID = step.ID
	res := e.evaluateGate(ctx, req, step, buf)

	switch res.Decision {
	case gate.WaitingApproval:
		if req.Status == orchestrator.StatusRequested {
			if err := e.recorder.Transition(ctx, req, orchestrator.StatusUnderReview, "system", "awaiting approval of "+step.ID); err != nil {
				return Outcome{}, err
			}
		}
		return Outcome{State: StateWaitingApproval, StepID: step.ID}, nil
	case gate.BlockedByDependency:
		return Outcome{State: StateBlocked, StepID: step.ID}, nil
	}

	if req.Status == orchestrator.StatusUnderReview {
		if err := e.recorder.Transition(ctx, req, orchestrator.StatusApproved, "system", "approvals complete"); err != nil {
			return Outcome{}, err
		}
	}
	if err := e.recorder.Transition(ctx, req, orchestrator.StatusInProgress, "system", "ready to start"); err != nil {
		return Outcome{}, err
	}
	return Outcome{State: StateStarted, StepID: step.ID}, nil
}

// Advance runs steps of an InProgress request until it completes, fails or
// has to wait. Requests in any other status are left untouched.
func (e *Executor) Advance(ctx context.Context, req *orchestrator.WorkflowRequest, buf *events.Buffer) Outcome {
	if req == nil || req.Status != orchestrator.StatusInProgress {
		return Outcome{State: StateIdle}
	}
	if buf == nil {
		buf = &events.Buffer{}
	}
	out := Outcome{}
	for {
		if err := ctx.Err(); err != nil {
			out.State = StateIdle
			out.Err = err
			return out
		}
		step := req.NextOpenStep()
		if step == nil {
			e.complete(ctx, req, buf)
			out.State = StateCompleted
			return out
		}
		req.CurrentStepID = step.ID
		out.StepID = step.ID
		now := e.now()

		if step.Status == orchestrator.StepFailed {
			out.State = StateFailed
			return out
		}
		if step.Type == orchestrator.StepManual && step.Status == orchestrator.StepInProgress {
			e.checkTimeout(ctx, req, step, buf)
			out.State = StateSuspended
			return out
		}
		if step.NextAttemptAt != nil && now.Before(*step.NextAttemptAt) {
			out.State = StateRetryScheduled
			out.NextAttemptAt = orchestrator.TimePtr(*step.NextAttemptAt)
			return out
		}

		res := e.evaluateGate(ctx, req, step, buf)
		if !res.Ready() {
			e.checkTimeout(ctx, req, step, buf)
			if res.Decision == gate.WaitingApproval {
				out.State = StateWaitingApproval
			} else {
				out.State = StateBlocked
			}
			return out
		}

		result := e.execute(ctx, req, step, buf)
		switch result {
		case stepCompleted:
			out.StepsDone++
			continue
		case stepSuspended:
			out.State = StateSuspended
		case stepRetry:
			out.State = StateRetryScheduled
			out.NextAttemptAt = orchestrator.TimePtr(*step.NextAttemptAt)
		case stepFailedFinal:
			out.State = StateFailed
		}
		return out
	}
}

// Ready reports whether Advance would try to execute something right now.
// The scheduler uses it to skip requests that are waiting.
func (e *Executor) Ready(req *orchestrator.WorkflowRequest) bool {
	if req == nil || req.Status != orchestrator.StatusInProgress {
		return false
	}
	step := req.NextOpenStep()
	if step == nil {
		return true
	}
	if step.Status == orchestrator.StepFailed {
		return false
	}
	if step.Type == orchestrator.StepManual && step.Status == orchestrator.StepInProgress {
		return e.timeoutDue(step)
	}
	if step.NextAttemptAt != nil && e.now().Before(*step.NextAttemptAt) {
		return false
	}
	res := gate.CanExecute(req, step)
	if !res.Ready() {
		return len(res.ToRequest) > 0 || e.timeoutDue(step)
	}
	return true
}

// CompleteManual finishes a suspended manual step.
func (e *Executor) CompleteManual(ctx context.Context, req *orchestrator.WorkflowRequest, stepID, actor string, output map[string]any, buf *events.Buffer) error {
	if buf == nil {
		buf = &events.Buffer{}
	}
	step := req.StepByID(stepID)
	if step == nil {
		return orchestrator.NewError(orchestrator.ErrStepNotFound, "", nil, map[string]any{"request_id": req.ID, "step_id": stepID})
	}
	if step.Type != orchestrator.StepManual || step.Status != orchestrator.StepInProgress {
		return orchestrator.NewError(orchestrator.ErrInvalidTransition, "step is not awaiting manual completion", nil, map[string]any{
			"request_id": req.ID,
			"step_id":    stepID,
			"status":     string(step.Status),
		})
	}
	for k, v := range output {
		if step.Output == nil {
			step.Output = make(map[string]any, len(output))
		}
		step.Output[k] = v
	}
	step.CompletedBy = actor
	e.recorder.Record(ctx, req, orchestrator.AuditEntry{
		Action: orchestrator.AuditManualCompleted,
		Actor:  actor,
		StepID: stepID,
	})
	e.completeStep(ctx, req, step, actor, buf)
	return nil
}

func (e *Executor) complete(ctx context.Context, req *orchestrator.WorkflowRequest, buf *events.Buffer) {
	if err := e.recorder.Transition(ctx, req, orchestrator.StatusCompleted, "system", "all steps done"); err != nil {
		e.logger.WithContext(ctx).Error("request %s could not complete: %v", req.ID, err)
		return
	}
	now := e.now()
	req.Timeline.ActualCompletion = orchestrator.TimePtr(now)
	if steps := req.Workflow.Steps; len(steps) > 0 {
		req.CurrentStepID = steps[len(steps)-1].ID
	}
	req.AddMilestone("completed", "", now)
	e.recorder.Record(ctx, req, orchestrator.AuditEntry{Action: orchestrator.AuditCompleted})
	buf.Add(events.Event{Name: events.Completed, RequestID: req.ID})
}

func (e *Executor) fail(ctx context.Context, req *orchestrator.WorkflowRequest, step *orchestrator.Step, cause error, buf *events.Buffer) {
	req.Error = cause.Error()
	if err := e.recorder.Transition(ctx, req, orchestrator.StatusFailed, "system", "step "+step.ID+" exhausted retries"); err != nil {
		e.logger.WithContext(ctx).Error("request %s could not fail: %v", req.ID, err)
		return
	}
	e.recorder.Record(ctx, req, orchestrator.AuditEntry{
		Action: orchestrator.AuditFailed,
		StepID: step.ID,
		Detail: cause.Error(),
	})
	buf.Add(events.Event{Name: events.Failed, RequestID: req.ID, StepID: step.ID, Detail: cause.Error()})
}
