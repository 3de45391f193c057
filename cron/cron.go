// Package cron drives recurring jobs from cron expressions using
// robfig/cron. The orchestrator scheduler uses it as a tick source.
package cron

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	orchestrator "github.com/goliatone/go-orchestrator"
)

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// Scheduler wraps a robfig cron instance and tracks handles for the jobs it
// runs.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	location     *time.Location
	errorHandler func(error)

	logger    orchestrator.Logger
	parser    Parser
	logWriter io.Writer
	logLevel  LogLevel

	ctx    context.Context
	cancel context.CancelFunc

	nextHandleID int64
	handles      map[int64]*cronHandle
}

// NewScheduler creates a scheduler with the provided options.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.Local,
		parser:   DefaultParser,
		logLevel: LogLevelError,
		handles:  make(map[int64]*cronHandle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.errorHandler == nil {
		logger := orchestrator.NormalizeLogger(s.logger)
		s.errorHandler = func(err error) {
			logger.Error("cron job failed: %v", err)
		}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron = rcron.New(s.build()...)
	return s
}

// ScheduleCron runs job every time expression fires. A run that is still
// in progress when the next one fires is skipped.
func (s *Scheduler) ScheduleCron(expression string, job Job) (Handle, error) {
	if expression == "" {
		return nil, fmt.Errorf("cron expression cannot be empty")
	}
	if job == nil {
		return nil, fmt.Errorf("cron job cannot be nil")
	}

	h := s.newHandle()
	run := rcron.FuncJob(func() {
		if isTerminalStatus(h.Status()) {
			return
		}
		h.setStatus(ScheduleStatusRunning, nil)
		err := orchestrator.RecoverError("cron job", func() error {
			return job(s.ctx)
		})
		h.runs.Add(1)
		if err != nil {
			h.setStatus(ScheduleStatusFailed, err)
			s.errorHandler(err)
			if !isTerminalStatus(h.Status()) {
				h.setStatus(ScheduleStatusIdle, err)
			}
			return
		}
		if !isTerminalStatus(h.Status()) {
			h.setStatus(ScheduleStatusIdle, nil)
		}
	})

	wrapped := rcron.NewChain(rcron.SkipIfStillRunning(s.cronLogger())).Then(run)
	entryID, err := s.cron.AddJob(expression, wrapped)
	if err != nil {
		return nil, fmt.Errorf("failed to add job: %w", err)
	}
	h.entryID = entryID
	s.storeHandle(h)
	return h, nil
}

// Next returns when the job behind h fires next.
func (s *Scheduler) Next(h Handle) time.Time {
	ch, ok := h.(*cronHandle)
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(ch.entryID).Next
}

// Start begins executing scheduled jobs.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waits for running jobs and marks the remaining
// handles stopped.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	handles := make([]*cronHandle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[int64]*cronHandle)
	s.mu.Unlock()

	for _, h := range handles {
		s.cron.Remove(h.entryID)
		if !isTerminalStatus(h.Status()) {
			h.setTerminal(ScheduleStatusStopped, nil)
		}
	}
	return nil
}

func (s *Scheduler) removeHandle(id int64) {
	s.mu.Lock()
	h := s.handles[id]
	delete(s.handles, id)
	s.mu.Unlock()
	if h != nil {
		s.cron.Remove(h.entryID)
	}
}

func (s *Scheduler) storeHandle(h *cronHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[h.id] = h
}

func (s *Scheduler) newHandle() *cronHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandleID++
	return &cronHandle{
		scheduler: s,
		id:        s.nextHandleID,
		status:    ScheduleStatusScheduled,
		done:      make(chan struct{}),
	}
}

func (s *Scheduler) cronLogger() rcron.Logger {
	switch {
	case s.logLevel == LogLevelSilent:
		return rcron.DiscardLogger
	case s.logger != nil:
		return &loggerAdapter{logger: s.logger, level: s.logLevel}
	case s.logWriter != nil:
		return makeLogger(s.logWriter, s.logLevel)
	default:
		return rcron.DiscardLogger
	}
}

func makeLogger(out io.Writer, level LogLevel) rcron.Logger {
	stdLogger := log.New(out, "cron: ", log.LstdFlags)
	if level >= LogLevelDebug {
		return rcron.VerbosePrintfLogger(stdLogger)
	}
	return rcron.PrintfLogger(stdLogger)
}

func (s *Scheduler) build() []rcron.Option {
	opts := make([]rcron.Option, 0, 4)
	if s.location != nil {
		opts = append(opts, rcron.WithLocation(s.location))
	}
	switch s.parser {
	case StandardParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	case SecondsParser:
		opts = append(opts, rcron.WithSeconds())
	}
	return append(opts, rcron.WithLogger(s.cronLogger()))
}

// Trigger fires a tick function on a cron expression. It satisfies the
// scheduler's trigger contract.
type Trigger struct {
	Expression string
	Options    []Option
}

// NewTrigger returns a Trigger for expression, e.g. "@every 1m" or
// "0 * * * *".
func NewTrigger(expression string, opts ...Option) *Trigger {
	return &Trigger{Expression: expression, Options: opts}
}

// Run blocks until ctx is done, calling tick each time the expression
// fires.
func (t *Trigger) Run(ctx context.Context, tick func(context.Context)) error {
	s := NewScheduler(t.Options...)
	_, err := s.ScheduleCron(t.Expression, func(context.Context) error {
		tick(ctx)
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Stop(stopCtx)
}
