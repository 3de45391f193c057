// Package scheduler drives request advancement on a tick. Each tick picks
// the eligible InProgress requests, orders them by priority and then by
// submission, and advances at most a fixed number of them in parallel.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	orchestrator "github.com/goliatone/go-orchestrator"
)

const (
	DefaultConcurrency   = 5
	DefaultTickInterval  = time.Minute
	DefaultPurgeInterval = time.Hour
	DefaultRetention     = 90 * 24 * time.Hour
)

// Engine is the part of the engine the scheduler drives.
type Engine interface {
	// Eligible returns snapshots of InProgress requests that have work to do.
	Eligible(ctx context.Context) ([]*orchestrator.WorkflowRequest, error)
	Advance(ctx context.Context, id string) error
	// Purge drops terminal requests that finished before cutoff from the
	// working set and returns how many were dropped.
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}

// TickResult reports what one tick did.
type TickResult struct {
	Skipped  bool
	Eligible int
	Advanced []string
	Deferred int
	Errors   map[string]error
}

// Scheduler runs ticks against an Engine.
type Scheduler struct {
	engine       Engine
	clock        clock.Clock
	logger       orchestrator.Logger
	concurrency  int
	retention    time.Duration
	tickTrigger  Trigger
	purgeTrigger Trigger

	ticking atomic.Bool
	purging atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(l orchestrator.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithConcurrency caps how many requests a single tick advances.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithRetention sets how long terminal requests stay in the working set.
func WithRetention(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithTickTrigger replaces the default one minute clock trigger.
func WithTickTrigger(t Trigger) Option {
	return func(s *Scheduler) {
		if t != nil {
			s.tickTrigger = t
		}
	}
}

// WithPurgeTrigger replaces the default hourly clock trigger.
func WithPurgeTrigger(t Trigger) Option {
	return func(s *Scheduler) {
		if t != nil {
			s.purgeTrigger = t
		}
	}
}

// New creates a Scheduler for engine.
func New(engine Engine, opts ...Option) *Scheduler {
	s := &Scheduler{
		engine:      engine,
		clock:       clock.New(),
		concurrency: DefaultConcurrency,
		retention:   DefaultRetention,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = orchestrator.NormalizeLogger(s.logger)
	if s.tickTrigger == nil {
		s.tickTrigger = ClockTrigger{Clock: s.clock, Interval: DefaultTickInterval}
	}
	if s.purgeTrigger == nil {
		s.purgeTrigger = ClockTrigger{Clock: s.clock, Interval: DefaultPurgeInterval}
	}
	return s
}

// Order sorts requests by priority, highest first, then by submission time
// and sequence, oldest first.
func Order(reqs []*orchestrator.WorkflowRequest) {
	sort.SliceStable(reqs, func(i, j int) bool {
		a, b := reqs[i], reqs[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.Sequence < b.Sequence
	})
}

// Tick advances up to the concurrency cap of eligible requests and waits
// for them. A tick that starts while another is still running is skipped.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	if !s.ticking.CompareAndSwap(false, true) {
		s.logger.WithContext(ctx).Debug("scheduler tick skipped, previous tick still running")
		return TickResult{Skipped: true}, nil
	}
	defer s.ticking.Store(false)

	reqs, err := s.engine.Eligible(ctx)
	if err != nil {
		return TickResult{}, err
	}
	Order(reqs)

	batch := reqs
	if len(batch) > s.concurrency {
		batch = batch[:s.concurrency]
	}
	res := TickResult{
		Eligible: len(reqs),
		Deferred: len(reqs) - len(batch),
	}

	var (
		mu       sync.Mutex
		advanced = make(map[string]bool, len(batch))
	)
	g := &errgroup.Group{}
	g.SetLimit(s.concurrency)
	for _, req := range batch {
		id := req.ID
		g.Go(func() error {
			err := orchestrator.RecoverError("scheduler.advance", func() error {
				return s.engine.Advance(ctx, id)
			})
			mu.Lock()
			defer mu.Unlock()
			advanced[id] = true
			if err != nil {
				if res.Errors == nil {
					res.Errors = make(map[string]error)
				}
				res.Errors[id] = err
				orchestrator.WithLoggerFields(s.logger.WithContext(ctx), map[string]any{
					"request_id": id,
				}).Warn("advance failed: %v", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, req := range batch {
		if advanced[req.ID] {
			res.Advanced = append(res.Advanced, req.ID)
		}
	}
	if res.Deferred > 0 {
		s.logger.WithContext(ctx).Debug("scheduler tick advanced %d requests, %d deferred", len(res.Advanced), res.Deferred)
	}
	return res, nil
}

// Purge drops terminal requests older than the retention window from the
// working set. Durable history is left alone.
func (s *Scheduler) Purge(ctx context.Context) (int, error) {
	if !s.purging.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer s.purging.Store(false)

	cutoff := s.clock.Now().UTC().Add(-s.retention)
	n, err := s.engine.Purge(ctx, cutoff)
	if err != nil {
		return n, err
	}
	if n > 0 {
		s.logger.WithContext(ctx).Info("purged %d terminal requests finished before %s", n, cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// Start runs the tick and purge triggers in the background until Stop is
// called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return orchestrator.Errorf(orchestrator.ErrInvalidTransition, "scheduler already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	g := &errgroup.Group{}
	s.group = g

	g.Go(func() error {
		return s.tickTrigger.Run(runCtx, func(ctx context.Context) {
			if _, err := s.Tick(ctx); err != nil {
				s.logger.WithContext(ctx).Error("scheduler tick failed: %v", err)
			}
		})
	})
	g.Go(func() error {
		return s.purgeTrigger.Run(runCtx, func(ctx context.Context) {
			if _, err := s.Purge(ctx); err != nil {
				s.logger.WithContext(ctx).Error("scheduler purge failed: %v", err)
			}
		})
	})
	s.logger.Info("scheduler started with concurrency %d", s.concurrency)
	return nil
}

// Stop cancels the triggers and waits for in flight ticks to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, g := s.cancel, s.group
	s.cancel, s.group = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	err := g.Wait()
	s.logger.Info("scheduler stopped")
	return err
}
