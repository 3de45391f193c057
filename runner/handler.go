package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	orchestrator "github.com/goliatone/go-orchestrator"
)

// Handler runs a function with in-process retries. The executor uses it for
// validations that retry within one attempt and for per-action timeouts;
// step level retries are spread across scheduler ticks instead.
type Handler struct {
	logger        orchestrator.Logger
	errorHandler  func(error)
	retryStrategy RetryStrategy
	clock         clock.Clock

	maxRetries int
	timeout    time.Duration
	deadline   time.Time
}

// NewHandler constructs a Handler from options, applying defaults if unset.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		errorHandler:  func(error) {},
		retryStrategy: NoDelayStrategy{},
		clock:         clock.New(),
	}
	for _, o := range opts {
		if o != nil {
			o(h)
		}
	}
	return h
}

// Run calls fn until it succeeds or maxRetries retries are spent. It returns
// the number of attempts made and the last error.
func (h *Handler) Run(ctx context.Context, fn func(context.Context) error) (int, error) {
	ctx, cancel := h.contextWithSettings(ctx)
	defer cancel()

	var err error
	attempts := 0
	for attempt := 0; attempt <= h.maxRetries; attempt++ {
		attempts++
		err = fn(ctx)
		if err == nil {
			return attempts, nil
		}
		if ctx.Err() != nil {
			return attempts, err
		}
		if attempt >= h.maxRetries {
			break
		}

		h.errorHandler(fmt.Errorf("attempt %d of %d failed: %w", attempt+1, h.maxRetries+1, err))
		decision := DecideRetry(h.retryStrategy, attempt, err)
		if !decision.ShouldRetry {
			break
		}
		if decision.Delay > 0 {
			if werr := h.wait(ctx, decision.Delay); werr != nil {
				return attempts, err
			}
		}
	}
	if h.logger != nil {
		h.logger.Debug("runner gave up after %d attempts: %v", attempts, err)
	}
	return attempts, err
}

func (h *Handler) wait(ctx context.Context, d time.Duration) error {
	timer := h.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (h *Handler) contextWithSettings(parent context.Context) (context.Context, context.CancelFunc) {
	switch {
	case h.timeout != 0 && !h.deadline.IsZero():
		ctx, cancelTimeout := context.WithTimeout(parent, h.timeout)
		ctxDeadline, cancelDeadline := context.WithDeadline(ctx, h.deadline)
		return ctxDeadline, func() {
			cancelDeadline()
			cancelTimeout()
		}
	case h.timeout != 0:
		return context.WithTimeout(parent, h.timeout)
	case !h.deadline.IsZero():
		return context.WithDeadline(parent, h.deadline)
	default:
		return parent, func() {}
	}
}
