package runner

import (
	"time"

	"github.com/benbjohnson/clock"

	orchestrator "github.com/goliatone/go-orchestrator"
)

type Option func(*Handler)

func WithTimeout(t time.Duration) Option {
	return func(h *Handler) {
		h.timeout = t
	}
}

func WithDeadline(d time.Time) Option {
	return func(h *Handler) {
		h.deadline = d
	}
}

func WithMaxRetries(max int) Option {
	return func(h *Handler) {
		if max < 0 {
			max = 0
		}
		h.maxRetries = max
	}
}

func WithErrorHandler(fn func(error)) Option {
	return func(h *Handler) {
		if fn == nil {
			fn = func(error) {}
		}
		h.errorHandler = fn
	}
}

func WithLogger(l orchestrator.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithRetryStrategy sets the delay between in-process retries.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(h *Handler) {
		h.retryStrategy = s
	}
}

// WithClock replaces the wall clock used to wait between retries.
func WithClock(c clock.Clock) Option {
	return func(h *Handler) {
		if c != nil {
			h.clock = c
		}
	}
}
