package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

type countingFunc struct {
	mu        sync.Mutex
	calls     int
	failUntil int
}

func (c *countingFunc) fn(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failUntil {
		return fmt.Errorf("failure %d", c.calls)
	}
	return nil
}

func TestHandler_NoError_NoRetries(t *testing.T) {
	h := NewHandler()
	cf := &countingFunc{}

	attempts, err := h.Run(context.Background(), cf.fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 1 || cf.calls != 1 {
		t.Errorf("expected a single attempt, got attempts=%d calls=%d", attempts, cf.calls)
	}
}

func TestHandler_SuccessOnSecondAttempt(t *testing.T) {
	h := NewHandler(WithMaxRetries(3))
	cf := &countingFunc{failUntil: 1}

	attempts, err := h.Run(context.Background(), cf.fn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected attempts=2, got %d", attempts)
	}
}

func TestHandler_AllAttemptsFail(t *testing.T) {
	var reported []error
	h := NewHandler(WithMaxRetries(2), WithErrorHandler(func(err error) { reported = append(reported, err) }))
	cf := &countingFunc{failUntil: 5}

	attempts, err := h.Run(context.Background(), cf.fn)
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 3 || cf.calls != 3 {
		t.Errorf("expected 3 attempts (1 initial + 2 retries), got attempts=%d calls=%d", attempts, cf.calls)
	}
	if len(reported) != 2 {
		t.Errorf("expected 2 intermediate failures reported, got %d", len(reported))
	}
}

type vetoStrategy struct{}

func (vetoStrategy) SleepDuration(int, error) time.Duration { return 0 }

func (vetoStrategy) DecideRetry(int, error) RetryDecision { return RetryDecision{ShouldRetry: false} }

func TestHandler_StrategyCanVetoRetry(t *testing.T) {
	h := NewHandler(WithMaxRetries(4), WithRetryStrategy(vetoStrategy{}))
	cf := &countingFunc{failUntil: 10}

	attempts, _ := h.Run(context.Background(), cf.fn)
	if attempts != 1 {
		t.Errorf("expected veto to stop after first attempt, got %d", attempts)
	}
}

func TestHandler_WaitsOnInjectedClock(t *testing.T) {
	mock := clock.NewMock()
	h := NewHandler(
		WithMaxRetries(1),
		WithRetryStrategy(FixedDelayStrategy{Delay: time.Minute}),
		WithClock(mock),
	)
	cf := &countingFunc{failUntil: 1}

	done := make(chan int, 1)
	go func() {
		attempts, _ := h.Run(context.Background(), cf.fn)
		done <- attempts
	}()

	// let the first attempt fail and the timer register
	deadline := time.Now().Add(time.Second)
	for {
		cf.mu.Lock()
		calls := cf.calls
		cf.mu.Unlock()
		if calls == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	mock.Add(time.Minute)

	select {
	case attempts := <-done:
		if attempts != 2 {
			t.Errorf("expected 2 attempts, got %d", attempts)
		}
	case <-time.After(time.Second):
		t.Fatal("handler did not resume after clock advanced")
	}
}

func TestHandler_TimeoutCancelsContext(t *testing.T) {
	h := NewHandler(WithTimeout(10 * time.Millisecond))

	_, err := h.Run(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
