package runner

import (
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	orchestrator "github.com/goliatone/go-orchestrator"
)

// DefaultRetryDelay is used when a policy names no delay.
const DefaultRetryDelay = 60 * time.Second

// RetryStrategy encapsulates the delay between retries.
type RetryStrategy interface {
	// SleepDuration returns how long to wait before the next retry attempt.
	// The attempt index starts at 0, incrementing after each failure.
	SleepDuration(attempt int, err error) time.Duration
}

// RetryDecision is the explicit form of a retry verdict.
type RetryDecision struct {
	ShouldRetry bool
	Delay       time.Duration
	Metadata    map[string]any
}

// RetryDecider lets a strategy veto a retry, e.g. for permanent errors.
type RetryDecider interface {
	DecideRetry(attempt int, err error) RetryDecision
}

// DecideRetry asks strategy for a decision, falling back to SleepDuration.
func DecideRetry(strategy RetryStrategy, attempt int, err error) RetryDecision {
	if strategy == nil {
		return RetryDecision{ShouldRetry: true}
	}
	if decider, ok := strategy.(RetryDecider); ok {
		return decider.DecideRetry(attempt, err)
	}
	return RetryDecision{ShouldRetry: true, Delay: strategy.SleepDuration(attempt, err)}
}

// NoDelayStrategy retries immediately.
type NoDelayStrategy struct{}

func (NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return 0
}

// FixedDelayStrategy waits the same Delay after every failure.
type FixedDelayStrategy struct {
	Delay time.Duration
}

func (f FixedDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return f.Delay
}

// ExponentialBackoffStrategy implements a capped exponential backoff.
//
//	ExponentialBackoffStrategy{
//	    Base:   30 * time.Second,
//	    Factor: 2,
//	    Max:    30 * time.Minute,
//	}
type ExponentialBackoffStrategy struct {
	// Base is the first delay
	Base time.Duration
	// Factor is multiplied each iteration (2 => 30s, 60s, 120s, ...)
	Factor float64
	// Max caps the growth
	Max time.Duration
}

func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := e.Factor
	if factor <= 0 {
		factor = 2
	}
	delay := float64(e.Base) * math.Pow(factor, float64(attempt))
	if e.Max > 0 && (delay > float64(e.Max) || math.IsInf(delay, 1)) {
		return e.Max
	}
	return time.Duration(delay)
}

// JitteredBackoffStrategy is an exponential backoff with randomization,
// computed with cenkalti/backoff.
type JitteredBackoffStrategy struct {
	Initial             time.Duration
	Multiplier          float64
	Max                 time.Duration
	RandomizationFactor float64
}

func (j JitteredBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	b := j.backOff()
	delay := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay == backoff.Stop {
		return j.Max
	}
	return delay
}

func (j JitteredBackoffStrategy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if j.Initial > 0 {
		b.InitialInterval = j.Initial
	}
	if j.Multiplier > 0 {
		b.Multiplier = j.Multiplier
	}
	if j.Max > 0 {
		b.MaxInterval = j.Max
	}
	if j.RandomizationFactor > 0 {
		b.RandomizationFactor = j.RandomizationFactor
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// StrategyFromPolicy maps a template retry policy to a strategy.
func StrategyFromPolicy(policy orchestrator.RetryPolicy) RetryStrategy {
	delay := policy.Delay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	switch strings.ToLower(strings.TrimSpace(policy.Strategy)) {
	case "none":
		return NoDelayStrategy{}
	case "exponential":
		return ExponentialBackoffStrategy{Base: delay, Factor: policy.Factor, Max: policy.MaxDelay}
	case "jittered":
		return JitteredBackoffStrategy{Initial: delay, Multiplier: policy.Factor, Max: policy.MaxDelay}
	default:
		return FixedDelayStrategy{Delay: delay}
	}
}
