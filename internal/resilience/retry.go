// Package resilience retries provider calls that fail transiently.
package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy controls bounded exponential backoff with jitter.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps any single delay, including a server hint.
	MaxBackoff time.Duration
	// Multiplier scales the delay after each attempt.
	Multiplier float64
	// Jitter is the +/- fraction of randomness applied to each delay.
	Jitter float64

	// Retryable decides whether err deserves another attempt. Nil means IsTransient.
	Retryable func(err error) bool
	// DelayHint lets an error dictate its own delay (e.g. Retry-After).
	DelayHint func(err error) (time.Duration, bool)
	// OnRetry runs before each sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryPolicy returns the policy used for provider calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    4,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.25,
	}
}

// FromConfig overlays non-zero config values on DefaultRetryPolicy.
func FromConfig(maxAttempts, initialBackoffMs, maxBackoffMs int) RetryPolicy {
	p := DefaultRetryPolicy()
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	if initialBackoffMs > 0 {
		p.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond
	}
	if maxBackoffMs > 0 {
		p.MaxBackoff = time.Duration(maxBackoffMs) * time.Millisecond
	}
	return p
}

// Retry calls fn until it succeeds, returns a non-retryable error, the
// attempts run out, or ctx is done. The last error is returned unchanged so
// callers can still inspect its type.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.normalized()

	var zero T
	for attempt := 1; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		if ctx.Err() != nil || attempt >= p.MaxAttempts || !p.Retryable(err) {
			return zero, err
		}

		delay := p.Backoff(attempt - 1)
		if p.DelayHint != nil {
			if hint, ok := p.DelayHint(err); ok {
				delay = min(hint, p.MaxBackoff)
			}
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		case <-timer.C:
		}
	}
}

// Backoff returns the jittered delay before retry number n (0-based).
func (p RetryPolicy) Backoff(n int) time.Duration {
	p = p.normalized()

	delay := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(n))
	delay = math.Min(delay, float64(p.MaxBackoff))
	if p.Jitter > 0 {
		delay += (rand.Float64()*2 - 1) * delay * p.Jitter
	}
	return time.Duration(math.Max(delay, 0))
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.Multiplier <= 0 {
		p.Multiplier = def.Multiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	return p
}

// LogRetry returns an OnRetry callback that logs each attempt.
func LogRetry(service, operation string) func(int, time.Duration, error) {
	return func(attempt int, delay time.Duration, err error) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
}
