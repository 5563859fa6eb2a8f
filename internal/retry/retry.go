// ABOUTME: Explicit retry policy with exponential backoff, cap, and jitter.
// ABOUTME: Do runs an operation under the policy, honoring context cancellation between attempts.

package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// ErrAttemptsExhausted indicates every attempt permitted by the policy failed.
var ErrAttemptsExhausted = errors.New("retry: attempts exhausted")

// Policy describes how an operation is retried: how many attempts, how the
// delay between them grows, and whether the delay is jittered.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultPolicy returns the policy used for router connection attempts.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     15 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// normalized returns a copy with out-of-range fields clamped to sane values.
func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 500 * time.Millisecond
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	return p
}

// Delay returns the backoff delay preceding the given attempt (attempt 1 has
// no delay). The sequence is exponential, capped at MaxDelay, with optional
// ±25% jitter that never drops below InitialDelay.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt <= 1 {
		return 0
	}

	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-2))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d += (rand.Float64()*2 - 1) * d * 0.25
	}
	if d < float64(p.InitialDelay) {
		d = float64(p.InitialDelay)
	}
	return time.Duration(d)
}

// Do runs op under the policy. The first attempt executes immediately; each
// subsequent attempt waits for the backoff delay, aborting the wait if the
// context is cancelled. Exhausting all attempts returns the last error
// wrapped with ErrAttemptsExhausted.
func Do(ctx context.Context, logger *slog.Logger, p Policy, op func(context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	p = p.normalized()

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if delay := p.Delay(attempt); delay > 0 {
			logger.Debug("retrying",
				"attempt", attempt,
				"max_attempts", p.MaxAttempts,
				"delay", delay,
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		lastErr = op(ctx)
		if lastErr == nil {
			if attempt > 1 {
				logger.Info("retry succeeded", "attempt", attempt)
			}
			return nil
		}
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrAttemptsExhausted, p.MaxAttempts, lastErr)
}
