// ABOUTME: Tests for the retry policy: attempt counting, backoff shape, cancellation.
// ABOUTME: Validates the exact-N-attempts and monotone capped delay properties.

package retry

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), slog.Default(), DefaultPolicy(), func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsExactlyMaxAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 4, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2.0}
	boom := errors.New("refused")

	calls := 0
	err := Do(context.Background(), slog.Default(), p, func(context.Context) error {
		calls++
		return boom
	})

	assert.Equal(t, 4, calls, "an always-failing op must be attempted exactly MaxAttempts times")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAttemptsExhausted)
}

func TestDoRecoversMidway(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2.0}

	calls := 0
	err := Do(context.Background(), slog.Default(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnCancelBetweenAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 10, InitialDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2.0}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, slog.Default(), p, func(context.Context) error {
			calls++
			return errors.New("refused")
		})
	}()

	// Let the first attempt run, then cancel during the backoff wait.
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("Do did not honor cancellation during backoff")
	}
}

func TestDelaySequence(t *testing.T) {
	t.Run("monotone non-decreasing and capped without jitter", func(t *testing.T) {
		p := Policy{MaxAttempts: 8, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0}

		assert.Equal(t, time.Duration(0), p.Delay(1), "first attempt has no delay")

		prev := time.Duration(0)
		for attempt := 2; attempt <= 8; attempt++ {
			d := p.Delay(attempt)
			assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
			assert.LessOrEqual(t, d, p.MaxDelay, "attempt %d", attempt)
			prev = d
		}
		assert.Equal(t, p.MaxDelay, p.Delay(8), "late attempts hit the cap")
	})

	t.Run("jitter stays within bounds", func(t *testing.T) {
		p := Policy{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0, Jitter: true}

		for i := 0; i < 200; i++ {
			d := p.Delay(3) // nominal 200ms
			assert.GreaterOrEqual(t, d, p.InitialDelay)
			assert.LessOrEqual(t, d, 250*time.Millisecond)
		}
	})
}

func TestPolicyNormalization(t *testing.T) {
	p := Policy{MaxAttempts: -1, InitialDelay: -time.Second, Multiplier: 0.1}.normalized()

	assert.Equal(t, 1, p.MaxAttempts)
	assert.Positive(t, p.InitialDelay)
	assert.GreaterOrEqual(t, p.MaxDelay, p.InitialDelay)
	assert.GreaterOrEqual(t, p.Multiplier, 1.0)
}
