package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/soulbrowser/kernel/internal/kerrors"
)

func TestDoSucceedsWithoutRetry(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Do(context.Background(), SchedulerConfig(), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDoDoesNotRetryNonRetryableKinds(t *testing.T) {
	t.Parallel()
	calls := 0
	err := Do(context.Background(), SchedulerConfig(), func(context.Context) error {
		calls++
		return kerrors.New(kerrors.StaleRoute, "stale")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestDoRetriesRetryableKindsUntilSuccess(t *testing.T) {
	t.Parallel()
	calls := 0
	cfg := Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffMultiplier: 2}
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls < 3 {
			return kerrors.New(kerrors.TransportDown, "down")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoReturnsExhaustedErrorAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	cfg := Config{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, BackoffMultiplier: 2}
	calls := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return kerrors.New(kerrors.ServerBusy, "busy")
	})
	require.Error(t, err)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 2, exhausted.Attempts)
	require.Equal(t, 2, calls)
}

func TestDoStopsOnContextCancellation(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, InitialBackoff: 50 * time.Millisecond, MaxBackoff: time.Second, BackoffMultiplier: 2}
	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, cfg, func(context.Context) error {
		calls++
		return kerrors.New(kerrors.TransportDown, "down")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, calls, 5)
}

func TestIsRetryableRejectsPlainErrors(t *testing.T) {
	t.Parallel()
	require.False(t, IsRetryable(errors.New("boom")))
	require.False(t, IsRetryable(nil))
	require.False(t, IsRetryable(context.Canceled))
}

// TestBackoffStaysWithinConfiguredBounds validates that backoff(cfg, attempt)
// never produces a negative delay or one exceeding MaxBackoff by more than
// the configured jitter fraction, for any attempt count and config gopter
// generates.
func TestBackoffStaysWithinConfiguredBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("backoff(cfg, attempt) is within [0, MaxBackoff*(1+Jitter)]", prop.ForAll(
		func(attempt int, initialMs, maxMs int64, multiplier, jitter float64) bool {
			cfg := Config{
				InitialBackoff:    time.Duration(initialMs) * time.Millisecond,
				MaxBackoff:        time.Duration(maxMs) * time.Millisecond,
				BackoffMultiplier: multiplier,
				Jitter:            jitter,
			}
			d := backoff(cfg, attempt)
			upper := float64(cfg.MaxBackoff) * (1 + jitter)
			return d >= 0 && float64(d) <= upper+1
		},
		gen.IntRange(1, 20),
		gen.Int64Range(1, 1000),
		gen.Int64Range(1, 5000),
		gen.Float64Range(1.0, 4.0),
		gen.Float64Range(0, 0.5),
	))

	properties.TestingRun(t)
}
