// Package retry provides the exponential-backoff-with-jitter primitive
// the Scheduler (C8) wraps around every dispatched ToolCall.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/soulbrowser/kernel/internal/kerrors"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts including the first.
	// 0 or 1 means no retries.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier scales the delay after each retry (2.0 = exponential).
	BackoffMultiplier float64
	// Jitter adds up to this fraction of randomness to the backoff.
	Jitter float64
}

// SchedulerConfig is the default retry policy for Scheduler-managed
// ToolCalls per spec.md §4.8: base 100ms, cap 2s, at most 3 attempts.
func SchedulerConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// ExhaustedError is returned when all attempts have been exhausted.
type ExhaustedError struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

func (e *ExhaustedError) Unwrap() error { return e.LastError }

// IsRetryable reports whether err should be retried. Only *kerrors.Error
// values with Retryable=true are retryable; the kernel never guesses from
// raw error strings.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ke *kerrors.Error
	if errors.As(err, &ke) {
		return ke.Retryable
	}
	return false
}

// Do executes fn, retrying while IsRetryable(err) until cfg.MaxAttempts is
// reached, ctx is cancelled, or fn succeeds. Every suspension between
// attempts rechecks ctx, matching the kernel-wide cancellation rule in
// spec.md §5.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	start := time.Now()
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return err
		}
		if attempt >= cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(cfg, attempt)):
		}
	}
	return &ExhaustedError{Attempts: cfg.MaxAttempts, TotalDuration: time.Since(start), LastError: lastErr}
}

func backoff(cfg Config, attempt int) time.Duration {
	d := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if d > float64(cfg.MaxBackoff) {
		d = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		d += d * cfg.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
