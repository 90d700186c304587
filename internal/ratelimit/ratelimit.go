// Package ratelimit implements the per-tenant/per-IP token bucket limiter
// from C11: one golang.org/x/time/rate bucket per key, idle-TTL garbage
// collected, with an optional cluster-shared backing store for multi-
// process deployments.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/soulbrowser/kernel/internal/kerrors"
)

// Config configures a Limiter's bucket shape and GC cadence.
type Config struct {
	RatePerSecond float64
	Burst         int
	IdleTTL       time.Duration
	GCInterval    time.Duration
}

// DefaultConfig is a conservative per-tenant default: 10 req/s, burst 20,
// buckets idle for 10 minutes are collected.
func DefaultConfig() Config {
	return Config{RatePerSecond: 10, Burst: 20, IdleTTL: 10 * time.Minute, GCInterval: time.Minute}
}

type bucket struct {
	limiter    *rate.Limiter
	lastUsed   time.Time
}

// ClusterStore optionally shares bucket refill state across processes
// (e.g. a Redis-backed implementation); Limiter works correctly with a
// nil store, falling back to process-local buckets only.
type ClusterStore interface {
	// Allow reports whether key may consume one token in the current
	// window, per the store's own distributed bucket bookkeeping.
	Allow(ctx context.Context, key string, ratePerSecond float64, burst int) (bool, error)
}

// Limiter is a per-key token bucket rate limiter. Unlike the teacher's
// AdaptiveRateLimiter, it does not adapt its rate from provider 429
// signals: spec.md's Rate Limiter is a fixed-quota admission gate
// configured by policy, not a client-side backoff strategy, so the AIMD
// probe/backoff machinery has no analogue here.
type Limiter struct {
	cfg   Config
	store ClusterStore

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New constructs a Limiter. store may be nil for a process-local-only
// limiter.
func New(cfg Config, store ClusterStore) *Limiter {
	if cfg.RatePerSecond <= 0 {
		cfg = DefaultConfig()
	}
	return &Limiter{cfg: cfg, store: store, buckets: make(map[string]*bucket)}
}

// Allow reports whether key (a tenant id or client IP) may proceed now. If
// a ClusterStore is configured, it is authoritative; otherwise a
// process-local token bucket decides.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, error) {
	if l.store != nil {
		return l.store.Allow(ctx, key, l.cfg.RatePerSecond, l.cfg.Burst)
	}
	return l.localBucket(key).Allow(), nil
}

// Wait blocks until key may proceed or ctx is cancelled/deadline exceeded,
// returning kerrors.RateLimited if the wait would exceed the bucket's
// burst (i.e. the request can never succeed within its own deadline).
// With a ClusterStore configured Wait does not block: it returns
// kerrors.RateLimited at once when the store denies the request.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if l.store != nil {
		ok, err := l.store.Allow(ctx, key, l.cfg.RatePerSecond, l.cfg.Burst)
		if err != nil {
			return err
		}
		if !ok {
			return kerrors.New(kerrors.RateLimited, "rate limit exceeded").WithRetryable(true)
		}
		return nil
	}
	if err := l.localBucket(key).Wait(ctx); err != nil {
		return kerrors.Wrap(kerrors.RateLimited, "rate limit wait failed", err).WithRetryable(true)
	}
	return nil
}

func (l *Limiter) localBucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.RatePerSecond), l.cfg.Burst)}
		l.buckets[key] = b
	}
	b.lastUsed = time.Now()
	return b.limiter
}

// RunGC runs the idle-bucket collector until ctx is cancelled, removing
// buckets unused for longer than cfg.IdleTTL, per spec.md §4.11's
// "buckets are GC'd after idle TTL."
func (l *Limiter) RunGC(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cutoff := time.Now().Add(-l.cfg.IdleTTL)
		l.mu.Lock()
		for k, b := range l.buckets {
			if b.lastUsed.Before(cutoff) {
				delete(l.buckets, k)
			}
		}
		l.mu.Unlock()
	}
}
