// Package redisstore implements ratelimit.ClusterStore on top of
// go-redis, sharing bucket refill state across every kernel process
// fronting the same tenant traffic.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store implements ratelimit.ClusterStore with a fixed-window counter per
// key: INCR the window's counter, set its expiry on first touch, and
// compare against ratePerSecond*windowSize+burst. Coarser than a true
// token bucket but needs no Lua script and matches the teacher's own
// direct go-redis calls rather than EVAL-based bucket implementations.
type Store struct {
	rdb    *redis.Client
	window time.Duration
}

// New builds a Store against an already-connected client. window bounds
// how often the distributed counter resets; 1s matches per-second rates
// directly.
func New(rdb *redis.Client, window time.Duration) *Store {
	if window <= 0 {
		window = time.Second
	}
	return &Store{rdb: rdb, window: window}
}

func (s *Store) Allow(ctx context.Context, key string, ratePerSecond float64, burst int) (bool, error) {
	windowKey := fmt.Sprintf("ratelimit:%s:%d", key, time.Now().UnixNano()/s.window.Nanoseconds())
	count, err := s.rdb.Incr(ctx, windowKey).Result()
	if err != nil {
		return false, err
	}
	if count == 1 {
		if err := s.rdb.PExpire(ctx, windowKey, s.window*2).Err(); err != nil {
			return false, err
		}
	}
	limit := ratePerSecond*s.window.Seconds() + float64(burst)
	return float64(count) <= limit, nil
}
