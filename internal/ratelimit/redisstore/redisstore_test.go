package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, window time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, window), mr
}

func TestAllowPermitsWithinLimit(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t, time.Second)
	for i := 0; i < 5; i++ {
		ok, err := store.Allow(context.Background(), "tenant-a", 10, 0)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestAllowDeniesOverLimitWithinSameWindow(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t, time.Second)
	for i := 0; i < 3; i++ {
		ok, err := store.Allow(context.Background(), "tenant-b", 2, 1)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := store.Allow(context.Background(), "tenant-b", 2, 1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAllowKeysAreIndependentPerTenant(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t, time.Second)
	for i := 0; i < 2; i++ {
		ok, err := store.Allow(context.Background(), "tenant-c", 1, 1)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := store.Allow(context.Background(), "tenant-d", 1, 0)
	require.NoError(t, err)
	require.True(t, ok, "a fresh tenant key starts its own window regardless of tenant-c's usage")
}

func TestAllowResetsOnNextWindow(t *testing.T) {
	t.Parallel()
	store, mr := newTestStore(t, 50*time.Millisecond)
	ok, err := store.Allow(context.Background(), "tenant-e", 1, 0)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.Allow(context.Background(), "tenant-e", 1, 0)
	require.NoError(t, err)
	require.False(t, ok)

	mr.FastForward(100 * time.Millisecond)
	ok, err = store.Allow(context.Background(), "tenant-e", 1, 0)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNewDefaultsWindowToOneSecond(t *testing.T) {
	t.Parallel()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := New(rdb, 0)
	require.Equal(t, time.Second, store.window)
}
