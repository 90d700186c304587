package perception

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/soulbrowser/kernel/internal/ident"
)

func route() ident.ExecRoute {
	return ident.ExecRoute{TenantID: "t1", SessionID: "s1", PageID: "p1"}
}

func TestCacheGetSetRoundTrip(t *testing.T) {
	t.Parallel()
	c := NewCache(time.Minute)
	key := SnapshotKey(route())
	c.Set(key, "snapshot-data")

	v, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, "snapshot-data", v)
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	t.Parallel()
	c := NewCache(time.Minute)
	base := time.Unix(0, 0)
	c.now = func() time.Time { return base }
	key := SnapshotKey(route())
	c.Set(key, "data")

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, ok := c.Get(key)
	require.False(t, ok)
}

func TestInvalidateRouteRemovesAllKeysWithPrefix(t *testing.T) {
	t.Parallel()
	c := NewCache(time.Minute)
	r := route()
	c.Set(AnchorKey(r, "fp1"), "a1")
	c.Set(AnchorKey(r, "fp2"), "a2")
	c.Set(SnapshotKey(r), "snap")

	other := ident.ExecRoute{TenantID: "t1", SessionID: "s1", PageID: "p2"}
	c.Set(SnapshotKey(other), "other-snap")

	c.InvalidateRoute(r)

	_, ok := c.Get(AnchorKey(r, "fp1"))
	require.False(t, ok)
	_, ok = c.Get(AnchorKey(r, "fp2"))
	require.False(t, ok)
	_, ok = c.Get(SnapshotKey(r))
	require.False(t, ok)

	v, ok := c.Get(SnapshotKey(other))
	require.True(t, ok)
	require.Equal(t, "other-snap", v)
}
