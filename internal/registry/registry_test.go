package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/soulbrowser/kernel/internal/ident"
	"github.com/soulbrowser/kernel/internal/kerrors"
)

func TestOpenPageIsIdempotent(t *testing.T) {
	t.Parallel()
	r := New()
	now := time.Unix(1000, 0)
	r.OpenSession("s1", "t1", now)

	p1, err := r.OpenPage(context.Background(), "s1", "p1", "f1", "https://example.com", now)
	require.NoError(t, err)
	p2, err := r.OpenPage(context.Background(), "s1", "p1", "f1", "https://example.com", now)
	require.NoError(t, err)
	require.Equal(t, p1, p2)
}

func TestResolvePicksMostRecentlyReadyPage(t *testing.T) {
	t.Parallel()
	r := New()
	now := time.Unix(1000, 0)
	r.OpenSession("s1", "t1", now)
	ctx := context.Background()

	_, err := r.OpenPage(ctx, "s1", "p1", "f1", "https://a", now)
	require.NoError(t, err)
	_, err = r.OpenPage(ctx, "s1", "p2", "f2", "https://b", now)
	require.NoError(t, err)

	require.NoError(t, r.SetPageReady(ctx, "p1", now.Add(1*time.Second)))
	require.NoError(t, r.SetPageReady(ctx, "p2", now.Add(2*time.Second)))

	route, err := r.Resolve(ident.RouteHint{TenantID: "t1", SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, "p2", route.PageID)
}

func TestResolveBreaksTiesByLowestPageID(t *testing.T) {
	t.Parallel()
	r := New()
	now := time.Unix(1000, 0)
	r.OpenSession("s1", "t1", now)
	ctx := context.Background()

	_, err := r.OpenPage(ctx, "s1", "p2", "f2", "https://b", now)
	require.NoError(t, err)
	_, err = r.OpenPage(ctx, "s1", "p1", "f1", "https://a", now)
	require.NoError(t, err)
	require.NoError(t, r.SetPageReady(ctx, "p1", now.Add(1*time.Second)))
	require.NoError(t, r.SetPageReady(ctx, "p2", now.Add(1*time.Second)))

	route, err := r.Resolve(ident.RouteHint{TenantID: "t1", SessionID: "s1"})
	require.NoError(t, err)
	require.Equal(t, "p1", route.PageID)
}

func TestResolveNoReadyPageFails(t *testing.T) {
	t.Parallel()
	r := New()
	now := time.Unix(1000, 0)
	r.OpenSession("s1", "t1", now)
	ctx := context.Background()
	_, err := r.OpenPage(ctx, "s1", "p1", "f1", "https://a", now)
	require.NoError(t, err)

	_, err = r.Resolve(ident.RouteHint{TenantID: "t1", SessionID: "s1"})
	require.True(t, kerrors.Has(err, kerrors.NoReadyPage))
}

func TestResolveUsesTenantDefaultSession(t *testing.T) {
	t.Parallel()
	r := New()
	now := time.Unix(1000, 0)
	r.OpenSession("s1", "t1", now)
	ctx := context.Background()
	_, err := r.OpenPage(ctx, "s1", "p1", "f1", "https://a", now)
	require.NoError(t, err)
	require.NoError(t, r.SetPageReady(ctx, "p1", now))

	route, err := r.Resolve(ident.RouteHint{TenantID: "t1"})
	require.NoError(t, err)
	require.Equal(t, "s1", route.SessionID)
}

func TestStaleLookupHasNoSideEffects(t *testing.T) {
	t.Parallel()
	r := New()
	now := time.Unix(1000, 0)
	r.OpenSession("s1", "t1", now)
	ctx := context.Background()
	_, err := r.OpenPage(ctx, "s1", "p1", "f1", "https://a", now)
	require.NoError(t, err)
	require.NoError(t, r.ClosePage(ctx, "p1", now))

	route := ident.ExecRoute{TenantID: "t1", SessionID: "s1", PageID: "p1"}
	require.True(t, r.IsStale(route))

	_, err = r.Resolve(ident.RouteHint{TenantID: "t1", SessionID: "s1", PageID: "p1"})
	require.True(t, kerrors.Has(err, kerrors.StaleRoute))
	require.True(t, r.IsStale(route), "stale lookup must not mutate registry state")
}

func TestWatchEmitsLifecycleEventsInOrder(t *testing.T) {
	t.Parallel()
	r := New()
	now := time.Unix(1000, 0)
	r.OpenSession("s1", "t1", now)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := r.Watch(ctx)

	_, err := r.OpenPage(context.Background(), "s1", "p1", "f1", "https://a", now)
	require.NoError(t, err)
	require.NoError(t, r.SetPageNavigating(context.Background(), "p1", "https://a", now))
	require.NoError(t, r.SetPageReady(context.Background(), "p1", now))

	require.Equal(t, PageOpenedEvent, (<-events).Kind)
	require.Equal(t, PageNavigatingEvent, (<-events).Kind)
	require.Equal(t, PageReadyEvent, (<-events).Kind)
}

func TestHandleTransportDisconnectClosesPagesAfterGraceWindow(t *testing.T) {
	t.Parallel()
	r := New(WithGraceWindow(10 * time.Millisecond))
	now := time.Unix(1000, 0)
	r.OpenSession("s1", "t1", now)
	ctx := context.Background()
	_, err := r.OpenPage(ctx, "s1", "p1", "f1", "https://a", now)
	require.NoError(t, err)

	r.HandleTransportDisconnect(context.Background(), func() time.Time { return now })

	require.True(t, r.IsStale(ident.ExecRoute{TenantID: "t1", SessionID: "s1", PageID: "p1"}))
}

func TestSessionOfReverseIndexConsistency(t *testing.T) {
	t.Parallel()
	r := New()
	now := time.Unix(1000, 0)
	r.OpenSession("s1", "t1", now)
	_, err := r.OpenPage(context.Background(), "s1", "p1", "f1", "https://a", now)
	require.NoError(t, err)

	sid, ok := r.SessionOf("p1")
	require.True(t, ok)
	require.Equal(t, "s1", sid)
}
