package perception

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/soulbrowser/kernel/internal/registry"
	"github.com/soulbrowser/kernel/internal/telemetry"
)

func TestWatcherInvalidatesAnchorsAndSnapshotsOnNavigating(t *testing.T) {
	t.Parallel()
	anchors := NewCache(time.Minute)
	snapshots := NewCache(time.Minute)
	w := NewWatcher(anchors, snapshots, telemetry.Noop())

	reg := registry.New()
	now := time.Unix(0, 0)
	reg.OpenSession("s1", "t1", now)
	_, err := reg.OpenPage(context.Background(), "s1", "p1", "f1", "https://a", now)
	require.NoError(t, err)
	r := route()
	anchors.Set(AnchorKey(r, "fp1"), "a")
	snapshots.Set(SnapshotKey(r), "s")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.RunRegistry(ctx, reg)

	require.NoError(t, reg.SetPageNavigating(context.Background(), "p1", "https://b", now))

	require.Eventually(t, func() bool {
		_, aok := anchors.Get(AnchorKey(r, "fp1"))
		_, sok := snapshots.Get(SnapshotKey(r))
		return !aok && !sok
	}, time.Second, 5*time.Millisecond)
}

func TestWatcherKeepsAnchorsOnPageOpenedButInvalidatesSnapshots(t *testing.T) {
	t.Parallel()
	anchors := NewCache(time.Minute)
	snapshots := NewCache(time.Minute)
	w := NewWatcher(anchors, snapshots, telemetry.Noop())

	reg := registry.New()
	now := time.Unix(0, 0)
	reg.OpenSession("s1", "t1", now)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.RunRegistry(ctx, reg)

	r := route()
	anchors.Set(AnchorKey(r, "fp1"), "a")
	snapshots.Set(SnapshotKey(r), "s")

	_, err := reg.OpenPage(context.Background(), "s1", "p1", "f1", "https://a", now)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, sok := snapshots.Get(SnapshotKey(r))
		return !sok
	}, time.Second, 5*time.Millisecond)

	_, aok := anchors.Get(AnchorKey(r, "fp1"))
	require.True(t, aok, "PageOpened must not invalidate anchors")
}
