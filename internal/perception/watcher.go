package perception

import (
	"context"

	"github.com/soulbrowser/kernel/internal/ident"
	"github.com/soulbrowser/kernel/internal/registry"
	"github.com/soulbrowser/kernel/internal/telemetry"
	"github.com/soulbrowser/kernel/internal/transport"
)

// invalidation records which caches a lifecycle event kind invalidates, per
// the table in spec.md §4.3.
type invalidation struct {
	anchors   bool
	snapshots bool
}

var registryInvalidationPolicy = map[registry.EventKind]invalidation{
	registry.PageNavigatingEvent: {anchors: true, snapshots: true},
	registry.PageClosedEvent:     {anchors: true, snapshots: true},
	registry.PageOpenedEvent:     {anchors: false, snapshots: true},
	registry.FrameAttachedEvent:  {anchors: false, snapshots: true},
	registry.FrameDetachedEvent:  {anchors: false, snapshots: true},
}

var transportInvalidationPolicy = map[transport.EventKind]invalidation{
	transport.EventNavigate: {anchors: true, snapshots: true},
	transport.EventLoad:     {anchors: true, snapshots: true},
	transport.EventCommit:   {anchors: true, snapshots: true},
}

// Watcher is the single cooperative task that subscribes to Registry (and,
// indirectly, Transport Port) lifecycle events and invalidates
// AnchorCache/SnapshotCache entries accordingly. Running it as one
// goroutine draining one channel guarantees invalidations for a route are
// applied in the order the Registry observed them, which combined with the
// Scheduler's per-route mutex gives the happens-before guarantee in
// spec.md §5(ii): a cache invalidation happens-before any action primitive
// read that is sequenced after it through the same route mutex.
type Watcher struct {
	anchors   *Cache
	snapshots *Cache
	tel       telemetry.Bundle
}

// NewWatcher constructs a Watcher over the given caches.
func NewWatcher(anchors, snapshots *Cache, tel telemetry.Bundle) *Watcher {
	return &Watcher{anchors: anchors, snapshots: snapshots, tel: tel}
}

// RunRegistry drains reg's lifecycle event stream until ctx is cancelled,
// applying the invalidation policy table to each event.
func (w *Watcher) RunRegistry(ctx context.Context, reg *registry.Registry) {
	events := reg.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			w.applyRegistryEvent(evt)
		}
	}
}

// RunTransport drains port's protocol event stream for the invalidation
// rules transport-level navigate/load/commit events carry (Registry events
// alone cover page/frame lifecycle, but navigation commit ordering is
// observed first at the transport).
func (w *Watcher) RunTransport(ctx context.Context, port transport.Port) error {
	ch, err := port.SubscribeEvents(ctx, transport.EventFilter{})
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			w.applyTransportEvent(evt)
		}
	}
}

func (w *Watcher) applyRegistryEvent(evt registry.Event) {
	policy, ok := registryInvalidationPolicy[evt.Kind]
	if !ok {
		return
	}
	w.invalidate(evt.Route, policy)
}

func (w *Watcher) applyTransportEvent(evt transport.Event) {
	policy, ok := transportInvalidationPolicy[evt.Kind]
	if !ok {
		return
	}
	w.invalidate(evt.Route, policy)
}

func (w *Watcher) invalidate(route ident.ExecRoute, policy invalidation) {
	if policy.anchors {
		w.anchors.InvalidateRoute(route)
	}
	if policy.snapshots {
		w.snapshots.InvalidateRoute(route)
	}
}
