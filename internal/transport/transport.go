// Package transport defines the Transport Port: the kernel's only boundary
// to the browser-control protocol (CDP-shaped) underneath a page/frame.
// Every other component treats the port as fallible and retryable only for
// TransportDown, per spec.md §3.
package transport

import (
	"context"
	"time"

	"github.com/soulbrowser/kernel/internal/ident"
)

// Port is implemented by whatever actually speaks to the browser. The
// kernel depends only on this interface; swapping CDP implementations never
// touches Registry/Scheduler/Action code.
type Port interface {
	// SendCommand issues method with params against route and blocks until
	// result, deadline, or ctx cancellation. Errors are always returned as a
	// *Error whose Kind is one of {Timeout, StaleTarget, TransportDown, Protocol}.
	SendCommand(ctx context.Context, route ident.ExecRoute, method string, params any, deadline time.Duration) (result any, err error)

	// SubscribeEvents streams protocol-level events, filtered, until ctx is
	// cancelled. The returned channel is closed when the subscription ends
	// for any reason; the caller must drain it.
	SubscribeEvents(ctx context.Context, filter EventFilter) (<-chan Event, error)

	// Health reports the transport's own liveness, independent of any route.
	Health(ctx context.Context) (Status, error)
}

// EventFilter narrows a SubscribeEvents subscription.
type EventFilter struct {
	Route ident.ExecRoute // zero value: all routes
	Kinds []EventKind     // empty: all kinds
}

// EventKind enumerates the lifecycle-relevant protocol event classes the
// Lifecycle Watcher (C3) cares about.
type EventKind string

const (
	EventNavigate     EventKind = "navigate"
	EventLoad         EventKind = "load"
	EventCommit       EventKind = "commit"
	EventPageCreated  EventKind = "page_created"
	EventPageClosed   EventKind = "page_closed"
	EventFrameCreated EventKind = "frame_created"
	EventFrameClosed  EventKind = "frame_closed"
	EventDisconnected EventKind = "disconnected"
)

// Event is a single protocol-level occurrence, always attributable to a
// route (possibly frame-less for page-level events).
type Event struct {
	Kind      EventKind
	Route     ident.ExecRoute
	Seq       uint64 // transport-assigned, monotonic per route; preserves transport order
	Timestamp time.Time
}

// Status reports transport-level health independent of any single route.
type Status struct {
	Connected bool
	Detail    string
}

// Kind classifies a transport-level failure into the closed set the core
// reasons about: Timeout, StaleTarget, TransportDown, Protocol.
type Kind string

const (
	KindTimeout       Kind = "timeout"
	KindStaleTarget   Kind = "stale_target"
	KindTransportDown Kind = "transport_down"
	KindProtocol      Kind = "protocol"
)
