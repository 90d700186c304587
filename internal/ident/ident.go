// Package ident defines the kernel's identity types: ExecRoute, the opaque,
// comparable handle threaded through the Registry, Scheduler, Locator, and
// Gate, plus the id-generation helpers used for calls, routes, and events.
package ident

import (
	"fmt"

	"github.com/google/uuid"
)

// ExecRoute identifies where a tool call executes: a tenant's session, one
// of its pages, and optionally a frame within that page. ExecRoute is a
// value type so it can be used as a map key (mutex_key, cache key) and
// compared with ==.
type ExecRoute struct {
	TenantID  string
	SessionID string
	PageID    string
	FrameID   string // empty means the page's main frame
}

// String renders a stable, human-readable form used in logs, metric tags,
// and as the cache-key prefix for AnchorCache/SnapshotCache invalidation.
func (r ExecRoute) String() string {
	if r.FrameID == "" {
		return fmt.Sprintf("%s/%s/%s", r.TenantID, r.SessionID, r.PageID)
	}
	return fmt.Sprintf("%s/%s/%s/%s", r.TenantID, r.SessionID, r.PageID, r.FrameID)
}

// IsZero reports whether r is the zero ExecRoute.
func (r ExecRoute) IsZero() bool { return r == ExecRoute{} }

// WithFrame returns a copy of r scoped to the given frame.
func (r ExecRoute) WithFrame(frameID string) ExecRoute {
	r.FrameID = frameID
	return r
}

// RouteHint is the caller-supplied, possibly-partial route used by
// Registry.Resolve: session/page/frame may be omitted and are filled in by
// the route resolution algorithm.
type RouteHint struct {
	TenantID  string
	SessionID string // empty: select the tenant's default session
	PageID    string // empty: select the most-recently-ready page
	FrameID   string
}

// NewCallID generates a unique identifier for a ToolCall.
func NewCallID() string { return "call_" + uuid.NewString() }

// NewTaskID generates a unique identifier for a task.
func NewTaskID() string { return "task_" + uuid.NewString() }

// NewRunID generates a unique identifier for a plan execution run.
func NewRunID() string { return "run_" + uuid.NewString() }

// NewSessionID generates a unique identifier for a session.
func NewSessionID() string { return "sess_" + uuid.NewString() }

// NewActionID generates a unique identifier for a single primitive
// invocation, used to correlate agent-history entries with Gate evidence.
func NewActionID() string { return "act_" + uuid.NewString() }
