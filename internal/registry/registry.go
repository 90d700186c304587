// Package registry implements the Registry (C2): an in-process index of
// sessions, pages, and frames that resolves ExecRoutes, tracks page/frame
// lifecycle, and emits lifecycle events to the Lifecycle Watcher and any
// other subscriber.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/soulbrowser/kernel/internal/ident"
	"github.com/soulbrowser/kernel/internal/kerrors"
	"github.com/soulbrowser/kernel/internal/telemetry"
)

// PageStatus is a page's lifecycle state: opened -> (navigating <-> ready) -> closed.
type PageStatus string

const (
	PageOpened     PageStatus = "opened"
	PageNavigating PageStatus = "navigating"
	PageReady      PageStatus = "ready"
	PageClosed     PageStatus = "closed"
)

// Page is a registry-owned page within a session. A page owns >=1 frame;
// the main frame is always present.
type Page struct {
	ID          string
	SessionID   string
	Status      PageStatus
	URL         string
	OpenedAt    time.Time
	LastReadyAt time.Time // zero until the first ready transition
	MainFrameID string
	Frames      map[string]Frame
}

// Frame is a frame within a page.
type Frame struct {
	ID       string
	PageID   string
	ParentID string // empty for the main frame
	Attached bool
}

// Session is a registry-owned session: a tenant-scoped container of pages.
type Session struct {
	ID       string
	TenantID string
	OpenedAt time.Time
	Closed   bool
}

// EventKind enumerates Registry lifecycle events per spec.md §4.2.
type EventKind string

const (
	PageOpenedEvent     EventKind = "PageOpened"
	PageReadyEvent      EventKind = "PageReady"
	PageNavigatingEvent EventKind = "PageNavigating"
	PageClosedEvent     EventKind = "PageClosed"
	FrameAttachedEvent  EventKind = "FrameAttached"
	FrameDetachedEvent  EventKind = "FrameDetached"
)

// Event is a single lifecycle transition observed by the Registry.
type Event struct {
	Kind      EventKind
	Route     ident.ExecRoute
	Timestamp time.Time
}

// Registry indexes sessions -> pages -> frames and resolves ExecRoutes. It
// is safe for concurrent use. Writes come only from explicit
// open/close/navigate/attach calls and from the Lifecycle Watcher; reads
// (Resolve, IsStale) are lock-free with respect to each other via RWMutex.
type Registry struct {
	tel telemetry.Bundle

	mu                   sync.RWMutex
	sessions             map[string]*Session
	pages                map[string]*Page  // page_id -> Page
	pageToSess           map[string]string // reverse index: page_id -> session_id, always consistent with Page.SessionID
	tenantDefaultSession map[string]string // tenant_id -> first-opened still-live session id

	subMu sync.Mutex
	subs  []chan Event

	graceWindow time.Duration // transport-disconnect grace window before marking pages closed
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithTelemetry injects a telemetry.Bundle; defaults to telemetry.Noop().
func WithTelemetry(tel telemetry.Bundle) Option {
	return func(r *Registry) { r.tel = tel }
}

// WithGraceWindow overrides the default 2s transport-disconnect grace window.
func WithGraceWindow(d time.Duration) Option {
	return func(r *Registry) { r.graceWindow = d }
}

// New constructs an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		tel:                  telemetry.Noop(),
		sessions:             make(map[string]*Session),
		pages:                make(map[string]*Page),
		pageToSess:           make(map[string]string),
		tenantDefaultSession: make(map[string]string),
		graceWindow:          2 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OpenSession creates a session for tenant if it does not already exist,
// and records it as the tenant's default session if none is set yet.
func (r *Registry) OpenSession(sessionID, tenantID string, now time.Time) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		return *s
	}
	s := &Session{ID: sessionID, TenantID: tenantID, OpenedAt: now}
	r.sessions[sessionID] = s
	if _, ok := r.tenantDefaultSession[tenantID]; !ok {
		r.tenantDefaultSession[tenantID] = sessionID
	}
	return *s
}

// OpenPage opens a new page under session, idempotent on pageID.
func (r *Registry) OpenPage(ctx context.Context, sessionID, pageID, mainFrameID, url string, now time.Time) (Page, error) {
	r.mu.Lock()
	if existing, ok := r.pages[pageID]; ok {
		p := *existing
		r.mu.Unlock()
		return p, nil
	}
	sess, ok := r.sessions[sessionID]
	if !ok || sess.Closed {
		r.mu.Unlock()
		return Page{}, kerrors.New(kerrors.NoReadyPage, "session not found or closed")
	}
	p := &Page{
		ID:          pageID,
		SessionID:   sessionID,
		Status:      PageOpened,
		URL:         url,
		OpenedAt:    now,
		MainFrameID: mainFrameID,
		Frames:      map[string]Frame{mainFrameID: {ID: mainFrameID, PageID: pageID, Attached: true}},
	}
	r.pages[pageID] = p
	r.pageToSess[pageID] = sessionID
	route := ident.ExecRoute{TenantID: sess.TenantID, SessionID: sessionID, PageID: pageID}
	r.mu.Unlock()

	r.publish(Event{Kind: PageOpenedEvent, Route: route, Timestamp: now})
	r.tel.Log.Info(ctx, "registry: page opened", "page_id", pageID, "session_id", sessionID)
	return *p, nil
}

// ClosePage marks pageID closed, idempotent. Emits PageClosed once.
func (r *Registry) ClosePage(ctx context.Context, pageID string, now time.Time) error {
	r.mu.Lock()
	p, ok := r.pages[pageID]
	if !ok {
		r.mu.Unlock()
		return kerrors.New(kerrors.NoReadyPage, "page not found")
	}
	if p.Status == PageClosed {
		r.mu.Unlock()
		return nil
	}
	p.Status = PageClosed
	sess := r.sessions[p.SessionID]
	var route ident.ExecRoute
	if sess != nil {
		route = ident.ExecRoute{TenantID: sess.TenantID, SessionID: p.SessionID, PageID: pageID}
	}
	r.mu.Unlock()

	r.publish(Event{Kind: PageClosedEvent, Route: route, Timestamp: now})
	r.tel.Log.Info(ctx, "registry: page closed", "page_id", pageID)
	return nil
}

// SetPageNavigating transitions a page to navigating, clearing readiness
// until the next ready transition per the AnchorCache/SnapshotCache
// invalidation policy consumed by the Lifecycle Watcher.
func (r *Registry) SetPageNavigating(ctx context.Context, pageID, url string, now time.Time) error {
	return r.transition(ctx, pageID, now, func(p *Page) EventKind {
		p.Status = PageNavigating
		p.URL = url
		return PageNavigatingEvent
	})
}

// SetPageReady transitions a page to ready and stamps LastReadyAt, which
// feeds the Resolve tie-breaking algorithm.
func (r *Registry) SetPageReady(ctx context.Context, pageID string, now time.Time) error {
	return r.transition(ctx, pageID, now, func(p *Page) EventKind {
		p.Status = PageReady
		p.LastReadyAt = now
		return PageReadyEvent
	})
}

func (r *Registry) transition(ctx context.Context, pageID string, now time.Time, apply func(*Page) EventKind) error {
	r.mu.Lock()
	p, ok := r.pages[pageID]
	if !ok {
		r.mu.Unlock()
		return kerrors.New(kerrors.NoReadyPage, "page not found")
	}
	if p.Status == PageClosed {
		r.mu.Unlock()
		return kerrors.New(kerrors.StaleRoute, "page already closed")
	}
	kind := apply(p)
	sess := r.sessions[p.SessionID]
	var route ident.ExecRoute
	if sess != nil {
		route = ident.ExecRoute{TenantID: sess.TenantID, SessionID: p.SessionID, PageID: pageID}
	}
	r.mu.Unlock()

	r.publish(Event{Kind: kind, Route: route, Timestamp: now})
	return nil
}

// AttachFrame adds or updates a frame under pageID.
func (r *Registry) AttachFrame(ctx context.Context, pageID, frameID, parentID string, now time.Time) error {
	r.mu.Lock()
	p, ok := r.pages[pageID]
	if !ok {
		r.mu.Unlock()
		return kerrors.New(kerrors.NoReadyPage, "page not found")
	}
	p.Frames[frameID] = Frame{ID: frameID, PageID: pageID, ParentID: parentID, Attached: true}
	sess := r.sessions[p.SessionID]
	var route ident.ExecRoute
	if sess != nil {
		route = ident.ExecRoute{TenantID: sess.TenantID, SessionID: p.SessionID, PageID: pageID, FrameID: frameID}
	}
	r.mu.Unlock()

	r.publish(Event{Kind: FrameAttachedEvent, Route: route, Timestamp: now})
	return nil
}

// DetachFrame marks a frame detached under pageID.
func (r *Registry) DetachFrame(ctx context.Context, pageID, frameID string, now time.Time) error {
	r.mu.Lock()
	p, ok := r.pages[pageID]
	if !ok {
		r.mu.Unlock()
		return kerrors.New(kerrors.NoReadyPage, "page not found")
	}
	f, ok := p.Frames[frameID]
	if !ok {
		r.mu.Unlock()
		return kerrors.New(kerrors.NoReadyPage, "frame not found")
	}
	f.Attached = false
	p.Frames[frameID] = f
	sess := r.sessions[p.SessionID]
	var route ident.ExecRoute
	if sess != nil {
		route = ident.ExecRoute{TenantID: sess.TenantID, SessionID: p.SessionID, PageID: pageID, FrameID: frameID}
	}
	r.mu.Unlock()

	r.publish(Event{Kind: FrameDetachedEvent, Route: route, Timestamp: now})
	return nil
}

// Resolve implements the route resolution algorithm from spec.md §4.2:
// if session is omitted, use the tenant's default (first-opened, still
// live) session; if page is omitted, pick the page with the greatest
// LastReadyAt, breaking ties by lowest page_id.
func (r *Registry) Resolve(hint ident.RouteHint) (ident.ExecRoute, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessionID := hint.SessionID
	if sessionID == "" {
		sid, ok := r.tenantDefaultSession[hint.TenantID]
		if !ok {
			return ident.ExecRoute{}, kerrors.New(kerrors.NoReadyPage, "no default session for tenant")
		}
		if sess, ok := r.sessions[sid]; !ok || sess.Closed {
			return ident.ExecRoute{}, kerrors.New(kerrors.NoReadyPage, "default session is closed")
		}
		sessionID = sid
	}

	pageID := hint.PageID
	if pageID == "" {
		candidates := r.readyPagesForSession(sessionID)
		if len(candidates) == 0 {
			return ident.ExecRoute{}, kerrors.New(kerrors.NoReadyPage, "no ready page in session")
		}
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].LastReadyAt.Equal(candidates[j].LastReadyAt) {
				return candidates[i].ID < candidates[j].ID
			}
			return candidates[i].LastReadyAt.After(candidates[j].LastReadyAt)
		})
		pageID = candidates[0].ID
	} else {
		p, ok := r.pages[pageID]
		if !ok || p.SessionID != sessionID {
			return ident.ExecRoute{}, kerrors.New(kerrors.StaleRoute, "page not owned by session")
		}
		if p.Status == PageClosed {
			return ident.ExecRoute{}, kerrors.New(kerrors.StaleRoute, "page closed")
		}
	}

	sess := r.sessions[sessionID]
	return ident.ExecRoute{TenantID: sess.TenantID, SessionID: sessionID, PageID: pageID, FrameID: hint.FrameID}, nil
}

func (r *Registry) readyPagesForSession(sessionID string) []*Page {
	var out []*Page
	for _, p := range r.pages {
		if p.SessionID == sessionID && p.Status == PageReady {
			out = append(out, p)
		}
	}
	return out
}

// SessionOf returns the session owning pageID via the reverse index, which
// the registry keeps consistent with Page.SessionID on every write per the
// invariant in spec.md §3.
func (r *Registry) SessionOf(pageID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.pageToSess[pageID]
	return sid, ok
}

// IsStale reports whether route's page (or frame) has closed or detached.
func (r *Registry) IsStale(route ident.ExecRoute) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pages[route.PageID]
	if !ok || p.Status == PageClosed {
		return true
	}
	if route.FrameID != "" {
		f, ok := p.Frames[route.FrameID]
		if !ok || !f.Attached {
			return true
		}
	}
	return false
}

// Watch returns a channel of lifecycle events. The channel is closed when
// ctx is cancelled; callers must drain it to avoid blocking publishers
// (the channel is buffered but publish drops events for a full subscriber
// rather than blocking the Registry).
func (r *Registry) Watch(ctx context.Context) <-chan Event {
	ch := make(chan Event, 256)
	r.subMu.Lock()
	r.subs = append(r.subs, ch)
	r.subMu.Unlock()

	go func() {
		<-ctx.Done()
		r.subMu.Lock()
		defer r.subMu.Unlock()
		for i, s := range r.subs {
			if s == ch {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (r *Registry) publish(evt Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- evt:
		default:
			// a stalled subscriber must not back-pressure lifecycle
			// transitions; it will observe a gap via its own polling.
		}
	}
}

// HandleTransportDisconnect closes every page owned by any session whose
// routes share the transport, after the configured grace window, to
// absorb transient reconnects per spec.md §4.2.
func (r *Registry) HandleTransportDisconnect(ctx context.Context, now func() time.Time) {
	timer := time.NewTimer(r.graceWindow)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	r.mu.Lock()
	toClose := make([]string, 0, len(r.pages))
	for id, p := range r.pages {
		if p.Status != PageClosed {
			toClose = append(toClose, id)
		}
	}
	r.mu.Unlock()
	for _, id := range toClose {
		_ = r.ClosePage(ctx, id, now())
	}
}
