// Package scheduler implements the Scheduler (C8): a bounded-concurrency,
// lane-priority dispatcher with per-route mutual exclusion, sticky leases,
// per-tenant fairness, and backoff retry for transport hiccups.
package scheduler

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/soulbrowser/kernel/internal/ident"
	"github.com/soulbrowser/kernel/internal/kerrors"
	"github.com/soulbrowser/kernel/internal/retry"
	"github.com/soulbrowser/kernel/internal/telemetry"
)

// Lane is the closed set of dispatch lanes from spec.md §4.8. Lightning
// preempts queueing order but never an in-flight call.
type Lane string

const (
	LaneLightning Lane = "Lightning"
	LaneStandard  Lane = "Standard"
	LaneBulk      Lane = "Bulk"
)

var laneOrder = []Lane{LaneLightning, LaneStandard, LaneBulk}

// CallStatus is a ToolCall's state machine position.
type CallStatus string

const (
	CallQueued    CallStatus = "Queued"
	CallLeased    CallStatus = "Leased"
	CallRunning   CallStatus = "Running"
	CallDone      CallStatus = "Done"
	CallFailed    CallStatus = "Failed"
	CallCancelled CallStatus = "Cancelled"
)

// ToolCall is a single unit of scheduled work.
type ToolCall struct {
	CallID   string
	TenantID string
	PlanID   string // non-empty: successive calls from the same plan hold a sticky lease on MutexKey
	Route    ident.ExecRoute
	Lane     Lane
	ReadOnly bool // read-only calls skip the per-route mutex
	MutexKey string
	Fn       func(ctx context.Context) error

	status   CallStatus
	mu       sync.Mutex
	cancel   context.CancelFunc
	enqueued time.Time
}

// Status returns c's current state, safe for concurrent use.
func (c *ToolCall) Status() CallStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *ToolCall) setStatus(s CallStatus) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// DispatchEvent is emitted on every terminal ToolCall transition, per
// spec.md §4.8's "Terminal transitions write a DISPATCH event."
type DispatchEvent struct {
	CallID   string
	Route    ident.ExecRoute
	Status   CallStatus
	Err      error
	QueuedAt time.Time
	StartAt  time.Time
	EndAt    time.Time
}

// Config bounds the Scheduler's concurrency and fairness behavior.
type Config struct {
	GlobalLimit     int
	PerTenantLimit  int
	QueueBound      int // per-lane queue bound before ServerBusy
	StickyWindow    time.Duration
	DecayInterval   time.Duration
}

// DefaultConfig matches spec.md §4.8's defaults.
func DefaultConfig() Config {
	return Config{
		GlobalLimit:    32,
		PerTenantLimit: 8,
		QueueBound:     256,
		StickyWindow:   250 * time.Millisecond,
		DecayInterval:  time.Second,
	}
}

type lane struct {
	mu    sync.Mutex
	queue *list.List // of *ToolCall
}

type stickyLease struct {
	planID  string
	mutexKey string
	expires time.Time
}

// Scheduler dispatches ToolCalls per spec.md §4.8's guarantees.
type Scheduler struct {
	cfg Config
	tel telemetry.Bundle

	lanes map[Lane]*lane

	admitMu    sync.Mutex
	globalInF  int
	tenantInF  map[string]int
	tenantCredit map[string]float64

	routeMu  sync.Mutex
	routeLocks map[string]chan struct{} // mutex_key -> 1-buffered channel acting as a lock

	stickyMu sync.Mutex
	sticky   map[string]stickyLease // mutex_key -> current sticky holder

	eventMu sync.Mutex
	events  []DispatchEvent
	subs    []chan DispatchEvent

	wakeCh chan struct{}

	staleCheck StaleChecker
}

// New constructs a Scheduler and starts its dispatch and fairness-decay
// loops, both stopped when ctx is cancelled.
func New(ctx context.Context, cfg Config, tel telemetry.Bundle) *Scheduler {
	s := &Scheduler{
		cfg:          cfg,
		tel:          tel,
		lanes:        make(map[Lane]*lane, len(laneOrder)),
		tenantInF:    make(map[string]int),
		tenantCredit: make(map[string]float64),
		routeLocks:   make(map[string]chan struct{}),
		sticky:       make(map[string]stickyLease),
		wakeCh:       make(chan struct{}, 1),
	}
	for _, l := range laneOrder {
		s.lanes[l] = &lane{queue: list.New()}
	}
	go s.dispatchLoop(ctx)
	go s.decayLoop(ctx)
	return s
}

// Submit enqueues call onto its lane. Returns ServerBusy immediately if the
// lane's queue bound is exceeded, per spec.md §5's backpressure rule.
func (s *Scheduler) Submit(call *ToolCall) error {
	l := s.lanes[call.Lane]
	if l == nil {
		return kerrors.New(kerrors.Internal, "unknown lane")
	}
	l.mu.Lock()
	if l.queue.Len() >= s.cfg.QueueBound {
		l.mu.Unlock()
		return kerrors.New(kerrors.ServerBusy, "lane queue full").WithRetryable(true)
	}
	call.setStatus(CallQueued)
	call.enqueued = time.Now()
	l.queue.PushBack(call)
	l.mu.Unlock()

	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

// Cancel marks call cancelled: if still queued it is removed without
// dispatch; if running its context is cancelled, propagating the cancel
// token to the primitive per spec.md §5's cancellation tree.
func (s *Scheduler) Cancel(call *ToolCall) {
	if call.Status() == CallQueued {
		l := s.lanes[call.Lane]
		l.mu.Lock()
		for e := l.queue.Front(); e != nil; e = e.Next() {
			if e.Value.(*ToolCall) == call {
				l.queue.Remove(e)
				break
			}
		}
		l.mu.Unlock()
		call.setStatus(CallCancelled)
		s.recordTerminal(call, CallCancelled, kerrors.New(kerrors.Cancelled, "cancelled while queued"), call.enqueued, time.Time{})
		return
	}
	call.mu.Lock()
	cancel := call.cancel
	call.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// IsStale reports whether route should be treated as stale at dequeue;
// callers (the Plan Executor) inject this via StaleChecker so the
// Scheduler never imports the Registry directly.
type StaleChecker func(route ident.ExecRoute) bool

// SetStaleChecker installs the callback tryDispatchOne consults before
// leasing a call: a call whose route is stale is failed immediately
// with StaleRoute instead of being dispatched. Safe to call once during
// setup, before any calls are submitted.
func (s *Scheduler) SetStaleChecker(check StaleChecker) {
	s.staleCheck = check
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wakeCh:
		case <-ticker.C:
		}
		s.tryDispatchAll(ctx)
	}
}

func (s *Scheduler) tryDispatchAll(ctx context.Context) {
	for _, l := range laneOrder {
		for s.tryDispatchOne(ctx, l) {
		}
	}
}

func (s *Scheduler) tryDispatchOne(ctx context.Context, laneName Lane) bool {
	l := s.lanes[laneName]
	l.mu.Lock()
	var picked *list.Element
	var stale []*list.Element
	for e := l.queue.Front(); e != nil; e = e.Next() {
		call := e.Value.(*ToolCall)
		if s.staleCheck != nil && s.staleCheck(call.Route) {
			stale = append(stale, e)
			continue
		}
		if s.admit(call) {
			picked = e
			break
		}
	}
	for _, e := range stale {
		l.queue.Remove(e)
	}
	var call *ToolCall
	if picked != nil {
		call = picked.Value.(*ToolCall)
		l.queue.Remove(picked)
	}
	l.mu.Unlock()

	for _, e := range stale {
		staleCall := e.Value.(*ToolCall)
		staleCall.setStatus(CallFailed)
		s.recordTerminal(staleCall, CallFailed, kerrors.New(kerrors.StaleRoute, "route stale at dequeue"), staleCall.enqueued, time.Time{})
	}
	if call == nil {
		return false
	}

	if !s.acquireRoute(call) {
		// another in-flight call owns the mutex key; requeue at the back.
		s.release(call)
		l.mu.Lock()
		l.queue.PushBack(call)
		l.mu.Unlock()
		return false
	}

	go s.run(ctx, call)
	return true
}

// tenantCreditCeiling bounds how much accumulated credit a tenant may carry
// before admission is throttled below its raw per-tenant concurrency limit,
// per spec.md §4.8's "if a tenant saturates the global limit, newcomers get
// lane precedence until counters rebalance."
const tenantCreditCeiling = 4.0

// admit reserves global/per-tenant slots for call without blocking. Returns
// false (leaving counters untouched) if admission would exceed a limit or
// the tenant has accumulated more credit than its fair share allows.
func (s *Scheduler) admit(call *ToolCall) bool {
	s.admitMu.Lock()
	defer s.admitMu.Unlock()
	if s.globalInF >= s.cfg.GlobalLimit {
		return false
	}
	if s.tenantInF[call.TenantID] >= s.cfg.PerTenantLimit {
		return false
	}
	if s.tenantCredit[call.TenantID] >= tenantCreditCeiling*float64(s.cfg.PerTenantLimit) {
		return false
	}
	s.globalInF++
	s.tenantInF[call.TenantID]++
	s.tenantCredit[call.TenantID]++
	return true
}

func (s *Scheduler) release(call *ToolCall) {
	s.admitMu.Lock()
	s.globalInF--
	s.tenantInF[call.TenantID]--
	s.admitMu.Unlock()
}

// acquireRoute enforces "at most one concurrent mutating ToolCall per
// mutex_key" (spec.md §4.8.2), skipped entirely for ReadOnly calls, and
// honors an active sticky lease for the same plan/mutex_key.
func (s *Scheduler) acquireRoute(call *ToolCall) bool {
	if call.ReadOnly || call.MutexKey == "" {
		return true
	}
	if call.PlanID != "" && !s.AcquireSticky(call.PlanID, call.MutexKey) {
		// a different plan holds the sticky lease on this route; wait our turn
		// instead of interleaving with it even if the mutex channel is free.
		return false
	}
	s.routeMu.Lock()
	ch, ok := s.routeLocks[call.MutexKey]
	if !ok {
		ch = make(chan struct{}, 1)
		ch <- struct{}{}
		s.routeLocks[call.MutexKey] = ch
	}
	s.routeMu.Unlock()

	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (s *Scheduler) releaseRoute(call *ToolCall) {
	if call.ReadOnly || call.MutexKey == "" {
		return
	}
	s.routeMu.Lock()
	ch := s.routeLocks[call.MutexKey]
	s.routeMu.Unlock()
	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Scheduler) run(ctx context.Context, call *ToolCall) {
	start := time.Now()
	call.setStatus(CallLeased)
	runCtx, cancel := context.WithCancel(ctx)
	call.mu.Lock()
	call.cancel = cancel
	call.mu.Unlock()
	defer cancel()

	call.setStatus(CallRunning)
	err := retry.Do(runCtx, retry.SchedulerConfig(), call.Fn)

	s.release(call)
	s.releaseRoute(call)

	end := time.Now()
	if err != nil {
		status := CallFailed
		if runCtx.Err() == context.Canceled {
			status = CallCancelled
		}
		call.setStatus(status)
		s.recordTerminal(call, status, err, call.enqueued, start)
		s.tel.Log.Warn(ctx, "scheduler: call failed", "call_id", call.CallID, "status", status)
		return
	}
	call.setStatus(CallDone)
	s.recordTerminal(call, CallDone, nil, call.enqueued, start)

	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) recordTerminal(call *ToolCall, status CallStatus, err error, queuedAt, startAt time.Time) {
	evt := DispatchEvent{CallID: call.CallID, Route: call.Route, Status: status, Err: err, QueuedAt: queuedAt, StartAt: startAt, EndAt: time.Now()}
	s.eventMu.Lock()
	s.events = append(s.events, evt)
	subs := append([]chan DispatchEvent(nil), s.subs...)
	s.eventMu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Watch subscribes to DISPATCH events until ctx is cancelled.
func (s *Scheduler) Watch(ctx context.Context) <-chan DispatchEvent {
	ch := make(chan DispatchEvent, 256)
	s.eventMu.Lock()
	s.subs = append(s.subs, ch)
	s.eventMu.Unlock()
	go func() {
		<-ctx.Done()
		s.eventMu.Lock()
		defer s.eventMu.Unlock()
		for i, c := range s.subs {
			if c == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// decayLoop periodically decays per-tenant fairness counters so a tenant
// that previously saturated the global limit doesn't keep crowding out
// newcomers once it stops submitting work, per spec.md §4.8's Fairness
// rule.
func (s *Scheduler) decayLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DecayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.admitMu.Lock()
		for t, c := range s.tenantCredit {
			c *= 0.5
			if c < 0.01 {
				delete(s.tenantCredit, t)
			} else {
				s.tenantCredit[t] = c
			}
		}
		s.admitMu.Unlock()
	}
}

// AcquireSticky claims or renews a sticky lease for planID on mutexKey,
// allowing successive calls from the same plan on the same route to avoid
// interleaving with unrelated callers for up to cfg.StickyWindow, per
// spec.md §4.8.4. A lease held by a different plan is reported busy.
func (s *Scheduler) AcquireSticky(planID, mutexKey string) bool {
	s.stickyMu.Lock()
	defer s.stickyMu.Unlock()
	now := time.Now()
	if lease, ok := s.sticky[mutexKey]; ok && now.Before(lease.expires) && lease.planID != planID {
		return false
	}
	s.sticky[mutexKey] = stickyLease{planID: planID, mutexKey: mutexKey, expires: now.Add(s.cfg.StickyWindow)}
	return true
}
