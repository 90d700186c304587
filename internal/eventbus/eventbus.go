// Package eventbus implements the Task Status & Event Bus (C10): a
// per-task ring buffer of monotonically-numbered events, latest-status
// snapshot semantics for new subscribers, and audience-scoped
// StreamProfile filtering, grounded on the teacher's stream.Event/
// StreamProfile split between wire events and subscriber-side filtering.
package eventbus

import (
	"context"
	"sync"
	"time"
)

// EventKind is the closed set of TaskEvent kinds from spec.md §4.10.
type EventKind string

const (
	EventStatus       EventKind = "status"
	EventLog          EventKind = "log"
	EventContext      EventKind = "context"
	EventObservation  EventKind = "observation"
	EventOverlay      EventKind = "overlay"
	EventAnnotation   EventKind = "annotation"
	EventAgentHistory EventKind = "agent_history"
	EventWatchdog     EventKind = "watchdog"
	EventJudge        EventKind = "judge"
	EventSelfHeal     EventKind = "self_heal"
	EventAlert        EventKind = "alert"
)

// TaskEvent is a single record on a task's event stream.
type TaskEvent struct {
	ID        uint64 // monotonically numbered from 1, per task
	TaskID    string
	Kind      EventKind
	Timestamp time.Time
	Payload   any
	Gap       bool // true for a synthetic record marking a dropped range
}

// AgentHistoryEntry is the structured payload of an EventAgentHistory
// TaskEvent, per spec.md §4.9's execution-loop record.
type AgentHistoryEntry struct {
	StepID             string
	Thinking           string
	Evaluation         string
	Memory             string
	NextGoal           string
	Attempts           int
	Status             string // "ok" | "failed" | "skipped"
	ObservationSummary string
	Obstruction        string
	StructuredSummary  map[string]any
	WaitMs             int64
	RunMs              int64
}

// JudgeVerdict is the structured payload of an EventJudge TaskEvent.
type JudgeVerdict struct {
	Passed bool
	Reason string
}

// Alert is the structured payload of an EventAlert TaskEvent.
type Alert struct {
	Kind     string
	Severity string
	Detail   string
}

// StreamProfile selects which event kinds a subscriber receives, the same
// audience-scoped filtering role as the teacher's stream.StreamProfile.
type StreamProfile struct {
	Status       bool
	Log          bool
	Context      bool
	Observation  bool
	Overlay      bool
	Annotation   bool
	AgentHistory bool
	Watchdog     bool
	Judge        bool
	SelfHeal     bool
	Alert        bool
}

// DefaultProfile admits every event kind.
func DefaultProfile() StreamProfile {
	return StreamProfile{true, true, true, true, true, true, true, true, true, true, true}
}

// UserChatProfile mirrors DefaultProfile: end-user chat views want status,
// observations, and agent-history narration alongside everything else.
func UserChatProfile() StreamProfile { return DefaultProfile() }

// AgentDebugProfile mirrors DefaultProfile: debugging wants every signal,
// including raw logs and self-heal/watchdog internals.
func AgentDebugProfile() StreamProfile { return DefaultProfile() }

// MetricsProfile admits only status, judge, watchdog, and alert events,
// the low-bandwidth subset a metrics pipeline needs.
func MetricsProfile() StreamProfile {
	return StreamProfile{Status: true, Judge: true, Watchdog: true, Alert: true}
}

func (p StreamProfile) admits(k EventKind) bool {
	switch k {
	case EventStatus:
		return p.Status
	case EventLog:
		return p.Log
	case EventContext:
		return p.Context
	case EventObservation:
		return p.Observation
	case EventOverlay:
		return p.Overlay
	case EventAnnotation:
		return p.Annotation
	case EventAgentHistory:
		return p.AgentHistory
	case EventWatchdog:
		return p.Watchdog
	case EventJudge:
		return p.Judge
	case EventSelfHeal:
		return p.SelfHeal
	case EventAlert:
		return p.Alert
	default:
		return true
	}
}

// Snapshot is the latest-status view a new subscriber receives before the
// buffer tail and live events, per spec.md §4.10's snapshot semantics.
type Snapshot struct {
	Status         string
	CurrentStep    string
	Totals         map[string]int
	RecentEvidence []TaskEvent
	Observations   []TaskEvent
	AgentHistory   []TaskEvent
	WatchdogEvents []TaskEvent
	JudgeVerdict   *JudgeVerdict
	Alerts         []TaskEvent
}

const (
	defaultRingDepth  = 256
	snapshotCapN      = 50 // observation_history / agent_history cap
	snapshotCapM      = 50 // watchdog_events cap
	snapshotCapK      = 50 // alerts cap
)

// Bus is a single task's event ring buffer plus its live subscriber set.
type Bus struct {
	mu       sync.Mutex
	taskID   string
	nextID   uint64
	ring     []TaskEvent // fixed-capacity ring, oldest overwritten
	ringHead int         // index of the oldest valid entry
	ringLen  int
	depth    int

	snapshot Snapshot
	subs     map[chan TaskEvent]StreamProfile
}

// NewBus constructs a Bus for taskID with the default ring depth (>=256
// per spec.md §4.10).
func NewBus(taskID string) *Bus {
	return &Bus{
		taskID: taskID,
		depth:  defaultRingDepth,
		ring:   make([]TaskEvent, defaultRingDepth),
		snapshot: Snapshot{
			Status: "pending",
			Totals: make(map[string]int),
		},
		subs: make(map[chan TaskEvent]StreamProfile),
	}
}

// Publish appends a new event, assigns it the next monotonic id, updates
// the latest-status snapshot, and fans it out to subscribers whose
// profile admits its kind, dropping it for subscribers whose channel is
// full rather than blocking the publisher.
func (b *Bus) Publish(kind EventKind, payload any) TaskEvent {
	b.mu.Lock()
	b.nextID++
	evt := TaskEvent{ID: b.nextID, TaskID: b.taskID, Kind: kind, Timestamp: time.Now(), Payload: payload}
	b.pushRing(evt)
	b.applySnapshot(evt)
	subs := make(map[chan TaskEvent]StreamProfile, len(b.subs))
	for ch, p := range b.subs {
		subs[ch] = p
	}
	b.mu.Unlock()

	for ch, profile := range subs {
		if !profile.admits(kind) {
			continue
		}
		select {
		case ch <- evt:
		default:
		}
	}
	return evt
}

func (b *Bus) pushRing(evt TaskEvent) {
	idx := (b.ringHead + b.ringLen) % b.depth
	if b.ringLen < b.depth {
		b.ringLen++
	} else {
		b.ringHead = (b.ringHead + 1) % b.depth
	}
	b.ring[idx] = evt
}

func (b *Bus) applySnapshot(evt TaskEvent) {
	switch evt.Kind {
	case EventStatus:
		if s, ok := evt.Payload.(string); ok {
			b.snapshot.Status = s
		}
	case EventObservation:
		b.snapshot.Observations = appendCapped(b.snapshot.Observations, evt, snapshotCapN)
		b.snapshot.RecentEvidence = appendCapped(b.snapshot.RecentEvidence, evt, snapshotCapN)
	case EventAgentHistory:
		b.snapshot.AgentHistory = appendCapped(b.snapshot.AgentHistory, evt, snapshotCapN)
		b.snapshot.RecentEvidence = appendCapped(b.snapshot.RecentEvidence, evt, snapshotCapN)
		if entry, ok := evt.Payload.(AgentHistoryEntry); ok && entry.StepID != "" {
			b.snapshot.CurrentStep = entry.StepID
		}
	case EventWatchdog:
		b.snapshot.WatchdogEvents = appendCapped(b.snapshot.WatchdogEvents, evt, snapshotCapM)
	case EventAlert:
		b.snapshot.Alerts = appendCapped(b.snapshot.Alerts, evt, snapshotCapK)
	case EventJudge:
		if v, ok := evt.Payload.(JudgeVerdict); ok {
			b.snapshot.JudgeVerdict = &v
		}
	}
}

func appendCapped(s []TaskEvent, evt TaskEvent, cap_ int) []TaskEvent {
	s = append(s, evt)
	if len(s) > cap_ {
		s = s[len(s)-cap_:]
	}
	return s
}

// Snapshot returns a copy of the current latest-status snapshot.
func (b *Bus) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// snapshotLocked copies the snapshot; the caller holds b.mu.
func (b *Bus) snapshotLocked() Snapshot {
	out := b.snapshot
	out.Totals = make(map[string]int, len(b.snapshot.Totals))
	for k, v := range b.snapshot.Totals {
		out.Totals[k] = v
	}
	return out
}

// SetTotal records a named running total (e.g. "steps_completed") in the
// snapshot, surfaced to new subscribers without replaying every
// contributing event.
func (b *Bus) SetTotal(name string, value int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot.Totals[name] = value
}

// Subscribe registers ch under profile and returns the snapshot plus the
// buffered tail the caller should replay before switching to live
// delivery from ch, per spec.md §4.10: "New subscribers receive the
// snapshot first, then the tail of the buffer, then live events."
func (b *Bus) Subscribe(ctx context.Context, profile StreamProfile) (Snapshot, []TaskEvent, <-chan TaskEvent) {
	ch := make(chan TaskEvent, 256)
	b.mu.Lock()
	b.subs[ch] = profile
	snap := b.snapshotLocked()
	tail := b.tailLocked(profile)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}()
	return snap, tail, ch
}

func (b *Bus) tailLocked(profile StreamProfile) []TaskEvent {
	out := make([]TaskEvent, 0, b.ringLen)
	for i := 0; i < b.ringLen; i++ {
		evt := b.ring[(b.ringHead+i)%b.depth]
		if profile.admits(evt.Kind) {
			out = append(out, evt)
		}
	}
	return out
}

// Resume implements the Last-Event-ID-style replay contract: if lastID+1
// is still present in the ring, returns the contiguous suffix from there;
// otherwise returns a single synthetic gap marker followed by the current
// tail, so the subscriber knows it missed events rather than silently
// resuming from an arbitrary point.
func (b *Bus) Resume(ctx context.Context, lastID uint64, profile StreamProfile) (Snapshot, []TaskEvent, <-chan TaskEvent) {
	b.mu.Lock()
	var tail []TaskEvent
	oldestID := uint64(0)
	if b.ringLen > 0 {
		oldestID = b.ring[b.ringHead].ID
	}
	if lastID == 0 || (b.ringLen > 0 && lastID+1 >= oldestID) {
		for i := 0; i < b.ringLen; i++ {
			evt := b.ring[(b.ringHead+i)%b.depth]
			if evt.ID > lastID && profile.admits(evt.Kind) {
				tail = append(tail, evt)
			}
		}
	} else {
		tail = append(tail, TaskEvent{TaskID: b.taskID, Gap: true, Timestamp: time.Now()})
		tail = append(tail, b.tailLocked(profile)...)
	}
	snap := b.snapshotLocked()
	ch := make(chan TaskEvent, 256)
	b.subs[ch] = profile
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}()
	return snap, tail, ch
}

// Registry owns one Bus per task, created on first use. Grounded on the
// teacher's session-scoped stream registry pattern of one live stream per
// run id.
type Registry struct {
	mu    sync.Mutex
	buses map[string]*Bus
}

// NewRegistry constructs an empty Bus registry.
func NewRegistry() *Registry {
	return &Registry{buses: make(map[string]*Bus)}
}

// BusFor returns the Bus for taskID, creating it if absent.
func (r *Registry) BusFor(taskID string) *Bus {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buses[taskID]
	if !ok {
		b = NewBus(taskID)
		r.buses[taskID] = b
	}
	return b
}

// Drop removes taskID's Bus once the task is terminal and no longer
// needs replay, bounding the Registry's memory to live/recent tasks.
func (r *Registry) Drop(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buses, taskID)
}
