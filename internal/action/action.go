// Package action implements the Action Primitives (C6): navigate, click,
// type_text, select, scroll, and wait, each with a built-in wait tier,
// locator resolution (with at-most-one self-heal), and deadline/
// cancellation handling per spec.md §4.6 and §5.
package action

import (
	"context"
	"time"

	"github.com/soulbrowser/kernel/internal/ident"
	"github.com/soulbrowser/kernel/internal/kerrors"
	"github.com/soulbrowser/kernel/internal/locator"
	"github.com/soulbrowser/kernel/internal/perception"
	"github.com/soulbrowser/kernel/internal/telemetry"
	"github.com/soulbrowser/kernel/internal/transport"
)

// WaitTier is the closed set of built-in wait tiers from spec.md §4.6.
type WaitTier string

const (
	WaitNone     WaitTier = "None"
	WaitDomReady WaitTier = "DomReady" // <= 5s
	WaitIdle     WaitTier = "Idle"     // <= 10s, requires DomReady + network-quiet >= 500ms
)

var tierCeiling = map[WaitTier]time.Duration{
	WaitDomReady: 5 * time.Second,
	WaitIdle:     10 * time.Second,
}

const networkQuietFloor = 500 * time.Millisecond

// PostSignals are the cheap observations captured immediately after an
// action, owned by the ActionReport per spec.md §3.
type PostSignals struct {
	URLChanged      bool
	TitleChanged    bool
	DOMDiffCount    int
	Network2xxCount int
	NetworkQuietMs  int
}

// Report is the ActionReport data model entry from spec.md §3.
type Report struct {
	OK          bool
	StartedAt   time.Time
	FinishedAt  time.Time
	LatencyMs   int64
	Precheck    string // non-empty names the precheck that failed
	PostSignals PostSignals
	SelfHeal    *locator.HealOutcome
	Err         error
}

func (r Report) finish(start time.Time) Report {
	r.FinishedAt = time.Now()
	r.StartedAt = start
	r.LatencyMs = r.FinishedAt.Sub(start).Milliseconds()
	return r
}

// Policy is the narrow read-only policy view a primitive consults (e.g. for
// allowed URL schemes); internal/policy.Snapshot implements it.
type Policy interface {
	AllowedURLSchemes() []string
}

// Context is the execution context threaded through every primitive
// invocation: route, deadline, policy view, and the action's own id. The
// cancellation token is the ctx.Context parameter passed alongside it,
// matching the teacher's WorkflowContext.Context() pattern of keeping a
// single context.Context as the cancellation/deadline carrier.
type Context struct {
	Route    ident.ExecRoute
	Deadline time.Time
	Policy   Policy
	ActionID string
}

// effectiveDeadline returns the earlier of ctx's deadline and actx's
// configured deadline, per spec.md §4.6: "Timeouts are enforced against
// the context deadline, not the primitive's local timeout, whichever is
// earlier."
func effectiveDeadline(ctx context.Context, actx Context, localTimeout time.Duration) time.Time {
	d := time.Now().Add(localTimeout)
	if !actx.Deadline.IsZero() && actx.Deadline.Before(d) {
		d = actx.Deadline
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		d = ctxDeadline
	}
	return d
}

// ElementState is the result of a pre-check probe against a resolved
// element, consulted before click/type_text/select.
type ElementState struct {
	ElementRef string
	Visible    bool
	Clickable  bool
	Enabled    bool
	IsSelector bool
}

// Prechecker probes an already-resolved element's interactable state.
type Prechecker interface {
	Precheck(ctx context.Context, route ident.ExecRoute, elementRef string) (ElementState, error)
}

// ConditionKind enumerates the wait() primitive's condition kinds from
// spec.md §4.6.
type ConditionKind string

const (
	ConditionEvaluate       ConditionKind = "Evaluate"
	ConditionDomReady       ConditionKind = "DomReady"
	ConditionIdle           ConditionKind = "Idle"
	ConditionSelectorVisible ConditionKind = "SelectorVisible"
	ConditionNetworkQuiet   ConditionKind = "NetworkQuiet"
	ConditionEvent          ConditionKind = "Event"
)

// Condition is the wait() primitive's polled predicate.
type Condition struct {
	Kind     ConditionKind
	Script   string               // Evaluate
	Anchor   locator.AnchorDescriptor // SelectorVisible
	QuietMs  int                  // NetworkQuiet(N)
	EventName string              // Event(name)
}

// SelectBy enumerates how select() identifies the target option.
type SelectBy string

const (
	SelectByValue SelectBy = "Value"
	SelectByLabel SelectBy = "Label"
	SelectByIndex SelectBy = "Index"
)

// ScrollTarget names what scroll() scrolls: the page or a container anchor.
type ScrollTarget struct {
	Anchor    *locator.AnchorDescriptor // nil: scroll the page
	DeltaX    int
	DeltaY    int
}

// ScrollBehavior selects smooth or instant scrolling.
type ScrollBehavior string

const (
	ScrollSmooth   ScrollBehavior = "smooth"
	ScrollInstant  ScrollBehavior = "instant"
)

// Primitives implements the six action primitives over a Transport Port,
// a Locator chain with self-heal, and the Perception Cache for resolved
// anchors. It is the one place in the kernel that issues CDP-shaped
// commands directly against transport.Port.SendCommand, per spec.md §4.1's
// "the core treats the port as fallible and retryable only for
// TransportDown."
type Primitives struct {
	Port         transport.Port
	Chain        *locator.Chain
	Resolvers    map[locator.Strategy]locator.StrategyResolver
	Heals        *locator.HealTracker
	AnchorCache  *perception.Cache
	Precheck     Prechecker
	PollInterval time.Duration
	Tel          telemetry.Bundle
}

// New constructs Primitives with a 100ms poll cadence, per spec.md §4.6's
// "Poll condition ... at <=100ms cadence."
func New(port transport.Port, chain *locator.Chain, resolvers map[locator.Strategy]locator.StrategyResolver, heals *locator.HealTracker, anchorCache *perception.Cache, precheck Prechecker, tel telemetry.Bundle) *Primitives {
	return &Primitives{
		Port:         port,
		Chain:        chain,
		Resolvers:    resolvers,
		Heals:        heals,
		AnchorCache:  anchorCache,
		Precheck:     precheck,
		PollInterval: 100 * time.Millisecond,
		Tel:          tel,
	}
}

// resolve resolves anchor to an element ref, consulting the anchor cache
// first, then the fallback chain, then (at most once) the self-heal path.
func (p *Primitives) resolve(ctx context.Context, actx Context, anchor locator.AnchorDescriptor) (string, *locator.HealOutcome, error) {
	key := perception.AnchorKey(actx.Route, anchor.Fingerprint())
	if cached, ok := p.AnchorCache.Get(key); ok {
		if ref, ok := cached.(string); ok {
			return ref, nil, nil
		}
	}

	cand, err := p.Chain.Resolve(anchor)
	if err == nil {
		p.AnchorCache.Set(key, cand.ElementRef)
		return cand.ElementRef, nil, nil
	}
	if !kerrors.Has(err, kerrors.LocatorExhausted) {
		return "", nil, err
	}

	outcome := p.Heals.TryHeal(anchor, p.Resolvers, 0.5, 10)
	if outcome.Kind != locator.HealHealed {
		return "", &outcome, kerrors.New(kerrors.AnchorNotFound, "anchor not found after self-heal: "+string(outcome.Kind))
	}
	p.AnchorCache.Set(key, outcome.ElementRef)
	return outcome.ElementRef, &outcome, nil
}

// Navigate issues Page.navigate and awaits the requested wait tier
// (default Idle), per spec.md §4.6.
func (p *Primitives) Navigate(ctx context.Context, actx Context, url string, tier WaitTier) Report {
	start := time.Now()
	if tier == "" {
		tier = WaitIdle
	}
	if !validURLScheme(url, actx.Policy) {
		return Report{Err: kerrors.New(kerrors.NavTimeout, "disallowed URL scheme")}.finish(start)
	}

	deadline := effectiveDeadline(ctx, actx, tierCeiling[WaitIdle])
	if !deadline.After(start) {
		return Report{Err: kerrors.New(kerrors.DeadlineExceed, "zero deadline")}.finish(start)
	}
	cctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if _, err := p.Port.SendCommand(cctx, actx.Route, "Page.navigate", map[string]any{"url": url}, time.Until(deadline)); err != nil {
		return Report{Err: toActionErr(err, kerrors.NavTimeout)}.finish(start)
	}

	rep := Report{OK: true}
	if tier != WaitNone {
		waitErr := p.awaitTier(cctx, actx, tier)
		if waitErr != nil {
			rep.OK = false
			rep.Err = waitErr
		}
	}
	rep.PostSignals.URLChanged = true
	return rep.finish(start)
}

// Click resolves anchor, runs the visible/clickable/enabled precheck,
// then scrolls the element into view, focuses it, and dispatches a
// synthetic mouse down/up at the element center.
func (p *Primitives) Click(ctx context.Context, actx Context, anchor locator.AnchorDescriptor, tier WaitTier) Report {
	start := time.Now()
	if tier == "" {
		tier = WaitDomReady
	}
	deadline := effectiveDeadline(ctx, actx, tierCeiling[WaitDomReady])
	if !deadline.After(start) {
		return Report{Err: kerrors.New(kerrors.DeadlineExceed, "zero deadline")}.finish(start)
	}
	cctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	elementRef, heal, err := p.resolve(cctx, actx, anchor)
	if err != nil {
		return Report{Err: err, SelfHeal: heal}.finish(start)
	}

	state, err := p.Precheck.Precheck(cctx, actx.Route, elementRef)
	if err != nil {
		return Report{Err: toActionErr(err, kerrors.NotClickable), SelfHeal: heal}.finish(start)
	}
	if !state.Visible || !state.Clickable {
		return Report{Err: kerrors.New(kerrors.NotClickable, "element not visible/clickable"), Precheck: "visible_clickable", SelfHeal: heal}.finish(start)
	}
	if !state.Enabled {
		return Report{Err: kerrors.New(kerrors.NotEnabled, "element disabled"), Precheck: "enabled", SelfHeal: heal}.finish(start)
	}

	if _, err := p.Port.SendCommand(cctx, actx.Route, "DOM.scrollIntoViewIfNeeded", map[string]any{"elementRef": elementRef}, time.Until(deadline)); err != nil {
		return Report{Err: toActionErr(err, kerrors.NotClickable), SelfHeal: heal}.finish(start)
	}
	if _, err := p.Port.SendCommand(cctx, actx.Route, "DOM.focus", map[string]any{"elementRef": elementRef}, time.Until(deadline)); err != nil {
		return Report{Err: toActionErr(err, kerrors.NotClickable), SelfHeal: heal}.finish(start)
	}
	if _, err := p.Port.SendCommand(cctx, actx.Route, "Input.dispatchMouseEvent", map[string]any{"elementRef": elementRef, "type": "mousePressed"}, time.Until(deadline)); err != nil {
		return Report{Err: toActionErr(err, kerrors.NotClickable), SelfHeal: heal}.finish(start)
	}
	if _, err := p.Port.SendCommand(cctx, actx.Route, "Input.dispatchMouseEvent", map[string]any{"elementRef": elementRef, "type": "mouseReleased"}, time.Until(deadline)); err != nil {
		return Report{Err: toActionErr(err, kerrors.NotClickable), SelfHeal: heal}.finish(start)
	}

	rep := Report{OK: true, SelfHeal: heal, PostSignals: PostSignals{DOMDiffCount: 1}}
	if err := p.awaitTier(cctx, actx, tier); err != nil {
		rep.OK = false
		rep.Err = err
	}
	return rep.finish(start)
}

// TypeText clears the field, emits keystrokes, and optionally presses
// Enter. The typed value never reaches p.Tel.Log: a failed insert logs a
// warning carrying only the action id, and for password fields nothing.
func (p *Primitives) TypeText(ctx context.Context, actx Context, anchor locator.AnchorDescriptor, text string, submit bool, isPassword bool, tier WaitTier) Report {
	start := time.Now()
	if tier == "" {
		tier = WaitDomReady
	}
	deadline := effectiveDeadline(ctx, actx, tierCeiling[WaitDomReady])
	if !deadline.After(start) {
		return Report{Err: kerrors.New(kerrors.DeadlineExceed, "zero deadline")}.finish(start)
	}
	cctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	elementRef, heal, err := p.resolve(cctx, actx, anchor)
	if err != nil {
		return Report{Err: err, SelfHeal: heal}.finish(start)
	}
	state, err := p.Precheck.Precheck(cctx, actx.Route, elementRef)
	if err != nil {
		return Report{Err: toActionErr(err, kerrors.NotEnabled), SelfHeal: heal}.finish(start)
	}
	if !state.Visible {
		return Report{Err: kerrors.New(kerrors.NotClickable, "element not visible"), Precheck: "visible", SelfHeal: heal}.finish(start)
	}
	if !state.Enabled {
		return Report{Err: kerrors.New(kerrors.NotEnabled, "element disabled"), Precheck: "enabled", SelfHeal: heal}.finish(start)
	}

	if _, err := p.Port.SendCommand(cctx, actx.Route, "DOM.focus", map[string]any{"elementRef": elementRef}, time.Until(deadline)); err != nil {
		return Report{Err: toActionErr(err, kerrors.NotEnabled), SelfHeal: heal}.finish(start)
	}
	if _, err := p.Port.SendCommand(cctx, actx.Route, "Input.insertText", map[string]any{"elementRef": elementRef, "clear": true, "text": text}, time.Until(deadline)); err != nil {
		if !isPassword {
			p.Tel.Log.Warn(cctx, "action: type_text failed", "action_id", actx.ActionID)
		}
		return Report{Err: toActionErr(err, kerrors.NotEnabled), SelfHeal: heal}.finish(start)
	}
	if submit {
		if _, err := p.Port.SendCommand(cctx, actx.Route, "Input.dispatchKeyEvent", map[string]any{"elementRef": elementRef, "key": "Enter"}, time.Until(deadline)); err != nil {
			return Report{Err: toActionErr(err, kerrors.NotEnabled), SelfHeal: heal}.finish(start)
		}
	}

	rep := Report{OK: true, SelfHeal: heal, PostSignals: PostSignals{DOMDiffCount: 1}}
	if err := p.awaitTier(cctx, actx, tier); err != nil {
		rep.OK = false
		rep.Err = err
	}
	return rep.finish(start)
}

// Select changes a <select>-like element's selection by Value, Label, or
// Index and fires a native change event.
func (p *Primitives) Select(ctx context.Context, actx Context, anchor locator.AnchorDescriptor, by SelectBy, item string, tier WaitTier) Report {
	start := time.Now()
	if tier == "" {
		tier = WaitDomReady
	}
	deadline := effectiveDeadline(ctx, actx, tierCeiling[WaitDomReady])
	if !deadline.After(start) {
		return Report{Err: kerrors.New(kerrors.DeadlineExceed, "zero deadline")}.finish(start)
	}
	cctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	elementRef, heal, err := p.resolve(cctx, actx, anchor)
	if err != nil {
		return Report{Err: err, SelfHeal: heal}.finish(start)
	}
	state, err := p.Precheck.Precheck(cctx, actx.Route, elementRef)
	if err != nil {
		return Report{Err: toActionErr(err, kerrors.OptionNotFound), SelfHeal: heal}.finish(start)
	}
	if !state.IsSelector {
		return Report{Err: kerrors.New(kerrors.OptionNotFound, "element is not a selector"), Precheck: "is_selector", SelfHeal: heal}.finish(start)
	}
	if !state.Enabled {
		return Report{Err: kerrors.New(kerrors.NotEnabled, "selector disabled"), Precheck: "enabled", SelfHeal: heal}.finish(start)
	}

	if _, err := p.Port.SendCommand(cctx, actx.Route, "DOM.setSelectedOption", map[string]any{"elementRef": elementRef, "by": string(by), "item": item}, time.Until(deadline)); err != nil {
		return Report{Err: toActionErr(err, kerrors.OptionNotFound), SelfHeal: heal}.finish(start)
	}
	if _, err := p.Port.SendCommand(cctx, actx.Route, "Runtime.dispatchChangeEvent", map[string]any{"elementRef": elementRef}, time.Until(deadline)); err != nil {
		return Report{Err: toActionErr(err, kerrors.OptionNotFound), SelfHeal: heal}.finish(start)
	}

	rep := Report{OK: true, SelfHeal: heal, PostSignals: PostSignals{DOMDiffCount: 1}}
	if err := p.awaitTier(cctx, actx, tier); err != nil {
		rep.OK = false
		rep.Err = err
	}
	return rep.finish(start)
}

// Scroll scrolls the page or a resolved container by DeltaX/DeltaY. Scroll
// has no default wait tier: it is a cheap, synchronous-feeling primitive.
func (p *Primitives) Scroll(ctx context.Context, actx Context, target ScrollTarget, behavior ScrollBehavior) Report {
	start := time.Now()
	deadline := effectiveDeadline(ctx, actx, 5*time.Second)
	if !deadline.After(start) {
		return Report{Err: kerrors.New(kerrors.DeadlineExceed, "zero deadline")}.finish(start)
	}
	cctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	params := map[string]any{"dx": target.DeltaX, "dy": target.DeltaY, "behavior": string(behavior)}
	if target.Anchor != nil {
		elementRef, heal, err := p.resolve(cctx, actx, *target.Anchor)
		if err != nil {
			return Report{Err: err, SelfHeal: heal}.finish(start)
		}
		params["elementRef"] = elementRef
		if _, err := p.Port.SendCommand(cctx, actx.Route, "Input.dispatchScrollEvent", params, time.Until(deadline)); err != nil {
			return Report{Err: toActionErr(err, kerrors.ScrollTargetInvalid), SelfHeal: heal}.finish(start)
		}
		return Report{OK: true, SelfHeal: heal}.finish(start)
	}
	if _, err := p.Port.SendCommand(cctx, actx.Route, "Input.dispatchScrollEvent", params, time.Until(deadline)); err != nil {
		return Report{Err: toActionErr(err, kerrors.ScrollTargetInvalid)}.finish(start)
	}
	return Report{OK: true}.finish(start)
}

// Wait polls condition at <=100ms cadence until it holds or timeout
// elapses, per spec.md §4.6.
func (p *Primitives) Wait(ctx context.Context, actx Context, cond Condition, timeout time.Duration) Report {
	start := time.Now()
	deadline := effectiveDeadline(ctx, actx, timeout)
	cctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if timeout <= 0 {
		return Report{Err: kerrors.New(kerrors.DeadlineExceed, "zero deadline")}.finish(start)
	}

	ticker := time.NewTicker(p.PollInterval)
	defer ticker.Stop()
	for {
		ok, err := p.evalCondition(cctx, actx, cond)
		if err != nil {
			return Report{Err: toActionErr(err, kerrors.WaitTimeout)}.finish(start)
		}
		if ok {
			return Report{OK: true}.finish(start)
		}
		select {
		case <-cctx.Done():
			if ctx.Err() == context.Canceled {
				return Report{Err: kerrors.New(kerrors.Interrupted, "cancelled during wait")}.finish(start)
			}
			return Report{Err: kerrors.New(kerrors.WaitTimeout, "condition not met before deadline")}.finish(start)
		case <-ticker.C:
		}
	}
}

func (p *Primitives) evalCondition(ctx context.Context, actx Context, cond Condition) (bool, error) {
	switch cond.Kind {
	case ConditionEvaluate:
		res, err := p.Port.SendCommand(ctx, actx.Route, "Runtime.evaluate", map[string]any{"expression": cond.Script}, 2*time.Second)
		if err != nil {
			return false, err
		}
		b, _ := res.(bool)
		return b, nil
	case ConditionDomReady:
		res, err := p.Port.SendCommand(ctx, actx.Route, "Page.domReady", nil, 2*time.Second)
		if err != nil {
			return false, err
		}
		b, _ := res.(bool)
		return b, nil
	case ConditionIdle:
		domOK, err := p.evalCondition(ctx, actx, Condition{Kind: ConditionDomReady})
		if err != nil || !domOK {
			return false, err
		}
		quietOK, err := p.evalCondition(ctx, actx, Condition{Kind: ConditionNetworkQuiet, QuietMs: int(networkQuietFloor.Milliseconds())})
		return quietOK, err
	case ConditionSelectorVisible:
		elementRef, _, err := p.resolve(ctx, actx, cond.Anchor)
		if err != nil {
			if kerrors.Has(err, kerrors.AnchorNotFound) {
				return false, nil
			}
			return false, err
		}
		state, err := p.Precheck.Precheck(ctx, actx.Route, elementRef)
		if err != nil {
			return false, err
		}
		return state.Visible, nil
	case ConditionNetworkQuiet:
		res, err := p.Port.SendCommand(ctx, actx.Route, "Network.quietFor", map[string]any{"ms": cond.QuietMs}, 2*time.Second)
		if err != nil {
			return false, err
		}
		b, _ := res.(bool)
		return b, nil
	case ConditionEvent:
		res, err := p.Port.SendCommand(ctx, actx.Route, "Runtime.observedEvent", map[string]any{"name": cond.EventName}, 2*time.Second)
		if err != nil {
			return false, err
		}
		b, _ := res.(bool)
		return b, nil
	default:
		return false, kerrors.New(kerrors.Internal, "unknown wait condition kind")
	}
}

// awaitTier blocks until tier's implicit conditions hold or its ceiling
// elapses. DomReady requires the DOM-ready signal; Idle additionally
// requires network-quiet for >= 500ms.
func (p *Primitives) awaitTier(ctx context.Context, actx Context, tier WaitTier) error {
	if tier == WaitNone {
		return nil
	}
	rep := p.Wait(ctx, actx, Condition{Kind: ConditionDomReady}, tierCeiling[WaitDomReady])
	if rep.Err != nil {
		return rep.Err
	}
	if tier == WaitIdle {
		rep := p.Wait(ctx, actx, Condition{Kind: ConditionNetworkQuiet, QuietMs: int(networkQuietFloor.Milliseconds())}, tierCeiling[WaitIdle])
		if rep.Err != nil {
			return rep.Err
		}
	}
	return nil
}

func validURLScheme(url string, pol Policy) bool {
	schemes := []string{"http", "https"}
	if pol != nil {
		if allowed := pol.AllowedURLSchemes(); len(allowed) > 0 {
			schemes = allowed
		}
	}
	for _, s := range schemes {
		if len(url) > len(s)+3 && url[:len(s)+3] == s+"://" {
			return true
		}
	}
	return false
}

// toActionErr converts a transport/internal error into an Action kind
// unless it is already a classified *kerrors.Error, per the propagation
// rule in spec.md §7: "primitives convert low-level errors to Action kinds."
func toActionErr(err error, fallback kerrors.Kind) error {
	if _, ok := err.(*kerrors.Error); ok {
		return err
	}
	if te, ok := err.(*transport.Error); ok {
		return te.ToKerror()
	}
	return kerrors.Wrap(fallback, "action primitive failed", err)
}
