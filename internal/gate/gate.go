// Package gate implements the Post-Condition Gate (C7): a multi-signal
// validator that polls Evidence (post-action signals plus a fresh
// perception snapshot) against an ExpectSpec's all/any/deny conditions
// until they are satisfied or timeout_ms elapses.
package gate

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/soulbrowser/kernel/internal/action"
	"github.com/soulbrowser/kernel/internal/kerrors"
	"github.com/soulbrowser/kernel/internal/perceive"
	"github.com/soulbrowser/kernel/internal/plan"
)

// Evidence bundles everything a Condition can be evaluated against: the
// action's post-signals (owned by internal/action's ActionReport), the
// freshest perception snapshot, the current URL/title, and an optional
// Runtime(Evaluate) script result.
type Evidence struct {
	Post          action.PostSignals
	Perception    *perceive.PerceptionSnapshot
	CurrentURL    string
	CurrentTitle  string
	RuntimeResult bool
}

// ConditionKind is the closed set of condition kinds an ExpectSpec entry
// can name, per spec.md §4.7.
type ConditionKind string

const (
	CondDom     ConditionKind = "dom"
	CondNet     ConditionKind = "net"
	CondURL     ConditionKind = "url"
	CondTitle   ConditionKind = "title"
	CondRuntime ConditionKind = "runtime"
	CondVis     ConditionKind = "vis"
	CondSem     ConditionKind = "sem"
)

// Condition is a single parsed condition, e.g. "dom:diff>0" or
// "title:contains=Example Domain". The wire form is "kind:predicate",
// parsed once by Parse and evaluated repeatedly against successive
// Evidence snapshots during a poll loop.
type Condition struct {
	Kind      ConditionKind
	Predicate string
	raw       string
}

// Parse decodes a condition string from a plan.ExpectSpec's All/Any/Deny
// list into a typed Condition.
func Parse(raw string) (Condition, error) {
	kind, predicate, ok := strings.Cut(raw, ":")
	if !ok {
		return Condition{}, kerrors.New(kerrors.GateFailed, "malformed condition: "+raw)
	}
	return Condition{Kind: ConditionKind(kind), Predicate: predicate, raw: raw}, nil
}

// Eval evaluates c against ev. Unknown kinds/predicates are treated as not
// holding rather than erroring, since the Gate must keep polling until
// timeout rather than abort on a single bad condition string.
func (c Condition) Eval(ev Evidence) bool {
	switch c.Kind {
	case CondDom:
		return evalIntPredicate(strings.TrimPrefix(c.Predicate, "diff"), ev.Post.DOMDiffCount)
	case CondNet:
		if c.Predicate == "2xx" {
			return ev.Post.Network2xxCount > 0
		}
		if rest, ok := strings.CutPrefix(c.Predicate, "quiet"); ok {
			return evalIntPredicate(rest, ev.Post.NetworkQuietMs)
		}
		return evalIntPredicate(strings.TrimPrefix(c.Predicate, "2xx"), ev.Post.Network2xxCount)
	case CondURL:
		if c.Predicate == "changed" {
			return ev.Post.URLChanged
		}
		if val, ok := strings.CutPrefix(c.Predicate, "contains="); ok {
			return strings.Contains(ev.CurrentURL, val)
		}
		return false
	case CondTitle:
		if c.Predicate == "changed" {
			return ev.Post.TitleChanged
		}
		if val, ok := strings.CutPrefix(c.Predicate, "contains="); ok {
			return strings.Contains(ev.CurrentTitle, val)
		}
		if val, ok := strings.CutPrefix(c.Predicate, "equals="); ok {
			return ev.CurrentTitle == val
		}
		return false
	case CondRuntime:
		return ev.RuntimeResult
	case CondVis:
		if ev.Perception == nil {
			return false
		}
		if rest, ok := strings.CutPrefix(c.Predicate, "contrast"); ok {
			return evalFloatPredicate(rest, ev.Perception.Visual.AvgContrast)
		}
		return false
	case CondSem:
		if ev.Perception == nil {
			return false
		}
		if val, ok := strings.CutPrefix(c.Predicate, "intent="); ok {
			return string(ev.Perception.Semantic.Intent) == val
		}
		if val, ok := strings.CutPrefix(c.Predicate, "content_type="); ok {
			return string(ev.Perception.Semantic.ContentType) == val
		}
		return false
	default:
		return false
	}
}

func evalIntPredicate(pred string, actual int) bool {
	op, numStr := splitOp(pred)
	n, err := strconv.Atoi(numStr)
	if err != nil {
		return false
	}
	return compare(float64(actual), op, float64(n))
}

func evalFloatPredicate(pred string, actual float64) bool {
	op, numStr := splitOp(pred)
	n, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return false
	}
	return compare(actual, op, n)
}

func splitOp(pred string) (op, rest string) {
	for _, candidate := range []string{">=", "<=", "!=", ">", "<", "="} {
		if rest, ok := strings.CutPrefix(pred, candidate); ok {
			return candidate, rest
		}
	}
	return "=", pred
}

func compare(actual float64, op string, want float64) bool {
	switch op {
	case ">=":
		return actual >= want
	case "<=":
		return actual <= want
	case "!=":
		return actual != want
	case ">":
		return actual > want
	case "<":
		return actual < want
	default:
		return actual == want
	}
}

// Result is the outcome of Gate.Evaluate.
type Result struct {
	Passed     bool
	Evidence   Evidence
	SuggestHeal bool
	Elapsed    time.Duration
}

// Collector produces a fresh Evidence snapshot, typically combining the
// Action Primitive's post-signals with a Perceiver Hub read.
type Collector func(ctx context.Context) (Evidence, error)

// Gate evaluates ExpectSpecs by polling a Collector at a fixed cadence.
type Gate struct {
	pollInterval time.Duration
}

// New constructs a Gate polling at the perceivers' cadence (spec.md default
// wait-primitive poll cadence: <=100ms).
func New(pollInterval time.Duration) *Gate {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	return &Gate{pollInterval: pollInterval}
}

// Evaluate implements spec.md §4.7: pass iff every `all` condition holds,
// >=1 `any` holds (if non-empty), and no `deny` holds, within timeout_ms
// measured from action end. On failure with locator_hint =
// SuspiciousIfNoDomEffect and a no-DOM-effect evidence shape, SuggestHeal
// is set so the caller can request one locator heal attempt.
func (g *Gate) Evaluate(ctx context.Context, spec plan.ExpectSpec, collect Collector) (Result, error) {
	all, err := parseAll(spec.All)
	if err != nil {
		return Result{}, err
	}
	any_, err := parseAll(spec.Any)
	if err != nil {
		return Result{}, err
	}
	deny, err := parseAll(spec.Deny)
	if err != nil {
		return Result{}, err
	}

	timeout := time.Duration(spec.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)
	start := time.Now()

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	var last Evidence
	for {
		ev, err := collect(ctx)
		if err == nil {
			last = ev
			if holds(deny, ev) {
				return Result{Passed: false, Evidence: ev, Elapsed: time.Since(start)}, nil
			}
			if holdsAll(all, ev) && (len(any_) == 0 || holds(any_, ev)) {
				return Result{Passed: true, Evidence: ev, Elapsed: time.Since(start)}, nil
			}
		}
		if time.Now().After(deadline) {
			return Result{
				Passed:      false,
				Evidence:    last,
				SuggestHeal: suggestHeal(spec, last),
				Elapsed:     time.Since(start),
			}, nil
		}
		select {
		case <-ctx.Done():
			return Result{}, kerrors.Wrap(kerrors.Interrupted, "gate evaluation cancelled", ctx.Err())
		case <-ticker.C:
		}
	}
}

func suggestHeal(spec plan.ExpectSpec, ev Evidence) bool {
	if spec.LocatorHint != "SuspiciousIfNoDomEffect" {
		return false
	}
	noDOMEffect := ev.Post.DOMDiffCount == 0
	networkUnchanged := ev.Post.Network2xxCount == 0 && ev.Post.NetworkQuietMs == 0
	return noDOMEffect && networkUnchanged
}

func parseAll(raw []string) ([]Condition, error) {
	out := make([]Condition, 0, len(raw))
	for _, r := range raw {
		c, err := Parse(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func holdsAll(conds []Condition, ev Evidence) bool {
	for _, c := range conds {
		if !c.Eval(ev) {
			return false
		}
	}
	return true
}

func holds(conds []Condition, ev Evidence) bool {
	for _, c := range conds {
		if c.Eval(ev) {
			return true
		}
	}
	return false
}
