// Package locator implements the Locator & Self-Heal (C5): a Css->AriaAx->
// Text fallback chain for resolving anchors, plus at-most-one self-heal
// attempt per anchor per plan.
package locator

import (
	"sort"
	"sync"

	"github.com/soulbrowser/kernel/internal/kerrors"
)

// Strategy enumerates the fallback chain's three resolution strategies, in
// the fixed order spec.md §4.5 mandates.
type Strategy string

const (
	StrategyCss    Strategy = "Css"
	StrategyAriaAx Strategy = "AriaAx"
	StrategyText   Strategy = "Text"
)

var strategyOrder = []Strategy{StrategyCss, StrategyAriaAx, StrategyText}

// AnchorKind is the tagged-union discriminant for AnchorDescriptor.
type AnchorKind string

const (
	AnchorCss  AnchorKind = "css"
	AnchorAria AnchorKind = "aria"
	AnchorText AnchorKind = "text"
)

// AnchorDescriptor is the tagged-union anchor value type from spec.md §2:
// Css(selector) | Aria{role,name} | Text{content,exact}. Anchors are value
// types so they can be compared and fingerprinted.
type AnchorDescriptor struct {
	Kind AnchorKind

	// Css fields.
	Selector string

	// Aria fields.
	Role string
	Name string

	// Text fields.
	Content string
	Exact   bool
}

// Fingerprint is a stable string identity for an anchor, used as the
// AnchorCache key suffix and as the self-heal dedup key.
func (a AnchorDescriptor) Fingerprint() string {
	switch a.Kind {
	case AnchorCss:
		return "css:" + a.Selector
	case AnchorAria:
		return "aria:" + a.Role + ":" + a.Name
	case AnchorText:
		exact := "0"
		if a.Exact {
			exact = "1"
		}
		return "text:" + exact + ":" + a.Content
	default:
		return "unknown"
	}
}

// Candidate is a single resolution candidate produced by a Strategy.
type Candidate struct {
	Strategy   Strategy
	ElementRef string // opaque handle into the Structural snapshot's element tree
	Confidence float64
}

// StrategyResolver resolves an anchor into zero or more candidates using
// one strategy.
type StrategyResolver interface {
	Resolve(anchor AnchorDescriptor) ([]Candidate, error)
}

const (
	winThreshold       = 0.5
	shortCircuitThreshold = 0.8
)

// Chain runs the Css->AriaAx->Text fallback chain: the first strategy whose
// best candidate's confidence is >= winThreshold wins (ties broken by
// strategy order); a candidate >= shortCircuitThreshold stops the chain
// immediately.
type Chain struct {
	resolvers map[Strategy]StrategyResolver
}

// NewChain constructs a Chain from per-strategy resolvers. A nil resolver
// for a strategy means that strategy is skipped.
func NewChain(css, aria, text StrategyResolver) *Chain {
	return &Chain{resolvers: map[Strategy]StrategyResolver{
		StrategyCss:    css,
		StrategyAriaAx: aria,
		StrategyText:   text,
	}}
}

// Resolve runs the fallback chain and returns the winning candidate, or
// LocatorExhausted if no strategy produced a candidate meeting winThreshold.
func (c *Chain) Resolve(anchor AnchorDescriptor) (Candidate, error) {
	for _, strat := range strategyOrder {
		resolver := c.resolvers[strat]
		if resolver == nil {
			continue
		}
		candidates, err := resolver.Resolve(anchor)
		if err != nil {
			return Candidate{}, err
		}
		best, ok := bestOf(candidates)
		if !ok {
			continue
		}
		if best.Confidence >= winThreshold {
			return best, nil
		}
	}
	return Candidate{}, kerrors.New(kerrors.LocatorExhausted, "no strategy produced a candidate above threshold")
}

func bestOf(candidates []Candidate) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Confidence > best.Confidence {
			best = c
		}
	}
	return best, true
}

// HealOutcomeKind enumerates the possible results of a self-heal attempt.
type HealOutcomeKind string

const (
	HealHealed    HealOutcomeKind = "Healed"
	HealSkipped   HealOutcomeKind = "Skipped"
	HealExhausted HealOutcomeKind = "Exhausted"
	HealAborted   HealOutcomeKind = "Aborted"
)

// HealOutcome is the result of a self-heal attempt.
type HealOutcome struct {
	Kind       HealOutcomeKind
	Anchor     AnchorDescriptor
	Strategy   Strategy
	Confidence float64
	ElementRef string // populated when Kind == HealHealed
}

// HealTracker enforces at most one heal per anchor per plan, tracked by a
// set of anchor fingerprints, the same idempotency-tag-style pattern the
// teacher uses to dedup tool calls within a transcript.
type HealTracker struct {
	mu     sync.Mutex
	healed map[string]bool
}

// NewHealTracker returns an empty HealTracker, scoped to a single plan.
func NewHealTracker() *HealTracker {
	return &HealTracker{healed: make(map[string]bool)}
}

// TryHeal attempts to heal anchor using candidates gathered from every
// strategy in resolvers, filtered by minConfidence and capped at
// maxCandidates (defaults 0.5 / 10 per spec.md §4.5). Returns Skipped
// without consulting resolvers if anchor was already healed this plan.
func (t *HealTracker) TryHeal(anchor AnchorDescriptor, resolvers map[Strategy]StrategyResolver, minConfidence float64, maxCandidates int) HealOutcome {
	fp := anchor.Fingerprint()

	t.mu.Lock()
	if t.healed[fp] {
		t.mu.Unlock()
		return HealOutcome{Kind: HealSkipped, Anchor: anchor}
	}
	t.mu.Unlock()

	var all []Candidate
	for _, strat := range strategyOrder {
		resolver := resolvers[strat]
		if resolver == nil {
			continue
		}
		candidates, err := resolver.Resolve(anchor)
		if err != nil {
			return HealOutcome{Kind: HealAborted, Anchor: anchor}
		}
		all = append(all, candidates...)
	}

	plan := dedupeAndSort(all, minConfidence, maxCandidates)
	if len(plan) == 0 {
		return HealOutcome{Kind: HealExhausted, Anchor: anchor}
	}

	winner := plan[0]
	t.mu.Lock()
	t.healed[fp] = true
	t.mu.Unlock()
	return HealOutcome{Kind: HealHealed, Anchor: anchor, Strategy: winner.Strategy, Confidence: winner.Confidence, ElementRef: winner.ElementRef}
}

// dedupeAndSort deduplicates candidates by (Strategy, ElementRef), drops
// those below minConfidence, sorts by descending confidence, and caps the
// result at maxCandidates.
func dedupeAndSort(candidates []Candidate, minConfidence float64, maxCandidates int) []Candidate {
	seen := make(map[string]bool)
	var out []Candidate
	for _, c := range candidates {
		if c.Confidence < minConfidence {
			continue
		}
		key := string(c.Strategy) + "|" + c.ElementRef
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	if maxCandidates > 0 && len(out) > maxCandidates {
		out = out[:maxCandidates]
	}
	return out
}
