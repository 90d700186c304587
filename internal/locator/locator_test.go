package locator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/soulbrowser/kernel/internal/kerrors"
)

type staticResolver struct {
	candidates []Candidate
}

func (s staticResolver) Resolve(AnchorDescriptor) ([]Candidate, error) { return s.candidates, nil }

func cssAnchor(sel string) AnchorDescriptor { return AnchorDescriptor{Kind: AnchorCss, Selector: sel} }

func TestChainPicksCssWhenConfident(t *testing.T) {
	t.Parallel()
	chain := NewChain(
		staticResolver{candidates: []Candidate{{Strategy: StrategyCss, ElementRef: "e1", Confidence: 0.9}}},
		staticResolver{candidates: []Candidate{{Strategy: StrategyAriaAx, ElementRef: "e2", Confidence: 0.95}}},
		nil,
	)
	best, err := chain.Resolve(cssAnchor("#submit"))
	require.NoError(t, err)
	require.Equal(t, StrategyCss, best.Strategy, "css must win even though aria scored higher, per strategy order")
}

func TestChainFallsThroughWhenFirstStrategyBelowThreshold(t *testing.T) {
	t.Parallel()
	chain := NewChain(
		staticResolver{candidates: []Candidate{{Strategy: StrategyCss, ElementRef: "e1", Confidence: 0.3}}},
		staticResolver{candidates: []Candidate{{Strategy: StrategyAriaAx, ElementRef: "e2", Confidence: 0.7}}},
		nil,
	)
	best, err := chain.Resolve(cssAnchor("#submit"))
	require.NoError(t, err)
	require.Equal(t, StrategyAriaAx, best.Strategy)
}

func TestChainReturnsLocatorExhaustedWhenNoCandidateMeetsThreshold(t *testing.T) {
	t.Parallel()
	chain := NewChain(
		staticResolver{candidates: []Candidate{{Strategy: StrategyCss, Confidence: 0.2}}},
		nil,
		staticResolver{candidates: []Candidate{{Strategy: StrategyText, Confidence: 0.1}}},
	)
	_, err := chain.Resolve(cssAnchor("#submit"))
	require.True(t, kerrors.Has(err, kerrors.LocatorExhausted))
}

func TestHealTrackerHealsOnceThenSkips(t *testing.T) {
	t.Parallel()
	tracker := NewHealTracker()
	anchor := cssAnchor("#submit")
	resolvers := map[Strategy]StrategyResolver{
		StrategyCss: staticResolver{candidates: []Candidate{{Strategy: StrategyCss, ElementRef: "e1", Confidence: 0.9}}},
	}

	first := tracker.TryHeal(anchor, resolvers, 0.5, 10)
	require.Equal(t, HealHealed, first.Kind)

	second := tracker.TryHeal(anchor, resolvers, 0.5, 10)
	require.Equal(t, HealSkipped, second.Kind)
}

func TestHealTrackerReturnsExhaustedBelowMinConfidence(t *testing.T) {
	t.Parallel()
	tracker := NewHealTracker()
	anchor := cssAnchor("#submit")
	resolvers := map[Strategy]StrategyResolver{
		StrategyCss: staticResolver{candidates: []Candidate{{Strategy: StrategyCss, ElementRef: "e1", Confidence: 0.1}}},
	}
	outcome := tracker.TryHeal(anchor, resolvers, 0.5, 10)
	require.Equal(t, HealExhausted, outcome.Kind)
}

func TestDedupeAndSortCapsAtMaxCandidates(t *testing.T) {
	t.Parallel()
	candidates := []Candidate{
		{Strategy: StrategyCss, ElementRef: "e1", Confidence: 0.9},
		{Strategy: StrategyCss, ElementRef: "e2", Confidence: 0.8},
		{Strategy: StrategyCss, ElementRef: "e3", Confidence: 0.7},
	}
	out := dedupeAndSort(candidates, 0.5, 2)
	require.Len(t, out, 2)
	require.Equal(t, 0.9, out[0].Confidence)
}

func TestDedupeAndSortRemovesDuplicatesByStrategyAndElementRef(t *testing.T) {
	t.Parallel()
	candidates := []Candidate{
		{Strategy: StrategyCss, ElementRef: "e1", Confidence: 0.6},
		{Strategy: StrategyCss, ElementRef: "e1", Confidence: 0.9},
	}
	out := dedupeAndSort(candidates, 0.5, 10)
	require.Len(t, out, 1)
}

func TestAnchorFingerprintDistinguishesKinds(t *testing.T) {
	t.Parallel()
	css := AnchorDescriptor{Kind: AnchorCss, Selector: "#a"}
	aria := AnchorDescriptor{Kind: AnchorAria, Role: "button", Name: "a"}
	require.NotEqual(t, css.Fingerprint(), aria.Fingerprint())
}
