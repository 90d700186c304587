// Package perceive implements the Perceivers + Hub (C4): Structural,
// Visual, and Semantic perceivers behind a single façade that also derives
// cross-modal insights.
package perceive

import (
	"context"

	"github.com/soulbrowser/kernel/internal/ident"
)

// Obstruction enumerates the signals the Structural perceiver can infer
// from text samples, HTTP status, and DOM density.
type Obstruction string

const (
	ObstructionConsentGate    Obstruction = "consent_gate"
	ObstructionCaptcha        Obstruction = "captcha"
	ObstructionLoginWall      Obstruction = "login_wall"
	ObstructionBlankPage      Obstruction = "blank_page"
	ObstructionUnusualTraffic Obstruction = "unusual_traffic"
)

// ContentType classifies the Semantic perceiver's page-type judgment.
type ContentType string

const (
	ContentArticle ContentType = "Article"
	ContentProduct ContentType = "Product"
	ContentForm    ContentType = "Form"
	ContentSearch  ContentType = "Search"
	ContentOther   ContentType = "Other"
)

// Intent classifies the Semantic perceiver's intent judgment.
type Intent string

const (
	IntentInformational Intent = "Informational"
	IntentTransactional  Intent = "Transactional"
	IntentNavigational   Intent = "Navigational"
)

// ElementRef is a numerically indexed element in the Structural digest, the
// handle the agent uses to reference page elements in a plan.
type ElementRef struct {
	Index       int
	Tag         string
	Role        string
	Name        string
	Interactive bool
}

// StructuralSnapshot is the Structural perceiver's output.
type StructuralSnapshot struct {
	NodeCount        int
	FormCount        int
	InteractiveCount int
	TextCount        int
	Elements         []ElementRef
	Obstructions     []Obstruction
}

// VisualSnapshot is the Visual perceiver's output.
type VisualSnapshot struct {
	ScreenshotPNG      []byte
	DominantColors     []string
	AvgContrast        float64
	ViewportUtilization float64
	PerceptualDigest   string
}

// SemanticSnapshot is the Semantic perceiver's output.
type SemanticSnapshot struct {
	Language        string
	ContentType     ContentType
	Intent          Intent
	ShortSummary    string
	MediumSummary   string
	Keywords        map[string]float64 // term -> TF weight, stop words filtered
	ReadabilityScore float64
}

// InsightKind enumerates cross-modal insights the Hub derives by combining
// snapshots from more than one perceiver.
type InsightKind string

const (
	InsightAccessibilityIssue InsightKind = "AccessibilityIssue"
	InsightSuspiciousFlow     InsightKind = "SuspiciousFlow"
)

// Insight is a single cross-modal finding.
type Insight struct {
	Kind   InsightKind
	Detail string
}

// PerceptionSnapshot bundles the outputs of all three perceivers for a
// single perceive() call, plus any cross-modal insights derived from them.
type PerceptionSnapshot struct {
	Route     ident.ExecRoute
	Structural StructuralSnapshot
	Visual     VisualSnapshot
	Semantic   SemanticSnapshot
	Insights   []Insight
}

// Options configures which modalities a perceive() call gathers; all three
// default to true via ZeroOptions.
type Options struct {
	Structural bool
	Visual     bool
	Semantic   bool
}

// ZeroOptions enables all three modalities.
func ZeroOptions() Options { return Options{Structural: true, Visual: true, Semantic: true} }

// Perceiver is implemented by each of the three modality-specific
// perceivers; the Hub fans a single perceive() call out across whichever
// are configured.
type Perceiver interface {
	Perceive(ctx context.Context, route ident.ExecRoute) (any, error)
}

// StructuralThresholds configures the cross-modal AccessibilityIssue rule:
// interactive_count > N and avg_contrast < C.
type StructuralThresholds struct {
	InteractiveCountN int
	AvgContrastC      float64
}

// DefaultThresholds returns the illustrative defaults from spec.md §4.4.
func DefaultThresholds() StructuralThresholds {
	return StructuralThresholds{InteractiveCountN: 30, AvgContrastC: 3.0}
}

// Hub is the façade three perceivers share; it fans perceive() out across
// whichever of Structural/Visual/Semantic are configured and computes
// cross-modal insights from the modalities that were gathered.
type Hub struct {
	structural StructuralPerceiver
	visual     VisualPerceiver
	semantic   SemanticPerceiver
	thresholds StructuralThresholds
}

// StructuralPerceiver produces a StructuralSnapshot for a route.
type StructuralPerceiver interface {
	PerceiveStructural(ctx context.Context, route ident.ExecRoute) (StructuralSnapshot, error)
}

// VisualPerceiver produces a VisualSnapshot for a route.
type VisualPerceiver interface {
	PerceiveVisual(ctx context.Context, route ident.ExecRoute) (VisualSnapshot, error)
}

// SemanticPerceiver produces a SemanticSnapshot for a route.
type SemanticPerceiver interface {
	PerceiveSemantic(ctx context.Context, route ident.ExecRoute) (SemanticSnapshot, error)
}

// NewHub constructs a Hub over the three modality perceivers.
func NewHub(structural StructuralPerceiver, visual VisualPerceiver, semantic SemanticPerceiver, thresholds StructuralThresholds) *Hub {
	return &Hub{structural: structural, visual: visual, semantic: semantic, thresholds: thresholds}
}

// Perceive gathers whichever modalities opts enables and derives
// cross-modal insights from the results actually gathered.
func (h *Hub) Perceive(ctx context.Context, route ident.ExecRoute, opts Options) (PerceptionSnapshot, error) {
	snap := PerceptionSnapshot{Route: route}
	var err error
	if opts.Structural {
		if snap.Structural, err = h.structural.PerceiveStructural(ctx, route); err != nil {
			return PerceptionSnapshot{}, err
		}
	}
	if opts.Visual {
		if snap.Visual, err = h.visual.PerceiveVisual(ctx, route); err != nil {
			return PerceptionSnapshot{}, err
		}
	}
	if opts.Semantic {
		if snap.Semantic, err = h.semantic.PerceiveSemantic(ctx, route); err != nil {
			return PerceptionSnapshot{}, err
		}
	}
	snap.Insights = h.crossModalInsights(snap, opts)
	return snap, nil
}

// crossModalInsights implements the illustrative rules in spec.md §4.4.
// Both rules are best-effort: they only fire when the modalities they
// depend on were actually gathered this call.
func (h *Hub) crossModalInsights(snap PerceptionSnapshot, opts Options) []Insight {
	var out []Insight
	if opts.Structural && opts.Visual {
		if snap.Structural.InteractiveCount > h.thresholds.InteractiveCountN && snap.Visual.AvgContrast < h.thresholds.AvgContrastC {
			out = append(out, Insight{Kind: InsightAccessibilityIssue, Detail: "high interactive density with low contrast"})
		}
	}
	if opts.Structural && opts.Semantic {
		if snap.Semantic.Intent == IntentTransactional && snap.Structural.FormCount == 0 {
			out = append(out, Insight{Kind: InsightSuspiciousFlow, Detail: "transactional intent without a form"})
		}
	}
	return out
}
