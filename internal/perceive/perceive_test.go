package perceive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/soulbrowser/kernel/internal/ident"
)

type fakeStructural struct{ snap StructuralSnapshot }
type fakeVisual struct{ snap VisualSnapshot }
type fakeSemantic struct{ snap SemanticSnapshot }

func (f fakeStructural) PerceiveStructural(context.Context, ident.ExecRoute) (StructuralSnapshot, error) {
	return f.snap, nil
}
func (f fakeVisual) PerceiveVisual(context.Context, ident.ExecRoute) (VisualSnapshot, error) {
	return f.snap, nil
}
func (f fakeSemantic) PerceiveSemantic(context.Context, ident.ExecRoute) (SemanticSnapshot, error) {
	return f.snap, nil
}

func testRoute() ident.ExecRoute {
	return ident.ExecRoute{TenantID: "t1", SessionID: "s1", PageID: "p1"}
}

func TestHubEmitsAccessibilityIssueWhenDenseAndLowContrast(t *testing.T) {
	t.Parallel()
	hub := NewHub(
		fakeStructural{snap: StructuralSnapshot{InteractiveCount: 40}},
		fakeVisual{snap: VisualSnapshot{AvgContrast: 1.0}},
		fakeSemantic{},
		DefaultThresholds(),
	)
	snap, err := hub.Perceive(context.Background(), testRoute(), ZeroOptions())
	require.NoError(t, err)
	require.Contains(t, snap.Insights, Insight{Kind: InsightAccessibilityIssue, Detail: "high interactive density with low contrast"})
}

func TestHubEmitsSuspiciousFlowForTransactionalIntentWithoutForm(t *testing.T) {
	t.Parallel()
	hub := NewHub(
		fakeStructural{snap: StructuralSnapshot{FormCount: 0}},
		fakeVisual{},
		fakeSemantic{snap: SemanticSnapshot{Intent: IntentTransactional}},
		DefaultThresholds(),
	)
	snap, err := hub.Perceive(context.Background(), testRoute(), ZeroOptions())
	require.NoError(t, err)
	require.Contains(t, snap.Insights, Insight{Kind: InsightSuspiciousFlow, Detail: "transactional intent without a form"})
}

func TestHubEmitsNoInsightsWhenSignalsAreBenign(t *testing.T) {
	t.Parallel()
	hub := NewHub(
		fakeStructural{snap: StructuralSnapshot{InteractiveCount: 5, FormCount: 1}},
		fakeVisual{snap: VisualSnapshot{AvgContrast: 8.0}},
		fakeSemantic{snap: SemanticSnapshot{Intent: IntentInformational}},
		DefaultThresholds(),
	)
	snap, err := hub.Perceive(context.Background(), testRoute(), ZeroOptions())
	require.NoError(t, err)
	require.Empty(t, snap.Insights)
}

func TestHubSkipsModalitiesNotRequested(t *testing.T) {
	t.Parallel()
	hub := NewHub(
		fakeStructural{snap: StructuralSnapshot{InteractiveCount: 40}},
		fakeVisual{snap: VisualSnapshot{AvgContrast: 1.0}},
		fakeSemantic{},
		DefaultThresholds(),
	)
	snap, err := hub.Perceive(context.Background(), testRoute(), Options{Structural: true})
	require.NoError(t, err)
	require.Empty(t, snap.Insights, "AccessibilityIssue needs both Structural and Visual to have run")
}
