package locator

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCssResolverReturnsSelectorVerbatim(t *testing.T) {
	t.Parallel()
	r := NewCssResolver()
	cands, err := r.Resolve(AnchorDescriptor{Kind: AnchorCss, Selector: "#submit"})
	require.NoError(t, err)
	require.Len(t, cands, 1)
	require.Equal(t, "#submit", cands[0].ElementRef)
	require.Equal(t, StrategyCss, cands[0].Strategy)
	require.Equal(t, 1.0, cands[0].Confidence)
}

func TestCssResolverIgnoresOtherAnchorKinds(t *testing.T) {
	t.Parallel()
	r := NewCssResolver()
	cands, err := r.Resolve(AnchorDescriptor{Kind: AnchorText, Content: "Sign in"})
	require.NoError(t, err)
	require.Nil(t, cands)
}

func TestAriaResolverBuildsAttributeSelectorFromRoleAndName(t *testing.T) {
	t.Parallel()
	r := NewAriaResolver()
	cands, err := r.Resolve(AnchorDescriptor{Kind: AnchorAria, Role: "button", Name: "Submit"})
	require.NoError(t, err)
	require.Len(t, cands, 1)
	require.Equal(t, `[role="button"][aria-label="Submit"]`, cands[0].ElementRef)
	require.Equal(t, 0.9, cands[0].Confidence)
}

func TestAriaResolverLowersConfidenceWithOnlyOneField(t *testing.T) {
	t.Parallel()
	r := NewAriaResolver()
	cands, err := r.Resolve(AnchorDescriptor{Kind: AnchorAria, Role: "button"})
	require.NoError(t, err)
	require.Len(t, cands, 1)
	require.Equal(t, `[role="button"]`, cands[0].ElementRef)
	require.Equal(t, 0.7, cands[0].Confidence)
}

func TestAriaResolverIgnoresAnchorsWithNeitherField(t *testing.T) {
	t.Parallel()
	r := NewAriaResolver()
	cands, err := r.Resolve(AnchorDescriptor{Kind: AnchorAria})
	require.NoError(t, err)
	require.Nil(t, cands)
}

func TestTextResolverBuildsContainsXPathByDefault(t *testing.T) {
	t.Parallel()
	r := NewTextResolver()
	cands, err := r.Resolve(AnchorDescriptor{Kind: AnchorText, Content: "Sign in"})
	require.NoError(t, err)
	require.Len(t, cands, 1)
	require.Equal(t, `//*[contains(text(), "Sign in")]`, cands[0].ElementRef)
	require.Equal(t, 0.6, cands[0].Confidence)
}

func TestTextResolverBuildsExactMatchXPathAndHigherConfidence(t *testing.T) {
	t.Parallel()
	r := NewTextResolver()
	cands, err := r.Resolve(AnchorDescriptor{Kind: AnchorText, Content: "Sign in", Exact: true})
	require.NoError(t, err)
	require.Len(t, cands, 1)
	require.Equal(t, `//*[normalize-space(text())="Sign in"]`, cands[0].ElementRef)
	require.Equal(t, 0.75, cands[0].Confidence)
}

func TestTextResolverEscapesDoubleQuotes(t *testing.T) {
	t.Parallel()
	r := NewTextResolver()
	cands, err := r.Resolve(AnchorDescriptor{Kind: AnchorText, Content: `Say "hi"`})
	require.NoError(t, err)
	require.Contains(t, cands[0].ElementRef, `'hi'`)
}

func TestTextResolverIgnoresEmptyContent(t *testing.T) {
	t.Parallel()
	r := NewTextResolver()
	cands, err := r.Resolve(AnchorDescriptor{Kind: AnchorText})
	require.NoError(t, err)
	require.Nil(t, cands)
}
