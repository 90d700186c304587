package cdp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTargetExprUsesQuerySelectorForCssRefs(t *testing.T) {
	t.Parallel()
	require.Equal(t, "document.querySelector(`#submit`)", targetExpr("#submit"))
}

func TestTargetExprUsesDocumentEvaluateForXPathRefs(t *testing.T) {
	t.Parallel()
	expr := targetExpr(`//*[contains(text(), "Sign in")]`)
	require.Contains(t, expr, "document.evaluate(")
	require.Contains(t, expr, "XPathResult.FIRST_ORDERED_NODE_TYPE")
	require.Contains(t, expr, `//*[contains(text(), "Sign in")]`)
}

func TestTargetExprEscapesBackticksInRef(t *testing.T) {
	t.Parallel()
	expr := targetExpr("[data-x=`weird`]")
	require.NotContains(t, expr, "`weird`")
	require.Contains(t, expr, `\`weird\``)
}
