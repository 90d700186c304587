package cdp

import (
	"testing"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/require"

	"github.com/soulbrowser/kernel/internal/transport"
)

func TestQueryOptPicksSearchForXPathRefs(t *testing.T) {
	t.Parallel()
	require.Equal(t, chromedp.BySearch, queryOpt(`//*[contains(text(), "Sign in")]`))
}

func TestQueryOptPicksQueryForCssRefs(t *testing.T) {
	t.Parallel()
	require.Equal(t, chromedp.ByQuery, queryOpt("#submit"))
}

func TestStringParamReadsStringValue(t *testing.T) {
	t.Parallel()
	require.Equal(t, "https://example.com", stringParam(map[string]any{"url": "https://example.com"}, "url"))
}

func TestStringParamReturnsEmptyForMissingOrWrongType(t *testing.T) {
	t.Parallel()
	require.Equal(t, "", stringParam(map[string]any{}, "url"))
	require.Equal(t, "", stringParam(map[string]any{"url": 42}, "url"))
}

func TestWantedAdmitsEverythingWhenFilterIsEmpty(t *testing.T) {
	t.Parallel()
	require.True(t, wanted(nil, transport.EventNavigate))
}

func TestWantedMatchesAgainstFilterList(t *testing.T) {
	t.Parallel()
	kinds := []transport.EventKind{transport.EventLoad, transport.EventCommit}
	require.True(t, wanted(kinds, transport.EventLoad))
	require.False(t, wanted(kinds, transport.EventNavigate))
}

func TestClassifyMapsKnownCdproteventTypes(t *testing.T) {
	t.Parallel()
	cases := []struct {
		ev   any
		want transport.EventKind
	}{
		{&page.EventFrameNavigated{}, transport.EventNavigate},
		{&page.EventLoadEventFired{}, transport.EventLoad},
		{&page.EventDomContentEventFired{}, transport.EventCommit},
		{&target.EventTargetCreated{}, transport.EventPageCreated},
		{&target.EventTargetDestroyed{}, transport.EventPageClosed},
		{&target.EventTargetCrashed{}, transport.EventDisconnected},
	}
	for _, tc := range cases {
		kind, ok := classify(tc.ev)
		require.True(t, ok)
		require.Equal(t, tc.want, kind)
	}
}

func TestClassifyRejectsUnknownEventTypes(t *testing.T) {
	t.Parallel()
	_, ok := classify(struct{}{})
	require.False(t, ok)
}

func TestAllocatorOptionsAppliesHeadlessFlagAndExecPath(t *testing.T) {
	t.Parallel()
	opts := Options{Headless: false, ExecPath: "/usr/bin/chromium"}
	allocOpts := opts.allocatorOptions()
	require.Greater(t, len(allocOpts), len(chromedp.DefaultExecAllocatorOptions))
}
