package kerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDefaultsRetryableFromTable(t *testing.T) {
	t.Parallel()
	require.True(t, New(TransportDown, "down").Retryable)
	require.True(t, New(ServerBusy, "busy").Retryable)
	require.False(t, New(StaleRoute, "stale").Retryable)
}

func TestWithRetryableOverrides(t *testing.T) {
	t.Parallel()
	e := New(StaleRoute, "stale").WithRetryable(true)
	require.True(t, e.Retryable)
}

func TestWrapPreservesCauseChain(t *testing.T) {
	t.Parallel()
	cause := errors.New("io failure")
	e := Wrap(CdpIO, "send failed", cause)
	require.ErrorIs(t, e, cause)
	require.Equal(t, cause, errors.Unwrap(e))
}

func TestIsMatchesByKindOnly(t *testing.T) {
	t.Parallel()
	e1 := New(AnchorNotFound, "first")
	e2 := New(AnchorNotFound, "second")
	e3 := New(NotClickable, "third")
	require.True(t, errors.Is(e1, e2))
	require.False(t, errors.Is(e1, e3))
}

func TestHasWalksUnwrapChain(t *testing.T) {
	t.Parallel()
	inner := New(TransportDown, "down")
	outer := fmt.Errorf("wrapped: %w", inner)
	require.True(t, Has(outer, TransportDown))
	require.False(t, Has(outer, Protocol))
}

func TestKindOfReturnsFalseForPlainErrors(t *testing.T) {
	t.Parallel()
	kind, ok := KindOf(errors.New("plain"))
	require.False(t, ok)
	require.Equal(t, Internal, kind)
}

func TestKindOfFindsWrappedKind(t *testing.T) {
	t.Parallel()
	inner := New(GateFailed, "gate")
	outer := fmt.Errorf("step failed: %w", inner)
	kind, ok := KindOf(outer)
	require.True(t, ok)
	require.Equal(t, GateFailed, kind)
}
