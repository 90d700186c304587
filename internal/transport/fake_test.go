package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/soulbrowser/kernel/internal/ident"
)

func testRoute() ident.ExecRoute {
	return ident.ExecRoute{TenantID: "t1", SessionID: "s1", PageID: "p1"}
}

func TestFakeSendCommand(t *testing.T) {
	t.Parallel()
	f := NewFake()
	f.SetResponse("Page.navigate", map[string]any{"ok": true}, nil)

	result, err := f.SendCommand(context.Background(), testRoute(), "Page.navigate", nil, time.Second)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"ok": true}, result)
}

func TestFakeSendCommandUnconfiguredMethod(t *testing.T) {
	t.Parallel()
	f := NewFake()

	_, err := f.SendCommand(context.Background(), testRoute(), "Page.unknown", nil, time.Second)
	require.Error(t, err)
	var te *Error
	require.ErrorAs(t, err, &te)
	require.Equal(t, KindProtocol, te.Kind)
}

func TestFakeSendCommandDisconnected(t *testing.T) {
	t.Parallel()
	f := NewFake()
	f.SetConnected(false)

	_, err := f.SendCommand(context.Background(), testRoute(), "Page.navigate", nil, time.Second)
	require.Error(t, err)
	var te *Error
	require.ErrorAs(t, err, &te)
	require.Equal(t, KindTransportDown, te.Kind)
	require.True(t, te.ToKerror().Retryable)
}

func TestFakeSubscribeEventsDeliversAndClosesOnCancel(t *testing.T) {
	t.Parallel()
	f := NewFake()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := f.SubscribeEvents(ctx, EventFilter{Route: testRoute()})
	require.NoError(t, err)

	f.Emit(Event{Kind: EventNavigate, Route: testRoute(), Seq: 1, Timestamp: time.Unix(0, 0)})
	evt := <-ch
	require.Equal(t, EventNavigate, evt.Kind)
	require.Equal(t, uint64(1), evt.Seq)

	cancel()
	_, ok := <-ch
	require.False(t, ok)
}

func TestFakeHealthReflectsConnectionState(t *testing.T) {
	t.Parallel()
	f := NewFake()

	st, err := f.Health(context.Background())
	require.NoError(t, err)
	require.True(t, st.Connected)

	f.SetConnected(false)
	st, err = f.Health(context.Background())
	require.NoError(t, err)
	require.False(t, st.Connected)
}

func TestErrorToKerrorClassification(t *testing.T) {
	t.Parallel()
	cases := []struct {
		kind      Kind
		retryable bool
	}{
		{KindTimeout, false},
		{KindStaleTarget, false},
		{KindTransportDown, true},
		{KindProtocol, false},
	}
	for _, c := range cases {
		ke := NewError(c.kind, "Page.navigate", "boom").ToKerror()
		require.Equal(t, c.retryable, ke.Retryable, "kind=%s", c.kind)
	}
}
