package transport

import (
	"context"
	"sync"
	"time"

	"github.com/soulbrowser/kernel/internal/ident"
)

// Fake is an in-memory Port used for tests and local development. It is
// safe for concurrent use. Production deployments drive a real CDP
// implementation; see the teacher's in-memory session/run stores for the
// same split.
type Fake struct {
	mu        sync.Mutex
	responses map[string]fakeResponse // keyed by method
	events    []Event
	connected bool
	subs      []chan Event
}

type fakeResponse struct {
	result any
	err    *Error
}

// NewFake returns a connected Fake Port with no configured responses.
func NewFake() *Fake {
	return &Fake{responses: make(map[string]fakeResponse), connected: true}
}

// SetResponse configures the result or error SendCommand returns for method.
func (f *Fake) SetResponse(method string, result any, err *Error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[method] = fakeResponse{result: result, err: err}
}

// SetConnected toggles the Health/SendCommand-visible connection state.
func (f *Fake) SetConnected(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = connected
}

// Emit pushes an Event to every active SubscribeEvents subscriber; the
// fake applies no filter.
func (f *Fake) Emit(evt Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	for _, ch := range f.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (f *Fake) SendCommand(ctx context.Context, _ ident.ExecRoute, method string, _ any, deadline time.Duration) (any, error) {
	f.mu.Lock()
	connected := f.connected
	resp, ok := f.responses[method]
	f.mu.Unlock()

	if !connected {
		return nil, NewError(KindTransportDown, method, "transport disconnected")
	}
	if !ok {
		return nil, NewError(KindProtocol, method, "no fake response configured")
	}
	if resp.err != nil {
		return nil, resp.err
	}

	if deadline > 0 {
		select {
		case <-ctx.Done():
			return nil, NewError(KindTimeout, method, ctx.Err().Error())
		case <-time.After(0):
		}
	}
	return resp.result, nil
}

func (f *Fake) SubscribeEvents(ctx context.Context, filter EventFilter) (<-chan Event, error) {
	ch := make(chan Event, 32)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		close(ch)
		for i, s := range f.subs {
			if s == ch {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				break
			}
		}
	}()

	_ = filter // the fake delivers every event; production ports filter server-side
	return ch, nil
}

func (f *Fake) Health(context.Context) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return Status{Connected: false, Detail: "disconnected"}, nil
	}
	return Status{Connected: true}, nil
}
