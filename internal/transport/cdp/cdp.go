// Package cdp implements transport.Port against a real Chrome DevTools
// Protocol browser via chromedp. It is the kernel's only component that
// speaks the wire protocol; everything upstream of transport.Port stays
// protocol-agnostic and addresses elements through locator.Candidate's
// opaque ElementRef strings, which this package's sibling resolvers in
// internal/locator format as chromedp-queryable CSS selectors, or as
// XPath expressions for the text strategy.
package cdp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/soulbrowser/kernel/internal/ident"
	"github.com/soulbrowser/kernel/internal/transport"
)

// Options configures the browser process the Port launches.
type Options struct {
	// Headless runs Chrome without a visible window. Defaults to true.
	Headless bool
	// ExecPath overrides the Chrome/Chromium binary chromedp discovers by
	// default. Empty uses chromedp's own lookup.
	ExecPath string
}

func (o Options) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts, chromedp.Flag("headless", o.Headless))
	if o.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(o.ExecPath))
	}
	return opts
}

// Port is the CDP-backed transport.Port. One allocator is shared across all
// routes; each distinct page/frame route gets its own chromedp target
// context, created lazily on first use and torn down on Close.
type Port struct {
	mu          sync.Mutex
	allocCtx    context.Context
	cancelAlloc context.CancelFunc
	targets     map[string]*routeTarget
	connected   bool
	opts        Options
}

type routeTarget struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// New launches a browser process and returns a Port bound to it. The
// returned Port owns the process and must be closed with Close.
func New(ctx context.Context, opts Options) (*Port, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts.allocatorOptions()...)
	return &Port{
		allocCtx:    allocCtx,
		cancelAlloc: cancelAlloc,
		targets:     make(map[string]*routeTarget),
		connected:   true,
		opts:        opts,
	}, nil
}

// Close tears down every route's target and the underlying browser process.
func (p *Port) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.targets {
		t.cancel()
	}
	p.targets = make(map[string]*routeTarget)
	p.connected = false
	p.cancelAlloc()
}

// TargetContext exposes the chromedp context bound to route, creating it if
// this is the first use of the route. internal/perceive/cdp shares this
// lookup so structural/visual/semantic reads run against the exact tab
// action dispatch already opened, rather than a second browser connection.
func (p *Port) TargetContext(route ident.ExecRoute) (context.Context, error) {
	return p.targetFor(route)
}

func (p *Port) targetFor(route ident.ExecRoute) (context.Context, error) {
	key := route.String()
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, transport.NewError(transport.KindTransportDown, "", "browser process is not running")
	}
	if t, ok := p.targets[key]; ok {
		return t.ctx, nil
	}
	tabCtx, cancel := chromedp.NewContext(p.allocCtx,
		chromedp.WithLogf(func(string, ...any) {}),
		chromedp.WithErrorf(func(string, ...any) {}),
	)
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, transport.NewError(transport.KindTransportDown, "", err.Error())
	}
	p.targets[key] = &routeTarget{ctx: tabCtx, cancel: cancel}
	return tabCtx, nil
}

// SendCommand implements transport.Port. method follows the pseudo-CDP
// vocabulary internal/action issues (Page.navigate, DOM.focus,
// Input.insertText, ...); each is translated into the chromedp action(s)
// that produce the equivalent browser effect against the target bound to
// route. Methods with no direct chromedp primitive (Network.quietFor,
// Runtime.observedEvent) are approximated; see the inline notes below.
func (p *Port) SendCommand(ctx context.Context, route ident.ExecRoute, method string, params any, deadline time.Duration) (any, error) {
	tabCtx, err := p.targetFor(route)
	if err != nil {
		return nil, err
	}
	cmdCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	m, _ := params.(map[string]any)
	sel, _ := m["elementRef"].(string)

	var result any
	var action chromedp.Action
	switch method {
	case "Page.navigate":
		action = chromedp.Navigate(stringParam(m, "url"))
	case "DOM.scrollIntoViewIfNeeded":
		action = chromedp.ScrollIntoView(sel, queryOpt(sel))
	case "DOM.focus":
		action = chromedp.Focus(sel, queryOpt(sel))
	case "Input.dispatchMouseEvent":
		if stringParam(m, "type") == "mouseReleased" {
			action = chromedp.Click(sel, queryOpt(sel))
		} else {
			action = chromedp.ActionFunc(func(context.Context) error { return nil })
		}
	case "Input.insertText":
		text := stringParam(m, "text")
		action = chromedp.Tasks{
			chromedp.Clear(sel, queryOpt(sel)),
			chromedp.SendKeys(sel, text, queryOpt(sel)),
		}
	case "Input.dispatchKeyEvent":
		if stringParam(m, "key") == "Enter" {
			action = chromedp.SendKeys(sel, kb.Enter, queryOpt(sel))
		} else {
			action = chromedp.ActionFunc(func(context.Context) error { return nil })
		}
	case "DOM.setSelectedOption":
		action = chromedp.SetValue(sel, stringParam(m, "item"), queryOpt(sel))
	case "Runtime.dispatchChangeEvent":
		action = chromedp.Evaluate(fmt.Sprintf(
			"document.querySelector(%q).dispatchEvent(new Event('change', {bubbles:true}))", sel), nil)
	case "Input.dispatchScrollEvent":
		dy, _ := m["dy"].(float64)
		action = chromedp.Evaluate(fmt.Sprintf("window.scrollBy(0, %d)", int(dy)), nil)
	case "Runtime.evaluate":
		var res string
		action = chromedp.Evaluate(stringParam(m, "expression"), &res)
		result = res
	case "Page.domReady":
		action = chromedp.WaitReady("body", chromedp.ByQuery)
	case "Network.quietFor":
		// No network-idle primitive is exposed through chromedp's
		// high-level API; approximate with a fixed settle delay.
		ms, _ := m["ms"].(float64)
		action = chromedp.Sleep(time.Duration(ms) * time.Millisecond)
	case "Runtime.observedEvent":
		// Best-effort: give the page a moment to fire the named event
		// rather than subscribing to it directly.
		action = chromedp.Sleep(200 * time.Millisecond)
	default:
		return nil, transport.NewError(transport.KindProtocol, method, "unsupported command")
	}

	if err := chromedp.Run(cmdCtx, action); err != nil {
		if cmdCtx.Err() != nil {
			return nil, transport.NewError(transport.KindTimeout, method, err.Error())
		}
		return nil, transport.NewError(transport.KindProtocol, method, err.Error())
	}
	_ = tabCtx
	return result, nil
}

func stringParam(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// queryOpt picks the chromedp query strategy for an ElementRef: the
// text-strategy resolver emits XPath expressions (they start with "//"),
// everything else is a plain CSS selector.
func queryOpt(sel string) chromedp.QueryOption {
	if strings.HasPrefix(sel, "//") {
		return chromedp.BySearch
	}
	return chromedp.ByQuery
}

// SubscribeEvents implements transport.Port by listening to chromedp's
// target event stream for route and translating lifecycle events into the
// kernel's closed transport.EventKind set. filter.Route picks the tab to
// listen on: a zero Route gets a tab of its own rather than every route's
// events, and each Event carries filter.Route.
func (p *Port) SubscribeEvents(ctx context.Context, filter transport.EventFilter) (<-chan transport.Event, error) {
	out := make(chan transport.Event, 32)
	route := filter.Route
	tabCtx, err := p.targetFor(route)
	if err != nil {
		close(out)
		return out, err
	}

	var seq uint64
	var mu sync.Mutex
	listenCtx, cancel := context.WithCancel(ctx)
	chromedp.ListenTarget(tabCtx, func(ev any) {
		kind, ok := classify(ev)
		if !ok || !wanted(filter.Kinds, kind) {
			return
		}
		mu.Lock()
		seq++
		n := seq
		mu.Unlock()
		select {
		case out <- transport.Event{Kind: kind, Route: route, Seq: n, Timestamp: time.Now()}:
		case <-listenCtx.Done():
		}
	})

	go func() {
		<-ctx.Done()
		cancel()
	}()
	go func() {
		<-listenCtx.Done()
		close(out)
	}()
	return out, nil
}

// Health reports whether the browser process backing this Port is still
// reachable.
func (p *Port) Health(ctx context.Context) (transport.Status, error) {
	p.mu.Lock()
	connected := p.connected
	p.mu.Unlock()
	if !connected {
		return transport.Status{Connected: false, Detail: "browser process closed"}, nil
	}
	if err := chromedp.Run(p.allocCtx); err != nil {
		return transport.Status{Connected: false, Detail: err.Error()}, nil
	}
	return transport.Status{Connected: true}, nil
}

func wanted(kinds []transport.EventKind, k transport.EventKind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, want := range kinds {
		if want == k {
			return true
		}
	}
	return false
}

// classify maps a raw chromedp target event to the kernel's closed
// EventKind set. Event types this kernel does not act on return false.
func classify(ev any) (transport.EventKind, bool) {
	switch ev.(type) {
	case *page.EventFrameNavigated:
		return transport.EventNavigate, true
	case *page.EventLoadEventFired:
		return transport.EventLoad, true
	case *page.EventDomContentEventFired:
		return transport.EventCommit, true
	case *target.EventTargetCreated:
		return transport.EventPageCreated, true
	case *target.EventTargetDestroyed:
		return transport.EventPageClosed, true
	case *target.EventTargetCrashed:
		return transport.EventDisconnected, true
	default:
		return "", false
	}
}
