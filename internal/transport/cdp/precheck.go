package cdp

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/soulbrowser/kernel/internal/action"
	"github.com/soulbrowser/kernel/internal/ident"
)

const precheckScript = `(() => {
  const el = TARGET;
  if (!el) return {visible:false, clickable:false, enabled:false};
  const style = window.getComputedStyle(el);
  const rect = el.getBoundingClientRect();
  const visible = style.display !== 'none' && style.visibility !== 'hidden' &&
    rect.width > 0 && rect.height > 0;
  const enabled = !el.disabled;
  const center = document.elementFromPoint(rect.left + rect.width/2, rect.top + rect.height/2);
  const clickable = visible && (center === el || el.contains(center));
  return {visible: visible, clickable: clickable, enabled: enabled};
})()`

// Prechecker implements action.Prechecker against the same chromedp tab
// internal/transport/cdp.Port dispatches commands on.
type Prechecker struct {
	tabFor func(route ident.ExecRoute) (context.Context, error)
}

// NewPrechecker builds a Prechecker that resolves routes via tabFor,
// typically (*Port).TargetContext.
func NewPrechecker(tabFor func(route ident.ExecRoute) (context.Context, error)) *Prechecker {
	return &Prechecker{tabFor: tabFor}
}

type precheckResult struct {
	Visible   bool `json:"visible"`
	Clickable bool `json:"clickable"`
	Enabled   bool `json:"enabled"`
}

func (p *Prechecker) Precheck(ctx context.Context, route ident.ExecRoute, elementRef string) (action.ElementState, error) {
	tabCtx, err := p.tabFor(route)
	if err != nil {
		return action.ElementState{}, err
	}
	target := targetExpr(elementRef)
	script := strings.Replace(precheckScript, "TARGET", target, 1)

	var raw string
	if err := chromedp.Run(tabCtx, chromedp.Evaluate(script, &raw)); err != nil {
		return action.ElementState{}, err
	}
	var res precheckResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return action.ElementState{}, err
	}
	return action.ElementState{
		ElementRef: elementRef,
		Visible:    res.Visible,
		Clickable:  res.Clickable,
		Enabled:    res.Enabled,
		IsSelector: !strings.HasPrefix(elementRef, "//"),
	}, nil
}

// targetExpr turns an ElementRef into the JS expression that resolves it:
// document.evaluate for XPath refs, document.querySelector otherwise.
func targetExpr(elementRef string) string {
	escaped := strings.ReplaceAll(elementRef, "`", "\\`")
	if strings.HasPrefix(elementRef, "//") {
		return "document.evaluate(`" + escaped + "`, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue"
	}
	return "document.querySelector(`" + escaped + "`)"
}
