package locator

import "strings"

// AriaResolver turns an Aria{role,name} anchor into an attribute selector
// chromedp can query directly, trading the accessibility tree for its CSS
// projection: [role="..."] plus [aria-label="..."] for the name. The
// element's own text is not matched.
type AriaResolver struct{}

// NewAriaResolver returns the attribute-selector resolver for Aria anchors.
func NewAriaResolver() *AriaResolver { return &AriaResolver{} }

func (r *AriaResolver) Resolve(anchor AnchorDescriptor) ([]Candidate, error) {
	if anchor.Kind != AnchorAria || (anchor.Role == "" && anchor.Name == "") {
		return nil, nil
	}
	var b strings.Builder
	if anchor.Role != "" {
		b.WriteString(`[role="`)
		b.WriteString(anchor.Role)
		b.WriteString(`"]`)
	}
	if anchor.Name != "" {
		b.WriteString(`[aria-label="`)
		b.WriteString(anchor.Name)
		b.WriteString(`"]`)
	}
	confidence := 0.9
	if anchor.Role == "" || anchor.Name == "" {
		confidence = 0.7 // only one of role/name narrows the match
	}
	return []Candidate{{Strategy: StrategyAriaAx, ElementRef: b.String(), Confidence: confidence}}, nil
}
