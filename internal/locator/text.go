package locator

import "strings"

// TextResolver turns a Text{content,exact} anchor into an XPath expression
// matching the rendered text of an element, since no standard CSS selector
// can match on text content. chromedp's loose search query option accepts
// XPath directly, so the expression itself is used as the ElementRef.
type TextResolver struct{}

// NewTextResolver returns the XPath-based resolver for Text anchors.
func NewTextResolver() *TextResolver { return &TextResolver{} }

func (r *TextResolver) Resolve(anchor AnchorDescriptor) ([]Candidate, error) {
	if anchor.Kind != AnchorText || anchor.Content == "" {
		return nil, nil
	}
	escaped := strings.ReplaceAll(anchor.Content, `"`, `'`)
	var xpath string
	confidence := 0.6
	if anchor.Exact {
		xpath = `//*[normalize-space(text())="` + escaped + `"]`
		confidence = 0.75
	} else {
		xpath = `//*[contains(text(), "` + escaped + `")]`
	}
	return []Candidate{{Strategy: StrategyText, ElementRef: xpath, Confidence: confidence}}, nil
}
