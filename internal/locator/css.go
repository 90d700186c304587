package locator

// CssResolver resolves Css anchors verbatim: the anchor's own selector
// already fully identifies the element, so a matching anchor always wins
// outright and any other anchor kind is left to the other strategies.
type CssResolver struct{}

// NewCssResolver returns the identity resolver for Css anchors.
func NewCssResolver() *CssResolver { return &CssResolver{} }

func (r *CssResolver) Resolve(anchor AnchorDescriptor) ([]Candidate, error) {
	if anchor.Kind != AnchorCss || anchor.Selector == "" {
		return nil, nil
	}
	return []Candidate{{Strategy: StrategyCss, ElementRef: anchor.Selector, Confidence: 1.0}}, nil
}
