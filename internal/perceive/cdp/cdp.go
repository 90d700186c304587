// Package cdp implements perceive.StructuralPerceiver, VisualPerceiver and
// SemanticPerceiver against a real page via chromedp, the same browser
// driver internal/transport/cdp wraps for action dispatch.
package cdp

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"sort"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/soulbrowser/kernel/internal/ident"
	"github.com/soulbrowser/kernel/internal/perceive"
)

// structuralScript walks the DOM and returns the counts and interactive
// element digest the Structural perceiver reports, plus any obstruction
// signals it can detect heuristically (a login form, a cookie banner, a
// captcha widget, or an otherwise empty body).
const structuralScript = `(() => {
  const all = document.querySelectorAll('*');
  const interactiveSel = 'a,button,input,select,textarea,[role="button"],[tabindex]';
  const interactive = Array.from(document.querySelectorAll(interactiveSel));
  const forms = document.querySelectorAll('form');
  const texts = Array.from(document.querySelectorAll('p,span,h1,h2,h3,li'));
  const elements = interactive.slice(0, 200).map((el, i) => ({
    index: i,
    tag: el.tagName.toLowerCase(),
    role: el.getAttribute('role') || '',
    name: (el.getAttribute('aria-label') || el.textContent || '').trim().slice(0, 80),
    interactive: true,
  }));
  const bodyText = (document.body && document.body.innerText || '').toLowerCase();
  const obstructions = [];
  if (bodyText.includes('captcha')) obstructions.push('captcha');
  if (bodyText.includes('sign in') || bodyText.includes('log in')) obstructions.push('login_wall');
  if (bodyText.includes('accept cookies') || bodyText.includes('we use cookies')) obstructions.push('consent_gate');
  if (!document.body || document.body.innerText.trim().length === 0) obstructions.push('blank_page');
  return {
    nodeCount: all.length,
    formCount: forms.length,
    interactiveCount: interactive.length,
    textCount: texts.length,
    elements: elements,
    obstructions: obstructions,
  };
})()`

const semanticScript = `(() => {
  const text = (document.body && document.body.innerText || '').trim();
  return {
    lang: document.documentElement.lang || '',
    text: text.slice(0, 20000),
    title: document.title || '',
  };
})()`

// Perceiver implements all three perceive.*Perceiver interfaces over a
// shared chromedp target. port owns the chromedp browser context per
// route; it is the same allocator internal/transport/cdp.Port drives, so
// Perceiver is constructed with a lookup function rather than owning the
// browser itself.
type Perceiver struct {
	tabFor func(route ident.ExecRoute) (context.Context, error)
}

// New builds a Perceiver that resolves each route to its chromedp target
// context via tabFor, typically internal/transport/cdp's
// (*Port).TargetContext, which cmd/soul-kerneld passes directly.
func New(tabFor func(route ident.ExecRoute) (context.Context, error)) *Perceiver {
	return &Perceiver{tabFor: tabFor}
}

type structuralResult struct {
	NodeCount        int      `json:"nodeCount"`
	FormCount        int      `json:"formCount"`
	InteractiveCount int      `json:"interactiveCount"`
	TextCount        int      `json:"textCount"`
	Elements         []elementResult `json:"elements"`
	Obstructions     []string `json:"obstructions"`
}

type elementResult struct {
	Index       int    `json:"index"`
	Tag         string `json:"tag"`
	Role        string `json:"role"`
	Name        string `json:"name"`
	Interactive bool   `json:"interactive"`
}

func (p *Perceiver) PerceiveStructural(ctx context.Context, route ident.ExecRoute) (perceive.StructuralSnapshot, error) {
	tabCtx, err := p.tabFor(route)
	if err != nil {
		return perceive.StructuralSnapshot{}, err
	}
	var raw string
	if err := chromedp.Run(tabCtx, chromedp.Evaluate(structuralScript, &raw)); err != nil {
		return perceive.StructuralSnapshot{}, err
	}
	var res structuralResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return perceive.StructuralSnapshot{}, err
	}
	elements := make([]perceive.ElementRef, 0, len(res.Elements))
	for _, e := range res.Elements {
		elements = append(elements, perceive.ElementRef{
			Index: e.Index, Tag: e.Tag, Role: e.Role, Name: e.Name, Interactive: e.Interactive,
		})
	}
	obstructions := make([]perceive.Obstruction, 0, len(res.Obstructions))
	for _, o := range res.Obstructions {
		obstructions = append(obstructions, perceive.Obstruction(o))
	}
	return perceive.StructuralSnapshot{
		NodeCount:        res.NodeCount,
		FormCount:        res.FormCount,
		InteractiveCount: res.InteractiveCount,
		TextCount:        res.TextCount,
		Elements:         elements,
		Obstructions:     obstructions,
	}, nil
}

func (p *Perceiver) PerceiveVisual(ctx context.Context, route ident.ExecRoute) (perceive.VisualSnapshot, error) {
	tabCtx, err := p.tabFor(route)
	if err != nil {
		return perceive.VisualSnapshot{}, err
	}
	var buf []byte
	if err := chromedp.Run(tabCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return perceive.VisualSnapshot{}, err
	}
	img, err := png.Decode(bytes.NewReader(buf))
	if err != nil {
		return perceive.VisualSnapshot{PerceptualDigest: "decode_error", ScreenshotPNG: buf}, nil
	}
	colors, avgContrast, utilization := analyzeImage(img)
	return perceive.VisualSnapshot{
		ScreenshotPNG:       buf,
		DominantColors:      colors,
		AvgContrast:         avgContrast,
		ViewportUtilization: utilization,
		PerceptualDigest:    averageHash(img),
	}, nil
}

type semanticResult struct {
	Lang  string `json:"lang"`
	Text  string `json:"text"`
	Title string `json:"title"`
}

func (p *Perceiver) PerceiveSemantic(ctx context.Context, route ident.ExecRoute) (perceive.SemanticSnapshot, error) {
	tabCtx, err := p.tabFor(route)
	if err != nil {
		return perceive.SemanticSnapshot{}, err
	}
	var raw string
	if err := chromedp.Run(tabCtx, chromedp.Evaluate(semanticScript, &raw)); err != nil {
		return perceive.SemanticSnapshot{}, err
	}
	var res semanticResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return perceive.SemanticSnapshot{}, err
	}
	lang := res.Lang
	if lang == "" {
		lang = "en"
	}
	keywords := topKeywords(res.Text, 10)
	return perceive.SemanticSnapshot{
		Language:         lang,
		ContentType:      classifyContentType(res.Text),
		Intent:           perceive.IntentInformational,
		ShortSummary:     truncate(res.Text, 160),
		MediumSummary:    truncate(res.Text, 640),
		Keywords:         keywords,
		ReadabilityScore: readability(res.Text),
	}, nil
}

func classifyContentType(text string) perceive.ContentType {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "add to cart") || strings.Contains(lower, "checkout"):
		return "Commerce"
	case strings.Contains(lower, "sign in") || strings.Contains(lower, "log in"):
		return "Auth"
	default:
		return "Article"
	}
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "of": true,
	"to": true, "in": true, "is": true, "it": true, "for": true, "on": true,
	"with": true, "this": true, "that": true, "as": true, "are": true, "was": true,
}

func topKeywords(text string, n int) map[string]float64 {
	counts := map[string]int{}
	total := 0
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:\"'()[]")
		if w == "" || stopWords[w] || len(w) < 3 {
			continue
		}
		counts[w]++
		total++
	}
	type kv struct {
		k string
		v int
	}
	kvs := make([]kv, 0, len(counts))
	for k, v := range counts {
		kvs = append(kvs, kv{k, v})
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].v > kvs[j].v })
	if len(kvs) > n {
		kvs = kvs[:n]
	}
	out := make(map[string]float64, len(kvs))
	for _, e := range kvs {
		if total > 0 {
			out[e.k] = float64(e.v) / float64(total)
		}
	}
	return out
}

// readability approximates a Flesch-style score from words/sentence and
// syllables/word, without a dedicated readability dependency.
func readability(text string) float64 {
	sentences := strings.FieldsFunc(text, func(r rune) bool { return r == '.' || r == '!' || r == '?' })
	words := strings.Fields(text)
	if len(sentences) == 0 || len(words) == 0 {
		return 0
	}
	syllables := 0
	for _, w := range words {
		syllables += countSyllables(w)
	}
	wordsPerSentence := float64(len(words)) / float64(len(sentences))
	syllablesPerWord := float64(syllables) / float64(len(words))
	score := 206.835 - 1.015*wordsPerSentence - 84.6*syllablesPerWord
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

func countSyllables(word string) int {
	word = strings.ToLower(word)
	vowels := "aeiouy"
	count := 0
	prevVowel := false
	for _, r := range word {
		isVowel := strings.ContainsRune(vowels, r)
		if isVowel && !prevVowel {
			count++
		}
		prevVowel = isVowel
	}
	if count == 0 {
		count = 1
	}
	return count
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// analyzeImage derives a coarse dominant-color list, an average-contrast
// estimate, and a non-blank pixel ratio used as a viewport-utilization
// proxy, avoiding a full image-analysis dependency for a single coarse
// signal.
func analyzeImage(img image.Image) ([]string, float64, float64) {
	bounds := img.Bounds()
	buckets := map[string]int{}
	var sumLum, sumSq float64
	nonBlank := 0
	total := 0
	const step = 8
	for y := bounds.Min.Y; y < bounds.Max.Y; y += step {
		for x := bounds.Min.X; x < bounds.Max.X; x += step {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			total++
			lum := 0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B)
			sumLum += lum
			sumSq += lum * lum
			if c.R > 245 && c.G > 245 && c.B > 245 {
				continue
			}
			nonBlank++
			bucket := bucketColor(c)
			buckets[bucket]++
		}
	}
	colors := topColors(buckets, 5)
	var contrast float64
	if total > 0 {
		mean := sumLum / float64(total)
		variance := sumSq/float64(total) - mean*mean
		if variance < 0 {
			variance = 0
		}
		contrast = variance / 255.0
	}
	utilization := 0.0
	if total > 0 {
		utilization = float64(nonBlank) / float64(total)
	}
	return colors, contrast, utilization
}

func bucketColor(c color.NRGBA) string {
	quant := func(v uint8) uint8 { return (v / 64) * 64 }
	return strings.Join([]string{
		itoa(quant(c.R)), itoa(quant(c.G)), itoa(quant(c.B)),
	}, ",")
}

func itoa(v uint8) string {
	return string(rune('0' + v/100%10)) + string(rune('0'+v/10%10)) + string(rune('0'+v%10))
}

func topColors(buckets map[string]int, n int) []string {
	type kv struct {
		k string
		v int
	}
	kvs := make([]kv, 0, len(buckets))
	for k, v := range buckets {
		kvs = append(kvs, kv{k, v})
	}
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].v > kvs[j].v })
	if len(kvs) > n {
		kvs = kvs[:n]
	}
	out := make([]string, 0, len(kvs))
	for _, e := range kvs {
		out = append(out, e.k)
	}
	return out
}

// averageHash computes a tiny 8x8 perceptual digest: each bit records
// whether a downsampled pixel's luminance is above the image's mean.
func averageHash(img image.Image) string {
	const size = 8
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return ""
	}
	var lums [size][size]float64
	var sum float64
	for yi := 0; yi < size; yi++ {
		for xi := 0; xi < size; xi++ {
			x := bounds.Min.X + xi*w/size
			y := bounds.Min.Y + yi*h/size
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			lum := 0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B)
			lums[yi][xi] = lum
			sum += lum
		}
	}
	mean := sum / float64(size*size)
	var b strings.Builder
	for yi := 0; yi < size; yi++ {
		for xi := 0; xi < size; xi++ {
			if lums[yi][xi] >= mean {
				b.WriteByte('1')
			} else {
				b.WriteByte('0')
			}
		}
	}
	return b.String()
}
