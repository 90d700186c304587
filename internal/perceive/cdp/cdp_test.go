package cdp

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/soulbrowser/kernel/internal/perceive"
)

func TestClassifyContentTypeDetectsCommerce(t *testing.T) {
	t.Parallel()
	require.Equal(t, perceive.ContentType("Commerce"), classifyContentType("Add to Cart for free shipping"))
}

func TestClassifyContentTypeDetectsAuth(t *testing.T) {
	t.Parallel()
	require.Equal(t, perceive.ContentType("Auth"), classifyContentType("Please sign in to continue"))
}

func TestClassifyContentTypeDefaultsToArticle(t *testing.T) {
	t.Parallel()
	require.Equal(t, perceive.ContentType("Article"), classifyContentType("A quiet morning in the valley"))
}

func TestTopKeywordsDropsStopWordsAndShortWords(t *testing.T) {
	t.Parallel()
	kw := topKeywords("the cat sat on the mat and the mat was soft", 5)
	_, hasThe := kw["the"]
	require.False(t, hasThe)
	_, hasMat := kw["mat"]
	require.True(t, hasMat)
}

func TestTopKeywordsLimitsToN(t *testing.T) {
	t.Parallel()
	kw := topKeywords("alpha bravo charlie delta echo foxtrot golf hotel", 3)
	require.LessOrEqual(t, len(kw), 3)
}

func TestTopKeywordsHandlesEmptyText(t *testing.T) {
	t.Parallel()
	kw := topKeywords("", 5)
	require.Empty(t, kw)
}

func TestReadabilityReturnsZeroForEmptyText(t *testing.T) {
	t.Parallel()
	require.Equal(t, 0.0, readability(""))
}

func TestReadabilityIsBoundedBetweenZeroAndHundred(t *testing.T) {
	t.Parallel()
	score := readability("The cat sat on the mat. It was a sunny day outside the window.")
	require.GreaterOrEqual(t, score, 0.0)
	require.LessOrEqual(t, score, 100.0)
}

func TestCountSyllablesNeverReturnsZero(t *testing.T) {
	t.Parallel()
	require.Equal(t, 1, countSyllables(""))
	require.GreaterOrEqual(t, countSyllables("strength"), 1)
	require.Equal(t, 2, countSyllables("table"))
}

func TestTruncateLeavesShortStringsUntouched(t *testing.T) {
	t.Parallel()
	require.Equal(t, "hello", truncate("  hello  ", 80))
}

func TestTruncateCutsLongStringsToN(t *testing.T) {
	t.Parallel()
	require.Equal(t, "hello", truncate("hello world", 5))
}

func TestBucketColorQuantizesToMultiplesOf64(t *testing.T) {
	t.Parallel()
	require.Equal(t, "192,064,000", bucketColor(color.NRGBA{R: 200, G: 100, B: 10, A: 255}))
}

func TestTopColorsOrdersByFrequencyAndLimitsToN(t *testing.T) {
	t.Parallel()
	buckets := map[string]int{"a": 1, "b": 5, "c": 3}
	top := topColors(buckets, 2)
	require.Equal(t, []string{"b", "c"}, top)
}

func TestAnalyzeImageReportsFullUtilizationForNonWhiteImage(t *testing.T) {
	t.Parallel()
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}
	colors, _, utilization := analyzeImage(img)
	require.Equal(t, 1.0, utilization)
	require.NotEmpty(t, colors)
}

func TestAnalyzeImageReportsZeroUtilizationForBlankImage(t *testing.T) {
	t.Parallel()
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}
	_, _, utilization := analyzeImage(img)
	require.Equal(t, 0.0, utilization)
}

func TestAverageHashProducesSixtyFourBitString(t *testing.T) {
	t.Parallel()
	img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			v := uint8(0)
			if x >= 16 {
				v = 255
			}
			img.Set(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	hash := averageHash(img)
	require.Len(t, hash, 64)
	for _, c := range hash {
		require.True(t, c == '0' || c == '1')
	}
}

func TestAverageHashReturnsEmptyForZeroSizedImage(t *testing.T) {
	t.Parallel()
	img := image.NewNRGBA(image.Rect(0, 0, 0, 0))
	require.Equal(t, "", averageHash(img))
}
