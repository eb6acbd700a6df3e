package core

import (
	"context"
	"image"
	"image-analysis-backend/internal/core/types"
	"math"
)

// Sampling grid for large images. Colour statistics converge long before
// every pixel is visited.
const paletteSampleSide = 64

type hueRange struct {
	label    string
	from, to float64
}

var hueRanges = []hueRange{
	{"red", 0, 15},
	{"orange", 15, 45},
	{"yellow", 45, 70},
	{"green", 70, 170},
	{"cyan", 170, 200},
	{"blue", 200, 260},
	{"purple", 260, 345},
	{"red", 345, 360},
}

// PaletteScorer is a deterministic built in scorer that labels an image by
// its colour content: the share of pixels of each named colour plus a few
// whole-image traits.
type PaletteScorer struct {
	topK int
}

func NewPaletteScorer(topK int) *PaletteScorer {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &PaletteScorer{topK: topK}
}

func (s *PaletteScorer) Name() string {
	return string(PaletteScorerType)
}

func rgbToHsv(r, g, b float64) (h, sat, v float64) {
	maxC := math.Max(r, math.Max(g, b))
	minC := math.Min(r, math.Min(g, b))
	delta := maxC - minC

	v = maxC
	if maxC > 0 {
		sat = delta / maxC
	}
	if delta == 0 {
		return 0, sat, v
	}

	switch maxC {
	case r:
		h = 60 * math.Mod((g-b)/delta, 6)
	case g:
		h = 60 * ((b-r)/delta + 2)
	default:
		h = 60 * ((r-g)/delta + 4)
	}
	if h < 0 {
		h += 360
	}
	return h, sat, v
}

func colourName(h, sat, v float64) string {
	switch {
	case v < 0.2:
		return "black"
	case sat < 0.15 && v > 0.85:
		return "white"
	case sat < 0.15:
		return "gray"
	}
	for _, hr := range hueRanges {
		if h >= hr.from && h < hr.to {
			return hr.label
		}
	}
	return "red"
}

func (s *PaletteScorer) Score(ctx context.Context, img image.Image) ([]types.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	stepX := max(1, bounds.Dx()/paletteSampleSide)
	stepY := max(1, bounds.Dy()/paletteSampleSide)

	counts := make(map[string]int)
	var n int
	var sumV, sumV2, sumSat float64

	for y := bounds.Min.Y; y < bounds.Max.Y; y += stepY {
		for x := bounds.Min.X; x < bounds.Max.X; x += stepX {
			r, g, b, _ := img.At(x, y).RGBA()
			h, sat, v := rgbToHsv(float64(r)/0xffff, float64(g)/0xffff, float64(b)/0xffff)

			counts[colourName(h, sat, v)]++
			sumV += v
			sumV2 += v * v
			sumSat += sat
			n++
		}
	}

	if n == 0 {
		return []types.Prediction{}, nil
	}

	total := float64(n)
	preds := make([]types.Prediction, 0, len(counts)+5)
	for label, count := range counts {
		preds = append(preds, types.Prediction{Label: label, Confidence: float64(count) / total})
	}

	meanV := sumV / total
	stdV := math.Sqrt(math.Max(0, sumV2/total-meanV*meanV))
	meanSat := sumSat / total

	traits := []types.Prediction{
		{Label: "bright", Confidence: meanV},
		{Label: "dark", Confidence: 1 - meanV},
		{Label: "colorful", Confidence: meanSat},
		{Label: "monochrome", Confidence: 1 - meanSat},
		{Label: "high contrast", Confidence: 2 * stdV},
	}
	preds = append(preds, traits...)

	scored := make([]types.Prediction, 0, len(preds))
	for _, p := range preds {
		p.Confidence = types.ClampConfidence(p.Confidence)
		if p.Confidence > 0 {
			scored = append(scored, p)
		}
	}

	return types.RankPredictions(scored, s.topK), nil
}
