package perception

import (
	"image"
	"math"
)

// Extractor turns an image region into an embedding. ok is false when the
// region holds no pixels after clipping to the image bounds.
type Extractor interface {
	Extract(img image.Image, box Box) (embedding []float32, ok bool)
	// Dimension is the length of every embedding the extractor returns.
	Dimension() int
}

// HistogramExtractor builds an L2-normalized 3D HSV color histogram.
// Hue spans [0, 180) and saturation/value span [0, 256), matching the 8-bit
// HSV convention used by common vision toolkits.
type HistogramExtractor struct {
	bins int
}

// NewHistogramExtractor creates an extractor with bins per channel (8 gives 512 dimensions).
func NewHistogramExtractor(bins int) *HistogramExtractor {
	if bins < 1 {
		bins = 8
	}
	return &HistogramExtractor{bins: bins}
}

func (h *HistogramExtractor) Dimension() int {
	return h.bins * h.bins * h.bins
}

func (h *HistogramExtractor) Extract(img image.Image, box Box) ([]float32, bool) {
	if img == nil {
		return nil, false
	}

	region := box.Rect().Intersect(img.Bounds())
	if region.Empty() {
		return nil, false
	}

	n := h.bins
	counts := make([]float64, n*n*n)
	for y := region.Min.Y; y < region.Max.Y; y++ {
		for x := region.Min.X; x < region.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			hue, sat, val := rgbToHSV8(uint8(r>>8), uint8(g>>8), uint8(b>>8))

			hb := int(hue) * n / 180
			sb := int(sat) * n / 256
			vb := int(val) * n / 256
			counts[(hb*n+sb)*n+vb]++
		}
	}

	var norm float64
	for _, c := range counts {
		norm += c * c
	}
	norm = math.Sqrt(norm)

	out := make([]float32, len(counts))
	for i, c := range counts {
		out[i] = float32(c / norm)
	}
	return out, true
}

// rgbToHSV8 converts to 8-bit HSV with hue halved into [0, 180).
func rgbToHSV8(r, g, b uint8) (h, s, v uint8) {
	rf, gf, bf := float64(r), float64(g), float64(b)
	hi := math.Max(rf, math.Max(gf, bf))
	lo := math.Min(rf, math.Min(gf, bf))
	diff := hi - lo

	v = uint8(hi)
	if hi == 0 {
		return 0, 0, v
	}
	s = uint8(math.Round(diff / hi * 255))
	if diff == 0 {
		return 0, s, v
	}

	var hue float64
	switch hi {
	case rf:
		hue = 60 * (gf - bf) / diff
	case gf:
		hue = 120 + 60*(bf-rf)/diff
	default:
		hue = 240 + 60*(rf-gf)/diff
	}
	if hue < 0 {
		hue += 360
	}

	hv := math.Round(hue / 2)
	if hv >= 180 {
		hv -= 180
	}
	return uint8(hv), s, v
}
