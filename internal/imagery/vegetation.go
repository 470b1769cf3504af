package imagery

import (
	"image"
	"image/color"

	"github.com/lucasb-eyer/go-colorful"
)

// VegetationFilter classifies pixels as plant foreground or background
// substrate using HSV thresholds. Raw residual area in a container region
// routinely includes bare soil, pot rims and gravel; the estimator must not
// count those surfaces as plantable canopy.
type VegetationFilter struct {
	// HueMin and HueMax bound the green band, in degrees.
	HueMin float64
	HueMax float64
	// SatMin rejects washed-out pixels (gravel, reflections).
	SatMin float64
	// ValMin rejects deep shadow where hue is unreliable.
	ValMin float64
}

// DefaultVegetationFilter returns thresholds tuned on nursery bench photos.
func DefaultVegetationFilter() VegetationFilter {
	return VegetationFilter{
		HueMin: 60,
		HueMax: 180,
		SatMin: 0.15,
		ValMin: 0.10,
	}
}

// IsVegetation reports whether a single pixel colour falls in the
// vegetation band.
func (f VegetationFilter) IsVegetation(c color.Color) bool {
	col, ok := colorful.MakeColor(c)
	if !ok {
		// Fully transparent pixel; treat as background.
		return false
	}
	h, s, v := col.Hsv()
	return h >= f.HueMin && h <= f.HueMax && s >= f.SatMin && v >= f.ValMin
}

// Apply intersects the mask with the vegetation classification of img:
// pixels that are set in m but not vegetation in img are cleared. The input
// mask is not modified.
func (f VegetationFilter) Apply(img image.Image, m *Mask) *Mask {
	out := m.Clone()
	b := m.Bounds().Intersect(img.Bounds())
	// Pixels of the mask outside the image carry no colour evidence; clear them.
	outside := out.Bounds()
	if b != outside {
		cleared := NewMask(outside)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				cleared.Set(x, y, out.At(x, y))
			}
		}
		out = cleared
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if out.At(x, y) && !f.IsVegetation(img.At(x, y)) {
				out.Set(x, y, false)
			}
		}
	}
	return out
}

// BackgroundFraction returns the fraction of pixels in r that are NOT
// vegetation. The tiled detector skips tiles whose background fraction
// exceeds its configured threshold to avoid wasted inference.
func (f VegetationFilter) BackgroundFraction(img image.Image, r image.Rectangle) float64 {
	r = r.Canon().Intersect(img.Bounds())
	total := r.Dx() * r.Dy()
	if total == 0 {
		return 1.0
	}
	background := 0
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if !f.IsVegetation(img.At(x, y)) {
				background++
			}
		}
	}
	return float64(background) / float64(total)
}
