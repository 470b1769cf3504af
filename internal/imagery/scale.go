package imagery

import (
	"image"
	"math"

	xdraw "golang.org/x/image/draw"
)

// CropScale holds the mapping from a scaled model-input crop back to source
// photo coordinates.
type CropScale struct {
	// Source is the crop rectangle in the source photo.
	Source image.Rectangle
	// ScaleX and ScaleY convert model-input coordinates to source pixels.
	ScaleX float64
	ScaleY float64
}

// ToSource maps a rectangle in model-input coordinates back onto the source
// photo. The max edge rounds outward so a mapped box never under-covers the
// source pixels it was predicted on.
func (cs CropScale) ToSource(r image.Rectangle) image.Rectangle {
	return image.Rect(
		cs.Source.Min.X+int(float64(r.Min.X)*cs.ScaleX),
		cs.Source.Min.Y+int(float64(r.Min.Y)*cs.ScaleY),
		cs.Source.Min.X+int(math.Ceil(float64(r.Max.X)*cs.ScaleX)),
		cs.Source.Min.Y+int(math.Ceil(float64(r.Max.Y)*cs.ScaleY)),
	).Intersect(cs.Source)
}

// CropAndScale extracts crop from img and resizes it to size×size for model
// input, returning the scaled image plus the mapping back to source
// coordinates. When size is zero or the crop is already at most size in both
// axes, the crop is returned unscaled.
func CropAndScale(img image.Image, crop image.Rectangle, size int) (image.Image, CropScale) {
	crop = crop.Canon().Intersect(img.Bounds())
	cs := CropScale{Source: crop, ScaleX: 1, ScaleY: 1}
	if crop.Empty() {
		return image.NewRGBA(image.Rectangle{}), cs
	}

	cropped := image.NewRGBA(image.Rect(0, 0, crop.Dx(), crop.Dy()))
	xdraw.Draw(cropped, cropped.Bounds(), img, crop.Min, xdraw.Src)

	if size <= 0 || (crop.Dx() <= size && crop.Dy() <= size) {
		return cropped, cs
	}

	scaled := image.NewRGBA(image.Rect(0, 0, size, size))
	xdraw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), cropped, cropped.Bounds(), xdraw.Src, nil)
	cs.ScaleX = float64(crop.Dx()) / float64(size)
	cs.ScaleY = float64(crop.Dy()) / float64(size)
	return scaled, cs
}
