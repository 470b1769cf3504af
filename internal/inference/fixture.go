package inference

import (
	"context"
	"image"

	"github.com/greenline-data/canopy.count/internal/imagery"
)

// This file holds the dev-mode models. The production deployment loads
// frozen network weights through an external LoaderFunc; in dev mode (and
// in tests) the pipeline runs end to end against these colour-based stand-ins,
// the same way the radar service replays fixtures instead of opening a
// serial port.

// BlobDetector finds connected vegetation components and reports their
// bounding boxes. Plants drawn as solid green patches are detected exactly,
// including duplicate hits on tile seams, which makes it a faithful harness
// for the merge logic.
type BlobDetector struct {
	Filter imagery.VegetationFilter
	// MinArea suppresses single-pixel noise components.
	MinArea int
}

// NewBlobDetector creates a BlobDetector with the default vegetation filter.
func NewBlobDetector() *BlobDetector {
	return &BlobDetector{Filter: imagery.DefaultVegetationFilter(), MinArea: 9}
}

// Kind returns KindDetector.
func (d *BlobDetector) Kind() ModelKind { return KindDetector }

// Close releases nothing; blob detection holds no accelerator memory.
func (d *BlobDetector) Close() error { return nil }

// Detect scans img for connected vegetation components.
func (d *BlobDetector) Detect(ctx context.Context, img image.Image, p DetectorParams) ([]BoxPrediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, nil
	}

	veg := make([]bool, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			veg[y*w+x] = d.Filter.IsVegetation(img.At(b.Min.X+x, b.Min.Y+y))
		}
	}

	const conf = 0.9
	var out []BoxPrediction
	visited := make([]bool, w*h)
	var stack []int
	for start := range veg {
		if !veg[start] || visited[start] {
			continue
		}
		// Flood fill one component, tracking its bounding box.
		minX, minY := w, h
		maxX, maxY := -1, -1
		area := 0
		stack = append(stack[:0], start)
		visited[start] = true
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			x, y := i%w, i/w
			area++
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}
			for _, n := range [4]int{i - 1, i + 1, i - w, i + w} {
				if n < 0 || n >= w*h || visited[n] || !veg[n] {
					continue
				}
				// Row wrap guard for horizontal neighbours.
				if (n == i-1 && x == 0) || (n == i+1 && x == w-1) {
					continue
				}
				visited[n] = true
				stack = append(stack, n)
			}
		}
		if area < d.MinArea || conf < p.Conf {
			continue
		}
		out = append(out, BoxPrediction{
			Box: image.Rect(b.Min.X+minX, b.Min.Y+minY,
				b.Min.X+maxX+1, b.Min.Y+maxY+1),
			Confidence: conf,
			Class:      "plant",
		})
	}
	return out, nil
}

// ThresholdSegmenter produces a single region covering the vegetation
// extent of the photo, labelled dense_canopy when foliage dominates the
// extent and box otherwise.
type ThresholdSegmenter struct {
	Filter imagery.VegetationFilter
	// DenseFraction is the vegetation fraction above which the region is
	// classed as dense canopy.
	DenseFraction float64
}

// NewThresholdSegmenter creates a ThresholdSegmenter with defaults.
func NewThresholdSegmenter() *ThresholdSegmenter {
	return &ThresholdSegmenter{
		Filter:        imagery.DefaultVegetationFilter(),
		DenseFraction: 0.5,
	}
}

// Kind returns KindSegmenter.
func (s *ThresholdSegmenter) Kind() ModelKind { return KindSegmenter }

// Close releases nothing.
func (s *ThresholdSegmenter) Close() error { return nil }

// Segment computes the vegetation extent of img.
func (s *ThresholdSegmenter) Segment(ctx context.Context, img image.Image, p SegmenterParams) ([]MaskPrediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := img.Bounds()
	mask := imagery.NewMask(b)
	minX, minY := b.Max.X, b.Max.Y
	maxX, maxY := b.Min.X-1, b.Min.Y-1
	count := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if !s.Filter.IsVegetation(img.At(x, y)) {
				continue
			}
			mask.Set(x, y, true)
			count++
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}
		}
	}
	if count == 0 {
		// A photo with no foliage segments into zero regions; that is a
		// valid outcome, not an error.
		return nil, nil
	}

	extent := image.Rect(minX, minY, maxX+1, maxY+1)
	label := "box"
	if float64(count)/float64(extent.Dx()*extent.Dy()) >= s.DenseFraction {
		label = "dense_canopy"
	}
	return []MaskPrediction{{
		Label:      label,
		Bounds:     extent,
		Mask:       mask,
		Confidence: 0.85,
	}}, nil
}

// FixtureLoader returns a LoaderFunc serving the dev-mode models.
func FixtureLoader() LoaderFunc {
	return func(kind ModelKind, slot int) (Model, error) {
		switch kind {
		case KindSegmenter:
			return NewThresholdSegmenter(), nil
		case KindDetector:
			return NewBlobDetector(), nil
		default:
			return nil, ErrSlotUnusable
		}
	}
}
