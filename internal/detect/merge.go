package detect

import (
	"image"
	"sort"
)

// IoU returns the intersection-over-union of two rectangles.
func IoU(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	ia := inter.Dx() * inter.Dy()
	union := a.Dx()*a.Dy() + b.Dx()*b.Dy() - ia
	if union <= 0 {
		return 0
	}
	return float64(ia) / float64(union)
}

// containFrac returns the fraction of the smaller rectangle covered by the
// intersection. A container split across a tile seam yields a full box in
// one tile and a sliver in the neighbour; the sliver has low IoU against
// the full box but is almost entirely contained by it.
func containFrac(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	small := a.Dx() * a.Dy()
	if ab := b.Dx() * b.Dy(); ab < small {
		small = ab
	}
	if small <= 0 {
		return 0
	}
	return float64(inter.Dx()*inter.Dy()) / float64(small)
}

// MergeDetections collapses duplicate detections of one physical container
// into a single detection. Candidates are walked in descending confidence;
// a candidate joins an existing cluster when its IoU with the cluster box
// reaches iou, or when the smaller of the two boxes is contained to at
// least contain. A cluster keeps its largest-area box (the most complete
// view of the container) and its highest confidence.
func MergeDetections(dets []Detection, iou, contain float64) []Detection {
	if len(dets) < 2 {
		return dets
	}
	sorted := make([]Detection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	var kept []Detection
	for _, d := range sorted {
		merged := false
		for i := range kept {
			if IoU(kept[i].Box, d.Box) < iou && containFrac(kept[i].Box, d.Box) < contain {
				continue
			}
			if d.Box.Dx()*d.Box.Dy() > kept[i].Box.Dx()*kept[i].Box.Dy() {
				kept[i].Box = d.Box
			}
			if d.Confidence > kept[i].Confidence {
				kept[i].Confidence = d.Confidence
			}
			merged = true
			break
		}
		if !merged {
			kept = append(kept, d)
		}
	}
	return kept
}
