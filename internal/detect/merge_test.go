package detect

import (
	"image"
	"testing"
)

func TestIoU(t *testing.T) {
	a := image.Rect(0, 0, 100, 100)
	if got := IoU(a, a); got != 1.0 {
		t.Errorf("IoU(a, a) = %f, want 1.0", got)
	}
	if got := IoU(a, image.Rect(200, 200, 300, 300)); got != 0.0 {
		t.Errorf("IoU(disjoint) = %f, want 0.0", got)
	}
	// 50x100 intersection over 100x100 + 100x100 - 50x100 union.
	b := image.Rect(50, 0, 150, 100)
	if got, want := IoU(a, b), 5000.0/15000.0; got != want {
		t.Errorf("IoU(half overlap) = %f, want %f", got, want)
	}
}

func TestMergeSeamSliver(t *testing.T) {
	// A container on a tile seam: the full view from one tile and a thin
	// sliver from the neighbour. IoU is low but the sliver is contained.
	full := Detection{Box: image.Rect(100, 100, 140, 140), Confidence: 0.9}
	sliver := Detection{Box: image.Rect(100, 100, 110, 140), Confidence: 0.5}
	if iou := IoU(full.Box, sliver.Box); iou >= 0.45 {
		t.Fatalf("test premise broken: sliver IoU = %f", iou)
	}

	merged := MergeDetections([]Detection{sliver, full}, 0.45, 0.7)
	if len(merged) != 1 {
		t.Fatalf("got %d detections, want 1", len(merged))
	}
	if merged[0].Box != full.Box {
		t.Errorf("kept box = %v, want the larger %v", merged[0].Box, full.Box)
	}
	if merged[0].Confidence != 0.9 {
		t.Errorf("kept confidence = %f, want 0.9", merged[0].Confidence)
	}
}

func TestMergeOverlappingViews(t *testing.T) {
	a := Detection{Box: image.Rect(0, 0, 100, 100), Confidence: 0.6}
	b := Detection{Box: image.Rect(5, 5, 105, 105), Confidence: 0.8}
	merged := MergeDetections([]Detection{a, b}, 0.45, 0.7)
	if len(merged) != 1 {
		t.Fatalf("got %d detections, want 1", len(merged))
	}
	if merged[0].Confidence != 0.8 {
		t.Errorf("confidence = %f, want max 0.8", merged[0].Confidence)
	}
}

func TestMergeKeepsNeighbours(t *testing.T) {
	// Two adjacent containers share an edge but no area: never merged.
	a := Detection{Box: image.Rect(0, 0, 40, 40), Confidence: 0.9}
	b := Detection{Box: image.Rect(40, 0, 80, 40), Confidence: 0.9}
	c := Detection{Box: image.Rect(0, 40, 40, 80), Confidence: 0.9}
	merged := MergeDetections([]Detection{a, b, c}, 0.45, 0.7)
	if len(merged) != 3 {
		t.Errorf("got %d detections, want 3", len(merged))
	}
}

func TestMergeTrivialInputs(t *testing.T) {
	if got := MergeDetections(nil, 0.45, 0.7); len(got) != 0 {
		t.Errorf("merge(nil) = %v, want empty", got)
	}
	one := []Detection{{Box: image.Rect(0, 0, 10, 10), Confidence: 0.5}}
	if got := MergeDetections(one, 0.45, 0.7); len(got) != 1 {
		t.Errorf("merge(one) kept %d, want 1", len(got))
	}
}
