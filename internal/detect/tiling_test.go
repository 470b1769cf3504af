package detect

import (
	"image"
	"testing"
)

func TestTilePositionsCoverSpan(t *testing.T) {
	const length, tile = 2000, 640
	const overlap = 0.2

	xs := tilePositions(length, tile, overlap)
	if len(xs) < 2 {
		t.Fatalf("got %d positions, want several", len(xs))
	}
	if xs[0] != 0 {
		t.Errorf("first position = %d, want 0", xs[0])
	}
	if last := xs[len(xs)-1]; last+tile != length {
		t.Errorf("last tile ends at %d, want %d", last+tile, length)
	}
	minOverlap := 128 // ceil(640 * 0.2)
	for i := 1; i < len(xs); i++ {
		if xs[i] <= xs[i-1] {
			t.Fatalf("positions not increasing: %v", xs)
		}
		if got := tile - (xs[i] - xs[i-1]); got < minOverlap {
			t.Errorf("overlap between tiles %d and %d = %d, want >= %d", i-1, i, got, minOverlap)
		}
	}
}

func TestTilePositionsSmallSpan(t *testing.T) {
	for _, length := range []int{1, 320, 640} {
		xs := tilePositions(length, 640, 0.2)
		if len(xs) != 1 || xs[0] != 0 {
			t.Errorf("tilePositions(%d, 640) = %v, want [0]", length, xs)
		}
	}
	if xs := tilePositions(0, 640, 0.2); xs != nil {
		t.Errorf("tilePositions(0, 640) = %v, want nil", xs)
	}
}

func TestTileRectsStayInBounds(t *testing.T) {
	bounds := image.Rect(50, 30, 1650, 930)
	rects := tileRects(bounds, 640, 0.2)
	if len(rects) == 0 {
		t.Fatal("no tiles")
	}
	union := image.Rectangle{}
	for _, r := range rects {
		if !r.In(bounds) {
			t.Errorf("tile %v outside bounds %v", r, bounds)
		}
		union = union.Union(r)
	}
	if union != bounds {
		t.Errorf("tiles cover %v, want full bounds %v", union, bounds)
	}
}
