package detect

import (
	"image"
	"math"
)

// tilePositions returns the start offsets of tiles of size tile covering a
// span of the given length, with at least overlap*tile pixels shared by
// consecutive tiles. The positions are spread evenly so the first tile
// starts at 0 and the last ends exactly at length; the realized overlap is
// therefore at least the requested minimum, never less.
func tilePositions(length, tile int, overlap float64) []int {
	if length <= 0 || tile <= 0 {
		return nil
	}
	if tile >= length {
		return []int{0}
	}
	minOverlap := int(math.Ceil(float64(tile) * overlap))
	if minOverlap >= tile {
		minOverlap = tile - 1
	}
	step := tile - minOverlap
	n := (length-tile+step-1)/step + 1

	positions := make([]int, n)
	span := length - tile
	for i := 1; i < n; i++ {
		positions[i] = i * span / (n - 1)
	}
	return positions
}

// tileRects returns the tile rectangles covering bounds. Every rectangle is
// exactly tile×tile and lies inside bounds, except when bounds itself is
// smaller along an axis, in which case the tile is clipped to bounds.
func tileRects(bounds image.Rectangle, tile int, overlap float64) []image.Rectangle {
	xs := tilePositions(bounds.Dx(), tile, overlap)
	ys := tilePositions(bounds.Dy(), tile, overlap)
	rects := make([]image.Rectangle, 0, len(xs)*len(ys))
	for _, y := range ys {
		for _, x := range xs {
			r := image.Rect(
				bounds.Min.X+x, bounds.Min.Y+y,
				bounds.Min.X+x+tile, bounds.Min.Y+y+tile,
			).Intersect(bounds)
			rects = append(rects, r)
		}
	}
	return rects
}
