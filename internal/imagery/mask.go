// Package imagery provides the raster primitives shared by the counting
// pipeline: binary masks over photo regions, the vegetation foreground
// filter, content-addressed photo storage and crop scaling.
package imagery

import (
	"fmt"
	"image"
)

// Mask is a binary raster over a bounding rectangle. Pixels outside the
// rectangle are implicitly unset. A Mask is created once by its producing
// stage and treated as read-only afterwards except through the explicit
// mutators below.
type Mask struct {
	bounds image.Rectangle
	bits   []bool
}

// NewMask creates an empty mask covering r.
func NewMask(r image.Rectangle) *Mask {
	r = r.Canon()
	return &Mask{
		bounds: r,
		bits:   make([]bool, r.Dx()*r.Dy()),
	}
}

// RectMask creates a mask with every pixel of r set.
func RectMask(r image.Rectangle) *Mask {
	m := NewMask(r)
	for i := range m.bits {
		m.bits[i] = true
	}
	return m
}

// Bounds returns the mask's bounding rectangle.
func (m *Mask) Bounds() image.Rectangle { return m.bounds }

func (m *Mask) index(x, y int) (int, bool) {
	if !(image.Point{X: x, Y: y}).In(m.bounds) {
		return 0, false
	}
	return (y-m.bounds.Min.Y)*m.bounds.Dx() + (x - m.bounds.Min.X), true
}

// At reports whether the pixel at (x, y) is set.
func (m *Mask) At(x, y int) bool {
	i, ok := m.index(x, y)
	return ok && m.bits[i]
}

// Set sets or clears the pixel at (x, y). Out-of-bounds writes are ignored.
func (m *Mask) Set(x, y int, v bool) {
	if i, ok := m.index(x, y); ok {
		m.bits[i] = v
	}
}

// SetRect sets or clears every pixel of r that falls inside the mask.
func (m *Mask) SetRect(r image.Rectangle, v bool) {
	r = r.Canon().Intersect(m.bounds)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := (y - m.bounds.Min.Y) * m.bounds.Dx()
		for x := r.Min.X; x < r.Max.X; x++ {
			m.bits[row+x-m.bounds.Min.X] = v
		}
	}
}

// SubtractRect clears every pixel of r. Used to remove detection extents
// from a region mask when building the residual mask.
func (m *Mask) SubtractRect(r image.Rectangle) {
	m.SetRect(r, false)
}

// Area returns the number of set pixels.
func (m *Mask) Area() int {
	n := 0
	for _, b := range m.bits {
		if b {
			n++
		}
	}
	return n
}

// AreaIn returns the number of set pixels within r.
func (m *Mask) AreaIn(r image.Rectangle) int {
	r = r.Canon().Intersect(m.bounds)
	n := 0
	for y := r.Min.Y; y < r.Max.Y; y++ {
		row := (y - m.bounds.Min.Y) * m.bounds.Dx()
		for x := r.Min.X; x < r.Max.X; x++ {
			if m.bits[row+x-m.bounds.Min.X] {
				n++
			}
		}
	}
	return n
}

// Clone returns a deep copy of the mask.
func (m *Mask) Clone() *Mask {
	out := &Mask{
		bounds: m.bounds,
		bits:   make([]bool, len(m.bits)),
	}
	copy(out.bits, m.bits)
	return out
}

// HorizontalBands splits the mask's bounds into n horizontal strips of
// near-equal height, top to bottom. The last strip absorbs any remainder.
func (m *Mask) HorizontalBands(n int) ([]image.Rectangle, error) {
	if n < 1 {
		return nil, fmt.Errorf("band count must be at least 1, got %d", n)
	}
	h := m.bounds.Dy()
	if h == 0 {
		return nil, nil
	}
	if n > h {
		n = h
	}
	bands := make([]image.Rectangle, 0, n)
	step := h / n
	for i := 0; i < n; i++ {
		top := m.bounds.Min.Y + i*step
		bottom := top + step
		if i == n-1 {
			bottom = m.bounds.Max.Y
		}
		bands = append(bands, image.Rect(m.bounds.Min.X, top, m.bounds.Max.X, bottom))
	}
	return bands, nil
}

// String describes the mask for log lines.
func (m *Mask) String() string {
	return fmt.Sprintf("Mask(%v, %d/%d set)", m.bounds, m.Area(), len(m.bits))
}
