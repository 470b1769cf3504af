// Package detect counts individual plant containers inside a segmented
// region. Large regions are sliced into overlapping tiles so small
// containers stay above the model's effective resolution; compact regions
// take a single direct pass. Both paths share one detector model and
// differ only in slicing and thresholds.
package detect

import (
	"fmt"
	"image"

	"github.com/greenline-data/canopy.count/internal/config"
)

// Method records which detection path produced a detection.
type Method int

const (
	// MethodTiled marks detections from the overlap-tiled path.
	MethodTiled Method = iota
	// MethodDirect marks detections from the single-pass path.
	MethodDirect
)

// String returns the wire label for the method.
func (m Method) String() string {
	switch m {
	case MethodTiled:
		return "tiled"
	case MethodDirect:
		return "direct"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// Detection is one counted plant container in photo coordinates.
type Detection struct {
	ID         string
	RegionID   string
	Box        image.Rectangle
	Confidence float64
	Source     Method
}

// NeedsTiling reports whether a region of the given bounds goes through the
// tiled path. The threshold is area-based: a long thin bench row tiles the
// same as a square block of equal area.
func NeedsTiling(bounds image.Rectangle, snap config.Snapshot) bool {
	return bounds.Dx()*bounds.Dy() >= snap.TilingMinRegionArea
}
