// Package estimate turns the residual foliage of a region, the part no
// detector box claimed, into a plant count. The region is split into
// horizontal strips so perspective scaling is handled locally: a strip's
// count is its residual foliage area divided by a per-strip reference
// plant area, measured from the strip's own detections when it has any and
// fed back through calibration when it does not.
package estimate

import (
	"context"
	"fmt"
	"image"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/greenline-data/canopy.count/internal/config"
	"github.com/greenline-data/canopy.count/internal/detect"
	"github.com/greenline-data/canopy.count/internal/imagery"
	"github.com/greenline-data/canopy.count/internal/plog"
	"github.com/greenline-data/canopy.count/internal/segment"
)

// Method records where a strip's reference plant area came from.
type Method int

const (
	// MethodMeasured means the reference area was measured from detections
	// inside the strip itself.
	MethodMeasured Method = iota
	// MethodFallback means the strip had no detections and used the
	// product's calibrated reference area.
	MethodFallback
)

// String returns the wire label for the method.
func (m Method) String() string {
	switch m {
	case MethodMeasured:
		return "real_detection"
	case MethodFallback:
		return "fallback"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// DensityParameter is the calibrated per-product density state. It is the
// unit of the calibration feedback loop: estimation reads it, completed
// detections update it.
type DensityParameter struct {
	ProductKey string
	// ReferenceArea is the running reference plant area in pixels.
	ReferenceArea float64
	// OverlapFactor compensates for foliage overlap in dense canopy; an
	// estimated count is scaled up by this factor.
	OverlapFactor float64
	SampleCount   int64
	UpdatedAt     time.Time
}

// StripStat is the per-strip breakdown of an estimation, kept for audit.
type StripStat struct {
	Band          image.Rectangle
	ResidualArea  int
	ReferenceArea float64
	Estimate      int
	Method        Method
}

// Estimation is the density-estimation result for one region.
type Estimation struct {
	RegionID       string
	Strips         int
	EstimatedCount int
	// ResidualArea is the total residual foliage area in pixels.
	ResidualArea int
	// Method is MethodMeasured when every counting strip had its own
	// detections, MethodFallback when any strip needed the calibrated
	// reference.
	Method Method
	// Confidence is the fraction of counting strips that were measured.
	Confidence float64
	StripStats []StripStat
}

// Estimator computes band density estimates.
type Estimator struct {
	filter imagery.VegetationFilter
}

// NewEstimator creates an Estimator with the default vegetation filter.
func NewEstimator() *Estimator {
	return &Estimator{filter: imagery.DefaultVegetationFilter()}
}

// Estimate counts the plants in region that dets did not already count.
// The detections' extents are subtracted from the region mask, the
// remainder is reduced to foliage pixels and split into horizontal strips,
// and each strip is counted against its reference area. A region with no
// residual foliage estimates zero; that is the normal case for a cleanly
// detected box.
//
// param supplies the fallback reference area; it is only required when a
// strip has residual foliage but no detections of its own.
func (e *Estimator) Estimate(ctx context.Context, img image.Image, region segment.Region, dets []detect.Detection, param DensityParameter, snap config.Snapshot) (Estimation, error) {
	if err := ctx.Err(); err != nil {
		return Estimation{}, err
	}
	residual := region.Mask.Clone()
	for _, d := range dets {
		residual.SubtractRect(d.Box)
	}
	foliage := e.filter.Apply(img, residual)

	bands, err := foliage.HorizontalBands(snap.EstimatorStrips)
	if err != nil {
		return Estimation{}, fmt.Errorf("band region %s: %w", region.ID, err)
	}

	overlap := param.OverlapFactor
	if overlap <= 0 {
		overlap = 1
	}

	out := Estimation{
		RegionID: region.ID,
		Strips:   len(bands),
		Method:   MethodMeasured,
	}
	counting, measured := 0, 0
	for _, band := range bands {
		if err := ctx.Err(); err != nil {
			return Estimation{}, err
		}
		ss := StripStat{Band: band, ResidualArea: foliage.AreaIn(band)}
		out.ResidualArea += ss.ResidualArea
		if ss.ResidualArea == 0 {
			out.StripStats = append(out.StripStats, ss)
			continue
		}
		counting++

		if areas := stripDetectionAreas(dets, band); len(areas) > 0 {
			ss.ReferenceArea = stat.Mean(areas, nil)
			ss.Method = MethodMeasured
			measured++
		} else {
			if param.ReferenceArea <= 0 {
				return Estimation{}, fmt.Errorf("region %s, strip %v, product %q: %w",
					region.ID, band, param.ProductKey, ErrUncalibrated)
			}
			ss.ReferenceArea = param.ReferenceArea
			ss.Method = MethodFallback
			out.Method = MethodFallback
		}
		ss.Estimate = int(math.Round(float64(ss.ResidualArea) / ss.ReferenceArea * overlap))
		out.EstimatedCount += ss.Estimate
		out.StripStats = append(out.StripStats, ss)
	}

	if counting > 0 {
		out.Confidence = float64(measured) / float64(counting)
	} else {
		out.Confidence = 1
	}
	plog.Diagf("[estimate] region %s: %d strips (%d counting, %d measured), residual %d px, estimate %d",
		region.ID, out.Strips, counting, measured, out.ResidualArea, out.EstimatedCount)
	return out, nil
}

// stripDetectionAreas returns the pixel areas of the detections whose box
// centre falls in the band's vertical extent.
func stripDetectionAreas(dets []detect.Detection, band image.Rectangle) []float64 {
	var areas []float64
	for _, d := range dets {
		cy := (d.Box.Min.Y + d.Box.Max.Y) / 2
		if cy >= band.Min.Y && cy < band.Max.Y {
			areas = append(areas, float64(d.Box.Dx()*d.Box.Dy()))
		}
	}
	return areas
}

// MeanDetectionArea returns the mean pixel area of a region's detections,
// the observation fed to the calibrator. Returns 0 when there are none.
func MeanDetectionArea(dets []detect.Detection) float64 {
	if len(dets) == 0 {
		return 0
	}
	areas := make([]float64, len(dets))
	for i, d := range dets {
		areas[i] = float64(d.Box.Dx() * d.Box.Dy())
	}
	return stat.Mean(areas, nil)
}
