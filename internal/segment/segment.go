// Package segment runs the container-region segmentation stage: one photo
// in, zero or more classed container regions out. It is the first model
// stage of a session and decides which counting path each region takes.
package segment

import (
	"context"
	"fmt"
	"image"

	"github.com/google/uuid"

	"github.com/greenline-data/canopy.count/internal/config"
	"github.com/greenline-data/canopy.count/internal/imagery"
	"github.com/greenline-data/canopy.count/internal/inference"
	"github.com/greenline-data/canopy.count/internal/monitoring"
)

// RegionClass is the container class assigned to a segmented region. It is
// a closed enum; the model label vocabulary maps onto it in ParseRegionClass
// and anything outside the vocabulary is dropped at the stage boundary.
type RegionClass int

const (
	// ClassCanopy is a dense canopy surface where individual plants
	// overlap; it is counted by density estimation over the whole region.
	ClassCanopy RegionClass = iota
	// ClassBox is a transport box of separated containers, counted by
	// instance detection.
	ClassBox
	// ClassPlugTray is a rigid tray with a fixed cell grid.
	ClassPlugTray
	// ClassSeedlingTray is a loose seedling tray.
	ClassSeedlingTray

	numRegionClasses
)

var classLabels = map[RegionClass]string{
	ClassCanopy:       "dense_canopy",
	ClassBox:          "box",
	ClassPlugTray:     "plug_tray",
	ClassSeedlingTray: "seedling_tray",
}

// String returns the wire label for the class.
func (c RegionClass) String() string {
	if s, ok := classLabels[c]; ok {
		return s
	}
	return fmt.Sprintf("RegionClass(%d)", int(c))
}

// ParseRegionClass maps a model output label to a RegionClass.
func ParseRegionClass(label string) (RegionClass, bool) {
	for c, s := range classLabels {
		if s == label {
			return c, true
		}
	}
	return 0, false
}

// Region is one segmented container region of a session photo. Bounds and
// Mask are in photo coordinates.
type Region struct {
	ID         string
	SessionID  string
	Class      RegionClass
	Bounds     image.Rectangle
	Mask       *imagery.Mask
	Confidence float64
}

// Stage runs segmentation through a leased model instance.
type Stage struct {
	pool *inference.Pool
}

// NewStage creates a segmentation stage backed by pool.
func NewStage(pool *inference.Pool) *Stage {
	return &Stage{pool: pool}
}

// Run segments the session photo into container regions. Zero regions is a
// valid result: a photo of an empty bench produces an empty (completed)
// session, not an error. Predictions with labels outside the class
// vocabulary are dropped.
func (s *Stage) Run(ctx context.Context, sessionID string, img image.Image, slot int, snap config.Snapshot) ([]Region, error) {
	lease, err := s.pool.Acquire(inference.KindSegmenter, slot)
	if err != nil {
		return nil, fmt.Errorf("acquire segmenter: %w", err)
	}
	defer lease.Release()

	seg, err := lease.Segmenter()
	if err != nil {
		return nil, err
	}
	preds, err := seg.Segment(ctx, img, inference.SegmenterParams{
		Conf:      snap.SegConf,
		IoU:       snap.SegIoU,
		InputSize: snap.SegInputSize,
	})
	if err != nil {
		return nil, fmt.Errorf("segment session %s: %w", sessionID, err)
	}

	regions := make([]Region, 0, len(preds))
	for _, p := range preds {
		class, ok := ParseRegionClass(p.Label)
		if !ok {
			monitoring.Logf("[segment] session %s: dropping region with unknown label %q", sessionID, p.Label)
			continue
		}
		if p.Bounds.Empty() {
			monitoring.Logf("[segment] session %s: dropping empty %s region", sessionID, class)
			continue
		}
		mask := p.Mask
		if mask == nil {
			// Some model backends emit boxes only; treat the full bounds
			// as covered.
			mask = imagery.RectMask(p.Bounds)
		}
		regions = append(regions, Region{
			ID:         uuid.New().String(),
			SessionID:  sessionID,
			Class:      class,
			Bounds:     p.Bounds,
			Mask:       mask,
			Confidence: p.Confidence,
		})
	}
	return regions, nil
}
