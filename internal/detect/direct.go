package detect

import (
	"context"
	"fmt"
	"image"

	"github.com/google/uuid"

	"github.com/greenline-data/canopy.count/internal/config"
	"github.com/greenline-data/canopy.count/internal/imagery"
	"github.com/greenline-data/canopy.count/internal/inference"
	"github.com/greenline-data/canopy.count/internal/plog"
	"github.com/greenline-data/canopy.count/internal/segment"
)

// DirectDetector runs the single-pass detection path for compact regions:
// one crop, one model call, no seams. The confidence floor is lower than
// the tiled path's because there are no seam slivers to reject.
type DirectDetector struct {
	pool *inference.Pool
}

// NewDirectDetector creates a DirectDetector backed by pool.
func NewDirectDetector(pool *inference.Pool) *DirectDetector {
	return &DirectDetector{pool: pool}
}

// Run detects containers in region with a single model call over the
// region crop.
func (d *DirectDetector) Run(ctx context.Context, img image.Image, region segment.Region, slot int, snap config.Snapshot) ([]Detection, error) {
	lease, err := d.pool.Acquire(inference.KindDetector, slot)
	if err != nil {
		return nil, fmt.Errorf("acquire detector: %w", err)
	}
	defer lease.Release()

	det, err := lease.Detector()
	if err != nil {
		return nil, err
	}
	scaled, cs := imagery.CropAndScale(img, region.Bounds, snap.DetectInputSize)
	preds, err := det.Detect(ctx, scaled, inference.DetectorParams{
		Conf:      snap.DirectConf,
		IoU:       snap.MergeIoU,
		InputSize: snap.DetectInputSize,
	})
	if err != nil {
		return nil, fmt.Errorf("detect region %s: %w", region.ID, err)
	}

	out := make([]Detection, 0, len(preds))
	for _, p := range preds {
		out = append(out, Detection{
			ID:         uuid.New().String(),
			RegionID:   region.ID,
			Box:        cs.ToSource(p.Box),
			Confidence: p.Confidence,
			Source:     MethodDirect,
		})
	}
	plog.Diagf("[detect] region %s: direct pass, %d detections", region.ID, len(out))
	return out, nil
}
