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

// TiledDetector runs the overlap-tiled detection path. The region is sliced
// into overlapping tiles; each tile is scaled to the model input size and
// detected independently; per-tile boxes are mapped back to photo
// coordinates and merged so containers straddling a seam count once.
type TiledDetector struct {
	pool   *inference.Pool
	filter imagery.VegetationFilter
}

// NewTiledDetector creates a TiledDetector backed by pool.
func NewTiledDetector(pool *inference.Pool) *TiledDetector {
	return &TiledDetector{pool: pool, filter: imagery.DefaultVegetationFilter()}
}

// Run detects containers in region. The model lease is held for the whole
// tile sweep so a region's tiles never interleave with another job's calls.
func (d *TiledDetector) Run(ctx context.Context, img image.Image, region segment.Region, slot int, snap config.Snapshot) ([]Detection, error) {
	lease, err := d.pool.Acquire(inference.KindDetector, slot)
	if err != nil {
		return nil, fmt.Errorf("acquire detector: %w", err)
	}
	defer lease.Release()

	det, err := lease.Detector()
	if err != nil {
		return nil, err
	}
	params := inference.DetectorParams{
		Conf:      snap.TiledConf,
		IoU:       snap.MergeIoU,
		InputSize: snap.DetectInputSize,
	}

	tiles := tileRects(region.Bounds, snap.TileSize, snap.TileOverlapRatio)
	var raw []Detection
	skipped := 0
	for _, tile := range tiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if d.filter.BackgroundFraction(img, tile) > snap.TileSkipBackgroundFrac {
			skipped++
			continue
		}
		scaled, cs := imagery.CropAndScale(img, tile, snap.DetectInputSize)
		preds, err := det.Detect(ctx, scaled, params)
		if err != nil {
			return nil, fmt.Errorf("detect tile %v of region %s: %w", tile, region.ID, err)
		}
		for _, p := range preds {
			raw = append(raw, Detection{
				RegionID:   region.ID,
				Box:        cs.ToSource(p.Box),
				Confidence: p.Confidence,
				Source:     MethodTiled,
			})
		}
	}

	merged := MergeDetections(raw, snap.MergeIoU, snap.MergeContainFrac)
	for i := range merged {
		merged[i].ID = uuid.New().String()
	}
	plog.Diagf("[detect] region %s: %d tiles (%d skipped), %d raw, %d merged",
		region.ID, len(tiles), skipped, len(raw), len(merged))
	return merged, nil
}
