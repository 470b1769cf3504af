package detect

import (
	"context"
	"image"
	"testing"

	"github.com/greenline-data/canopy.count/internal/config"
	"github.com/greenline-data/canopy.count/internal/imagery"
	"github.com/greenline-data/canopy.count/internal/inference"
	"github.com/greenline-data/canopy.count/internal/segment"
	"github.com/greenline-data/canopy.count/internal/testutil"
)

// plantGrid paints a grid of plant patches on soil and returns the image
// and the number of patches.
func plantGrid(w, h, patch, step int) (*image.RGBA, int) {
	img := testutil.SolidImage(w, h, testutil.Soil)
	n := 0
	for y := 15; y+patch <= h; y += step {
		for x := 15; x+patch <= w; x += step {
			testutil.FillRect(img, image.Rect(x, y, x+patch, y+patch), testutil.Leaf)
			n++
		}
	}
	return img, n
}

func fullRegion(img image.Image) segment.Region {
	return segment.Region{
		ID:     "region-1",
		Class:  segment.ClassBox,
		Bounds: img.Bounds(),
		Mask:   imagery.RectMask(img.Bounds()),
	}
}

func fixturePool() *inference.Pool {
	return inference.NewPool(inference.FixtureLoader())
}

func TestTiledCountsSeamStraddlersOnce(t *testing.T) {
	img, want := plantGrid(1400, 900, 30, 100)
	snap := config.EmptyPipelineConfig().Snapshot()

	dets, err := NewTiledDetector(fixturePool()).Run(context.Background(), img, fullRegion(img), 0, snap)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(dets) != want {
		t.Errorf("counted %d containers, want exactly %d", len(dets), want)
	}
	for _, d := range dets {
		if d.Source != MethodTiled {
			t.Errorf("detection source = %s, want tiled", d.Source)
		}
		if d.RegionID != "region-1" {
			t.Errorf("detection region = %q, want region-1", d.RegionID)
		}
		if d.ID == "" {
			t.Error("detection missing ID")
		}
	}
}

func TestTiledResliceStableCount(t *testing.T) {
	// The count must not depend on where the seams fall: re-slicing with a
	// different tile size stays within 2% of the same total.
	img, want := plantGrid(1400, 900, 30, 100)
	base := config.EmptyPipelineConfig().Snapshot()

	alt := base
	alt.TileSize = 512

	ctx := context.Background()
	region := fullRegion(img)
	a, err := NewTiledDetector(fixturePool()).Run(ctx, img, region, 0, base)
	if err != nil {
		t.Fatalf("Run(640): %v", err)
	}
	b, err := NewTiledDetector(fixturePool()).Run(ctx, img, region, 0, alt)
	if err != nil {
		t.Fatalf("Run(512): %v", err)
	}

	diff := len(a) - len(b)
	if diff < 0 {
		diff = -diff
	}
	if tol := want * 2 / 100; diff > tol {
		t.Errorf("tile size 640 counted %d, 512 counted %d; diff %d exceeds %d", len(a), len(b), diff, tol)
	}
}

type countingDetector struct {
	calls int
	preds []inference.BoxPrediction
	got   inference.DetectorParams
}

func (d *countingDetector) Kind() inference.ModelKind { return inference.KindDetector }
func (d *countingDetector) Close() error              { return nil }
func (d *countingDetector) Detect(ctx context.Context, img image.Image, p inference.DetectorParams) ([]inference.BoxPrediction, error) {
	d.calls++
	d.got = p
	return d.preds, nil
}

func poolWith(m inference.Model) *inference.Pool {
	return inference.NewPool(func(kind inference.ModelKind, slot int) (inference.Model, error) {
		return m, nil
	})
}

func TestTiledSkipsBackgroundTiles(t *testing.T) {
	img := testutil.SolidImage(1400, 900, testutil.Soil)
	det := &countingDetector{}
	snap := config.EmptyPipelineConfig().Snapshot()
	snap.TileSkipBackgroundFrac = 0.5

	dets, err := NewTiledDetector(poolWith(det)).Run(context.Background(), img, fullRegion(img), 0, snap)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if det.calls != 0 {
		t.Errorf("detector ran %d times on a bare-soil region, want 0", det.calls)
	}
	if len(dets) != 0 {
		t.Errorf("got %d detections, want 0", len(dets))
	}
}

func TestTiledUsesTiledConfidenceFloor(t *testing.T) {
	img := testutil.SolidImage(1400, 900, testutil.Leaf)
	det := &countingDetector{}
	snap := config.EmptyPipelineConfig().Snapshot()

	if _, err := NewTiledDetector(poolWith(det)).Run(context.Background(), img, fullRegion(img), 0, snap); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if det.calls == 0 {
		t.Fatal("detector never ran")
	}
	if det.got.Conf != snap.TiledConf {
		t.Errorf("detector conf = %f, want tiled floor %f", det.got.Conf, snap.TiledConf)
	}
}

func TestDirectMapsBoxesToPhotoCoordinates(t *testing.T) {
	img := testutil.SolidImage(2000, 1000, testutil.Leaf)
	region := segment.Region{
		ID:     "region-2",
		Class:  segment.ClassPlugTray,
		Bounds: image.Rect(100, 100, 1380, 740), // 1280×640 crop, scaled 2:1
		Mask:   imagery.RectMask(image.Rect(100, 100, 1380, 740)),
	}
	det := &countingDetector{preds: []inference.BoxPrediction{
		{Box: image.Rect(0, 0, 320, 320), Confidence: 0.8, Class: "plant"},
	}}
	snap := config.EmptyPipelineConfig().Snapshot()

	dets, err := NewDirectDetector(poolWith(det)).Run(context.Background(), img, region, 0, snap)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if det.calls != 1 {
		t.Fatalf("detector ran %d times, want 1", det.calls)
	}
	if det.got.Conf != snap.DirectConf {
		t.Errorf("detector conf = %f, want direct floor %f", det.got.Conf, snap.DirectConf)
	}
	if len(dets) != 1 {
		t.Fatalf("got %d detections, want 1", len(dets))
	}
	want := image.Rect(100, 100, 740, 420)
	if dets[0].Box != want {
		t.Errorf("mapped box = %v, want %v", dets[0].Box, want)
	}
	if dets[0].Source != MethodDirect {
		t.Errorf("source = %s, want direct", dets[0].Source)
	}
}

func TestNeedsTiling(t *testing.T) {
	snap := config.EmptyPipelineConfig().Snapshot()
	if !NeedsTiling(image.Rect(0, 0, 800, 800), snap) {
		t.Error("800x800 region should tile at the default threshold")
	}
	if NeedsTiling(image.Rect(0, 0, 700, 700), snap) {
		t.Error("700x700 region should take the direct path")
	}
	// Area-based: a long thin row tiles too.
	if !NeedsTiling(image.Rect(0, 0, 3200, 200), snap) {
		t.Error("3200x200 region should tile")
	}
}
