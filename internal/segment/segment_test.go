package segment

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/greenline-data/canopy.count/internal/config"
	"github.com/greenline-data/canopy.count/internal/inference"
	"github.com/greenline-data/canopy.count/internal/testutil"
)

type scriptedSegmenter struct {
	preds []inference.MaskPrediction
	err   error
	got   inference.SegmenterParams
}

func (s *scriptedSegmenter) Kind() inference.ModelKind { return inference.KindSegmenter }
func (s *scriptedSegmenter) Close() error              { return nil }
func (s *scriptedSegmenter) Segment(ctx context.Context, img image.Image, p inference.SegmenterParams) ([]inference.MaskPrediction, error) {
	s.got = p
	return s.preds, s.err
}

func stageWith(seg *scriptedSegmenter) *Stage {
	pool := inference.NewPool(func(kind inference.ModelKind, slot int) (inference.Model, error) {
		return seg, nil
	})
	return NewStage(pool)
}

func TestRunMapsLabelsAndDropsUnknown(t *testing.T) {
	seg := &scriptedSegmenter{preds: []inference.MaskPrediction{
		{Label: "dense_canopy", Bounds: image.Rect(0, 0, 100, 100), Confidence: 0.9},
		{Label: "box", Bounds: image.Rect(120, 0, 200, 80), Confidence: 0.7},
		{Label: "wheelbarrow", Bounds: image.Rect(0, 120, 50, 170), Confidence: 0.95},
	}}
	stage := stageWith(seg)

	img := testutil.SolidImage(256, 256, testutil.Soil)
	regions, err := stage.Run(context.Background(), "sess-1", img, 0, config.EmptyPipelineConfig().Snapshot())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(regions) != 2 {
		t.Fatalf("got %d regions, want 2 (unknown label dropped)", len(regions))
	}
	if regions[0].Class != ClassCanopy || regions[1].Class != ClassBox {
		t.Errorf("classes = %s, %s; want dense_canopy, box", regions[0].Class, regions[1].Class)
	}
	for _, r := range regions {
		if r.ID == "" {
			t.Error("region missing ID")
		}
		if r.SessionID != "sess-1" {
			t.Errorf("region session = %q, want sess-1", r.SessionID)
		}
		if r.Mask == nil {
			t.Error("region missing mask")
		}
	}
	// Box-only predictions get a full-bounds mask.
	if got := regions[1].Mask.Area(); got != 80*80 {
		t.Errorf("synthesized mask area = %d, want %d", got, 80*80)
	}
}

func TestRunZeroRegionsIsValid(t *testing.T) {
	stage := stageWith(&scriptedSegmenter{})
	img := testutil.SolidImage(64, 64, testutil.Soil)
	regions, err := stage.Run(context.Background(), "sess-2", img, 0, config.EmptyPipelineConfig().Snapshot())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(regions) != 0 {
		t.Errorf("got %d regions, want 0", len(regions))
	}
}

func TestRunPassesConfiguredParams(t *testing.T) {
	seg := &scriptedSegmenter{}
	stage := stageWith(seg)

	conf, iou, size := 0.55, 0.6, 512
	cfg := &config.PipelineConfig{SegConf: &conf, SegIoU: &iou, SegInputSize: &size}
	img := testutil.SolidImage(32, 32, testutil.Leaf)
	if _, err := stage.Run(context.Background(), "sess-3", img, 0, cfg.Snapshot()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := inference.SegmenterParams{Conf: 0.55, IoU: 0.6, InputSize: 512}
	if seg.got != want {
		t.Errorf("segmenter params = %+v, want %+v", seg.got, want)
	}
}

func TestRunPropagatesModelError(t *testing.T) {
	modelErr := errors.New("inference backend crashed")
	stage := stageWith(&scriptedSegmenter{err: modelErr})
	img := testutil.SolidImage(32, 32, testutil.Leaf)
	if _, err := stage.Run(context.Background(), "sess-4", img, 0, config.EmptyPipelineConfig().Snapshot()); !errors.Is(err, modelErr) {
		t.Errorf("Run error = %v, want wrapped %v", err, modelErr)
	}
}

func TestParseRegionClassRoundTrip(t *testing.T) {
	for c := RegionClass(0); c < numRegionClasses; c++ {
		got, ok := ParseRegionClass(c.String())
		if !ok || got != c {
			t.Errorf("ParseRegionClass(%s) = %v, %v; want %v, true", c, got, ok, c)
		}
	}
	if _, ok := ParseRegionClass("unknown"); ok {
		t.Error("ParseRegionClass accepted an unknown label")
	}
}
