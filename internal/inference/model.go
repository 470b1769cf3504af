// Package inference owns the loaded model instances and the contracts the
// pipeline stages use to run them. Models are pre-trained and frozen; this
// package never trains, it only loads, runs and unloads.
package inference

import (
	"context"
	"fmt"
	"image"

	"github.com/greenline-data/canopy.count/internal/imagery"
)

// ModelKind identifies which frozen model a stage needs. It is a closed
// enum: adding a kind requires updating String and the loaders, which the
// exhaustiveness tests catch.
type ModelKind int

const (
	// KindSegmenter is the container-region segmentation model.
	KindSegmenter ModelKind = iota
	// KindDetector is the plant instance detector shared by the tiled and
	// direct paths (they differ in slicing and thresholds, not weights).
	KindDetector

	numModelKinds
)

// String returns the model kind label used in logs and slot keys.
func (k ModelKind) String() string {
	switch k {
	case KindSegmenter:
		return "segmenter"
	case KindDetector:
		return "detector"
	default:
		return fmt.Sprintf("ModelKind(%d)", int(k))
	}
}

// DetectorParams is the per-call detector configuration surface.
type DetectorParams struct {
	// Conf is the minimum confidence for a prediction to be kept.
	Conf float64
	// IoU is the model-internal NMS threshold.
	IoU float64
	// InputSize is the square model input edge in pixels.
	InputSize int
}

// SegmenterParams is the per-call segmenter configuration surface.
type SegmenterParams struct {
	Conf      float64
	IoU       float64
	InputSize int
}

// BoxPrediction is one raw detector output in the coordinates of the image
// passed to Detect.
type BoxPrediction struct {
	Box        image.Rectangle
	Confidence float64
	Class      string
}

// MaskPrediction is one raw segmenter output: a labelled container region.
type MaskPrediction struct {
	Label      string
	Bounds     image.Rectangle
	Mask       *imagery.Mask
	Confidence float64
}

// Detector runs plant instance detection on one image.
type Detector interface {
	Detect(ctx context.Context, img image.Image, p DetectorParams) ([]BoxPrediction, error)
}

// Segmenter classifies an image into container-class regions.
type Segmenter interface {
	Segment(ctx context.Context, img image.Image, p SegmenterParams) ([]MaskPrediction, error)
}

// Model is a loaded model instance occupying accelerator memory. Close
// releases that memory; the pool calls it during periodic resets.
type Model interface {
	Kind() ModelKind
	Close() error
}

// LoaderFunc loads a frozen model of the given kind for a worker slot.
// Loading is expensive; the pool guarantees it runs at most once per
// (kind, slot) pair.
type LoaderFunc func(kind ModelKind, slot int) (Model, error)
