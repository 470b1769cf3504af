package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// PipelineConfig represents the root configuration for the counting pipeline.
// The schema matches the /api/config endpoint so the same JSON can be used
// for both startup configuration and runtime inspection.
//
// All fields are pointers so that partial config files are safe: fields
// omitted from the JSON retain their compiled-in defaults via the Get*
// accessors.
type PipelineConfig struct {
	// Segmentation params
	SegConf      *float64 `json:"seg_conf,omitempty"`
	SegIoU       *float64 `json:"seg_iou,omitempty"`
	SegInputSize *int     `json:"seg_input_size,omitempty"`

	// Tiled detection params
	TiledConf              *float64 `json:"tiled_conf,omitempty"`
	TileSize               *int     `json:"tile_size,omitempty"`
	TileOverlapRatio       *float64 `json:"tile_overlap_ratio,omitempty"`
	TileSkipBackgroundFrac *float64 `json:"tile_skip_background_frac,omitempty"`
	MergeIoU               *float64 `json:"merge_iou,omitempty"`
	MergeContainFrac       *float64 `json:"merge_contain_frac,omitempty"`
	TilingMinRegionArea    *int     `json:"tiling_min_region_area,omitempty"`

	// Direct detection params (independently tunable; direct detection
	// tolerates a lower confidence floor since there is no seam risk)
	DirectConf *float64 `json:"direct_conf,omitempty"`

	// Shared detector params
	DetectInputSize *int `json:"detect_input_size,omitempty"`

	// Estimator params
	EstimatorStrips  *int     `json:"estimator_strips,omitempty"`
	CalibrationAlpha *float64 `json:"calibration_alpha,omitempty"`

	// Job scheduling params
	JobTimeout     *string `json:"job_timeout,omitempty"` // duration string like "90s"
	RetryAttempts  *int    `json:"retry_attempts,omitempty"`
	RetryBackoff   *string `json:"retry_backoff,omitempty"` // duration string like "2s"
	WorkerCount    *int    `json:"worker_count,omitempty"`
	PoolResetEvery *int    `json:"pool_reset_every,omitempty"` // completed jobs between pool resets
}

// Snapshot is the fully resolved form of PipelineConfig. Job messages embed
// a Snapshot so the configuration actually used is carried with the job
// rather than re-read live; re-running a job against stale config is then
// detectable and reproducible.
type Snapshot struct {
	SegConf      float64 `json:"seg_conf"`
	SegIoU       float64 `json:"seg_iou"`
	SegInputSize int     `json:"seg_input_size"`

	TiledConf              float64 `json:"tiled_conf"`
	TileSize               int     `json:"tile_size"`
	TileOverlapRatio       float64 `json:"tile_overlap_ratio"`
	TileSkipBackgroundFrac float64 `json:"tile_skip_background_frac"`
	MergeIoU               float64 `json:"merge_iou"`
	MergeContainFrac       float64 `json:"merge_contain_frac"`
	TilingMinRegionArea    int     `json:"tiling_min_region_area"`

	DirectConf      float64 `json:"direct_conf"`
	DetectInputSize int     `json:"detect_input_size"`

	EstimatorStrips  int     `json:"estimator_strips"`
	CalibrationAlpha float64 `json:"calibration_alpha"`

	JobTimeout    time.Duration `json:"job_timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryBackoff  time.Duration `json:"retry_backoff"`
}

// EmptyPipelineConfig returns a PipelineConfig with all fields set to nil.
// Use LoadPipelineConfig to load actual values from a file.
func EmptyPipelineConfig() *PipelineConfig {
	return &PipelineConfig{}
}

// LoadPipelineConfig loads a PipelineConfig from a JSON file. The file is
// validated to ensure it has a .json extension and is under the max file
// size. Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyPipelineConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *PipelineConfig) Validate() error {
	checkUnit := func(name string, v *float64) error {
		if v != nil && (*v < 0 || *v > 1) {
			return fmt.Errorf("%s must be between 0 and 1, got %f", name, *v)
		}
		return nil
	}
	if err := checkUnit("seg_conf", c.SegConf); err != nil {
		return err
	}
	if err := checkUnit("seg_iou", c.SegIoU); err != nil {
		return err
	}
	if err := checkUnit("tiled_conf", c.TiledConf); err != nil {
		return err
	}
	if err := checkUnit("direct_conf", c.DirectConf); err != nil {
		return err
	}
	if err := checkUnit("tile_overlap_ratio", c.TileOverlapRatio); err != nil {
		return err
	}
	if err := checkUnit("tile_skip_background_frac", c.TileSkipBackgroundFrac); err != nil {
		return err
	}
	if err := checkUnit("merge_iou", c.MergeIoU); err != nil {
		return err
	}
	if err := checkUnit("merge_contain_frac", c.MergeContainFrac); err != nil {
		return err
	}
	if err := checkUnit("calibration_alpha", c.CalibrationAlpha); err != nil {
		return err
	}

	if c.TileSize != nil && *c.TileSize <= 0 {
		return fmt.Errorf("tile_size must be positive, got %d", *c.TileSize)
	}
	if c.EstimatorStrips != nil && *c.EstimatorStrips < 1 {
		return fmt.Errorf("estimator_strips must be at least 1, got %d", *c.EstimatorStrips)
	}
	if c.RetryAttempts != nil && (*c.RetryAttempts < 0 || *c.RetryAttempts > 3) {
		return fmt.Errorf("retry_attempts must be between 0 and 3, got %d", *c.RetryAttempts)
	}
	if c.WorkerCount != nil && *c.WorkerCount < 1 {
		return fmt.Errorf("worker_count must be at least 1, got %d", *c.WorkerCount)
	}

	if c.JobTimeout != nil && *c.JobTimeout != "" {
		if _, err := time.ParseDuration(*c.JobTimeout); err != nil {
			return fmt.Errorf("invalid job_timeout '%s': %w", *c.JobTimeout, err)
		}
	}
	if c.RetryBackoff != nil && *c.RetryBackoff != "" {
		if _, err := time.ParseDuration(*c.RetryBackoff); err != nil {
			return fmt.Errorf("invalid retry_backoff '%s': %w", *c.RetryBackoff, err)
		}
	}

	return nil
}

// Snapshot resolves every field to its effective value.
func (c *PipelineConfig) Snapshot() Snapshot {
	return Snapshot{
		SegConf:      c.GetSegConf(),
		SegIoU:       c.GetSegIoU(),
		SegInputSize: c.GetSegInputSize(),

		TiledConf:              c.GetTiledConf(),
		TileSize:               c.GetTileSize(),
		TileOverlapRatio:       c.GetTileOverlapRatio(),
		TileSkipBackgroundFrac: c.GetTileSkipBackgroundFrac(),
		MergeIoU:               c.GetMergeIoU(),
		MergeContainFrac:       c.GetMergeContainFrac(),
		TilingMinRegionArea:    c.GetTilingMinRegionArea(),

		DirectConf:      c.GetDirectConf(),
		DetectInputSize: c.GetDetectInputSize(),

		EstimatorStrips:  c.GetEstimatorStrips(),
		CalibrationAlpha: c.GetCalibrationAlpha(),

		JobTimeout:    c.GetJobTimeout(),
		RetryAttempts: c.GetRetryAttempts(),
		RetryBackoff:  c.GetRetryBackoff(),
	}
}

// GetSegConf returns the seg_conf value or the default.
func (c *PipelineConfig) GetSegConf() float64 {
	if c.SegConf == nil {
		return 0.40
	}
	return *c.SegConf
}

// GetSegIoU returns the seg_iou value or the default.
func (c *PipelineConfig) GetSegIoU() float64 {
	if c.SegIoU == nil {
		return 0.50
	}
	return *c.SegIoU
}

// GetSegInputSize returns the seg_input_size value or the default.
func (c *PipelineConfig) GetSegInputSize() int {
	if c.SegInputSize == nil {
		return 1024
	}
	return *c.SegInputSize
}

// GetTiledConf returns the tiled_conf value or the default.
func (c *PipelineConfig) GetTiledConf() float64 {
	if c.TiledConf == nil {
		return 0.35
	}
	return *c.TiledConf
}

// GetTileSize returns the tile_size value or the default.
func (c *PipelineConfig) GetTileSize() int {
	if c.TileSize == nil {
		return 640
	}
	return *c.TileSize
}

// GetTileOverlapRatio returns the tile_overlap_ratio value or the default.
// Field reports in the source deployments disagreed on a good value, so the
// default is deliberately conservative; validate against seam tests before
// changing it.
func (c *PipelineConfig) GetTileOverlapRatio() float64 {
	if c.TileOverlapRatio == nil {
		return 0.2
	}
	return *c.TileOverlapRatio
}

// GetTileSkipBackgroundFrac returns the tile_skip_background_frac value or
// the default. Tiles whose background fraction exceeds this are skipped.
func (c *PipelineConfig) GetTileSkipBackgroundFrac() float64 {
	if c.TileSkipBackgroundFrac == nil {
		return 0.98
	}
	return *c.TileSkipBackgroundFrac
}

// GetMergeIoU returns the merge_iou value or the default.
func (c *PipelineConfig) GetMergeIoU() float64 {
	if c.MergeIoU == nil {
		return 0.45
	}
	return *c.MergeIoU
}

// GetMergeContainFrac returns the merge_contain_frac value or the default.
// A detection mostly contained inside a kept detection is treated as a
// duplicate from a tile seam even when the IoU is low.
func (c *PipelineConfig) GetMergeContainFrac() float64 {
	if c.MergeContainFrac == nil {
		return 0.7
	}
	return *c.MergeContainFrac
}

// GetTilingMinRegionArea returns the tiling_min_region_area value or the
// default. Regions at or above this pixel area go through the tiled path.
func (c *PipelineConfig) GetTilingMinRegionArea() int {
	if c.TilingMinRegionArea == nil {
		return 800 * 800
	}
	return *c.TilingMinRegionArea
}

// GetDirectConf returns the direct_conf value or the default.
func (c *PipelineConfig) GetDirectConf() float64 {
	if c.DirectConf == nil {
		return 0.25
	}
	return *c.DirectConf
}

// GetDetectInputSize returns the detect_input_size value or the default.
func (c *PipelineConfig) GetDetectInputSize() int {
	if c.DetectInputSize == nil {
		return 640
	}
	return *c.DetectInputSize
}

// GetEstimatorStrips returns the estimator_strips value or the default.
func (c *PipelineConfig) GetEstimatorStrips() int {
	if c.EstimatorStrips == nil {
		return 5
	}
	return *c.EstimatorStrips
}

// GetCalibrationAlpha returns the calibration_alpha value or the default.
func (c *PipelineConfig) GetCalibrationAlpha() float64 {
	if c.CalibrationAlpha == nil {
		return 0.25
	}
	return *c.CalibrationAlpha
}

// GetJobTimeout parses and returns the JobTimeout as a time.Duration.
func (c *PipelineConfig) GetJobTimeout() time.Duration {
	if c.JobTimeout == nil || *c.JobTimeout == "" {
		return 90 * time.Second
	}
	d, err := time.ParseDuration(*c.JobTimeout)
	if err != nil {
		return 90 * time.Second
	}
	return d
}

// GetRetryAttempts returns the retry_attempts value or the default.
func (c *PipelineConfig) GetRetryAttempts() int {
	if c.RetryAttempts == nil {
		return 2
	}
	return *c.RetryAttempts
}

// GetRetryBackoff parses and returns the RetryBackoff as a time.Duration.
func (c *PipelineConfig) GetRetryBackoff() time.Duration {
	if c.RetryBackoff == nil || *c.RetryBackoff == "" {
		return 2 * time.Second
	}
	d, err := time.ParseDuration(*c.RetryBackoff)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// GetWorkerCount returns the worker_count value or the default.
func (c *PipelineConfig) GetWorkerCount() int {
	if c.WorkerCount == nil {
		return 4
	}
	return *c.WorkerCount
}

// GetPoolResetEvery returns the pool_reset_every value or the default.
func (c *PipelineConfig) GetPoolResetEvery() int {
	if c.PoolResetEvery == nil {
		return 200
	}
	return *c.PoolResetEvery
}
