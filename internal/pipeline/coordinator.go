package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/greenline-data/canopy.count/internal/config"
	"github.com/greenline-data/canopy.count/internal/db"
	"github.com/greenline-data/canopy.count/internal/detect"
	"github.com/greenline-data/canopy.count/internal/estimate"
	"github.com/greenline-data/canopy.count/internal/imagery"
	"github.com/greenline-data/canopy.count/internal/inference"
	"github.com/greenline-data/canopy.count/internal/plog"
	"github.com/greenline-data/canopy.count/internal/segment"
	"github.com/greenline-data/canopy.count/internal/timeutil"
)

// Coordinator drives counting sessions through the pipeline. One
// Coordinator serves all workers; per-worker isolation happens at the
// model slot level.
type Coordinator struct {
	DB     *db.DB
	Images imagery.Store
	Pool   *inference.Pool
	Config *config.PipelineConfig
	Clock  timeutil.Clock

	segmenter  *segment.Stage
	tiled      *detect.TiledDetector
	direct     *detect.DirectDetector
	estimator  *estimate.Estimator
	calibrator *estimate.Calibrator

	completedJobs atomic.Int64
}

// NewCoordinator wires the pipeline stages over the shared pool and
// database.
func NewCoordinator(database *db.DB, images imagery.Store, pool *inference.Pool, cfg *config.PipelineConfig, clock timeutil.Clock) *Coordinator {
	return &Coordinator{
		DB:         database,
		Images:     images,
		Pool:       pool,
		Config:     cfg,
		Clock:      clock,
		segmenter:  segment.NewStage(pool),
		tiled:      detect.NewTiledDetector(pool),
		direct:     detect.NewDirectDetector(pool),
		estimator:  estimate.NewEstimator(),
		calibrator: estimate.NewCalibrator(database.DensityParams(), cfg.GetCalibrationAlpha(), clock),
	}
}

// sessionRun is the in-flight scratch state for one session. Detections
// and estimations are keyed by region ID; the mutex covers both maps
// during the fan-out layers.
type sessionRun struct {
	session db.Session
	snap    config.Snapshot
	img     image.Image
	regions map[string]segment.Region

	mu          sync.Mutex
	detections  map[string][]detect.Detection
	estimations map[string]*estimate.Estimation
}

// ProcessSession runs one session start to finish on the given worker
// slot. Warning states return nil: the session is parked, not failed. Any
// job error fails the session with the first error recorded and nothing
// persisted.
func (c *Coordinator) ProcessSession(ctx context.Context, sessionID string, slot int) error {
	sess, err := c.DB.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.State != db.StatePending {
		return fmt.Errorf("session %s is %s, not pending", sessionID, sess.State)
	}

	if parked, err := c.preflight(ctx, sess); err != nil || parked {
		return err
	}
	if err := c.DB.MarkProcessing(ctx, sessionID); err != nil {
		return err
	}

	run := &sessionRun{
		session:     sess,
		snap:        c.Config.Snapshot(),
		regions:     make(map[string]segment.Region),
		detections:  make(map[string][]detect.Detection),
		estimations: make(map[string]*estimate.Estimation),
	}
	if err := c.runSession(ctx, run, slot); err != nil {
		if errors.Is(err, estimate.ErrUncalibrated) {
			plog.Opsf("[pipeline] session %s parked for calibration: %v", sessionID, err)
			return c.DB.SetWarning(ctx, sessionID, db.StateNeedsCalibration, err.Error())
		}
		plog.Opsf("[pipeline] session %s failed: %v", sessionID, err)
		if markErr := c.DB.MarkFailed(ctx, sessionID, err); markErr != nil {
			return errors.Join(err, markErr)
		}
		return err
	}
	return nil
}

// preflight checks the session's resolvable prerequisites. Returns parked
// = true when the session was moved to a warning state.
func (c *Coordinator) preflight(ctx context.Context, sess db.Session) (parked bool, err error) {
	if sess.LocationID == "" {
		return true, c.DB.SetWarning(ctx, sess.ID, db.StateNeedsLocation,
			"photo has no location; assign one and resolve")
	}
	if _, err := c.DB.GetLocation(ctx, sess.LocationID); errors.Is(err, db.ErrNotFound) {
		return true, c.DB.SetWarning(ctx, sess.ID, db.StateNeedsLocation,
			fmt.Sprintf("location %q is not in the catalog", sess.LocationID))
	} else if err != nil {
		return false, err
	}
	if sess.ProductKey == "" {
		return true, c.DB.SetWarning(ctx, sess.ID, db.StateNeedsConfig,
			"photo has no product; assign one and resolve")
	}
	if _, err := c.DB.GetProductConfig(ctx, sess.ProductKey); errors.Is(err, db.ErrNotFound) {
		return true, c.DB.SetWarning(ctx, sess.ID, db.StateNeedsConfig,
			fmt.Sprintf("product %q has no configuration", sess.ProductKey))
	} else if err != nil {
		return false, err
	}
	return false, nil
}

func (c *Coordinator) runSession(ctx context.Context, run *sessionRun, slot int) error {
	img, err := c.Images.Get(ctx, run.session.ImageID)
	if err != nil {
		return fmt.Errorf("load photo %s: %w", run.session.ImageID, err)
	}
	run.img = img

	regions, err := c.segmenter.Run(ctx, run.session.ID, img, slot, run.snap)
	if err != nil {
		return fmt.Errorf("segmentation: %w", err)
	}
	for _, r := range regions {
		run.regions[r.ID] = r
	}
	plog.Opsf("[pipeline] session %s: %d regions", run.session.ID, len(regions))

	// Layer 1: detection jobs, one per region. Tiling is a size decision,
	// not a class decision: a dense canopy still gets a detector pass so
	// individually resolvable plants are counted rather than estimated.
	// The estimation layer needs every region's detections (strip
	// references come from them), so the barrier between layers is strict.
	var detectJobs []JobMessage
	for _, r := range regions {
		kind := JobDetectDirect
		if detect.NeedsTiling(r.Bounds, run.snap) {
			kind = JobDetectTiled
		}
		detectJobs = append(detectJobs, JobMessage{
			SessionID: run.session.ID, RegionID: r.ID, Kind: kind, Config: run.snap,
		})
	}
	if err := c.runLayer(ctx, run, detectJobs, slot); err != nil {
		return err
	}

	// Layer 2: estimation jobs for every region, counting foliage the
	// detectors did not claim.
	var estimateJobs []JobMessage
	for _, r := range regions {
		estimateJobs = append(estimateJobs, JobMessage{
			SessionID: run.session.ID, RegionID: r.ID, Kind: JobEstimate, Config: run.snap,
		})
	}
	if err := c.runLayer(ctx, run, estimateJobs, slot); err != nil {
		return err
	}

	if err := c.feedbackCalibration(ctx, run); err != nil {
		// Calibration feedback must not lose a counted session; log and
		// keep the results.
		plog.Opsf("[pipeline] session %s: calibration feedback failed: %v", run.session.ID, err)
	}

	return c.persist(ctx, run)
}

// runLayer runs one layer of jobs concurrently and waits for all of them.
// The first error cancels the layer's context so sibling jobs stop early;
// their partial output is discarded with the run.
func (c *Coordinator) runLayer(ctx context.Context, run *sessionRun, jobs []JobMessage, slot int) error {
	if len(jobs) == 0 {
		return nil
	}
	layerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(jobs))
	for _, job := range jobs {
		wg.Add(1)
		go func(job JobMessage) {
			defer wg.Done()
			if err := c.runJob(layerCtx, run, job, slot); err != nil {
				errCh <- fmt.Errorf("%s region %s: %w", job.Kind, job.RegionID, err)
				cancel()
			}
		}(job)
	}
	wg.Wait()
	close(errCh)

	// First error recorded; the rest were consequences of the cancel.
	for err := range errCh {
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			continue
		}
		return err
	}
	return nil
}

// runJob dispatches one job message under its time budget and retry
// policy.
func (c *Coordinator) runJob(ctx context.Context, run *sessionRun, job JobMessage, slot int) error {
	if job.Kind < 0 || job.Kind >= numJobKinds {
		return fmt.Errorf("unknown job kind %d", int(job.Kind))
	}
	jobCtx, cancel := context.WithTimeout(ctx, job.Config.JobTimeout)
	defer cancel()

	err := retryTransient(jobCtx, c.Clock, job.Config.RetryAttempts, job.Config.RetryBackoff, func(ctx context.Context) error {
		switch job.Kind {
		case JobDetectTiled:
			return c.jobDetect(ctx, run, job, c.tiled.Run, slot)
		case JobDetectDirect:
			return c.jobDetect(ctx, run, job, c.direct.Run, slot)
		case JobEstimate:
			return c.jobEstimate(ctx, run, job)
		default:
			return fmt.Errorf("unknown job kind %d", int(job.Kind))
		}
	})
	if err == nil {
		c.noteJobDone()
	}
	return err
}

type detectFunc func(ctx context.Context, img image.Image, region segment.Region, slot int, snap config.Snapshot) ([]detect.Detection, error)

func (c *Coordinator) jobDetect(ctx context.Context, run *sessionRun, job JobMessage, fn detectFunc, slot int) error {
	region, ok := run.regions[job.RegionID]
	if !ok {
		return fmt.Errorf("region %s not in session", job.RegionID)
	}
	dets, err := fn(ctx, run.img, region, slot, job.Config)
	if err != nil {
		return err
	}
	run.mu.Lock()
	run.detections[region.ID] = dets
	run.mu.Unlock()
	return nil
}

func (c *Coordinator) jobEstimate(ctx context.Context, run *sessionRun, job JobMessage) error {
	region, ok := run.regions[job.RegionID]
	if !ok {
		return fmt.Errorf("region %s not in session", job.RegionID)
	}
	run.mu.Lock()
	dets := run.detections[region.ID]
	run.mu.Unlock()

	param, err := c.DB.DensityParams().Get(ctx, run.session.ProductKey)
	if err != nil && !errors.Is(err, estimate.ErrParamNotFound) {
		return Transient(err)
	}
	if pc, err := c.DB.GetProductConfig(ctx, run.session.ProductKey); err == nil && param.OverlapFactor == 0 {
		param.OverlapFactor = pc.DefaultOverlapFactor
	}

	est, err := c.estimator.Estimate(ctx, run.img, region, dets, param, job.Config)
	if err != nil {
		return err
	}
	run.mu.Lock()
	run.estimations[region.ID] = &est
	run.mu.Unlock()
	return nil
}

// feedbackCalibration folds the session's measured plant areas back into
// the product's density parameter. One observation per region with
// detections.
func (c *Coordinator) feedbackCalibration(ctx context.Context, run *sessionRun) error {
	var firstErr error
	for regionID, dets := range run.detections {
		area := estimate.MeanDetectionArea(dets)
		if area <= 0 {
			continue
		}
		if _, err := c.calibrator.Observe(ctx, run.session.ProductKey, area); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("region %s: %w", regionID, err)
		}
	}
	return firstErr
}

func (c *Coordinator) persist(ctx context.Context, run *sessionRun) error {
	result := db.SessionResult{SessionID: run.session.ID}
	for id, region := range run.regions {
		rr := db.RegionResult{
			Region:     region,
			Detections: run.detections[id],
			Estimation: run.estimations[id],
		}
		result.Totals.Detected += len(rr.Detections)
		if rr.Estimation != nil {
			result.Totals.Estimated += rr.Estimation.EstimatedCount
		}
		result.Regions = append(result.Regions, rr)
	}

	if err := c.DB.SaveResults(ctx, result); err != nil {
		return fmt.Errorf("persist results: %w", err)
	}
	plog.Opsf("[pipeline] session %s completed: %d detected + %d estimated = %d plants",
		run.session.ID, result.Totals.Detected, result.Totals.Estimated, result.Totals.Total())
	return nil
}

// noteJobDone counts completed jobs and resets the pool on the configured
// cadence so long-running deployments shed accelerator memory.
func (c *Coordinator) noteJobDone() {
	every := int64(c.Config.GetPoolResetEvery())
	if every <= 0 {
		return
	}
	if n := c.completedJobs.Add(1); n%every == 0 {
		plog.Opsf("[pipeline] %d jobs completed, resetting model pool", n)
		c.Pool.Reset()
	}
}
