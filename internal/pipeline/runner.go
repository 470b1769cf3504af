package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/greenline-data/canopy.count/internal/db"
	"github.com/greenline-data/canopy.count/internal/plog"
)

// Runner periodically drains pending sessions through the coordinator with
// a fixed set of workers. Worker i always uses model slot i, so a model
// instance is never shared across workers.
type Runner struct {
	Coordinator *Coordinator
	Interval    time.Duration
	WorkerCount int
	StopChan    chan struct{}

	controller *Controller
}

// NewRunner creates a Runner over the coordinator.
func NewRunner(c *Coordinator, workers int) *Runner {
	r := &Runner{
		Coordinator: c,
		Interval:    5 * time.Second,
		WorkerCount: workers,
		StopChan:    make(chan struct{}),
	}
	r.controller = NewController(r)
	return r
}

// Controller returns the runner's control surface.
func (r *Runner) Controller() *Controller { return r.controller }

// Start runs the periodic drain loop in a goroutine.
func (r *Runner) Start() {
	go func() {
		ticker := time.NewTicker(r.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !r.controller.IsEnabled() {
					continue
				}
				r.controller.recordRun("interval", func() error {
					return r.RunOnce(context.Background())
				})
			case <-r.controller.manualTrigger:
				r.controller.recordRun("manual", func() error {
					return r.RunOnce(context.Background())
				})
			case <-r.StopChan:
				return
			}
		}
	}()
}

// Stop requests the runner to stop.
func (r *Runner) Stop() {
	close(r.StopChan)
}

// RunOnce drains the currently pending sessions. Sessions are distributed
// over the workers round-robin; each session runs start to finish on one
// worker.
func (r *Runner) RunOnce(ctx context.Context) error {
	pending, err := r.Coordinator.DB.ListSessionsByState(ctx, db.StatePending, 0)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	plog.Opsf("[runner] draining %d pending sessions across %d workers", len(pending), r.WorkerCount)

	queue := make(chan string)
	var wg sync.WaitGroup
	for slot := 0; slot < r.WorkerCount; slot++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			for sessionID := range queue {
				if err := r.Coordinator.ProcessSession(ctx, sessionID, slot); err != nil {
					plog.Opsf("[runner] session %s (slot %d): %v", sessionID, slot, err)
				}
			}
		}(slot)
	}
	for _, s := range pending {
		queue <- s.ID
	}
	close(queue)
	wg.Wait()
	return nil
}

// ReprocessFailed clones every failed session into a fresh pending session
// so it runs again. Failed sessions are terminal; the clone keeps the
// original's photo and resolved context while leaving its failure record
// intact.
func (r *Runner) ReprocessFailed(ctx context.Context) (int, error) {
	failed, err := r.Coordinator.DB.ListSessionsByState(ctx, db.StateFailed, 0)
	if err != nil {
		return 0, err
	}
	for _, s := range failed {
		clone, err := r.Coordinator.DB.CreateSession(ctx, s.ImageID, s.LocationID, s.ProductKey)
		if err != nil {
			return 0, err
		}
		plog.Opsf("[runner] requeued failed session %s as %s", s.ID, clone.ID)
	}
	return len(failed), nil
}
