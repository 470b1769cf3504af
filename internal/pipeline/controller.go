package pipeline

import (
	"sync"
	"time"

	"github.com/greenline-data/canopy.count/internal/plog"
)

// Controller manages the state and execution of the pipeline runner. It
// provides thread-safe control over whether the runner drains sessions,
// and supports manual triggering from the API.
type Controller struct {
	runner        *Runner
	enabled       bool
	mu            sync.RWMutex
	manualTrigger chan struct{}

	lastRunAt    time.Time
	lastRunError error
	runCount     int64
	currentRun   *RunInfo
	lastRun      *RunInfo
}

// RunInfo captures details about a single runner drain.
type RunInfo struct {
	Trigger    string    `json:"trigger,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Status represents the current state of the pipeline runner.
type Status struct {
	Enabled      bool      `json:"enabled"`
	LastRunAt    time.Time `json:"last_run_at"`
	LastRunError string    `json:"last_run_error,omitempty"`
	RunCount     int64     `json:"run_count"`
	IsHealthy    bool      `json:"is_healthy"`
	CurrentRun   *RunInfo  `json:"current_run,omitempty"`
	LastRun      *RunInfo  `json:"last_run,omitempty"`
	LoadedModels int       `json:"loaded_models"`
}

// NewController creates a controller for the runner.
func NewController(runner *Runner) *Controller {
	return &Controller{
		runner:  runner,
		enabled: true, // Default to enabled on boot
		// Buffered channel of size 1 to coalesce multiple rapid trigger
		// requests. If a trigger is already pending, subsequent triggers
		// are skipped.
		manualTrigger: make(chan struct{}, 1),
	}
}

// IsEnabled returns whether the runner is currently enabled.
func (pc *Controller) IsEnabled() bool {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.enabled
}

// SetEnabled sets whether the runner should drain sessions. Enabling also
// triggers an immediate drain.
func (pc *Controller) SetEnabled(enabled bool) {
	pc.mu.Lock()
	pc.enabled = enabled
	pc.mu.Unlock()

	if enabled {
		pc.TriggerManualRun()
	}
}

// TriggerManualRun triggers a drain outside the interval schedule. This is
// non-blocking and safe to call multiple times.
func (pc *Controller) TriggerManualRun() {
	select {
	case pc.manualTrigger <- struct{}{}:
	default:
		plog.Opsf("[runner] manual trigger skipped (already pending)")
	}
}

// GetStatus returns the current runner status.
func (pc *Controller) GetStatus() Status {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	status := Status{
		Enabled:      pc.enabled,
		LastRunAt:    pc.lastRunAt,
		RunCount:     pc.runCount,
		IsHealthy:    pc.lastRunError == nil,
		CurrentRun:   pc.currentRun,
		LastRun:      pc.lastRun,
		LoadedModels: pc.runner.Coordinator.Pool.LoadedCount(),
	}
	if pc.lastRunError != nil {
		status.LastRunError = pc.lastRunError.Error()
	}
	return status
}

// recordRun wraps one drain with status bookkeeping.
func (pc *Controller) recordRun(trigger string, fn func() error) {
	info := &RunInfo{Trigger: trigger, StartedAt: time.Now()}
	pc.mu.Lock()
	pc.currentRun = info
	pc.mu.Unlock()

	err := fn()

	info.FinishedAt = time.Now()
	info.DurationMs = info.FinishedAt.Sub(info.StartedAt).Milliseconds()
	if err != nil {
		info.Error = err.Error()
	}

	pc.mu.Lock()
	pc.currentRun = nil
	pc.lastRun = info
	pc.lastRunAt = info.FinishedAt
	pc.lastRunError = err
	pc.runCount++
	pc.mu.Unlock()
}
