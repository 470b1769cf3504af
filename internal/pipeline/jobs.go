// Package pipeline coordinates a counting session end to end: warning
// checks, segmentation, the detection job layer, the estimation job layer,
// calibration feedback and atomic persistence of the results.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/greenline-data/canopy.count/internal/config"
	"github.com/greenline-data/canopy.count/internal/plog"
	"github.com/greenline-data/canopy.count/internal/timeutil"
)

// JobKind identifies the work a job message carries. Closed enum; the
// coordinator's dispatch table covers every kind and rejects anything else.
type JobKind int

const (
	// JobDetectTiled runs the overlap-tiled detection path on one region.
	JobDetectTiled JobKind = iota
	// JobDetectDirect runs the single-pass detection path on one region.
	JobDetectDirect
	// JobEstimate runs band density estimation on one region. Estimation
	// jobs only start after every detection job of the session finished.
	JobEstimate

	numJobKinds
)

// String returns the job kind label used in logs.
func (k JobKind) String() string {
	switch k {
	case JobDetectTiled:
		return "detect_tiled"
	case JobDetectDirect:
		return "detect_direct"
	case JobEstimate:
		return "estimate"
	default:
		return fmt.Sprintf("JobKind(%d)", int(k))
	}
}

// JobMessage is one unit of pipeline work. It embeds the resolved config
// snapshot so the job runs against the configuration in force when the
// session was scheduled, not whatever is live when a retry lands.
type JobMessage struct {
	SessionID string          `json:"session_id"`
	RegionID  string          `json:"region_id"`
	Kind      JobKind         `json:"kind"`
	Config    config.Snapshot `json:"config"`
}

// transientError marks an error as retryable.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so the retry layer knows a fresh attempt may
// succeed: I/O hiccups, lock contention, a model instance mid-reset.
// Fatal errors (bad input, missing calibration, closed enum violations)
// are returned unwrapped and fail the session on first occurrence.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// retryTransient runs fn, retrying transient failures up to attempts extra
// times with a fixed backoff. Fatal errors and context cancellation return
// immediately; the last transient error is returned when attempts run out.
func retryTransient(ctx context.Context, clock timeutil.Clock, attempts int, backoff time.Duration, fn func(context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil || !IsTransient(err) || attempt >= attempts {
			return err
		}
		plog.Diagf("[pipeline] transient failure (attempt %d/%d): %v", attempt+1, attempts+1, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(backoff):
		}
	}
}
