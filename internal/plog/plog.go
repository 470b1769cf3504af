// Package plog provides the leveled diagnostic logging used by the
// pipeline stages. Three levels: ops (always on, low volume), diag
// (per-session detail) and trace (per-tile firehose). Levels are enabled
// by attaching writers, typically from command-line flags at startup.
package plog

import (
	"fmt"
	"io"
	"sync"

	"github.com/greenline-data/canopy.count/internal/monitoring"
)

var (
	mu       sync.RWMutex
	diagOut  io.Writer
	traceOut io.Writer
)

// SetLogWriters attaches writers for the diag and trace levels. Pass nil to
// disable a level. Ops-level output always goes to the process log.
func SetLogWriters(diag, trace io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	diagOut = diag
	traceOut = trace
}

// Opsf logs operational events: state transitions, worker lifecycle,
// persisted results.
func Opsf(format string, args ...any) {
	monitoring.Logf(format, args...)
}

// Diagf logs per-session diagnostic detail when a diag writer is attached.
func Diagf(format string, args ...any) {
	mu.RLock()
	w := diagOut
	mu.RUnlock()
	if w == nil {
		return
	}
	fmt.Fprintf(w, format+"\n", args...)
}

// Tracef logs per-tile and per-detection detail when a trace writer is
// attached. Volume is proportional to tile count; enable only while
// debugging.
func Tracef(format string, args ...any) {
	mu.RLock()
	w := traceOut
	mu.RUnlock()
	if w == nil {
		return
	}
	fmt.Fprintf(w, format+"\n", args...)
}
