package inference

import (
	"errors"
	"fmt"
	"sync"

	"github.com/greenline-data/canopy.count/internal/monitoring"
)

// ErrSlotUnusable is returned by Acquire when a previous load attempt on
// the slot failed. The caller must route work to another slot or fail the
// job; the pool never retries a failed load on the same call.
var ErrSlotUnusable = errors.New("inference slot unusable")

// Pool owns loaded model instances, one per (model kind, worker slot) pair.
// It guarantees at most one load per pair and that exactly one lease is
// active per pair at any time: inference calls from two jobs must never
// interleave on one loaded instance.
type Pool struct {
	loader LoaderFunc

	mu    sync.Mutex
	slots map[slotKey]*slotState
}

type slotKey struct {
	kind ModelKind
	slot int
}

type slotState struct {
	// mu serializes both loading and use of the instance. Holding it is
	// the lease.
	mu      sync.Mutex
	model   Model
	loaded  bool
	failed  bool
	loadErr error
}

// NewPool creates a Pool that loads models with loader.
func NewPool(loader LoaderFunc) *Pool {
	return &Pool{
		loader: loader,
		slots:  make(map[slotKey]*slotState),
	}
}

func (p *Pool) slot(kind ModelKind, slot int) *slotState {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := slotKey{kind: kind, slot: slot}
	s, ok := p.slots[key]
	if !ok {
		s = &slotState{}
		p.slots[key] = s
	}
	return s
}

// Lease is exclusive access to one loaded model instance. Release it as
// soon as the inference call returns.
type Lease struct {
	state *slotState
	model Model
	done  bool
}

// Model returns the leased instance.
func (l *Lease) Model() Model { return l.model }

// Detector returns the leased instance as a Detector.
func (l *Lease) Detector() (Detector, error) {
	d, ok := l.model.(Detector)
	if !ok {
		return nil, fmt.Errorf("model %s does not implement Detector", l.model.Kind())
	}
	return d, nil
}

// Segmenter returns the leased instance as a Segmenter.
func (l *Lease) Segmenter() (Segmenter, error) {
	s, ok := l.model.(Segmenter)
	if !ok {
		return nil, fmt.Errorf("model %s does not implement Segmenter", l.model.Kind())
	}
	return s, nil
}

// Release returns the slot to the pool. Safe to call once; further calls
// are no-ops.
func (l *Lease) Release() {
	if l.done {
		return
	}
	l.done = true
	l.state.mu.Unlock()
}

// Acquire blocks until the (kind, slot) instance is free, loading it on
// first use. Concurrent callers on the same slot are serialized and never
// trigger a second load. A slot whose load failed returns ErrSlotUnusable
// until Reset clears it.
func (p *Pool) Acquire(kind ModelKind, slot int) (*Lease, error) {
	s := p.slot(kind, slot)
	s.mu.Lock()

	if s.failed {
		err := s.loadErr
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s slot %d: %v", ErrSlotUnusable, kind, slot, err)
	}
	if !s.loaded {
		model, err := p.loader(kind, slot)
		if err != nil {
			s.failed = true
			s.loadErr = err
			s.mu.Unlock()
			monitoring.Logf("[pool] load failed for %s slot %d: %v", kind, slot, err)
			return nil, fmt.Errorf("load %s for slot %d: %w", kind, slot, err)
		}
		s.model = model
		s.loaded = true
		monitoring.Logf("[pool] loaded %s for slot %d", kind, slot)
	}

	return &Lease{state: s, model: s.model}, nil
}

// Reset closes every loaded instance and clears failed-slot markers so the
// next Acquire reloads. The coordinator calls this every N completed jobs
// to release accumulated accelerator memory. Reset waits for in-flight
// leases slot by slot.
func (p *Pool) Reset() {
	p.mu.Lock()
	states := make([]*slotState, 0, len(p.slots))
	keys := make([]slotKey, 0, len(p.slots))
	for k, s := range p.slots {
		states = append(states, s)
		keys = append(keys, k)
	}
	p.mu.Unlock()

	for i, s := range states {
		s.mu.Lock()
		if s.loaded {
			if err := s.model.Close(); err != nil {
				monitoring.Logf("[pool] close %s slot %d: %v", keys[i].kind, keys[i].slot, err)
			}
		}
		s.model = nil
		s.loaded = false
		s.failed = false
		s.loadErr = nil
		s.mu.Unlock()
	}
	monitoring.Logf("[pool] reset %d slots", len(states))
}

// LoadedCount reports how many instances are currently loaded. Used by the
// status API.
func (p *Pool) LoadedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		// Cheap read without the slot lease; the count is advisory.
		if s.loaded {
			n++
		}
	}
	return n
}
