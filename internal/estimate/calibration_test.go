package estimate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/greenline-data/canopy.count/internal/timeutil"
)

type memParamStore struct {
	mu     sync.Mutex
	params map[string]DensityParameter
}

func newMemParamStore() *memParamStore {
	return &memParamStore{params: make(map[string]DensityParameter)}
}

func (s *memParamStore) Get(ctx context.Context, key string) (DensityParameter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.params[key]
	if !ok {
		return DensityParameter{}, ErrParamNotFound
	}
	return p, nil
}

func (s *memParamStore) Put(ctx context.Context, p DensityParameter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params[p.ProductKey] = p
	return nil
}

func TestObserveFirstSampleAdopts(t *testing.T) {
	store := newMemParamStore()
	clock := timeutil.NewFakeClock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	cal := NewCalibrator(store, 0.25, clock)

	p, err := cal.Observe(context.Background(), "basil-12cm", 420)
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if p.ReferenceArea != 420 {
		t.Errorf("reference = %f, want adopted 420", p.ReferenceArea)
	}
	if p.SampleCount != 1 {
		t.Errorf("sample count = %d, want 1", p.SampleCount)
	}
	if p.OverlapFactor != 1 {
		t.Errorf("overlap factor = %f, want default 1", p.OverlapFactor)
	}
	if !p.UpdatedAt.Equal(clock.Now()) {
		t.Errorf("updated at = %v, want %v", p.UpdatedAt, clock.Now())
	}
}

func TestObserveConvergesWithoutJumping(t *testing.T) {
	store := newMemParamStore()
	cal := NewCalibrator(store, 0.25, timeutil.NewFakeClock(time.Unix(0, 0)))
	ctx := context.Background()

	// Seed a calibrated product far from the new true plant size.
	if err := store.Put(ctx, DensityParameter{
		ProductKey: "mint-10cm", ReferenceArea: 1000, OverlapFactor: 1, SampleCount: 4,
	}); err != nil {
		t.Fatal(err)
	}

	const target = 400.0
	prev := 1000.0
	for i := 0; i < 30; i++ {
		p, err := cal.Observe(ctx, "mint-10cm", target)
		if err != nil {
			t.Fatalf("Observe %d: %v", i, err)
		}
		if p.ReferenceArea >= prev {
			t.Fatalf("step %d: reference %f did not move toward target (prev %f)", i, p.ReferenceArea, prev)
		}
		if p.ReferenceArea < target {
			t.Fatalf("step %d: reference %f overshot target %f", i, p.ReferenceArea, target)
		}
		// A single photo never moves the reference by more than alpha of
		// the remaining gap.
		if maxStep := 0.25 * (prev - target); prev-p.ReferenceArea > maxStep+1e-9 {
			t.Fatalf("step %d: moved %f, more than the %f cap", i, prev-p.ReferenceArea, maxStep)
		}
		prev = p.ReferenceArea
	}
	if prev > 450 {
		t.Errorf("after 30 observations reference = %f, want near %f", prev, target)
	}
}

func TestObserveRejectsNonPositive(t *testing.T) {
	cal := NewCalibrator(newMemParamStore(), 0.25, timeutil.NewFakeClock(time.Unix(0, 0)))
	if _, err := cal.Observe(context.Background(), "basil-12cm", 0); err == nil {
		t.Error("expected error for zero observed area")
	}
	if _, err := cal.Observe(context.Background(), "basil-12cm", -5); err == nil {
		t.Error("expected error for negative observed area")
	}
}

func TestObserveSerializesPerProduct(t *testing.T) {
	store := newMemParamStore()
	cal := NewCalibrator(store, 0.25, timeutil.NewFakeClock(time.Unix(0, 0)))
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cal.Observe(ctx, "basil-12cm", 400); err != nil {
				t.Errorf("Observe: %v", err)
			}
		}()
	}
	wg.Wait()

	p, err := store.Get(ctx, "basil-12cm")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	// Lost updates would leave the count short.
	if p.SampleCount != n {
		t.Errorf("sample count = %d, want %d", p.SampleCount, n)
	}
}
