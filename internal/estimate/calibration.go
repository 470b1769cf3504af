package estimate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/greenline-data/canopy.count/internal/plog"
	"github.com/greenline-data/canopy.count/internal/timeutil"
)

// ErrParamNotFound is returned by ParamStore.Get when a product has never
// been calibrated.
var ErrParamNotFound = errors.New("density parameter not found")

// ErrUncalibrated is returned by Estimate when a strip needs the fallback
// reference area and the product has none. The session owning the region
// should park for calibration rather than fail.
var ErrUncalibrated = errors.New("product has no calibrated reference area")

// ParamStore persists per-product density parameters.
type ParamStore interface {
	Get(ctx context.Context, productKey string) (DensityParameter, error)
	Put(ctx context.Context, p DensityParameter) error
}

// Calibrator feeds measured detection areas back into the per-product
// density parameters. Updates for one product are serialized: concurrent
// sessions observing the same product apply their updates one at a time so
// no observation is lost to a read-modify-write race. Different products
// update independently.
type Calibrator struct {
	store ParamStore
	alpha float64
	clock timeutil.Clock

	mu   sync.Mutex
	keys map[string]*sync.Mutex
}

// NewCalibrator creates a Calibrator over store. alpha caps how strongly a
// single observation can move the reference area.
func NewCalibrator(store ParamStore, alpha float64, clock timeutil.Clock) *Calibrator {
	return &Calibrator{
		store: store,
		alpha: alpha,
		clock: clock,
		keys:  make(map[string]*sync.Mutex),
	}
}

func (c *Calibrator) keyLock(productKey string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.keys[productKey]
	if !ok {
		m = &sync.Mutex{}
		c.keys[productKey] = m
	}
	return m
}

// Observe folds one measured mean plant area into the product's reference
// area. The first observation for a product adopts the measurement
// directly; later observations move the reference by a weight that ramps
// from alpha/4 toward alpha as samples accumulate, so an outlier photo can
// never jump the reference in one step while a persistent shift in real
// plant size still wins over time.
func (c *Calibrator) Observe(ctx context.Context, productKey string, observedArea float64) (DensityParameter, error) {
	if observedArea <= 0 {
		return DensityParameter{}, fmt.Errorf("observed area must be positive, got %f", observedArea)
	}

	lock := c.keyLock(productKey)
	lock.Lock()
	defer lock.Unlock()

	p, err := c.store.Get(ctx, productKey)
	switch {
	case errors.Is(err, ErrParamNotFound):
		p = DensityParameter{
			ProductKey:    productKey,
			ReferenceArea: observedArea,
			OverlapFactor: 1,
		}
	case err != nil:
		return DensityParameter{}, fmt.Errorf("load density parameter %q: %w", productKey, err)
	default:
		w := c.alpha * float64(p.SampleCount) / float64(p.SampleCount+3)
		p.ReferenceArea = (1-w)*p.ReferenceArea + w*observedArea
	}
	p.SampleCount++
	p.UpdatedAt = c.clock.Now()

	if err := c.store.Put(ctx, p); err != nil {
		return DensityParameter{}, fmt.Errorf("store density parameter %q: %w", productKey, err)
	}
	plog.Tracef("[calibrate] %s: observed %0.1f, reference now %0.1f (n=%d)",
		productKey, observedArea, p.ReferenceArea, p.SampleCount)
	return p, nil
}
