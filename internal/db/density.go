package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/greenline-data/canopy.count/internal/estimate"
)

// DensityParamStore persists per-product density parameters and an append-only
// history of every update, which the calibration report plots. It implements
// estimate.ParamStore.
type DensityParamStore struct {
	db *DB
}

// DensityParams returns the density parameter store for this database.
func (db *DB) DensityParams() *DensityParamStore {
	return &DensityParamStore{db: db}
}

// Get loads the parameter for a product, or estimate.ErrParamNotFound.
func (s *DensityParamStore) Get(ctx context.Context, productKey string) (estimate.DensityParameter, error) {
	var p estimate.DensityParameter
	err := s.db.QueryRowContext(ctx, `
		SELECT product_key, reference_area, overlap_factor, sample_count, updated_at
		FROM density_params WHERE product_key = ?`, productKey).
		Scan(&p.ProductKey, &p.ReferenceArea, &p.OverlapFactor, &p.SampleCount, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return estimate.DensityParameter{}, estimate.ErrParamNotFound
	}
	if err != nil {
		return estimate.DensityParameter{}, fmt.Errorf("load density parameter %q: %w", productKey, err)
	}
	return p, nil
}

// Put upserts the parameter and appends a history row in one transaction.
// A non-positive reference area is rejected: estimation divides by it, and
// the calibrator only ever converges toward positive observations.
func (s *DensityParamStore) Put(ctx context.Context, p estimate.DensityParameter) error {
	if p.ReferenceArea <= 0 {
		return fmt.Errorf("density parameter %q: reference_area %v must be positive", p.ProductKey, p.ReferenceArea)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin density tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO density_params (product_key, reference_area, overlap_factor, sample_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(product_key) DO UPDATE SET
			reference_area = excluded.reference_area,
			overlap_factor = excluded.overlap_factor,
			sample_count = excluded.sample_count,
			updated_at = excluded.updated_at`,
		p.ProductKey, p.ReferenceArea, p.OverlapFactor, p.SampleCount, p.UpdatedAt); err != nil {
		return fmt.Errorf("upsert density parameter %q: %w", p.ProductKey, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO density_param_history (product_key, reference_area, overlap_factor, sample_count, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.ProductKey, p.ReferenceArea, p.OverlapFactor, p.SampleCount, p.UpdatedAt); err != nil {
		return fmt.Errorf("append density history %q: %w", p.ProductKey, err)
	}

	return tx.Commit()
}

// List returns every product's current density parameter.
func (s *DensityParamStore) List(ctx context.Context) ([]estimate.DensityParameter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_key, reference_area, overlap_factor, sample_count, updated_at
		FROM density_params ORDER BY product_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var params []estimate.DensityParameter
	for rows.Next() {
		var p estimate.DensityParameter
		if err := rows.Scan(&p.ProductKey, &p.ReferenceArea, &p.OverlapFactor, &p.SampleCount, &p.UpdatedAt); err != nil {
			return nil, err
		}
		params = append(params, p)
	}
	return params, rows.Err()
}

// HistoryPoint is one historical density parameter value.
type HistoryPoint struct {
	ReferenceArea float64
	OverlapFactor float64
	SampleCount   int64
	RecordedAt    time.Time
}

// History returns a product's density parameter history, oldest first.
func (s *DensityParamStore) History(ctx context.Context, productKey string, limit int) ([]HistoryPoint, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT reference_area, overlap_factor, sample_count, recorded_at
		FROM density_param_history WHERE product_key = ?
		ORDER BY id ASC LIMIT ?`, productKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []HistoryPoint
	for rows.Next() {
		var h HistoryPoint
		if err := rows.Scan(&h.ReferenceArea, &h.OverlapFactor, &h.SampleCount, &h.RecordedAt); err != nil {
			return nil, err
		}
		points = append(points, h)
	}
	return points, rows.Err()
}
