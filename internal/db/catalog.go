package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned by catalog lookups for unknown keys.
var ErrNotFound = errors.New("not found")

// Location is a physical greenhouse location a photo can be attributed to.
type Location struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Site string `json:"site"`
}

// ProductConfig is the per-product counting configuration. A session whose
// product has no config cannot be counted and parks in needs_config.
type ProductConfig struct {
	ProductKey           string  `json:"product_key"`
	Name                 string  `json:"name"`
	Container            string  `json:"container"`
	DefaultOverlapFactor float64 `json:"default_overlap_factor"`
}

// UpsertLocation inserts or updates a location.
func (db *DB) UpsertLocation(ctx context.Context, l Location) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO locations (id, name, site) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, site = excluded.site`,
		l.ID, l.Name, l.Site)
	if err != nil {
		return fmt.Errorf("upsert location %q: %w", l.ID, err)
	}
	return nil
}

// GetLocation loads one location, or ErrNotFound.
func (db *DB) GetLocation(ctx context.Context, id string) (Location, error) {
	var l Location
	err := db.QueryRowContext(ctx,
		`SELECT id, name, site FROM locations WHERE id = ?`, id).
		Scan(&l.ID, &l.Name, &l.Site)
	if errors.Is(err, sql.ErrNoRows) {
		return Location{}, fmt.Errorf("location %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return Location{}, fmt.Errorf("load location %q: %w", id, err)
	}
	return l, nil
}

// UpsertProductConfig inserts or updates a product configuration.
func (db *DB) UpsertProductConfig(ctx context.Context, p ProductConfig) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO product_configs (product_key, name, container, default_overlap_factor)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(product_key) DO UPDATE SET
			name = excluded.name,
			container = excluded.container,
			default_overlap_factor = excluded.default_overlap_factor`,
		p.ProductKey, p.Name, p.Container, p.DefaultOverlapFactor)
	if err != nil {
		return fmt.Errorf("upsert product config %q: %w", p.ProductKey, err)
	}
	return nil
}

// GetProductConfig loads one product configuration, or ErrNotFound.
func (db *DB) GetProductConfig(ctx context.Context, productKey string) (ProductConfig, error) {
	var p ProductConfig
	err := db.QueryRowContext(ctx, `
		SELECT product_key, name, container, default_overlap_factor
		FROM product_configs WHERE product_key = ?`, productKey).
		Scan(&p.ProductKey, &p.Name, &p.Container, &p.DefaultOverlapFactor)
	if errors.Is(err, sql.ErrNoRows) {
		return ProductConfig{}, fmt.Errorf("product config %q: %w", productKey, ErrNotFound)
	}
	if err != nil {
		return ProductConfig{}, fmt.Errorf("load product config %q: %w", productKey, err)
	}
	return p, nil
}
