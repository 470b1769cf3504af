package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/greenline-data/canopy.count/internal/detect"
	"github.com/greenline-data/canopy.count/internal/estimate"
	"github.com/greenline-data/canopy.count/internal/segment"
)

// RegionResult pairs a segmented region with its counts.
type RegionResult struct {
	Region     segment.Region
	Detections []detect.Detection
	Estimation *estimate.Estimation
}

// SessionResult is everything a completed session persists.
type SessionResult struct {
	SessionID string
	Totals    SessionTotals
	Regions   []RegionResult
}

// SaveResults persists a session's counts and moves it processing →
// completed in a single transaction. Either the totals, every region,
// every detection and every estimation land together, or the session stays
// processing and nothing is written.
func (db *DB) SaveResults(ctx context.Context, r SessionResult) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin results tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET state = ?, warning = NULL,
			detected_count = ?, estimated_count = ?, total_count = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(StateCompleted),
		r.Totals.Detected, r.Totals.Estimated, r.Totals.Total(), time.Now().UTC(),
		r.SessionID, string(StateProcessing))
	if err != nil {
		return fmt.Errorf("complete session %s: %w", r.SessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: session %s is not processing", ErrBadTransition, r.SessionID)
	}

	for _, rr := range r.Regions {
		reg := rr.Region
		detected := len(rr.Detections)
		estimated := 0
		if rr.Estimation != nil {
			estimated = rr.Estimation.EstimatedCount
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO regions (id, session_id, class, min_x, min_y, max_x, max_y, confidence, detected_count, estimated_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			reg.ID, r.SessionID, reg.Class.String(),
			reg.Bounds.Min.X, reg.Bounds.Min.Y, reg.Bounds.Max.X, reg.Bounds.Max.Y,
			reg.Confidence, detected, estimated); err != nil {
			return fmt.Errorf("insert region %s: %w", reg.ID, err)
		}

		for _, d := range rr.Detections {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO detections (id, region_id, session_id, min_x, min_y, max_x, max_y, confidence, source)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				d.ID, reg.ID, r.SessionID,
				d.Box.Min.X, d.Box.Min.Y, d.Box.Max.X, d.Box.Max.Y,
				d.Confidence, d.Source.String()); err != nil {
				return fmt.Errorf("insert detection %s: %w", d.ID, err)
			}
		}

		if rr.Estimation != nil {
			est := rr.Estimation
			stats, err := json.Marshal(est.StripStats)
			if err != nil {
				return fmt.Errorf("marshal strip stats for region %s: %w", reg.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO estimations (region_id, session_id, strips, estimated_count, residual_area, method, confidence, strip_stats)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				reg.ID, r.SessionID, est.Strips, est.EstimatedCount, est.ResidualArea,
				est.Method.String(), est.Confidence, string(stats)); err != nil {
				return fmt.Errorf("insert estimation for region %s: %w", reg.ID, err)
			}
		}
	}

	return tx.Commit()
}

// StoredRegion is a persisted region row.
type StoredRegion struct {
	ID             string  `json:"id"`
	SessionID      string  `json:"session_id"`
	Class          string  `json:"class"`
	MinX           int     `json:"min_x"`
	MinY           int     `json:"min_y"`
	MaxX           int     `json:"max_x"`
	MaxY           int     `json:"max_y"`
	Confidence     float64 `json:"confidence"`
	DetectedCount  int     `json:"detected_count"`
	EstimatedCount int     `json:"estimated_count"`
}

// SessionRegions returns the persisted regions of a session.
func (db *DB) SessionRegions(ctx context.Context, sessionID string) ([]StoredRegion, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, session_id, class, min_x, min_y, max_x, max_y, confidence, detected_count, estimated_count
		FROM regions WHERE session_id = ? ORDER BY min_y, min_x`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var regions []StoredRegion
	for rows.Next() {
		var r StoredRegion
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Class,
			&r.MinX, &r.MinY, &r.MaxX, &r.MaxY,
			&r.Confidence, &r.DetectedCount, &r.EstimatedCount); err != nil {
			return nil, err
		}
		regions = append(regions, r)
	}
	return regions, rows.Err()
}

// SessionDetectionCount returns the number of persisted detections for a
// session.
func (db *DB) SessionDetectionCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM detections WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}
