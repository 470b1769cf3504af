package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle state of a counting session.
type SessionState string

const (
	// StatePending means the session is queued and has passed no checks yet.
	StatePending SessionState = "pending"
	// StateNeedsLocation means the photo could not be resolved to a known
	// location. Resolvable by the operator; the session then re-enters
	// pending.
	StateNeedsLocation SessionState = "needs_location"
	// StateNeedsConfig means the resolved product has no product
	// configuration.
	StateNeedsConfig SessionState = "needs_config"
	// StateNeedsCalibration means the product has no calibrated density
	// parameter and the photo cannot be counted by detections alone.
	StateNeedsCalibration SessionState = "needs_calibration"
	// StateProcessing means pipeline jobs are in flight.
	StateProcessing SessionState = "processing"
	// StateCompleted is terminal: counts are persisted.
	StateCompleted SessionState = "completed"
	// StateFailed is terminal: the first job error is recorded and no
	// results are persisted.
	StateFailed SessionState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Warning reports whether the state is an operator-resolvable warning
// state.
func (s SessionState) Warning() bool {
	return s == StateNeedsLocation || s == StateNeedsConfig || s == StateNeedsCalibration
}

var transitions = map[SessionState][]SessionState{
	StatePending:          {StateNeedsLocation, StateNeedsConfig, StateNeedsCalibration, StateProcessing},
	StateNeedsLocation:    {StatePending},
	StateNeedsConfig:      {StatePending},
	StateNeedsCalibration: {StatePending},
	// A processing session may still discover mid-flight that its product
	// was never calibrated; that parks it rather than failing it.
	StateProcessing: {StateCompleted, StateFailed, StateNeedsCalibration},
}

// CanTransition reports whether from → to is a legal state change.
func (s SessionState) CanTransition(to SessionState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrSessionNotFound is returned when a session ID does not exist.
var ErrSessionNotFound = errors.New("session not found")

// ErrBadTransition is returned when a state change is not legal from the
// session's current state.
var ErrBadTransition = errors.New("illegal session state transition")

// Session is one submitted photo and its counting lifecycle.
type Session struct {
	ID         string       `json:"id"`
	ImageID    string       `json:"image_id"`
	LocationID string       `json:"location_id,omitempty"`
	ProductKey string       `json:"product_key,omitempty"`
	State      SessionState `json:"state"`
	// Warning holds the operator-facing reason while the session sits in a
	// needs_* state.
	Warning string `json:"warning,omitempty"`
	// Error holds the first job error for a failed session.
	Error          string    `json:"error,omitempty"`
	DetectedCount  int       `json:"detected_count"`
	EstimatedCount int       `json:"estimated_count"`
	TotalCount     int       `json:"total_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CreateSession inserts a new pending session for the given photo.
func (db *DB) CreateSession(ctx context.Context, imageID, locationID, productKey string) (Session, error) {
	now := time.Now().UTC()
	s := Session{
		ID:         uuid.New().String(),
		ImageID:    imageID,
		LocationID: locationID,
		ProductKey: productKey,
		State:      StatePending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO sessions (id, image_id, location_id, product_key, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.ImageID, nullable(s.LocationID), nullable(s.ProductKey), string(s.State), s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return s, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// GetSession loads one session by ID.
func (db *DB) GetSession(ctx context.Context, id string) (Session, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, image_id, COALESCE(location_id, ''), COALESCE(product_key, ''),
		       state, COALESCE(warning, ''), COALESCE(error, ''),
		       detected_count, estimated_count, total_count, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var s Session
	var state string
	err := row.Scan(&s.ID, &s.ImageID, &s.LocationID, &s.ProductKey,
		&state, &s.Warning, &s.Error,
		&s.DetectedCount, &s.EstimatedCount, &s.TotalCount, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	s.State = SessionState(state)
	return s, nil
}

// transition moves a session between states with the legality check
// applied inside the UPDATE itself, so two workers racing on one session
// cannot both win.
func (db *DB) transition(ctx context.Context, id string, to SessionState, set string, args ...any) error {
	var froms []string
	for from, tos := range transitions {
		for _, t := range tos {
			if t == to {
				froms = append(froms, string(from))
			}
		}
	}
	if len(froms) == 0 {
		return fmt.Errorf("%w: no state may enter %s", ErrBadTransition, to)
	}

	query := fmt.Sprintf(`
		UPDATE sessions SET state = ?, updated_at = ?%s
		WHERE id = ? AND state IN (%s)`,
		set, "'"+strings.Join(froms, "','")+"'")
	params := append([]any{string(to), time.Now().UTC()}, args...)
	params = append(params, id)

	res, err := db.ExecContext(ctx, query, params...)
	if err != nil {
		return fmt.Errorf("transition session %s to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		cur, err := db.GetSession(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: session %s is %s, cannot become %s", ErrBadTransition, id, cur.State, to)
	}
	return nil
}

// MarkProcessing moves a pending session into processing.
func (db *DB) MarkProcessing(ctx context.Context, id string) error {
	return db.transition(ctx, id, StateProcessing, ", warning = NULL")
}

// SetWarning parks a pending session in a needs_* state with an
// operator-facing reason.
func (db *DB) SetWarning(ctx context.Context, id string, state SessionState, reason string) error {
	if !state.Warning() {
		return fmt.Errorf("%s is not a warning state", state)
	}
	return db.transition(ctx, id, state, ", warning = ?", reason)
}

// Reopen moves a warning session back to pending after the operator
// resolved the issue, so it is picked up again by the queue.
func (db *DB) Reopen(ctx context.Context, id string) error {
	return db.transition(ctx, id, StatePending, ", warning = NULL")
}

// SetSessionContext fills in the resolved location and product of a
// session. Used when an operator resolves a needs_location or needs_config
// warning.
func (db *DB) SetSessionContext(ctx context.Context, id, locationID, productKey string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE sessions SET
			location_id = COALESCE(?, location_id),
			product_key = COALESCE(?, product_key),
			updated_at = ?
		WHERE id = ?`,
		nullable(locationID), nullable(productKey), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update session %s context: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// MarkFailed moves a processing session to failed, recording the first job
// error.
func (db *DB) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return db.transition(ctx, id, StateFailed, ", error = ?", msg)
}

// SessionTotals is the aggregate a completed session must carry. Completion
// without totals is not expressible.
type SessionTotals struct {
	Detected  int
	Estimated int
}

// Total returns the combined plant count.
func (t SessionTotals) Total() int { return t.Detected + t.Estimated }

// ListRecentSessions returns the most recently updated sessions.
func (db *DB) ListRecentSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, image_id, COALESCE(location_id, ''), COALESCE(product_key, ''),
		       state, COALESCE(warning, ''), COALESCE(error, ''),
		       detected_count, estimated_count, total_count, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// ListSessionsByState returns sessions currently in the given state, oldest
// first, so the queue drains fairly.
func (db *DB) ListSessionsByState(ctx context.Context, state SessionState, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, image_id, COALESCE(location_id, ''), COALESCE(product_key, ''),
		       state, COALESCE(warning, ''), COALESCE(error, ''),
		       detected_count, estimated_count, total_count, created_at, updated_at
		FROM sessions WHERE state = ? ORDER BY created_at ASC LIMIT ?`, string(state), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// CountSessionsByState returns the number of sessions per state.
func (db *DB) CountSessionsByState(ctx context.Context) (map[SessionState]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT state, COUNT(*) FROM sessions GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[SessionState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[SessionState(state)] = n
	}
	return counts, rows.Err()
}
