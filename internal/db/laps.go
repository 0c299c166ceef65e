package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/apexdata/lapreport/internal/saver"
)

// compile-time assertion: ensure DB implements the saver's store interface
var _ saver.Store = (*DB)(nil)

// mapErr translates sqlite errors into the saver's typed kinds so its
// per-kind policies (duplicate-as-success, type coercion, retry) apply.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%v: %w", err, saver.ErrUniqueViolation)
	case strings.Contains(msg, "CHECK constraint failed"):
		return fmt.Errorf("%v: %w", err, saver.ErrCheckViolation)
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "context deadline exceeded"),
		strings.Contains(msg, "connection"):
		return fmt.Errorf("%v: %w", err, saver.ErrUnavailable)
	default:
		return err
	}
}

// EnsureSession creates the session row if absent. A unique violation from
// a concurrent creator is surfaced typed; the saver treats it as success.
func (db *DB) EnsureSession(ctx context.Context, s saver.SessionRow) error {
	var exists int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, s.ID).Scan(&exists)
	if err != nil {
		return mapErr(err)
	}
	if exists > 0 {
		return nil
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, track_id, car_id, session_type, session_date)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.ID, s.UserID, s.TrackID, s.CarID, s.SessionType, s.SessionDate)
	return mapErr(err)
}

// InsertLap persists one lap row including sector columns and metadata.
func (db *DB) InsertLap(ctx context.Context, lap saver.LapRow) error {
	metadata, err := json.Marshal(lap.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal lap %d metadata: %w", lap.LapNumber, err)
	}

	sectors := make([]interface{}, saver.MaxSectorColumns)
	for i := range sectors {
		if i < len(lap.SectorTimes) {
			sectors[i] = lap.SectorTimes[i]
		} else {
			sectors[i] = nil
		}
	}

	args := []interface{}{
		lap.ID, lap.SessionID, lap.LapNumber, lap.LapTime,
		lap.IsValid, lap.IsValidForLeaderboard, lap.LapType,
		lap.IsPersonalBest, lap.UserID,
	}
	args = append(args, sectors...)
	args = append(args, string(metadata))

	_, err = db.ExecContext(ctx, `
		INSERT INTO laps (
			id, session_id, lap_number, lap_time,
			is_valid, is_valid_for_leaderboard, lap_type,
			is_personal_best, user_id,
			sector1_time, sector2_time, sector3_time, sector4_time, sector5_time,
			sector6_time, sector7_time, sector8_time, sector9_time, sector10_time,
			metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, args...)
	return mapErr(err)
}

// InsertTelemetryBatch persists one batch of telemetry points in a single
// transaction so a batch is all-or-nothing.
func (db *DB) InsertTelemetryBatch(ctx context.Context, points []saver.TelemetryPoint) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return mapErr(err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
			// ErrTxDone means the transaction was already committed.
			log.Printf("warning: failed to rollback telemetry batch: %v", err)
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO telemetry_points (
			lap_id, user_id, timestamp, track_position,
			speed, rpm, gear, throttle, brake, clutch, steering,
			lat_accel, long_accel, batch_index
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return mapErr(err)
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.ExecContext(ctx,
			p.LapID, p.UserID, p.Timestamp, p.TrackPosition,
			p.Speed, p.RPM, p.Gear, p.Throttle, p.Brake, p.Clutch, p.Steering,
			p.LatAccel, p.LongAccel, p.BatchIndex,
		); err != nil {
			return mapErr(err)
		}
	}

	return mapErr(tx.Commit())
}

// MarkTelemetryIncomplete merges the incomplete-telemetry marker into the
// lap's metadata column.
func (db *DB) MarkTelemetryIncomplete(ctx context.Context, lapID string, failedBatches []int, saved, failed int) error {
	var raw sql.NullString
	err := db.QueryRowContext(ctx, `SELECT metadata FROM laps WHERE id = ?`, lapID).Scan(&raw)
	if err != nil {
		return mapErr(err)
	}

	meta := map[string]interface{}{}
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &meta); err != nil {
			meta = map[string]interface{}{}
		}
	}
	meta["telemetry_incomplete"] = true
	meta["failed_batches"] = failedBatches
	meta["points_saved"] = saved
	meta["points_failed"] = failed

	merged, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata for lap %s: %w", lapID, err)
	}

	_, err = db.ExecContext(ctx, `UPDATE laps SET metadata = ? WHERE id = ?`, string(merged), lapID)
	return mapErr(err)
}

// Healthy reports whether the database accepts queries.
func (db *DB) Healthy(ctx context.Context) error {
	var one int
	if err := db.QueryRowContext(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("%v: %w", err, saver.ErrUnavailable)
	}
	return nil
}

// LapSummary is a read-model row for reporting and charting.
type LapSummary struct {
	ID                    string  `json:"id"`
	SessionID             string  `json:"session_id"`
	LapNumber             int     `json:"lap_number"`
	LapTime               float64 `json:"lap_time"`
	LapType               string  `json:"lap_type"`
	IsValidForLeaderboard bool    `json:"is_valid_for_leaderboard"`
	IsPersonalBest        bool    `json:"is_personal_best"`
}

// SessionLaps returns the laps of a session ordered by lap number.
func (db *DB) SessionLaps(ctx context.Context, sessionID string) ([]LapSummary, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, session_id, lap_number, lap_time, lap_type, is_valid_for_leaderboard, is_personal_best
		FROM laps WHERE session_id = ? ORDER BY lap_number
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var laps []LapSummary
	for rows.Next() {
		var l LapSummary
		if err := rows.Scan(&l.ID, &l.SessionID, &l.LapNumber, &l.LapTime, &l.LapType, &l.IsValidForLeaderboard, &l.IsPersonalBest); err != nil {
			return nil, err
		}
		laps = append(laps, l)
	}
	return laps, rows.Err()
}

// Sessions returns the most recent session ids, newest first.
func (db *DB) Sessions(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id FROM sessions ORDER BY session_date DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountTelemetryPoints returns the total number of stored telemetry points.
func (db *DB) CountTelemetryPoints(ctx context.Context) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM telemetry_points`).Scan(&n)
	return n, err
}
