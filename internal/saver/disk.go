package saver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/apexdata/lapreport/internal/laps"
	"github.com/apexdata/lapreport/internal/telemetry"
)

// fallbackFile is the on-disk shape of a lap that could not be persisted.
// Recovery aid only; nothing in the pipeline re-ingests these files.
type fallbackFile struct {
	LapNumber  int               `json:"lap_number"`
	LapTime    float64           `json:"lap_time"`
	LapState   string            `json:"lap_state"`
	Timestamp  float64           `json:"timestamp"`
	SessionID  string            `json:"session_id,omitempty"`
	TrackID    int64             `json:"track_id,omitempty"`
	CarID      int64             `json:"car_id,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	PointCount int               `json:"point_count"`
	Points     []telemetry.Frame `json:"points"`
}

// writeFallback serializes the lap (with every frame assigned to it) under
// dir as lap_{number}_{yyyymmdd_hhmmss}.json and returns the file path.
func writeFallback(dir string, lap *laps.Lap, sess *SessionContext, userID string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create fallback directory: %w", err)
	}

	rec := fallbackFile{
		LapNumber:  lap.Number,
		LapTime:    lap.Duration,
		LapState:   string(lap.State),
		Timestamp:  float64(time.Now().Unix()),
		UserID:     userID,
		PointCount: len(lap.Frames),
		Points:     lap.Frames,
	}
	if sess != nil {
		rec.SessionID = sess.SessionID
		rec.TrackID = sess.TrackID
		rec.CarID = sess.CarID
	}

	name := fmt.Sprintf("lap_%d_%s.json", lap.Number, time.Now().Format("20060102_150405"))
	path := filepath.Join(dir, name)

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal fallback lap %d: %w", lap.Number, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write fallback lap %d: %w", lap.Number, err)
	}
	return path, nil
}
