// Package saver persists finalized lap records durably without ever
// blocking the real-time telemetry loop. Detection and persistence are
// decoupled by a bounded save queue consumed by one worker goroutine; a
// supervisor watches the worker and falls back to synchronous saves when it
// misbehaves.
package saver

import (
	"context"
	"errors"
	"time"
)

// Typed store error kinds. Implementations wrap these so the saver can
// select a policy per kind with errors.Is.
var (
	// ErrUniqueViolation: the row already exists (duplicate lap or
	// concurrently-created session).
	ErrUniqueViolation = errors.New("unique constraint violation")
	// ErrCheckViolation: a column value was rejected by a check
	// constraint (e.g. an unknown lap_type).
	ErrCheckViolation = errors.New("check constraint violation")
	// ErrNotAuthenticated: the store rejected the caller's credentials.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrUnavailable: connection or timeout trouble; transient.
	ErrUnavailable = errors.New("store unavailable")
)

// MaxSectorColumns is the number of sector columns on the laps table.
const MaxSectorColumns = 10

// LapRow is the persisted lap record.
type LapRow struct {
	ID                    string
	SessionID             string
	LapNumber             int
	LapTime               float64
	IsValid               bool
	IsValidForLeaderboard bool
	LapType               string
	IsPersonalBest        bool
	UserID                string
	// SectorTimes maps onto sector1_time..sector10_time; nil leaves the
	// columns null.
	SectorTimes []float64
	// Metadata is serialized to the metadata JSON column.
	Metadata map[string]interface{}
}

// TelemetryPoint is one persisted telemetry row, one per frame.
type TelemetryPoint struct {
	LapID         string
	UserID        string
	Timestamp     float64
	TrackPosition float64
	Speed         float64
	RPM           float64
	Gear          int
	Throttle      float64
	Brake         float64
	Clutch        float64
	Steering      float64
	LatAccel      float64
	LongAccel     float64
	BatchIndex    int
}

// SessionRow is the persisted session record laps hang off.
type SessionRow struct {
	ID          string
	UserID      string
	TrackID     int64
	CarID       int64
	SessionType string
	SessionDate time.Time
}

// Store is the injected database client. Implementations must return the
// typed error kinds above; anything else is treated as transient.
type Store interface {
	// EnsureSession creates the session row if it does not exist.
	// A unique violation from a concurrent creator counts as success.
	EnsureSession(ctx context.Context, s SessionRow) error
	InsertLap(ctx context.Context, lap LapRow) error
	InsertTelemetryBatch(ctx context.Context, points []TelemetryPoint) error
	// MarkTelemetryIncomplete records on the lap row that some telemetry
	// batches were lost.
	MarkTelemetryIncomplete(ctx context.Context, lapID string, failedBatches []int, saved, failed int) error
	// Healthy reports whether the store can accept writes.
	Healthy(ctx context.Context) error
}

// User is a snapshot of the authenticated user, provided post-authentication.
type User struct {
	ID            string
	Authenticated bool
}

// SessionContext identifies the session all persisted laps reference.
// Immutable once set; readers take a snapshot.
type SessionContext struct {
	SessionID   string
	TrackID     int64
	CarID       int64
	SessionType string
}
