package saver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/apexdata/lapreport/internal/laps"
	"github.com/apexdata/lapreport/internal/stats"
)

// Sentinel outcomes internal to the save pipeline. Neither is a failure:
// a held lap is re-released when the session context arrives, a skipped lap
// was rejected by validation and routed to disk.
var (
	errHeldForSession = errors.New("lap held pending session context")
	errLapSkipped     = errors.New("lap skipped by validation")
)

// Config holds tuning for the Saver.
type Config struct {
	QueueCapacity int           // save queue depth (default 100)
	BatchSize     int           // telemetry rows per insert (default 100)
	MaxLapRetries int           // attempts per lap before circuit-breaking (default 3)
	OpTimeout     time.Duration // per database call (default 30s)
	DrainTimeout  time.Duration // session teardown drain bound (default 10s)
	FallbackDir   string        // disk fallback directory (default "fallback_laps")
	// DirectSave bypasses the worker: Enqueue persists synchronously on
	// the caller's goroutine. Also entered permanently by the supervisor
	// after repeated worker restarts.
	DirectSave bool
	// PersistInvalidLaps saves validation-failing laps with an
	// incomplete-telemetry marker instead of routing them to disk.
	PersistInvalidLaps bool
	// Auth, when set, is consulted before every save; an unauthenticated
	// user fails the lap. Its user id is the fallback when SetUserID was
	// never called.
	Auth   func() User
	Logger zerolog.Logger
}

// Saver consumes finalized lap records and persists them durably: the lap
// row, telemetry point batches, and sector columns. It owns the save queue,
// the disk fallback, and the per-lap retry budget.
type Saver struct {
	cfg    Config
	store  Store
	logger zerolog.Logger

	sectors *SectorBuffer
	track   *tracker

	queue chan *laps.Lap

	mu             sync.Mutex
	session        *SessionContext
	sessionEnsured bool
	userID         string
	pendingSession []*laps.Lap
	bestLap        float64
	directSave     bool
	workerAlive    bool
	busy           bool
	consecFailures int
	lastActivity   time.Time
	stopc          chan struct{}
	donec          chan struct{}
}

// New returns a Saver over the given store. Call Start to launch the worker
// unless running purely in direct-save mode.
func New(store Store, cfg Config) *Saver {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 100
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxLapRetries <= 0 {
		cfg.MaxLapRetries = 3
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 30 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	if cfg.FallbackDir == "" {
		cfg.FallbackDir = "fallback_laps"
	}
	return &Saver{
		cfg:          cfg,
		store:        store,
		logger:       cfg.Logger,
		sectors:      NewSectorBuffer(defaultSectorBufferSize),
		track:        newTracker(cfg.MaxLapRetries),
		queue:        make(chan *laps.Lap, cfg.QueueCapacity),
		bestLap:      math.Inf(1),
		directSave:   cfg.DirectSave,
		lastActivity: time.Now(),
	}
}

// Start launches the persistence worker. Safe to call when already running.
func (s *Saver) Start() {
	s.mu.Lock()
	if s.workerAlive {
		s.mu.Unlock()
		return
	}
	s.workerAlive = true
	s.consecFailures = 0
	s.lastActivity = time.Now()
	stopc := make(chan struct{})
	donec := make(chan struct{})
	s.stopc = stopc
	s.donec = donec
	s.mu.Unlock()

	go s.worker(stopc, donec)
	s.logger.Info().Msg("lap save worker started")
}

// Stop asks the worker to finish the current lap and exit, waiting briefly.
func (s *Saver) Stop() {
	s.mu.Lock()
	if !s.workerAlive {
		s.mu.Unlock()
		return
	}
	stopc, donec := s.stopc, s.donec
	s.mu.Unlock()

	close(stopc)
	select {
	case <-donec:
	case <-time.After(5 * time.Second):
		s.logger.Warn().Msg("lap save worker did not stop in time")
	}
}

// Restart stops and relaunches the worker, clearing its health state.
func (s *Saver) Restart() {
	s.Stop()
	s.Start()
}

func (s *Saver) worker(stopc chan struct{}, donec chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.workerAlive = false
		s.mu.Unlock()
		close(donec)
	}()
	for {
		select {
		case lap := <-s.queue:
			s.setBusy(true)
			s.runSave(lap, false)
			s.setBusy(false)
		case <-stopc:
			return
		}
	}
}

// Enqueue hands a finalized lap to the persistence pipeline. In worker mode
// it pushes onto the bounded queue; when the queue is full (persistence
// lagging catastrophically) or direct-save mode is on, it saves
// synchronously so the lap is never dropped.
func (s *Saver) Enqueue(lap *laps.Lap) {
	if lap == nil {
		return
	}
	if s.track.isPermanentlyFailed(lap.Number) {
		s.logger.Warn().Int("lap", lap.Number).Msg("dropping lap: retry budget exhausted earlier")
		return
	}
	if s.DirectSaveEnabled() || !s.WorkerAlive() {
		s.runSave(lap, true)
		return
	}
	select {
	case s.queue <- lap:
	default:
		s.logger.Warn().Int("lap", lap.Number).Msg("save queue full, falling back to direct save")
		s.runSave(lap, true)
	}
}

// runSave performs one save attempt with retry bookkeeping. In worker mode
// (inline=false) a retryable failure is pushed back onto the queue; inline
// callers loop until success or the ceiling.
func (s *Saver) runSave(lap *laps.Lap, inline bool) {
	for {
		s.touch()
		err := s.saveLap(context.Background(), lap)
		switch {
		case err == nil:
			s.track.recordSuccess(lap.Number)
			s.resetFailureStreak()
			return
		case errors.Is(err, errHeldForSession):
			return
		case errors.Is(err, errLapSkipped):
			s.track.recordSkipped()
			return
		}

		s.bumpFailureStreak()
		retry, attempts := s.track.recordFailure(lap.Number)
		s.logger.Warn().
			Err(err).
			Int("lap", lap.Number).
			Int("attempt", attempts).
			Msg("lap save failed")
		if !retry {
			s.logger.Error().
				Int("lap", lap.Number).
				Int("attempts", attempts).
				Msg("retry budget exhausted, writing lap to disk fallback")
			s.fallbackToDisk(lap, "retry budget exhausted")
			return
		}
		if !inline {
			select {
			case s.queue <- lap:
				return
			default:
				// Queue refilled while we were failing; keep the lap on
				// this goroutine rather than dropping it.
			}
		}
	}
}

// saveLap runs the full persistence pipeline for one lap: preconditions,
// validation, lap row insert, telemetry batches, incomplete marking.
func (s *Saver) saveLap(ctx context.Context, lap *laps.Lap) error {
	if s.store == nil {
		return fmt.Errorf("no database client configured: %w", ErrUnavailable)
	}

	sess, userID := s.sessionSnapshot()
	if s.cfg.Auth != nil {
		u := s.cfg.Auth()
		if !u.Authenticated {
			return fmt.Errorf("lap %d: %w", lap.Number, ErrNotAuthenticated)
		}
		if userID == "" {
			userID = u.ID
		}
	}
	if sess == nil {
		s.holdForSession(lap)
		return errHeldForSession
	}

	if err := s.ensureSessionRow(ctx, sess, userID); err != nil {
		return err
	}

	ok, msg := validateLap(lap)
	if !ok {
		if !s.cfg.PersistInvalidLaps {
			s.logger.Warn().Int("lap", lap.Number).Str("reason", msg).Msg("lap failed validation, writing to disk")
			s.fallbackToDisk(lap, msg)
			return errLapSkipped
		}
		s.logger.Warn().Int("lap", lap.Number).Str("reason", msg).Msg("lap failed validation, persisting with marker")
	}

	row := s.buildRow(lap, sess, userID, ok, msg)

	octx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	err := s.store.InsertLap(octx, row)
	cancel()
	switch {
	case errors.Is(err, ErrUniqueViolation):
		// Another writer already has this lap; the unique constraint on
		// (session_id, lap_number) is the dedup mechanism.
		s.track.recordDuplicate()
		s.logger.Info().Int("lap", lap.Number).Msg("lap already persisted, skipping telemetry")
		return nil
	case errors.Is(err, ErrCheckViolation):
		s.logger.Warn().Int("lap", lap.Number).Str("lap_type", row.LapType).Msg("lap_type rejected, coercing to TIMED")
		row.LapType = string(laps.StateTimed)
		octx, cancel = context.WithTimeout(ctx, s.cfg.OpTimeout)
		err = s.store.InsertLap(octx, row)
		cancel()
		if err != nil {
			return fmt.Errorf("lap %d insert after lap_type coercion: %w", lap.Number, err)
		}
	case err != nil:
		return fmt.Errorf("lap %d insert: %w", lap.Number, err)
	}

	s.saveTelemetry(ctx, row, lap)

	if row.IsPersonalBest {
		s.mu.Lock()
		if lap.Duration < s.bestLap {
			s.bestLap = lap.Duration
		}
		s.mu.Unlock()
	}

	s.logger.Info().
		Int("lap", lap.Number).
		Str("state", string(lap.State)).
		Float64("duration", lap.Duration).
		Str("lap_id", row.ID).
		Msg("lap persisted")
	return nil
}

// ensureSessionRow creates the session row once per session context. A
// unique violation means a concurrent writer created it: success.
func (s *Saver) ensureSessionRow(ctx context.Context, sess *SessionContext, userID string) error {
	s.mu.Lock()
	done := s.sessionEnsured
	s.mu.Unlock()
	if done {
		return nil
	}

	octx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()
	err := s.store.EnsureSession(octx, SessionRow{
		ID:          sess.SessionID,
		UserID:      userID,
		TrackID:     sess.TrackID,
		CarID:       sess.CarID,
		SessionType: sess.SessionType,
		SessionDate: time.Now().UTC(),
	})
	if err != nil && !errors.Is(err, ErrUniqueViolation) {
		return fmt.Errorf("ensure session %s: %w", sess.SessionID, err)
	}

	s.mu.Lock()
	s.sessionEnsured = true
	s.mu.Unlock()
	return nil
}

// Per-state validation thresholds: a flying lap must be substantially
// complete, pit laps less so, an interrupted lap barely at all.
func validateLap(lap *laps.Lap) (bool, string) {
	minFrames := 5
	minCoverage := 0.1
	switch lap.State {
	case laps.StateTimed:
		minFrames, minCoverage = 20, 0.5
	case laps.StateOut, laps.StateIn:
		minFrames, minCoverage = 10, 0.35
	}

	if len(lap.Frames) < minFrames {
		return false, fmt.Sprintf("too few frames: %d < %d for %s lap", len(lap.Frames), minFrames, lap.State)
	}
	if cov := lap.TrackCoverage(); cov < minCoverage {
		return false, fmt.Sprintf("insufficient track coverage: %.2f < %.2f for %s lap", cov, minCoverage, lap.State)
	}
	return true, "ok"
}

// buildRow composes the lap row, joining sector data and computing the
// personal-best flag against the saver's best-so-far.
func (s *Saver) buildRow(lap *laps.Lap, sess *SessionContext, userID string, valid bool, validationMsg string) LapRow {
	s.mu.Lock()
	best := s.bestLap
	s.mu.Unlock()

	isValid := valid && lap.ValidFromSource
	isLeaderboard := valid && lap.ValidForLeaderboard
	isPB := isLeaderboard && lap.Duration > 0 && lap.Duration < best

	summary := stats.Summarize(lap.Frames)
	meta := map[string]interface{}{
		"track_db_id":        sess.TrackID,
		"car_db_id":          sess.CarID,
		"session_type":       sess.SessionType,
		"validation_message": validationMsg,
		"frame_count":        len(lap.Frames),
		"track_coverage":     lap.TrackCoverage(),
		"calculated_time":    lap.CalculatedDuration,
		"channel_stats":      summary,
	}
	if !valid {
		meta["telemetry_incomplete"] = true
	}

	return LapRow{
		ID:                    uuid.NewString(),
		SessionID:             sess.SessionID,
		LapNumber:             lap.Number,
		LapTime:               lap.Duration,
		IsValid:               isValid,
		IsValidForLeaderboard: isLeaderboard,
		LapType:               string(lap.State),
		IsPersonalBest:        isPB,
		UserID:                userID,
		SectorTimes:           s.sectorTimesFor(lap),
		Metadata:              meta,
	}
}

// sectorTimesFor joins sector data onto the lap: the record's own copy
// first, then the buffer by lap number, then by completion-frame range for
// delayed laps whose numbering drifted.
func (s *Saver) sectorTimesFor(lap *laps.Lap) []float64 {
	if len(lap.SectorTimes) > 0 {
		return clampSectors(lap.SectorTimes)
	}
	if times, ok := s.sectors.ByLap(lap.Number); ok {
		return clampSectors(times)
	}
	// The feed observed completion within the lap's tick span, allowing a
	// little slack for its own settle delay.
	if times, ok := s.sectors.ByFrameRange(int64(lap.StartTick), int64(lap.EndTick)+5); ok {
		return clampSectors(times)
	}
	return nil
}

func clampSectors(times []float64) []float64 {
	if len(times) <= MaxSectorColumns {
		return times
	}
	return times[:MaxSectorColumns]
}

// saveTelemetry persists the lap's frames in deterministic batches. Batch
// failures never fail the lap: they are marked on its metadata instead.
func (s *Saver) saveTelemetry(ctx context.Context, row LapRow, lap *laps.Lap) {
	if len(lap.Frames) == 0 {
		return
	}

	points := make([]TelemetryPoint, len(lap.Frames))
	for i, f := range lap.Frames {
		points[i] = TelemetryPoint{
			LapID:         row.ID,
			UserID:        row.UserID,
			Timestamp:     f.SessionTime,
			TrackPosition: f.LapDistPct,
			Speed:         f.Speed,
			RPM:           f.RPM,
			Gear:          f.Gear,
			Throttle:      f.Throttle,
			Brake:         f.Brake,
			Clutch:        f.Clutch,
			Steering:      f.Steering,
			LatAccel:      f.LatAccel,
			LongAccel:     f.LongAccel,
		}
	}
	// Sort by track position for determinism.
	sort.SliceStable(points, func(a, b int) bool {
		return points[a].TrackPosition < points[b].TrackPosition
	})

	var failedBatches []int
	saved, failed := 0, 0
	for start, batchIdx := 0, 0; start < len(points); start, batchIdx = start+s.cfg.BatchSize, batchIdx+1 {
		end := start + s.cfg.BatchSize
		if end > len(points) {
			end = len(points)
		}
		batch := points[start:end]
		for i := range batch {
			batch[i].BatchIndex = batchIdx
		}

		var err error
		for attempt := 1; attempt <= 3; attempt++ {
			octx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
			err = s.store.InsertTelemetryBatch(octx, batch)
			cancel()
			if err == nil {
				break
			}
			s.logger.Warn().
				Err(err).
				Int("lap", lap.Number).
				Int("batch", batchIdx).
				Int("attempt", attempt).
				Msg("telemetry batch insert failed")
		}
		if err != nil {
			failedBatches = append(failedBatches, batchIdx)
			failed += len(batch)
			continue
		}
		saved += len(batch)
	}

	if len(failedBatches) > 0 {
		octx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
		defer cancel()
		if err := s.store.MarkTelemetryIncomplete(octx, row.ID, failedBatches, saved, failed); err != nil {
			s.logger.Error().Err(err).Str("lap_id", row.ID).Msg("failed to mark telemetry incomplete")
		}
	}
}

func (s *Saver) fallbackToDisk(lap *laps.Lap, reason string) {
	sess, userID := s.sessionSnapshot()
	path, err := writeFallback(s.cfg.FallbackDir, lap, sess, userID)
	if err != nil {
		s.logger.Error().Err(err).Int("lap", lap.Number).Msg("disk fallback failed")
		return
	}
	s.logger.Warn().
		Int("lap", lap.Number).
		Str("path", path).
		Str("reason", reason).
		Msg("lap written to disk fallback")
}

// SetSessionContext installs the session all subsequent laps reference and
// releases any laps held pending it.
func (s *Saver) SetSessionContext(sess SessionContext) {
	s.mu.Lock()
	s.session = &sess
	s.sessionEnsured = false
	held := s.pendingSession
	s.pendingSession = nil
	s.mu.Unlock()

	s.logger.Info().
		Str("session_id", sess.SessionID).
		Int64("track_id", sess.TrackID).
		Int64("car_id", sess.CarID).
		Int("released", len(held)).
		Msg("session context set")

	for _, lap := range held {
		s.Enqueue(lap)
	}
}

// SetUserID installs the authenticated user id used on all rows.
func (s *Saver) SetUserID(id string) {
	s.mu.Lock()
	s.userID = id
	s.mu.Unlock()
}

// PushSectorData stores a completed lap's sector split for later join.
func (s *Saver) PushSectorData(d SectorData) {
	s.sectors.Push(d)
}

// FinalizeSession drains the save queue (bounded by DrainTimeout), writes
// anything still unpersisted to disk, and tears down the session context.
func (s *Saver) FinalizeSession() {
	deadline := time.Now().Add(s.cfg.DrainTimeout)
	for time.Now().Before(deadline) {
		if len(s.queue) == 0 && !s.isBusy() {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}

	// Whatever is left goes to disk: the session context is about to die.
	for {
		select {
		case lap := <-s.queue:
			s.fallbackToDisk(lap, "session teardown drain timed out")
		default:
			s.teardownSession()
			return
		}
	}
}

func (s *Saver) teardownSession() {
	s.mu.Lock()
	held := s.pendingSession
	s.pendingSession = nil
	s.session = nil
	s.sessionEnsured = false
	s.bestLap = math.Inf(1)
	s.mu.Unlock()

	for _, lap := range held {
		s.fallbackToDisk(lap, "session ended before context was set")
	}
	s.track.reset()
	s.logger.Info().Msg("session context torn down")
}

func (s *Saver) holdForSession(lap *laps.Lap) {
	s.mu.Lock()
	s.pendingSession = append(s.pendingSession, lap)
	n := len(s.pendingSession)
	s.mu.Unlock()
	s.logger.Info().Int("lap", lap.Number).Int("held", n).Msg("lap held until session context is set")
}

func (s *Saver) sessionSnapshot() (*SessionContext, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session, s.userID
}

// EnableDirectSave switches the worker bypass on or off.
func (s *Saver) EnableDirectSave(on bool) {
	s.mu.Lock()
	s.directSave = on
	s.mu.Unlock()
	if on {
		s.logger.Warn().Msg("direct-save mode enabled: laps persist synchronously")
	}
}

// DirectSaveEnabled reports whether the worker bypass is active.
func (s *Saver) DirectSaveEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.directSave
}

// WorkerAlive reports whether the persistence worker goroutine is running.
func (s *Saver) WorkerAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workerAlive
}

// SelfUnhealthy reports whether the worker has flagged itself unhealthy
// (three consecutive save failures).
func (s *Saver) SelfUnhealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecFailures >= 3
}

// QueueLen returns the number of laps waiting in the save queue.
func (s *Saver) QueueLen() int { return len(s.queue) }

// TimeSinceActivity returns how long ago the worker last made progress.
func (s *Saver) TimeSinceActivity() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

func (s *Saver) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Saver) setBusy(b bool) {
	s.mu.Lock()
	s.busy = b
	s.mu.Unlock()
}

func (s *Saver) isBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (s *Saver) bumpFailureStreak() {
	s.mu.Lock()
	s.consecFailures++
	s.mu.Unlock()
}

func (s *Saver) resetFailureStreak() {
	s.mu.Lock()
	s.consecFailures = 0
	s.mu.Unlock()
}

// Status is an operator-facing snapshot of the saver's counters.
type Status struct {
	Processed    int           `json:"processed"`
	Failed       int           `json:"failed"`
	Skipped      int           `json:"skipped"`
	Duplicates   int           `json:"duplicates"`
	Pending      int           `json:"pending"`
	HeldLaps     int           `json:"held_laps"`
	SequenceGaps []SequenceGap `json:"sequence_gaps,omitempty"`
	DirectSave   bool          `json:"direct_save"`
	WorkerAlive  bool          `json:"worker_alive"`
	BestLapTime  float64       `json:"best_lap_time,omitempty"`
}

// Status reports processing counters for observability.
func (s *Saver) Status() Status {
	processed, failed, skipped, duplicates, gaps := s.track.snapshot()
	s.mu.Lock()
	held := len(s.pendingSession)
	direct := s.directSave
	alive := s.workerAlive
	best := s.bestLap
	s.mu.Unlock()

	st := Status{
		Processed:    processed,
		Failed:       failed,
		Skipped:      skipped,
		Duplicates:   duplicates,
		Pending:      len(s.queue),
		HeldLaps:     held,
		SequenceGaps: gaps,
		DirectSave:   direct,
		WorkerAlive:  alive,
	}
	if !math.IsInf(best, 1) {
		st.BestLapTime = best
	}
	return st
}
