package saver

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexdata/lapreport/internal/laps"
	"github.com/apexdata/lapreport/internal/telemetry"
)

// fakeStore records inserts and injects typed failures per call.
type fakeStore struct {
	mu         sync.Mutex
	sessions   []SessionRow
	lapRows    []LapRow
	batches    [][]TelemetryPoint
	incomplete map[string][]int

	ensureErr    error
	insertLapErr func(row LapRow, call int) error
	batchErr     func(batch []TelemetryPoint, call int) error

	lapCalls   int
	batchCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{incomplete: make(map[string][]int)}
}

func (f *fakeStore) EnsureSession(_ context.Context, s SessionRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensureErr != nil {
		return f.ensureErr
	}
	f.sessions = append(f.sessions, s)
	return nil
}

func (f *fakeStore) InsertLap(_ context.Context, lap LapRow) error {
	f.mu.Lock()
	f.lapCalls++
	call := f.lapCalls
	hook := f.insertLapErr
	f.mu.Unlock()

	// The hook runs outside the lock so a test can wedge one insert
	// without blocking the others.
	if hook != nil {
		if err := hook(lap, call); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.lapRows = append(f.lapRows, lap)
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) lapCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lapCalls
}

func (f *fakeStore) InsertTelemetryBatch(_ context.Context, points []TelemetryPoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	if f.batchErr != nil {
		if err := f.batchErr(points, f.batchCalls); err != nil {
			return err
		}
	}
	cp := make([]TelemetryPoint, len(points))
	copy(cp, points)
	f.batches = append(f.batches, cp)
	return nil
}

func (f *fakeStore) MarkTelemetryIncomplete(_ context.Context, lapID string, failedBatches []int, _, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incomplete[lapID] = failedBatches
	return nil
}

func (f *fakeStore) Healthy(context.Context) error { return nil }

func (f *fakeStore) laps() []LapRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]LapRow, len(f.lapRows))
	copy(out, f.lapRows)
	return out
}

func (f *fakeStore) pointCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

// timedLap builds a leaderboard-eligible lap with full track coverage.
func timedLap(number int, duration float64, frames int) *laps.Lap {
	pts := make([]telemetry.Frame, frames)
	for i := range pts {
		pts[i] = telemetry.Frame{
			SessionTime: float64(number*1000+i) / 60.0,
			LapDistPct:  float64(i) / float64(frames),
			Speed:       40 + float64(i%20),
			Throttle:    1.0,
		}
	}
	return &laps.Lap{
		Number:              number,
		State:               laps.StateTimed,
		StartTick:           float64(number * 1000 / 60.0),
		EndTick:             float64(number*1000/60.0) + duration,
		Duration:            duration,
		CalculatedDuration:  duration,
		Frames:              pts,
		ValidFromSource:     true,
		ValidForLeaderboard: true,
		CompletedByCounter:  true,
	}
}

func directSaver(t *testing.T, store Store) *Saver {
	t.Helper()
	s := New(store, Config{
		DirectSave:  true,
		FallbackDir: t.TempDir(),
		Logger:      zerolog.Nop(),
	})
	s.SetUserID("user-1")
	s.SetSessionContext(SessionContext{SessionID: "sess-1", TrackID: 11, CarID: 22, SessionType: "Practice"})
	return s
}

func TestSaver_DirectSavePersistsLapAndTelemetry(t *testing.T) {
	store := newFakeStore()
	s := directSaver(t, store)

	s.Enqueue(timedLap(3, 85.5, 250))

	rows := store.laps()
	require.Len(t, rows, 1)
	row := rows[0]
	assert.NotEmpty(t, row.ID)
	assert.Equal(t, "sess-1", row.SessionID)
	assert.Equal(t, 3, row.LapNumber)
	assert.Equal(t, 85.5, row.LapTime)
	assert.Equal(t, string(laps.StateTimed), row.LapType)
	assert.True(t, row.IsValid)
	assert.True(t, row.IsValidForLeaderboard)
	assert.True(t, row.IsPersonalBest, "first valid lap is the best so far")
	assert.Equal(t, "user-1", row.UserID)
	assert.Equal(t, 250, row.Metadata["frame_count"])

	// Session row was ensured before the lap insert.
	require.Len(t, store.sessions, 1)
	assert.Equal(t, "sess-1", store.sessions[0].ID)

	// 250 points in batches of 100: 3 batches, indices 0..2, sorted by
	// track position within and across batches.
	require.Len(t, store.batches, 3)
	assert.Equal(t, 250, store.pointCount())
	assert.Equal(t, 0, store.batches[0][0].BatchIndex)
	assert.Equal(t, 2, store.batches[2][0].BatchIndex)
	last := -1.0
	for _, b := range store.batches {
		for _, p := range b {
			assert.GreaterOrEqual(t, p.TrackPosition, last)
			last = p.TrackPosition
		}
	}

	st := s.Status()
	assert.Equal(t, 1, st.Processed)
	assert.Zero(t, st.Failed)
}

func TestSaver_PersonalBestTracking(t *testing.T) {
	store := newFakeStore()
	s := directSaver(t, store)

	s.Enqueue(timedLap(1, 85.0, 100))
	s.Enqueue(timedLap(2, 80.0, 100))
	s.Enqueue(timedLap(3, 90.0, 100))

	rows := store.laps()
	require.Len(t, rows, 3)
	assert.True(t, rows[0].IsPersonalBest)
	assert.True(t, rows[1].IsPersonalBest)
	assert.False(t, rows[2].IsPersonalBest)
}

func TestSaver_DuplicateLapCountsAsSuccess(t *testing.T) {
	// R1: enqueuing the same lap twice yields exactly one persisted row.
	store := newFakeStore()
	store.insertLapErr = func(row LapRow, call int) error {
		if call > 1 {
			return fmt.Errorf("laps (session_id, lap_number): %w", ErrUniqueViolation)
		}
		return nil
	}
	s := directSaver(t, store)

	lap := timedLap(5, 84.2, 100)
	s.Enqueue(lap)
	firstBatches := len(store.batches)
	s.Enqueue(lap)

	require.Len(t, store.laps(), 1)
	// Telemetry is not re-persisted for the duplicate.
	assert.Equal(t, firstBatches, len(store.batches))

	st := s.Status()
	assert.Equal(t, 2, st.Processed)
	assert.Equal(t, 1, st.Duplicates)
	assert.Zero(t, st.Failed)
}

func TestSaver_CheckViolationCoercesLapType(t *testing.T) {
	store := newFakeStore()
	store.insertLapErr = func(row LapRow, call int) error {
		if row.LapType != string(laps.StateTimed) {
			return fmt.Errorf("laps.lap_type: %w", ErrCheckViolation)
		}
		return nil
	}
	s := directSaver(t, store)

	lap := timedLap(2, 88.0, 100)
	lap.State = laps.StateInvalid // not accepted by the schema's check constraint
	lap.ValidForLeaderboard = false
	s.Enqueue(lap)

	rows := store.laps()
	require.Len(t, rows, 1)
	assert.Equal(t, string(laps.StateTimed), rows[0].LapType)
}

func TestSaver_HeldUntilSessionContext(t *testing.T) {
	store := newFakeStore()
	s := New(store, Config{DirectSave: true, FallbackDir: t.TempDir(), Logger: zerolog.Nop()})
	s.SetUserID("user-1")

	s.Enqueue(timedLap(1, 83.0, 100))
	assert.Empty(t, store.laps(), "lap must wait for the session context")
	assert.Equal(t, 1, s.Status().HeldLaps)

	s.SetSessionContext(SessionContext{SessionID: "sess-9", TrackID: 1, CarID: 2})

	rows := store.laps()
	require.Len(t, rows, 1)
	assert.Equal(t, "sess-9", rows[0].SessionID)
	assert.Zero(t, s.Status().HeldLaps)
}

func TestSaver_RetryCeilingWritesDiskFallback(t *testing.T) {
	// I8: at most three attempts per lap. I10: the fallback file carries
	// every frame assigned to the lap.
	dir := t.TempDir()
	store := newFakeStore()
	store.insertLapErr = func(LapRow, int) error {
		return fmt.Errorf("connection refused: %w", ErrUnavailable)
	}
	s := New(store, Config{DirectSave: true, FallbackDir: dir, Logger: zerolog.Nop()})
	s.SetUserID("user-1")
	s.SetSessionContext(SessionContext{SessionID: "sess-1"})

	lap := timedLap(7, 91.0, 60)
	s.Enqueue(lap)

	assert.Equal(t, 3, store.lapCallCount(), "retry ceiling is three attempts")
	assert.Empty(t, store.laps())

	files, err := filepath.Glob(filepath.Join(dir, "lap_7_*.json"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	var rec fallbackFile
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, 7, rec.LapNumber)
	assert.Equal(t, 91.0, rec.LapTime)
	assert.Len(t, rec.Points, 60)
	assert.Equal(t, lap.Frames[0].SessionTime, rec.Points[0].SessionTime)

	// A further enqueue of the circuit-broken lap is dropped outright.
	s.Enqueue(lap)
	assert.Equal(t, 3, store.lapCallCount())

	st := s.Status()
	assert.Equal(t, 1, st.Failed)
}

func TestSaver_ValidationFailureGoesToDisk(t *testing.T) {
	dir := t.TempDir()
	store := newFakeStore()
	s := New(store, Config{DirectSave: true, FallbackDir: dir, Logger: zerolog.Nop()})
	s.SetUserID("user-1")
	s.SetSessionContext(SessionContext{SessionID: "sess-1"})

	// A TIMED lap with 8 frames is far below the 20-frame minimum.
	s.Enqueue(timedLap(4, 83.0, 8))

	assert.Empty(t, store.laps())
	files, _ := filepath.Glob(filepath.Join(dir, "lap_4_*.json"))
	assert.Len(t, files, 1)
	assert.Equal(t, 1, s.Status().Skipped)
}

func TestSaver_PersistInvalidLapsKeepsMarker(t *testing.T) {
	store := newFakeStore()
	s := New(store, Config{
		DirectSave:         true,
		PersistInvalidLaps: true,
		FallbackDir:        t.TempDir(),
		Logger:             zerolog.Nop(),
	})
	s.SetUserID("user-1")
	s.SetSessionContext(SessionContext{SessionID: "sess-1"})

	s.Enqueue(timedLap(4, 83.0, 8))

	rows := store.laps()
	require.Len(t, rows, 1)
	assert.False(t, rows[0].IsValid)
	assert.False(t, rows[0].IsValidForLeaderboard)
	assert.Equal(t, true, rows[0].Metadata["telemetry_incomplete"])
}

func TestSaver_TelemetryBatchFailureMarksLap(t *testing.T) {
	store := newFakeStore()
	// Batch index 1 fails on every attempt; others succeed.
	store.batchErr = func(batch []TelemetryPoint, _ int) error {
		if len(batch) > 0 && batch[0].BatchIndex == 1 {
			return fmt.Errorf("write timeout: %w", ErrUnavailable)
		}
		return nil
	}
	s := directSaver(t, store)

	s.Enqueue(timedLap(6, 86.0, 250))

	rows := store.laps()
	require.Len(t, rows, 1, "the lap itself remains persisted")
	assert.Equal(t, []int{1}, store.incomplete[rows[0].ID])
	// Batches 0 and 2 made it: 100 + 50 = 150 of 250 points.
	assert.Equal(t, 150, store.pointCount())
	assert.Zero(t, s.Status().Failed)
}

func TestSaver_SectorJoinFromBuffer(t *testing.T) {
	store := newFakeStore()
	s := directSaver(t, store)

	s.PushSectorData(SectorData{
		LapNumber:         9,
		CompletionFrameID: 9100,
		SectorTimes:       []float64{28.1, 30.2, 27.3},
	})

	s.Enqueue(timedLap(9, 85.6, 100))

	rows := store.laps()
	require.Len(t, rows, 1)
	assert.Equal(t, []float64{28.1, 30.2, 27.3}, rows[0].SectorTimes)
}

func TestSaver_SectorJoinByFrameRange(t *testing.T) {
	store := newFakeStore()
	s := directSaver(t, store)

	lap := timedLap(9, 85.6, 100)
	// Feed recorded the split under a drifted lap number; the completion
	// tick falls just after the lap's end, inside the lookup slack.
	s.PushSectorData(SectorData{
		LapNumber:         42,
		CompletionFrameID: int64(lap.EndTick) + 2,
		SectorTimes:       []float64{29.0, 28.5, 28.1},
	})

	s.Enqueue(lap)

	rows := store.laps()
	require.Len(t, rows, 1)
	assert.Equal(t, []float64{29.0, 28.5, 28.1}, rows[0].SectorTimes)
}

func TestSaver_WorkerPathPersistsAsynchronously(t *testing.T) {
	store := newFakeStore()
	s := New(store, Config{FallbackDir: t.TempDir(), Logger: zerolog.Nop()})
	s.SetUserID("user-1")
	s.SetSessionContext(SessionContext{SessionID: "sess-1"})
	s.Start()
	defer s.Stop()

	s.Enqueue(timedLap(1, 84.0, 100))

	require.Eventually(t, func() bool {
		return len(store.laps()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, s.Status().Processed)
}

func TestSaver_QueueFullFallsBackToDirectSave(t *testing.T) {
	// B5: with the worker wedged and the queue full, Enqueue saves
	// synchronously so the frame loop never drops a lap.
	store := newFakeStore()
	gate := make(chan struct{})
	var once sync.Once
	store.insertLapErr = func(row LapRow, call int) error {
		if call == 1 {
			<-gate // wedge the worker on its first lap
		}
		return nil
	}
	defer once.Do(func() { close(gate) })

	s := New(store, Config{QueueCapacity: 1, FallbackDir: t.TempDir(), Logger: zerolog.Nop()})
	s.SetUserID("user-1")
	s.SetSessionContext(SessionContext{SessionID: "sess-1"})
	s.Start()
	defer s.Stop()

	s.Enqueue(timedLap(1, 84.0, 100)) // worker takes this and blocks
	require.Eventually(t, func() bool { return store.lapCallCount() >= 1 }, 2*time.Second, 5*time.Millisecond)
	s.Enqueue(timedLap(2, 84.1, 100)) // fills the queue
	s.Enqueue(timedLap(3, 84.2, 100)) // queue full: direct save on this goroutine

	require.Eventually(t, func() bool {
		for _, r := range store.laps() {
			if r.LapNumber == 3 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	once.Do(func() { close(gate) })
	require.Eventually(t, func() bool { return len(store.laps()) == 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestSaver_FinalizeSessionDrainsAndTearsDown(t *testing.T) {
	store := newFakeStore()
	s := New(store, Config{FallbackDir: t.TempDir(), Logger: zerolog.Nop()})
	s.SetUserID("user-1")
	s.SetSessionContext(SessionContext{SessionID: "sess-1"})
	s.Start()
	defer s.Stop()

	for i := 1; i <= 5; i++ {
		s.Enqueue(timedLap(i, 84.0+float64(i), 100))
	}
	s.FinalizeSession()

	assert.Len(t, store.laps(), 5)

	// R2-adjacent: teardown leaves no residual session state.
	sess, _ := s.sessionSnapshot()
	assert.Nil(t, sess)
	assert.Zero(t, s.Status().Pending)

	// A lap arriving after teardown is held again, not misattributed.
	s.Enqueue(timedLap(6, 99.0, 100))
	require.Eventually(t, func() bool { return s.Status().HeldLaps == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSaver_SetContextThenFinalizeIsNoOp(t *testing.T) {
	// R2: set_session_context followed by finalize with no laps leaves no
	// residual state.
	store := newFakeStore()
	s := New(store, Config{DirectSave: true, FallbackDir: t.TempDir(), Logger: zerolog.Nop()})
	s.SetUserID("user-1")
	s.SetSessionContext(SessionContext{SessionID: "sess-1"})
	s.FinalizeSession()

	assert.Empty(t, store.laps())
	assert.Empty(t, store.sessions)
	sess, _ := s.sessionSnapshot()
	assert.Nil(t, sess)
	st := s.Status()
	assert.Zero(t, st.Processed+st.Failed+st.Skipped+st.Pending+st.HeldLaps)
}

func TestSaver_AuthProviderGatesSaves(t *testing.T) {
	store := newFakeStore()
	authed := false
	s := New(store, Config{
		DirectSave:  true,
		FallbackDir: t.TempDir(),
		Auth:        func() User { return User{ID: "auth-user", Authenticated: authed} },
		Logger:      zerolog.Nop(),
	})
	s.SetSessionContext(SessionContext{SessionID: "sess-1"})

	// Unauthenticated: the lap burns its retry budget and ends on disk.
	s.Enqueue(timedLap(1, 84.0, 100))
	assert.Empty(t, store.laps())

	// Authenticated with no explicit user id: rows carry the auth user.
	authed = true
	s.Enqueue(timedLap(2, 84.5, 100))
	rows := store.laps()
	require.Len(t, rows, 1)
	assert.Equal(t, "auth-user", rows[0].UserID)
}

func TestSaver_SequenceGapRecorded(t *testing.T) {
	store := newFakeStore()
	s := directSaver(t, store)

	s.Enqueue(timedLap(1, 84.0, 100))
	s.Enqueue(timedLap(2, 84.0, 100))
	s.Enqueue(timedLap(5, 84.0, 100)) // laps 3-4 never arrived

	st := s.Status()
	require.Len(t, st.SequenceGaps, 1)
	assert.Equal(t, 3, st.SequenceGaps[0].From)
	assert.Equal(t, 4, st.SequenceGaps[0].To)
}
