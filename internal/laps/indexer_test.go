package laps

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexdata/lapreport/internal/telemetry"
)

const hz = 60.0

// collector gathers laps emitted through the indexer callback.
type collector struct {
	laps []*Lap
}

func (c *collector) onLap(l *Lap) { c.laps = append(c.laps, l) }

func newTestIndexer(c *collector) *Indexer {
	return NewIndexer(Config{
		OnLap:  c.onLap,
		Logger: zerolog.Nop(),
	})
}

// lapFrame builds a frame at the given frame index (60 Hz).
func lapFrame(idx int, completed int, dist float64, mutate ...func(*telemetry.Frame)) telemetry.Frame {
	f := telemetry.Frame{
		SessionTime:   float64(idx) / hz,
		LapsCompleted: completed,
		CurrentLap:    completed + 1,
		LapDistPct:    dist,
		Speed:         50,
	}
	for _, m := range mutate {
		m(&f)
	}
	return f
}

func onPit(f *telemetry.Frame)       { f.OnPitRoad = true }
func invalidated(f *telemetry.Frame) { f.LapInvalidated = true }

func carTime(v float64) func(*telemetry.Frame) {
	return func(f *telemetry.Frame) { f.CarLastLapTime = v }
}
func globalTime(v float64) func(*telemetry.Frame) {
	return func(f *telemetry.Frame) { f.LastLapTime = v }
}

// driveLap feeds frames for one full lap: dist sweeps 0..1 over n frames,
// starting at frame index start with the given completed counter.
func driveLap(ix *Indexer, start, n, completed int, mutate ...func(*telemetry.Frame)) int {
	for i := 0; i < n; i++ {
		dist := float64(i) / float64(n)
		ix.OnFrame(lapFrame(start+i, completed, dist, mutate...))
	}
	return start + n
}

func TestIndexer_HappyPathWithDeferredTiming(t *testing.T) {
	// S1/S2: warm-up lap from the pit box, counter 0->1 at the line, the
	// per-car time appears three seconds later.
	c := &collector{}
	ix := newTestIndexer(c)

	// Warm-up lap starts on pit road.
	ix.OnFrame(lapFrame(0, 0, 0.0, onPit))
	next := driveLap(ix, 1, 179, 0)

	// Crossing: counter increments, distance wraps, per-car time still 0.
	ix.OnFrame(lapFrame(next, 1, 0.02))
	next++

	// S2: no emission until the settle delay has elapsed.
	assert.Empty(t, c.laps, "lap must be held pending until timing settles")
	assert.Equal(t, 1, ix.PendingLap())

	// ~2 seconds of the next lap: still pending.
	for i := 0; i < 120; i++ {
		ix.OnFrame(lapFrame(next, 1, 0.02+float64(i)*0.001))
		next++
	}
	assert.Empty(t, c.laps)

	// Past 3 s the settled per-car time is read.
	for i := 0; i < 70 && len(c.laps) == 0; i++ {
		ix.OnFrame(lapFrame(next, 1, 0.15+float64(i)*0.001, carTime(83.456)))
		next++
	}

	require.Len(t, c.laps, 1)
	lap := c.laps[0]
	assert.Equal(t, 1, lap.Number)
	assert.Equal(t, 83.456, lap.Duration)
	// Started on pit road: OUT regardless of the positive time.
	assert.Equal(t, StateOut, lap.State)
	assert.False(t, lap.ValidForLeaderboard)
	assert.True(t, lap.StartedOnPitRoad)
	assert.InDelta(t, 180, lap.FrameCount(), 5)
}

func TestIndexer_TimedLapIsLeaderboardValid(t *testing.T) {
	c := &collector{}
	ix := newTestIndexer(c)

	// Flying lap: no pit involvement at all.
	next := driveLap(ix, 0, 180, 3)
	ix.OnFrame(lapFrame(next, 4, 0.01))
	next++
	for i := 0; i < 200 && len(c.laps) == 0; i++ {
		ix.OnFrame(lapFrame(next, 4, 0.02+float64(i)*0.001, carTime(83.456)))
		next++
	}

	require.Len(t, c.laps, 1)
	assert.Equal(t, StateTimed, c.laps[0].State)
	assert.True(t, c.laps[0].ValidFromSource)
	assert.True(t, c.laps[0].ValidForLeaderboard)
}

func TestIndexer_PitRoadOverride(t *testing.T) {
	// S3: lap started on pit road finishes with a positive time; the pit
	// start still wins.
	c := &collector{}
	ix := newTestIndexer(c)

	ix.OnFrame(lapFrame(0, 1, 0.0, onPit))
	next := driveLap(ix, 1, 499, 1, onPit)
	ix.OnFrame(lapFrame(next, 2, 0.01))
	next++
	for i := 0; i < 250 && len(c.laps) == 0; i++ {
		ix.OnFrame(lapFrame(next, 2, 0.02+float64(i)*0.0005, carTime(42.0)))
		next++
	}

	require.Len(t, c.laps, 1)
	assert.Equal(t, 2, c.laps[0].Number)
	assert.Equal(t, StateOut, c.laps[0].State)
	assert.Equal(t, 42.0, c.laps[0].Duration)
	assert.False(t, c.laps[0].ValidForLeaderboard)
}

func TestIndexer_InvalidationIsSticky(t *testing.T) {
	// S4: one invalidated frame mid-lap poisons leaderboard validity even
	// though later frames clear the flag.
	c := &collector{}
	ix := newTestIndexer(c)

	for i := 0; i < 300; i++ {
		dist := float64(i) / 300
		if i == 150 {
			ix.OnFrame(lapFrame(i, 2, dist, invalidated))
			continue
		}
		ix.OnFrame(lapFrame(i, 2, dist))
	}
	ix.OnFrame(lapFrame(300, 3, 0.01))
	next := 301
	for i := 0; i < 250 && len(c.laps) == 0; i++ {
		ix.OnFrame(lapFrame(next, 3, 0.02+float64(i)*0.001, carTime(96.2)))
		next++
	}

	require.Len(t, c.laps, 1)
	lap := c.laps[0]
	assert.Equal(t, StateTimed, lap.State)
	assert.False(t, lap.ValidFromSource)
	assert.False(t, lap.ValidForLeaderboard)
}

func TestIndexer_MultiIncrementRecovery(t *testing.T) {
	// S5/B4: counter jumps 3 -> 5; the active lap closes immediately with
	// the global fallback time and the sim's driving lap begins tracking.
	c := &collector{}
	ix := newTestIndexer(c)

	next := driveLap(ix, 0, 100, 3)

	gap := lapFrame(next, 5, 0.01, globalTime(88.8))
	gap.CurrentLap = 5
	ix.OnFrame(gap)

	require.Len(t, c.laps, 1, "recovery must finalize immediately, no settle delay")
	lap := c.laps[0]
	assert.Equal(t, 4, lap.Number)
	assert.Equal(t, 88.8, lap.Duration)
	assert.Equal(t, StateTimed, lap.State)
	assert.True(t, lap.CompletedByCounter)
	assert.Equal(t, -1, ix.PendingLap())
}

func TestIndexer_HugeGapReinitializes(t *testing.T) {
	c := &collector{}
	ix := newTestIndexer(c)

	next := driveLap(ix, 0, 100, 3)
	jump := lapFrame(next, 20, 0.4)
	jump.CurrentLap = 21
	ix.OnFrame(jump)

	// Anomalous gap: nothing emitted, tracking restarts at the sim's lap.
	assert.Empty(t, c.laps)
	assert.Equal(t, 21, ix.active.number)
}

func TestIndexer_SessionReset(t *testing.T) {
	// S6/B3: sim resets to lap 0; active state is discarded without
	// emission and the next frame reinitializes.
	c := &collector{}
	ix := newTestIndexer(c)

	next := driveLap(ix, 0, 400, 12)
	require.NotNil(t, ix.active)

	reset := telemetry.Frame{SessionTime: float64(next) / hz, LapsCompleted: 0, CurrentLap: 0}
	ix.OnFrame(reset)

	assert.Empty(t, c.laps)
	assert.Nil(t, ix.active)
	assert.Equal(t, -1, ix.PendingLap())

	// Next frame (restarted session clock) reinitializes cleanly.
	ix.OnFrame(telemetry.Frame{SessionTime: 0.5, LapsCompleted: 0, CurrentLap: 1, LapDistPct: 0.01})
	require.NotNil(t, ix.active)
	assert.Equal(t, 1, ix.active.number)
}

func TestIndexer_BackwardCounterIsReset(t *testing.T) {
	c := &collector{}
	ix := newTestIndexer(c)

	next := driveLap(ix, 0, 100, 8)
	back := lapFrame(next, 5, 0.2)
	ix.OnFrame(back)

	assert.Nil(t, ix.active)
	assert.Empty(t, c.laps)
}

func TestIndexer_FirstFrameFreshSession(t *testing.T) {
	// B1: counter 0, distance ~0 -> tracked lap becomes 1.
	ix := newTestIndexer(&collector{})
	ix.OnFrame(lapFrame(0, 0, 0.01))
	require.NotNil(t, ix.active)
	assert.Equal(t, 1, ix.active.number)
	assert.Equal(t, StateTimed, ix.active.provisional)
}

func TestIndexer_FirstFrameMidSessionJoin(t *testing.T) {
	// B2: counter 5, distance 0.3 -> tracked lap 6, provisional OUT.
	ix := newTestIndexer(&collector{})
	f := lapFrame(0, 5, 0.3)
	f.CurrentLap = 6
	ix.OnFrame(f)
	require.NotNil(t, ix.active)
	assert.Equal(t, 6, ix.active.number)
	assert.Equal(t, StateOut, ix.active.provisional)
	// Joined mid-lap: collection starts at the join frame.
	assert.Len(t, ix.active.frames, 1)
}

func TestIndexer_OutOfOrderFrameDropped(t *testing.T) {
	ix := newTestIndexer(&collector{})
	ix.OnFrame(lapFrame(100, 2, 0.5))
	before := len(ix.active.frames)

	stale := lapFrame(50, 2, 0.4)
	ix.OnFrame(stale)
	assert.Len(t, ix.active.frames, before, "stale frame must be dropped silently")
}

func TestIndexer_SessionEndFinalize(t *testing.T) {
	// An interrupted lap flushes as INCOMPLETE with the calculated
	// duration; the stale per-car field is ignored.
	c := &collector{}
	ix := newTestIndexer(c)

	driveLap(ix, 0, 120, 7, carTime(83.0))
	ix.Finalize()

	require.Len(t, c.laps, 1)
	lap := c.laps[0]
	assert.Equal(t, StateIncomplete, lap.State)
	assert.False(t, lap.CompletedByCounter)
	assert.InDelta(t, 119.0/hz, lap.Duration, 0.01)

	// R2-adjacent: finalize left no residual state.
	assert.Nil(t, ix.active)
	assert.Equal(t, -1, ix.PendingLap())

	// Finalize with nothing active is a no-op.
	ix.Finalize()
	assert.Len(t, c.laps, 1)
}

func TestIndexer_FinalizeFlushesPendingWithCalculatedTime(t *testing.T) {
	c := &collector{}
	ix := newTestIndexer(c)

	next := driveLap(ix, 0, 180, 2)
	ix.OnFrame(lapFrame(next, 3, 0.01))
	require.Equal(t, 3, ix.PendingLap())

	ix.Finalize()

	// Pending lap and the freshly-started lap both flush.
	require.Len(t, c.laps, 2)
	assert.Equal(t, 3, c.laps[0].Number)
	assert.InDelta(t, 180.0/hz, c.laps[0].Duration, 0.1)
}

func TestIndexer_ShortLapResolvedBeforeNextCompletion(t *testing.T) {
	// A completion arriving inside the previous lap's settle window must
	// not lose the held lap.
	c := &collector{}
	ix := newTestIndexer(c)

	next := driveLap(ix, 0, 100, 4)
	ix.OnFrame(lapFrame(next, 5, 0.01))
	next++
	// Half a second later (inside the settle window) another completion.
	f := lapFrame(next+30, 6, 0.01, globalTime(30.5))
	f.CurrentLap = 7
	ix.OnFrame(f)

	require.Len(t, c.laps, 1)
	assert.Equal(t, 5, c.laps[0].Number)
}

func TestIndexer_LapsAccessorReturnsEmitted(t *testing.T) {
	c := &collector{}
	ix := newTestIndexer(c)

	next := driveLap(ix, 0, 120, 1)
	ix.OnFrame(lapFrame(next, 2, 0.01))
	ix.Finalize()

	assert.Equal(t, len(c.laps), len(ix.Laps()))

	ix.Reset()
	assert.Empty(t, ix.Laps())
}
