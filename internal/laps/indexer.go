package laps

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/apexdata/lapreport/internal/monitoring"
	"github.com/apexdata/lapreport/internal/telemetry"
)

// Config holds tuning for the Indexer.
type Config struct {
	// RingCapacity sizes the boundary-recovery frame ring
	// (default telemetry.DefaultRingCapacity).
	RingCapacity int
	// TimingSettleDelay is how long after a detected completion to wait
	// before reading the per-car last-lap-time, in session seconds. The
	// sim updates that field up to ~3 s after the counter increments.
	TimingSettleDelay float64
	// MaxRecoverableGap is the largest counter jump reconstructed as
	// missed completions; anything larger is treated as a session anomaly.
	MaxRecoverableGap int
	// OnLap receives every finalized lap. Must not block: it runs on the
	// frame goroutine. Wiring decides whether it enqueues or saves inline.
	OnLap  func(*Lap)
	Logger zerolog.Logger
}

// Indexer consumes telemetry frames and emits finalized lap records.
//
// It is single-threaded: OnFrame, Finalize and Reset must be called from one
// goroutine. It never blocks and holds no reference to persistence; emission
// happens through the OnLap callback only.
type Indexer struct {
	cfg     Config
	logger  zerolog.Logger
	limiter *monitoring.Limiter

	ring    *telemetry.Ring
	active  *activeLap
	pending *pendingCompletion

	initialized     bool
	lastCompleted   int
	prevSessionTime float64
	hasPrev         bool

	finalized []*Lap
}

// activeLap is the lap currently collecting frames. Owned exclusively by the
// indexer; one instance at a time.
type activeLap struct {
	number       int // the lap that will complete NEXT
	startTick    float64
	frames       []telemetry.Frame
	seenInvalid  bool // sticky: any frame flagged invalid during this lap
	startedOnPit bool // captured at lap start, never mutated
	provisional  State
}

// pendingCompletion holds a completed lap's snapshot during the window
// between boundary detection and the per-car timing becoming readable.
type pendingCompletion struct {
	number       int
	frames       []telemetry.Frame
	startTick    float64
	endTick      float64
	startedOnPit bool
	endedOnPit   bool
	seenInvalid  bool
	completedAt  float64 // session time when the counter incremented
}

// NewIndexer returns an Indexer with the given configuration.
func NewIndexer(cfg Config) *Indexer {
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = telemetry.DefaultRingCapacity
	}
	if cfg.TimingSettleDelay <= 0 {
		cfg.TimingSettleDelay = 3.0
	}
	if cfg.MaxRecoverableGap <= 0 {
		cfg.MaxRecoverableGap = 10
	}
	return &Indexer{
		cfg:     cfg,
		logger:  cfg.Logger,
		limiter: monitoring.NewLimiter(5 * time.Second),
		ring:    telemetry.NewRing(cfg.RingCapacity),
	}
}

// OnFrame processes one telemetry frame. Returns immediately; completed laps
// are delivered through the OnLap callback, possibly several frames after
// the boundary because of the timing settle delay.
func (i *Indexer) OnFrame(f telemetry.Frame) {
	// Session reset and backward counter jumps are detected before the
	// out-of-order drop: a reset restarts session time, and those frames
	// must not be eaten by the monotonicity check.
	if i.initialized {
		if f.CurrentLap == 0 && f.LapsCompleted == 0 && i.trackingLap() > 0 {
			i.logger.Warn().Int("tracking", i.trackingLap()).Msg("session reset detected, clearing lap state")
			i.resetSession()
			return
		}
		if f.LapsCompleted < i.lastCompleted {
			i.logger.Warn().
				Int("was", i.lastCompleted).
				Int("now", f.LapsCompleted).
				Msg("lap counter moved backwards, treating as session reset")
			i.resetSession()
			return
		}
	}

	if i.hasPrev && f.SessionTime < i.prevSessionTime {
		// Out-of-order frame: drop silently.
		return
	}

	i.ring.Append(f)

	if !i.initialized {
		i.initialize(f)
		i.noteFrame(f)
		return
	}

	// Deferred timing resolution: the per-car last-lap-time has settled by
	// now, so the pending lap can be finalized with the authoritative time.
	if i.pending != nil && f.SessionTime-i.pending.completedAt >= i.cfg.TimingSettleDelay {
		i.resolvePending(primaryTiming(f))
	}

	inc := f.LapsCompleted - i.lastCompleted
	switch {
	case inc == 1:
		i.singleIncrement(f)
	case inc > 1:
		i.multiIncrement(f, inc)
	default:
		if i.active != nil {
			i.active.frames = append(i.active.frames, f)
		}
	}

	if f.LapInvalidated && i.active != nil && !i.active.seenInvalid {
		i.logger.Info().Int("lap", i.active.number).Msg("lap flagged invalid by sim")
		i.active.seenInvalid = true
	}

	i.validateSync(f)
	i.noteFrame(f)
}

// trackingLap returns the active lap number, or -1 when nothing is tracked.
func (i *Indexer) trackingLap() int {
	if i.active == nil {
		return -1
	}
	return i.active.number
}

func (i *Indexer) noteFrame(f telemetry.Frame) {
	i.lastCompleted = f.LapsCompleted
	i.prevSessionTime = f.SessionTime
	i.hasPrev = true
}

// primaryTiming returns the per-car last-lap-time, falling back to the
// global field when the per-car value is absent.
func primaryTiming(f telemetry.Frame) float64 {
	if f.CarLastLapTime != 0 {
		return f.CarLastLapTime
	}
	return f.LastLapTime
}

// initialize starts tracking from the first frame of a session (or of a
// mid-session join). The internal lap number is the lap that will complete
// next: laps-completed + 1.
func (i *Indexer) initialize(f telemetry.Frame) {
	midJoin := f.LapsCompleted > 0
	track := f.LapsCompleted + 1

	var frames []telemetry.Frame
	var startTick float64
	if midJoin && (f.LapDistPct > 0.1 || f.OnPitRoad) {
		// Joining mid-lap: collection starts here, there is no earlier
		// history worth recovering.
		frames = []telemetry.Frame{f}
		startTick = f.SessionTime
	} else {
		frames, startTick = i.ring.RecoverLapStart(f)
	}

	i.startLap(track, startTick, f, frames, midJoin)
	i.initialized = true
	i.logger.Info().
		Int("lap", track).
		Bool("mid_session_join", midJoin).
		Float64("dist_pct", f.LapDistPct).
		Msg("lap tracking initialized")
}

// singleIncrement handles the normal completion case: snapshot the finished
// lap for deferred timing and immediately begin collecting the next one.
func (i *Indexer) singleIncrement(f telemetry.Frame) {
	if i.pending != nil {
		// A second completion arrived before the first one's timing
		// settled (very short lap). Resolve the old one with whatever
		// the timing fields hold now rather than losing it.
		i.logger.Warn().Int("lap", i.pending.number).Msg("completion arrived before pending lap settled")
		i.resolvePending(primaryTiming(f))
	}

	if i.active != nil {
		frames := make([]telemetry.Frame, len(i.active.frames))
		copy(frames, i.active.frames)
		i.pending = &pendingCompletion{
			number:       f.LapsCompleted,
			frames:       frames,
			startTick:    i.active.startTick,
			endTick:      f.SessionTime,
			startedOnPit: i.active.startedOnPit,
			endedOnPit:   f.OnPitRoad,
			seenInvalid:  i.active.seenInvalid,
			completedAt:  f.SessionTime,
		}
	}

	frames, startTick := i.ring.RecoverLapStart(f)
	i.startLap(f.CurrentLap, startTick, f, frames, false)
}

// multiIncrement handles missed boundaries: the finished lap is closed
// immediately with the global fallback timing, since the per-car field can
// no longer be matched to a specific crossing.
func (i *Indexer) multiIncrement(f telemetry.Frame, inc int) {
	i.logger.Warn().
		Int("missed", inc).
		Int("completed", f.LapsCompleted).
		Msg("missed lap completions detected")

	if i.pending != nil {
		i.resolvePending(primaryTiming(f))
	}

	if inc > i.cfg.MaxRecoverableGap {
		// A gap this large is a session anomaly, not missed polling.
		// Reinitialize rather than reconstructing.
		i.logger.Warn().Int("gap", inc).Msg("counter gap too large, reinitializing lap tracking")
		i.startLap(f.CurrentLap, f.SessionTime, f, []telemetry.Frame{f}, false)
		return
	}

	if i.active != nil {
		// The active lap is closed under its own number; the wholly-missed
		// laps in the gap have no frames and surface as sequence gaps
		// downstream.
		i.active.frames = append(i.active.frames, f)
		i.finalizeLap(finalizeInput{
			number:       i.active.number,
			frames:       i.active.frames,
			startTick:    i.active.startTick,
			endTick:      f.SessionTime,
			startedOnPit: i.active.startedOnPit,
			endedOnPit:   f.OnPitRoad,
			seenInvalid:  i.active.seenInvalid,
			primary:      f.LastLapTime,
		})
	}

	i.startLap(f.CurrentLap, f.SessionTime, f, []telemetry.Frame{f}, false)
}

// startLap begins collecting a new active lap.
func (i *Indexer) startLap(number int, startTick float64, f telemetry.Frame, seed []telemetry.Frame, midJoin bool) {
	if number < 0 {
		i.logger.Warn().Int("lap", number).Msg("refusing to start invalid lap number")
		return
	}
	frames := make([]telemetry.Frame, len(seed))
	copy(frames, seed)
	i.active = &activeLap{
		number:       number,
		startTick:    startTick,
		frames:       frames,
		seenInvalid:  f.LapInvalidated,
		startedOnPit: f.OnPitRoad,
		provisional:  provisionalState(number, f.OnPitRoad, f.LapDistPct, midJoin),
	}
	i.logger.Debug().
		Int("lap", number).
		Str("provisional", string(i.active.provisional)).
		Float64("start_tick", startTick).
		Int("seed_frames", len(frames)).
		Msg("started collecting lap")
}

// validateSync asserts the active lap number matches the sim's current
// driving lap, force-adopting the sim's value when substantially off.
func (i *Indexer) validateSync(f telemetry.Frame) {
	if i.active == nil || f.CurrentLap <= 0 || i.active.number == f.CurrentLap {
		return
	}
	if i.limiter.Allow("lap-desync") {
		i.logger.Warn().
			Int("tracking", i.active.number).
			Int("driving", f.CurrentLap).
			Int("frames", len(i.active.frames)).
			Msg("lap number out of sync with sim")
	}
	diff := i.active.number - f.CurrentLap
	if diff < 0 {
		diff = -diff
	}
	if diff > 1 && len(i.active.frames) > 10 {
		i.logger.Warn().
			Int("from", i.active.number).
			Int("to", f.CurrentLap).
			Msg("forcing lap number sync")
		i.active.number = f.CurrentLap
	}
}

// resolvePending finalizes the held completion with the now-settled timing.
func (i *Indexer) resolvePending(primary float64) {
	p := i.pending
	i.pending = nil
	i.finalizeLap(finalizeInput{
		number:       p.number,
		frames:       p.frames,
		startTick:    p.startTick,
		endTick:      p.endTick,
		startedOnPit: p.startedOnPit,
		endedOnPit:   p.endedOnPit,
		seenInvalid:  p.seenInvalid,
		primary:      primary,
	})
}

type finalizeInput struct {
	number       int
	frames       []telemetry.Frame
	startTick    float64
	endTick      float64
	startedOnPit bool
	endedOnPit   bool
	seenInvalid  bool
	primary      float64
	sessionEnd   bool
}

// finalizeLap builds the immutable lap record and emits it.
func (i *Indexer) finalizeLap(in finalizeInput) {
	if len(in.frames) == 0 {
		i.logger.Warn().Int("lap", in.number).Msg("refusing to finalize lap with no frames")
		return
	}

	calculated := in.endTick - in.startTick
	signed, src := selectDuration(in.primary, calculated, in.sessionEnd)
	duration := signed
	if duration < 0 {
		duration = -duration
	}

	if src == sourcePrimary {
		if d := calculated - in.primary; d > timingDiscrepancyLog || d < -timingDiscrepancyLog {
			i.logger.Debug().
				Int("lap", in.number).
				Float64("primary", in.primary).
				Float64("calculated", calculated).
				Msg("timing sources disagree")
		}
	}

	state := finalState(in.number, in.startedOnPit, in.sessionEnd, in.primary)
	validFromSource := !in.seenInvalid

	frames := make([]telemetry.Frame, len(in.frames))
	copy(frames, in.frames)

	lap := &Lap{
		Number:              in.number,
		State:               state,
		StartTick:           in.startTick,
		EndTick:             in.endTick,
		Duration:            duration,
		CalculatedDuration:  calculated,
		Frames:              frames,
		ValidFromSource:     validFromSource,
		ValidForLeaderboard: state == StateTimed && validFromSource,
		StartedOnPitRoad:    in.startedOnPit,
		EndedOnPitRoad:      in.endedOnPit,
		CompletedByCounter:  !in.sessionEnd,
	}

	i.finalized = append(i.finalized, lap)
	i.logger.Info().
		Int("lap", lap.Number).
		Str("state", string(lap.State)).
		Float64("duration", lap.Duration).
		Int("frames", len(lap.Frames)).
		Msg("lap finalized")

	if i.cfg.OnLap != nil {
		i.cfg.OnLap(lap)
	}
}

// Finalize flushes session state at session end. The pending completion (if
// any) and the active lap are emitted using calculated durations; the
// per-car timing field is stale at this point. The indexer is then ready to
// reinitialize on the next frame.
func (i *Indexer) Finalize() {
	if i.pending != nil {
		p := i.pending
		i.pending = nil
		i.finalizeLap(finalizeInput{
			number:       p.number,
			frames:       p.frames,
			startTick:    p.startTick,
			endTick:      p.endTick,
			startedOnPit: p.startedOnPit,
			endedOnPit:   p.endedOnPit,
			seenInvalid:  p.seenInvalid,
			sessionEnd:   true,
		})
	}

	if i.active != nil && len(i.active.frames) > 0 {
		last := i.active.frames[len(i.active.frames)-1]
		i.finalizeLap(finalizeInput{
			number:       i.active.number,
			frames:       i.active.frames,
			startTick:    i.active.startTick,
			endTick:      last.SessionTime,
			startedOnPit: i.active.startedOnPit,
			endedOnPit:   last.OnPitRoad,
			seenInvalid:  i.active.seenInvalid,
			sessionEnd:   true,
		})
	}

	i.resetSession()
}

// resetSession clears per-session tracking state but keeps emitted laps.
func (i *Indexer) resetSession() {
	i.active = nil
	i.pending = nil
	i.initialized = false
	i.hasPrev = false
	i.ring = telemetry.NewRing(i.cfg.RingCapacity)
}

// Reset clears all state including emitted laps, for reuse across sessions.
func (i *Indexer) Reset() {
	i.resetSession()
	i.finalized = nil
}

// Laps returns the laps finalized so far, for diagnostics.
func (i *Indexer) Laps() []*Lap {
	out := make([]*Lap, len(i.finalized))
	copy(out, i.finalized)
	return out
}

// PendingLap returns the lap number held for deferred timing, or -1.
func (i *Indexer) PendingLap() int {
	if i.pending == nil {
		return -1
	}
	return i.pending.number
}
