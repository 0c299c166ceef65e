// Package laps turns a stream of telemetry frames into finalized lap
// records. The indexer trusts the simulator's own lap counters exclusively:
// when the laps-completed counter increments, the lap being collected just
// finished; the authoritative lap time for it arrives in the per-car
// last-lap-time field a few seconds later, so completion and timing are
// resolved in two steps.
package laps

import "github.com/apexdata/lapreport/internal/telemetry"

// State classifies the character of a lap.
type State string

const (
	StateIncomplete State = "INCOMPLETE" // cut short by session end, or zero-time reporting
	StateTimed      State = "TIMED"      // normal flying lap, leaderboard-eligible
	StateOut        State = "OUT"        // pit exit, negative sim time or started on pit road
	StateIn         State = "IN"         // pit entry, positive time but not leaderboard-eligible
	StateInvalid    State = "INVALID"    // rejected by validation downstream
)

// Lap is a finalized lap record. Immutable once emitted by the indexer.
type Lap struct {
	// Number is the sim's count for the completed lap (0 = warm-up out-lap).
	Number int
	State  State

	StartTick float64
	EndTick   float64
	// Duration is the authoritative lap time in seconds. For OUT laps
	// classified by a negative sim time this holds the absolute value.
	Duration float64
	// CalculatedDuration is EndTick-StartTick, kept for diagnostics.
	CalculatedDuration float64

	Frames []telemetry.Frame

	// ValidFromSource is true iff the sim never flagged the lap invalid.
	ValidFromSource bool
	// ValidForLeaderboard is true iff State is TIMED and ValidFromSource.
	ValidForLeaderboard bool

	StartedOnPitRoad bool
	EndedOnPitRoad   bool

	// SectorTimes is populated when the sector-timing feed delivered a
	// complete split for this lap in time; nil otherwise.
	SectorTimes []float64

	// CompletedByCounter is false only for laps flushed at session end.
	CompletedByCounter bool
}

// FrameCount returns the number of telemetry frames assigned to the lap.
func (l *Lap) FrameCount() int { return len(l.Frames) }

// TrackCoverage returns the fraction of the 0.0-1.0 distance range the
// lap's frames represent, bucketed at 1% resolution.
func (l *Lap) TrackCoverage() float64 {
	if len(l.Frames) == 0 {
		return 0
	}
	var seen [100]bool
	covered := 0
	for _, f := range l.Frames {
		b := int(f.LapDistPct * 100)
		if b < 0 {
			b = 0
		}
		if b > 99 {
			b = 99
		}
		if !seen[b] {
			seen[b] = true
			covered++
		}
	}
	return float64(covered) / 100
}
