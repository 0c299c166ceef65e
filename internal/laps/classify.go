package laps

// provisionalState classifies a lap at the moment collection starts. It may
// be revised at finalization once the authoritative time is known.
func provisionalState(lapNumber int, onPitRoad bool, initialDistPct float64, midSessionJoin bool) State {
	var s State
	switch {
	case midSessionJoin:
		// Joining a session in progress: a car on pit road or already well
		// into the lap is on an out-lap as far as our records go.
		if onPitRoad || initialDistPct > 0.1 {
			s = StateOut
		} else {
			s = StateTimed
		}
	case onPitRoad:
		s = StateOut
	case initialDistPct > 0.5:
		// Starting collection in the second half of the track: partial lap.
		s = StateIncomplete
	default:
		s = StateTimed
	}
	if lapNumber == 0 {
		// Lap 0 is always the warm-up out-lap.
		s = StateOut
	}
	return s
}

// finalState classifies a lap at finalization. signedTime is the primary
// timing reading with its sign intact (selectDuration preserves it).
//
// Precedence, highest first: pit-road start, session-end flush, then the
// sign of the sim's timing; lap 0 is always OUT.
func finalState(lapNumber int, startedOnPit, sessionEnd bool, signedTime float64) State {
	var s State
	switch {
	case startedOnPit:
		// Unconditional: overrides the timing sign.
		s = StateOut
	case sessionEnd:
		s = StateIncomplete
	case signedTime > 0:
		s = StateTimed
	case signedTime < 0:
		s = StateOut
	default:
		s = StateIncomplete
	}
	if lapNumber == 0 && s != StateOut {
		s = StateOut
	}
	return s
}
