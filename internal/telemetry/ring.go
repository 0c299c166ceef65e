package telemetry

// DefaultRingCapacity covers roughly two seconds of frames at 60 Hz, enough
// to look back past any start/finish crossing the lap counter lags behind.
const DefaultRingCapacity = 120

// crossingSearchFrames bounds the backward scan for a start/finish crossing
// to about one second of history.
const crossingSearchFrames = 60

// Ring is a fixed-capacity buffer of the most recent frames, in arrival
// order. Appending beyond capacity evicts the oldest frame.
type Ring struct {
	frames []Frame
	head   int // index of oldest entry once full
	size   int
}

// NewRing returns a Ring holding at most capacity frames.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &Ring{frames: make([]Frame, capacity)}
}

// Append adds a frame, evicting the oldest when full.
func (r *Ring) Append(f Frame) {
	if r.size < len(r.frames) {
		r.frames[(r.head+r.size)%len(r.frames)] = f
		r.size++
		return
	}
	r.frames[r.head] = f
	r.head = (r.head + 1) % len(r.frames)
}

// Len returns the number of buffered frames.
func (r *Ring) Len() int { return r.size }

// at returns the i-th oldest buffered frame (0 = oldest).
func (r *Ring) at(i int) Frame {
	return r.frames[(r.head+i)%len(r.frames)]
}

// Snapshot returns the buffered frames oldest-first.
func (r *Ring) Snapshot() []Frame {
	out := make([]Frame, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.at(i)
	}
	return out
}

// RecoverLapStart searches recent history for the start/finish crossing that
// preceded current and returns the frames from that crossing through current,
// plus the session time of the recovered start.
//
// The crossing signature is a distance wrap: a frame above 0.9 followed by a
// frame below 0.1. When no clean wrap is in the window the frame nearest to
// distance zero is used instead. The caller transfers the returned frames
// into the newly-started lap so it has coverage from its true start.
func (r *Ring) RecoverLapStart(current Frame) ([]Frame, float64) {
	if r.size == 0 {
		return []Frame{current}, current.SessionTime
	}

	first := r.size - crossingSearchFrames
	if first < 0 {
		first = 0
	}

	bestIdx := r.size - 1
	bestDist := 2.0 // any real distance beats this

	for i := first; i < r.size; i++ {
		f := r.at(i)
		if i > 0 {
			prev := r.at(i - 1)
			if prev.LapDistPct > 0.9 && f.LapDistPct < 0.1 {
				bestIdx = i
				break
			}
		}
		if d := abs(f.LapDistPct); d < bestDist {
			bestDist = d
			bestIdx = i
		}
	}

	out := make([]Frame, 0, r.size-bestIdx+1)
	for i := bestIdx; i < r.size; i++ {
		out = append(out, r.at(i))
	}
	// The triggering frame is usually already the newest ring entry; only
	// append it when it is not, so the recovered slice has no duplicate.
	if len(out) == 0 || out[len(out)-1].SessionTime != current.SessionTime {
		out = append(out, current)
	}
	return out, r.at(bestIdx).SessionTime
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
