package saver

import "sync"

// defaultSectorBufferSize keeps roughly the last ten laps of sector splits.
const defaultSectorBufferSize = 10

// SectorData is one completed lap's sector splits as delivered by the
// sector-timing feed.
type SectorData struct {
	LapNumber int
	// CompletionFrameID is the integer session-time tick at which the
	// feed observed the lap complete. The canonical buffer key.
	CompletionFrameID int64
	SectorTimes       []float64
	// Partial marks a split that is missing sectors; partial entries are
	// stored but never joined onto lap records.
	Partial bool
}

// SectorBuffer holds recently-completed per-lap sector arrays until the
// saver joins them onto lap records. Written by the sector-timing adapter,
// read by the saver; a short mutex is the only synchronization.
type SectorBuffer struct {
	mu       sync.Mutex
	capacity int
	entries  []SectorData // insertion order, oldest first
}

// NewSectorBuffer returns a buffer evicting beyond capacity entries.
func NewSectorBuffer(capacity int) *SectorBuffer {
	if capacity <= 0 {
		capacity = defaultSectorBufferSize
	}
	return &SectorBuffer{capacity: capacity}
}

// Push stores a sector split, evicting the oldest entry on overflow.
func (b *SectorBuffer) Push(d SectorData) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, d)
	if len(b.entries) > b.capacity {
		b.entries = b.entries[len(b.entries)-b.capacity:]
	}
}

// ByLap returns the newest complete split recorded for the lap number.
func (b *SectorBuffer) ByLap(lapNumber int) ([]float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.entries) - 1; i >= 0; i-- {
		e := b.entries[i]
		if e.LapNumber == lapNumber && !e.Partial {
			return e.SectorTimes, true
		}
	}
	return nil, false
}

// ByFrameRange returns the newest complete split whose completion frame id
// falls within [lo, hi]. Used to match a delayed lap when lap numbers have
// desynchronized.
func (b *SectorBuffer) ByFrameRange(lo, hi int64) ([]float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.entries) - 1; i >= 0; i-- {
		e := b.entries[i]
		if !e.Partial && e.CompletionFrameID >= lo && e.CompletionFrameID <= hi {
			return e.SectorTimes, true
		}
	}
	return nil, false
}

// Len returns the number of buffered entries.
func (b *SectorBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
