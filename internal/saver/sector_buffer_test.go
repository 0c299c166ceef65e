package saver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSectorBuffer_LookupByLap(t *testing.T) {
	b := NewSectorBuffer(10)
	b.Push(SectorData{LapNumber: 1, CompletionFrameID: 100, SectorTimes: []float64{30, 31, 29}})
	b.Push(SectorData{LapNumber: 2, CompletionFrameID: 190, SectorTimes: []float64{29, 30, 28}})

	times, ok := b.ByLap(2)
	require.True(t, ok)
	assert.Equal(t, []float64{29, 30, 28}, times)

	_, ok = b.ByLap(7)
	assert.False(t, ok)
}

func TestSectorBuffer_NewestEntryWins(t *testing.T) {
	b := NewSectorBuffer(10)
	b.Push(SectorData{LapNumber: 3, CompletionFrameID: 100, SectorTimes: []float64{30, 30}})
	b.Push(SectorData{LapNumber: 3, CompletionFrameID: 101, SectorTimes: []float64{29, 29}})

	times, ok := b.ByLap(3)
	require.True(t, ok)
	assert.Equal(t, []float64{29, 29}, times)
}

func TestSectorBuffer_EvictsOldest(t *testing.T) {
	b := NewSectorBuffer(3)
	for i := 1; i <= 5; i++ {
		b.Push(SectorData{LapNumber: i, CompletionFrameID: int64(i * 100), SectorTimes: []float64{1}})
	}

	assert.Equal(t, 3, b.Len())
	_, ok := b.ByLap(1)
	assert.False(t, ok, "oldest entries are evicted")
	_, ok = b.ByLap(5)
	assert.True(t, ok)
}

func TestSectorBuffer_ByFrameRange(t *testing.T) {
	b := NewSectorBuffer(10)
	b.Push(SectorData{LapNumber: 4, CompletionFrameID: 420, SectorTimes: []float64{28, 29}})

	times, ok := b.ByFrameRange(400, 430)
	require.True(t, ok)
	assert.Equal(t, []float64{28, 29}, times)

	_, ok = b.ByFrameRange(100, 200)
	assert.False(t, ok)
}

func TestSectorBuffer_PartialNeverJoined(t *testing.T) {
	b := NewSectorBuffer(10)
	b.Push(SectorData{LapNumber: 6, CompletionFrameID: 600, SectorTimes: []float64{30}, Partial: true})

	_, ok := b.ByLap(6)
	assert.False(t, ok)
	_, ok = b.ByFrameRange(590, 610)
	assert.False(t, ok)
}
