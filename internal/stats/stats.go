// Package stats computes per-lap channel statistics attached to lap
// metadata for diagnostics.
package stats

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/apexdata/lapreport/internal/telemetry"
)

// Summary aggregates a lap's instantaneous channels.
type Summary struct {
	SpeedMean   float64 `json:"speed_mean"`
	SpeedStdDev float64 `json:"speed_stddev"`
	SpeedP50    float64 `json:"speed_p50"`
	SpeedP98    float64 `json:"speed_p98"`
	SpeedMax    float64 `json:"speed_max"`

	// FullThrottleFrac is the fraction of frames with throttle >= 95%.
	FullThrottleFrac float64 `json:"full_throttle_frac"`
	// BrakingFrac is the fraction of frames with brake above 1%.
	BrakingFrac float64 `json:"braking_frac"`

	FrameCount int `json:"frame_count"`
}

// Summarize computes channel statistics over the lap's frames. A nil or
// empty frame slice yields a zero Summary.
func Summarize(frames []telemetry.Frame) Summary {
	s := Summary{FrameCount: len(frames)}
	if len(frames) == 0 {
		return s
	}

	speeds := make([]float64, len(frames))
	throttleFull, braking := 0, 0
	for i, f := range frames {
		speeds[i] = f.Speed
		if f.Speed > s.SpeedMax {
			s.SpeedMax = f.Speed
		}
		if f.Throttle >= 0.95 {
			throttleFull++
		}
		if f.Brake > 0.01 {
			braking++
		}
	}

	s.SpeedMean, s.SpeedStdDev = stat.MeanStdDev(speeds, nil)
	if len(speeds) == 1 {
		// StdDev of a single sample is NaN; report zero instead.
		s.SpeedStdDev = 0
	}

	sorted := make([]float64, len(speeds))
	copy(sorted, speeds)
	sort.Float64s(sorted)
	s.SpeedP50 = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	s.SpeedP98 = stat.Quantile(0.98, stat.Empirical, sorted, nil)

	n := float64(len(frames))
	s.FullThrottleFrac = float64(throttleFull) / n
	s.BrakingFrac = float64(braking) / n
	return s
}
