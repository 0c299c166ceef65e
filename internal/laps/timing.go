package laps

// Timing source selection thresholds.
const (
	// maxPlausibleLapTime rejects per-car readings that are really session
	// time leaking into the last-lap-time field.
	maxPlausibleLapTime = 300.0
	// minPlausibleCalculated flags calculated durations short enough to
	// indicate a buffering gap rather than a real lap.
	minPlausibleCalculated = 5.0
	// timingDiscrepancyLog is the calculated-vs-primary gap worth logging.
	timingDiscrepancyLog = 0.1
)

// timingSource identifies which source produced the final duration.
type timingSource string

const (
	sourcePrimary    timingSource = "per-car"
	sourceCalculated timingSource = "calculated"
)

// selectDuration picks the lap duration from the primary (per-car) timing
// source and the calculated end-start difference.
//
// The returned signed value preserves the primary source's sign so the
// classifier can see a negative (out-lap) reading; callers display the
// absolute value. sessionEnd forces the calculated duration because the
// primary field still holds an unrelated earlier lap at that point.
func selectDuration(primary, calculated float64, sessionEnd bool) (signed float64, src timingSource) {
	if sessionEnd {
		return calculated, sourceCalculated
	}
	switch {
	case primary == 0:
		// Not yet populated.
		return calculated, sourceCalculated
	case primary > maxPlausibleLapTime || primary < -maxPlausibleLapTime:
		return calculated, sourceCalculated
	case primary < 0:
		// Negative means the sim classified an out-lap; keep the sign.
		return primary, sourcePrimary
	case calculated < minPlausibleCalculated:
		// Short calculated times usually indicate a buffering gap.
		return primary, sourcePrimary
	default:
		return primary, sourcePrimary
	}
}
