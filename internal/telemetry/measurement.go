package telemetry

// MeasurementType selects which reading value a chart series uses.
type MeasurementType string

const (
	Acceleration  MeasurementType = "acceleration"
	Micromovement MeasurementType = "micromovement"
)

func ParseMeasurementType(s string) (MeasurementType, bool) {
	switch MeasurementType(s) {
	case Acceleration, Micromovement:
		return MeasurementType(s), true
	}
	return "", false
}

// Value extracts the measurement from a reading. Micromovement has no value
// when displacement was not reported; such readings are left out of series
// and fallbacks instead of being charted as 0.
func (m MeasurementType) Value(r Reading) (float64, bool) {
	switch m {
	case Acceleration:
		return r.ATotal, true
	case Micromovement:
		if r.DespUM == nil {
			return 0, false
		}
		return *r.DespUM, true
	}
	return 0, false
}
