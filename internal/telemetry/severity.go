package telemetry

// Severity is the classification of a single Reading.
type Severity string

const (
	SeverityOK      Severity = "ok"
	SeverityWarning Severity = "warning"
	SeverityAlert   Severity = "alert"
)

// Classification thresholds. Comparisons are strict, so a value equal to a
// threshold does not escalate.
const (
	WarningAcceleration = 3.0  // m/s²
	AlertAcceleration   = 5.0  // m/s²
	AlertDisplacement   = 20.0 // μm
)

// Classify maps total acceleration and optional displacement to a severity.
// Later rules win and only ever escalate.
func Classify(aTotal float64, despUM *float64) Severity {
	severity := SeverityOK
	if aTotal > WarningAcceleration {
		severity = SeverityWarning
	}
	if aTotal > AlertAcceleration || (despUM != nil && *despUM > AlertDisplacement) {
		severity = SeverityAlert
	}
	return severity
}

// RaisesEvent reports whether readings of this severity produce an Event.
func (s Severity) RaisesEvent() bool {
	return s == SeverityWarning || s == SeverityAlert
}

func (s Severity) Valid() bool {
	switch s {
	case SeverityOK, SeverityWarning, SeverityAlert:
		return true
	}
	return false
}
