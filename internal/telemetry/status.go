package telemetry

// PatientStatus is derived on every query from the latest Reading; it is never stored.
type PatientStatus string

const (
	StatusStable  PatientStatus = "stable"
	StatusWarning PatientStatus = "warning"
	StatusMoving  PatientStatus = "moving"
)

// DeriveStatus picks the reading with the greatest timestamp (highest ID on
// ties) and maps its severity. Input order is not used since readings of one
// sensor may be persisted out of timestamp order.
func DeriveStatus(readings []Reading) PatientStatus {
	latest, ok := Latest(readings)
	if !ok {
		return StatusStable
	}
	return StatusFor(latest.Severity)
}

// StatusFor maps a severity to the patient status it implies.
func StatusFor(s Severity) PatientStatus {
	switch s {
	case SeverityWarning:
		return StatusWarning
	case SeverityAlert:
		return StatusMoving
	default:
		return StatusStable
	}
}

// Latest returns the most recent reading without reordering the input.
func Latest(readings []Reading) (Reading, bool) {
	if len(readings) == 0 {
		return Reading{}, false
	}
	best := readings[0]
	for _, r := range readings[1:] {
		if r.Timestamp.After(best.Timestamp) || (r.Timestamp.Equal(best.Timestamp) && r.ID > best.ID) {
			best = r
		}
	}
	return best, true
}
