package telemetry

import (
	"strconv"
	"strings"
)

// EventMessage renders the clinical alert text for a reading. It returns
// false for severities that do not raise events.
func EventMessage(severity Severity, aTotal float64, despUM *float64) (string, bool) {
	switch severity {
	case SeverityWarning:
		return "Elevated acceleration detected: " + FormatValue(aTotal) + " m/s²", true
	case SeverityAlert:
		var b strings.Builder
		b.WriteString("Critical alert: Acceleration ")
		b.WriteString(FormatValue(aTotal))
		b.WriteString(" m/s²")
		if despUM != nil {
			b.WriteString(", Displacement: ")
			b.WriteString(FormatValue(*despUM))
			b.WriteString(" μm")
		}
		return b.String(), true
	default:
		return "", false
	}
}

// FormatValue prints the shortest representation that round-trips, so 25.0
// renders as "25" and 6.2 as "6.2".
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
