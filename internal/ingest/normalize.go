package ingest

import (
	"math"
	"strings"
	"time"

	"github.com/relvacode/iso8601"

	"github.com/smukkama/implant-monitor/internal/protocol"
	"github.com/smukkama/implant-monitor/internal/telemetry"
)

// Normalize validates a raw payload and builds the classified Reading it
// describes. now supplies the timestamp when the payload carries none.
func Normalize(p protocol.ReadingPayload, now time.Time) (telemetry.Reading, error) {
	var r telemetry.Reading

	if !p.SensorID.IsSet() {
		return r, telemetry.InvalidInput("sensor_id is required")
	}
	sensorID, err := p.SensorID.Float64()
	if err != nil || sensorID <= 0 || sensorID != math.Trunc(sensorID) || sensorID > math.MaxInt64 {
		return r, telemetry.InvalidInput("sensor_id must be a positive integer")
	}
	r.SensorID = int64(sensorID)

	if !p.ATotal.IsSet() {
		return r, telemetry.InvalidInput("a_total is required")
	}
	r.ATotal, err = p.ATotal.Float64()
	if err != nil {
		return r, telemetry.InvalidInput("a_total: %v", err)
	}
	if r.ATotal < 0 {
		return r, telemetry.InvalidInput("a_total must not be negative")
	}

	if r.AX, err = optional("ax", p.AX); err != nil {
		return r, err
	}
	if r.AY, err = optional("ay", p.AY); err != nil {
		return r, err
	}
	if r.AZ, err = optional("az", p.AZ); err != nil {
		return r, err
	}
	if r.DespUM, err = optional("desp_um", p.DespUM); err != nil {
		return r, err
	}
	if r.DespUM != nil && *r.DespUM < 0 {
		return r, telemetry.InvalidInput("desp_um must not be negative")
	}
	if r.DespStd, err = optional("desp_std", p.DespStd); err != nil {
		return r, err
	}

	r.Timestamp = now.UTC()
	if ts := strings.TrimSpace(p.Timestamp); ts != "" {
		parsed, err := iso8601.ParseString(ts)
		if err != nil {
			return r, telemetry.InvalidInput("timestamp %q is not ISO 8601", ts)
		}
		r.Timestamp = parsed.UTC()
	}

	r.Severity = telemetry.Classify(r.ATotal, r.DespUM)
	return r, nil
}

// optional converts a field that may be absent. Zero is a present value.
func optional(field string, n protocol.Numeric) (*float64, error) {
	if !n.IsSet() {
		return nil, nil
	}
	v, err := n.Float64()
	if err != nil {
		return nil, telemetry.InvalidInput("%s: %v", field, err)
	}
	return &v, nil
}
