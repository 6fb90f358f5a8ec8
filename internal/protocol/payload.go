package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Numeric holds a raw JSON value that is coerced to a real number on demand.
// Decoding never fails, so a malformed field surfaces as a validation error
// naming the field instead of a generic JSON error.
type Numeric struct {
	raw json.RawMessage
}

// NumericOf wraps a float for producers that build payloads in code.
func NumericOf(v float64) Numeric {
	return Numeric{raw: json.RawMessage(strconv.FormatFloat(v, 'f', -1, 64))}
}

func (n *Numeric) UnmarshalJSON(b []byte) error {
	n.raw = append(n.raw[:0], b...)
	return nil
}

func (n Numeric) MarshalJSON() ([]byte, error) {
	if !n.IsSet() {
		return []byte("null"), nil
	}
	return n.raw, nil
}

// IsSet reports whether a value other than null or "" was supplied.
func (n Numeric) IsSet() bool {
	trimmed := bytes.TrimSpace(n.raw)
	if len(trimmed) == 0 || string(trimmed) == "null" || string(trimmed) == `""` {
		return false
	}
	return true
}

// Float64 coerces the value. JSON numbers and numeric strings are accepted;
// anything else, and non-finite results, are errors.
func (n Numeric) Float64() (float64, error) {
	if !n.IsSet() {
		return 0, fmt.Errorf("value is absent")
	}

	trimmed := bytes.TrimSpace(n.raw)
	var text string
	if trimmed[0] == '"' {
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return 0, fmt.Errorf("invalid string value: %w", err)
		}
		text = strings.TrimSpace(text)
	} else {
		text = string(trimmed)
	}

	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %s", string(trimmed))
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not a finite number: %s", string(trimmed))
	}
	return v, nil
}

// ReadingPayload is the structured reading accepted at every ingestion boundary.
type ReadingPayload struct {
	SensorID  Numeric `json:"sensor_id"`
	AX        Numeric `json:"ax"`
	AY        Numeric `json:"ay"`
	AZ        Numeric `json:"az"`
	ATotal    Numeric `json:"a_total"`
	DespUM    Numeric `json:"desp_um"`
	DespStd   Numeric `json:"desp_std"`
	Timestamp string  `json:"timestamp,omitempty"`
}

// DecodeReadingPayload decodes a JSON reading payload
func DecodeReadingPayload(data []byte) (*ReadingPayload, error) {
	var p ReadingPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return &p, nil
}
