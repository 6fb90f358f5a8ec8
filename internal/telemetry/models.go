package telemetry

import (
	"time"
)

// Reading is one classified sensor sample. It is immutable once persisted.
type Reading struct {
	ID        int64     `json:"id"`
	SensorID  int64     `json:"sensor_id"`
	AX        *float64  `json:"ax"`
	AY        *float64  `json:"ay"`
	AZ        *float64  `json:"az"`
	ATotal    float64   `json:"a_total"`
	DespUM    *float64  `json:"desp_um"`
	DespStd   *float64  `json:"desp_std"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is the alert record derived from a warning or alert Reading.
type Event struct {
	ID        int64     `json:"id"`
	SensorID  int64     `json:"sensor_id"`
	ReadingID int64     `json:"reading_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	DespUM    *float64  `json:"desp_um"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Duration  *Duration `json:"duration"`
}

// DisplayMessage falls back to a generic text for events stored without one.
func (e Event) DisplayMessage() string {
	if e.Message != "" {
		return e.Message
	}
	return "Event detected: " + string(e.Severity)
}

type Sensor struct {
	ID           int64  `json:"id"`
	PatientID    int64  `json:"patient_id"`
	ProsthesisID int64  `json:"prosthesis_id"`
	Model        string `json:"model,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Enabled      bool   `json:"enabled"`
}

type Prosthesis struct {
	ID        int64  `json:"id"`
	PatientID int64  `json:"patient_id"`
	Type      string `json:"type"`
	Side      string `json:"side,omitempty"`
}

// Label is the chart label for a prosthesis, e.g. "Knee (Left)".
func (p Prosthesis) Label() string {
	if p.Side == "" {
		return p.Type
	}
	return p.Type + " (" + p.Side + ")"
}

type Patient struct {
	ID              int64      `json:"id"`
	FirstName       string     `json:"first_name"`
	LastName        string     `json:"last_name"`
	BirthDate       *time.Time `json:"birth_date,omitempty"`
	ClinicalHistory string     `json:"clinical_history,omitempty"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}

func (p Patient) FullName() string {
	if p.LastName == "" {
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

// AgeAt returns completed years at the given instant, or 0 without a birth date.
func (p Patient) AgeAt(now time.Time) int {
	if p.BirthDate == nil {
		return 0
	}
	birth := p.BirthDate.In(now.Location())
	age := now.Year() - birth.Year()
	if now.Month() < birth.Month() || (now.Month() == birth.Month() && now.Day() < birth.Day()) {
		age--
	}
	if age < 0 {
		return 0
	}
	return age
}

// SensorContext is a sensor joined with its prosthesis.
type SensorContext struct {
	SensorID   int64      `json:"sensor_id"`
	PatientID  int64      `json:"patient_id"`
	Prosthesis Prosthesis `json:"prosthesis"`
}

// ReadingView is a Reading joined with its sensor context for the query boundary.
type ReadingView struct {
	Reading
	Sensor *SensorContext `json:"sensor"`
}

// ReadingFilter selects the most recent readings, newest first.
type ReadingFilter struct {
	SensorID *int64
	Limit    int
}
