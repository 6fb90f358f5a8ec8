package query

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/smukkama/implant-monitor/internal/aggregation"
	"github.com/smukkama/implant-monitor/internal/telemetry"
)

const (
	ReadingsLimit      = 100
	DefaultEventsLimit = 50
	MaxEventsLimit     = 500
)

var ErrPatientNotFound = errors.New("patient not found")

// Store is the read side of the database
type Store interface {
	RecentReadings(ctx context.Context, filter telemetry.ReadingFilter) ([]telemetry.ReadingView, error)
	LatestPatientReadings(ctx context.Context, patientID int64, limit int) ([]telemetry.Reading, error)
	PatientSensors(ctx context.Context, patientID int64) ([]telemetry.SensorContext, error)
	SensorReadings(ctx context.Context, sensorIDs []int64) ([]telemetry.Reading, error)
	RecentEvents(ctx context.Context, limit int) ([]telemetry.Event, error)
	Patients(ctx context.Context) ([]telemetry.Patient, error)
	Patient(ctx context.Context, id int64) (*telemetry.Patient, error)
	Prostheses(ctx context.Context, patientID int64) ([]telemetry.Prosthesis, error)
}

// ReadingQuery narrows the latest readings
type ReadingQuery struct {
	SensorID  *int64
	PatientID *int64
}

// PatientSummary is one row of the patient list
type PatientSummary struct {
	ID              int64                   `json:"id"`
	Name            string                  `json:"name"`
	Age             int                     `json:"age"`
	Prostheses      []string                `json:"prostheses"`
	Status          telemetry.PatientStatus `json:"status"`
	LastReading     *time.Time              `json:"last_reading"`
	ClinicalHistory string                  `json:"clinical_history,omitempty"`
}

// SeriesQuery selects one chart for a patient. An empty Prosthesis means all
// of the patient's sensors; otherwise it matches a prosthesis label.
type SeriesQuery struct {
	PatientID  int64
	Type       telemetry.MeasurementType
	Range      aggregation.Range
	Prosthesis string
}

// Service answers the read-only questions of the dashboard
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, logger: logger, now: time.Now}
}

// Readings returns up to ReadingsLimit of the latest readings, newest first.
// The patient filter applies to that page, so it may return fewer rows.
func (s *Service) Readings(ctx context.Context, q ReadingQuery) ([]telemetry.ReadingView, error) {
	views, err := s.store.RecentReadings(ctx, telemetry.ReadingFilter{SensorID: q.SensorID, Limit: ReadingsLimit})
	if err != nil {
		return nil, telemetry.StorageFailure("list readings", err)
	}

	if q.PatientID == nil {
		return views, nil
	}
	filtered := make([]telemetry.ReadingView, 0, len(views))
	for _, v := range views {
		if v.Sensor != nil && v.Sensor.PatientID == *q.PatientID {
			filtered = append(filtered, v)
		}
	}
	return filtered, nil
}

// PatientStatus derives the current status from the patient's latest reading.
func (s *Service) PatientStatus(ctx context.Context, patientID int64) (telemetry.PatientStatus, error) {
	if _, err := s.Patient(ctx, patientID); err != nil {
		return "", err
	}

	latest, err := s.store.LatestPatientReadings(ctx, patientID, 1)
	if err != nil {
		return "", telemetry.StorageFailure("patient status", err)
	}
	return telemetry.DeriveStatus(latest), nil
}

// Patients lists every patient with derived status and prosthesis labels.
func (s *Service) Patients(ctx context.Context) ([]PatientSummary, error) {
	patients, err := s.store.Patients(ctx)
	if err != nil {
		return nil, telemetry.StorageFailure("list patients", err)
	}

	now := s.now()
	summaries := make([]PatientSummary, 0, len(patients))
	for _, p := range patients {
		summary, err := s.summarize(ctx, p, now)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (s *Service) summarize(ctx context.Context, p telemetry.Patient, now time.Time) (PatientSummary, error) {
	summary := PatientSummary{
		ID:              p.ID,
		Name:            p.FullName(),
		Age:             p.AgeAt(now),
		Prostheses:      []string{},
		Status:          telemetry.StatusStable,
		ClinicalHistory: p.ClinicalHistory,
	}

	prostheses, err := s.store.Prostheses(ctx, p.ID)
	if err != nil {
		return summary, telemetry.StorageFailure("list prostheses", err)
	}
	for _, pr := range prostheses {
		summary.Prostheses = append(summary.Prostheses, pr.Label())
	}

	latest, err := s.store.LatestPatientReadings(ctx, p.ID, 1)
	if err != nil {
		return summary, telemetry.StorageFailure("patient status", err)
	}
	if r, ok := telemetry.Latest(latest); ok {
		ts := r.Timestamp
		summary.LastReading = &ts
		summary.Status = telemetry.StatusFor(r.Severity)
	}
	return summary, nil
}

// Series aggregates a patient's readings for one chart.
func (s *Service) Series(ctx context.Context, q SeriesQuery) (aggregation.Series, error) {
	readings, err := s.PatientReadings(ctx, q.PatientID, q.Prosthesis)
	if err != nil {
		return aggregation.Series{}, err
	}

	series, err := aggregation.Aggregate(readings, q.Type, q.Range, s.now())
	if err != nil {
		return aggregation.Series{}, telemetry.InvalidInput("%v", err)
	}
	return series, nil
}

// PatientReadings returns all readings of a patient's sensors in ascending
// time, optionally limited to one prosthesis label.
func (s *Service) PatientReadings(ctx context.Context, patientID int64, prosthesis string) ([]telemetry.Reading, error) {
	if _, err := s.Patient(ctx, patientID); err != nil {
		return nil, err
	}

	sensors, err := s.store.PatientSensors(ctx, patientID)
	if err != nil {
		return nil, telemetry.StorageFailure("list sensors", err)
	}

	var ids []int64
	for _, sc := range sensors {
		if prosthesis == "" || sc.Prosthesis.Label() == prosthesis {
			ids = append(ids, sc.SensorID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	readings, err := s.store.SensorReadings(ctx, ids)
	if err != nil {
		return nil, telemetry.StorageFailure("list sensor readings", err)
	}
	return readings, nil
}

// Events returns the latest events with display messages filled in.
func (s *Service) Events(ctx context.Context, limit int) ([]telemetry.Event, error) {
	if limit <= 0 {
		limit = DefaultEventsLimit
	}
	if limit > MaxEventsLimit {
		limit = MaxEventsLimit
	}

	events, err := s.store.RecentEvents(ctx, limit)
	if err != nil {
		return nil, telemetry.StorageFailure("list events", err)
	}
	for i := range events {
		events[i].Message = events[i].DisplayMessage()
	}
	return events, nil
}

// Patient returns one patient or ErrPatientNotFound.
func (s *Service) Patient(ctx context.Context, id int64) (*telemetry.Patient, error) {
	p, err := s.store.Patient(ctx, id)
	if err != nil {
		return nil, telemetry.StorageFailure("get patient", err)
	}
	if p == nil {
		return nil, ErrPatientNotFound
	}
	return p, nil
}
