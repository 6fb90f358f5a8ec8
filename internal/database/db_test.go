package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smukkama/implant-monitor/internal/telemetry"
	"github.com/smukkama/implant-monitor/pkg/config"
)

func setupMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	return New(sqlDB, config.DriverPostgres, zap.NewNop()), mock
}

func ptr(v float64) *float64 { return &v }

var readingCols = []string{"id", "sensor_id", "ax", "ay", "az", "a_total", "desp_um", "desp_std", "severity", "timestamp"}

func TestInsertReading_SetsID(t *testing.T) {
	db, mock := setupMockDB(t)

	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`INSERT INTO readings`).
		WithArgs(int64(42), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), 6.2, 25.0, sqlmock.AnyArg(), "alert", ts).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(101)))

	r := &telemetry.Reading{SensorID: 42, ATotal: 6.2, DespUM: ptr(25), Severity: telemetry.SeverityAlert, Timestamp: ts}
	require.NoError(t, db.InsertReading(context.Background(), r))
	assert.Equal(t, int64(101), r.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertReading_UnknownSensor(t *testing.T) {
	db, mock := setupMockDB(t)

	mock.ExpectQuery(`INSERT INTO readings`).
		WillReturnError(&pq.Error{Code: "23503", Message: "violates foreign key constraint"})

	r := &telemetry.Reading{SensorID: 999, ATotal: 1, Severity: telemetry.SeverityOK, Timestamp: time.Now()}
	err := db.InsertReading(context.Background(), r)
	require.Error(t, err)
	assert.True(t, errors.Is(err, telemetry.ErrInvalidInput))
	assert.Contains(t, err.Error(), "unknown sensor 999")
}

func TestInsertReading_Failure(t *testing.T) {
	db, mock := setupMockDB(t)

	mock.ExpectQuery(`INSERT INTO readings`).WillReturnError(errors.New("connection reset"))

	err := db.InsertReading(context.Background(), &telemetry.Reading{SensorID: 1, Timestamp: time.Now()})
	require.Error(t, err)
	assert.False(t, errors.Is(err, telemetry.ErrInvalidInput))
	assert.Contains(t, err.Error(), "connection reset")
}

func TestRecentReadings_WithSensorFilter(t *testing.T) {
	db, mock := setupMockDB(t)

	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	cols := append(append([]string{}, readingCols...), "patient_id", "p_id", "p_patient_id", "type", "side")
	rows := sqlmock.NewRows(cols).
		AddRow(int64(2), int64(42), nil, nil, nil, 6.2, 25.0, nil, "alert", ts, int64(7), int64(3), int64(7), "Knee", "Left").
		AddRow(int64(1), int64(42), 0.1, 0.2, 0.3, 1.0, nil, nil, "ok", ts.Add(-time.Minute), nil, nil, nil, nil, nil)

	sensorID := int64(42)
	mock.ExpectQuery(`FROM readings r\s+LEFT JOIN sensors s .* WHERE r.sensor_id = \$1 ORDER BY r.timestamp DESC, r.id DESC LIMIT \$2`).
		WithArgs(int64(42), 100).
		WillReturnRows(rows)

	views, err := db.RecentReadings(context.Background(), telemetry.ReadingFilter{SensorID: &sensorID, Limit: 100})
	require.NoError(t, err)
	require.Len(t, views, 2)

	assert.Equal(t, telemetry.SeverityAlert, views[0].Severity)
	require.NotNil(t, views[0].DespUM)
	assert.Equal(t, 25.0, *views[0].DespUM)
	require.NotNil(t, views[0].Sensor)
	assert.Equal(t, int64(7), views[0].Sensor.PatientID)
	assert.Equal(t, "Knee (Left)", views[0].Sensor.Prosthesis.Label())

	assert.Nil(t, views[1].DespUM)
	assert.Nil(t, views[1].Sensor)
	require.NotNil(t, views[1].AX)
	assert.Equal(t, 0.1, *views[1].AX)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentReadings_NoFilter(t *testing.T) {
	db, mock := setupMockDB(t)

	mock.ExpectQuery(`LEFT JOIN prostheses p ON p.id = s.prosthesis_id\s+ORDER BY`).
		WithArgs(50).
		WillReturnRows(sqlmock.NewRows(readingCols))

	views, err := db.RecentReadings(context.Background(), telemetry.ReadingFilter{Limit: 50})
	require.NoError(t, err)
	assert.Empty(t, views)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSensorReadings_BuildsInClause(t *testing.T) {
	db, mock := setupMockDB(t)

	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`WHERE r.sensor_id IN \(\$1, \$2, \$3\)\s+ORDER BY r.timestamp ASC, r.id ASC`).
		WithArgs(int64(1), int64(2), int64(3)).
		WillReturnRows(sqlmock.NewRows(readingCols).
			AddRow(int64(5), int64(2), nil, nil, nil, 3.5, 12.0, 0.4, "warning", ts))

	readings, err := db.SensorReadings(context.Background(), []int64{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, telemetry.SeverityWarning, readings[0].Severity)
	require.NotNil(t, readings[0].DespStd)
	assert.Equal(t, 0.4, *readings[0].DespStd)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSensorReadings_NoSensors(t *testing.T) {
	db, mock := setupMockDB(t)

	readings, err := db.SensorReadings(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, readings)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestPatientReadings(t *testing.T) {
	db, mock := setupMockDB(t)

	mock.ExpectQuery(`WHERE s.patient_id = \$1`).
		WithArgs(int64(7), 1).
		WillReturnError(errors.New("timeout"))

	_, err := db.LatestPatientReadings(context.Background(), 7, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to query patient readings")
}

func TestInsertEvent_WithoutDuration(t *testing.T) {
	db, mock := setupMockDB(t)

	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`INSERT INTO events`).
		WithArgs(int64(42), int64(101), ts, 25.0, "alert", "Critical alert", nil).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))

	e := &telemetry.Event{
		SensorID:  42,
		ReadingID: 101,
		Timestamp: ts,
		DespUM:    ptr(25),
		Severity:  telemetry.SeverityAlert,
		Message:   "Critical alert",
	}
	require.NoError(t, db.InsertEvent(context.Background(), e))
	assert.Equal(t, int64(9), e.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentEvents_ParsesDuration(t *testing.T) {
	db, mock := setupMockDB(t)

	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "sensor_id", "reading_id", "timestamp", "desp_um", "severity", "message", "duration"}).
		AddRow(int64(2), int64(42), int64(11), ts, 25.0, "alert", "Critical alert", "PT5M").
		AddRow(int64(1), int64(42), nil, ts, nil, "warning", nil, "garbage")

	mock.ExpectQuery(`FROM events`).WithArgs(50).WillReturnRows(rows)

	events, err := db.RecentEvents(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, events, 2)

	require.NotNil(t, events[0].Duration)
	assert.Equal(t, 5*time.Minute, time.Duration(*events[0].Duration))
	assert.Equal(t, int64(11), events[0].ReadingID)

	assert.Nil(t, events[1].Duration)
	assert.Equal(t, "Event detected: warning", events[1].DisplayMessage())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPatients(t *testing.T) {
	db, mock := setupMockDB(t)

	birth := time.Date(1960, 5, 20, 0, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "first_name", "last_name", "birth_date", "clinical_history", "updated_at"}).
		AddRow(int64(2), "Ana", "García", birth, "hip replacement 2019", nil).
		AddRow(int64(1), "Luis", "", nil, nil, nil)

	mock.ExpectQuery(`FROM patients\s+ORDER BY id DESC`).WillReturnRows(rows)

	patients, err := db.Patients(context.Background())
	require.NoError(t, err)
	require.Len(t, patients, 2)
	assert.Equal(t, "Ana García", patients[0].FullName())
	require.NotNil(t, patients[0].BirthDate)
	assert.Equal(t, "hip replacement 2019", patients[0].ClinicalHistory)
	assert.Nil(t, patients[1].BirthDate)
	assert.Equal(t, "Luis", patients[1].FullName())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPatient_NotFound(t *testing.T) {
	db, mock := setupMockDB(t)

	mock.ExpectQuery(`FROM patients\s+WHERE id = \$1`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "first_name", "last_name", "birth_date", "clinical_history", "updated_at"}))

	p, err := db.Patient(context.Background(), 5)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestPatientSensors(t *testing.T) {
	db, mock := setupMockDB(t)

	rows := sqlmock.NewRows([]string{"id", "patient_id", "p_id", "p_patient_id", "type", "side"}).
		AddRow(int64(10), int64(7), int64(3), int64(7), "Knee", "Left").
		AddRow(int64(11), int64(7), int64(4), int64(7), "Hip", nil)

	mock.ExpectQuery(`FROM sensors s\s+JOIN prostheses p`).WithArgs(int64(7)).WillReturnRows(rows)

	sensors, err := db.PatientSensors(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, sensors, 2)
	assert.Equal(t, "Knee (Left)", sensors[0].Prosthesis.Label())
	assert.Equal(t, "Hip", sensors[1].Prosthesis.Label())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProstheses(t *testing.T) {
	db, mock := setupMockDB(t)

	mock.ExpectQuery(`FROM prostheses\s+WHERE patient_id = \$1`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "patient_id", "type", "side"}).AddRow(int64(3), int64(7), "Knee", "Right"))

	prostheses, err := db.Prostheses(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, prostheses, 1)
	assert.Equal(t, "Knee (Right)", prostheses[0].Label())
}

func TestSensorExists(t *testing.T) {
	db, mock := setupMockDB(t)

	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := db.SensorExists(context.Background(), 42)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunMigrations_ExecutesInOrder(t *testing.T) {
	db, mock := setupMockDB(t)

	dir := t.TempDir()
	pgDir := filepath.Join(dir, config.DriverPostgres)
	require.NoError(t, os.MkdirAll(pgDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pgDir, "002_b.sql"), []byte("CREATE TABLE b (id INT);"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(pgDir, "001_a.sql"), []byte("CREATE TABLE a (id INT);"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(pgDir, "notes.txt"), []byte("ignored"), 0o644))

	mock.ExpectExec(`CREATE TABLE a`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE b`).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, db.RunMigrations(context.Background(), dir))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMigrations_MissingDir(t *testing.T) {
	db, _ := setupMockDB(t)

	err := db.RunMigrations(context.Background(), filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read migrations directory")
}

func TestIsForeignKeyViolation(t *testing.T) {
	assert.True(t, isForeignKeyViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isForeignKeyViolation(&pq.Error{Code: "23505"}))
	assert.True(t, isForeignKeyViolation(errors.New("constraint failed: FOREIGN KEY constraint failed (787)")))
	assert.False(t, isForeignKeyViolation(errors.New("disk I/O error")))
}
