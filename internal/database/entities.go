package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/smukkama/implant-monitor/internal/telemetry"
)

// Patients returns all patients, most recently created first.
func (db *DB) Patients(ctx context.Context) ([]telemetry.Patient, error) {
	query := `
		SELECT id, first_name, last_name, birth_date, clinical_history, updated_at
		FROM patients
		ORDER BY id DESC
	`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query patients: %w", err)
	}
	defer rows.Close()

	var patients []telemetry.Patient
	for rows.Next() {
		var (
			p         telemetry.Patient
			birthDate sql.NullTime
			history   sql.NullString
			updatedAt sql.NullTime
		)
		if err := rows.Scan(&p.ID, &p.FirstName, &p.LastName, &birthDate, &history, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan patient: %w", err)
		}
		p.BirthDate = nullTime(birthDate)
		p.ClinicalHistory = history.String
		p.UpdatedAt = nullTime(updatedAt)
		patients = append(patients, p)
	}

	return patients, rows.Err()
}

// Patient returns one patient, or nil when it does not exist.
func (db *DB) Patient(ctx context.Context, id int64) (*telemetry.Patient, error) {
	query := `
		SELECT id, first_name, last_name, birth_date, clinical_history, updated_at
		FROM patients
		WHERE id = $1
	`

	var (
		p         telemetry.Patient
		birthDate sql.NullTime
		history   sql.NullString
		updatedAt sql.NullTime
	)
	err := db.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.FirstName, &p.LastName, &birthDate, &history, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get patient: %w", err)
	}
	p.BirthDate = nullTime(birthDate)
	p.ClinicalHistory = history.String
	p.UpdatedAt = nullTime(updatedAt)
	return &p, nil
}

// Prostheses returns the prostheses assigned to a patient.
func (db *DB) Prostheses(ctx context.Context, patientID int64) ([]telemetry.Prosthesis, error) {
	query := `
		SELECT id, patient_id, type, side
		FROM prostheses
		WHERE patient_id = $1
		ORDER BY id
	`

	rows, err := db.QueryContext(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query prostheses: %w", err)
	}
	defer rows.Close()

	var prostheses []telemetry.Prosthesis
	for rows.Next() {
		var (
			p    telemetry.Prosthesis
			side sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.PatientID, &p.Type, &side); err != nil {
			return nil, fmt.Errorf("failed to scan prosthesis: %w", err)
		}
		p.Side = side.String
		prostheses = append(prostheses, p)
	}

	return prostheses, rows.Err()
}

// PatientSensors returns the sensors of a patient joined with their prosthesis.
func (db *DB) PatientSensors(ctx context.Context, patientID int64) ([]telemetry.SensorContext, error) {
	query := `
		SELECT s.id, s.patient_id, p.id, p.patient_id, p.type, p.side
		FROM sensors s
		JOIN prostheses p ON p.id = s.prosthesis_id
		WHERE s.patient_id = $1
		ORDER BY s.id
	`

	rows, err := db.QueryContext(ctx, query, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sensors: %w", err)
	}
	defer rows.Close()

	var sensors []telemetry.SensorContext
	for rows.Next() {
		var (
			sc   telemetry.SensorContext
			side sql.NullString
		)
		if err := rows.Scan(&sc.SensorID, &sc.PatientID, &sc.Prosthesis.ID, &sc.Prosthesis.PatientID, &sc.Prosthesis.Type, &side); err != nil {
			return nil, fmt.Errorf("failed to scan sensor: %w", err)
		}
		sc.Prosthesis.Side = side.String
		sensors = append(sensors, sc)
	}

	return sensors, rows.Err()
}

// SensorExists reports whether the sensor is registered and enabled. The
// gateway uses it to reject an identify handshake early.
func (db *DB) SensorExists(ctx context.Context, sensorID int64) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM sensors WHERE id = $1 AND enabled)`,
		sensorID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check sensor: %w", err)
	}
	return exists, nil
}

func nullTime(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}
