package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/smukkama/implant-monitor/internal/telemetry"
)

const readingColumns = `r.id, r.sensor_id, r.ax, r.ay, r.az, r.a_total, r.desp_um, r.desp_std, r.severity, r.timestamp`

// InsertReading appends a classified reading and sets its generated ID.
// An unknown sensor is reported as invalid input rather than a storage failure.
func (db *DB) InsertReading(ctx context.Context, r *telemetry.Reading) error {
	query := `
		INSERT INTO readings (
			sensor_id, ax, ay, az, a_total, desp_um, desp_std, severity, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`

	err := db.QueryRowContext(ctx, query,
		r.SensorID,
		r.AX,
		r.AY,
		r.AZ,
		r.ATotal,
		r.DespUM,
		r.DespStd,
		string(r.Severity),
		r.Timestamp.UTC(),
	).Scan(&r.ID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return telemetry.InvalidInput("unknown sensor %d", r.SensorID)
		}
		return fmt.Errorf("failed to insert reading: %w", err)
	}
	return nil
}

// RecentReadings returns the newest readings joined with sensor and prosthesis.
func (db *DB) RecentReadings(ctx context.Context, filter telemetry.ReadingFilter) ([]telemetry.ReadingView, error) {
	query := `
		SELECT ` + readingColumns + `,
		       s.patient_id, p.id, p.patient_id, p.type, p.side
		FROM readings r
		LEFT JOIN sensors s ON s.id = r.sensor_id
		LEFT JOIN prostheses p ON p.id = s.prosthesis_id
	`
	var args []interface{}
	if filter.SensorID != nil {
		args = append(args, *filter.SensorID)
		query += fmt.Sprintf(" WHERE r.sensor_id = $%d", len(args))
	}
	args = append(args, filter.Limit)
	query += fmt.Sprintf(" ORDER BY r.timestamp DESC, r.id DESC LIMIT $%d", len(args))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query readings: %w", err)
	}
	defer rows.Close()

	var views []telemetry.ReadingView
	for rows.Next() {
		var (
			v               telemetry.ReadingView
			ax, ay, az      sql.NullFloat64
			despUM, despStd sql.NullFloat64
			severity        string
			patientID       sql.NullInt64
			prosthesisID    sql.NullInt64
			prosthesisOwner sql.NullInt64
			prosthesisType  sql.NullString
			prosthesisSide  sql.NullString
		)
		if err := rows.Scan(
			&v.ID, &v.SensorID, &ax, &ay, &az, &v.ATotal, &despUM, &despStd, &severity, &v.Timestamp,
			&patientID, &prosthesisID, &prosthesisOwner, &prosthesisType, &prosthesisSide,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		v.AX, v.AY, v.AZ = nullFloat(ax), nullFloat(ay), nullFloat(az)
		v.DespUM, v.DespStd = nullFloat(despUM), nullFloat(despStd)
		v.Severity = telemetry.Severity(severity)

		if patientID.Valid {
			v.Sensor = &telemetry.SensorContext{
				SensorID:  v.SensorID,
				PatientID: patientID.Int64,
				Prosthesis: telemetry.Prosthesis{
					ID:        prosthesisID.Int64,
					PatientID: prosthesisOwner.Int64,
					Type:      prosthesisType.String,
					Side:      prosthesisSide.String,
				},
			}
		}
		views = append(views, v)
	}

	return views, rows.Err()
}

// LatestPatientReadings returns up to limit of the newest readings across all
// sensors of a patient.
func (db *DB) LatestPatientReadings(ctx context.Context, patientID int64, limit int) ([]telemetry.Reading, error) {
	query := `
		SELECT ` + readingColumns + `
		FROM readings r
		JOIN sensors s ON s.id = r.sensor_id
		WHERE s.patient_id = $1
		ORDER BY r.timestamp DESC, r.id DESC
		LIMIT $2
	`

	rows, err := db.QueryContext(ctx, query, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query patient readings: %w", err)
	}
	defer rows.Close()

	return scanReadings(rows)
}

// SensorReadings returns every reading of the given sensors in ascending time order.
func (db *DB) SensorReadings(ctx context.Context, sensorIDs []int64) ([]telemetry.Reading, error) {
	if len(sensorIDs) == 0 {
		return nil, nil
	}

	args := make([]interface{}, len(sensorIDs))
	for i, id := range sensorIDs {
		args[i] = id
	}

	query := `
		SELECT ` + readingColumns + `
		FROM readings r
		WHERE r.sensor_id IN (` + placeholders(1, len(sensorIDs)) + `)
		ORDER BY r.timestamp ASC, r.id ASC
	`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sensor readings: %w", err)
	}
	defer rows.Close()

	return scanReadings(rows)
}

func scanReadings(rows *sql.Rows) ([]telemetry.Reading, error) {
	var readings []telemetry.Reading
	for rows.Next() {
		var (
			r               telemetry.Reading
			ax, ay, az      sql.NullFloat64
			despUM, despStd sql.NullFloat64
			severity        string
		)
		if err := rows.Scan(&r.ID, &r.SensorID, &ax, &ay, &az, &r.ATotal, &despUM, &despStd, &severity, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		r.AX, r.AY, r.AZ = nullFloat(ax), nullFloat(ay), nullFloat(az)
		r.DespUM, r.DespStd = nullFloat(despUM), nullFloat(despStd)
		r.Severity = telemetry.Severity(severity)
		readings = append(readings, r)
	}
	return readings, rows.Err()
}
