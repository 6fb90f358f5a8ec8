package database

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/smukkama/implant-monitor/internal/telemetry"
)

// InsertEvent stores an event and sets its generated ID. reading_id is unique,
// so a reading produces at most one event.
func (db *DB) InsertEvent(ctx context.Context, e *telemetry.Event) error {
	query := `
		INSERT INTO events (sensor_id, reading_id, timestamp, desp_um, severity, message, duration)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	var readingID, duration interface{}
	if e.ReadingID != 0 {
		readingID = e.ReadingID
	}
	if e.Duration != nil {
		duration = e.Duration.String()
	}

	err := db.QueryRowContext(ctx, query,
		e.SensorID,
		readingID,
		e.Timestamp.UTC(),
		e.DespUM,
		string(e.Severity),
		e.Message,
		duration,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// RecentEvents returns the newest events first.
func (db *DB) RecentEvents(ctx context.Context, limit int) ([]telemetry.Event, error) {
	query := `
		SELECT id, sensor_id, reading_id, timestamp, desp_um, severity, message, duration
		FROM events
		ORDER BY timestamp DESC, id DESC
		LIMIT $1
	`

	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []telemetry.Event
	for rows.Next() {
		var (
			e         telemetry.Event
			readingID sql.NullInt64
			despUM    sql.NullFloat64
			severity  string
			message   sql.NullString
			duration  sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.SensorID, &readingID, &e.Timestamp, &despUM, &severity, &message, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.ReadingID = readingID.Int64
		e.DespUM = nullFloat(despUM)
		e.Severity = telemetry.Severity(severity)
		e.Message = message.String

		if duration.Valid && duration.String != "" {
			d, err := telemetry.ParseDuration(duration.String)
			if err != nil {
				db.logger.Warn("ignoring malformed event duration",
					zap.Int64("event_id", e.ID),
					zap.String("duration", duration.String),
					zap.Error(err))
			} else {
				e.Duration = d
			}
		}
		events = append(events, e)
	}

	return events, rows.Err()
}
