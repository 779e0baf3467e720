package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/unklstewy/balloon-scope/pkg/telemetry"
	"github.com/unklstewy/balloon-scope/pkg/tracking"
)

// Recorder stores one tracking session's samples and decisions.
type Recorder struct {
	db      *DB
	session string
}

var _ tracking.Recorder = (*Recorder)(nil)

// NewRecorder creates a recorder that tags every row with session.
func NewRecorder(db *DB, session string) *Recorder {
	return &Recorder{db: db, session: session}
}

// Session returns the session identifier.
func (r *Recorder) Session() string {
	return r.session
}

// RecordSample inserts one telemetry sample.
func (r *Recorder) RecordSample(ctx context.Context, s telemetry.Sample) error {
	query := `
		INSERT INTO tracking_samples
			(session_id, sampled_at, latitude, longitude, altitude, accel_east, accel_north, accel_up)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.ExecContext(ctx, query,
		r.session,
		s.Time.UTC(),
		s.Latitude,
		s.Longitude,
		s.Altitude,
		s.AccelEast,
		s.AccelNorth,
		s.AccelUp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sample: %w", err)
	}
	return nil
}

// RecordDecision inserts one evaluated tracking cycle.
func (r *Recorder) RecordDecision(ctx context.Context, d tracking.Decision) error {
	query := `
		INSERT INTO pointing_decisions
			(session_id, decided_at, predicted_latitude, predicted_longitude, predicted_altitude,
			 bearing, elevation, distance_km, command_azimuth, command_altitude,
			 lead_seconds, limit_event, sent, phase, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	var errText sql.NullString
	if d.Err != nil {
		errText = sql.NullString{String: d.Err.Error(), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		r.session,
		d.Time.UTC(),
		d.Predicted.Latitude,
		d.Predicted.Longitude,
		d.Predicted.Altitude,
		d.Solution.Bearing,
		d.Solution.Elevation,
		d.Solution.DistanceKm,
		d.Command.Azimuth,
		d.Command.Altitude,
		d.Lead,
		d.Limit.String(),
		d.Sent,
		d.Phase.String(),
		errText,
	)
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

// SessionSummary aggregates one recorded session.
type SessionSummary struct {
	Session   string
	Samples   int64
	Decisions int64
	Commands  int64
}

// Summary counts what was recorded for the current session.
func (r *Recorder) Summary(ctx context.Context) (SessionSummary, error) {
	out := SessionSummary{Session: r.session}

	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tracking_samples WHERE session_id = $1`, r.session,
	).Scan(&out.Samples)
	if err != nil {
		return out, fmt.Errorf("failed to count samples: %w", err)
	}

	err = r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE sent) FROM pointing_decisions WHERE session_id = $1`, r.session,
	).Scan(&out.Decisions, &out.Commands)
	if err != nil {
		return out, fmt.Errorf("failed to count decisions: %w", err)
	}
	return out, nil
}
