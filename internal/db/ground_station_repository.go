package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/unklstewy/balloon-scope/pkg/coordinates"
)

// ErrNotFound is returned when no ground station matches.
var ErrNotFound = errors.New("ground station not found")

// GroundStation is a named observer location.
type GroundStation struct {
	ID              int64   `json:"id"`
	Name            string  `json:"name"`
	Latitude        float64 `json:"latitude"`
	Longitude       float64 `json:"longitude"`
	ElevationMeters float64 `json:"elevationMeters"`
	IsActive        bool    `json:"isActive"`
}

// Location returns the station as a geodetic position.
func (g GroundStation) Location() coordinates.Geographic {
	return coordinates.Geographic{
		Latitude:  g.Latitude,
		Longitude: g.Longitude,
		Altitude:  g.ElevationMeters,
	}
}

// GroundStationRepository manages stored ground stations.
type GroundStationRepository struct {
	db *DB
}

// NewGroundStationRepository creates a new ground station repository.
func NewGroundStationRepository(db *DB) *GroundStationRepository {
	return &GroundStationRepository{db: db}
}

const groundStationColumns = `id, name, latitude, longitude, elevation_meters, is_active`

// List returns all stations, active first.
func (r *GroundStationRepository) List(ctx context.Context) ([]GroundStation, error) {
	query := `SELECT ` + groundStationColumns + ` FROM ground_stations ORDER BY is_active DESC, name ASC`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query ground stations: %w", err)
	}
	defer rows.Close()

	var stations []GroundStation
	for rows.Next() {
		var g GroundStation
		if err := rows.Scan(&g.ID, &g.Name, &g.Latitude, &g.Longitude, &g.ElevationMeters, &g.IsActive); err != nil {
			return nil, fmt.Errorf("failed to scan ground station: %w", err)
		}
		stations = append(stations, g)
	}
	return stations, rows.Err()
}

// GetActive returns the active station, or ErrNotFound.
func (r *GroundStationRepository) GetActive(ctx context.Context) (*GroundStation, error) {
	query := `SELECT ` + groundStationColumns + ` FROM ground_stations WHERE is_active = TRUE LIMIT 1`

	var g GroundStation
	err := r.db.QueryRowContext(ctx, query).Scan(
		&g.ID, &g.Name, &g.Latitude, &g.Longitude, &g.ElevationMeters, &g.IsActive,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active ground station: %w", err)
	}
	return &g, nil
}

// Upsert creates or updates a station by name and fills in its ID.
// The location is validated first.
func (r *GroundStationRepository) Upsert(ctx context.Context, g *GroundStation) error {
	if err := coordinates.Validate(g.Location()); err != nil {
		return fmt.Errorf("invalid ground station %q: %w", g.Name, err)
	}

	query := `
		INSERT INTO ground_stations (name, latitude, longitude, elevation_meters)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			elevation_meters = EXCLUDED.elevation_meters,
			updated_at = NOW()
		RETURNING id, is_active
	`

	err := r.db.QueryRowContext(ctx, query, g.Name, g.Latitude, g.Longitude, g.ElevationMeters).
		Scan(&g.ID, &g.IsActive)
	if err != nil {
		return fmt.Errorf("failed to upsert ground station: %w", err)
	}
	return nil
}

// SetActive makes id the only active station.
func (r *GroundStationRepository) SetActive(ctx context.Context, id int64) error {
	query := `
		UPDATE ground_stations
		SET is_active = (id = $1), updated_at = NOW()
		WHERE (is_active OR id = $1)
			AND EXISTS (SELECT 1 FROM ground_stations WHERE id = $1)
	`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to set active ground station: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a station.
func (r *GroundStationRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM ground_stations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete ground station: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
