// Package db stores tracking sessions and ground stations in PostgreSQL.
package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/unklstewy/balloon-scope/pkg/config"
)

//go:embed schema.sql
var schemaSQL string

// DB wraps a database connection with helper methods.
type DB struct {
	*sql.DB
	config config.DatabaseConfig
}

// Connect opens and pings the PostgreSQL database.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	sqlDB, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return New(sqlDB, cfg), nil
}

// New wraps an already open connection.
func New(sqlDB *sql.DB, cfg config.DatabaseConfig) *DB {
	return &DB{DB: sqlDB, config: cfg}
}

// InitSchema creates the tables if they do not exist.
// This should be called once at application startup.
func (db *DB) InitSchema(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// Prune deletes samples and decisions older than maxAge and returns how
// many rows were removed.
func (db *DB) Prune(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	var total int64
	for _, q := range []string{
		`DELETE FROM tracking_samples WHERE sampled_at < $1`,
		`DELETE FROM pointing_decisions WHERE decided_at < $1`,
	} {
		res, err := db.ExecContext(ctx, q, cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to prune: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("failed to get rows affected: %w", err)
		}
		total += n
	}
	return total, nil
}

// Stats summarizes what is stored.
type Stats struct {
	Samples        int64
	Decisions      int64
	Sessions       int64
	GroundStations int64
}

// Stats returns row counts for the tracking tables.
func (db *DB) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	for _, c := range []struct {
		query string
		dst   *int64
	}{
		{`SELECT COUNT(*) FROM tracking_samples`, &s.Samples},
		{`SELECT COUNT(*) FROM pointing_decisions`, &s.Decisions},
		{`SELECT COUNT(DISTINCT session_id) FROM tracking_samples`, &s.Sessions},
		{`SELECT COUNT(*) FROM ground_stations`, &s.GroundStations},
	} {
		if err := db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return Stats{}, fmt.Errorf("failed to count: %w", err)
		}
	}
	return s, nil
}
