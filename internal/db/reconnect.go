package db

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/unklstewy/balloon-scope/pkg/config"
	"github.com/unklstewy/balloon-scope/pkg/retry"
)

// connectionErrors are message fragments that indicate a lost connection
// when the driver gives nothing more specific.
var connectionErrors = []string{
	"connection refused",
	"broken pipe",
	"no connection",
	"connection reset",
	"timeout",
}

// ConnectWithRetry connects with exponential backoff. This provides
// resilience against a database that comes up after the tracker.
func ConnectWithRetry(ctx context.Context, cfg config.DatabaseConfig, rc retry.Config) (*DB, error) {
	db, err := retry.DoResult(ctx, rc, func(ctx context.Context) (*DB, error) {
		return Connect(ctx, cfg)
	})
	if err != nil {
		return nil, fmt.Errorf("database unavailable: %w", err)
	}
	return db, nil
}

// EnsureConnection returns db if it still answers a ping, and otherwise
// closes it and reconnects.
func EnsureConnection(ctx context.Context, db *DB, rc retry.Config, logger *zap.SugaredLogger) (*DB, error) {
	if db == nil {
		return nil, errors.New("no database connection")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := db.PingContext(pingCtx)
	if err == nil {
		return db, nil
	}

	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger.Warnw("database connection lost, reconnecting", "error", err)
	db.Close()
	return ConnectWithRetry(ctx, db.config, rc)
}

// HealthCheck pings the database and runs a trivial query.
func HealthCheck(ctx context.Context, db *DB) error {
	if db == nil {
		return errors.New("no database connection")
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("query: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("unexpected result %d", result)
	}
	return nil
}

// WithRetry runs op, retrying only when it fails with a connection error.
func WithRetry(ctx context.Context, rc retry.Config, op func(ctx context.Context) error) error {
	return retry.Do(ctx, rc, func(ctx context.Context) error {
		err := op(ctx)
		if err != nil && !IsConnectionError(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

// IsConnectionError reports whether err means the connection itself failed,
// as opposed to a rejected statement.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08: connection exception. 57P01-03: server shutting down.
		return pqErr.Code.Class() == "08" || strings.HasPrefix(string(pqErr.Code), "57P0")
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range connectionErrors {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
