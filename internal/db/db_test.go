package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/erikstmartin/go-testdb"
	"github.com/lib/pq"

	"github.com/unklstewy/balloon-scope/pkg/config"
	"github.com/unklstewy/balloon-scope/pkg/retry"
)

// execLog captures statements sent through the testdb driver.
type execLog struct {
	mu    sync.Mutex
	calls []execCall
}

type execCall struct {
	query string
	args  []driver.Value
}

func (l *execLog) record(query string, args []driver.Value) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, execCall{query: query, args: args})
}

func (l *execLog) all() []execCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]execCall(nil), l.calls...)
}

// newTestDB opens a connection on the testdb driver. Stubs are global, so
// these tests must not run in parallel.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	testdb.Reset()
	t.Cleanup(testdb.Reset)

	sqlDB, err := sql.Open("testdb", "")
	if err != nil {
		t.Fatalf("failed to open testdb: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return New(sqlDB, config.DefaultConfig().Database)
}

func TestInitSchema(t *testing.T) {
	db := newTestDB(t)
	log := &execLog{}
	testdb.SetExecWithArgsFunc(func(query string, args []driver.Value) (driver.Result, error) {
		log.record(query, args)
		return testdb.NewResult(0, nil, 0, nil), nil
	})

	if err := db.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}

	calls := log.all()
	if len(calls) != 1 {
		t.Fatalf("Expected 1 statement, got %d", len(calls))
	}
	for _, table := range []string{"ground_stations", "tracking_samples", "pointing_decisions"} {
		if !strings.Contains(calls[0].query, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("Expected schema to create %s", table)
		}
	}
}

func TestPrune(t *testing.T) {
	db := newTestDB(t)
	log := &execLog{}
	testdb.SetExecWithArgsFunc(func(query string, args []driver.Value) (driver.Result, error) {
		log.record(query, args)
		if strings.Contains(query, "tracking_samples") {
			return testdb.NewResult(0, nil, 40, nil), nil
		}
		return testdb.NewResult(0, nil, 3, nil), nil
	})

	n, err := db.Prune(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 43 {
		t.Errorf("Expected 43 rows pruned, got %d", n)
	}

	calls := log.all()
	if len(calls) != 2 {
		t.Fatalf("Expected 2 statements, got %d", len(calls))
	}
	cutoff, ok := calls[0].args[0].(time.Time)
	if !ok {
		t.Fatalf("Expected a time cutoff, got %T", calls[0].args[0])
	}
	if age := time.Since(cutoff); age < 23*time.Hour || age > 25*time.Hour {
		t.Errorf("Expected a cutoff ~24 hours ago, got %v", age)
	}

	t.Run("stops on error", func(t *testing.T) {
		testdb.SetExecWithArgsFunc(func(query string, args []driver.Value) (driver.Result, error) {
			return nil, errors.New("permission denied")
		})
		if _, err := db.Prune(context.Background(), time.Hour); err == nil {
			t.Error("Expected an error")
		}
	})
}

func TestStats(t *testing.T) {
	db := newTestDB(t)
	counts := map[string]string{
		"COUNT(*) FROM tracking_samples":                   "120",
		"COUNT(*) FROM pointing_decisions":                 "8",
		"COUNT(DISTINCT session_id) FROM tracking_samples": "2",
		"COUNT(*) FROM ground_stations":                    "1",
	}
	testdb.SetQueryWithArgsFunc(func(query string, args []driver.Value) (driver.Rows, error) {
		for fragment, n := range counts {
			if strings.Contains(query, fragment) {
				return testdb.RowsFromCSVString([]string{"count"}, n), nil
			}
		}
		return nil, fmt.Errorf("unexpected query %q", query)
	})

	s, err := db.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	want := Stats{Samples: 120, Decisions: 8, Sessions: 2, GroundStations: 1}
	if s != want {
		t.Errorf("Expected %+v, got %+v", want, s)
	}
}

func TestHealthCheck(t *testing.T) {
	if err := HealthCheck(context.Background(), nil); err == nil {
		t.Error("Expected an error for a nil connection")
	}

	db := newTestDB(t)
	testdb.SetQueryWithArgsFunc(func(query string, args []driver.Value) (driver.Rows, error) {
		return testdb.RowsFromCSVString([]string{"?column?"}, "1"), nil
	})
	if err := HealthCheck(context.Background(), db); err != nil {
		t.Errorf("Expected a healthy connection, got %v", err)
	}

	testdb.SetQueryWithArgsFunc(func(query string, args []driver.Value) (driver.Rows, error) {
		return nil, errors.New("connection reset by peer")
	})
	if err := HealthCheck(context.Background(), db); err == nil {
		t.Error("Expected the failing query to be reported")
	}
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad conn", driver.ErrBadConn, true},
		{"eof", fmt.Errorf("read: %w", io.EOF), true},
		{"connection exception", &pq.Error{Code: "08006"}, true},
		{"admin shutdown", &pq.Error{Code: "57P01"}, true},
		{"unique violation", &pq.Error{Code: "23505"}, false},
		{"refused", errors.New("dial tcp 127.0.0.1:5432: connect: Connection Refused"), true},
		{"syntax", errors.New(`syntax error at or near "SELEC"`), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConnectionError(tt.err); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestWithRetry(t *testing.T) {
	rc := retry.Config{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}

	t.Run("retries connection errors", func(t *testing.T) {
		attempts := 0
		err := WithRetry(context.Background(), rc, func(ctx context.Context) error {
			attempts++
			if attempts < 3 {
				return driver.ErrBadConn
			}
			return nil
		})
		if err != nil {
			t.Errorf("Expected success, got %v", err)
		}
		if attempts != 3 {
			t.Errorf("Expected 3 attempts, got %d", attempts)
		}
	})

	t.Run("gives up on statement errors", func(t *testing.T) {
		attempts := 0
		stmtErr := &pq.Error{Code: "23505", Message: "duplicate key"}
		err := WithRetry(context.Background(), rc, func(ctx context.Context) error {
			attempts++
			return stmtErr
		})
		if !errors.Is(err, stmtErr) {
			t.Errorf("Expected the statement error, got %v", err)
		}
		if attempts != 1 {
			t.Errorf("Expected 1 attempt, got %d", attempts)
		}
	})
}

func TestEnsureConnection(t *testing.T) {
	if _, err := EnsureConnection(context.Background(), nil, retry.DefaultConfig(), nil); err == nil {
		t.Error("Expected an error for a nil connection")
	}

	// testdb connections do not implement Pinger, so a ping always succeeds.
	db := newTestDB(t)
	got, err := EnsureConnection(context.Background(), db, retry.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("EnsureConnection failed: %v", err)
	}
	if got != db {
		t.Error("Expected the live connection to be kept")
	}
}
