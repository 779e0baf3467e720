// Package retry runs operations with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Config configures retry behavior with exponential backoff.
type Config struct {
	// MaxRetries is the number of retries after the first attempt (default: 3)
	MaxRetries int

	// InitialDelay is the first backoff delay (default: 1 second)
	InitialDelay time.Duration

	// MaxDelay caps the backoff delay (default: 30 seconds)
	MaxDelay time.Duration

	// Multiplier grows the delay between attempts (default: 2.0)
	Multiplier float64

	// Clock is used for waiting. Nil means the wall clock.
	Clock clock.Clock

	// Logger receives one line per failed attempt. Nil discards.
	Logger *zap.SugaredLogger
}

// DefaultConfig returns sensible defaults for connecting to hardware and
// databases on a field laptop.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds, returns a permanent error, the retries run
// out or ctx is done.
//
// Example usage:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func(ctx context.Context) error {
//	    return mount.Connect(ctx)
//	})
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	_, err := DoResult(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoResult is Do for functions that return a value. The value from the last
// attempt is returned alongside the error.
func DoResult[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	var result T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff(cfg, attempt-1)
			select {
			case <-ctx.Done():
				return result, fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-clk.After(delay):
			}
		}

		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		result = res

		var perm *permanentError
		if errors.As(err, &perm) {
			return result, perm.err
		}
		lastErr = err
		logger.Debugw("attempt failed", "attempt", attempt+1, "of", cfg.MaxRetries+1, "error", err)
	}

	return result, fmt.Errorf("max retries (%d) exceeded: %w", cfg.MaxRetries, lastErr)
}

// backoff returns min(InitialDelay * Multiplier^n, MaxDelay).
func backoff(cfg Config, n int) time.Duration {
	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(multiplier, float64(n)))
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return delay
}
