package telemetry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"

	"go.uber.org/zap"
)

// Reader is a Source backed by newline-delimited JSON, one Sample object per
// line, e.g. the output of a ground receiver's packet decoder:
//
//	{"time":"2026-06-01T12:00:00Z","lat":40.01,"lon":-105.2,"alt":18250.5,"accel_up":0.02}
//
// Blank lines are ignored. Lines that do not decode are logged and skipped.
type Reader struct {
	r      io.Reader
	logger *zap.SugaredLogger
}

var _ Source = (*Reader)(nil)

// NewReader creates a Reader over r. A nil logger discards output.
func NewReader(r io.Reader, logger *zap.SugaredLogger) *Reader {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Reader{r: r, logger: logger}
}

// Stream decodes samples until the input ends or ctx is done. A read that is
// blocked when ctx is cancelled returns only once the input yields or is
// closed; no sample is delivered after cancellation.
func (r *Reader) Stream(ctx context.Context) (<-chan Sample, error) {
	if r.r == nil {
		return nil, errors.New("telemetry reader has no input")
	}

	out := make(chan Sample, 1)
	go func() {
		defer close(out)

		scanner := bufio.NewScanner(r.r)
		line := 0
		for scanner.Scan() {
			line++
			raw := bytes.TrimSpace(scanner.Bytes())
			if len(raw) == 0 {
				continue
			}

			var s Sample
			if err := json.Unmarshal(raw, &s); err != nil {
				r.logger.Warnw("skipping malformed telemetry line", "line", line, "error", err)
				continue
			}

			select {
			case out <- s:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			r.logger.Errorw("telemetry input failed", "line", line, "error", err)
		}
		r.logger.Infow("telemetry input ended", "lines", line)
	}()
	return out, nil
}
