// Package alpaca drives an alt-azimuth mount over the ASCOM Alpaca REST API.
// Reference: https://ascom-standards.org/Developer/Alpaca.htm
package alpaca

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/unklstewy/balloon-scope/pkg/config"
	"github.com/unklstewy/balloon-scope/pkg/pointing"
)

// ErrNotConnected is returned by operations that need Connect first.
var ErrNotConnected = errors.New("alpaca mount not connected")

// Error is a non-zero ErrorNumber reported by the Alpaca server.
type Error struct {
	Number  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("alpaca error %d: %s", e.Number, e.Message)
}

// Mount is a pointing.Driver backed by an Alpaca telescope device.
type Mount struct {
	cfg        config.MountConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.SugaredLogger

	// clientID identifies this session to the server, as the Alpaca API asks
	clientID  uint32
	txn       atomic.Uint32
	connected atomic.Bool
}

var _ pointing.Driver = (*Mount)(nil)

// Option configures a Mount.
type Option func(*Mount)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Mount) { m.httpClient = c }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(m *Mount) { m.logger = logger }
}

// NewMount creates a mount client. Requests are rate limited to
// cfg.RequestsPerSecond; zero or less disables the limit.
func NewMount(cfg config.MountConfig, opts ...Option) *Mount {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	m := &Mount{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, 1),
		logger:     zap.NewNop().Sugar(),
		clientID:   rand.Uint32N(65535) + 1,
	}
	for _, o := range opts {
		o(m)
	}
	m.cfg.BaseURL = strings.TrimRight(m.cfg.BaseURL, "/")
	return m
}

// Connect claims the device and unparks it if needed.
// Implements: PUT /api/v1/telescope/{device_number}/connected
func (m *Mount) Connect(ctx context.Context) error {
	if _, err := m.put(ctx, "connected", url.Values{"Connected": {"true"}}); err != nil {
		return fmt.Errorf("failed to connect to mount: %w", err)
	}
	m.connected.Store(true)

	parked, err := m.getBool(ctx, "atpark")
	if err != nil {
		// Not every driver implements parking.
		m.logger.Debugw("atpark unavailable", "error", err)
		parked = false
	}
	if parked {
		m.logger.Info("mount is parked, unparking")
		if _, err := m.put(ctx, "unpark", nil); err != nil {
			return fmt.Errorf("failed to unpark mount: %w", err)
		}
	}

	m.logger.Infow("connected to alpaca mount", "url", m.cfg.BaseURL, "device", m.cfg.DeviceNumber)
	return nil
}

// Disconnect releases the device. It is a no-op when not connected.
func (m *Mount) Disconnect(ctx context.Context) error {
	if !m.connected.Load() {
		return nil
	}
	if _, err := m.put(ctx, "connected", url.Values{"Connected": {"false"}}); err != nil {
		return fmt.Errorf("failed to disconnect from mount: %w", err)
	}
	m.connected.Store(false)
	return nil
}

// Connected reports whether Connect has succeeded.
func (m *Mount) Connected() bool {
	return m.connected.Load()
}

// Position returns the current azimuth and altitude.
func (m *Mount) Position(ctx context.Context) (float64, float64, error) {
	if !m.connected.Load() {
		return 0, 0, fmt.Errorf("%w: %w", pointing.ErrPositionUnavailable, ErrNotConnected)
	}
	az, err := m.getFloat(ctx, "azimuth")
	if err != nil {
		return 0, 0, fmt.Errorf("%w: azimuth: %w", pointing.ErrPositionUnavailable, err)
	}
	alt, err := m.getFloat(ctx, "altitude")
	if err != nil {
		return 0, 0, fmt.Errorf("%w: altitude: %w", pointing.ErrPositionUnavailable, err)
	}
	return az, alt, nil
}

// IsMoving reports whether the mount is slewing.
func (m *Mount) IsMoving(ctx context.Context) (bool, error) {
	if !m.connected.Load() {
		return false, ErrNotConnected
	}
	slewing, err := m.getBool(ctx, "slewing")
	if err != nil {
		return false, fmt.Errorf("failed to get slewing status: %w", err)
	}
	return slewing, nil
}

// Goto starts an asynchronous alt-az slew. Alpaca has no separate precise
// goto, so highPrecision only shows up in the log.
// Implements: PUT /api/v1/telescope/{device_number}/slewtoaltazasync
func (m *Mount) Goto(ctx context.Context, az, alt float64, highPrecision bool) error {
	if !m.connected.Load() {
		return fmt.Errorf("%w: %w", pointing.ErrGotoRejected, ErrNotConnected)
	}

	params := url.Values{
		"Azimuth":  {strconv.FormatFloat(az, 'f', 6, 64)},
		"Altitude": {strconv.FormatFloat(alt, 'f', 6, 64)},
	}
	m.logger.Debugw("slew", "az", az, "alt", alt, "high_precision", highPrecision)
	if _, err := m.put(ctx, "slewtoaltazasync", params); err != nil {
		return fmt.Errorf("%w: %w", pointing.ErrGotoRejected, err)
	}
	return nil
}

// AbortSlew stops any motion.
func (m *Mount) AbortSlew(ctx context.Context) error {
	if !m.connected.Load() {
		return ErrNotConnected
	}
	if _, err := m.put(ctx, "abortslew", nil); err != nil {
		return fmt.Errorf("failed to abort slew: %w", err)
	}
	return nil
}

// response is the standard Alpaca reply envelope.
type response struct {
	Value               json.RawMessage `json:"Value"`
	ClientTransactionID uint32          `json:"ClientTransactionID"`
	ServerTransactionID uint32          `json:"ServerTransactionID"`
	ErrorNumber         int             `json:"ErrorNumber"`
	ErrorMessage        string          `json:"ErrorMessage"`
}

func (r *response) err() error {
	if r.ErrorNumber != 0 {
		return &Error{Number: r.ErrorNumber, Message: r.ErrorMessage}
	}
	return nil
}

func (m *Mount) getBool(ctx context.Context, endpoint string) (bool, error) {
	resp, err := m.get(ctx, endpoint)
	if err != nil {
		return false, err
	}
	var v bool
	if err := json.Unmarshal(resp.Value, &v); err != nil {
		return false, fmt.Errorf("unexpected value for %s: %s", endpoint, resp.Value)
	}
	return v, nil
}

func (m *Mount) getFloat(ctx context.Context, endpoint string) (float64, error) {
	resp, err := m.get(ctx, endpoint)
	if err != nil {
		return 0, err
	}
	var v float64
	if err := json.Unmarshal(resp.Value, &v); err != nil {
		return 0, fmt.Errorf("unexpected value for %s: %s", endpoint, resp.Value)
	}
	return v, nil
}

func (m *Mount) get(ctx context.Context, endpoint string) (*response, error) {
	params := m.session()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.endpoint(endpoint)+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return m.do(req)
}

func (m *Mount) put(ctx context.Context, endpoint string, params url.Values) (*response, error) {
	form := m.session()
	for k, v := range params {
		form[k] = v
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, m.endpoint(endpoint), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return m.do(req)
}

func (m *Mount) do(req *http.Request) (*response, error) {
	if err := m.limiter.Wait(req.Context()); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("alpaca %s request failed: %w", req.Method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("alpaca returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	// Some servers answer a successful PUT with no content.
	if len(body) == 0 {
		return &response{}, nil
	}

	var out response
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if err := out.err(); err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *Mount) endpoint(name string) string {
	return fmt.Sprintf("%s/api/v1/telescope/%d/%s", m.cfg.BaseURL, m.cfg.DeviceNumber, name)
}

// session returns the client and transaction identifiers every call carries.
func (m *Mount) session() url.Values {
	return url.Values{
		"ClientID":            {strconv.FormatUint(uint64(m.clientID), 10)},
		"ClientTransactionID": {strconv.FormatUint(uint64(m.txn.Add(1)), 10)},
	}
}
