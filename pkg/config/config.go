package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/unklstewy/balloon-scope/pkg/coordinates"
	"github.com/unklstewy/balloon-scope/pkg/pointing"
	"github.com/unklstewy/balloon-scope/pkg/telemetry"
	"github.com/unklstewy/balloon-scope/pkg/tracking"
)

// Mount drivers.
const (
	DriverAlpaca    = "alpaca"
	DriverSimulated = "simulated"
)

// Config represents the complete application configuration.
type Config struct {
	Observer   ObserverConfig   `json:"observer"`
	Mount      MountConfig      `json:"mount"`
	Pointing   PointingConfig   `json:"pointing"`
	Estimator  EstimatorConfig  `json:"estimator"`
	Tracking   TrackingConfig   `json:"tracking"`
	Simulation SimulationConfig `json:"simulation"`
	Database   DatabaseConfig   `json:"database"`
	Metrics    MetricsConfig    `json:"metrics"`
	Logging    LoggingConfig    `json:"logging"`
}

// ObserverConfig is the ground station location.
// Leaving latitude and longitude at 0 means "load from the database".
type ObserverConfig struct {
	// Name is a friendly identifier for this ground station
	Name string `json:"name"`

	// Latitude in decimal degrees (-90 to +90)
	Latitude float64 `json:"latitude"`

	// Longitude in decimal degrees (-180 to +180)
	Longitude float64 `json:"longitude"`

	// Elevation in meters above sea level
	Elevation float64 `json:"elevation"`
}

// Location returns the observer as a geodetic position.
func (o ObserverConfig) Location() coordinates.Geographic {
	return coordinates.Geographic{
		Latitude:  o.Latitude,
		Longitude: o.Longitude,
		Altitude:  o.Elevation,
	}
}

// MountConfig selects and configures the mount driver.
type MountConfig struct {
	// Driver is "alpaca" or "simulated"
	Driver string `json:"driver"`

	// BaseURL is the Alpaca server address (e.g., "http://192.168.1.100:11111")
	BaseURL string `json:"base_url"`

	// DeviceNumber is the Alpaca device number (typically 0)
	DeviceNumber int `json:"device_number"`

	// SlewRate is the mount slew speed in degrees per second
	SlewRate float64 `json:"slew_rate"`

	// RequestsPerSecond limits Alpaca calls so a slow hand controller is not flooded
	RequestsPerSecond float64 `json:"requests_per_second"`

	// TimeoutSeconds bounds each Alpaca HTTP request
	TimeoutSeconds float64 `json:"timeout_seconds"`

	// MinAltitude and MaxAltitude bound the commanded altitude in degrees
	MinAltitude float64 `json:"min_altitude"`
	MaxAltitude float64 `json:"max_altitude"`
}

// Timeout returns the request timeout.
func (m MountConfig) Timeout() time.Duration {
	return seconds(m.TimeoutSeconds)
}

// PointingConfig tunes the pointing controller. Angles are in degrees.
type PointingConfig struct {
	PositionTolerance         float64 `json:"position_tolerance"`
	SettledTolerance          float64 `json:"settled_tolerance"`
	MinimumMove               float64 `json:"minimum_move"`
	IntermediateThreshold     float64 `json:"intermediate_threshold"`
	IntermediateFraction      float64 `json:"intermediate_fraction"`
	IntermediateHighPrecision bool    `json:"intermediate_high_precision"`
	SettleDelaySeconds        float64 `json:"settle_delay_seconds"`
	PrecisionThreshold        float64 `json:"precision_threshold"`
	FineHighPrecision         bool    `json:"fine_high_precision"`
	FallbackHighPrecision     bool    `json:"fallback_high_precision"`
	CommandTimeoutSeconds     float64 `json:"command_timeout_seconds"`
}

// Options converts the section to controller options.
func (p PointingConfig) Options() pointing.Options {
	return pointing.Options{
		PositionTolerance:         p.PositionTolerance,
		SettledTolerance:          p.SettledTolerance,
		MinimumMove:               p.MinimumMove,
		IntermediateThreshold:     p.IntermediateThreshold,
		IntermediateFraction:      p.IntermediateFraction,
		IntermediateHighPrecision: p.IntermediateHighPrecision,
		SettleDelay:               seconds(p.SettleDelaySeconds),
		PrecisionThreshold:        p.PrecisionThreshold,
		FineHighPrecision:         p.FineHighPrecision,
		FallbackHighPrecision:     p.FallbackHighPrecision,
		CommandTimeout:            seconds(p.CommandTimeoutSeconds),
	}
}

// EstimatorConfig holds the Kalman filter noise parameters.
type EstimatorConfig struct {
	// ProcessNoise is the diagonal of Q_base for [lat, lon, alt, v_lat, v_lon, v_alt]
	ProcessNoise []float64 `json:"process_noise"`

	// MeasurementNoise is the diagonal of R for [lat, lon, alt]
	MeasurementNoise []float64 `json:"measurement_noise"`

	// InitialCovariance scales the starting covariance
	InitialCovariance float64 `json:"initial_covariance"`
}

// Filter converts the section to estimator settings. Call Validate first;
// missing entries fall back to the defaults.
func (e EstimatorConfig) Filter() tracking.EstimatorConfig {
	out := tracking.DefaultEstimatorConfig()
	copy(out.ProcessNoise[:], e.ProcessNoise)
	copy(out.MeasurementNoise[:], e.MeasurementNoise)
	if e.InitialCovariance > 0 {
		out.InitialCovariance = e.InitialCovariance
	}
	return out
}

// TrackingConfig controls the tracking loop cadence and lead.
type TrackingConfig struct {
	// IntervalSeconds is the time between pointing evaluations
	IntervalSeconds float64 `json:"interval_seconds"`

	// SystemLatencySeconds covers telemetry transport and command round-trip
	SystemLatencySeconds float64 `json:"system_latency_seconds"`

	// MaxLeadSeconds caps the prediction horizon
	MaxLeadSeconds float64 `json:"max_lead_seconds"`
}

// LoopConfig combines the tracking and mount sections into loop settings.
func (c *Config) LoopConfig() tracking.LoopConfig {
	return tracking.LoopConfig{
		Interval: seconds(c.Tracking.IntervalSeconds),
		Lead: tracking.LeadConfig{
			SystemLatency:     seconds(c.Tracking.SystemLatencySeconds),
			SlewRateDegPerSec: c.Mount.SlewRate,
			MaxLead:           seconds(c.Tracking.MaxLeadSeconds),
		},
		Limits: tracking.TrackingLimits{
			MinAltitude: c.Mount.MinAltitude,
			MaxAltitude: c.Mount.MaxAltitude,
		},
	}
}

// SimulationConfig shapes the simulated balloon used for dry runs.
type SimulationConfig struct {
	// StartBearing and StartDistanceKm place the launch point relative to the observer
	StartBearing    float64 `json:"start_bearing"`
	StartDistanceKm float64 `json:"start_distance_km"`

	IntervalSeconds  float64 `json:"interval_seconds"`
	StepMeters       float64 `json:"step_meters"`
	MaxVerticalSpeed float64 `json:"max_vertical_speed"`

	// MinAltitude and MaxAltitude are meters above the observer
	MinAltitude float64 `json:"min_altitude"`
	MaxAltitude float64 `json:"max_altitude"`

	Seed uint64 `json:"seed"`
}

// Balloon builds the simulated balloon settings around the observer.
func (c *Config) Balloon() telemetry.BalloonConfig {
	observer := c.Observer.Location()
	start := coordinates.Destination(observer, c.Simulation.StartBearing, c.Simulation.StartDistanceKm)

	cfg := telemetry.DefaultBalloonConfig(start)
	cfg.Interval = seconds(c.Simulation.IntervalSeconds)
	cfg.StepMeters = c.Simulation.StepMeters
	cfg.MaxVerticalSpeed = c.Simulation.MaxVerticalSpeed
	cfg.MinAltitude = observer.Altitude + c.Simulation.MinAltitude
	cfg.MaxAltitude = observer.Altitude + c.Simulation.MaxAltitude
	cfg.Seed = c.Simulation.Seed
	return cfg
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	// Enabled turns on the session recorder and ground station lookup
	Enabled bool `json:"enabled"`

	// Host is the database server hostname
	Host string `json:"host"`

	// Port is the database server port
	Port int `json:"port"`

	// Database is the database name
	Database string `json:"database"`

	// Username for database authentication
	Username string `json:"username"`

	// Password for database authentication (should be loaded from environment)
	Password string `json:"password"`

	// SSLMode for PostgreSQL connections (disable, require, verify-ca, verify-full)
	SSLMode string `json:"ssl_mode"`

	// MaxOpenConns is the maximum number of open connections
	MaxOpenConns int `json:"max_open_conns"`

	// MaxIdleConns is the maximum number of idle connections
	MaxIdleConns int `json:"max_idle_conns"`
}

// DSN returns the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.Username, d.Password, d.Database, d.SSLMode,
	)
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error
	Level string `json:"level"`

	// Development switches to console output with stack traces on warnings
	Development bool `json:"development"`
}

// Build constructs the logger described by the section.
func (l LoggingConfig) Build() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", l.Level, err)
	}

	zc := zap.NewProductionConfig()
	if l.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}

// Load reads configuration from a JSON file on top of the defaults.
// If the file doesn't exist, the defaults are used. Environment overrides
// are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnvironmentOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to a JSON file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	estimator := tracking.DefaultEstimatorConfig()
	opts := pointing.DefaultOptions()
	lead := tracking.DefaultLeadConfig()

	return &Config{
		Observer: ObserverConfig{
			Name: "Ground Station",
		},
		Mount: MountConfig{
			Driver:            DriverSimulated,
			BaseURL:           "http://localhost:11111",
			DeviceNumber:      0,
			SlewRate:          lead.SlewRateDegPerSec,
			RequestsPerSecond: 5,
			TimeoutSeconds:    10,
			MinAltitude:       -90,
			MaxAltitude:       90,
		},
		Pointing: PointingConfig{
			PositionTolerance:         opts.PositionTolerance,
			SettledTolerance:          opts.SettledTolerance,
			MinimumMove:               opts.MinimumMove,
			IntermediateThreshold:     opts.IntermediateThreshold,
			IntermediateFraction:      opts.IntermediateFraction,
			IntermediateHighPrecision: opts.IntermediateHighPrecision,
			SettleDelaySeconds:        opts.SettleDelay.Seconds(),
			PrecisionThreshold:        opts.PrecisionThreshold,
			FineHighPrecision:         opts.FineHighPrecision,
			FallbackHighPrecision:     opts.FallbackHighPrecision,
			CommandTimeoutSeconds:     opts.CommandTimeout.Seconds(),
		},
		Estimator: EstimatorConfig{
			ProcessNoise:      append([]float64(nil), estimator.ProcessNoise[:]...),
			MeasurementNoise:  append([]float64(nil), estimator.MeasurementNoise[:]...),
			InitialCovariance: estimator.InitialCovariance,
		},
		Tracking: TrackingConfig{
			IntervalSeconds:      15,
			SystemLatencySeconds: lead.SystemLatency.Seconds(),
			MaxLeadSeconds:       lead.MaxLead.Seconds(),
		},
		Simulation: SimulationConfig{
			StartBearing:     45,
			StartDistanceKm:  1,
			IntervalSeconds:  1,
			StepMeters:       11,
			MaxVerticalSpeed: 5,
			MinAltitude:      50,
			MaxAltitude:      500,
			Seed:             1,
		},
		Database: DatabaseConfig{
			Enabled:      false,
			Host:         "localhost",
			Port:         5432,
			Database:     "balloonscope",
			Username:     "balloonscope",
			SSLMode:      "disable",
			MaxOpenConns: 10,
			MaxIdleConns: 2,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  ":9090",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate checks the configuration for values the tracker cannot run with.
// All problems are reported together.
func (c *Config) Validate() error {
	var err error

	if observer := c.Observer.Location(); !observer.IsUnset() {
		if verr := coordinates.Validate(observer); verr != nil {
			err = multierr.Append(err, fmt.Errorf("observer: %w", verr))
		}
	}

	switch c.Mount.Driver {
	case DriverAlpaca:
		if c.Mount.BaseURL == "" {
			err = multierr.Append(err, errors.New("mount: base_url is required for the alpaca driver"))
		}
	case DriverSimulated:
	default:
		err = multierr.Append(err, fmt.Errorf("mount: unknown driver %q", c.Mount.Driver))
	}
	if c.Mount.SlewRate <= 0 {
		err = multierr.Append(err, fmt.Errorf("mount: slew_rate must be positive, got %v", c.Mount.SlewRate))
	}
	if c.Mount.MinAltitude < -90 || c.Mount.MaxAltitude > 90 || c.Mount.MinAltitude >= c.Mount.MaxAltitude {
		err = multierr.Append(err, fmt.Errorf("mount: altitude limits [%v, %v] invalid", c.Mount.MinAltitude, c.Mount.MaxAltitude))
	}

	p := c.Pointing
	if p.PositionTolerance < pointing.MinTolerance || p.SettledTolerance < pointing.MinTolerance {
		err = multierr.Append(err, fmt.Errorf("pointing: tolerances must be at least %v degrees", pointing.MinTolerance))
	}
	if p.MinimumMove < 0 || p.IntermediateThreshold < 0 || p.PrecisionThreshold < 0 {
		err = multierr.Append(err, errors.New("pointing: thresholds must not be negative"))
	}
	if p.IntermediateFraction <= 0 || p.IntermediateFraction > 1 {
		err = multierr.Append(err, fmt.Errorf("pointing: intermediate_fraction must be in (0, 1], got %v", p.IntermediateFraction))
	}
	if p.SettleDelaySeconds < 0 || p.CommandTimeoutSeconds < 0 {
		err = multierr.Append(err, errors.New("pointing: delays must not be negative"))
	}

	if n := len(c.Estimator.ProcessNoise); n != 6 {
		err = multierr.Append(err, fmt.Errorf("estimator: process_noise needs 6 entries, got %d", n))
	}
	if n := len(c.Estimator.MeasurementNoise); n != 3 {
		err = multierr.Append(err, fmt.Errorf("estimator: measurement_noise needs 3 entries, got %d", n))
	}
	for _, v := range append(append([]float64(nil), c.Estimator.ProcessNoise...), c.Estimator.MeasurementNoise...) {
		if v < 0 {
			err = multierr.Append(err, errors.New("estimator: noise values must not be negative"))
			break
		}
	}

	if c.Tracking.IntervalSeconds <= 0 {
		err = multierr.Append(err, fmt.Errorf("tracking: interval_seconds must be positive, got %v", c.Tracking.IntervalSeconds))
	}
	if c.Tracking.SystemLatencySeconds < 0 || c.Tracking.MaxLeadSeconds < 0 {
		err = multierr.Append(err, errors.New("tracking: lead settings must not be negative"))
	}

	if _, lerr := zap.ParseAtomicLevel(c.Logging.Level); lerr != nil {
		err = multierr.Append(err, fmt.Errorf("logging: %w", lerr))
	}
	return err
}

// applyEnvironmentOverrides applies environment variable overrides to the config.
// This allows sensitive data like passwords to be kept out of config files.
func (c *Config) applyEnvironmentOverrides() error {
	if v := os.Getenv("BALLOON_SCOPE_DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("BALLOON_SCOPE_MOUNT_URL"); v != "" {
		c.Mount.BaseURL = v
	}
	if v := os.Getenv("BALLOON_SCOPE_MOUNT_DRIVER"); v != "" {
		c.Mount.Driver = v
	}
	if v := os.Getenv("BALLOON_SCOPE_METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}
	if v := os.Getenv("BALLOON_SCOPE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	var err error
	for name, dst := range map[string]*float64{
		"BALLOON_SCOPE_OBSERVER_LAT":       &c.Observer.Latitude,
		"BALLOON_SCOPE_OBSERVER_LON":       &c.Observer.Longitude,
		"BALLOON_SCOPE_OBSERVER_ELEVATION": &c.Observer.Elevation,
	} {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		f, perr := strconv.ParseFloat(v, 64)
		if perr != nil {
			err = multierr.Append(err, fmt.Errorf("invalid %s: %w", name, perr))
			continue
		}
		*dst = f
	}
	return err
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
