package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/multierr"

	"github.com/unklstewy/balloon-scope/pkg/pointing"
	"github.com/unklstewy/balloon-scope/pkg/tracking"
)

// TestDefaultConfig verifies that DefaultConfig returns valid defaults.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected defaults to validate, got %v", err)
	}
	if cfg.Mount.Driver != DriverSimulated {
		t.Errorf("Expected simulated driver, got %s", cfg.Mount.Driver)
	}
	if cfg.Database.Port != 5432 {
		t.Errorf("Expected default postgres port 5432, got %d", cfg.Database.Port)
	}
	if cfg.Database.Enabled {
		t.Error("Expected database disabled by default")
	}
	if cfg.Tracking.IntervalSeconds != 15 {
		t.Errorf("Expected 15s tracking interval, got %v", cfg.Tracking.IntervalSeconds)
	}
	if !cfg.Observer.Location().IsUnset() {
		t.Error("Expected the observer to be unset by default")
	}
}

// TestDefaultsMatchPackages keeps the config defaults in line with the
// package defaults they mirror.
func TestDefaultsMatchPackages(t *testing.T) {
	cfg := DefaultConfig()

	if diff := cmp.Diff(pointing.DefaultOptions(), cfg.Pointing.Options()); diff != "" {
		t.Errorf("pointing options mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(tracking.DefaultEstimatorConfig(), cfg.Estimator.Filter()); diff != "" {
		t.Errorf("estimator config mismatch (-want +got):\n%s", diff)
	}

	loop := cfg.LoopConfig()
	if loop.Interval != 15*time.Second {
		t.Errorf("Expected 15s interval, got %v", loop.Interval)
	}
	if diff := cmp.Diff(tracking.DefaultLeadConfig(), loop.Lead); diff != "" {
		t.Errorf("lead config mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(tracking.DefaultTrackingLimits(), loop.Limits); diff != "" {
		t.Errorf("limits mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.json")
	if err != nil {
		t.Fatalf("Expected no error for non-existent file, got: %v", err)
	}
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Errorf("Expected default config (-want +got):\n%s", diff)
	}
}

// TestLoadPartialConfig checks that omitted fields keep their defaults.
func TestLoadPartialConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "partial.json")
	partial := `{
  "observer": {"name": "Field", "latitude": 35.5, "longitude": -80.8, "elevation": 200},
  "mount": {"driver": "alpaca", "base_url": "http://mount.local:11111"},
  "pointing": {"fine_high_precision": true}
}`
	if err := os.WriteFile(configPath, []byte(partial), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Observer.Latitude != 35.5 || cfg.Observer.Elevation != 200 {
		t.Errorf("Expected observer from file, got %+v", cfg.Observer)
	}
	if cfg.Mount.Driver != DriverAlpaca {
		t.Errorf("Expected alpaca driver, got %s", cfg.Mount.Driver)
	}
	if cfg.Mount.SlewRate != DefaultConfig().Mount.SlewRate {
		t.Errorf("Expected default slew rate, got %v", cfg.Mount.SlewRate)
	}
	if !cfg.Pointing.FineHighPrecision {
		t.Error("Expected fine_high_precision from file")
	}
	if cfg.Pointing.PositionTolerance != 0.5 {
		t.Errorf("Expected default position tolerance, got %v", cfg.Pointing.PositionTolerance)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected config to validate, got %v", err)
	}
}

// TestLoadInvalidJSON tests error handling for malformed JSON.
func TestLoadInvalidJSON(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "invalid.json")
	if err := os.WriteFile(configPath, []byte("{ invalid json }"), 0644); err != nil {
		t.Fatalf("Failed to write invalid config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Expected error for invalid JSON, got nil")
	}
	if !strings.Contains(err.Error(), "failed to parse") {
		t.Errorf("Expected parse error, got: %v", err)
	}
}

// TestSaveConfig tests saving configuration to a nested path and loading it back.
func TestSaveConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "dir", "config.json")

	cfg := DefaultConfig()
	cfg.Observer.Name = "Test Save"
	cfg.Pointing.SettleDelaySeconds = 5

	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load saved config: %v", err)
	}
	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Errorf("round trip mismatch (-saved +loaded):\n%s", diff)
	}
}

// TestEnvironmentOverrides tests environment variable overrides.
func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("BALLOON_SCOPE_DB_PASSWORD", "env-password")
	t.Setenv("BALLOON_SCOPE_MOUNT_URL", "http://env-mount:11111")
	t.Setenv("BALLOON_SCOPE_MOUNT_DRIVER", DriverAlpaca)
	t.Setenv("BALLOON_SCOPE_LOG_LEVEL", "debug")
	t.Setenv("BALLOON_SCOPE_OBSERVER_LAT", "40.5")
	t.Setenv("BALLOON_SCOPE_OBSERVER_LON", "-105.25")

	configPath := filepath.Join(t.TempDir(), "config.json")
	fileCfg := DefaultConfig()
	fileCfg.Database.Password = "original-password"
	data, _ := json.Marshal(fileCfg)
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.Password != "env-password" {
		t.Errorf("Expected env-password from env, got %s", cfg.Database.Password)
	}
	if cfg.Mount.BaseURL != "http://env-mount:11111" || cfg.Mount.Driver != DriverAlpaca {
		t.Errorf("Expected mount from env, got %+v", cfg.Mount)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected debug level from env, got %s", cfg.Logging.Level)
	}
	if cfg.Observer.Latitude != 40.5 || cfg.Observer.Longitude != -105.25 {
		t.Errorf("Expected observer from env, got %+v", cfg.Observer)
	}
}

func TestEnvironmentOverrideInvalidFloat(t *testing.T) {
	t.Setenv("BALLOON_SCOPE_OBSERVER_ELEVATION", "high")

	if _, err := Load("/nonexistent/config.json"); err == nil {
		t.Error("Expected an error for a non-numeric elevation")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errors int
	}{
		{"defaults", func(c *Config) {}, 0},
		{"observer out of range", func(c *Config) { c.Observer.Latitude = 95; c.Observer.Longitude = 10 }, 1},
		{"unknown driver", func(c *Config) { c.Mount.Driver = "serial" }, 1},
		{"alpaca without url", func(c *Config) { c.Mount.Driver = DriverAlpaca; c.Mount.BaseURL = "" }, 1},
		{"tolerance below floor", func(c *Config) { c.Pointing.SettledTolerance = 0.05 }, 1},
		{"fraction out of range", func(c *Config) { c.Pointing.IntermediateFraction = 1.5 }, 1},
		{"negative settle delay", func(c *Config) { c.Pointing.SettleDelaySeconds = -1 }, 1},
		{"short process noise", func(c *Config) { c.Estimator.ProcessNoise = []float64{1, 2} }, 1},
		{"zero interval", func(c *Config) { c.Tracking.IntervalSeconds = 0 }, 1},
		{"inverted limits", func(c *Config) { c.Mount.MinAltitude = 50; c.Mount.MaxAltitude = 10 }, 1},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, 1},
		{"several problems", func(c *Config) {
			c.Mount.SlewRate = 0
			c.Tracking.IntervalSeconds = -1
			c.Pointing.PositionTolerance = 0
		}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if got := len(multierr.Errors(err)); got != tt.errors {
				t.Errorf("Expected %d errors, got %d: %v", tt.errors, got, err)
			}
		})
	}
}

func TestBalloonConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Observer = ObserverConfig{Latitude: 40, Longitude: -105, Elevation: 1600}

	b := cfg.Balloon()
	if b.MinAltitude != 1650 || b.MaxAltitude != 2100 {
		t.Errorf("Expected altitude band [1650, 2100], got [%v, %v]", b.MinAltitude, b.MaxAltitude)
	}
	if b.Interval != time.Second {
		t.Errorf("Expected 1s interval, got %v", b.Interval)
	}
	if b.Start.Latitude <= 40 || b.Start.Longitude <= -105 {
		t.Errorf("Expected a start north-east of the observer, got %+v", b.Start)
	}
}

func TestLoggingBuild(t *testing.T) {
	logger, err := LoggingConfig{Level: "warn"}.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if logger.Core().Enabled(-1) {
		t.Error("Expected debug to be disabled at warn level")
	}

	if _, err := (LoggingConfig{Level: "chatty"}).Build(); err == nil {
		t.Error("Expected an error for an unknown level")
	}
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5433, Username: "u", Password: "p", Database: "n", SSLMode: "require"}
	want := "host=db port=5433 user=u password=p dbname=n sslmode=require"
	if got := d.DSN(); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}
