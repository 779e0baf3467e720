package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/unklstewy/balloon-scope/internal/db"
	"github.com/unklstewy/balloon-scope/internal/observability"
	"github.com/unklstewy/balloon-scope/pkg/alpaca"
	"github.com/unklstewy/balloon-scope/pkg/config"
	"github.com/unklstewy/balloon-scope/pkg/coordinates"
	"github.com/unklstewy/balloon-scope/pkg/pointing"
	"github.com/unklstewy/balloon-scope/pkg/retry"
	"github.com/unklstewy/balloon-scope/pkg/telemetry"
	"github.com/unklstewy/balloon-scope/pkg/tracking"
)

// main runs the full tracking pipeline:
// - telemetry ingestion (simulated balloon, or JSON lines from a file or stdin)
// - Kalman estimation and lead-time prediction
// - pointing control of an Alpaca or simulated mount
// - optional session recording to PostgreSQL and a /metrics endpoint
func main() {
	configPath := flag.String("config", "configs/config.json", "Path to configuration file")
	duration := flag.Duration("duration", 0, "Stop after this long (0 = until interrupted)")
	dryRun := flag.Bool("dry-run", false, "Use the simulated mount regardless of configuration")
	session := flag.String("session", "", "Session name for recorded data (default: start time)")
	telemetryPath := flag.String("telemetry", "", "JSON-lines telemetry file, or - for stdin (default: simulated balloon)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *dryRun {
		cfg.Mount.Driver = config.DriverSimulated
	}

	base, err := cfg.Logging.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer base.Sync()
	logger := base.Sugar()

	if err := cfg.Validate(); err != nil {
		logger.Fatalw("invalid configuration", "path", *configPath, "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	if *session == "" {
		*session = time.Now().UTC().Format("20060102T150405Z")
	}

	if err := run(ctx, cfg, *session, *telemetryPath, logger); err != nil {
		logger.Fatalw("tracking stopped", "error", err)
	}
}

func run(ctx context.Context, cfg *config.Config, session, telemetryPath string, logger *zap.SugaredLogger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if cfg.Metrics.Enabled {
		srv := serveMetrics(cfg.Metrics.Listen, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	rc := retry.DefaultConfig()
	rc.Logger = logger

	// Database is optional: it supplies the ground station when the config
	// leaves it unset and records the session.
	var recorder *db.Recorder
	var database *db.DB
	if cfg.Database.Enabled {
		var err error
		database, err = db.ConnectWithRetry(ctx, cfg.Database, rc)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.InitSchema(ctx); err != nil {
			return err
		}
		recorder = db.NewRecorder(database, session)
		logger.Infow("recording session", "session", session)
	}

	ground, err := groundStation(ctx, cfg, database)
	if err != nil {
		return err
	}

	driver, closeDriver, err := openDriver(ctx, cfg, rc, logger)
	if err != nil {
		return err
	}
	defer closeDriver()

	pointingMetrics, err := pointing.NewMetrics(reg)
	if err != nil {
		return err
	}
	trackingMetrics, err := tracking.NewMetrics(reg)
	if err != nil {
		return err
	}

	controller := pointing.NewController(driver, cfg.Pointing.Options(),
		pointing.WithLogger(logger.Named("pointing")),
		pointing.WithMetrics(pointingMetrics),
	)
	defer controller.Close()

	opts := []tracking.LoopOption{
		tracking.WithLoopLogger(logger.Named("tracking")),
		tracking.WithLoopMetrics(trackingMetrics),
	}
	if recorder != nil {
		opts = append(opts, tracking.WithRecorder(recorder))
	}
	loop := tracking.NewLoop(tracking.NewEstimator(cfg.Estimator.Filter(), clock.New()), controller, cfg.LoopConfig(), opts...)
	if err := loop.SetGroundStation(ground); err != nil {
		return err
	}

	source, closeSource, err := openTelemetry(cfg, ground, telemetryPath, logger)
	if err != nil {
		return err
	}
	defer closeSource()
	samples, err := source.Stream(ctx)
	if err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	logger.Infow("tracking started",
		"ground", ground,
		"mount", cfg.Mount.Driver,
		"interval", cfg.LoopConfig().Interval,
	)

	if err := loop.Run(ctx, samples); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	snap := loop.Snapshot()
	logger.Infow("tracking finished",
		"samples", snap.Samples,
		"last_command", snap.Command,
		"phase", snap.Controller.Phase.String(),
	)

	if recorder != nil {
		summaryCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Long sessions can outlive the connection.
		conn, err := db.EnsureConnection(summaryCtx, database, rc, logger)
		if err != nil {
			logger.Warnw("failed to summarize session", "error", err)
			return nil
		}
		if conn != database {
			defer conn.Close()
		}
		if summary, err := db.NewRecorder(conn, session).Summary(summaryCtx); err == nil {
			logger.Infow("session recorded", "session", summary.Session,
				"samples", summary.Samples, "decisions", summary.Decisions, "commands", summary.Commands)
		}
	}
	return nil
}

// groundStation prefers the configured observer and falls back to the
// active station in the database.
func groundStation(ctx context.Context, cfg *config.Config, database *db.DB) (coordinates.Geographic, error) {
	if loc := cfg.Observer.Location(); !loc.IsUnset() {
		return loc, coordinates.Validate(loc)
	}
	if database == nil {
		return coordinates.Geographic{}, errors.New("observer location is not configured and the database is disabled")
	}

	station, err := db.NewGroundStationRepository(database).GetActive(ctx)
	if err != nil {
		return coordinates.Geographic{}, fmt.Errorf("failed to load ground station: %w", err)
	}
	return station.Location(), nil
}

// openTelemetry returns the configured sample source and a cleanup func.
func openTelemetry(cfg *config.Config, ground coordinates.Geographic, path string, logger *zap.SugaredLogger) (telemetry.Source, func(), error) {
	switch path {
	case "":
		// The simulated balloon is launched relative to the resolved station.
		cfg.Observer.Latitude, cfg.Observer.Longitude, cfg.Observer.Elevation = ground.Latitude, ground.Longitude, ground.Altitude
		logger.Info("using simulated balloon")
		return telemetry.NewSimulatedBalloon(cfg.Balloon(), clock.New()), func() {}, nil
	case "-":
		logger.Info("reading telemetry from stdin")
		return telemetry.NewReader(os.Stdin, logger.Named("telemetry")), func() {}, nil
	default:
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open telemetry: %w", err)
		}
		logger.Infow("reading telemetry", "path", path)
		return telemetry.NewReader(f, logger.Named("telemetry")), func() { f.Close() }, nil
	}
}

// openDriver connects the configured mount and returns a cleanup func.
func openDriver(ctx context.Context, cfg *config.Config, rc retry.Config, logger *zap.SugaredLogger) (pointing.Driver, func(), error) {
	switch cfg.Mount.Driver {
	case config.DriverAlpaca:
		mount := alpaca.NewMount(cfg.Mount, alpaca.WithLogger(logger.Named("alpaca")))
		if err := retry.Do(ctx, rc, mount.Connect); err != nil {
			return nil, nil, fmt.Errorf("failed to connect to mount: %w", err)
		}
		return mount, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mount.Disconnect(ctx); err != nil {
				logger.Warnw("failed to disconnect mount", "error", err)
			}
		}, nil
	default:
		logger.Info("using simulated mount")
		return pointing.NewSimulatedMount(clock.New(), cfg.Mount.SlewRate, coordinates.HorizontalCoordinates{}), func() {}, nil
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.SugaredLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(reg))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("metrics server failed", "error", err)
		}
	}()
	logger.Infow("serving metrics", "addr", addr)
	return srv
}
