package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/unklstewy/balloon-scope/internal/db"
	"github.com/unklstewy/balloon-scope/pkg/config"
	"github.com/unklstewy/balloon-scope/pkg/retry"
)

const usage = `Usage: ground-stations [-config path] <command> [args]

Commands:
  list                              List stored ground stations
  add <name> <lat> <lon> <elev_m>   Add or update a station by name
  activate <id>                     Make a station the active one
  delete <id>                       Remove a station
  stats                             Show row counts
  prune <max-age>                   Delete recorded sessions older than max-age (e.g. 720h)
`

func main() {
	configPath := flag.String("config", "configs/config.json", "Path to configuration file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	rc := retry.DefaultConfig()
	rc.Logger = logger.Sugar()

	database, err := db.ConnectWithRetry(ctx, cfg.Database, rc)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := database.InitSchema(ctx); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}
	if err := db.HealthCheck(ctx, database); err != nil {
		log.Fatalf("Database is not healthy: %v", err)
	}

	repo := db.NewGroundStationRepository(database)
	args := flag.Args()[1:]

	switch cmd := flag.Arg(0); cmd {
	case "list":
		err = list(ctx, repo)
	case "add":
		err = add(ctx, repo, rc, args)
	case "activate":
		err = withID(args, func(id int64) error {
			return db.WithRetry(ctx, rc, func(ctx context.Context) error { return repo.SetActive(ctx, id) })
		})
	case "delete":
		err = withID(args, func(id int64) error {
			return db.WithRetry(ctx, rc, func(ctx context.Context) error { return repo.Delete(ctx, id) })
		})
	case "stats":
		err = stats(ctx, database)
	case "prune":
		err = prune(ctx, database, args)
	default:
		flag.Usage()
		log.Fatalf("Unknown command %q", cmd)
	}

	if errors.Is(err, db.ErrNotFound) {
		log.Fatalf("No such ground station")
	}
	if err != nil {
		log.Fatalf("Failed: %v", err)
	}
}

func list(ctx context.Context, repo *db.GroundStationRepository) error {
	stations, err := repo.List(ctx)
	if err != nil {
		return err
	}
	if len(stations) == 0 {
		fmt.Println("No ground stations stored")
		return nil
	}

	fmt.Println("  ID | Name                 | Latitude   | Longitude   | Elev (m) | Active")
	fmt.Println("-----|----------------------|------------|-------------|----------|-------")
	for _, s := range stations {
		active := ""
		if s.IsActive {
			active = "✓"
		}
		fmt.Printf("%4d | %-20s | %10.5f | %11.5f | %8.1f | %s\n",
			s.ID, s.Name, s.Latitude, s.Longitude, s.ElevationMeters, active)
	}
	return nil
}

func add(ctx context.Context, repo *db.GroundStationRepository, rc retry.Config, args []string) error {
	if len(args) != 4 {
		return errors.New("add needs <name> <lat> <lon> <elev_m>")
	}

	var values [3]float64
	for i, arg := range args[1:] {
		v, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", arg, err)
		}
		values[i] = v
	}

	station := &db.GroundStation{
		Name:            args[0],
		Latitude:        values[0],
		Longitude:       values[1],
		ElevationMeters: values[2],
	}
	if err := db.WithRetry(ctx, rc, func(ctx context.Context) error { return repo.Upsert(ctx, station) }); err != nil {
		return err
	}
	fmt.Printf("✓ Stored %s as #%d (active=%v)\n", station.Name, station.ID, station.IsActive)
	return nil
}

func withID(args []string, fn func(id int64) error) error {
	if len(args) != 1 {
		return errors.New("expected a single station id")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", args[0], err)
	}
	if err := fn(id); err != nil {
		return err
	}
	fmt.Println("✓ Done")
	return nil
}

func stats(ctx context.Context, database *db.DB) error {
	s, err := database.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Ground stations: %d\n", s.GroundStations)
	fmt.Printf("Sessions:        %d\n", s.Sessions)
	fmt.Printf("Samples:         %d\n", s.Samples)
	fmt.Printf("Decisions:       %d\n", s.Decisions)
	return nil
}

func prune(ctx context.Context, database *db.DB, args []string) error {
	if len(args) != 1 {
		return errors.New("prune needs a max age")
	}
	maxAge, err := time.ParseDuration(args[0])
	if err != nil {
		return fmt.Errorf("invalid max age %q: %w", args[0], err)
	}
	removed, err := database.Prune(ctx, maxAge)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Removed %d rows older than %s\n", removed, maxAge)
	return nil
}
