package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"github.com/unklstewy/balloon-scope/pkg/alpaca"
	"github.com/unklstewy/balloon-scope/pkg/config"
	"github.com/unklstewy/balloon-scope/pkg/coordinates"
	"github.com/unklstewy/balloon-scope/pkg/pointing"
)

// main checks an Alpaca mount through the same driver contract the tracker uses:
// 1. Connect (unparking if needed)
// 2. Read position and slewing state
// 3. Goto two targets and wait for each to settle
// 4. Start a third goto and abort it
// 5. Disconnect
func main() {
	configPath := flag.String("config", "configs/config.json", "Path to configuration file")
	settle := flag.Duration("settle-timeout", 60*time.Second, "How long to wait for each slew")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	fmt.Println("======================================================================")
	fmt.Println("Balloon Scope - Mount Check")
	fmt.Println("======================================================================")
	fmt.Printf("  Base URL:     %s\n", cfg.Mount.BaseURL)
	fmt.Printf("  Device Num:   %d\n", cfg.Mount.DeviceNumber)
	fmt.Printf("  Rate Limit:   %.1f req/sec\n", cfg.Mount.RequestsPerSecond)
	fmt.Println()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	mount := alpaca.NewMount(cfg.Mount, alpaca.WithLogger(logger.Sugar()))

	step("Connecting to mount")
	if err := mount.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer func() {
		step("Disconnecting")
		if err := mount.Disconnect(context.Background()); err != nil {
			log.Printf("Failed to disconnect: %v", err)
		}
	}()

	step("Reading position")
	az, alt, err := mount.Position(ctx)
	if err != nil {
		log.Fatalf("Failed to read position: %v", err)
	}
	fmt.Printf("  ✓ %s\n", coordinates.HorizontalCoordinates{Azimuth: az, Altitude: alt})

	for _, target := range []coordinates.HorizontalCoordinates{
		{Azimuth: 180, Altitude: 45},
		{Azimuth: 270, Altitude: 60},
	} {
		step(fmt.Sprintf("Goto %s", target))
		if err := mount.Goto(ctx, target.Azimuth, target.Altitude, true); err != nil {
			log.Fatalf("Goto failed: %v", err)
		}
		final, err := waitForSlew(ctx, mount, *settle)
		if err != nil {
			log.Fatalf("Slew did not complete: %v", err)
		}
		fmt.Printf("  ✓ Settled at %s (%.2f° from target)\n", final, pointing.AngularDistance(final, target))
	}

	step("Goto then abort")
	if err := mount.Goto(ctx, 90, 75, false); err != nil {
		log.Fatalf("Goto failed: %v", err)
	}
	time.Sleep(500 * time.Millisecond)
	if err := mount.AbortSlew(ctx); err != nil {
		log.Fatalf("Failed to abort slew: %v", err)
	}
	time.Sleep(500 * time.Millisecond)
	moving, err := mount.IsMoving(ctx)
	if err != nil {
		log.Fatalf("Failed to check slewing status: %v", err)
	}
	fmt.Printf("  ✓ Slewing after abort: %v\n", moving)

	fmt.Println()
	fmt.Println("✓ ALL CHECKS PASSED")
}

func step(msg string) {
	fmt.Println()
	fmt.Printf("→ %s...\n", msg)
}

// waitForSlew polls until the mount stops or the timeout expires, then
// returns where it ended up.
func waitForSlew(ctx context.Context, d pointing.Driver, timeout time.Duration) (coordinates.HorizontalCoordinates, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		moving, err := d.IsMoving(ctx)
		if err != nil {
			return coordinates.HorizontalCoordinates{}, err
		}
		if !moving {
			az, alt, err := d.Position(ctx)
			if err != nil {
				return coordinates.HorizontalCoordinates{}, err
			}
			return coordinates.HorizontalCoordinates{Azimuth: az, Altitude: alt}, nil
		}

		select {
		case <-ctx.Done():
			return coordinates.HorizontalCoordinates{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
