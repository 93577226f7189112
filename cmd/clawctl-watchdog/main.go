// Command clawctl-watchdog is the independent safety process: it runs
// outside clawctl-server, polls that process's /healthz over HTTP, and
// forces every output line safe after enough consecutive failures. It
// shares configuration with the server but touches the GPIO lines
// directly, never through the server's Actuator Controller, since a
// wedged controller is exactly the failure this process exists to
// catch.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clawline/clawctl/infrastructure/logging"
	"github.com/clawline/clawctl/internal/app/actuator"
	"github.com/clawline/clawctl/internal/app/watchdog"
	"github.com/clawline/clawctl/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New("clawctl-watchdog", cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lines, err := buildWatchedLines(cfg)
	if err != nil {
		logger.Fatal(ctx, "build watched lines", err)
	}

	wd := watchdog.New(watchdog.Config{
		HealthURL:      cfg.WatchdogHealthURL,
		CheckInterval:  time.Duration(cfg.WatchdogCheckIntervalS) * time.Second,
		RequestTimeout: 2 * time.Second,
		FailThreshold:  cfg.WatchdogFailThreshold,
	}, lines, logger)

	go wd.Run(ctx)

	logger.WithFields(map[string]interface{}{
		"health_url":     cfg.WatchdogHealthURL,
		"check_interval": cfg.WatchdogCheckIntervalS,
		"fail_threshold": cfg.WatchdogFailThreshold,
	}).Info("clawctl-watchdog: watching")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info(ctx, "clawctl-watchdog: shutdown signal received", nil)
	cancel()
}

// buildWatchedLines opens a direct sysfs handle per output pin. These
// handles are distinct from the ones clawctl-server holds: two
// processes each exporting and writing the same sysfs path is the
// point, not a bug, since this process must be able to act with no
// dependency on the server's own GPIO state.
func buildWatchedLines(cfg *config.Config) ([]watchdog.Line, error) {
	coin, err := actuator.NewSysfsHandle(cfg.CoinPin)
	if err != nil {
		return nil, err
	}
	drop, err := actuator.NewSysfsHandle(cfg.DropPin)
	if err != nil {
		return nil, err
	}

	dirPins := map[string]int{
		"north": cfg.NorthPin,
		"south": cfg.SouthPin,
		"east":  cfg.EastPin,
		"west":  cfg.WestPin,
	}
	lines := []watchdog.Line{
		{Name: "coin", Handle: coin, Polarity: actuator.Polarity(cfg.CoinPinPolarityHigh)},
		{Name: "drop", Handle: drop, Polarity: actuator.Polarity(cfg.DropPinPolarityHigh)},
	}
	for name, pin := range dirPins {
		h, err := actuator.NewSysfsHandle(pin)
		if err != nil {
			return nil, err
		}
		lines = append(lines, watchdog.Line{Name: name, Handle: h, Polarity: actuator.Polarity(cfg.DirectionPinPolarityHigh)})
	}
	return lines, nil
}
