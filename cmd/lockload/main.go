// lockload drives and inspects wfsync coordinators on a live Temporal
// server. Its run mode floods a small pool of accounts with concurrent
// transfer workflows and reports grant latencies and outcomes; status and
// drain address a single coordinator.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/avast/retry-go/v4"
	"go.temporal.io/sdk/client"
	sdklog "go.temporal.io/sdk/log"

	"github.com/wfsync/wfsync/internal/logging"
)

const (
	exitSuccess     = 0
	exitFailure     = 1
	exitInterrupted = 130 // SIGINT or SIGTERM
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("🛑 Received signal %v, shutting down...", sig)
		cancel()
	}()

	cfg, err := parseConfig()
	if err != nil {
		log.Printf("❌ Configuration error: %v", err)
		os.Exit(exitFailure)
	}

	if err := cfg.Validate(); err != nil {
		log.Printf("❌ Invalid configuration: %v", err)
		os.Exit(exitFailure)
	}

	c, err := dial(ctx, cfg)
	if err != nil {
		log.Printf("❌ Connection failed: %v", err)
		os.Exit(exitFailure)
	}
	defer c.Close()

	switch cfg.Mode {
	case modeRun:
		err = newRunner(c, cfg).run(ctx)
	case modeStatus:
		err = showStatus(ctx, c, cfg)
	case modeDrain:
		err = drainCoordinator(ctx, c, cfg)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			log.Printf("🛑 %s canceled by user", cfg.Mode)
			os.Exit(exitInterrupted)
		}
		log.Printf("❌ %s failed: %v", cfg.Mode, err)
		os.Exit(exitFailure)
	}
	os.Exit(exitSuccess)
}

// dial connects to the Temporal frontend. The SDK's own logging goes to
// stderr so it cannot smear the report on stdout.
func dial(ctx context.Context, cfg *Config) (client.Client, error) {
	level := "warn"
	if cfg.Verbose {
		level = "debug"
	}
	logger := logging.NewWithWriter(logging.Config{Level: level, Format: "text"}, os.Stderr)

	c, err := retry.DoWithData(
		func() (client.Client, error) {
			return client.Dial(client.Options{
				HostPort:  cfg.HostPort,
				Namespace: cfg.Namespace,
				Logger:    sdklog.NewStructuredLogger(logger),
			})
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("temporal dial failed, retrying", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial temporal at %s: %w", cfg.HostPort, err)
	}
	return c, nil
}
