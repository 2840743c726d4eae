// The worker hosts everything wfsync needs at runtime: the mutex and
// semaphore coordinator workflows, the serialized processor, the transfer
// example, and the activities behind them. Point it at a Temporal frontend
// and run lock-using workflows on the same task queue.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.temporal.io/sdk/client"
	sdklog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"
	"golang.org/x/sync/errgroup"

	"github.com/wfsync/wfsync/examples/transfer"
	"github.com/wfsync/wfsync/internal/logging"
	"github.com/wfsync/wfsync/internal/obs"
	"github.com/wfsync/wfsync/lock"
	"github.com/wfsync/wfsync/serialized"
)

// config is the worker's environment surface.
type config struct {
	HostPort    string        `env:"TEMPORAL_HOST_PORT" envDefault:"localhost:7233"`
	Namespace   string        `env:"TEMPORAL_NAMESPACE" envDefault:"default"`
	TaskQueue   string        `env:"WFSYNC_TASK_QUEUE" envDefault:"wfsync"`
	MetricsAddr string        `env:"WFSYNC_METRICS_ADDR" envDefault:":9090"`
	DialTries   uint          `env:"WFSYNC_DIAL_TRIES" envDefault:"10"`
	DialDelay   time.Duration `env:"WFSYNC_DIAL_DELAY" envDefault:"500ms"`

	Log    logging.Config `envPrefix:"WFSYNC_"`
	Ledger ledgerConfig   `envPrefix:"WFSYNC_LEDGER_"`
}

// ledgerConfig drives the example ledger's failure injection from the
// environment, so a load test can flip outages on without a rebuild.
type ledgerConfig struct {
	OpeningBalance int64         `env:"OPENING_BALANCE" envDefault:"1000000"`
	FailureRate    float64       `env:"FAILURE_RATE" envDefault:"0"`
	CallDelay      time.Duration `env:"CALL_DELAY" envDefault:"0"`
}

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	logger := logging.New(cfg.Log)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := dial(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := obs.New(reg)

	w := worker.New(c, cfg.TaskQueue, worker.Options{})
	w.RegisterWorkflow(lock.MutexWorkflow)
	w.RegisterWorkflow(lock.SemaphoreWorkflow)
	w.RegisterWorkflow(serialized.ProcessorWorkflow)
	w.RegisterWorkflow(transfer.TransferWorkflow)
	w.RegisterActivity(lock.NewActivities(c, metrics))
	w.RegisterActivity(serialized.NewActivities())
	w.RegisterActivity(transfer.NewLedger(transfer.LedgerConfig{
		OpeningBalance: cfg.Ledger.OpeningBalance,
		FailureRate:    cfg.Ledger.FailureRate,
		CallDelay:      cfg.Ledger.CallDelay,
	}))

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := w.Start(); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
		slog.Info("worker started",
			"task_queue", cfg.TaskQueue, "host", cfg.HostPort, "namespace", cfg.Namespace)
		<-gctx.Done()
		w.Stop()
		return nil
	})
	g.Go(func() error {
		slog.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("worker stopped")
	return nil
}

// dial connects to the Temporal frontend, retrying with backoff so the worker
// can come up before the server does.
func dial(ctx context.Context, cfg config, logger *slog.Logger) (client.Client, error) {
	c, err := retry.DoWithData(
		func() (client.Client, error) {
			return client.Dial(client.Options{
				HostPort:  cfg.HostPort,
				Namespace: cfg.Namespace,
				Logger:    sdklog.NewStructuredLogger(logger),
			})
		},
		retry.Context(ctx),
		retry.Attempts(cfg.DialTries),
		retry.Delay(cfg.DialDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("temporal dial failed, retrying", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial temporal at %s: %w", cfg.HostPort, err)
	}
	return c, nil
}

func metricsMux(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
