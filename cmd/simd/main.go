// Simulator daemon.
// Serves the REST, JSON-RPC and WebSocket API over a set of simulated EVM
// environments and optionally runs a scenario file at startup.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/evmsim/internal/config"
	"github.com/gateway-fm/evmsim/internal/environment"
	"github.com/gateway-fm/evmsim/internal/manager"
	"github.com/gateway-fm/evmsim/internal/metrics"
	"github.com/gateway-fm/evmsim/internal/scenario"
	"github.com/gateway-fm/evmsim/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("simd failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewPrometheus(reg)

	mgr := manager.New(
		manager.WithLogger(logger),
		manager.WithMetrics(m),
		manager.WithEnvironmentOptions(
			environment.WithQueueSize(cfg.QueueSize),
			environment.WithSubscriberBuffer(cfg.SubscriberBuffer),
		),
	)

	api := transport.NewServer(mgr,
		transport.WithLogger(logger),
		transport.WithCORSOrigins(cfg.CORSOrigin),
		transport.WithGatherer(reg),
		transport.WithDataDir(cfg.DataDir),
	)
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting HTTP server", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.ScenarioFile != "" {
		g.Go(func() error {
			runScenario(gctx, cfg, mgr, m, logger)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")
		api.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		httpErr := httpServer.Shutdown(shutdownCtx)
		if err := mgr.StopAll(); err != nil {
			return fmt.Errorf("stop environments: %w", err)
		}
		return httpErr
	})

	return g.Wait()
}

// runScenario loads and runs the startup scenario. Failures are logged; the
// daemon keeps serving.
func runScenario(ctx context.Context, cfg *config.Config, mgr *manager.Manager, m *metrics.Prometheus, logger *slog.Logger) {
	sc, err := scenario.Load(cfg.ScenarioFile)
	if err != nil {
		logger.Error("failed to load scenario", "error", err, "path", cfg.ScenarioFile)
		return
	}
	res, err := scenario.Run(ctx, mgr, sc,
		scenario.WithLogger(logger),
		scenario.WithMetrics(m),
		scenario.WithDirectory(cfg.DataDir),
	)
	if err != nil {
		logger.Error("scenario failed", "error", err, "path", cfg.ScenarioFile)
		return
	}
	logger.Info("scenario completed",
		"environment", res.Label,
		"transfers", len(res.Outcomes),
		"succeeded", res.Succeeded(),
		"records", res.Records,
		"outputs", res.Paths,
	)
}
