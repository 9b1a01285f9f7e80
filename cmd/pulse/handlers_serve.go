package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/pulse/internal/config"
	"github.com/haasonsaas/pulse/internal/gateway"
	"github.com/haasonsaas/pulse/internal/handshake"
	"github.com/haasonsaas/pulse/internal/observability"
	"github.com/haasonsaas/pulse/internal/presence"
	"github.com/haasonsaas/pulse/internal/sweeper"
)

// =============================================================================
// Serve Command Handler
// =============================================================================

// startJobs is replaced in tests.
var startJobs = (*sweeper.Sweeper).Start

// runServe starts the server and blocks until SIGINT/SIGTERM, then shuts
// down within the configured timeout.
func runServe(ctx context.Context, opts serveOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	override := func(cfg *config.Config) {
		if secret := jwtSecretOverride(opts.jwtSecret); secret != "" {
			cfg.Auth.JWTSecret = secret
		}
		if opts.port > 0 {
			cfg.Server.HTTPPort = opts.port
		}
		if opts.debug {
			cfg.Logging.Level = "debug"
		}
	}
	cfg, configPath, err := loadConfig(opts.configPath, override)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)
	logger.Info("starting Pulse",
		"version", version,
		"commit", commit,
		"config", configPath,
	)

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(promRegistry)

	registry := presence.NewRegistry(
		presence.WithGraceWindow(cfg.Stream.GraceWindow),
		presence.WithStaleTimeout(cfg.Stream.StaleTimeout),
		presence.WithLogger(logger),
		presence.WithMetrics(metrics),
	)
	issuer := handshake.NewIssuer(cfg.Handshake.TTL)

	server, err := gateway.New(cfg, gateway.Deps{
		Registry: registry,
		Issuer:   issuer,
		Verifier: newVerifier(cfg),
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracer,
		Gatherer: promRegistry,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}
	jobs := sweeper.New(registry, issuer, sweeper.Config{
		StaleInterval:     cfg.Stream.SweepInterval,
		ExpiredInterval:   cfg.Handshake.SweepInterval,
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
	}, logger, metrics)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// jobs start before the listener so a failure has nothing to shut down
	if err := startJobs(jobs, ctx); err != nil {
		_ = shutdownTracer(context.Background())
		return fmt.Errorf("failed to start background jobs: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// the listener outlives gctx; Shutdown stops it
		return server.Start(context.WithoutCancel(gctx))
	})
	if configPath != "" && opts.watch {
		g.Go(func() error {
			return config.Watch(gctx, configPath, logger, override, func(next *config.Config) {
				server.SetVerifier(newVerifier(next))
			})
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received, initiating graceful shutdown")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		jobs.Stop()
		err := server.Shutdown(shutdownCtx)
		if terr := shutdownTracer(shutdownCtx); terr != nil {
			logger.Warn("tracer shutdown failed", "error", terr)
		}
		if err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Pulse stopped gracefully")
	return nil
}
