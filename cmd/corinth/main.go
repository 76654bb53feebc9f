// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/corinth/config"
	"github.com/absmach/corinth/events"
	"github.com/absmach/corinth/queue"
	"github.com/absmach/corinth/queue/middleware"
	"github.com/absmach/corinth/ratelimit"
	"github.com/absmach/corinth/server/health"
	apihttp "github.com/absmach/corinth/server/http"
	"github.com/absmach/corinth/server/otel"
	"github.com/absmach/corinth/webhook"
)

var version = "0.1.0"

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Corinth stopped with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Starting Corinth", "version", version)
	logger.Info("Configuration loaded",
		"http_addr", cfg.Server.HTTPAddr,
		"base_dir", cfg.Storage.BaseDir,
		"compaction_interval", cfg.Storage.CompactionInterval,
		"health_enabled", cfg.Server.HealthEnabled,
		"metrics_enabled", cfg.Server.MetricsEnabled,
		"webhook_enabled", cfg.Webhook.Enabled,
		"log_level", cfg.Log.Level)

	var (
		notifiers    []events.Notifier
		metrics      *otel.Metrics
		otelShutdown otel.ShutdownFunc
	)

	if cfg.Server.MetricsEnabled {
		shutdown, err := otel.InitProvider(context.Background(), cfg.Server)
		if err != nil {
			return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
		}
		otelShutdown = shutdown

		if cfg.Server.OtelMetricsEnabled {
			m, err := otel.NewMetrics(nil)
			if err != nil {
				return fmt.Errorf("failed to initialize metrics: %w", err)
			}
			metrics = m
			notifiers = append(notifiers, m)
		}
		logger.Info("OpenTelemetry initialized",
			"endpoint", cfg.Server.MetricsAddr,
			"traces", cfg.Server.OtelTracesEnabled,
			"metrics", cfg.Server.OtelMetricsEnabled)
	}

	if cfg.Webhook.Enabled {
		wh, err := webhook.NewNotifier(cfg.Webhook, cfg.Server.ServerID, webhook.NewHTTPSender(nil), logger)
		if err != nil {
			return fmt.Errorf("failed to initialize webhooks: %w", err)
		}
		notifiers = append(notifiers, wh)
	}

	var notifier events.Notifier
	if len(notifiers) > 0 {
		notifier = events.Fanout(notifiers...)
	}

	manager, err := queue.NewManager(queue.Config{
		BaseDir:            cfg.Storage.BaseDir,
		CompactionInterval: cfg.Storage.CompactionInterval,
		SyncWrites:         cfg.Storage.SyncWrites,
		Notifier:           notifier,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	start := time.Now()
	if err := manager.Recover(context.Background()); err != nil {
		manager.Stop()
		return fmt.Errorf("failed to recover queues: %w", err)
	}
	logger.Info("Queues recovered",
		"queues", len(manager.Queues()),
		"duration", time.Since(start))

	var svc queue.Service = manager
	if metrics != nil {
		svc = middleware.NewMetrics(svc, metrics)
	}
	svc = middleware.NewLogging(svc, logger)

	var limiter *ratelimit.IPRateLimiter
	if cfg.Server.RateLimit.Enabled {
		limiter = ratelimit.NewIPRateLimiter(ratelimit.Config{
			Rate:            cfg.Server.RateLimit.RequestsPerSecond,
			Burst:           cfg.Server.RateLimit.Burst,
			CleanupInterval: cfg.Server.RateLimit.CleanupInterval,
		})
		defer limiter.Stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 2)

	apiServer := apihttp.New(apihttp.Config{
		Address:         cfg.Server.HTTPAddr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Version:         version,
		Compression:     cfg.Server.CompressionEnabled,
		Tracing:         cfg.Server.MetricsEnabled && cfg.Server.OtelTracesEnabled,
		Defaults: apihttp.QueueDefaults{
			RequeueTime:         cfg.Queue.RequeueTime,
			DeduplicationTime:   cfg.Queue.DeduplicationTime,
			DeadLetterThreshold: cfg.Queue.DeadLetterThreshold,
			MaxBatchSize:        cfg.Queue.MaxBatchSize,
			MaxDequeueAmount:    cfg.Queue.MaxDequeueAmount,
		},
	}, svc, limiter, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	if cfg.Server.HealthEnabled {
		healthServer := health.New(health.Config{
			Address:         cfg.Server.HealthAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, manager, svc, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	logger.Info("Corinth started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig)
	case runErr = <-serverErr:
		logger.Error("Server error", "error", runErr)
	}
	cancel()
	wg.Wait()

	if err := manager.Stop(); err != nil {
		logger.Error("Failed to stop queue manager", "error", err)
	}

	if notifier != nil {
		if err := notifier.Close(); err != nil {
			logger.Error("Failed to close notifiers", "error", err)
		}
	}

	if otelShutdown != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shutdown OpenTelemetry", "error", err)
		}
	}

	logger.Info("Corinth stopped")
	return runErr
}
