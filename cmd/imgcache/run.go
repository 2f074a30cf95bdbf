package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	"github.com/ryzup/imgcache/internal/app"
	"github.com/ryzup/imgcache/internal/auth"
	"github.com/ryzup/imgcache/internal/config"
	"github.com/ryzup/imgcache/internal/origin"
	"github.com/ryzup/imgcache/internal/server"
	"github.com/ryzup/imgcache/internal/telemetry"
	"github.com/ryzup/imgcache/internal/worker"
)

func run(configPath string) error {
	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting imgcache", "version", version, "addr", cfg.Server.Addr, "origin", cfg.Origin.BaseURL)

	ctx := context.Background()

	// Tracing
	if cfg.Telemetry.Tracing.Enabled {
		shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingOptions{
			Endpoint:       cfg.Telemetry.Tracing.Endpoint,
			SampleRate:     cfg.Telemetry.Tracing.SampleRate,
			ServiceVersion: version,
		})
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(sctx); err != nil {
				slog.Warn("tracing shutdown", "error", err)
			}
		}()
	}

	// Metrics
	var (
		metrics        *telemetry.Metrics
		metricsHandler http.Handler
	)
	if cfg.Telemetry.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = telemetry.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	// Open store backend
	storage, err := config.OpenStorage(cfg.Cache)
	if err != nil {
		return err
	}
	defer storage.Close()

	// Origin client
	var resolver *dnscache.Resolver
	if cfg.Origin.DNSCache {
		resolver = &dnscache.Resolver{}
	}
	transport, err := config.OriginTransport(ctx, cfg.Origin, resolver)
	if err != nil {
		return err
	}
	client, err := origin.New(origin.Options{
		BaseURL:      cfg.Origin.BaseURL,
		Transport:    transport,
		Timeout:      cfg.Origin.Timeout,
		MaxBodyBytes: cfg.Origin.MaxBodyBytes,
	})
	if err != nil {
		return err
	}

	// Background workers
	writer := worker.NewStoreWriter(cfg.Cache.WriteQueue, metrics)
	workers := []worker.Worker{writer}
	if resolver != nil {
		workers = append(workers, worker.NewDNSRefresher(resolver, cfg.Origin.DNSRefresh))
	}
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	workersDone := make(chan error, 1)
	go func() { workersDone <- worker.NewRunner(workers...).Run(workerCtx) }()

	// Deploy the configured store version
	lifecycle := app.New(app.Options{
		Storage:       storage,
		Network:       client,
		Writer:        writer,
		Metrics:       metrics,
		AssetPrefixes: cfg.Cache.AssetPrefixes,
	})
	gen, err := lifecycle.Deploy(ctx, cfg.Cache.Version)
	if err != nil {
		return err
	}

	// Admin API
	var adminAuth server.Authenticator
	if cfg.Admin.Key != "" {
		a, err := auth.NewAdminKeyAuth(cfg.Admin.Key)
		if err != nil {
			return err
		}
		adminAuth = a
	} else {
		slog.Warn("admin API disabled, admin.key is not set")
	}

	// Create HTTP server
	handler := server.New(server.Deps{
		Cache:          lifecycle,
		Origin:         client,
		Lifecycle:      lifecycle,
		AdminAuth:      adminAuth,
		ReadyCheck:     lifecycle.Ready,
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("imgcache ready", "addr", cfg.Server.Addr, "store_version", gen.Proxy.Version(), "generation", gen.ID)

	// Wait for signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		return err
	case err := <-workersDone:
		if err == nil {
			err = errors.New("background workers stopped unexpectedly")
		}
		return err
	}

	// Shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Drain pending store writes before the backend is closed.
	stopWorkers()
	select {
	case err := <-workersDone:
		if err != nil {
			slog.Warn("worker exited with error", "error", err)
		}
	case <-shutdownCtx.Done():
		slog.Warn("workers did not stop before shutdown timeout")
	}

	slog.Info("imgcache stopped")
	return nil
}
