// Package main is the entry point for the availz server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and apply embedded migrations.
//  3. Create the repository and service (eagerly loading the rule cache).
//  4. Start the HTTP server (:8080).
//  5. Wait for SIGINT/SIGTERM, then gracefully shut down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/storekit/availz/internal/config"
	"github.com/storekit/availz/internal/logging"
	"github.com/storekit/availz/internal/metrics"
	"github.com/storekit/availz/internal/middleware"
	"github.com/storekit/availz/internal/repository"
	"github.com/storekit/availz/internal/server"
	"github.com/storekit/availz/internal/service"
	"github.com/storekit/availz/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if cfg.RunMigrations {
		if err := runMigrations(pool); err != nil {
			return err
		}
	}

	repo := repository.NewPostgresRepository(pool)
	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	svc, err := service.New(ctx, repo,
		service.WithLogger(log),
		service.WithBaseline(cfg.BaselineState),
		service.WithHorizon(cfg.ScheduleHorizon),
		service.WithMaxPreviewWindow(cfg.PreviewMaxWindow),
		service.WithCacheResyncInterval(cfg.CacheResyncInterval),
		service.WithCacheMetrics(m.IncCacheLoads, m.IncCacheInvalidations, m.SetRuleCacheSize),
		service.WithEvaluationMetric(m.RecordEvaluation),
	)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	apiHandler := server.NewHTTPHandlerWithOptions(svc, server.HTTPOptions{
		MaxJSONBodySize: cfg.MaxJSONBodySize,
		Metrics:         m,
	})
	httpHandler := middleware.HTTPRequestLogging(log)(apiHandler)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "availz-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	return serveErr
}
