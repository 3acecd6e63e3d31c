package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/casewire/casewire/internal/api"
	"github.com/casewire/casewire/internal/app"
	"github.com/casewire/casewire/internal/config"
)

// Server timeout configuration.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 2 * time.Minute // SSE and WebSocket need the long end
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 30 * time.Second
	drainTimeout      = 30 * time.Second
)

// runServe initializes and starts the HTTP API server.
func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err = cfg.ValidateServe(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	addr, err := parseServeAddr()
	if err != nil {
		return fmt.Errorf("parsing address: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := slog.Default()
	logger.Info("starting HTTP API server", "version", Version)

	a, err := app.Setup(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			logger.Warn("shutdown error", "error", closeErr)
		}
	}()

	// Background loops get their own context so HTTP drain can finish
	// producing work before they stop; a.Drain sequences their exit.
	a.Start(context.Background())

	apiServer, err := api.NewServer(ctx, api.ServerConfig{
		Logger:         logger,
		Metrics:        a.Metrics,
		Auth:           a.Auth,
		Cases:          a.Cases,
		Evidence:       a.Evidence,
		Reports:        a.Reports,
		Sessions:       a.Sessions,
		Flow:           a.Flow,
		Titles:         a.Agent,
		Search:         a.Search,
		Indexer:        a.Indexer,
		Objects:        a.Objects,
		Capture:        a.Capture,
		Hub:            a.Hub,
		Bus:            a.Bus,
		Readiness:      a.Readiness(),
		CORSOrigins:    cfg.CORSOrigins,
		IsDev:          cfg.PostgresSSLMode == "disable",
		TrustProxy:     cfg.TrustProxy,
		RateBurst:      cfg.RateBurst,
		MaxUploadBytes: 0,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	logger.Info("HTTP server ready",
		"addr", addr,
		"api", "/api/v1/*",
		"health", "/health, /ready",
		"metrics", "/metrics",
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		// Shutdown order: stop accepting requests, flush queued index
		// and outbox work, then stop the background loops and close.
		logger.Info("shutting down HTTP server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown", "error", err)
		}
		<-errCh

		drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
		defer drainCancel()
		a.Drain(drainCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server: %w", err)
	}
}
