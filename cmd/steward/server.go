package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/steward-sh/steward/pkg/api"
	"github.com/steward-sh/steward/pkg/config"
	"github.com/steward-sh/steward/pkg/limiter"
	"github.com/steward-sh/steward/pkg/observability"
)

// apiRateLimit is the per-client intake policy for the HTTP surface.
var apiRateLimit = limiter.Policy{RPM: 300, Burst: 50, TTLSeconds: 180}

func runServer(stderr io.Writer) int {
	cfg := config.Load()

	a, err := newApp(cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		return 1
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "steward",
		ServiceVersion: "1.0.0",
		Environment:    envOr("ENVIRONMENT", "development"),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTelEnabled && cfg.OTLPEndpoint != "",
		Insecure:       os.Getenv("OTLP_INSECURE") == "true",
	})
	if err != nil {
		slog.Error("observability init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	svc := api.NewService(a.store, a.gate, a.engine, a.orchestrator, a.runners)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           obs.Middleware(svc.Routes(a.limiter, apiRateLimit)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("steward listening", "port", cfg.Port, "driver", cfg.DatabaseDriver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", "error", err)
			return 1
		}
		return 0
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			return 1
		}
		return 0
	}
}
