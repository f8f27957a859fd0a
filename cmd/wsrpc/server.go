package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/wsrpc/internal/connection"
	"github.com/rickgao/wsrpc/internal/metrics"
)

// pinger is satisfied by *pgxpool.Pool.
type pinger interface {
	Ping(ctx context.Context) error
}

// statusSource is satisfied by *connection.Provider.
type statusSource interface {
	Stats() connection.Stats
	Err() error
}

// newServerHandler serves metrics at metricsPath and health at /health.
func newServerHandler(metricsPath string, g prometheus.Gatherer, provider statusSource, db pinger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(metricsPath, metrics.Handler(g))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		// Check connection
		stats := provider.Stats()
		conn := map[string]any{
			"connected":     stats.Connected,
			"session":       stats.SessionID,
			"pending":       stats.PendingRequests,
			"subscriptions": stats.Subscriptions,
			"stream_queue":  stats.StreamQueue,
			"handler_queue": stats.HandlerQueue,
		}
		if err := provider.Err(); err != nil {
			conn["error"] = err.Error()
		}
		if !stats.Connected {
			health.Status = "unhealthy"
		}
		health.Components["connection"] = conn

		// Check database
		if db != nil {
			if err := db.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["database"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["database"] = "connected"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	return mux
}

// serveUntil runs srv until ctx is done, then shuts it down.
func serveUntil(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting metrics server", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// startServer starts the metrics and health server when enabled. The
// returned function stops it.
func (a *app) startServer(ctx context.Context, provider statusSource, db pinger) func() {
	if !a.cfg.Metrics.Enabled {
		return func() {}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Metrics.Port),
		Handler:           newServerHandler(a.cfg.Metrics.Path, a.registry, provider, db),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := serveUntil(ctx, srv, a.logger); err != nil {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	return func() {
		cancel()
		<-done
	}
}
