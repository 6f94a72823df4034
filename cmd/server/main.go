// Package main runs the shardmux demo server: an HTTP key/value facade
// over the resilient data-access core, backed by in-memory stores.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blueberrycongee/shardmux"
	"github.com/blueberrycongee/shardmux/internal/config"
	"github.com/blueberrycongee/shardmux/internal/observability"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	bootstrap := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfgManager, err := config.NewManager(*configPath, bootstrap)
	if err != nil {
		bootstrap.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg := cfgManager.Get()

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel(cfg.Logging.Level),
		Output:     os.Stdout,
		JSONFormat: cfg.Logging.Format != "text",
	})
	slog.SetDefault(logger.Logger)

	logger.Info("starting shardmux server", "version", shardmux.Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}
	cfgManager.OnChange(func(next *config.Config) {
		// Topology and policy changes require a restart; only log level
		// follows the file live.
		logger.Info("configuration reloaded", "log_level", next.Logging.Level)
	})

	fleet := newMemFleet()
	core, err := shardmux.New(
		shardmux.WithBackends(cfg.Backends...),
		shardmux.WithDialer(fleet.dial),
		shardmux.WithRingGeometry(cfg.Ring.VirtualNodes, cfg.Ring.Rings),
		shardmux.WithBreakerPolicy(cfg.Breaker.FailureThreshold, cfg.Breaker.SuccessThreshold, cfg.Breaker.RecoveryTimeout),
		shardmux.WithCachePolicy(cfg.Cache.TTL, cfg.Cache.SoftLimitBytes, cfg.Cache.HardLimitBytes),
		shardmux.WithBatchPolicy(cfg.Batch.BaseSize, cfg.Batch.MaxSize),
		shardmux.WithPoolSizing(cfg.Pools.ReaderSize, cfg.Pools.WriterSize, cfg.Pools.AcquireTimeout),
		shardmux.WithExecution(cfg.Exec.Timeout, cfg.Exec.RetryCount, cfg.Exec.RetryBackoff),
		shardmux.WithLogger(logger.Logger),
	)
	if err != nil {
		logger.Error("failed to start core", "error", err)
		os.Exit(1)
	}
	defer core.Close()

	h := &handler{core: core, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /kv/{key}", h.get)
	mux.HandleFunc("PUT /kv/{key}", h.put)
	mux.HandleFunc("DELETE /kv/{key}", h.delete)
	mux.HandleFunc("GET /healthz", h.health)
	mux.HandleFunc("GET /backends", h.backends)
	mux.HandleFunc("GET /stats", h.stats)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	_ = cfgManager.Close()
	logger.Info("server stopped")
}

type handler struct {
	core   *shardmux.Core
	logger *observability.Logger
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	res, err := h.core.RouteAndExecute(r.Context(), key, shardmux.OpRead,
		func(_ context.Context, conn shardmux.Conn) ([]byte, error) {
			store := conn.(*memConn).store
			v, ok := store.get(key)
			if !ok {
				return nil, &errNotFound{key: key}
			}
			return v, nil
		})
	if err != nil {
		h.writeError(w, key, err)
		return
	}

	w.Header().Set("X-Backend", res.Backend)
	w.Header().Set("X-From-Cache", fmt.Sprintf("%t", res.FromCache))
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(res.Value)
}

func (h *handler) put(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.core.RouteAndExecute(r.Context(), key, shardmux.OpWrite,
		func(_ context.Context, conn shardmux.Conn) ([]byte, error) {
			conn.(*memConn).store.put(key, body)
			return nil, nil
		})
	if err != nil {
		h.writeError(w, key, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"backend":  res.Backend,
		"attempts": res.Attempts,
	})
}

func (h *handler) delete(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	res, err := h.core.RouteAndExecute(r.Context(), key, shardmux.OpWrite,
		func(_ context.Context, conn shardmux.Conn) ([]byte, error) {
			conn.(*memConn).store.delete(key)
			return nil, nil
		})
	if err != nil {
		h.writeError(w, key, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backend": res.Backend})
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	reports := h.core.HealthAll()
	status := http.StatusOK
	for _, rep := range reports {
		if rep.State == shardmux.HealthUnhealthy || rep.State == shardmux.HealthCritical {
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, reports)
}

func (h *handler) backends(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.core.Backends())
}

func (h *handler) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.core.Metrics())
}

func (h *handler) writeError(w http.ResponseWriter, key string, err error) {
	var notFound *errNotFound
	var open *shardmux.CircuitBreakerOpenError
	var timeout *shardmux.TimeoutError

	status := http.StatusBadGateway
	switch {
	case errors.As(err, &notFound):
		status = http.StatusNotFound
	case errors.As(err, &open):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(open.RetryAfter.Seconds())+1))
	case errors.As(err, &timeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, shardmux.ErrNoBackends):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "key", key, "error", err)
	}
	writeJSON(w, status, map[string]string{
		"error": strings.TrimSpace(err.Error()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
