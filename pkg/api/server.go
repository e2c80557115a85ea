// Package api exposes the admin HTTP endpoint: health, status and
// Prometheus metrics. Both the storage server and the proxy mount it.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marmos91/netstore/internal/logger"
)

// Status is the payload served at /status.
type Status struct {
	Role              string          `json:"role"`
	Version           string          `json:"version"`
	UptimeSeconds     int64           `json:"uptime_seconds"`
	ActiveConnections int32           `json:"active_connections"`
	Backends          []BackendStatus `json:"backends,omitempty"`
}

// BackendStatus reports one pool backend's connectivity (proxy role only).
type BackendStatus struct {
	Address   string `json:"address"`
	Connected bool   `json:"connected"`
}

// StatusSource supplies the live values for /status.
type StatusSource interface {
	Status() Status
}

// Config holds the admin endpoint settings.
type Config struct {
	BindAddress string
	Port        int
}

// Server is the admin HTTP server.
type Server struct {
	cfg    Config
	source StatusSource
	http   *http.Server
}

// NewServer creates the admin server for the given status source.
func NewServer(cfg Config, source StatusSource) *Server {
	s := &Server{cfg: cfg, source: source}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Serve runs the endpoint until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Admin API listening", "address", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
		return <-errCh
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.source.Status()); err != nil {
		logger.Debug("Failed to encode status", "error", err)
	}
}
