// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/corinth/queue"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Checker reports whether the broker accepts traffic.
type Checker interface {
	Ready() bool
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config   Config
	checker  Checker
	svc      queue.Service
	logger   *slog.Logger
	server   *http.Server
	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server.
func New(cfg Config, checker Checker, svc queue.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:  cfg,
		checker: checker,
		svc:     svc,
		logger:  logger,
	}

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the health check routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /stats", s.handleStats)
	return mux
}

// Addr returns the listener's network address, or an empty string before
// Listen was called.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("health check server started", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("health check server shutdown error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("health check server stopped")
		return nil
	}
}

// HealthResponse is the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse is the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.checker == nil || !s.checker.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "queues not recovered",
		})
		return
	}
	writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
}

// StatsResponse aggregates counters over all queues.
type StatsResponse struct {
	Queues            int    `json:"queues"`
	Messages          int    `json:"messages"`
	NumUnacknowledged int    `json:"num_unacknowledged"`
	NumAcknowledged   uint64 `json:"num_acknowledged"`
	NumRequeued       uint64 `json:"num_requeued"`
	MemorySize        int64  `json:"memory_size"`
	DiskSize          int64  `json:"disk_size"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	infos, err := s.svc.ListQueues(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, ReadyResponse{Status: "error", Details: err.Error()})
		return
	}

	resp := StatsResponse{Queues: len(infos)}
	for _, info := range infos {
		resp.Messages += info.Size
		resp.NumUnacknowledged += info.NumUnacknowledged
		resp.NumAcknowledged += info.NumAcknowledged
		resp.NumRequeued += info.NumRequeued
		resp.MemorySize += info.MemorySize
		resp.DiskSize += info.DiskSize
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
