// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/corinth/queue"
	"github.com/absmach/corinth/ratelimit"
	"github.com/klauspost/compress/gzhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const serverName = "Corinth"

// Config holds configuration for the REST API server.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	Version         string
	Compression     bool
	Tracing         bool
	Defaults        QueueDefaults
}

// QueueDefaults are applied to queues and requests that leave settings out.
type QueueDefaults struct {
	RequeueTime         uint32
	DeduplicationTime   uint32
	DeadLetterThreshold uint16
	MaxBatchSize        int
	MaxDequeueAmount    int
}

// Server exposes the queue service over HTTP/1.1 and cleartext HTTP/2.
type Server struct {
	config    Config
	svc       queue.Service
	limiter   *ratelimit.IPRateLimiter
	logger    *slog.Logger
	startedAt time.Time
	server    *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates the API server. limiter may be nil to disable rate limiting.
func New(cfg Config, svc queue.Service, limiter *ratelimit.IPRateLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Defaults.MaxBatchSize <= 0 {
		cfg.Defaults.MaxBatchSize = 255
	}
	if cfg.Defaults.MaxDequeueAmount <= 0 {
		cfg.Defaults.MaxDequeueAmount = 255
	}
	if cfg.Defaults.DeadLetterThreshold == 0 {
		cfg.Defaults.DeadLetterThreshold = 3
	}

	s := &Server{
		config:    cfg,
		svc:       svc,
		limiter:   limiter,
		logger:    logger,
		startedAt: time.Now(),
	}

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           h2c.NewHandler(s.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	return s
}

// Handler returns the routes wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleInfo)
	mux.HandleFunc("GET /queues", s.handleListQueues)
	mux.HandleFunc("GET /queue/{name}", s.handleGetQueue)
	mux.HandleFunc("PUT /queue/{name}", s.handleCreateQueue)
	mux.HandleFunc("PATCH /queue/{name}", s.handleUpdateQueue)
	mux.HandleFunc("DELETE /queue/{name}", s.handleDeleteQueue)
	mux.HandleFunc("POST /queue/{name}/enqueue", s.handleEnqueue)
	mux.HandleFunc("POST /queue/{name}/dequeue", s.handleDequeue)
	mux.HandleFunc("GET /queue/{name}/peek", s.handlePeek)
	mux.HandleFunc("POST /queue/{name}/{message}/ack", s.handleAck)
	mux.HandleFunc("POST /queue/{name}/purge", s.handlePurge)
	mux.HandleFunc("POST /queue/{name}/compact", s.handleCompact)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Route not found")
	})

	var h http.Handler = mux
	if s.config.Tracing {
		h = otelhttp.NewHandler(h, "corinth.api")
	}
	if s.config.Compression {
		h = gzhttp.GzipHandler(h)
	}
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return s.logRequests(h)
}

// Addr returns the listener address, or an empty string before Listen.
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
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("API server started", slog.String("address", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		defer func(begin time.Time) {
			status := sw.status
			if status == 0 {
				status = http.StatusOK
			}
			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			s.logger.LogAttrs(r.Context(), level, "request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.String("remote", r.RemoteAddr),
				slog.Duration("duration", time.Since(begin)))
		}(time.Now())

		next.ServeHTTP(sw, r)
	})
}
