// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the runtime's HTTP surface: health, metrics,
// gate responses, and operational introspection. Pipeline execution
// itself is driven by the coordinator, not by this package.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kadirpekel/conductor/pkg/agent"
	"github.com/kadirpekel/conductor/pkg/config"
	"github.com/kadirpekel/conductor/pkg/gate"
	"github.com/kadirpekel/conductor/pkg/logger"
	"github.com/kadirpekel/conductor/pkg/ratelimit"
)

// Options carries the server's dependencies. Limiter may be nil when
// rate limiting is disabled.
type Options struct {
	Config    *config.ServerConfig
	Registry  *agent.Registry
	Bus       *agent.Bus
	Awaiter   *agent.InteractionAwaiter
	GateStore *gate.Store
	Limiter   *ratelimit.Limiter
}

// Server is the runtime HTTP server.
type Server struct {
	opts       Options
	handler    http.Handler
	httpServer *http.Server
}

// New creates a server with all routes configured.
func New(opts Options) *Server {
	s := &Server{opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		if opts.Limiter != nil {
			r.Use(opts.Limiter.Middleware(identityFromRequest))
		}
		r.Get("/agents", s.handleListAgents)
		r.Get("/ratelimit/stats", s.handleRateLimitStats)
		r.Get("/bus/log", s.handleBusLog)
		r.Get("/bus/subscribers", s.handleBusSubscribers)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/gates", s.handleWaitingGates)
			r.Post("/gates/{gate}/response", s.handleGateResponse)
		})
	})

	s.handler = r
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.Config.Host, opts.Config.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	logger.GetLogger().Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// identityFromRequest resolves the caller identity for rate limiting.
// Falls back to the client IP when no identity header is present.
func identityFromRequest(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

// requestLogger logs one line per request in the runtime's slog format.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.GetLogger().Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
