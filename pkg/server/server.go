// Copyright 2025 The Opsmesh Authors
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

// Package server exposes the orchestrator over HTTP: agent inspection,
// health, the chat endpoint, and metrics.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/opsmesh/opsmesh/pkg/config"
	"github.com/opsmesh/opsmesh/pkg/observability"
	"github.com/opsmesh/opsmesh/pkg/orchestrator"
)

// HTTPServer serves the orchestrator's HTTP surface.
type HTTPServer struct {
	cfg    *config.Config
	orc    *orchestrator.Orchestrator
	obs    *observability.Manager
	server *http.Server
}

// HTTPServerOption configures the HTTP server.
type HTTPServerOption func(*HTTPServer)

// WithObservability sets the manager backing the /metrics endpoint.
func WithObservability(obs *observability.Manager) HTTPServerOption {
	return func(s *HTTPServer) { s.obs = obs }
}

// NewHTTPServer creates the server with its routes mounted.
func NewHTTPServer(cfg *config.Config, orc *orchestrator.Orchestrator, opts ...HTTPServerOption) *HTTPServer {
	s := &HTTPServer{
		cfg: cfg,
		orc: orc,
		obs: observability.NoopManager(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.server = &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes builds the chi router: CORS from the configured allow list on
// /api/*, plus the metrics endpoint outside it.
func (s *HTTPServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(api chi.Router) {
		api.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))

		api.Get("/health", s.handleHealth)
		api.Get("/agents/status", s.handleAgentsStatus)
		api.Get("/agents/{id}", s.handleAgentGet)
		api.Get("/agents/{id}/health", s.handleAgentHealth)
		api.Post("/chat", s.handleChat)
		api.Post("/chat/clarify", s.handleClarify)
	})

	r.Handle("/metrics", s.obs.MetricsHandler())
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *HTTPServer) Start() error {
	slog.Info("HTTP server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}
