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

package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opsmesh/opsmesh/pkg/agent"
	"github.com/opsmesh/opsmesh/pkg/health"
	"github.com/opsmesh/opsmesh/pkg/orchestrator"
	"github.com/opsmesh/opsmesh/pkg/registry"
	"github.com/opsmesh/opsmesh/pkg/routing"
	"github.com/opsmesh/opsmesh/pkg/task"
)

// errorBody is the uniform error payload.
type errorBody struct {
	Detail string `json:"detail"`
	Code   string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Detail: err.Error(), Code: orchestrator.ErrorCode(err)})
}

// statusFor maps error chains to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyMessage):
		return http.StatusUnprocessableEntity
	case errors.Is(err, agent.ErrInvalidDomain):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrClarificationNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrAgentNotFound):
		return http.StatusNotFound
	case errors.Is(err, routing.ErrNoRoute), errors.Is(err, routing.ErrAgentUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, task.ErrInvalidTask):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orc.Health())
}

// agentsStatusResponse pairs the summary with the registrations.
type agentsStatusResponse struct {
	Summary registry.Summary      `json:"summary"`
	Agents  []*agent.Registration `json:"agents"`
}

func (s *HTTPServer) handleAgentsStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, agentsStatusResponse{
		Summary: s.orc.AgentsSummary(),
		Agents:  s.orc.ListAgents(),
	})
}

func (s *HTTPServer) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	reg, err := s.orc.GetAgent(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

// agentHealthResponse pairs the latest record with checker statistics.
type agentHealthResponse struct {
	Latest *health.Record `json:"latest"`
	Stats  health.Stats   `json:"stats"`
}

func (s *HTTPServer) handleAgentHealth(w http.ResponseWriter, r *http.Request) {
	record, stats, err := s.orc.AgentHealth(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, agentHealthResponse{Latest: record, Stats: stats})
}

func (s *HTTPServer) handleChat(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: "malformed JSON body"})
		return
	}

	resp, err := s.orc.HandleChat(r.Context(), req)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// clarifyRequest answers a pending clarification.
type clarifyRequest struct {
	Token  string `json:"token"`
	Domain string `json:"domain"`
}

func (s *HTTPServer) handleClarify(w http.ResponseWriter, r *http.Request) {
	var req clarifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: "malformed JSON body"})
		return
	}

	resp, err := s.orc.ResolveClarification(r.Context(), req.Token, req.Domain)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
