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

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/opsmesh/opsmesh/pkg/agent"
	"github.com/opsmesh/opsmesh/pkg/task"
)

// Chat errors.
var (
	// ErrEmptyMessage is returned for a blank chat message.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrClarificationNotFound is returned when a clarification token is
	// unknown or already consumed.
	ErrClarificationNotFound = errors.New("pending clarification not found")
)

// chatTitleLimit caps the derived task title length.
const chatTitleLimit = 80

// ChatRequest is one inbound chat message.
type ChatRequest struct {
	Message     string         `json:"message"`
	TargetAgent string         `json:"target_agent,omitempty"`
	Domain      string         `json:"domain,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
}

// ChatResponse is the reply: either an agent answer or a clarifying
// question with a token for the follow-up.
type ChatResponse struct {
	MessageID    string `json:"message_id"`
	ResponseType string `json:"response_type"`

	// Answer fields.
	Status        string         `json:"status,omitempty"`
	AgentID       string         `json:"agent_id,omitempty"`
	AgentName     string         `json:"agent_name,omitempty"`
	Domain        string         `json:"domain,omitempty"`
	Response      map[string]any `json:"response,omitempty"`
	RoutingMethod string         `json:"routing_method,omitempty"`

	// Clarification fields.
	Question            string   `json:"question,omitempty"`
	Options             []string `json:"options,omitempty"`
	PendingMessageToken string   `json:"pending_message_token,omitempty"`

	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HandleChat validates the message, checks for routing ambiguity, and
// either returns a clarifying question (with the original message parked
// under a token) or routes and executes the derived task.
func (o *Orchestrator) HandleChat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, ErrEmptyMessage
	}
	if req.Domain != "" {
		if _, err := agent.ParseDomain(req.Domain); err != nil {
			return nil, err
		}
	}

	t := o.chatTask(message, req)

	if req.TargetAgent == "" {
		if clarification, ambiguous := o.router.CheckAmbiguity(t); ambiguous {
			token := o.clarifications.Put(message, req.SessionID, clarification.CompetingDomains)
			o.obs.Recorder().RecordClarification(ctx)
			return &ChatResponse{
				MessageID:           uuid.NewString(),
				ResponseType:        "clarification",
				Question:            clarification.Question,
				Options:             clarification.Options,
				PendingMessageToken: token,
				SessionID:           req.SessionID,
				Timestamp:           time.Now().UTC(),
			}, nil
		}
	}

	decision, err := o.router.Route(ctx, t)
	if err != nil {
		return nil, err
	}
	result, err := o.executor.Execute(ctx, t, decision.AgentID, string(decision.Method))
	if err != nil {
		return nil, err
	}

	return &ChatResponse{
		MessageID:     uuid.NewString(),
		ResponseType:  "answer",
		Status:        string(result.Status),
		AgentID:       decision.AgentID,
		AgentName:     decision.AgentName,
		Domain:        decision.Domain,
		Response:      result.ResultData,
		RoutingMethod: string(decision.Method),
		SessionID:     req.SessionID,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// ResolveClarification completes the handshake: the token recovers the
// original message, and the chosen domain disambiguates the re-route.
func (o *Orchestrator) ResolveClarification(ctx context.Context, token, chosenDomain string) (*ChatResponse, error) {
	pending, ok := o.clarifications.Pop(token)
	if !ok {
		return nil, fmt.Errorf("%w: token %s", ErrClarificationNotFound, token)
	}
	if _, err := agent.ParseDomain(chosenDomain); err != nil {
		return nil, err
	}

	t := o.chatTask(pending.OriginalMessage, ChatRequest{
		Message:   pending.OriginalMessage,
		Domain:    chosenDomain,
		SessionID: pending.SessionID,
	})
	// Strip the keyword surface so the ambiguous rules cannot fire again;
	// the chosen domain alone decides the route. The original message still
	// travels in the task parameters.
	t.Title = ""
	t.Description = ""

	decision, err := o.router.Route(ctx, t)
	if err != nil {
		return nil, err
	}
	result, err := o.executor.Execute(ctx, t, decision.AgentID, string(decision.Method))
	if err != nil {
		return nil, err
	}

	return &ChatResponse{
		MessageID:     uuid.NewString(),
		ResponseType:  "answer",
		Status:        string(result.Status),
		AgentID:       decision.AgentID,
		AgentName:     decision.AgentName,
		Domain:        decision.Domain,
		Response:      result.ResultData,
		RoutingMethod: string(decision.Method),
		SessionID:     pending.SessionID,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// chatTask derives the routed task from a chat message.
func (o *Orchestrator) chatTask(message string, req ChatRequest) *task.Task {
	params := map[string]any{"message": message}
	if len(req.Context) > 0 {
		params["context"] = req.Context
	}
	return &task.Task{
		TaskID:         uuid.NewString(),
		Title:          truncate(message, chatTitleLimit),
		Description:    message,
		Domain:         req.Domain,
		TargetAgent:    req.TargetAgent,
		Priority:       task.PriorityMedium,
		Status:         task.StatusPending,
		Parameters:     params,
		CreatedAt:      time.Now().UTC(),
		TimeoutSeconds: o.config.DefaultTimeoutSeconds,
		MaxRetries:     0,
	}
}

// truncate shortens s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
