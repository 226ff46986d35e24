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

package routing

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PendingClarification holds the original message while the caller answers
// the clarifying question. The token is the only handle.
type PendingClarification struct {
	Token            string    `json:"token"`
	OriginalMessage  string    `json:"original_message"`
	SessionID        string    `json:"session_id,omitempty"`
	CompetingDomains []string  `json:"competing_domains"`
	CreatedAt        time.Time `json:"created_at"`
}

// ClarificationStore is the in-memory map of pending clarifications.
// Entries are inserted on ambiguous routing, removed by the follow-up
// resolve call, and swept when older than the TTL.
type ClarificationStore struct {
	mu      sync.Mutex
	pending map[string]PendingClarification
}

// NewClarificationStore creates an empty store.
func NewClarificationStore() *ClarificationStore {
	return &ClarificationStore{pending: make(map[string]PendingClarification)}
}

// Put stores the original message and returns an opaque token for it.
func (s *ClarificationStore) Put(originalMessage, sessionID string, competingDomains []string) string {
	token := uuid.NewString()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[token] = PendingClarification{
		Token:            token,
		OriginalMessage:  originalMessage,
		SessionID:        sessionID,
		CompetingDomains: append([]string(nil), competingDomains...),
		CreatedAt:        time.Now().UTC(),
	}
	return token
}

// Pop removes and returns the pending clarification for token.
func (s *ClarificationStore) Pop(token string) (PendingClarification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc, ok := s.pending[token]
	if ok {
		delete(s.pending, token)
	}
	return pc, ok
}

// Len returns the number of pending clarifications.
func (s *ClarificationStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Sweep removes entries older than ttl and returns how many were dropped.
func (s *ClarificationStore) Sweep(ttl time.Duration) int {
	cutoff := time.Now().UTC().Add(-ttl)

	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for token, pc := range s.pending {
		if pc.CreatedAt.Before(cutoff) {
			delete(s.pending, token)
			dropped++
		}
	}
	if dropped > 0 {
		slog.Debug("Swept stale clarifications", "dropped", dropped, "remaining", len(s.pending))
	}
	return dropped
}
