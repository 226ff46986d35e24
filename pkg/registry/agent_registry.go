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

package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opsmesh/opsmesh/pkg/agent"
	"github.com/opsmesh/opsmesh/pkg/state"
)

// StateKey is the persistence key the registry mirrors itself under.
const StateKey = "agent-registry"

var (
	// ErrNotInitialized is returned by every operation before Initialize.
	ErrNotInitialized = errors.New("agent registry not initialized")

	// ErrAgentNotFound is returned when an agent id is not registered.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAlreadyRegistered is returned when registering a duplicate id.
	ErrAlreadyRegistered = errors.New("agent already registered")
)

// persistedRegistry is the on-disk shape under the registry state key.
type persistedRegistry struct {
	Agents []*agent.Registration `json:"agents"`
}

// Summary aggregates registry contents for the health document.
type Summary struct {
	TotalAgents       int                  `json:"total_agents"`
	ByDomain          map[agent.Domain]int `json:"by_domain"`
	ByStatus          map[agent.Status]int `json:"by_status"`
	TotalCapabilities int                  `json:"total_capabilities"`
}

// AgentRegistry is the authoritative in-memory map of agent registrations,
// mirrored to the persistence store on every mutation.
type AgentRegistry struct {
	mu          sync.RWMutex
	store       *state.Store
	agents      map[string]*agent.Registration
	initialized bool
}

// Option configures an AgentRegistry.
type Option func(*options)

type options struct {
	seedDefaults bool
}

// WithDefaults seeds the baked-in agent set when no persisted state exists.
func WithDefaults(enabled bool) Option {
	return func(o *options) { o.seedDefaults = enabled }
}

// NewAgentRegistry creates an uninitialized registry backed by store.
func NewAgentRegistry(store *state.Store) *AgentRegistry {
	return &AgentRegistry{
		store:  store,
		agents: make(map[string]*agent.Registration),
	}
}

// Initialize loads persisted registrations, seeding defaults when the store
// is empty and defaults are enabled. It must be called before any other
// operation. A corrupted persisted document degrades to an empty registry
// with a warning; a genuine read failure has already been absorbed by the
// store layer.
func (r *AgentRegistry) Initialize(opts ...Option) error {
	cfg := options{seedDefaults: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var persisted persistedRegistry
	err := r.store.LoadTyped(StateKey, &persisted)
	switch {
	case err == nil:
		for _, reg := range persisted.Agents {
			if vErr := reg.Validate(); vErr != nil {
				slog.Warn("Skipping invalid persisted registration", "agent_id", reg.AgentID, "error", vErr)
				continue
			}
			r.agents[reg.AgentID] = reg
		}
		slog.Info("Loaded agent registry", "agents", len(r.agents))
	case errors.Is(err, state.ErrNotFound):
		if cfg.seedDefaults {
			for _, reg := range agent.DefaultRegistrations() {
				r.agents[reg.AgentID] = reg
			}
			slog.Info("Seeded agent registry with defaults", "agents", len(r.agents))
		}
	default:
		// Corrupted document: start empty rather than refuse to start.
		slog.Warn("Persisted registry unreadable, starting empty", "error", err)
	}

	r.initialized = true
	if len(r.agents) > 0 {
		if err := r.persistLocked(); err != nil {
			return fmt.Errorf("failed to persist initial registry: %w", err)
		}
	}
	return nil
}

// persistLocked writes the current registrations. Callers hold r.mu.
func (r *AgentRegistry) persistLocked() error {
	agents := make([]*agent.Registration, 0, len(r.agents))
	for _, id := range r.sortedIDsLocked() {
		agents = append(agents, r.agents[id])
	}
	return r.store.Save(StateKey, persistedRegistry{Agents: agents})
}

func (r *AgentRegistry) sortedIDsLocked() []string {
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Register adds a new agent. Fails with ErrAlreadyRegistered on duplicates.
func (r *AgentRegistry) Register(reg *agent.Registration) error {
	if err := reg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return ErrNotInitialized
	}
	if _, exists := r.agents[reg.AgentID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, reg.AgentID)
	}

	r.agents[reg.AgentID] = reg.Clone()
	if err := r.persistLocked(); err != nil {
		delete(r.agents, reg.AgentID)
		return fmt.Errorf("failed to persist registration of %s: %w", reg.AgentID, err)
	}

	slog.Info("Registered agent", "agent_id", reg.AgentID, "domain", reg.Domain)
	return nil
}

// Unregister removes an agent. Fails with ErrAgentNotFound.
func (r *AgentRegistry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return ErrNotInitialized
	}
	existing, exists := r.agents[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	delete(r.agents, id)
	if err := r.persistLocked(); err != nil {
		r.agents[id] = existing
		return fmt.Errorf("failed to persist unregistration of %s: %w", id, err)
	}

	slog.Info("Unregistered agent", "agent_id", id)
	return nil
}

// Get returns a copy of the registration for id.
func (r *AgentRegistry) Get(id string) (*agent.Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.initialized {
		return nil, ErrNotInitialized
	}
	reg, exists := r.agents[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return reg.Clone(), nil
}

// ListAll returns copies of every registration, sorted by agent id.
func (r *AgentRegistry) ListAll() []*agent.Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.initialized {
		return nil
	}
	out := make([]*agent.Registration, 0, len(r.agents))
	for _, id := range r.sortedIDsLocked() {
		out = append(out, r.agents[id].Clone())
	}
	return out
}

// SearchByDomain returns registrations in domain d, sorted by id.
func (r *AgentRegistry) SearchByDomain(d agent.Domain) []*agent.Registration {
	return r.filter(func(reg *agent.Registration) bool { return reg.Domain == d })
}

// SearchByCapability returns registrations declaring capability name,
// sorted by id.
func (r *AgentRegistry) SearchByCapability(name string) []*agent.Registration {
	return r.filter(func(reg *agent.Registration) bool { return reg.HasCapability(name) })
}

// SearchByStatus returns registrations with status s, sorted by id.
func (r *AgentRegistry) SearchByStatus(s agent.Status) []*agent.Registration {
	return r.filter(func(reg *agent.Registration) bool { return reg.Status == s })
}

func (r *AgentRegistry) filter(keep func(*agent.Registration) bool) []*agent.Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.initialized {
		return nil
	}
	var out []*agent.Registration
	for _, id := range r.sortedIDsLocked() {
		if reg := r.agents[id]; keep(reg) {
			out = append(out, reg.Clone())
		}
	}
	return out
}

// UpdateStatus sets the status (and optionally last health check time) of an
// agent. The update is copy-on-write and persisted before returning.
func (r *AgentRegistry) UpdateStatus(id string, status agent.Status, lastHealthCheck *time.Time) error {
	if !status.Valid() {
		return fmt.Errorf("%w: status %q", agent.ErrInvalidRegistration, status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return ErrNotInitialized
	}
	existing, exists := r.agents[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	updated := existing.Clone()
	updated.Status = status
	if lastHealthCheck != nil {
		ts := lastHealthCheck.UTC()
		updated.LastHealthCheck = &ts
	}

	r.agents[id] = updated
	if err := r.persistLocked(); err != nil {
		r.agents[id] = existing
		return fmt.Errorf("failed to persist status of %s: %w", id, err)
	}
	return nil
}

// UpdateMetadata replaces or shallow-merges an agent's metadata map.
func (r *AgentRegistry) UpdateMetadata(id string, metadata map[string]any, merge bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return ErrNotInitialized
	}
	existing, exists := r.agents[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	updated := existing.Clone()
	if merge && updated.Metadata != nil {
		for k, v := range metadata {
			updated.Metadata[k] = v
		}
	} else {
		fresh := make(map[string]any, len(metadata))
		for k, v := range metadata {
			fresh[k] = v
		}
		updated.Metadata = fresh
	}

	r.agents[id] = updated
	if err := r.persistLocked(); err != nil {
		r.agents[id] = existing
		return fmt.Errorf("failed to persist metadata of %s: %w", id, err)
	}
	return nil
}

// CapabilitiesForDomain returns the flat capability list of every agent in
// domain d. No dedup: two agents declaring the same capability yield two
// entries.
func (r *AgentRegistry) CapabilitiesForDomain(d agent.Domain) []agent.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.initialized {
		return nil
	}
	var out []agent.Capability
	for _, id := range r.sortedIDsLocked() {
		reg := r.agents[id]
		if reg.Domain != d {
			continue
		}
		out = append(out, reg.Capabilities...)
	}
	return out
}

// Summarize returns counts by domain, by status and total capabilities.
func (r *AgentRegistry) Summarize() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summary := Summary{
		ByDomain: make(map[agent.Domain]int),
		ByStatus: make(map[agent.Status]int),
	}
	if !r.initialized {
		return summary
	}
	for _, reg := range r.agents {
		summary.TotalAgents++
		summary.ByDomain[reg.Domain]++
		summary.ByStatus[reg.Status]++
		summary.TotalCapabilities += len(reg.Capabilities)
	}
	return summary
}
