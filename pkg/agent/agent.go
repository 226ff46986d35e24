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

// Package agent defines the data model for downstream agents: the closed
// domain and status enumerations, capability descriptors and the
// registration record the registry stores.
package agent

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Domain is the coarse classification bucket used for routing.
type Domain string

const (
	DomainCMDB          Domain = "cmdb"
	DomainDiscovery     Domain = "discovery"
	DomainAsset         Domain = "asset"
	DomainCSA           Domain = "csa"
	DomainAudit         Domain = "audit"
	DomainDocumentation Domain = "documentation"
	DomainOrchestration Domain = "orchestration"
)

// Domains lists every valid domain.
func Domains() []Domain {
	return []Domain{
		DomainCMDB, DomainDiscovery, DomainAsset, DomainCSA,
		DomainAudit, DomainDocumentation, DomainOrchestration,
	}
}

// Valid reports whether d is a member of the closed domain enumeration.
func (d Domain) Valid() bool {
	switch d {
	case DomainCMDB, DomainDiscovery, DomainAsset, DomainCSA,
		DomainAudit, DomainDocumentation, DomainOrchestration:
		return true
	}
	return false
}

// ParseDomain converts a string to a Domain, rejecting unknown values.
func ParseDomain(s string) (Domain, error) {
	d := Domain(s)
	if !d.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidDomain, s)
	}
	return d, nil
}

// Status is the operational status of an agent.
type Status string

const (
	StatusOnline      Status = "online"
	StatusOffline     Status = "offline"
	StatusDegraded    Status = "degraded"
	StatusMaintenance Status = "maintenance"
)

// Valid reports whether s is a member of the closed status enumeration.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusDegraded, StatusMaintenance:
		return true
	}
	return false
}

// Available reports whether an agent with this status may receive work.
// Degraded agents stay in rotation; offline and maintenance do not.
func (s Status) Available() bool {
	return s == StatusOnline || s == StatusDegraded
}

// Capability is a named operation an agent exposes, used by the router as a
// match key.
type Capability struct {
	Name         string         `json:"name"`
	Domain       Domain         `json:"domain"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"input_schema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty"`
}

// Validate checks the capability's required fields.
func (c Capability) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: capability name is required", ErrInvalidRegistration)
	}
	if !c.Domain.Valid() {
		return fmt.Errorf("%w: capability %s has invalid domain %q", ErrInvalidRegistration, c.Name, c.Domain)
	}
	return nil
}

// idPattern constrains agent ids to lowercase kebab identifiers.
var idPattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

var (
	// ErrInvalidDomain is returned for values outside the domain enumeration.
	ErrInvalidDomain = errors.New("invalid agent domain")

	// ErrInvalidRegistration is returned when a registration fails validation.
	ErrInvalidRegistration = errors.New("invalid agent registration")
)

// Registration is the authoritative record for one agent. Status is mutated
// only by the health checker or an explicit operator action; every other
// field is immutable after registration.
type Registration struct {
	AgentID         string         `json:"agent_id"`
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	Domain          Domain         `json:"domain"`
	Capabilities    []Capability   `json:"capabilities"`
	Endpoint        string         `json:"endpoint,omitempty"`
	Status          Status         `json:"status"`
	RegisteredAt    time.Time      `json:"registered_at"`
	LastHealthCheck *time.Time     `json:"last_health_check,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Validate checks the registration invariants.
func (r *Registration) Validate() error {
	if !idPattern.MatchString(r.AgentID) {
		return fmt.Errorf("%w: agent_id %q must match %s", ErrInvalidRegistration, r.AgentID, idPattern)
	}
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRegistration)
	}
	if !r.Domain.Valid() {
		return fmt.Errorf("%w: domain %q", ErrInvalidRegistration, r.Domain)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidRegistration, r.Status)
	}
	for _, cap := range r.Capabilities {
		if err := cap.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Available reports whether the agent may receive work.
func (r *Registration) Available() bool {
	return r.Status.Available()
}

// HasCapability reports whether the agent declares a capability by name.
func (r *Registration) HasCapability(name string) bool {
	for _, cap := range r.Capabilities {
		if cap.Name == name {
			return true
		}
	}
	return false
}

// Clone returns a deep enough copy that callers can mutate freely without
// aliasing registry internals.
func (r *Registration) Clone() *Registration {
	out := *r
	if r.Capabilities != nil {
		out.Capabilities = make([]Capability, len(r.Capabilities))
		copy(out.Capabilities, r.Capabilities)
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	if r.LastHealthCheck != nil {
		ts := *r.LastHealthCheck
		out.LastHealthCheck = &ts
	}
	return &out
}
