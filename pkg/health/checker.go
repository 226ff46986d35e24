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

package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opsmesh/opsmesh/pkg/agent"
	"github.com/opsmesh/opsmesh/pkg/observability"
	"github.com/opsmesh/opsmesh/pkg/registry"
	"github.com/opsmesh/opsmesh/pkg/state"
)

// HistoryStateKey is the persistence key for the health history.
const HistoryStateKey = "health-history"

// endpointProbeDetail is the fixed explanation attached to endpoint-backed
// agents until live network probing lands.
const endpointProbeDetail = "endpoint declared but network reachability not yet verified"

// CheckerConfig carries the checker knobs. Zero values select defaults.
type CheckerConfig struct {
	CheckTimeout       time.Duration
	CacheTTL           time.Duration
	MaxHistoryPerAgent int
	MaxTotalHistory    int
}

// DefaultCheckerConfig returns the production defaults.
func DefaultCheckerConfig() CheckerConfig {
	return CheckerConfig{
		CheckTimeout:       10 * time.Second,
		CacheTTL:           30 * time.Second,
		MaxHistoryPerAgent: 50,
		MaxTotalHistory:    500,
	}
}

func (c CheckerConfig) withDefaults() CheckerConfig {
	def := DefaultCheckerConfig()
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = def.CheckTimeout
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = def.CacheTTL
	}
	if c.MaxHistoryPerAgent <= 0 {
		c.MaxHistoryPerAgent = def.MaxHistoryPerAgent
	}
	if c.MaxTotalHistory <= 0 {
		c.MaxTotalHistory = def.MaxTotalHistory
	}
	return c
}

type cachedResult struct {
	record    Record
	expiresAt time.Time
}

// Checker probes agents from the registry, caches results with a TTL, and
// records a bounded history.
type Checker struct {
	config   CheckerConfig
	registry *registry.AgentRegistry
	store    *state.Store
	recorder observability.Recorder

	mu      sync.Mutex
	cache   map[string]cachedResult
	history []Record

	now func() time.Time
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker)

// WithRecorder sets the metrics recorder.
func WithRecorder(r observability.Recorder) CheckerOption {
	return func(c *Checker) { c.recorder = r }
}

// NewChecker creates a checker. The history is rehydrated from the store; a
// parse failure resets to empty with a warning.
func NewChecker(cfg CheckerConfig, reg *registry.AgentRegistry, store *state.Store, opts ...CheckerOption) *Checker {
	c := &Checker{
		config:   cfg.withDefaults(),
		registry: reg,
		store:    store,
		recorder: observability.NoopMetrics{},
		cache:    make(map[string]cachedResult),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}

	if store != nil {
		var records []Record
		err := store.LoadTyped(HistoryStateKey, &records)
		switch {
		case err == nil:
			c.history = records
			c.evictLocked()
		case errors.Is(err, state.ErrNotFound):
		default:
			slog.Warn("Health history unreadable, resetting", "error", err)
		}
	}
	return c
}

// CheckAgent probes a single agent. Unless force is set, a fresh cached
// result is returned without re-probing. The probe result is pushed back
// into the registry as the agent's new status.
func (c *Checker) CheckAgent(ctx context.Context, agentID string, force bool) (*Record, error) {
	if !force {
		c.mu.Lock()
		cached, ok := c.cache[agentID]
		c.mu.Unlock()
		if ok && c.now().Before(cached.expiresAt) {
			record := cached.record
			return &record, nil
		}
	}

	reg, err := c.registry.Get(agentID)
	if err != nil {
		return nil, fmt.Errorf("health check: %w", err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.config.CheckTimeout)
	defer cancel()

	start := c.now()
	record := c.probe(probeCtx, reg)
	record.AgentID = agentID
	record.Timestamp = c.now()
	record.ResponseTimeMs = float64(record.Timestamp.Sub(start)) / float64(time.Millisecond)

	c.recorder.RecordHealthCheck(ctx, agentID, string(record.Result), record.Timestamp.Sub(start))

	if err := c.registry.UpdateStatus(agentID, record.Result.AgentStatus(), &record.Timestamp); err != nil {
		slog.Warn("Failed to push health status into registry", "agent_id", agentID, "error", err)
	}

	c.mu.Lock()
	c.cache[agentID] = cachedResult{record: record, expiresAt: record.Timestamp.Add(c.config.CacheTTL)}
	c.history = append(c.history, record)
	c.evictLocked()
	c.persistLocked()
	c.mu.Unlock()

	return &record, nil
}

// probe applies the static probe semantics. Live network probing of the
// declared endpoint is a known followup; until then an endpoint-backed agent
// is reported degraded rather than claimed healthy.
func (c *Checker) probe(_ context.Context, reg *agent.Registration) Record {
	if reg.Status == agent.StatusMaintenance {
		return Record{Result: ResultSkipped, Details: "agent in maintenance"}
	}
	if reg.Endpoint != "" {
		return Record{Result: ResultDegraded, Details: endpointProbeDetail}
	}
	if len(reg.Capabilities) > 0 {
		return Record{Result: ResultHealthy}
	}
	return Record{Result: ResultUnhealthy, Details: "no capabilities declared"}
}

// CheckAll probes every registered agent concurrently and returns the
// results keyed by agent id.
func (c *Checker) CheckAll(ctx context.Context, force bool) (map[string]*Record, error) {
	agents := c.registry.ListAll()

	results := make(map[string]*Record, len(agents))
	var resultsMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, reg := range agents {
		id := reg.AgentID
		g.Go(func() error {
			record, err := c.CheckAgent(gctx, id, force)
			if err != nil {
				return fmt.Errorf("agent %s: %w", id, err)
			}
			resultsMu.Lock()
			results[id] = record
			resultsMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// ClearCache drops the cached result for agentID, or every cached result
// when agentID is empty.
func (c *Checker) ClearCache(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if agentID == "" {
		c.cache = make(map[string]cachedResult)
		return
	}
	delete(c.cache, agentID)
}

// Latest returns the most recent record for agentID, cached or historical.
func (c *Checker) Latest(agentID string) (*Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.cache[agentID]; ok {
		record := cached.record
		return &record, true
	}
	for i := len(c.history) - 1; i >= 0; i-- {
		if c.history[i].AgentID == agentID {
			record := c.history[i]
			return &record, true
		}
	}
	return nil, false
}

// History returns up to limit records for agentID, newest first. An empty
// agentID selects all agents; limit <= 0 returns everything retained.
func (c *Checker) History(agentID string, limit int) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Record, 0, len(c.history))
	for i := len(c.history) - 1; i >= 0; i-- {
		if agentID != "" && c.history[i].AgentID != agentID {
			continue
		}
		out = append(out, c.history[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Statistics derives aggregate stats from the retained history.
func (c *Checker) Statistics() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		ResultDistribution:   make(map[CheckResult]int),
		CacheEntries:         len(c.cache),
		HistoryCapacityTotal: c.config.MaxTotalHistory,
	}

	agents := make(map[string]struct{})
	var totalResponse float64
	for _, record := range c.history {
		stats.TotalChecks++
		stats.ResultDistribution[record.Result]++
		totalResponse += record.ResponseTimeMs
		agents[record.AgentID] = struct{}{}
	}
	stats.AgentsTracked = len(agents)

	if stats.TotalChecks > 0 {
		stats.UptimePercent = 100 * float64(stats.ResultDistribution[ResultHealthy]) / float64(stats.TotalChecks)
		stats.AvgResponseTimeMs = totalResponse / float64(stats.TotalChecks)
		oldest := c.history[0].Timestamp
		newest := c.history[len(c.history)-1].Timestamp
		stats.OldestRecordedAt = &oldest
		stats.LastCheckAt = &newest
	}
	return stats
}

// evictLocked enforces both caps: per-agent first, then the global cap by
// dropping the oldest record across all agents.
func (c *Checker) evictLocked() {
	perAgent := make(map[string]int, len(c.cache))
	for _, record := range c.history {
		perAgent[record.AgentID]++
	}

	overCap := make(map[string]int)
	for id, n := range perAgent {
		if excess := n - c.config.MaxHistoryPerAgent; excess > 0 {
			overCap[id] = excess
		}
	}
	if len(overCap) > 0 {
		kept := c.history[:0]
		for _, record := range c.history {
			if overCap[record.AgentID] > 0 {
				overCap[record.AgentID]--
				continue
			}
			kept = append(kept, record)
		}
		c.history = kept
	}

	if excess := len(c.history) - c.config.MaxTotalHistory; excess > 0 {
		c.history = append([]Record(nil), c.history[excess:]...)
	}
}

func (c *Checker) persistLocked() {
	if c.store == nil {
		return
	}
	if err := c.store.Save(HistoryStateKey, c.history); err != nil {
		slog.Error("Failed to persist health history", "error", err)
	}
}

// TrackedAgents returns the sorted ids present in the retained history.
func (c *Checker) TrackedAgents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]struct{})
	for _, record := range c.history {
		seen[record.AgentID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
