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
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opsmesh/opsmesh/pkg/agent"
	"github.com/opsmesh/opsmesh/pkg/observability"
	"github.com/opsmesh/opsmesh/pkg/registry"
	"github.com/opsmesh/opsmesh/pkg/task"
)

// Method is how a routing decision was made.
type Method string

const (
	MethodExplicit   Method = "explicit"
	MethodRule       Method = "rule"
	MethodDomain     Method = "domain"
	MethodCapability Method = "capability"
	MethodSession    Method = "session"
)

// Decision is the outcome of routing one task.
type Decision struct {
	AgentID             string    `json:"agent_id"`
	AgentName           string    `json:"agent_name"`
	Domain              string    `json:"domain"`
	Reason              string    `json:"reason"`
	Method              Method    `json:"method"`
	CandidatesEvaluated int       `json:"candidates_evaluated"`
	Timestamp           time.Time `json:"timestamp"`
}

const defaultHistoryLimit = 200

// Router resolves tasks to agents. Rules are fixed at construction; the
// decision history is bounded and newest-first on read.
type Router struct {
	registry *registry.AgentRegistry
	rules    []Rule
	recorder observability.Recorder

	historyLimit int

	mu      sync.Mutex
	history []Decision
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRecorder sets the metrics recorder.
func WithRecorder(r observability.Recorder) RouterOption {
	return func(rt *Router) { rt.recorder = r }
}

// WithHistoryLimit bounds the in-memory decision history.
func WithHistoryLimit(n int) RouterOption {
	return func(rt *Router) { rt.historyLimit = n }
}

// NewRouter creates a router over the registry. Invalid rules are rejected.
func NewRouter(reg *registry.AgentRegistry, rules []Rule, opts ...RouterOption) (*Router, error) {
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}

	sorted := append([]Rule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	rt := &Router{
		registry:     reg,
		rules:        sorted,
		recorder:     observability.NoopMetrics{},
		historyLimit: defaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt, nil
}

// RouteOptions tune a single Route call.
type RouteOptions struct {
	// RequireAvailable gates the availability check on an explicitly
	// targeted agent. Default true.
	RequireAvailable bool
}

// RouteOption mutates RouteOptions.
type RouteOption func(*RouteOptions)

// WithRequireAvailable controls whether an explicit target must be
// available.
func WithRequireAvailable(required bool) RouteOption {
	return func(o *RouteOptions) { o.RequireAvailable = required }
}

// Route evaluates the stages in strict order and returns the first decision.
// The first stage that yields an available agent wins; when none does, the
// error is ErrNoRoute (or ErrAgentUnavailable for an explicit target that
// exists but is down).
func (rt *Router) Route(ctx context.Context, t *task.Task, opts ...RouteOption) (*Decision, error) {
	options := RouteOptions{RequireAvailable: true}
	for _, opt := range opts {
		opt(&options)
	}

	decision, err := rt.route(t, options)
	if err != nil {
		rt.recorder.RecordRoutingDecision(ctx, "error")
		return nil, err
	}

	rt.recorder.RecordRoutingDecision(ctx, string(decision.Method))
	rt.appendHistory(*decision)

	slog.Debug("Routed task",
		"task_id", t.TaskID,
		"agent_id", decision.AgentID,
		"method", decision.Method,
		"candidates", decision.CandidatesEvaluated)
	return decision, nil
}

func (rt *Router) route(t *task.Task, options RouteOptions) (*Decision, error) {
	candidates := 0

	// Stage 1: explicit target.
	if t.TargetAgent != "" {
		reg, err := rt.registry.Get(t.TargetAgent)
		if err != nil {
			return nil, fmt.Errorf("%w: explicit target %s not registered", ErrNoRoute, t.TargetAgent)
		}
		candidates++
		if options.RequireAvailable && !reg.Available() {
			return nil, fmt.Errorf("%w: explicit target %s has status %s", ErrAgentUnavailable, t.TargetAgent, reg.Status)
		}
		return rt.decision(reg, MethodExplicit,
			fmt.Sprintf("task targets %s explicitly", t.TargetAgent), candidates), nil
	}

	// Stage 2: rule sweep in ascending priority order.
	for _, rule := range rt.rules {
		if !rule.Matches(t) {
			continue
		}
		if rule.TargetAgent != "" {
			reg, err := rt.registry.Get(rule.TargetAgent)
			if err == nil {
				candidates++
				if reg.Available() {
					return rt.decision(reg, MethodRule,
						fmt.Sprintf("rule %s targets %s", rule.Name, rule.TargetAgent), candidates), nil
				}
			}
			continue
		}
		if rule.Domain != "" {
			reg, n := rt.firstAvailable(rt.registry.SearchByDomain(agent.Domain(rule.Domain)))
			candidates += n
			if reg != nil {
				return rt.decision(reg, MethodRule,
					fmt.Sprintf("rule %s routes domain %s", rule.Name, rule.Domain), candidates), nil
			}
			continue
		}
		if rule.Capability != "" {
			reg, n := rt.firstAvailable(rt.registry.SearchByCapability(rule.Capability))
			candidates += n
			if reg != nil {
				return rt.decision(reg, MethodRule,
					fmt.Sprintf("rule %s routes capability %s", rule.Name, rule.Capability), candidates), nil
			}
		}
	}

	// Stage 3: domain routing.
	if t.Domain != "" {
		reg, n := rt.firstAvailable(rt.registry.SearchByDomain(agent.Domain(t.Domain)))
		candidates += n
		if reg != nil {
			return rt.decision(reg, MethodDomain,
				fmt.Sprintf("first available agent in domain %s", t.Domain), candidates), nil
		}
	}

	// Stage 4: capability routing.
	if capName, ok := t.Parameters["required_capability"].(string); ok && capName != "" {
		reg, n := rt.firstAvailable(rt.registry.SearchByCapability(capName))
		candidates += n
		if reg != nil {
			return rt.decision(reg, MethodCapability,
				fmt.Sprintf("first available agent offering %s", capName), candidates), nil
		}
	}

	// Stage 5: session continuity.
	if lastID := lastAgentID(t); lastID != "" {
		if reg, err := rt.registry.Get(lastID); err == nil {
			candidates++
			if reg.Available() {
				return rt.decision(reg, MethodSession,
					fmt.Sprintf("session continuity with %s", lastID), candidates), nil
			}
		}
	}

	return nil, fmt.Errorf("%w: task %s (%d candidates evaluated)", ErrNoRoute, t.TaskID, candidates)
}

// firstAvailable returns the first available agent from a list already
// sorted by id, plus the number of candidates examined.
func (rt *Router) firstAvailable(agents []*agent.Registration) (*agent.Registration, int) {
	for i, reg := range agents {
		if reg.Available() {
			return reg, i + 1
		}
	}
	return nil, len(agents)
}

func (rt *Router) decision(reg *agent.Registration, method Method, reason string, candidates int) *Decision {
	return &Decision{
		AgentID:             reg.AgentID,
		AgentName:           reg.Name,
		Domain:              string(reg.Domain),
		Reason:              reason,
		Method:              method,
		CandidatesEvaluated: candidates,
		Timestamp:           time.Now().UTC(),
	}
}

func lastAgentID(t *task.Task) string {
	taskCtx, ok := t.Parameters["context"].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := taskCtx["last_agent_id"].(string)
	return id
}

func (rt *Router) appendHistory(d Decision) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.history = append(rt.history, d)
	if excess := len(rt.history) - rt.historyLimit; excess > 0 {
		rt.history = append([]Decision(nil), rt.history[excess:]...)
	}
}

// History returns up to limit decisions, newest first. limit <= 0 returns
// everything retained.
func (rt *Router) History(limit int) []Decision {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	n := len(rt.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Decision, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, rt.history[i])
	}
	return out
}

// Rules returns a copy of the rules in evaluation order.
func (rt *Router) Rules() []Rule {
	return append([]Rule(nil), rt.rules...)
}
