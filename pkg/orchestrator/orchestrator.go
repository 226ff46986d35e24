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

// Package orchestrator composes the store, registry, health checker,
// router, executor, and workflow engine into one value carrying the
// operation set the external surfaces expose.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/opsmesh/opsmesh"
	"github.com/opsmesh/opsmesh/pkg/agent"
	"github.com/opsmesh/opsmesh/pkg/config"
	"github.com/opsmesh/opsmesh/pkg/health"
	"github.com/opsmesh/opsmesh/pkg/observability"
	"github.com/opsmesh/opsmesh/pkg/registry"
	"github.com/opsmesh/opsmesh/pkg/routing"
	"github.com/opsmesh/opsmesh/pkg/state"
	"github.com/opsmesh/opsmesh/pkg/task"
	"github.com/opsmesh/opsmesh/pkg/workflow"
)

// defaultClarificationTTL bounds how long a pending clarification waits for
// its follow-up before the sweeper drops it.
const defaultClarificationTTL = 10 * time.Minute

// Orchestrator is the composed system. Construction order follows the
// dependency order: store, registry, checker, router, dispatch, executor,
// engine, checkpointer, clarification store. No package-level singletons;
// tests build a fresh value per case.
type Orchestrator struct {
	config *config.Config
	obs    *observability.Manager

	store          *state.Store
	registry       *registry.AgentRegistry
	checker        *health.Checker
	router         *routing.Router
	dispatch       *task.DispatchRegistry
	executor       *task.Executor
	engine         *workflow.Engine
	checkpointer   *workflow.Checkpointer
	clarifications *routing.ClarificationStore

	clarificationTTL time.Duration
	startedAt        time.Time
}

// Option configures an Orchestrator.
type Option func(*options)

type options struct {
	rules            []routing.Rule
	obs              *observability.Manager
	clarificationTTL time.Duration
	seedDefaults     bool
}

// WithRules replaces the default routing rules.
func WithRules(rules []routing.Rule) Option {
	return func(o *options) { o.rules = rules }
}

// WithObservability wires an initialized observability manager.
func WithObservability(m *observability.Manager) Option {
	return func(o *options) { o.obs = m }
}

// WithClarificationTTL overrides the pending-clarification TTL.
func WithClarificationTTL(ttl time.Duration) Option {
	return func(o *options) { o.clarificationTTL = ttl }
}

// WithDefaultAgents controls seeding the registry with the built-in agents
// on first start. Default true.
func WithDefaultAgents(seed bool) Option {
	return func(o *options) { o.seedDefaults = seed }
}

// New builds a fully wired orchestrator from the configuration.
func New(cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	o := options{
		rules:            routing.DefaultRules(),
		obs:              observability.NoopManager(),
		clarificationTTL: defaultClarificationTTL,
		seedDefaults:     true,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	store, err := state.NewStore(cfg.StateDir())
	if err != nil {
		return nil, err
	}

	reg := registry.NewAgentRegistry(store)
	if err := reg.Initialize(registry.WithDefaults(o.seedDefaults)); err != nil {
		return nil, err
	}

	recorder := o.obs.Recorder()
	checker := health.NewChecker(cfg.CheckerConfig(), reg, store, health.WithRecorder(recorder))

	router, err := routing.NewRouter(reg, o.rules, routing.WithRecorder(recorder))
	if err != nil {
		return nil, err
	}

	dispatch := task.NewDispatchRegistry()
	executor := task.NewExecutor(cfg.ExecutorConfig(), store, dispatch,
		task.WithRecorder(recorder),
		task.WithTracer(o.obs.Tracer("opsmesh/executor")))

	checkpointer, err := workflow.NewCheckpointer(cfg.WorkflowDir())
	if err != nil {
		return nil, err
	}

	orc := &Orchestrator{
		config:           cfg,
		obs:              o.obs,
		store:            store,
		registry:         reg,
		checker:          checker,
		router:           router,
		dispatch:         dispatch,
		executor:         executor,
		checkpointer:     checkpointer,
		clarifications:   routing.NewClarificationStore(),
		clarificationTTL: o.clarificationTTL,
		startedAt:        time.Now().UTC(),
	}
	orc.engine = workflow.NewEngine(
		workflow.WithTaskRunner(orc.runWorkflowTask),
		workflow.WithRecorder(recorder))

	slog.Info("Orchestrator initialized",
		"data_dir", cfg.DataDir,
		"agents", len(reg.ListAll()),
		"rules", len(router.Rules()))
	return orc, nil
}

// runWorkflowTask routes a step task and drives it through the executor.
func (o *Orchestrator) runWorkflowTask(ctx context.Context, t *task.Task) (*task.Result, error) {
	decision, err := o.router.Route(ctx, t)
	if err != nil {
		return nil, err
	}
	return o.executor.Execute(ctx, t, decision.AgentID, string(decision.Method))
}

// DispatchRegistry exposes handler registration for downstream agents.
func (o *Orchestrator) DispatchRegistry() *task.DispatchRegistry { return o.dispatch }

// Registry exposes the agent registry.
func (o *Orchestrator) Registry() *registry.AgentRegistry { return o.registry }

// HealthDoc is the orchestrator-level health document.
type HealthDoc struct {
	Status          string    `json:"status"`
	Version         string    `json:"version"`
	UptimeSeconds   float64   `json:"uptime_seconds"`
	AgentsTotal     int       `json:"agents_total"`
	AgentsAvailable int       `json:"agents_available"`
	ActiveTasks     int       `json:"active_tasks"`
	Workflows       int       `json:"workflows"`
	Timestamp       time.Time `json:"timestamp"`
}

// Health reports the orchestrator's own health.
func (o *Orchestrator) Health() HealthDoc {
	agents := o.registry.ListAll()
	available := 0
	for _, a := range agents {
		if a.Available() {
			available++
		}
	}
	return HealthDoc{
		Status:          "ok",
		Version:         opsmesh.Version,
		UptimeSeconds:   time.Since(o.startedAt).Seconds(),
		AgentsTotal:     len(agents),
		AgentsAvailable: available,
		ActiveTasks:     len(o.executor.ActiveTasks()),
		Workflows:       len(o.engine.List()),
		Timestamp:       time.Now().UTC(),
	}
}

// ListAgents returns all registrations sorted by id.
func (o *Orchestrator) ListAgents() []*agent.Registration {
	return o.registry.ListAll()
}

// AgentsSummary returns registry-level counts.
func (o *Orchestrator) AgentsSummary() registry.Summary {
	return o.registry.Summarize()
}

// GetAgent returns one registration.
func (o *Orchestrator) GetAgent(id string) (*agent.Registration, error) {
	return o.registry.Get(id)
}

// CheckAgent runs a health probe against one agent.
func (o *Orchestrator) CheckAgent(ctx context.Context, id string, force bool) (*health.Record, error) {
	return o.checker.CheckAgent(ctx, id, force)
}

// AgentHealth returns the latest record and the checker statistics.
func (o *Orchestrator) AgentHealth(ctx context.Context, id string) (*health.Record, health.Stats, error) {
	if _, err := o.registry.Get(id); err != nil {
		return nil, health.Stats{}, err
	}
	record, ok := o.checker.Latest(id)
	if !ok {
		fresh, err := o.checker.CheckAgent(ctx, id, false)
		if err != nil {
			return nil, health.Stats{}, err
		}
		record = fresh
	}
	return record, o.checker.Statistics(), nil
}

// RouteTask resolves a task to an agent without executing it.
func (o *Orchestrator) RouteTask(ctx context.Context, t *task.Task) (*routing.Decision, error) {
	return o.router.Route(ctx, t)
}

// ExecuteTask routes (when no decision is supplied) and executes a task to
// its terminal result.
func (o *Orchestrator) ExecuteTask(ctx context.Context, t *task.Task, decision *routing.Decision) (*task.Result, error) {
	if decision == nil {
		var err error
		decision, err = o.router.Route(ctx, t)
		if err != nil {
			return nil, err
		}
	}
	return o.executor.Execute(ctx, t, decision.AgentID, string(decision.Method))
}

// StartWorkflow validates and starts a workflow execution.
func (o *Orchestrator) StartWorkflow(def *workflow.Definition, execCtx map[string]any) (*workflow.Execution, error) {
	return o.engine.Start(def, execCtx)
}

// AdvanceWorkflow runs the next ready steps of an execution.
func (o *Orchestrator) AdvanceWorkflow(ctx context.Context, executionID string) (*workflow.Execution, error) {
	return o.engine.Advance(ctx, executionID)
}

// CancelWorkflow marks an execution cancelled.
func (o *Orchestrator) CancelWorkflow(executionID string) (*workflow.Execution, error) {
	return o.engine.Cancel(executionID)
}

// GetWorkflow returns an execution.
func (o *Orchestrator) GetWorkflow(executionID string) (*workflow.Execution, error) {
	return o.engine.Get(executionID)
}

// CheckpointWorkflow snapshots an execution to disk.
func (o *Orchestrator) CheckpointWorkflow(executionID string) error {
	exec, err := o.engine.Get(executionID)
	if err != nil {
		return err
	}
	return o.checkpointer.Save(exec)
}

// ResumeWorkflow loads a checkpoint into the engine. The definition travels
// separately from the checkpoint.
func (o *Orchestrator) ResumeWorkflow(def *workflow.Definition, executionID string) (*workflow.Execution, error) {
	exec, ok, err := o.checkpointer.Load(executionID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no checkpoint for %s", workflow.ErrWorkflowNotFound, executionID)
	}
	return o.engine.Resume(def, exec)
}

// ExecutionHistory returns executor history, newest first.
func (o *Orchestrator) ExecutionHistory(limit int) []task.ExecutionRecord {
	return o.executor.History(limit)
}

// RoutingHistory returns routing decisions, newest first.
func (o *Orchestrator) RoutingHistory(limit int) []routing.Decision {
	return o.router.History(limit)
}

// StartClarificationSweeper runs the background sweep until ctx is
// cancelled. Interval is half the TTL.
func (o *Orchestrator) StartClarificationSweeper(ctx context.Context) {
	interval := o.clarificationTTL / 2
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				o.clarifications.Sweep(o.clarificationTTL)
			}
		}
	}()
}

// Shutdown flushes observability state.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	return o.obs.Shutdown(ctx)
}
