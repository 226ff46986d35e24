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

package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsmesh/opsmesh/pkg/observability"
	"github.com/opsmesh/opsmesh/pkg/task"
)

// TaskRunner routes and executes one step task, returning its terminal
// result. When no runner is wired the engine synthesizes a successful
// result so definitions can be exercised without a live agent network.
type TaskRunner func(ctx context.Context, t *task.Task) (*task.Result, error)

// Engine owns workflow executions and advances them. Advancement is
// synchronous: ready steps run sequentially inside a single Advance call,
// and the caller invokes Advance repeatedly to drive the run to a terminal
// status.
type Engine struct {
	runner   TaskRunner
	recorder observability.Recorder

	mu          sync.Mutex
	executions  map[string]*Execution
	definitions map[string]*Definition
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithTaskRunner sets the runner the engine hands step tasks to.
func WithTaskRunner(r TaskRunner) EngineOption {
	return func(e *Engine) { e.runner = r }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r observability.Recorder) EngineOption {
	return func(e *Engine) { e.recorder = r }
}

// NewEngine creates an engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		recorder:    observability.NoopMetrics{},
		executions:  make(map[string]*Execution),
		definitions: make(map[string]*Definition),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.runner == nil {
		e.runner = synthesizedRunner
	}
	return e
}

// synthesizedRunner fabricates an immediate success for a step task.
func synthesizedRunner(_ context.Context, t *task.Task) (*task.Result, error) {
	now := time.Now().UTC()
	return &task.Result{
		TaskID:      t.TaskID,
		AgentID:     t.TargetAgent,
		Status:      task.ResultCompleted,
		ResultData:  map[string]any{"synthesized": true, "task_id": t.TaskID},
		StartedAt:   now,
		CompletedAt: now,
	}, nil
}

// Start validates the definition and creates a fresh running execution.
func (e *Engine) Start(def *Definition, execCtx map[string]any) (*Execution, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	exec := &Execution{
		ExecutionID:    uuid.NewString(),
		WorkflowID:     def.WorkflowID,
		Status:         ExecRunning,
		StepsRemaining: make([]string, 0, len(def.Steps)),
		StepResults:    make(map[string]*task.Result),
		Context:        make(map[string]any),
		StartedAt:      &now,
	}
	for _, s := range def.Steps {
		exec.StepsRemaining = append(exec.StepsRemaining, s.StepID)
	}
	for k, v := range execCtx {
		exec.Context[k] = v
	}

	e.mu.Lock()
	e.executions[exec.ExecutionID] = exec
	e.definitions[exec.ExecutionID] = def
	e.mu.Unlock()

	slog.Info("Started workflow",
		"workflow_id", def.WorkflowID,
		"execution_id", exec.ExecutionID,
		"steps", len(def.Steps))
	return exec.Clone(), nil
}

// Resume registers a checkpointed execution with its definition so Advance
// can continue it. The definition travels separately from the checkpoint.
func (e *Engine) Resume(def *Definition, exec *Execution) (*Execution, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if exec.ExecutionID == "" {
		return nil, fmt.Errorf("%w: execution has no id", ErrWorkflowNotFound)
	}
	if exec.WorkflowID != def.WorkflowID {
		return nil, fmt.Errorf("%w: execution %s belongs to workflow %s, not %s",
			ErrDefinitionInvalid, exec.ExecutionID, exec.WorkflowID, def.WorkflowID)
	}

	restored := exec.Clone()
	e.mu.Lock()
	e.executions[restored.ExecutionID] = restored
	e.definitions[restored.ExecutionID] = def
	e.mu.Unlock()
	return restored.Clone(), nil
}

// Get returns a copy of the execution.
func (e *Engine) Get(executionID string) (*Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	exec, ok := e.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, executionID)
	}
	return exec.Clone(), nil
}

// List returns copies of all executions.
func (e *Engine) List() []*Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Execution, 0, len(e.executions))
	for _, exec := range e.executions {
		out = append(out, exec.Clone())
	}
	return out
}

// Advance is the sole progression operation. It computes the ready set
// (remaining steps whose dependencies are all completed), runs those steps
// sequentially, and marks the execution completed once nothing remains. On
// a non-advanceable status it is a no-op, which makes repeated calls
// idempotent.
//
// The engine mutex is released while a step is dispatched, so Cancel, Get,
// and List stay responsive during long-running steps. The step_executing
// status keeps a concurrent Advance from re-dispatching the same step.
func (e *Engine) Advance(ctx context.Context, executionID string) (*Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	exec, ok := e.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, executionID)
	}
	def := e.definitions[executionID]

	if !exec.Status.advanceable() {
		return exec.Clone(), nil
	}

	ready := e.readySteps(exec, def)
	if len(ready) == 0 {
		if len(exec.StepsRemaining) == 0 {
			e.markCompleted(exec)
			return exec.Clone(), nil
		}
		// Remaining steps whose dependencies can never complete. Validate
		// rejects cycles up front, so this only fires on a corrupted
		// resume state.
		now := time.Now().UTC()
		exec.Status = ExecFailed
		exec.ErrorMessage = fmt.Sprintf("no runnable steps with %d remaining", len(exec.StepsRemaining))
		exec.CompletedAt = &now
		return exec.Clone(), fmt.Errorf("%w: %s", ErrDefinitionInvalid, exec.ErrorMessage)
	}

	for _, step := range ready {
		exec.CurrentStepID = step.StepID
		exec.Status = ExecStepExecuting
		stepTask := e.stepTask(step, exec)

		e.mu.Unlock()
		result, err := e.runner(ctx, stepTask)
		e.mu.Lock()

		// A Cancel issued while the step was dispatched wins. The step
		// ran to its own terminal outcome; keep its result but make no
		// further progress.
		if exec.Status == ExecCancelled {
			if err == nil && result != nil {
				exec.StepResults[step.StepID] = result
			}
			return exec.Clone(), nil
		}

		if err != nil {
			policy := step.OnFailure
			if policy == "" {
				policy = FailStop
			}
			e.recorder.RecordWorkflowStep(ctx, exec.WorkflowID, "failed")

			if policy == FailSkip {
				// Mark the step completed with a synthesized failure so
				// dependents still proceed.
				exec.StepResults[step.StepID] = failedResult(step, exec, err)
				e.markStepDone(exec, step.StepID)
				exec.Status = ExecStepCompleted
				slog.Warn("Workflow step failed, skipping",
					"execution_id", exec.ExecutionID, "step_id", step.StepID, "error", err)
				continue
			}

			// stop, and retry whose executor-level budget is exhausted.
			now := time.Now().UTC()
			exec.Status = ExecFailed
			exec.ErrorMessage = err.Error()
			exec.CompletedAt = &now
			return exec.Clone(), fmt.Errorf("%w: step %s: %v", ErrStepFailed, step.StepID, err)
		}

		exec.StepResults[step.StepID] = result
		e.markStepDone(exec, step.StepID)
		if result.ResultData != nil {
			exec.Context[step.StepID] = result.ResultData
		}
		exec.Status = ExecStepCompleted
		e.recorder.RecordWorkflowStep(ctx, exec.WorkflowID, string(result.Status))
	}
	exec.CurrentStepID = ""

	if len(exec.StepsRemaining) == 0 {
		e.markCompleted(exec)
	}
	return exec.Clone(), nil
}

// Cancel marks the execution cancelled. An already-dispatched step is not
// interrupted; it runs to its own outcome and the cancelled status is
// observed on the next Advance.
func (e *Engine) Cancel(executionID string) (*Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	exec, ok := e.executions[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, executionID)
	}
	if !exec.Status.IsTerminal() {
		now := time.Now().UTC()
		exec.Status = ExecCancelled
		exec.CurrentStepID = ""
		exec.CompletedAt = &now
	}
	return exec.Clone(), nil
}

// readySteps returns the remaining steps whose dependencies are completed,
// in definition order.
func (e *Engine) readySteps(exec *Execution, def *Definition) []*Step {
	remaining := make(map[string]struct{}, len(exec.StepsRemaining))
	for _, id := range exec.StepsRemaining {
		remaining[id] = struct{}{}
	}

	var ready []*Step
	for i := range def.Steps {
		s := &def.Steps[i]
		if _, ok := remaining[s.StepID]; !ok {
			continue
		}
		depsMet := true
		for _, dep := range s.DependsOn {
			if !exec.completed(dep) {
				depsMet = false
				break
			}
		}
		if depsMet {
			ready = append(ready, s)
		}
	}
	return ready
}

// stepTask builds the task dispatched for a step. Called with the engine
// mutex held; the task is handed to the runner after it is released.
func (e *Engine) stepTask(step *Step, exec *Execution) *task.Task {
	timeout := step.TimeoutSeconds
	if timeout <= 0 {
		timeout = 30
	}

	return &task.Task{
		TaskID:         fmt.Sprintf("%s-%s", exec.ExecutionID, step.StepID),
		Title:          step.Name,
		Domain:         step.AgentDomain,
		TargetAgent:    step.TargetAgent,
		Priority:       task.PriorityMedium,
		Status:         task.StatusPending,
		Parameters:     step.Parameters,
		CreatedAt:      time.Now().UTC(),
		TimeoutSeconds: timeout,
		MaxRetries:     step.MaxRetries,
	}
}

func (e *Engine) markStepDone(exec *Execution, stepID string) {
	exec.StepsCompleted = append(exec.StepsCompleted, stepID)
	kept := exec.StepsRemaining[:0]
	for _, id := range exec.StepsRemaining {
		if id != stepID {
			kept = append(kept, id)
		}
	}
	exec.StepsRemaining = kept
}

func (e *Engine) markCompleted(exec *Execution) {
	now := time.Now().UTC()
	exec.Status = ExecCompleted
	exec.CurrentStepID = ""
	exec.CompletedAt = &now
	slog.Info("Workflow completed",
		"execution_id", exec.ExecutionID,
		"workflow_id", exec.WorkflowID,
		"steps", len(exec.StepsCompleted))
}

func failedResult(step *Step, exec *Execution, err error) *task.Result {
	now := time.Now().UTC()
	return &task.Result{
		TaskID:       fmt.Sprintf("%s-%s", exec.ExecutionID, step.StepID),
		AgentID:      step.TargetAgent,
		Status:       task.ResultFailed,
		ErrorMessage: err.Error(),
		StartedAt:    now,
		CompletedAt:  now,
	}
}
