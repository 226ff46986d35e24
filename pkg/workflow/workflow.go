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

// Package workflow models multi-step executions as dependency DAGs and
// advances them one ready-set sweep at a time.
package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/opsmesh/opsmesh/pkg/task"
)

// Workflow errors.
var (
	// ErrDefinitionInvalid means a workflow definition fails validation.
	ErrDefinitionInvalid = errors.New("invalid workflow definition")

	// ErrWorkflowNotFound means no execution is registered under the id.
	ErrWorkflowNotFound = errors.New("workflow execution not found")

	// ErrStepFailed means a step with on_failure=stop failed and the
	// execution is now failed.
	ErrStepFailed = errors.New("workflow step failed")

	// ErrCheckpointFailed wraps checkpoint I/O failures.
	ErrCheckpointFailed = errors.New("workflow checkpoint failed")
)

// StepType distinguishes how a step is interpreted.
type StepType string

const (
	StepTask        StepType = "task"
	StepConditional StepType = "conditional"
	StepParallel    StepType = "parallel"
)

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	switch t {
	case StepTask, StepConditional, StepParallel:
		return true
	}
	return false
}

// FailurePolicy controls what a step failure does to the execution.
type FailurePolicy string

const (
	// FailStop fails the whole execution.
	FailStop FailurePolicy = "stop"
	// FailSkip records a failed result but lets dependents proceed.
	FailSkip FailurePolicy = "skip"
	// FailRetry defers to the executor's retry budget; a terminal failure
	// after retries behaves like stop.
	FailRetry FailurePolicy = "retry"
)

// Valid reports whether p is a known policy.
func (p FailurePolicy) Valid() bool {
	switch p {
	case FailStop, FailSkip, FailRetry:
		return true
	}
	return false
}

// Step is one node of a workflow definition.
type Step struct {
	StepID         string         `json:"step_id" yaml:"step_id"`
	Name           string         `json:"name" yaml:"name"`
	StepType       StepType       `json:"step_type" yaml:"step_type"`
	AgentDomain    string         `json:"agent_domain,omitempty" yaml:"agent_domain,omitempty"`
	TargetAgent    string         `json:"target_agent,omitempty" yaml:"target_agent,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	DependsOn      []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	TimeoutSeconds float64        `json:"timeout_seconds" yaml:"timeout_seconds"`
	OnFailure      FailurePolicy  `json:"on_failure" yaml:"on_failure"`
	MaxRetries     int            `json:"max_retries" yaml:"max_retries"`
}

// Definition is a validated workflow: a non-empty set of uniquely named
// steps whose dependencies form a DAG.
type Definition struct {
	WorkflowID  string         `json:"workflow_id" yaml:"workflow_id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string         `json:"version,omitempty" yaml:"version,omitempty"`
	Steps       []Step         `json:"steps" yaml:"steps"`
	CreatedAt   time.Time      `json:"created_at" yaml:"created_at"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Validate checks the structural invariants: non-empty steps, unique step
// ids, dependencies referencing existing steps, no self-dependency, and no
// dependency cycle.
func (d *Definition) Validate() error {
	if d.WorkflowID == "" {
		return fmt.Errorf("%w: workflow_id is required", ErrDefinitionInvalid)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: workflow %s has no steps", ErrDefinitionInvalid, d.WorkflowID)
	}

	byID := make(map[string]*Step, len(d.Steps))
	for i := range d.Steps {
		s := &d.Steps[i]
		if s.StepID == "" {
			return fmt.Errorf("%w: step %d has no step_id", ErrDefinitionInvalid, i)
		}
		if _, dup := byID[s.StepID]; dup {
			return fmt.Errorf("%w: duplicate step_id %s", ErrDefinitionInvalid, s.StepID)
		}
		if s.StepType != "" && !s.StepType.Valid() {
			return fmt.Errorf("%w: step %s has unknown type %q", ErrDefinitionInvalid, s.StepID, s.StepType)
		}
		if s.OnFailure != "" && !s.OnFailure.Valid() {
			return fmt.Errorf("%w: step %s has unknown on_failure %q", ErrDefinitionInvalid, s.StepID, s.OnFailure)
		}
		if s.TimeoutSeconds < 0 {
			return fmt.Errorf("%w: step %s has negative timeout", ErrDefinitionInvalid, s.StepID)
		}
		byID[s.StepID] = s
	}

	for _, s := range d.Steps {
		for _, dep := range s.DependsOn {
			if dep == s.StepID {
				return fmt.Errorf("%w: step %s depends on itself", ErrDefinitionInvalid, s.StepID)
			}
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("%w: step %s depends on unknown step %s", ErrDefinitionInvalid, s.StepID, dep)
			}
		}
	}

	if cycle := findCycle(d.Steps); len(cycle) > 0 {
		return fmt.Errorf("%w: dependency cycle %v", ErrDefinitionInvalid, cycle)
	}
	return nil
}

// Step returns the step with the given id.
func (d *Definition) Step(id string) (*Step, bool) {
	for i := range d.Steps {
		if d.Steps[i].StepID == id {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// findCycle runs a three-color DFS over the dependency edges and returns
// one cycle if any exists.
func findCycle(steps []Step) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	deps := make(map[string][]string, len(steps))
	for _, s := range steps {
		deps[s.StepID] = s.DependsOn
	}

	color := make(map[string]int, len(steps))
	var cycle []string

	var visit func(id string, path []string) bool
	visit = func(id string, path []string) bool {
		color[id] = gray
		path = append(path, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				for i, p := range path {
					if p == dep {
						cycle = append(append([]string(nil), path[i:]...), dep)
						return true
					}
				}
				cycle = []string{dep, id, dep}
				return true
			case white:
				if visit(dep, path) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for _, s := range steps {
		if color[s.StepID] == white && visit(s.StepID, nil) {
			return cycle
		}
	}
	return nil
}

// ExecStatus is the lifecycle state of a workflow execution.
type ExecStatus string

const (
	ExecPending       ExecStatus = "pending"
	ExecRunning       ExecStatus = "running"
	ExecStepExecuting ExecStatus = "step_executing"
	ExecStepCompleted ExecStatus = "step_completed"
	ExecPaused        ExecStatus = "paused"
	ExecFailed        ExecStatus = "failed"
	ExecCompleted     ExecStatus = "completed"
	ExecCancelled     ExecStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s ExecStatus) IsTerminal() bool {
	switch s {
	case ExecFailed, ExecCompleted, ExecCancelled:
		return true
	}
	return false
}

// advanceable reports whether an Advance call may progress this execution.
func (s ExecStatus) advanceable() bool {
	return s == ExecRunning || s == ExecStepCompleted
}

// Execution is the mutable runtime state of one workflow run.
type Execution struct {
	ExecutionID    string                  `json:"execution_id"`
	WorkflowID     string                  `json:"workflow_id"`
	Status         ExecStatus              `json:"status"`
	CurrentStepID  string                  `json:"current_step_id,omitempty"`
	StepsCompleted []string                `json:"steps_completed"`
	StepsRemaining []string                `json:"steps_remaining"`
	StepResults    map[string]*task.Result `json:"step_results"`
	Context        map[string]any          `json:"context"`
	StartedAt      *time.Time              `json:"started_at,omitempty"`
	CompletedAt    *time.Time              `json:"completed_at,omitempty"`
	ErrorMessage   string                  `json:"error_message,omitempty"`
}

// Clone returns a deep-enough copy: slices and top-level maps are copied so
// callers cannot alias engine-owned state.
func (e *Execution) Clone() *Execution {
	out := *e
	out.StepsCompleted = append([]string(nil), e.StepsCompleted...)
	out.StepsRemaining = append([]string(nil), e.StepsRemaining...)
	out.StepResults = make(map[string]*task.Result, len(e.StepResults))
	for k, v := range e.StepResults {
		result := *v
		out.StepResults[k] = &result
	}
	out.Context = make(map[string]any, len(e.Context))
	for k, v := range e.Context {
		out.Context[k] = v
	}
	return &out
}

func (e *Execution) completed(stepID string) bool {
	for _, id := range e.StepsCompleted {
		if id == stepID {
			return true
		}
	}
	return false
}
