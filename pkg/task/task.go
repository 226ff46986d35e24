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

// Package task defines the unit of work the orchestrator delegates to
// agents, and the executor that drives it through retries and timeouts to a
// terminal result.
package task

import (
	"errors"
	"fmt"
	"time"
)

// Priority orders tasks by urgency.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRouted    Status = "routed"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	}
	return false
}

// ResultStatus is the terminal outcome of one execution.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
	ResultTimedOut  ResultStatus = "timed_out"
)

// ErrInvalidTask is returned when a task fails validation.
var ErrInvalidTask = errors.New("invalid task")

// Task is one unit of work: an input, a timeout, a retry budget, a terminal
// result.
type Task struct {
	TaskID         string         `json:"task_id"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Domain         string         `json:"domain,omitempty"`
	TargetAgent    string         `json:"target_agent,omitempty"`
	Priority       Priority       `json:"priority"`
	Status         Status         `json:"status"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	TimeoutSeconds float64        `json:"timeout_seconds"`
	RetryCount     int            `json:"retry_count"`
	MaxRetries     int            `json:"max_retries"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Validate checks the task invariants: a positive timeout and a retry count
// within budget.
func (t *Task) Validate() error {
	if t.TaskID == "" {
		return fmt.Errorf("%w: task_id is required", ErrInvalidTask)
	}
	if t.TimeoutSeconds <= 0 {
		return fmt.Errorf("%w: timeout_seconds must be positive, got %v", ErrInvalidTask, t.TimeoutSeconds)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be non-negative", ErrInvalidTask)
	}
	if t.RetryCount > t.MaxRetries {
		return fmt.Errorf("%w: retry_count %d exceeds max_retries %d", ErrInvalidTask, t.RetryCount, t.MaxRetries)
	}
	if t.Priority != "" && !t.Priority.Valid() {
		return fmt.Errorf("%w: priority %q", ErrInvalidTask, t.Priority)
	}
	return nil
}

// Timeout returns the per-attempt timeout, falling back to fallback when the
// task carries none.
func (t *Task) Timeout(fallback time.Duration) time.Duration {
	if t.TimeoutSeconds > 0 {
		return time.Duration(t.TimeoutSeconds * float64(time.Second))
	}
	return fallback
}

// Result is the terminal outcome of executing a task against an agent.
type Result struct {
	TaskID          string         `json:"task_id"`
	AgentID         string         `json:"agent_id"`
	Status          ResultStatus   `json:"status"`
	ResultData      map[string]any `json:"result_data,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     time.Time      `json:"completed_at"`
	DurationSeconds float64        `json:"duration_seconds"`
}

// ExecutionRecord is one history entry: a single dispatch attempt and its
// outcome.
type ExecutionRecord struct {
	TaskID          string       `json:"task_id"`
	AgentID         string       `json:"agent_id"`
	Attempt         int          `json:"attempt"`
	Status          ResultStatus `json:"status"`
	StartedAt       time.Time    `json:"started_at"`
	CompletedAt     time.Time    `json:"completed_at"`
	DurationSeconds float64      `json:"duration_seconds"`
	RoutingMethod   string       `json:"routing_method,omitempty"`
	ErrorMessage    string       `json:"error_message,omitempty"`
	ResultSummary   string       `json:"result_summary,omitempty"`
}
