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

package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/opsmesh/opsmesh/pkg/observability"
	"github.com/opsmesh/opsmesh/pkg/state"
)

// HistoryStateKey is the persistence key for the execution history.
const HistoryStateKey = "execution-history"

var (
	// ErrTaskTimeout is the terminal error when every attempt timed out.
	ErrTaskTimeout = errors.New("task timed out")

	// ErrRetryExhausted is the terminal error when every attempt failed.
	ErrRetryExhausted = errors.New("task retries exhausted")
)

const resultSummaryLimit = 200

// ExecutorConfig carries the executor knobs. Zero values select defaults.
type ExecutorConfig struct {
	DefaultTimeout     time.Duration
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	RetryBackoffFactor float64
	MaxHistoryRecords  int
}

// DefaultExecutorConfig returns the production defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultTimeout:     30 * time.Second,
		RetryBaseDelay:     1 * time.Second,
		RetryMaxDelay:      60 * time.Second,
		RetryBackoffFactor: 2.0,
		MaxHistoryRecords:  1000,
	}
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	def := DefaultExecutorConfig()
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = def.DefaultTimeout
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = def.RetryMaxDelay
	}
	if c.RetryBackoffFactor <= 1 {
		c.RetryBackoffFactor = def.RetryBackoffFactor
	}
	if c.MaxHistoryRecords <= 0 {
		c.MaxHistoryRecords = def.MaxHistoryRecords
	}
	return c
}

// Stats aggregates the execution history.
type Stats struct {
	TotalExecutions    int                  `json:"total_executions"`
	SuccessRatePercent float64              `json:"success_rate_percent"`
	MeanDuration       float64              `json:"mean_duration_seconds"`
	ByStatus           map[ResultStatus]int `json:"by_status"`
	ActiveTasks        int                  `json:"active_tasks"`
}

// Executor drives one task through the dispatch/retry/timeout state machine
// and keeps a bounded, persisted history of every attempt.
type Executor struct {
	config   ExecutorConfig
	store    *state.Store
	dispatch *DispatchRegistry
	recorder observability.Recorder
	tracer   trace.Tracer

	mu      sync.Mutex
	history []ExecutionRecord
	active  map[string]*Task
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithRecorder sets the metrics recorder.
func WithRecorder(r observability.Recorder) ExecutorOption {
	return func(e *Executor) { e.recorder = r }
}

// WithTracer sets the tracer used for per-attempt spans.
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// NewExecutor creates an executor. The execution history is rehydrated from
// the store; a parse failure resets to empty with a warning and never
// aborts startup.
func NewExecutor(cfg ExecutorConfig, store *state.Store, dispatch *DispatchRegistry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		config:   cfg.withDefaults(),
		store:    store,
		dispatch: dispatch,
		recorder: observability.NoopMetrics{},
		tracer:   tracenoop.NewTracerProvider().Tracer("opsmesh/executor"),
		active:   make(map[string]*Task),
	}
	for _, opt := range opts {
		opt(e)
	}

	if store != nil {
		var records []ExecutionRecord
		err := store.LoadTyped(HistoryStateKey, &records)
		switch {
		case err == nil:
			e.history = records
			e.trimHistoryLocked()
		case errors.Is(err, state.ErrNotFound):
			// First start, nothing persisted yet.
		default:
			slog.Warn("Execution history unreadable, resetting", "error", err)
		}
	}
	return e
}

// Execute runs the task against agentID until a terminal outcome:
// success, ErrTaskTimeout or ErrRetryExhausted. Each attempt is recorded
// and the history persisted before the next attempt starts.
func (e *Executor) Execute(ctx context.Context, t *Task, agentID, routingMethod string) (*Result, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	e.trackActive(t)
	defer e.untrackActive(t.TaskID)

	maxAttempts := t.MaxRetries + 1
	timeout := t.Timeout(e.config.DefaultTimeout)
	delays := e.newBackoff()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		startedAt := time.Now().UTC()

		attemptCtx, span := e.tracer.Start(ctx, "task.dispatch",
			trace.WithAttributes(
				attribute.String("task.id", t.TaskID),
				attribute.String("agent.id", agentID),
				attribute.Int("task.attempt", attempt),
			))

		data, err := e.dispatch.Dispatch(attemptCtx, t, agentID, timeout)
		completedAt := time.Now().UTC()
		duration := completedAt.Sub(startedAt)

		record := ExecutionRecord{
			TaskID:          t.TaskID,
			AgentID:         agentID,
			Attempt:         attempt,
			StartedAt:       startedAt,
			CompletedAt:     completedAt,
			DurationSeconds: duration.Seconds(),
			RoutingMethod:   routingMethod,
		}

		if err == nil {
			record.Status = ResultCompleted
			record.ResultSummary = summarizeResult(data)
			e.appendRecord(record)
			span.End()

			result := &Result{
				TaskID:          t.TaskID,
				AgentID:         agentID,
				Status:          ResultCompleted,
				ResultData:      data,
				StartedAt:       startedAt,
				CompletedAt:     completedAt,
				DurationSeconds: duration.Seconds(),
			}
			e.recorder.RecordTaskExecution(ctx, agentID, string(ResultCompleted), attempt, duration)
			return result, nil
		}

		span.RecordError(err)
		span.End()
		lastErr = err

		timedOut := errors.Is(err, ErrDispatchTimeout)
		if timedOut {
			record.Status = ResultTimedOut
		} else {
			record.Status = ResultFailed
		}
		record.ErrorMessage = err.Error()
		e.appendRecord(record)

		slog.Warn("Task attempt failed",
			"task_id", t.TaskID,
			"agent_id", agentID,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"timed_out", timedOut,
			"error", err)

		if attempt == maxAttempts {
			e.recorder.RecordTaskExecution(ctx, agentID, string(record.Status), attempt, duration)
			if timedOut {
				return nil, fmt.Errorf("%w: task %s on agent %s: %v", ErrTaskTimeout, t.TaskID, agentID, lastErr)
			}
			return nil, fmt.Errorf("%w: task %s on agent %s after %d attempts: %v",
				ErrRetryExhausted, t.TaskID, agentID, maxAttempts, lastErr)
		}

		if err := sleepContext(ctx, delays.NextBackOff()); err != nil {
			return nil, err
		}
	}

	// Unreachable: the loop always returns from the last attempt.
	return nil, lastErr
}

// newBackoff builds the delay schedule base·factor^(n−1), capped.
func (e *Executor) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.config.RetryBaseDelay
	b.Multiplier = e.config.RetryBackoffFactor
	b.MaxInterval = e.config.RetryMaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// sleepContext waits for d or until ctx is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Executor) trackActive(t *Task) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[t.TaskID] = t
}

func (e *Executor) untrackActive(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, taskID)
}

// ActiveTasks returns a snapshot of tasks currently inside Execute.
func (e *Executor) ActiveTasks() []*Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Task, 0, len(e.active))
	for _, t := range e.active {
		out = append(out, t)
	}
	return out
}

// appendRecord adds one attempt to the bounded history and persists it.
// Persistence happens after every attempt, not just at terminal outcomes,
// so a crash loses at most the in-flight attempt.
func (e *Executor) appendRecord(record ExecutionRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.history = append(e.history, record)
	e.trimHistoryLocked()

	if e.store != nil {
		if err := e.store.Save(HistoryStateKey, e.history); err != nil {
			slog.Error("Failed to persist execution history", "error", err)
		}
	}
}

func (e *Executor) trimHistoryLocked() {
	if excess := len(e.history) - e.config.MaxHistoryRecords; excess > 0 {
		e.history = append([]ExecutionRecord(nil), e.history[excess:]...)
	}
}

// History returns up to limit records, newest first. limit <= 0 returns all.
func (e *Executor) History(limit int) []ExecutionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]ExecutionRecord, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, e.history[i])
	}
	return out
}

// Statistics derives aggregate stats from the history.
func (e *Executor) Statistics() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := Stats{
		ByStatus:    make(map[ResultStatus]int),
		ActiveTasks: len(e.active),
	}

	var totalDuration float64
	for _, record := range e.history {
		stats.TotalExecutions++
		stats.ByStatus[record.Status]++
		totalDuration += record.DurationSeconds
	}
	if stats.TotalExecutions > 0 {
		stats.SuccessRatePercent = 100 * float64(stats.ByStatus[ResultCompleted]) / float64(stats.TotalExecutions)
		stats.MeanDuration = totalDuration / float64(stats.TotalExecutions)
	}
	return stats
}

// summarizeResult renders a short, single-line summary of result data for
// the history record.
func summarizeResult(data map[string]any) string {
	if len(data) == 0 {
		return ""
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf("unserializable result (%d keys)", len(data))
	}
	s := string(raw)
	if len(s) > resultSummaryLimit {
		s = s[:resultSummaryLimit] + "…"
	}
	return s
}
