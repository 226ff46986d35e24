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

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig configures Prometheus-exported metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Recorder is the metrics interface the orchestrator components depend on.
type Recorder interface {
	RecordTaskExecution(ctx context.Context, agentID, status string, attempts int, duration time.Duration)
	RecordRoutingDecision(ctx context.Context, method string)
	RecordHealthCheck(ctx context.Context, agentID, result string, duration time.Duration)
	RecordWorkflowStep(ctx context.Context, workflowID, status string)
	RecordClarification(ctx context.Context)
}

// NoopMetrics is a Recorder that does nothing. Used when metrics are
// disabled and as the default in tests.
type NoopMetrics struct{}

func (NoopMetrics) RecordTaskExecution(context.Context, string, string, int, time.Duration) {}
func (NoopMetrics) RecordRoutingDecision(context.Context, string)                           {}
func (NoopMetrics) RecordHealthCheck(context.Context, string, string, time.Duration)        {}
func (NoopMetrics) RecordWorkflowStep(context.Context, string, string)                      {}
func (NoopMetrics) RecordClarification(context.Context)                                     {}

// Handler returns 503 when metrics are disabled.
func (NoopMetrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("metrics not enabled"))
	})
}

// Metrics records orchestrator metrics through an otel meter backed by the
// Prometheus exporter.
type Metrics struct {
	taskDuration   metric.Float64Histogram
	tasksTotal     metric.Int64Counter
	taskAttempts   metric.Int64Counter
	routingTotal   metric.Int64Counter
	healthDuration metric.Float64Histogram
	healthTotal    metric.Int64Counter
	stepsTotal     metric.Int64Counter
	clarifications metric.Int64Counter
}

var (
	_ Recorder = (*Metrics)(nil)
	_ Recorder = NoopMetrics{}
)

// InitMetrics builds the meter provider and instrument set.
func InitMetrics(_ context.Context, cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	exporter, err := otelprom.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	meter := meterProvider.Meter("opsmesh")

	m := &Metrics{}

	if m.taskDuration, err = meter.Float64Histogram(
		"opsmesh_task_duration_seconds",
		metric.WithDescription("Task execution duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create task duration histogram: %w", err)
	}

	if m.tasksTotal, err = meter.Int64Counter(
		"opsmesh_tasks_total",
		metric.WithDescription("Total task executions by terminal status"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tasks counter: %w", err)
	}

	if m.taskAttempts, err = meter.Int64Counter(
		"opsmesh_task_attempts_total",
		metric.WithDescription("Total dispatch attempts including retries"),
	); err != nil {
		return nil, fmt.Errorf("failed to create attempts counter: %w", err)
	}

	if m.routingTotal, err = meter.Int64Counter(
		"opsmesh_routing_decisions_total",
		metric.WithDescription("Routing decisions by method"),
	); err != nil {
		return nil, fmt.Errorf("failed to create routing counter: %w", err)
	}

	if m.healthDuration, err = meter.Float64Histogram(
		"opsmesh_health_check_duration_seconds",
		metric.WithDescription("Health probe duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create health duration histogram: %w", err)
	}

	if m.healthTotal, err = meter.Int64Counter(
		"opsmesh_health_checks_total",
		metric.WithDescription("Health checks by result"),
	); err != nil {
		return nil, fmt.Errorf("failed to create health counter: %w", err)
	}

	if m.stepsTotal, err = meter.Int64Counter(
		"opsmesh_workflow_steps_total",
		metric.WithDescription("Workflow steps by terminal status"),
	); err != nil {
		return nil, fmt.Errorf("failed to create steps counter: %w", err)
	}

	if m.clarifications, err = meter.Int64Counter(
		"opsmesh_clarifications_total",
		metric.WithDescription("Clarification handshakes initiated"),
	); err != nil {
		return nil, fmt.Errorf("failed to create clarifications counter: %w", err)
	}

	return m, nil
}

func (m *Metrics) RecordTaskExecution(ctx context.Context, agentID, status string, attempts int, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("agent_id", agentID),
		attribute.String("status", status),
	)
	m.taskDuration.Record(ctx, duration.Seconds(), attrs)
	m.tasksTotal.Add(ctx, 1, attrs)
	m.taskAttempts.Add(ctx, int64(attempts), metric.WithAttributes(attribute.String("agent_id", agentID)))
}

func (m *Metrics) RecordRoutingDecision(ctx context.Context, method string) {
	if m == nil {
		return
	}
	m.routingTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}

func (m *Metrics) RecordHealthCheck(ctx context.Context, agentID, result string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("agent_id", agentID),
		attribute.String("result", result),
	)
	m.healthDuration.Record(ctx, duration.Seconds(), attrs)
	m.healthTotal.Add(ctx, 1, attrs)
}

func (m *Metrics) RecordWorkflowStep(ctx context.Context, workflowID, status string) {
	if m == nil {
		return
	}
	m.stepsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow_id", workflowID),
		attribute.String("status", status),
	))
}

func (m *Metrics) RecordClarification(ctx context.Context) {
	if m == nil {
		return
	}
	m.clarifications.Add(ctx, 1)
}

// Handler serves the Prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
