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

// Package health probes registered agents on demand, caches the most recent
// result per agent, and keeps a bounded rolling history the statistics are
// derived from.
package health

import (
	"time"

	"github.com/opsmesh/opsmesh/pkg/agent"
)

// CheckResult classifies the outcome of one probe.
type CheckResult string

const (
	ResultHealthy     CheckResult = "healthy"
	ResultDegraded    CheckResult = "degraded"
	ResultUnhealthy   CheckResult = "unhealthy"
	ResultUnreachable CheckResult = "unreachable"
	ResultSkipped     CheckResult = "skipped"
)

// Valid reports whether r is a known result.
func (r CheckResult) Valid() bool {
	switch r {
	case ResultHealthy, ResultDegraded, ResultUnhealthy, ResultUnreachable, ResultSkipped:
		return true
	}
	return false
}

// AgentStatus maps the probe result to the registry status the checker
// pushes back via UpdateStatus.
func (r CheckResult) AgentStatus() agent.Status {
	switch r {
	case ResultHealthy:
		return agent.StatusOnline
	case ResultDegraded:
		return agent.StatusDegraded
	case ResultSkipped:
		return agent.StatusMaintenance
	default:
		return agent.StatusOffline
	}
}

// Record is one probe outcome.
type Record struct {
	AgentID        string      `json:"agent_id"`
	Result         CheckResult `json:"result"`
	ResponseTimeMs float64     `json:"response_time_ms"`
	Timestamp      time.Time   `json:"timestamp"`
	Details        string      `json:"details,omitempty"`
}

// Stats aggregates the rolling history.
type Stats struct {
	TotalChecks          int                 `json:"total_checks"`
	UptimePercent        float64             `json:"uptime_percent"`
	AvgResponseTimeMs    float64             `json:"avg_response_time_ms"`
	ResultDistribution   map[CheckResult]int `json:"result_distribution"`
	AgentsTracked        int                 `json:"agents_tracked"`
	LastCheckAt          *time.Time          `json:"last_check_at,omitempty"`
	CacheEntries         int                 `json:"cache_entries"`
	OldestRecordedAt     *time.Time          `json:"oldest_recorded_at,omitempty"`
	HistoryCapacityTotal int                 `json:"history_capacity_total"`
}
