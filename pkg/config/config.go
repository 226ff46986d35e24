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

// Package config loads the orchestrator configuration: a YAML file with a
// closed set of recognized options, environment variable expansion, and a
// user-editable agents file with live reload.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opsmesh/opsmesh/pkg/health"
	"github.com/opsmesh/opsmesh/pkg/task"
)

// ErrInvalidConfig is returned when the configuration fails validation or
// carries unrecognized options.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the closed set of recognized options. Unknown keys in the YAML
// file are rejected at load time.
type Config struct {
	DataDir     string   `yaml:"data_dir"`
	LogLevel    string   `yaml:"log_level"`
	LogDir      string   `yaml:"log_dir"`
	HTTPHost    string   `yaml:"http_host"`
	HTTPPort    int      `yaml:"http_port"`
	CORSOrigins []string `yaml:"cors_origins"`

	CMDBAgentURL string `yaml:"cmdb_agent_url"`

	// Executor knobs.
	DefaultTimeoutSeconds float64 `yaml:"default_timeout_seconds"`
	RetryBaseDelaySeconds float64 `yaml:"retry_base_delay_seconds"`
	RetryMaxDelaySeconds  float64 `yaml:"retry_max_delay_seconds"`
	RetryBackoffFactor    float64 `yaml:"retry_backoff_factor"`
	MaxHistoryRecords     int     `yaml:"max_history_records"`

	// Health checker knobs.
	CheckTimeoutSeconds float64 `yaml:"check_timeout_seconds"`
	CacheTTLSeconds     float64 `yaml:"cache_ttl_seconds"`
	MaxHistoryPerAgent  int     `yaml:"max_history_per_agent"`
	MaxTotalHistory     int     `yaml:"max_total_history"`
}

// Default returns a fully-populated default configuration.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// SetDefaults fills every zero-valued option with its default.
func (c *Config) SetDefaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(c.DataDir, "logs")
	}
	if c.HTTPHost == "" {
		c.HTTPHost = "127.0.0.1"
	}
	if c.HTTPPort == 0 {
		c.HTTPPort = 8085
	}
	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = []string{"http://localhost:3000"}
	}

	def := task.DefaultExecutorConfig()
	if c.DefaultTimeoutSeconds <= 0 {
		c.DefaultTimeoutSeconds = def.DefaultTimeout.Seconds()
	}
	if c.RetryBaseDelaySeconds <= 0 {
		c.RetryBaseDelaySeconds = def.RetryBaseDelay.Seconds()
	}
	if c.RetryMaxDelaySeconds <= 0 {
		c.RetryMaxDelaySeconds = def.RetryMaxDelay.Seconds()
	}
	if c.RetryBackoffFactor <= 1 {
		c.RetryBackoffFactor = def.RetryBackoffFactor
	}
	if c.MaxHistoryRecords <= 0 {
		c.MaxHistoryRecords = def.MaxHistoryRecords
	}

	hdef := health.DefaultCheckerConfig()
	if c.CheckTimeoutSeconds <= 0 {
		c.CheckTimeoutSeconds = hdef.CheckTimeout.Seconds()
	}
	if c.CacheTTLSeconds <= 0 {
		c.CacheTTLSeconds = hdef.CacheTTL.Seconds()
	}
	if c.MaxHistoryPerAgent <= 0 {
		c.MaxHistoryPerAgent = hdef.MaxHistoryPerAgent
	}
	if c.MaxTotalHistory <= 0 {
		c.MaxTotalHistory = hdef.MaxTotalHistory
	}
}

// Validate checks cross-field invariants after defaults are applied.
func (c *Config) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("%w: http_port %d out of range", ErrInvalidConfig, c.HTTPPort)
	}
	if c.RetryBackoffFactor <= 1 {
		return fmt.Errorf("%w: retry_backoff_factor must exceed 1", ErrInvalidConfig)
	}
	if c.RetryMaxDelaySeconds < c.RetryBaseDelaySeconds {
		return fmt.Errorf("%w: retry_max_delay_seconds below retry_base_delay_seconds", ErrInvalidConfig)
	}
	if c.MaxHistoryPerAgent > c.MaxTotalHistory {
		return fmt.Errorf("%w: max_history_per_agent exceeds max_total_history", ErrInvalidConfig)
	}
	return nil
}

// Load reads a YAML config file, expands environment variables, applies
// defaults, and validates. Unrecognized options fail the load.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	expanded := expandEnvVars(string(raw))

	cfg := &Config{}
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			cfg = &Config{}
		} else {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// StateDir is where the persistence store lives.
func (c *Config) StateDir() string { return filepath.Join(c.DataDir, "state") }

// WorkflowDir is where workflow checkpoints live.
func (c *Config) WorkflowDir() string { return filepath.Join(c.DataDir, "workflows") }

// LogFile is the orchestrator's log file path.
func (c *Config) LogFile() string { return filepath.Join(c.LogDir, "orchestrator.log") }

// AgentsFilePath is the optional user-editable agents file.
func (c *Config) AgentsFilePath() string { return filepath.Join(c.StateDir(), "agents.json") }

// ListenAddr is the HTTP bind address.
func (c *Config) ListenAddr() string { return fmt.Sprintf("%s:%d", c.HTTPHost, c.HTTPPort) }

// ExecutorConfig converts the executor knobs into the executor's form.
func (c *Config) ExecutorConfig() task.ExecutorConfig {
	return task.ExecutorConfig{
		DefaultTimeout:     secondsToDuration(c.DefaultTimeoutSeconds),
		RetryBaseDelay:     secondsToDuration(c.RetryBaseDelaySeconds),
		RetryMaxDelay:      secondsToDuration(c.RetryMaxDelaySeconds),
		RetryBackoffFactor: c.RetryBackoffFactor,
		MaxHistoryRecords:  c.MaxHistoryRecords,
	}
}

// CheckerConfig converts the health knobs into the checker's form.
func (c *Config) CheckerConfig() health.CheckerConfig {
	return health.CheckerConfig{
		CheckTimeout:       secondsToDuration(c.CheckTimeoutSeconds),
		CacheTTL:           secondsToDuration(c.CacheTTLSeconds),
		MaxHistoryPerAgent: c.MaxHistoryPerAgent,
		MaxTotalHistory:    c.MaxTotalHistory,
	}
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
