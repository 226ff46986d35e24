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

// Command opsmesh runs the agent orchestrator.
//
// Usage:
//
//	opsmesh serve --config config.yaml
//	opsmesh validate --config config.yaml
//	opsmesh version
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/opsmesh/opsmesh"
	"github.com/opsmesh/opsmesh/pkg/config"
	"github.com/opsmesh/opsmesh/pkg/logger"
	"github.com/opsmesh/opsmesh/pkg/observability"
	"github.com/opsmesh/opsmesh/pkg/orchestrator"
	"github.com/opsmesh/opsmesh/pkg/routing"
	"github.com/opsmesh/opsmesh/pkg/server"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the orchestrator HTTP server."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config   string `short:"c" help:"Path to config file." type:"path"`
	LogLevel string `help:"Log level override (debug, info, warn, error)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Println(opsmesh.GetVersion().String())
	return nil
}

// ValidateCmd loads and validates the configuration without serving.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required for validate")
	}
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	fmt.Printf("Configuration valid: data_dir=%s listen=%s\n", cfg.DataDir, cfg.ListenAddr())
	return nil
}

// ServeCmd starts the orchestrator.
type ServeCmd struct {
	Rules       string `help:"Path to routing rules YAML (default: built-in rules)." type:"path"`
	Port        int    `help:"Port override." default:"0"`
	Observe     bool   `help:"Enable metrics and OTLP tracing."`
	OTLPAddr    string `name:"otlp-addr" help:"OTLP trace collector endpoint." default:"localhost:4317"`
	WatchAgents bool   `name:"watch-agents" help:"Watch the agents file and apply changes live." default:"true"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg := config.Default()
	if cli.Config != "" {
		loaded, err := config.Load(cli.Config)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if cli.LogLevel != "" {
		cfg.LogLevel = cli.LogLevel
	}
	if c.Port != 0 {
		cfg.HTTPPort = c.Port
	}

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log dir: %w", err)
	}
	logger.InitFromConfig(cfg.LogLevel, "json", cfg.LogFile())

	obs := observability.NoopManager()
	if c.Observe {
		obs = observability.NewManager(observability.Config{
			Tracing: observability.TracerConfig{
				Enabled:      true,
				ExporterType: "otlp",
				EndpointURL:  c.OTLPAddr,
				SamplingRate: 1.0,
				ServiceName:  "opsmesh",
			},
			Metrics: observability.MetricsConfig{Enabled: true},
		})
		if err := obs.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to initialize observability: %w", err)
		}
	}

	rules := routing.DefaultRules()
	if c.Rules != "" {
		loaded, err := routing.LoadRules(c.Rules)
		if err != nil {
			return err
		}
		rules = loaded
	}

	orc, err := orchestrator.New(cfg,
		orchestrator.WithRules(rules),
		orchestrator.WithObservability(obs))
	if err != nil {
		return err
	}
	orc.StartClarificationSweeper(ctx)

	if c.WatchAgents {
		if err := config.WatchAgentsFile(ctx, cfg.AgentsFilePath(), orc.Registry()); err != nil {
			slog.Warn("Agents file watch unavailable", "error", err)
		}
	}

	srv := server.NewHTTPServer(cfg, orc, server.WithObservability(obs))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx := context.Background()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown failed", "error", err)
	}
	return orc.Shutdown(shutdownCtx)
}

func main() {
	config.LoadDotEnv()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("opsmesh"),
		kong.Description("opsmesh - operational agent orchestrator"),
		kong.UsageOnError(),
	)

	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
