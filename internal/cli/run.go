// Copyright 2025 Tom Barlow
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

package cli

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/OneGov/onegov.server/internal/config"
	"github.com/OneGov/onegov.server/internal/filewatcher"
	"github.com/OneGov/onegov.server/internal/lifecycle"
	internallog "github.com/OneGov/onegov.server/internal/log"
	"github.com/OneGov/onegov.server/internal/supervisor"
)

// loadConfig loads the configuration file and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()

	configFile, err := flags.GetString("config-file")
	if err != nil {
		return nil, NewInvalidConfigError("invalid arguments", err)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, NewInvalidConfigError("failed to load configuration", err)
	}

	if flags.Changed("host") {
		cfg.Server.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		port, _ := flags.GetInt("port")
		cfg.Server.Port = &port
	}
	if flags.Changed("debounce") {
		cfg.Server.Debounce, _ = flags.GetDuration("debounce")
	}
	if flags.Changed("metrics-addr") {
		cfg.Server.MetricsAddr, _ = flags.GetString("metrics-addr")
	}

	if err := cfg.Validate(); err != nil {
		return nil, NewInvalidConfigError("invalid configuration", err)
	}
	return cfg, nil
}

// newLoop builds the control loop for cfg.
func newLoop(cfg *config.Config, logger *slog.Logger) (*supervisor.Loop, error) {
	filter, err := filewatcher.NewFilter(cfg.Server.SelfPaths, cfg.Server.Exclude)
	if err != nil {
		return nil, NewInvalidConfigError("invalid exclude pattern", err)
	}

	loop, err := supervisor.NewLoop(supervisor.LoopConfig{
		Child: lifecycle.ChildSpec{
			Host:       cfg.Server.Host,
			Port:       cfg.Server.RequestedPort(),
			ConfigFile: cfg.Source(),
		},
		Filter:       filter,
		Debounce:     cfg.Server.Debounce,
		PollInterval: cfg.Server.PollInterval,
		MetricsAddr:  cfg.Server.MetricsAddr,
		Logger:       logger,
	})
	if err != nil {
		return nil, NewExecutionError("failed to set up supervisor", err)
	}
	return loop, nil
}

func runServer(cmd *cobra.Command) error {
	logger := internallog.New(internallog.FromEnv())
	slog.SetDefault(logger)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	loop, err := newLoop(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := loop.Run(ctx); err != nil {
		return NewExecutionError("server failed", err)
	}
	return nil
}
