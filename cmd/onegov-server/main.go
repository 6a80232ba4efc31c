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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/OneGov/onegov.server/internal/cli"
	"github.com/OneGov/onegov.server/internal/lifecycle"
	internallog "github.com/OneGov/onegov.server/internal/log"
	"github.com/OneGov/onegov.server/internal/server"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// The supervisor re-executes this binary as its child. Check for the
	// child marker before any cobra processing.
	if lifecycle.IsChildInvocation(os.Args[1:]) {
		os.Exit(runChild(os.Args[1:]))
	}

	cli.SetVersion(version, commit, buildDate)

	rootCmd := cli.NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}

// runChild serves the configured applications until terminated.
func runChild(args []string) int {
	logger := internallog.New(internallog.FromEnv())
	slog.SetDefault(logger)

	opts, err := lifecycle.ParseChildArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return cli.ExitInvalidConfig
	}
	opts.Logger = internallog.WithInstance(logger, opts.Instance, os.Getpid())

	err = lifecycle.ServeChild(context.Background(), opts, server.NewFactory(opts.ConfigFile))
	if err != nil {
		opts.Logger.Error("server failed", internallog.Error(err))
	}
	return lifecycle.ChildExitCode(err)
}
