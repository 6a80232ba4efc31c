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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OneGov/onegov.server/internal/config"
)

// Version information, set from main
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// NewRootCommand creates the onegov-server command.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "onegov-server",
		Short: "Development server for OneGov applications",
		Long: `onegov-server runs the applications described in the configuration file
in a child process and restarts that process whenever a file below the
current directory changes. It stays in the foreground until interrupted.

Changes to compiled files, version control metadata, bytecode caches and
the server's own source tree never trigger a restart.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd)
		},
	}

	cmd.Flags().StringP("config-file", "c", config.DefaultFile, "Configuration file")
	cmd.Flags().String("host", config.DefaultHost, "Bind host")
	cmd.Flags().Int("port", config.DefaultPort, "Bind port (0 picks a free port)")
	cmd.Flags().Duration("debounce", 0, "Collapse bursts of changes within this window into one restart")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")

	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		return NewInvalidConfigError("invalid arguments", err)
	})

	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, c, b := GetVersion()
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "onegov-server %s (commit %s, built %s)\n", v, c, b)
			return err
		},
	}
}
