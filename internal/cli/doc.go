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

/*
Package cli provides the onegov-server command.

The command runs in the foreground: it supervises one application server
child, restarts it whenever a file below the working directory changes, and
exits when interrupted.

# Usage

From main.go:

	cli.SetVersion(version, commit, date)
	rootCmd := cli.NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
	    cli.HandleExitError(err)
	}

# Flags

	--config-file, -c   Configuration file (default: onegov.yml, must exist)
	--host              Bind host (default: 127.0.0.1)
	--port              Bind port, 0 picks a free port (default: 8080)
	--debounce          Collapse bursts of changes into one restart
	--metrics-addr      Serve supervisor metrics on this address

# Exit Codes

	0   interrupted by the user
	1   the supervisor failed to run
	2   invalid configuration or arguments
*/
package cli
