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

// Package errors defines the typed errors shared by the dev server's
// supervisor, child runtime and configuration loader.
package errors

import (
	"fmt"
	"net"
	"strconv"
)

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "applications[0].path", "server.port")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// IsUserVisible implements UserVisibleError.
func (e *ConfigError) IsUserVisible() bool { return true }

// UserMessage implements UserVisibleError.
func (e *ConfigError) UserMessage() string { return e.Error() }

// Suggestion implements UserVisibleError.
func (e *ConfigError) Suggestion() string {
	return "Check the configuration file passed with --config-file"
}

// BindError is returned by a child process that cannot bind its listening socket.
// The port may already be in use, or the process may lack permission for it.
type BindError struct {
	// Host is the requested bind host
	Host string

	// Port is the requested port (0 means any free port)
	Port int

	// Cause is the underlying listen error
	Cause error
}

// Error implements the error interface.
func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind %s: %v", net.JoinHostPort(e.Host, strconv.Itoa(e.Port)), e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *BindError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *BindError) ErrorType() string { return "bind" }

// IsRetryable implements ErrorClassifier. A bind failure is never retried
// automatically; saving a file again triggers the next attempt.
func (e *BindError) IsRetryable() bool { return false }

// StartupError represents a failure to construct the served application
// inside the child process.
type StartupError struct {
	// Stage names the startup step that failed (e.g., "factory", "readiness")
	Stage string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *StartupError) Error() string {
	return fmt.Sprintf("startup failed during %s: %v", e.Stage, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StartupError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *StartupError) ErrorType() string { return "startup" }

// IsRetryable implements ErrorClassifier.
func (e *StartupError) IsRetryable() bool { return false }
