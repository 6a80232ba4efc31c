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

package config

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	devErrors "github.com/OneGov/onegov.server/pkg/errors"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if len(c.Applications) == 0 {
		return &devErrors.ConfigError{
			Key:    "applications",
			Reason: "at least one application is required",
		}
	}

	seen := make(map[string]bool, len(c.Applications))
	for i, app := range c.Applications {
		key := fmt.Sprintf("applications[%d]", i)

		if !strings.HasPrefix(app.Path, "/") {
			return &devErrors.ConfigError{
				Key:    key + ".path",
				Reason: fmt.Sprintf("path %q must start with /", app.Path),
			}
		}

		normalized := NormalizeMount(app.Path)
		if seen[normalized] {
			return &devErrors.ConfigError{
				Key:    key + ".path",
				Reason: fmt.Sprintf("path %q is mounted twice", app.Path),
			}
		}
		seen[normalized] = true

		hasText := app.Text != ""
		hasRoot := app.Root != ""
		if hasText == hasRoot {
			return &devErrors.ConfigError{
				Key:    key,
				Reason: "exactly one of text or root must be set",
			}
		}
	}

	port := c.Server.RequestedPort()
	if port < 0 || port > 65535 {
		return &devErrors.ConfigError{
			Key:    "server.port",
			Reason: fmt.Sprintf("port %d out of range 0-65535", port),
		}
	}

	if c.Server.Debounce < 0 {
		return &devErrors.ConfigError{Key: "server.debounce", Reason: "must not be negative"}
	}
	if c.Server.PollInterval < 0 {
		return &devErrors.ConfigError{Key: "server.poll_interval", Reason: "must not be negative"}
	}

	for i, pattern := range c.Server.Exclude {
		if !doublestar.ValidatePattern(pattern) {
			return &devErrors.ConfigError{
				Key:    fmt.Sprintf("server.exclude[%d]", i),
				Reason: fmt.Sprintf("invalid glob pattern %q", pattern),
			}
		}
	}

	return nil
}

// NormalizeMount strips a trailing slash so "/docs/" and "/docs" compare equal.
// The root mount stays "/".
func NormalizeMount(path string) string {
	trimmed := strings.TrimRight(path, "/")
	if trimmed == "" {
		return "/"
	}
	return trimmed
}
