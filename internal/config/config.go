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

// Package config loads the onegov.yml file that describes the applications
// served by the dev server and the supervisor settings that drive it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	devErrors "github.com/OneGov/onegov.server/pkg/errors"
)

// DefaultFile is the configuration file used when none is given on the command line.
const DefaultFile = "onegov.yml"

const (
	// DefaultHost restricts the dev server to the local machine.
	DefaultHost = "127.0.0.1"

	// DefaultPort is the port requested when none is configured. Zero lets the OS choose.
	DefaultPort = 8080

	// DefaultPollInterval is how often the control loop checks for interruption.
	DefaultPollInterval = time.Second
)

// Config represents the complete onegov.yml configuration.
type Config struct {
	// Applications are mounted by path prefix into the served handler.
	Applications []Application `yaml:"applications"`

	// Server holds the development server settings.
	Server ServerConfig `yaml:"server,omitempty"`

	// source is the absolute path of the file this config was loaded from.
	source string
}

// Application describes one mounted application.
// Exactly one of Text or Root must be set.
type Application struct {
	// Path is the mount prefix, e.g. "/" or "/docs".
	Path string `yaml:"path"`

	// Text is returned verbatim for every request under Path.
	Text string `yaml:"text,omitempty"`

	// Root is a directory served as static files. Relative roots are
	// resolved against the directory holding the configuration file.
	Root string `yaml:"root,omitempty"`

	// Headers are added to every response of this application.
	Headers map[string]string `yaml:"headers,omitempty"`
}

// ServerConfig configures the supervisor and the child server it spawns.
type ServerConfig struct {
	// Host is the bind host for the child server.
	// Environment: ONEGOV_SERVER_HOST
	// Default: 127.0.0.1
	Host string `yaml:"host,omitempty"`

	// Port is the requested port. Zero means any free port.
	// Environment: ONEGOV_SERVER_PORT
	// Default: 8080
	Port *int `yaml:"port,omitempty"`

	// Debounce collapses bursts of file events into one restart.
	// Zero restarts on every qualifying event.
	Debounce time.Duration `yaml:"debounce,omitempty"`

	// PollInterval is how often the control loop checks for interruption.
	// Default: 1s
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`

	// Exclude holds extra glob patterns whose matches never trigger a restart.
	Exclude []string `yaml:"exclude,omitempty"`

	// SelfPaths are additional directories belonging to the dev server itself.
	SelfPaths []string `yaml:"self_paths,omitempty"`

	// MetricsAddr, when set, exposes Prometheus metrics of the supervisor.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
}

// Default returns a Config carrying only defaults and no applications.
func Default() *Config {
	port := DefaultPort
	return &Config{
		Server: ServerConfig{
			Host:         DefaultHost,
			Port:         &port,
			PollInterval: DefaultPollInterval,
		},
	}
}

// Load reads, defaults and validates the configuration file at path.
// Environment variables take precedence over file-based configuration.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultFile
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, &devErrors.ConfigError{
			Key:    "config_file",
			Reason: fmt.Sprintf("invalid path %s", path),
			Cause:  err,
		}
	}

	cfg := &Config{source: abs}
	if err := cfg.loadFromFile(abs); err != nil {
		reason := fmt.Sprintf("failed to load from %s", path)
		if errors.Is(err, fs.ErrNotExist) {
			reason = fmt.Sprintf("file %s does not exist", path)
		}
		return nil, &devErrors.ConfigError{
			Key:    "config_file",
			Reason: reason,
			Cause:  err,
		}
	}

	cfg.applyDefaults()

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Source returns the absolute path of the file the config was loaded from.
func (c *Config) Source() string {
	return c.source
}

// BaseDir returns the directory relative application roots resolve against.
func (c *Config) BaseDir() string {
	if c.source == "" {
		if wd, err := os.Getwd(); err == nil {
			return wd
		}
		return "."
	}
	return filepath.Dir(c.source)
}

// ResolveRoot returns the absolute static root of an application.
func (c *Config) ResolveRoot(app Application) string {
	if app.Root == "" || filepath.IsAbs(app.Root) {
		return app.Root
	}
	return filepath.Join(c.BaseDir(), app.Root)
}

// RequestedPort returns the configured port, falling back to DefaultPort.
func (s ServerConfig) RequestedPort() int {
	if s.Port == nil {
		return DefaultPort
	}
	return *s.Port
}

// loadFromFile decodes the YAML file, rejecting unknown keys.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return devErrors.Wrap(err, "failed to read config file")
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return devErrors.Wrap(err, "failed to parse YAML")
	}

	return nil
}

// applyDefaults fills in zero values with sensible defaults.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Server.Host == "" {
		c.Server.Host = defaults.Server.Host
	}
	if c.Server.Port == nil {
		c.Server.Port = defaults.Server.Port
	}
	if c.Server.PollInterval == 0 {
		c.Server.PollInterval = defaults.Server.PollInterval
	}
}

// loadFromEnv applies environment overrides.
func (c *Config) loadFromEnv() error {
	if val := os.Getenv("ONEGOV_SERVER_HOST"); val != "" {
		c.Server.Host = val
	}

	if val := os.Getenv("ONEGOV_SERVER_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return &devErrors.ConfigError{
				Key:    "ONEGOV_SERVER_PORT",
				Reason: fmt.Sprintf("not a number: %q", val),
				Cause:  err,
			}
		}
		c.Server.Port = &port
	}

	return nil
}
