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

// Package server builds the HTTP application served inside each child
// process from the applications listed in onegov.yml.
package server

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/OneGov/onegov.server/internal/config"
)

// Server routes requests to the configured applications by path prefix.
type Server struct {
	router chi.Router
	mounts []string
}

// New builds a Server from a validated configuration.
func New(cfg *config.Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	r := chi.NewRouter()
	s := &Server{router: r}

	// Longer prefixes first so chi sees nested mounts before their parents.
	apps := append([]config.Application(nil), cfg.Applications...)
	sort.SliceStable(apps, func(i, j int) bool {
		return len(config.NormalizeMount(apps[i].Path)) > len(config.NormalizeMount(apps[j].Path))
	})

	for _, app := range apps {
		h, err := buildApplication(cfg, app)
		if err != nil {
			return nil, fmt.Errorf("application %s: %w", app.Path, err)
		}

		mount := config.NormalizeMount(app.Path)
		r.Mount(mount, withHeaders(app.Headers, h))
		s.mounts = append(s.mounts, mount)
	}

	return s, nil
}

// NewFactory returns a factory that loads configFile and builds a Server
// each time it is called, so every child process sees the current file.
func NewFactory(configFile string) func() (http.Handler, error) {
	return func() (http.Handler, error) {
		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		return New(cfg)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Mounts returns the mounted prefixes, longest first.
func (s *Server) Mounts() []string {
	return append([]string(nil), s.mounts...)
}

func buildApplication(cfg *config.Config, app config.Application) (http.Handler, error) {
	if app.Text != "" {
		text := app.Text
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = io.WriteString(w, text)
		}), nil
	}

	root := cfg.ResolveRoot(app)
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("static root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("static root %s is not a directory", root)
	}

	prefix := config.NormalizeMount(app.Path)
	if prefix == "/" {
		prefix = ""
	}
	return http.StripPrefix(prefix, http.FileServer(http.Dir(root))), nil
}

func withHeaders(headers map[string]string, next http.Handler) http.Handler {
	if len(headers) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range headers {
			w.Header().Set(k, v)
		}
		next.ServeHTTP(w, r)
	})
}
