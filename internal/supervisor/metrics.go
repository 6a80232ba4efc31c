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

package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	internallog "github.com/OneGov/onegov.server/internal/log"
	devErrors "github.com/OneGov/onegov.server/pkg/errors"
)

var (
	// restartsTotal tracks restarts triggered by file changes
	restartsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "onegov_server_restarts_total",
			Help: "Total child restarts triggered by file changes",
		},
	)

	// spawnsTotal tracks child process starts by result
	spawnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onegov_server_child_spawns_total",
			Help: "Total child process starts by result",
		},
		[]string{"result"},
	)

	// crashesTotal tracks children that exited without being stopped
	crashesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "onegov_server_child_crashes_total",
			Help: "Total child processes that exited on their own",
		},
	)

	// childReady is 1 while the current child is ready
	childReady = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "onegov_server_child_ready",
			Help: "Whether the current child process is ready",
		},
	)
)

// metricsServer exposes the default Prometheus registry over HTTP.
type metricsServer struct {
	srv *http.Server
	ln  net.Listener
}

// startMetricsServer binds addr and serves /metrics in the background.
func startMetricsServer(addr string, logger *slog.Logger) (*metricsServer, error) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, devErrors.Wrapf(err, "failed to listen for metrics on %s", addr)
	}

	m := &metricsServer{
		srv: &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}
	go func() {
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", internallog.Error(err))
		}
	}()
	return m, nil
}

// Addr returns the bound metrics address.
func (m *metricsServer) Addr() string {
	return m.ln.Addr().String()
}

func (m *metricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
