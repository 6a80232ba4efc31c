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

package filewatcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// fileWatcherEvents tracks file events delivered to the handler
	fileWatcherEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onegov_server_filewatcher_events_total",
			Help: "Total file watcher events delivered by event type",
		},
		[]string{"event_type"},
	)

	// fileWatcherFiltered tracks events rejected by the change filter
	fileWatcherFiltered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onegov_server_filewatcher_filtered_total",
			Help: "Total file events that did not trigger a restart by reason",
		},
		[]string{"reason"},
	)

	// fileWatcherErrors tracks errors reported by the watch backend
	fileWatcherErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onegov_server_filewatcher_errors_total",
			Help: "Total file watcher errors by error type",
		},
		[]string{"error_type"},
	)

	// fileWatcherDirectories tracks watched directories
	fileWatcherDirectories = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "onegov_server_filewatcher_watched_directories",
			Help: "Number of directories currently watched",
		},
	)
)

func recordEvent(op Op) {
	fileWatcherEvents.WithLabelValues(string(op)).Inc()
}

// RecordFiltered counts an event the change filter rejected.
func RecordFiltered(reason string) {
	fileWatcherFiltered.WithLabelValues(reason).Inc()
}

func recordError(errorType string) {
	fileWatcherErrors.WithLabelValues(errorType).Inc()
}
