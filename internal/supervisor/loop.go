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
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/OneGov/onegov.server/internal/filewatcher"
	"github.com/OneGov/onegov.server/internal/lifecycle"
	internallog "github.com/OneGov/onegov.server/internal/log"
	devErrors "github.com/OneGov/onegov.server/pkg/errors"
)

// ErrLoopUsed is returned when Run is called more than once.
var ErrLoopUsed = devErrors.New("control loop already ran")

const (
	// DefaultPollInterval is how often the loop checks on the child.
	DefaultPollInterval = time.Second

	// DefaultShutdownGrace is how long shutdown waits for the child to exit
	// before killing it.
	DefaultShutdownGrace = 5 * time.Second
)

// State is the state of the control loop.
type State int32

const (
	StateInit State = iota
	StateRunning
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// LoopConfig configures a control loop.
type LoopConfig struct {
	// Child describes the supervised application process.
	Child lifecycle.ChildSpec

	// Root is the watched directory. Defaults to the working directory.
	Root string

	// Filter decides which changes restart the child.
	// Defaults to filewatcher.DefaultFilter(). It is rooted at Root.
	Filter *filewatcher.Filter

	// Debounce collapses bursts of changes into one restart.
	Debounce time.Duration

	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration

	// ShutdownGrace defaults to DefaultShutdownGrace.
	ShutdownGrace time.Duration

	// MetricsAddr, when set, serves Prometheus metrics on /metrics.
	MetricsAddr string

	// SpawnHook is passed to the coordinator, see WithSpawnHook.
	SpawnHook func(*lifecycle.Process)

	Logger *slog.Logger
}

// Loop drives the supervisor: it starts the child and the watcher, waits
// for ctx to be cancelled, then shuts both down in order.
type Loop struct {
	coordinator *Coordinator
	watcher     *filewatcher.Watcher
	cfg         LoopConfig
	logger      *slog.Logger
	state       atomic.Int32
	ran         atomic.Bool

	metrics  *metricsServer
	reported *lifecycle.Process
}

// NewLoop builds the coordinator and the watcher. Neither is started.
func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.Root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, devErrors.Wrap(err, "failed to get working directory")
		}
		cfg.Root = wd
	}
	root, err := filewatcher.NormalizePath(cfg.Root)
	if err != nil {
		return nil, err
	}
	cfg.Root = root
	if cfg.Filter, err = cfg.Filter.WithRoot(root); err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	coordinator := NewCoordinator(cfg.Child,
		WithChangeFilter(cfg.Filter),
		WithDebounce(cfg.Debounce),
		WithSpawnHook(cfg.SpawnHook),
		WithCoordinatorLogger(cfg.Logger),
	)

	watcher, err := filewatcher.NewWatcher(cfg.Root, coordinator,
		filewatcher.WithFilter(cfg.Filter),
		filewatcher.WithLogger(cfg.Logger),
	)
	if err != nil {
		return nil, err
	}

	return &Loop{
		coordinator: coordinator,
		watcher:     watcher,
		cfg:         cfg,
		logger:      internallog.WithComponent(cfg.Logger, "supervisor"),
	}, nil
}

// Coordinator returns the loop's restart coordinator.
func (l *Loop) Coordinator() *Coordinator {
	return l.coordinator
}

// State returns the current loop state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// MetricsAddr returns the bound metrics address, or "" if metrics are off.
func (l *Loop) MetricsAddr() string {
	if l.metrics == nil {
		return ""
	}
	return l.metrics.Addr()
}

// Run starts the child and the watcher and blocks until ctx is done.
// A user interrupt is a clean shutdown and returns nil. Failing to start
// the watcher is fatal: the child is stopped and the error returned.
func (l *Loop) Run(ctx context.Context) error {
	if !l.ran.CompareAndSwap(false, true) {
		return ErrLoopUsed
	}

	if l.cfg.MetricsAddr != "" {
		m, err := startMetricsServer(l.cfg.MetricsAddr, l.logger)
		if err != nil {
			l.state.Store(int32(StateTerminated))
			return err
		}
		l.metrics = m
		l.logger.Info("metrics enabled", slog.String("addr", m.Addr()))
	}

	if err := l.coordinator.Start(); err != nil {
		l.shutdown()
		return err
	}

	if err := l.watcher.Start(); err != nil {
		l.shutdown()
		return devErrors.Wrap(err, "file watcher failed")
	}

	l.state.Store(int32(StateRunning))
	l.logger.Info("watching for changes", slog.String(internallog.PathKey, l.watcher.Root()))

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("interrupt received, shutting down")
			l.shutdown()
			return nil
		case <-ticker.C:
			l.checkChild()
		}
	}
}

// checkChild reports a crashed child once. It is not respawned; the next
// qualifying change starts a new one.
func (l *Loop) checkChild() {
	proc := l.coordinator.Current()
	if proc == nil || proc == l.reported || !proc.Exited() {
		return
	}
	l.reported = proc
	crashesTotal.Inc()

	attrs := []any{
		slog.String(internallog.InstanceKey, proc.ID()),
		slog.Int("exit_code", proc.ExitCode()),
	}
	var classified devErrors.ErrorClassifier
	if devErrors.As(proc.Err(), &classified) {
		attrs = append(attrs,
			slog.String("error_type", classified.ErrorType()),
			slog.Bool("retryable", classified.IsRetryable()))
	}
	l.logger.Warn("child exited, waiting for changes", attrs...)
}

// shutdown stops the watcher first so no restart can race the final stop.
func (l *Loop) shutdown() {
	l.state.Store(int32(StateShuttingDown))

	if err := l.watcher.Stop(); err != nil {
		l.logger.Warn("failed to stop file watcher", internallog.Error(err))
	}

	l.coordinator.Close()
	if err := l.coordinator.Stop(); err != nil {
		l.logger.Warn("failed to stop child", internallog.Error(err))
	}

	if !l.coordinator.Join(l.cfg.ShutdownGrace) {
		l.logger.Warn("child did not exit in time, killing it",
			slog.Duration(internallog.DurationKey, l.cfg.ShutdownGrace))
		if proc := l.coordinator.Current(); proc != nil {
			if err := proc.Kill(); err != nil {
				l.logger.Error("failed to kill child", internallog.Error(err))
			}
			proc.Join(l.cfg.ShutdownGrace)
		}
	}

	if l.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := l.metrics.Shutdown(ctx); err != nil {
			l.logger.Warn("failed to stop metrics server", internallog.Error(err))
		}
	}

	l.state.Store(int32(StateTerminated))
	l.logger.Info("shutdown complete")
}
