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

// Package supervisor keeps one application child running and restarts it
// when the source tree changes.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OneGov/onegov.server/internal/filewatcher"
	"github.com/OneGov/onegov.server/internal/lifecycle"
	internallog "github.com/OneGov/onegov.server/internal/log"
	devErrors "github.com/OneGov/onegov.server/pkg/errors"
)

// ErrCoordinatorClosed is returned by Start once the coordinator is closed.
var ErrCoordinatorClosed = devErrors.New("coordinator closed")

// Coordinator owns the current child process and replaces it on restart.
// It implements filewatcher.Handler. Start, Stop and Restart are serialized.
type Coordinator struct {
	spec    lifecycle.ChildSpec
	filter  *filewatcher.Filter
	window  time.Duration
	onSpawn func(*lifecycle.Process)
	logger  *slog.Logger

	mu        sync.Mutex
	current   *lifecycle.Process
	debouncer *filewatcher.Debouncer
	closed    atomic.Bool
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithChangeFilter sets the filter applied to incoming events.
func WithChangeFilter(f *filewatcher.Filter) CoordinatorOption {
	return func(c *Coordinator) {
		c.filter = f
	}
}

// WithDebounce collapses bursts of qualifying events within window into a
// single restart. Zero restarts on every event.
func WithDebounce(window time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.window = window
	}
}

// WithSpawnHook calls fn with every process right after it started.
func WithSpawnHook(fn func(*lifecycle.Process)) CoordinatorOption {
	return func(c *Coordinator) {
		c.onSpawn = fn
	}
}

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// NewCoordinator creates a coordinator that spawns children from spec.
func NewCoordinator(spec lifecycle.ChildSpec, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		spec:   spec,
		filter: filewatcher.DefaultFilter(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = internallog.WithComponent(c.logger, "coordinator")

	if c.window > 0 {
		c.debouncer = filewatcher.NewDebouncer(c.window, c.restartFor)
	}
	return c
}

// Start spawns and starts a new child and makes it current.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return ErrCoordinatorClosed
	}
	return c.startLocked()
}

// Stop asks the current child to terminate. It does not wait; use Join.
// Stop without a current child is a no-op.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

// Restart stops the current child and starts a replacement. The old child
// may still be exiting when the new one binds.
func (c *Coordinator) Restart() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return ErrCoordinatorClosed
	}

	if err := c.stopLocked(); err != nil {
		c.logger.Warn("failed to stop child before restart", internallog.Error(err))
	}
	restartsTotal.Inc()
	return c.startLocked()
}

// Join waits for the current child to exit, up to timeout (zero waits
// forever), and reports whether it has exited.
func (c *Coordinator) Join(timeout time.Duration) bool {
	proc := c.Current()
	if proc == nil {
		return true
	}
	return proc.Join(timeout)
}

// Current returns the current child, or nil before the first Start.
func (c *Coordinator) Current() *lifecycle.Process {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// HandleEvent restarts the child for every event the filter accepts.
func (c *Coordinator) HandleEvent(e filewatcher.Event) {
	if c.closed.Load() {
		return
	}

	if reason := c.filter.Reason(e.Path); reason != "" {
		filewatcher.RecordFiltered(reason)
		c.logger.Debug("ignoring change",
			slog.String(internallog.PathKey, e.Path),
			slog.String("reason", reason))
		return
	}

	if c.debouncer != nil {
		c.debouncer.Add(e)
		return
	}
	c.restartFor(e)
}

// Close stops accepting events and drops any pending debounced restart.
// The current child keeps running until Stop.
func (c *Coordinator) Close() {
	c.closed.Store(true)
	if c.debouncer != nil {
		c.debouncer.Stop()
	}
}

func (c *Coordinator) restartFor(e filewatcher.Event) {
	c.logger.Info("change detected, restarting",
		slog.String(internallog.PathKey, e.Path),
		slog.String("op", string(e.Op)))

	if err := c.Restart(); err != nil && !devErrors.Is(err, ErrCoordinatorClosed) {
		c.logger.Error("restart failed", internallog.Error(err))
	}
}

func (c *Coordinator) startLocked() error {
	proc := lifecycle.Spawn(c.spec)
	if err := proc.Start(); err != nil {
		spawnsTotal.WithLabelValues("error").Inc()
		return devErrors.Wrap(err, "failed to start child")
	}
	spawnsTotal.WithLabelValues("ok").Inc()

	c.current = proc
	childReady.Set(0)
	logger := internallog.WithInstance(c.logger, proc.ID(), proc.Pid())
	logger.Debug("child started")

	go c.observe(proc, logger)

	if c.onSpawn != nil {
		c.onSpawn(proc)
	}
	return nil
}

func (c *Coordinator) stopLocked() error {
	if c.current == nil {
		return nil
	}
	return c.current.Terminate()
}

// observe logs the outcome of a child's startup.
func (c *Coordinator) observe(proc *lifecycle.Process, logger *slog.Logger) {
	start := time.Now()
	_, err := lifecycle.NewReadinessPoller().WaitWithCallback(context.Background(), proc, func(attempt int) {
		logger.Debug("waiting for child", slog.Int("attempt", attempt))
	})

	switch {
	case err == nil:
		if c.Current() == proc {
			childReady.Set(1)
		}
		logger.Info("child ready",
			slog.Int(internallog.PortKey, proc.Port()),
			slog.Duration(internallog.DurationKey, time.Since(start)))
	case devErrors.Is(err, lifecycle.ErrExitedBeforeReady):
		logger.Warn("child failed to start", slog.Int("exit_code", proc.ExitCode()))
	}

	<-proc.Done()
	if c.Current() == proc {
		childReady.Set(0)
	}
}
