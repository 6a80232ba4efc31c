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
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	internallog "github.com/OneGov/onegov.server/internal/log"
)

// ErrWatcherStopped is returned when Start is called on a stopped watcher.
var ErrWatcherStopped = errors.New("watcher stopped")

// eventTypeMap maps fsnotify operations to event types.
var eventTypeMap = map[fsnotify.Op]Op{
	fsnotify.Create: OpCreated,
	fsnotify.Write:  OpModified,
	fsnotify.Remove: OpDeleted,
	fsnotify.Rename: OpRenamed,
}

// Watcher watches a directory tree recursively with fsnotify and delivers
// every change to a Handler. Directories created while running are added.
type Watcher struct {
	root    string
	handler Handler
	filter  *Filter
	logger  *slog.Logger

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	dirs    map[string]bool
	started bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithFilter skips directories the filter rejects. The filter is rooted at
// the watched directory. Events are still delivered unfiltered; deciding
// whether to act on them is the handler's job.
func WithFilter(f *Filter) Option {
	return func(w *Watcher) {
		w.filter = f
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// NewWatcher creates a watcher rooted at root. Nothing is watched until Start.
func NewWatcher(root string, handler Handler, opts ...Option) (*Watcher, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	absRoot, err := NormalizePath(root)
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:    absRoot,
		handler: handler,
		logger:  slog.Default(),
		dirs:    make(map[string]bool),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.filter != nil && w.filter.Root() != absRoot {
		if w.filter, err = w.filter.WithRoot(absRoot); err != nil {
			return nil, err
		}
	}
	w.logger = internallog.WithComponent(w.logger, "filewatcher").With(slog.String("root", absRoot))

	return w, nil
}

// Root returns the absolute watched root.
func (w *Watcher) Root() string {
	return w.root
}

// Start adds the tree below the root and begins delivering events.
// Any failure to set up the backend is returned; the watcher never runs
// with change detection silently disabled.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return ErrWatcherStopped
	}
	if w.started {
		return nil
	}

	info, err := os.Stat(w.root)
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("failed to watch %s: not a directory", w.root)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	w.fsw = fsw

	if err := w.addTree(w.root); err != nil {
		fsw.Close()
		w.fsw = nil
		return err
	}

	w.started = true
	go w.eventLoop()

	w.logger.Info("file watcher started", slog.Int("directories", len(w.dirs)))
	return nil
}

// Stop stops the watcher. When it returns, no further HandleEvent call
// will be made. Stop is safe to call more than once.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	started := w.started
	w.mu.Unlock()

	if !started {
		return nil
	}

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	defer w.mu.Unlock()
	fileWatcherDirectories.Sub(float64(len(w.dirs)))
	w.dirs = make(map[string]bool)

	if err := w.fsw.Close(); err != nil {
		return fmt.Errorf("failed to close fsnotify watcher: %w", err)
	}
	w.logger.Info("file watcher stopped")
	return nil
}

// addTree watches dir and every accepted directory below it.
// Callers hold w.mu.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			// Skip directories we can't access
			w.logger.Debug("skipping unreadable path", slog.String(internallog.PathKey, path), internallog.Error(err))
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.filter != nil && !w.filter.AcceptDir(path) {
			return filepath.SkipDir
		}
		if w.dirs[path] {
			return nil
		}

		if err := w.fsw.Add(path); err != nil {
			recordError("add")
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		w.dirs[path] = true
		fileWatcherDirectories.Inc()
		return nil
	})
}

// eventLoop processes fsnotify events until Stop.
func (w *Watcher) eventLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				w.logger.Warn("file watcher event channel closed")
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				w.logger.Warn("file watcher error channel closed")
				return
			}
			recordError("backend")
			w.logger.Error("file watcher error", internallog.Error(err))
		}
	}
}

// handleEvent maps a single fsnotify event and hands it to the handler.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	op, ok := mapOp(event.Op)
	if !ok {
		// fsnotify.Chmod is not mapped - we ignore it
		return
	}

	isDir := false
	if op == OpCreated {
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			isDir = true
			w.mu.Lock()
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory",
					slog.String(internallog.PathKey, event.Name), internallog.Error(err))
			}
			w.mu.Unlock()
		}
	}

	if op == OpDeleted || op == OpRenamed {
		w.forget(event.Name)
	}

	recordEvent(op)
	w.handler.HandleEvent(NewEvent(event.Name, op, isDir))
}

// forget drops bookkeeping for a removed directory. fsnotify removes the
// kernel watch itself.
func (w *Watcher) forget(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	prefix := path + string(filepath.Separator)
	for dir := range w.dirs {
		if dir == path || strings.HasPrefix(dir, prefix) {
			delete(w.dirs, dir)
			fileWatcherDirectories.Dec()
		}
	}
}

// mapOp picks the most significant operation of a combined fsnotify op.
func mapOp(op fsnotify.Op) (Op, bool) {
	for _, candidate := range []fsnotify.Op{fsnotify.Create, fsnotify.Remove, fsnotify.Rename, fsnotify.Write} {
		if op.Has(candidate) {
			return eventTypeMap[candidate], true
		}
	}
	return "", false
}

// NormalizePath converts path to a clean absolute path with symlinks
// resolved where it exists.
func NormalizePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path cannot be empty")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return absPath, nil
		}
		return "", fmt.Errorf("failed to resolve symlinks: %w", err)
	}

	return resolved, nil
}
