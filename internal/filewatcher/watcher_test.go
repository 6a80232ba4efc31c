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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) HandleEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) sawPath(path string) bool {
	for _, e := range r.snapshot() {
		if e.Path == path {
			return true
		}
	}
	return false
}

func startWatcher(t *testing.T, root string, handler Handler, opts ...Option) *Watcher {
	t.Helper()
	w, err := NewWatcher(root, handler, opts...)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { w.Stop() })
	return w
}

func TestWatcher_DeliversFileEvents(t *testing.T) {
	rec := &eventRecorder{}
	w := startWatcher(t, t.TempDir(), rec)

	file := filepath.Join(w.Root(), "views.py")
	require.NoError(t, os.WriteFile(file, []byte("x = 1"), 0644))

	require.Eventually(t, func() bool { return rec.sawPath(file) }, 5*time.Second, 10*time.Millisecond)
}

func TestWatcher_Recursive(t *testing.T) {
	root := t.TempDir()
	existing := filepath.Join(root, "src", "onegov", "town")
	require.NoError(t, os.MkdirAll(existing, 0755))

	rec := &eventRecorder{}
	w := startWatcher(t, root, rec)

	t.Run("existing subdirectory", func(t *testing.T) {
		file := filepath.Join(w.Root(), "src", "onegov", "town", "app.py")
		require.NoError(t, os.WriteFile(file, []byte("app"), 0644))
		require.Eventually(t, func() bool { return rec.sawPath(file) }, 5*time.Second, 10*time.Millisecond)
	})

	t.Run("directory created while running", func(t *testing.T) {
		dir := filepath.Join(w.Root(), "late")
		require.NoError(t, os.Mkdir(dir, 0755))
		require.Eventually(t, func() bool { return rec.sawPath(dir) }, 5*time.Second, 10*time.Millisecond)

		var created Event
		for _, e := range rec.snapshot() {
			if e.Path == dir {
				created = e
			}
		}
		assert.Equal(t, OpCreated, created.Op)
		assert.True(t, created.IsDir)

		file := filepath.Join(dir, "new.py")
		require.Eventually(t, func() bool {
			// The directory watch may race the first write; keep writing.
			_ = os.WriteFile(file, []byte("new"), 0644)
			return rec.sawPath(file)
		}, 5*time.Second, 50*time.Millisecond)
	})
}

func TestWatcher_SkipsRejectedDirectories(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git", "objects"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "app"), 0755))

	rec := &eventRecorder{}
	w := startWatcher(t, root, rec, WithFilter(DefaultFilter()))

	require.NoError(t, os.WriteFile(filepath.Join(w.Root(), ".git", "objects", "ab"), []byte("blob"), 0644))

	marker := filepath.Join(w.Root(), "app", "marker.py")
	require.NoError(t, os.WriteFile(marker, []byte("m"), 0644))
	require.Eventually(t, func() bool { return rec.sawPath(marker) }, 5*time.Second, 10*time.Millisecond)

	gitObjects := filepath.Join(w.Root(), ".git", "objects") + string(filepath.Separator)
	for _, e := range rec.snapshot() {
		assert.False(t, strings.HasPrefix(e.Path, gitObjects), "unexpected event %s", e.Path)
	}
}

func TestWatcher_RootBelowRejectedNames(t *testing.T) {
	root := filepath.Join(t.TempDir(), "tmp", SelfComponent, "project")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "pkg"), 0755))

	filter, err := NewFilter(nil, []string{"tmp"})
	require.NoError(t, err)

	rec := &eventRecorder{}
	w := startWatcher(t, root, rec, WithFilter(filter))

	w.mu.Lock()
	watched := len(w.dirs)
	w.mu.Unlock()
	assert.Equal(t, 2, watched)

	rooted, err := filter.WithRoot(w.Root())
	require.NoError(t, err)

	for _, name := range []string{"app.py", filepath.Join("pkg", "mod.py")} {
		file := filepath.Join(w.Root(), name)
		require.NoError(t, os.WriteFile(file, []byte("x"), 0644))
		require.Eventually(t, func() bool { return rec.sawPath(file) }, 5*time.Second, 10*time.Millisecond)
		assert.True(t, rooted.Accept(file), "change to %s should restart", file)
	}
}

func TestWatcher_Stop(t *testing.T) {
	root := t.TempDir()
	rec := &eventRecorder{}

	w, err := NewWatcher(root, rec)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	require.NoError(t, w.Start())

	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())

	require.NoError(t, os.WriteFile(filepath.Join(w.Root(), "after.py"), []byte("x"), 0644))
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.snapshot())

	assert.ErrorIs(t, w.Start(), ErrWatcherStopped)
}

func TestWatcher_StartErrors(t *testing.T) {
	t.Run("missing root", func(t *testing.T) {
		w, err := NewWatcher(filepath.Join(t.TempDir(), "missing"), &eventRecorder{})
		require.NoError(t, err)
		assert.Error(t, w.Start())
	})

	t.Run("root is a file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file.txt")
		require.NoError(t, os.WriteFile(file, nil, 0644))

		w, err := NewWatcher(file, &eventRecorder{})
		require.NoError(t, err)
		assert.Error(t, w.Start())
	})

	t.Run("handler required", func(t *testing.T) {
		_, err := NewWatcher(t.TempDir(), nil)
		assert.Error(t, err)
	})

	t.Run("stop before start", func(t *testing.T) {
		w, err := NewWatcher(t.TempDir(), &eventRecorder{})
		require.NoError(t, err)
		assert.NoError(t, w.Stop())
	})
}

func TestHandlerFunc(t *testing.T) {
	var got Event
	h := HandlerFunc(func(e Event) { got = e })
	h.HandleEvent(NewEvent("/a/../b.py", OpDeleted, false))

	assert.Equal(t, filepath.Clean("/b.py"), got.Path)
	assert.Equal(t, OpDeleted, got.Op)
}
