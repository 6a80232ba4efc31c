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

//go:build unix

package supervisor

import (
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OneGov/onegov.server/internal/filewatcher"
	"github.com/OneGov/onegov.server/internal/lifecycle"
)

func newTestCoordinator(t *testing.T, port int, opts ...CoordinatorOption) (*Coordinator, *spawnLog) {
	t.Helper()
	spawns := &spawnLog{}
	c := NewCoordinator(testChildSpec(port, nil), append(opts, WithSpawnHook(spawns.hook))...)

	t.Cleanup(func() {
		c.Close()
		for _, p := range spawns.all() {
			p.Terminate()
			p.Join(5 * time.Second)
		}
	})
	return c, spawns
}

func startCoordinator(t *testing.T, c *Coordinator) {
	t.Helper()
	err := c.Start()
	skipOnSpawnError(t, err)
	require.NoError(t, err)
}

func TestCoordinator_NoCurrentProcess(t *testing.T) {
	c := NewCoordinator(testChildSpec(0, nil))

	assert.Nil(t, c.Current())
	assert.NoError(t, c.Stop())
	assert.True(t, c.Join(0))
}

func TestCoordinator_StartStopJoin(t *testing.T) {
	skipSpawnTests(t)

	c, _ := newTestCoordinator(t, 0)
	startCoordinator(t, c)

	proc := c.Current()
	require.NotNil(t, proc)
	waitReady(t, proc)

	body, err := fetch(proc.Port())
	require.NoError(t, err)
	assert.Equal(t, proc.ID(), body)

	require.NoError(t, c.Stop())
	assert.True(t, c.Join(5*time.Second))
	assert.Equal(t, lifecycle.StateExited, proc.State())
}

func TestCoordinator_Restart(t *testing.T) {
	skipSpawnTests(t)

	c, _ := newTestCoordinator(t, 0)
	startCoordinator(t, c)

	old := c.Current()
	waitReady(t, old)
	oldPort := old.Port()

	require.NoError(t, c.Restart())
	fresh := c.Current()
	require.NotSame(t, old, fresh)
	assert.NotEqual(t, old.ID(), fresh.ID())

	assert.True(t, old.Join(5*time.Second))
	waitReady(t, fresh)

	body, err := fetch(fresh.Port())
	require.NoError(t, err)
	assert.Equal(t, fresh.ID(), body)

	if fresh.Port() != oldPort {
		_, err := fetch(oldPort)
		assert.Error(t, err, "old child still serving")
	}
}

func TestCoordinator_BurstLeavesOneLiveProcess(t *testing.T) {
	skipSpawnTests(t)

	c, spawns := newTestCoordinator(t, 0)
	startCoordinator(t, c)

	const events = 8
	var wg sync.WaitGroup
	for i := 0; i < events; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.HandleEvent(filewatcher.NewEvent("/src/onegov/views.py", filewatcher.OpModified, false))
		}()
	}
	wg.Wait()

	assert.Equal(t, events+1, spawns.count())

	current := c.Current()
	waitReady(t, current)

	for _, p := range spawns.all() {
		if p == current {
			continue
		}
		assert.True(t, p.Join(5*time.Second), "superseded child %s not reaped", p.ID())
	}
	assert.False(t, current.Exited())
}

func TestCoordinator_FilteredEventsDoNotRestart(t *testing.T) {
	skipSpawnTests(t)

	c, spawns := newTestCoordinator(t, 0)
	startCoordinator(t, c)

	root := t.TempDir()
	for _, p := range []string{
		filepath.Join(root, "views.pyc"),
		filepath.Join(root, ".git", "index"),
		filepath.Join(root, "__pycache__", "views.cpython-311.opt"),
		filepath.Join(root, "onegov.server", "readiness"),
	} {
		c.HandleEvent(filewatcher.NewEvent(p, filewatcher.OpModified, false))
	}

	assert.Equal(t, 1, spawns.count())
}

func TestCoordinator_RootedFilterIgnoresParentNames(t *testing.T) {
	skipSpawnTests(t)

	root := filepath.Join(t.TempDir(), "tmp", filewatcher.SelfComponent, "project")
	require.NoError(t, os.MkdirAll(root, 0755))

	filter, err := filewatcher.NewFilter(nil, []string{"tmp"})
	require.NoError(t, err)
	filter, err = filter.WithRoot(root)
	require.NoError(t, err)
	root = filter.Root()

	c, spawns := newTestCoordinator(t, 0, WithChangeFilter(filter))
	startCoordinator(t, c)

	c.HandleEvent(filewatcher.NewEvent(filepath.Join(root, "tmp", "scratch.py"), filewatcher.OpModified, false))
	c.HandleEvent(filewatcher.NewEvent(filepath.Join(root, filewatcher.SelfComponent, "core.py"), filewatcher.OpModified, false))
	assert.Equal(t, 1, spawns.count())

	c.HandleEvent(filewatcher.NewEvent(filepath.Join(root, "app.py"), filewatcher.OpModified, false))
	assert.Equal(t, 2, spawns.count())
}

func TestCoordinator_SupersededChildDoesNotMarkReady(t *testing.T) {
	skipSpawnTests(t)

	c, _ := newTestCoordinator(t, 0)

	stale := lifecycle.Spawn(testChildSpec(0, nil))
	err := stale.Start()
	skipOnSpawnError(t, err)
	require.NoError(t, err)
	t.Cleanup(func() {
		stale.Kill()
		stale.Join(5 * time.Second)
	})

	childReady.Set(0)
	observed := make(chan struct{})
	go func() {
		defer close(observed)
		c.observe(stale, slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()

	waitReady(t, stale)
	// Longer than the poller's maximum interval, so observe has seen readiness.
	time.Sleep(1100 * time.Millisecond)
	assert.Equal(t, float64(0), testutil.ToFloat64(childReady))

	require.NoError(t, stale.Terminate())
	select {
	case <-observed:
	case <-time.After(5 * time.Second):
		t.Fatal("observe did not return after the child exited")
	}
	assert.Equal(t, float64(0), testutil.ToFloat64(childReady))
}

func TestCoordinator_Debounce(t *testing.T) {
	skipSpawnTests(t)

	c, spawns := newTestCoordinator(t, 0, WithDebounce(100*time.Millisecond))
	startCoordinator(t, c)

	for i := 0; i < 5; i++ {
		c.HandleEvent(filewatcher.NewEvent("/src/onegov/app.py", filewatcher.OpModified, false))
	}
	assert.Equal(t, 1, spawns.count())

	require.Eventually(t, func() bool { return spawns.count() == 2 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 2, spawns.count())
}

func TestCoordinator_BindFailureKeepsCoordinatorUsable(t *testing.T) {
	skipSpawnTests(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	taken := ln.Addr().(*net.TCPAddr).Port

	c, _ := newTestCoordinator(t, taken)
	startCoordinator(t, c)

	crashed := c.Current()
	assert.True(t, crashed.Join(10*time.Second))
	assert.False(t, crashed.Ready())
	assert.Equal(t, lifecycle.ExitBindFailure, crashed.ExitCode())

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, c.Stop())
		assert.NoError(t, c.Restart())
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator hung after a crashed child")
	}

	assert.NotSame(t, crashed, c.Current())
	assert.True(t, c.Current().Join(10*time.Second))
}

func TestCoordinator_Closed(t *testing.T) {
	skipSpawnTests(t)

	c, spawns := newTestCoordinator(t, 0)
	startCoordinator(t, c)
	c.Close()

	c.HandleEvent(filewatcher.NewEvent("/src/app.py", filewatcher.OpModified, false))
	assert.ErrorIs(t, c.Start(), ErrCoordinatorClosed)
	assert.ErrorIs(t, c.Restart(), ErrCoordinatorClosed)
	assert.Equal(t, 1, spawns.count())

	require.NoError(t, c.Stop())
	assert.True(t, c.Join(5*time.Second))
}
