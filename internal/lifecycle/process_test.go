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

package lifecycle

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	devErrors "github.com/OneGov/onegov.server/pkg/errors"
)

func startTestChild(t *testing.T, spec ChildSpec) *Process {
	t.Helper()
	proc := Spawn(spec)
	err := proc.Start()
	skipOnSpawnError(t, err)
	require.NoError(t, err)

	t.Cleanup(func() {
		proc.Terminate()
		proc.Join(5 * time.Second)
	})
	return proc
}

func waitReady(t *testing.T, proc *Process) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, proc.WaitReady(ctx))
}

func TestSpawn(t *testing.T) {
	proc := Spawn(testChildSpec(0, nil))

	assert.Equal(t, StateNotStarted, proc.State())
	assert.NotEmpty(t, proc.ID())
	assert.Zero(t, proc.Pid())
	assert.False(t, proc.Ready())
	assert.Equal(t, 0, proc.Port())
	assert.Equal(t, -1, proc.ExitCode())

	t.Run("join before start is a no-op", func(t *testing.T) {
		assert.True(t, proc.Join(0))
		assert.True(t, proc.Join(time.Millisecond))
	})

	t.Run("terminate before start is a no-op", func(t *testing.T) {
		assert.NoError(t, proc.Terminate())
	})

	t.Run("wait ready before start", func(t *testing.T) {
		assert.ErrorIs(t, proc.WaitReady(context.Background()), ErrNotStarted)
	})

	t.Run("fresh identity per spawn", func(t *testing.T) {
		assert.NotEqual(t, proc.ID(), Spawn(testChildSpec(0, nil)).ID())
	})
}

func TestProcess_Lifecycle(t *testing.T) {
	skipSpawnTests(t)

	stdout := &syncBuffer{}
	proc := startTestChild(t, testChildSpec(0, stdout))

	assert.ErrorIs(t, proc.Start(), ErrAlreadyStarted)
	assert.NotZero(t, proc.Pid())

	waitReady(t, proc)
	assert.Equal(t, StateReady, proc.State())

	port := proc.Port()
	assert.Greater(t, port, 0)
	assert.LessOrEqual(t, port, 65535)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", port))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "instance "+proc.ID(), string(body))

	started := fmt.Sprintf("started onegov server on https://127.0.0.1:%d\n", port)
	require.Eventually(t, func() bool {
		return strings.HasPrefix(stdout.String(), started)
	}, 2*time.Second, 10*time.Millisecond)

	pid := proc.Pid()
	require.NoError(t, proc.Terminate())
	assert.True(t, proc.Join(5*time.Second))
	assert.Equal(t, StateExited, proc.State())
	assert.True(t, proc.Exited())
	assert.ErrorIs(t, syscall.Kill(pid, 0), syscall.ESRCH, "child was not reaped")

	// Readiness stays readable after the child is reaped.
	assert.Equal(t, port, proc.Port())
	assert.NoError(t, proc.Terminate())
}

func TestProcess_ReadyImpliesPort(t *testing.T) {
	skipSpawnTests(t)

	for i := 0; i < 5; i++ {
		proc := startTestChild(t, testChildSpec(0, nil))

		deadline := time.Now().Add(10 * time.Second)
		for !proc.Ready() {
			require.False(t, proc.Exited(), "child exited before ready")
			require.True(t, time.Now().Before(deadline), "child never became ready")
			time.Sleep(time.Millisecond)
		}
		assert.NotZero(t, proc.Port())

		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", proc.Port()))
		require.NoError(t, err)
		conn.Close()

		proc.Terminate()
		assert.True(t, proc.Join(5*time.Second))
	}
}

func TestProcess_BindFailure(t *testing.T) {
	skipSpawnTests(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	taken := ln.Addr().(*net.TCPAddr).Port

	proc := startTestChild(t, testChildSpec(taken, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.ErrorIs(t, proc.WaitReady(ctx), ErrExitedBeforeReady)

	assert.True(t, proc.Join(5*time.Second))
	assert.False(t, proc.Ready())
	assert.Equal(t, ExitBindFailure, proc.ExitCode())
	assert.Equal(t, taken, proc.Port())

	var bindErr *devErrors.BindError
	require.ErrorAs(t, proc.Err(), &bindErr)
	assert.Equal(t, taken, bindErr.Port)
	assert.Equal(t, "bind", bindErr.ErrorType())
}

func TestProcess_FactoryFailure(t *testing.T) {
	skipSpawnTests(t)

	spec := testChildSpec(0, nil)
	spec.ConfigFile = failingFactory
	proc := startTestChild(t, spec)

	assert.True(t, proc.Join(10*time.Second))
	assert.False(t, proc.Ready())
	assert.Equal(t, ExitStartupFailure, proc.ExitCode())

	var startupErr *devErrors.StartupError
	require.ErrorAs(t, proc.Err(), &startupErr)
	assert.Equal(t, "startup", startupErr.ErrorType())
}

func TestProcess_JoinTimeout(t *testing.T) {
	skipSpawnTests(t)

	proc := startTestChild(t, testChildSpec(0, nil))
	waitReady(t, proc)

	assert.False(t, proc.Join(50*time.Millisecond))
	assert.Equal(t, StateReady, proc.State())
}

func TestProcess_Kill(t *testing.T) {
	skipSpawnTests(t)

	proc := startTestChild(t, testChildSpec(0, nil))
	waitReady(t, proc)

	require.NoError(t, proc.Kill())
	assert.True(t, proc.Join(5*time.Second))
	assert.Equal(t, -1, proc.ExitCode())
	assert.NoError(t, proc.Kill())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "not_started", StateNotStarted.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "exited", StateExited.String())
	assert.Equal(t, "state(9)", State(9).String())
}
