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

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	devErrors "github.com/OneGov/onegov.server/pkg/errors"
)

var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("process already started")

	// ErrNotStarted is returned by operations that need a started process.
	ErrNotStarted = errors.New("process not started")
)

// State is the lifecycle state of a Process.
type State int32

const (
	StateNotStarted State = iota
	StateStarting
	StateReady
	StateExited
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Process owns one child process and its readiness channel.
// A Process is started at most once; restarts create a new Process.
type Process struct {
	spec ChildSpec
	id   string

	mu        sync.Mutex
	cmd       *exec.Cmd
	readiness atomic.Pointer[Readiness]
	started   atomic.Bool

	done     chan struct{}
	exitCode int
	waitErr  error
}

// Spawn returns an unstarted Process. It touches neither the OS nor the network.
func Spawn(spec ChildSpec) *Process {
	return &Process{
		spec:     spec,
		id:       uuid.NewString(),
		done:     make(chan struct{}),
		exitCode: -1,
	}
}

// Start launches the child with a fresh readiness channel.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started.Load() {
		return ErrAlreadyStarted
	}

	ready, err := NewReadiness(p.spec.Port)
	if err != nil {
		return err
	}

	cmd, err := p.spec.command(p.id, ready.File())
	if err != nil {
		ready.Close()
		return err
	}

	if err := cmd.Start(); err != nil {
		ready.Close()
		return devErrors.Wrap(err, "failed to start child process")
	}

	// The child holds its own descriptor now; the mapping stays.
	_ = ready.CloseFile()

	p.cmd = cmd
	p.readiness.Store(ready)
	p.started.Store(true)

	go p.wait(cmd, ready)
	return nil
}

// wait reaps the child so no zombie outlives it, then freezes its readiness.
func (p *Process) wait(cmd *exec.Cmd, ready *Readiness) {
	err := cmd.Wait()
	_ = ready.Close()

	p.mu.Lock()
	if cmd.ProcessState != nil {
		p.exitCode = cmd.ProcessState.ExitCode()
	}
	p.waitErr = exitError(p.spec, p.exitCode, err)
	p.mu.Unlock()

	close(p.done)
}

// ID returns the instance identity handed to the child.
func (p *Process) ID() string {
	return p.id
}

// Pid returns the child's process id, or 0 before Start.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Ready reports whether the child has published readiness. It never blocks.
func (p *Process) Ready() bool {
	r := p.readiness.Load()
	if r == nil {
		return false
	}
	return r.Ready()
}

// Port returns the bound port once Ready, otherwise the requested port.
func (p *Process) Port() int {
	r := p.readiness.Load()
	if r == nil {
		return p.spec.Port
	}
	return r.Port()
}

// Exited reports whether the child has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	switch {
	case !p.started.Load():
		return StateNotStarted
	case p.Exited():
		return StateExited
	case p.Ready():
		return StateReady
	default:
		return StateStarting
	}
}

// Done is closed once the child has been reaped. It never closes for a
// process that was not started.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the child's exit status, or -1 while running or when
// it was killed by a signal.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Err returns the error reported when the child was reaped.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Terminate asks the child to exit with SIGTERM, falling back to a kill
// where the signal cannot be delivered. It does not wait.
func (p *Process) Terminate() error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()

	if cmd == nil || p.Exited() {
		return nil
	}

	err := cmd.Process.Signal(syscall.SIGTERM)
	if err == nil || errors.Is(err, os.ErrProcessDone) {
		return nil
	}

	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return devErrors.Wrapf(err, "failed to terminate process %d", cmd.Process.Pid)
	}
	return nil
}

// Kill forcibly kills the child. It does not wait.
func (p *Process) Kill() error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()

	if cmd == nil || p.Exited() {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return devErrors.Wrapf(err, "failed to kill process %d", cmd.Process.Pid)
	}
	return nil
}

// Join blocks until the child has exited or timeout elapses, and reports
// whether it has exited. A zero timeout waits forever. Join on a process
// that was never started returns true at once.
func (p *Process) Join(timeout time.Duration) bool {
	if !p.started.Load() {
		return true
	}

	if timeout <= 0 {
		<-p.done
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

// WaitReady polls readiness with the default backoff until the child is
// ready, exits, or ctx is done.
func (p *Process) WaitReady(ctx context.Context) error {
	if !p.started.Load() {
		return ErrNotStarted
	}
	_, err := NewReadinessPoller().Wait(ctx, p)
	return err
}
