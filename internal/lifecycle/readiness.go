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
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	devErrors "github.com/OneGov/onegov.server/pkg/errors"
)

// ErrUnsupportedPlatform is returned where shared readiness memory is unavailable.
var ErrUnsupportedPlatform = errors.New("readiness channel not supported on this platform")

const (
	portSlot = iota
	readySlot

	readinessSize = 8
)

// Readiness is the only state shared between the supervisor and a child.
// It holds two int32 slots in a MAP_SHARED mapping of an unlinked temp file:
// the bound port and the ready flag. The child is the single writer and
// publishes the port before the flag, so a reader that sees ready also sees
// the final port. Readers never wait on the child.
type Readiness struct {
	mu   sync.RWMutex
	mem  []byte
	file *os.File

	// Snapshot taken when the mapping is released.
	port  int32
	ready int32
}

// NewReadiness creates a fresh channel whose port slot holds requestedPort.
// Used by the supervisor; the child receives File() as an inherited descriptor.
func NewReadiness(requestedPort int) (*Readiness, error) {
	f, err := os.CreateTemp("", "onegov-ready-*")
	if err != nil {
		return nil, devErrors.Wrap(err, "failed to create readiness file")
	}
	// The descriptor keeps the file alive; nothing else needs the name.
	_ = os.Remove(f.Name())

	if err := f.Truncate(readinessSize); err != nil {
		f.Close()
		return nil, devErrors.Wrap(err, "failed to size readiness file")
	}

	r, err := mapReadiness(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	atomic.StoreInt32(r.slot(portSlot), int32(requestedPort))
	return r, nil
}

// OpenReadiness maps a channel inherited from the supervisor.
func OpenReadiness(f *os.File) (*Readiness, error) {
	if f == nil {
		return nil, devErrors.New("readiness file is required")
	}
	return mapReadiness(f)
}

func mapReadiness(f *os.File) (*Readiness, error) {
	mem, err := mapShared(f, readinessSize)
	if err != nil {
		return nil, devErrors.Wrap(err, "failed to map readiness file")
	}
	return &Readiness{mem: mem, file: f}, nil
}

func (r *Readiness) slot(i int) *int32 {
	return (*int32)(unsafe.Pointer(&r.mem[i*4]))
}

// Publish records the bound port, then marks the channel ready.
func (r *Readiness) Publish(port int) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.mem == nil {
		return devErrors.New("readiness channel is closed")
	}

	atomic.StoreInt32(r.slot(portSlot), int32(port))
	atomic.StoreInt32(r.slot(readySlot), 1)
	return nil
}

// Snapshot returns the port and ready flag. The flag is read first, so
// ready == true guarantees the port is the published one.
func (r *Readiness) Snapshot() (port int, ready bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.mem == nil {
		return int(r.port), r.ready == 1
	}

	ready = atomic.LoadInt32(r.slot(readySlot)) == 1
	port = int(atomic.LoadInt32(r.slot(portSlot)))
	return port, ready
}

// Ready reports whether the child has published readiness.
func (r *Readiness) Ready() bool {
	_, ready := r.Snapshot()
	return ready
}

// Port returns the published port, or the requested one before readiness.
func (r *Readiness) Port() int {
	port, _ := r.Snapshot()
	return port
}

// File returns the descriptor to hand to a child process.
func (r *Readiness) File() *os.File {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.file
}

// CloseFile drops the descriptor once the child holds its own copy.
// The mapping stays valid.
func (r *Readiness) CloseFile() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Close snapshots the current values and releases the mapping.
// Later reads return the snapshot.
func (r *Readiness) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	if r.mem != nil {
		r.ready = atomic.LoadInt32(r.slot(readySlot))
		r.port = atomic.LoadInt32(r.slot(portSlot))
		if err := unmapShared(r.mem); err != nil {
			errs = append(errs, err)
		}
		r.mem = nil
	}
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			errs = append(errs, err)
		}
		r.file = nil
	}
	return errors.Join(errs...)
}
