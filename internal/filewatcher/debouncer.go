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
	"sync"
	"time"
)

// Debouncer collapses a burst of events into one delivery.
//
// Each Add restarts the window; when no event arrives for the whole window
// the most recent event is delivered to onFlush. A burst therefore yields
// exactly one delivery, after its last event.
type Debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	timer   *time.Timer
	pending *Event
	stopped bool
	onFlush func(Event)
	wg      sync.WaitGroup
}

// NewDebouncer creates a debouncer with the specified window.
func NewDebouncer(window time.Duration, onFlush func(Event)) *Debouncer {
	return &Debouncer{
		window:  window,
		onFlush: onFlush,
	}
}

// Add records e as the latest event and restarts the window.
func (d *Debouncer) Add(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	d.pending = &e

	// A stopped timer still owns its WaitGroup slot and can be reused.
	if d.timer != nil && d.timer.Stop() {
		d.timer.Reset(d.window)
		return
	}

	d.wg.Add(1)
	d.timer = time.AfterFunc(d.window, func() {
		defer d.wg.Done()
		d.flush()
	})
}

// flush delivers the pending event outside of the lock.
func (d *Debouncer) flush() {
	d.mu.Lock()
	e := d.pending
	d.pending = nil
	stopped := d.stopped
	d.mu.Unlock()

	if e != nil && !stopped && d.onFlush != nil {
		d.onFlush(*e)
	}
}

// Stop discards any pending event and waits for a delivery in progress.
// Events added after Stop are ignored. Stop must not be called from onFlush.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.pending = nil
	if d.timer != nil && d.timer.Stop() {
		d.wg.Done()
	}
	d.mu.Unlock()

	d.wg.Wait()
}

// Pending reports whether an event is waiting for its window to close.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}
