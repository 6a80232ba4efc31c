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
	"time"
)

var (
	// ErrExitedBeforeReady means the child died without publishing
	// readiness. It is a startup failure, not a slow start.
	ErrExitedBeforeReady = errors.New("process exited before becoming ready")

	// ErrProcessExited means the child became ready but has since exited.
	ErrProcessExited = errors.New("process exited")

	// ErrReadyTimeout is returned when readiness polling runs out of time.
	ErrReadyTimeout = errors.New("readiness timeout")
)

// ReadinessSource is what ReadinessPoller observes. *Process implements it.
type ReadinessSource interface {
	Ready() bool
	Done() <-chan struct{}
}

// ReadinessPoller polls a child's readiness with exponential backoff.
type ReadinessPoller struct {
	initialInterval time.Duration
	maxInterval     time.Duration
	multiplier      float64
}

// NewReadinessPoller creates a poller.
// Default backoff: 50ms initial, 2x multiplier, 1s max interval.
func NewReadinessPoller() *ReadinessPoller {
	return &ReadinessPoller{
		initialInterval: 50 * time.Millisecond,
		maxInterval:     1 * time.Second,
		multiplier:      2.0,
	}
}

// Wait polls until src is ready, has exited, or ctx is done, and returns
// the number of attempts made. A source that is ready returns nil even if
// it exits right after.
func (p *ReadinessPoller) Wait(ctx context.Context, src ReadinessSource) (int, error) {
	return p.WaitWithCallback(ctx, src, nil)
}

// WaitWithCallback is like Wait but calls callback after each unsuccessful attempt.
func (p *ReadinessPoller) WaitWithCallback(ctx context.Context, src ReadinessSource, callback func(attempt int)) (int, error) {
	interval := p.initialInterval
	attempts := 0

	for {
		attempts++

		if src.Ready() {
			return attempts, nil
		}

		select {
		case <-src.Done():
			// Readiness may have been published just before exit.
			if src.Ready() {
				return attempts, ErrProcessExited
			}
			return attempts, ErrExitedBeforeReady
		default:
		}

		if callback != nil {
			callback(attempts)
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempts, fmt.Errorf("%w after %d attempts: %w", ErrReadyTimeout, attempts, ctx.Err())
		case <-src.Done():
			timer.Stop()
		case <-timer.C:
		}

		interval = time.Duration(float64(interval) * p.multiplier)
		if interval > p.maxInterval {
			interval = p.maxInterval
		}
	}
}
