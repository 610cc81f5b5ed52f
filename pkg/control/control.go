// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package control implements the process-wide execution controller: a
// table of live runs supporting pause, resume and cancel.
//
// Pause is a releasable latch, not an interrupt. The run loop checks the
// gate only between iterations, so a paused run is always left in a legal
// transcript state.
package control

import (
	"context"
	"errors"
	"sync"
)

// Sentinel errors.
var (
	ErrRunNotRegistered     = errors.New("run not registered")
	ErrRunAlreadyRegistered = errors.New("run already registered")
)

// State is a run's controller-visible state.
type State string

const (
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCancelled State = "cancelled"
)

type runEntry struct {
	state State

	// gate is closed while the run may proceed and open (non-nil,
	// unclosed) while paused. Nil means no gate: proceed.
	gate chan struct{}

	// cancelled is closed exactly once on cancel.
	cancelled chan struct{}
}

// Controller tracks live runs. All methods are safe for concurrent use;
// each takes a short critical section on the table.
type Controller struct {
	mu   sync.Mutex
	runs map[string]*runEntry
}

// NewController creates an empty controller.
func NewController() *Controller {
	return &Controller{runs: make(map[string]*runEntry)}
}

// Register adds a run in the running state. Registering an existing run
// is an error.
func (c *Controller) Register(runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.runs[runID]; ok {
		return ErrRunAlreadyRegistered
	}
	c.runs[runID] = &runEntry{
		state:     StateRunning,
		cancelled: make(chan struct{}),
	}
	return nil
}

// Unregister removes a run from the table. Safe to call for unknown runs.
func (c *Controller) Unregister(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.runs, runID)
}

// Pause transitions running -> paused. Future AwaitGate calls block until
// Resume or Cancel.
func (c *Controller) Pause(runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.runs[runID]
	if !ok {
		return ErrRunNotRegistered
	}
	if entry.state != StateRunning {
		return nil
	}
	entry.state = StatePaused
	entry.gate = make(chan struct{})
	return nil
}

// Resume transitions paused -> running and releases the gate.
func (c *Controller) Resume(runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.runs[runID]
	if !ok {
		return ErrRunNotRegistered
	}
	if entry.state != StatePaused {
		return nil
	}
	entry.state = StateRunning
	close(entry.gate)
	entry.gate = nil
	return nil
}

// Cancel marks the run cancelled and releases any gate. Terminal.
func (c *Controller) Cancel(runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.runs[runID]
	if !ok {
		return ErrRunNotRegistered
	}
	if entry.state == StateCancelled {
		return nil
	}
	if entry.gate != nil {
		close(entry.gate)
		entry.gate = nil
	}
	entry.state = StateCancelled
	close(entry.cancelled)
	return nil
}

// CancelAll cancels every registered run. Used on shutdown.
func (c *Controller) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.runs {
		if entry.state == StateCancelled {
			continue
		}
		if entry.gate != nil {
			close(entry.gate)
			entry.gate = nil
		}
		entry.state = StateCancelled
		close(entry.cancelled)
	}
}

// AwaitGate blocks while the run is paused. Returns immediately for
// running, cancelled or unknown runs. Honors context cancellation.
func (c *Controller) AwaitGate(ctx context.Context, runID string) error {
	c.mu.Lock()
	entry, ok := c.runs[runID]
	if !ok || entry.gate == nil {
		c.mu.Unlock()
		return nil
	}
	gate := entry.gate
	c.mu.Unlock()

	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsCancelled reports whether the run has been cancelled. Non-blocking.
func (c *Controller) IsCancelled(runID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.runs[runID]
	return ok && entry.state == StateCancelled
}

// Done returns a channel closed when the run is cancelled, or nil for
// unknown runs.
func (c *Controller) Done(runID string) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.runs[runID]
	if !ok {
		return nil
	}
	return entry.cancelled
}

// StateOf returns the run's state, or "" for unknown runs.
func (c *Controller) StateOf(runID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.runs[runID]
	if !ok {
		return ""
	}
	return entry.state
}
