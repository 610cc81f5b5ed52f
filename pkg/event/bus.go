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

package event

import (
	"log/slog"
	"sync"
)

// DefaultQueueSize is the per-subscriber queue depth before the bus drops
// the subscriber.
const DefaultQueueSize = 1024

// Subscription is one consumer's view of the bus. Events arrive on C in the
// order the producer emitted them. When the subscriber falls behind and its
// queue overflows, the bus closes C and marks the subscription dropped.
type Subscription struct {
	bus     *Bus
	runID   string
	ch      chan *Event
	once    sync.Once
	dropped bool
	mu      sync.Mutex
}

// Events returns the receive channel. It is closed when the subscription is
// cancelled or dropped.
func (s *Subscription) Events() <-chan *Event { return s.ch }

// Dropped reports whether the bus evicted this subscriber for falling behind.
func (s *Subscription) Dropped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close cancels the subscription. Safe to call multiple times.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Bus fans events out from one producer per run to any number of consumers.
// Publishing never blocks: each subscriber has a bounded queue and is evicted
// on overflow with a local diagnostic.
type Bus struct {
	mu        sync.RWMutex
	subs      map[*Subscription]struct{}
	queueSize int
}

// NewBus creates a bus. queueSize <= 0 selects DefaultQueueSize.
func NewBus(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[*Subscription]struct{}),
		queueSize: queueSize,
	}
}

// Subscribe registers a consumer for events of the given run. An empty runID
// subscribes to all runs (used by the trace collector).
func (b *Bus) Subscribe(runID string) *Subscription {
	sub := &Subscription{
		bus:   b,
		runID: runID,
		ch:    make(chan *Event, b.queueSize),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish delivers the event to all matching subscribers. Subscribers whose
// queue is full are dropped.
func (b *Bus) Publish(ev *Event) {
	if ev == nil {
		return
	}

	b.mu.RLock()
	var overflowed []*Subscription
	for sub := range b.subs {
		if sub.runID != "" && sub.runID != ev.RunID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			overflowed = append(overflowed, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range overflowed {
		slog.Warn("Dropping slow event subscriber",
			"run_id", ev.RunID,
			"kind", ev.Kind,
			"queue_size", b.queueSize)
		sub.mu.Lock()
		sub.dropped = true
		sub.mu.Unlock()
		b.unsubscribe(sub)
	}
}

func (b *Bus) unsubscribe(sub *Subscription) {
	// Closing under the write lock guarantees no Publish (which sends under
	// the read lock) can race with the close.
	b.mu.Lock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		sub.once.Do(func() { close(sub.ch) })
	}
	b.mu.Unlock()
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
