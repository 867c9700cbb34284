// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package loop

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/absmach/nanohub/event"
)

// eventQueue is the multi-producer/single-consumer queue the loop drains.
// Producers push under the lock and signal the notify channel; only the
// consumer goroutine pops. The ring buffer grows internally, so maxLen is the
// admission cap, not a storage bound.
type eventQueue struct {
	mu     sync.Mutex
	ring   *queue.Queue
	maxLen int
	closed bool
	notify chan struct{}
}

func newEventQueue(maxLen int) *eventQueue {
	return &eventQueue{
		ring:   queue.New(),
		maxLen: maxLen,
		notify: make(chan struct{}, 1),
	}
}

// push enqueues an event; false when the queue is at capacity or closed.
// Never blocks. The closed check lives under the same lock as drain, so a
// concurrent producer either lands its event before the final drain (and it
// is released there) or is refused; an accepted event is always released.
func (q *eventQueue) push(e *event.Event) bool {
	q.mu.Lock()
	if q.closed || q.ring.Length() >= q.maxLen {
		q.mu.Unlock()
		return false
	}
	q.ring.Add(e)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// pop dequeues the oldest event, nil when empty. Consumer goroutine only.
func (q *eventQueue) pop() *event.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ring.Length() == 0 {
		return nil
	}
	return q.ring.Remove().(*event.Event)
}

// drain closes the queue to further pushes and removes everything still
// queued, atomically. Consumer goroutine only, at shutdown.
func (q *eventQueue) drain() []*event.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	out := make([]*event.Event, 0, q.ring.Length())
	for q.ring.Length() > 0 {
		out = append(out, q.ring.Remove().(*event.Event))
	}
	return out
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ring.Length()
}

// notifyC wakes the consumer when a producer pushed into an empty or idle
// queue. The channel has capacity one: a single wake-up covers any number of
// pushes because the consumer drains until empty.
func (q *eventQueue) notifyC() <-chan struct{} {
	return q.notify
}
