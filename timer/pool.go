// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package timer tracks outstanding delayed-callback requests for the event
// loop. Expired entries are converted into system events by the loop itself,
// so callbacks always run on the consumer goroutine.
package timer

import (
	"sort"
	"sync"
	"time"

	"github.com/absmach/nanohub/event"
)

// Handle identifies a pending timer. Handles are drawn from a monotonically
// increasing counter and are never reissued while a timer using the value
// could still be pending, so a stale handle can never cancel an unrelated
// later timer.
type Handle uint32

// InvalidHandle is never returned by Set.
const InvalidHandle Handle = 0

// Entry is a timer popped by the loop once its deadline has passed. The
// loop reposts it as a system event preserving the original type/data pair.
type Entry struct {
	Handle       Handle
	Expiry       time.Time
	Callback     event.SystemFunc
	CallbackType uint16
	Data         any
}

// Pool owns pending timers. It is safe for concurrent use: producer
// goroutines set and cancel timers while the consumer goroutine checks
// expiry. The entry list is guarded by its own lock and kept sorted by
// expiry time.
type Pool struct {
	mu         sync.Mutex
	entries    []Entry
	nextHandle Handle
	wake       chan struct{}
}

// NewPool creates an empty timer pool.
func NewPool() *Pool {
	return &Pool{
		nextHandle: InvalidHandle + 1,
		wake:       make(chan struct{}, 1),
	}
}

// Set schedules a one-shot timer. The expiry is computed from the monotonic
// clock at call time. Safe to call from any goroutine; a nil callback is a
// programmer error and panics.
func (p *Pool) Set(delay time.Duration, callback event.SystemFunc, callbackType uint16, data any) Handle {
	if callback == nil {
		panic("timer: Set requires a callback")
	}
	if delay < 0 {
		delay = 0
	}
	expiry := time.Now().Add(delay)

	p.mu.Lock()
	h := p.issueHandleLocked()
	e := Entry{
		Handle:       h,
		Expiry:       expiry,
		Callback:     callback,
		CallbackType: callbackType,
		Data:         data,
	}
	i := sort.Search(len(p.entries), func(i int) bool {
		return p.entries[i].Expiry.After(expiry)
	})
	p.entries = append(p.entries, Entry{})
	copy(p.entries[i+1:], p.entries[i:])
	p.entries[i] = e
	earliest := i == 0
	p.mu.Unlock()

	if earliest {
		p.signal()
	}
	return h
}

// Cancel removes a pending timer. Returns false if the handle is unknown or
// the timer already fired.
func (p *Pool) Cancel(h Handle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.entries {
		if p.entries[i].Handle == h {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			return true
		}
	}
	return false
}

// NextExpiry returns the earliest pending deadline, or false when no timer
// is pending.
func (p *Pool) NextExpiry() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) == 0 {
		return time.Time{}, false
	}
	return p.entries[0].Expiry, true
}

// PopExpired removes and returns every entry whose deadline is at or before
// now, in expiry order.
func (p *Pool) PopExpired(now time.Time) []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for n < len(p.entries) && !p.entries[n].Expiry.After(now) {
		n++
	}
	if n == 0 {
		return nil
	}
	expired := make([]Entry, n)
	copy(expired, p.entries[:n])
	p.entries = p.entries[:copy(p.entries, p.entries[n:])]
	return expired
}

// Pending returns the number of outstanding timers.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// WakeC signals the consumer goroutine that the earliest deadline changed and
// its wait must be recomputed.
func (p *Pool) WakeC() <-chan struct{} {
	return p.wake
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// issueHandleLocked returns the next free handle, skipping InvalidHandle and
// any value still held by a pending timer after counter wraparound.
func (p *Pool) issueHandleLocked() Handle {
	for {
		h := p.nextHandle
		p.nextHandle++
		if p.nextHandle == InvalidHandle {
			p.nextHandle++
		}
		if h == InvalidHandle {
			continue
		}
		inUse := false
		for i := range p.entries {
			if p.entries[i].Handle == h {
				inUse = true
				break
			}
		}
		if !inUse {
			return h
		}
	}
}
