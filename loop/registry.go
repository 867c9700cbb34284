// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package loop

import (
	"sync"

	"github.com/absmach/nanohub/nanoapp"
)

// appRecord tracks one loaded nanoapp: its stable app ID, the transient
// instance ID issued at load time and its broadcast subscriptions. The
// subscription map is mutated only on the consumer goroutine, via the
// Environment handed to the nanoapp.
type appRecord struct {
	app        nanoapp.Nanoapp
	instanceID uint16

	// eventType -> subscription group mask
	subs map[uint16]uint16
}

// env is the nanoapp.Environment implementation bound to one record.
type env struct {
	loop *Loop
	rec  *appRecord
}

func (e *env) InstanceID() uint16 {
	return e.rec.instanceID
}

func (e *env) SubscribeBroadcast(eventType uint16, groupMask uint16) {
	if groupMask == 0 {
		panic("loop: broadcast subscription requires a non-zero group mask")
	}
	e.loop.reg.mu.Lock()
	e.rec.subs[eventType] = groupMask
	e.loop.reg.mu.Unlock()
}

func (e *env) UnsubscribeBroadcast(eventType uint16) {
	e.loop.reg.mu.Lock()
	delete(e.rec.subs, eventType)
	e.loop.reg.mu.Unlock()
}

// registry maps instance IDs to loaded nanoapps. Writes happen only on the
// consumer goroutine; the lock exists because producer goroutines (the host
// link in particular) resolve app IDs concurrently with dispatch.
type registry struct {
	mu sync.RWMutex

	// apps preserves registration order so broadcast delivery order is
	// stable and reproducible.
	apps       []*appRecord
	byInstance map[uint16]*appRecord
}

func newRegistry() *registry {
	return &registry{
		byInstance: make(map[uint16]*appRecord),
	}
}

func (r *registry) add(rec *appRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apps = append(r.apps, rec)
	r.byInstance[rec.instanceID] = rec
}

func (r *registry) remove(instanceID uint16) *appRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byInstance[instanceID]
	if !ok {
		return nil
	}
	delete(r.byInstance, instanceID)
	for i := range r.apps {
		if r.apps[i] == rec {
			r.apps = append(r.apps[:i], r.apps[i+1:]...)
			break
		}
	}
	return rec
}

func (r *registry) byInstanceID(instanceID uint16) *appRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byInstance[instanceID]
}

func (r *registry) findByAppID(appID nanoapp.ID) (uint16, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rec := range r.apps {
		if rec.app.AppID() == appID {
			return rec.instanceID, true
		}
	}
	return 0, false
}

// recipientsFor returns, in registration order, every nanoapp whose
// subscription mask for eventType intersects groupMask.
func (r *registry) recipientsFor(eventType uint16, groupMask uint16) []*appRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*appRecord
	for _, rec := range r.apps {
		if mask, ok := rec.subs[eventType]; ok && mask&groupMask != 0 {
			out = append(out, rec)
		}
	}
	return out
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.apps)
}
