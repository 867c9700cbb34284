// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package loop implements the single-consumer event loop at the heart of the
// nanohub runtime. Exactly one goroutine calls Run and performs all dispatch;
// any number of producer goroutines post work through PostSystemEvent and the
// hub's deferred-callback wrappers.
package loop

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/nanohub/event"
	"github.com/absmach/nanohub/nanoapp"
	"github.com/absmach/nanohub/telemetry"
	"github.com/absmach/nanohub/timer"
)

// State is the externally visible loop lifecycle.
type State int32

const (
	// StateIdle: constructed, Run not yet called.
	StateIdle State = iota
	// StateRunning: the consumer goroutine is draining the queue.
	StateRunning
	// StateStopping: a stop request has been observed; in-flight dispatch
	// completes, no further events are drained.
	StateStopping
	// StateStopped: terminal. The queue has been purged and every queued
	// payload released.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Default queue sizing, overridable through Options.
const (
	DefaultMaxQueueLen          = 512
	DefaultLowPriorityHighWater = 384
)

// Options configures a Loop.
type Options struct {
	// MaxQueueLen is the admission cap of the event queue.
	MaxQueueLen int

	// LowPriorityHighWater is the queue depth above which low-priority
	// events are refused and freed immediately instead of enqueued.
	LowPriorityHighWater int

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Loop owns the FIFO event queue, the nanoapp instance registry and the
// dispatch discipline. It consults the timer pool's deadlines from its own
// wait primitive, so timer callbacks also run on the consumer goroutine.
type Loop struct {
	q      *eventQueue
	timers *timer.Pool
	reg    *registry

	state    atomic.Int32
	stopCh   chan struct{}
	stopOnce sync.Once

	lowWater int
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	// currentApp is the nanoapp whose handler is executing, consumer
	// goroutine only. Used to attribute events posted from inside a handler.
	currentApp *appRecord
}

// New creates a loop bound to the given timer pool.
func New(timers *timer.Pool, opts Options) *Loop {
	if opts.MaxQueueLen <= 0 {
		opts.MaxQueueLen = DefaultMaxQueueLen
	}
	if opts.LowPriorityHighWater <= 0 || opts.LowPriorityHighWater > opts.MaxQueueLen {
		opts.LowPriorityHighWater = opts.MaxQueueLen * 3 / 4
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Loop{
		q:        newEventQueue(opts.MaxQueueLen),
		timers:   timers,
		reg:      newRegistry(),
		stopCh:   make(chan struct{}),
		lowWater: opts.LowPriorityHighWater,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// TimerPool returns the pool whose deadlines this loop services.
func (l *Loop) TimerPool() *timer.Pool {
	return l.timers
}

// QueueLen returns the number of events waiting for dispatch.
func (l *Loop) QueueLen() int {
	return l.q.len()
}

// PostEventOrDie enqueues a nanoapp-targeted event and panics if the queue
// refuses it. This path is reserved for events whose silent loss would
// corrupt protocol state elsewhere; allocation failure here is treated like a
// hardware fault, never downgraded to a boolean.
func (l *Loop) PostEventOrDie(eventType uint16, data any, free event.FreeFunc, target, groupMask uint16) {
	e := event.New(eventType, data, free, false, l.senderID(), target, groupMask)
	if !l.q.push(e) {
		panic(fmt.Sprintf("loop: mandatory event %#x dropped, queue full", eventType))
	}
	l.metrics.EventPosted(false)
}

// PostSystemEvent enqueues a system-targeted event. This is the only safe way
// for a producer goroutine to inject work; it returns false instead of
// blocking or aborting when the queue is full, and callers own the retry
// policy. The callback runs exactly once on the consumer goroutine when the
// event is released.
func (l *Loop) PostSystemEvent(eventType uint16, data any, callback event.SystemFunc, extraData any) bool {
	if l.State() >= StateStopping {
		return false
	}
	e := event.NewSystem(eventType, data, callback, extraData)
	if !l.q.push(e) {
		l.metrics.EventDropped(false)
		return false
	}
	l.metrics.EventPosted(true)
	return true
}

// PostLowPriorityEventOrFree enqueues a nanoapp-targeted event unless the
// queue is above its low-priority high-water mark, in which case the event is
// refused and its free callback invoked immediately. Returns whether the
// event was enqueued.
func (l *Loop) PostLowPriorityEventOrFree(eventType uint16, data any, free event.FreeFunc, target, groupMask uint16) bool {
	e := event.New(eventType, data, free, true, l.senderID(), target, groupMask)
	if l.q.len() >= l.lowWater || !l.q.push(e) {
		l.metrics.EventDropped(true)
		if e.HasFreeCallback() {
			e.InvokeFreeCallback()
		}
		return false
	}
	l.metrics.EventPosted(false)
	return true
}

// DistributeEventSync delivers an event to the named nanoapp(s) before
// returning, bypassing the queue. This deliberately violates FIFO ordering
// and is only safe from the consumer goroutine itself, where it re-enters
// dispatch from inside an already-executing handler for strictly synchronous
// request/response exchanges.
func (l *Loop) DistributeEventSync(eventType uint16, data any, target uint16) {
	e := event.New(eventType, data, nil, false, l.senderID(), target, event.DefaultTargetGroupMask)
	l.deliver(e)
	if !e.IsUnreferenced() {
		panic("loop: event still referenced after dispatch")
	}
	l.freeEvent(e)
}

// FindInstanceID resolves a stable app ID to the instance ID of a currently
// loaded nanoapp. Safe from any goroutine.
func (l *Loop) FindInstanceID(appID nanoapp.ID) (uint16, bool) {
	return l.reg.findByAppID(appID)
}

// NanoappCount returns the number of loaded nanoapps.
func (l *Loop) NanoappCount() int {
	return l.reg.count()
}

// StartNanoapp registers a nanoapp under the given instance ID and invokes
// its Start entry point. Must run on the consumer goroutine (or before Run).
// Returns false, without registering, when Start rejects the load or the
// instance ID is already taken.
func (l *Loop) StartNanoapp(app nanoapp.Nanoapp, instanceID uint16) bool {
	if instanceID == event.SystemInstanceID || instanceID == event.BroadcastInstanceID {
		panic("loop: nanoapp instance ID collides with a reserved value")
	}
	if l.reg.byInstanceID(instanceID) != nil {
		l.logger.Error("nanoapp instance ID already in use",
			slog.Int("instance_id", int(instanceID)))
		return false
	}

	rec := &appRecord{
		app:        app,
		instanceID: instanceID,
		subs:       make(map[uint16]uint16),
	}
	l.reg.add(rec)
	if !app.Start(&env{loop: l, rec: rec}) {
		l.reg.remove(instanceID)
		l.logger.Warn("nanoapp rejected load",
			slog.String("name", app.Name()),
			slog.Uint64("app_id", uint64(app.AppID())))
		return false
	}

	l.metrics.NanoappLoaded(1)
	l.logger.Info("nanoapp started",
		slog.String("name", app.Name()),
		slog.Uint64("app_id", uint64(app.AppID())),
		slog.Int("instance_id", int(instanceID)))
	return true
}

// StopNanoapp unloads a nanoapp: its subscriptions stop matching new events,
// then End runs. Must run on the consumer goroutine. Returns false if no
// nanoapp has the given instance ID.
func (l *Loop) StopNanoapp(instanceID uint16) bool {
	rec := l.reg.remove(instanceID)
	if rec == nil {
		return false
	}
	rec.app.End()
	l.metrics.NanoappLoaded(-1)
	l.logger.Info("nanoapp stopped",
		slog.String("name", rec.app.Name()),
		slog.Int("instance_id", int(instanceID)))
	return true
}

// Run is the blocking consumer body, called exactly once from the dedicated
// consumer goroutine. It drains the queue in FIFO order, sleeping only when
// the queue is empty and no timer is due, and wakes for whichever comes
// first: a new event, the earliest timer deadline, or a stop request. On
// return every event still queued has been released, so no payload leaks.
func (l *Loop) Run() {
	if !l.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		panic("loop: Run called more than once")
	}
	l.logger.Info("event loop running")

	for {
		if l.stopRequested() {
			break
		}
		// Timers are checked on every cycle, not just when the queue runs
		// dry: a workload that keeps the queue non-empty must not starve
		// delayed callbacks. Expiry events take their FIFO place behind
		// whatever is already queued.
		l.flushExpiredTimers()
		if e := l.q.pop(); e != nil {
			l.dispatch(e)
			continue
		}
		if !l.wait() {
			break
		}
	}

	l.state.Store(int32(StateStopping))
	l.purge()
	l.state.Store(int32(StateStopped))
	l.logger.Info("event loop stopped")
}

// Stop requests termination. Safe from any goroutine and idempotent. Dispatch
// in flight completes; events still queued are released during purge.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
}

// wait blocks until there is work or a stop request; false means stop.
func (l *Loop) wait() bool {
	var timerC <-chan time.Time
	if next, ok := l.timers.NextExpiry(); ok {
		d := time.Until(next)
		if d <= 0 {
			return true
		}
		t := time.NewTimer(d)
		defer t.Stop()
		timerC = t.C
	}

	select {
	case <-l.q.notifyC():
		return true
	case <-timerC:
		return true
	case <-l.timers.WakeC():
		// An earlier deadline was inserted; recompute the wait.
		return true
	case <-l.stopCh:
		return false
	}
}

func (l *Loop) stopRequested() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

// flushExpiredTimers converts due timers into system events, preserving the
// original type/data pair. If the queue refuses the event the callback runs
// inline; it is on the consumer goroutine either way, and losing a timer
// callback is never acceptable.
func (l *Loop) flushExpiredTimers() {
	for _, entry := range l.timers.PopExpired(time.Now()) {
		l.metrics.TimerFired()
		if !l.PostSystemEvent(entry.CallbackType, entry.Data, entry.Callback, nil) {
			entry.Callback(entry.CallbackType, entry.Data, nil)
		}
	}
}

// dispatch delivers one dequeued event to its recipients and releases it.
// Consumer goroutine only.
func (l *Loop) dispatch(e *event.Event) {
	start := time.Now()
	l.deliver(e)
	if !e.IsUnreferenced() {
		panic("loop: event still referenced after dispatch")
	}
	l.freeEvent(e)
	l.metrics.EventDispatched(start.Sub(e.ReceivedTime), time.Since(start))
}

// deliver hands the event to every recipient, tracking the reference count
// across deliveries. Zero recipients is legal and leaves the event
// immediately eligible for release.
func (l *Loop) deliver(e *event.Event) {
	var recipients []*appRecord
	switch e.TargetInstanceID {
	case event.SystemInstanceID:
		// System events have no nanoapp recipients: the deferred work runs
		// from the free callback below, once.
	case event.BroadcastInstanceID:
		recipients = l.reg.recipientsFor(e.Type, e.TargetGroupMask)
	default:
		if rec := l.reg.byInstanceID(e.TargetInstanceID); rec != nil {
			recipients = []*appRecord{rec}
		} else {
			l.logger.Debug("event targeted unloaded nanoapp",
				slog.Int("event_type", int(e.Type)),
				slog.Int("instance_id", int(e.TargetInstanceID)))
		}
	}

	for range recipients {
		e.IncrementRefCount()
	}
	for _, rec := range recipients {
		prev := l.currentApp
		l.currentApp = rec
		rec.app.HandleEvent(e.SenderInstanceID, e.Type, e.Data)
		l.currentApp = prev
		e.DecrementRefCount()
	}
}

// freeEvent fires the cleanup callback exactly once, always on the consumer
// goroutine so the callback itself needs no synchronization.
func (l *Loop) freeEvent(e *event.Event) {
	if e.HasFreeCallback() {
		e.InvokeFreeCallback()
	}
}

// purge closes the queue to new pushes and releases every event still queued
// at shutdown. System callbacks and free callbacks still run (that is how
// their payloads are reclaimed), but no nanoapp dispatch happens past this
// point. Closing and draining are one atomic step, so an event accepted by a
// racing producer is guaranteed to be released here.
func (l *Loop) purge() {
	events := l.q.drain()
	for _, e := range events {
		l.freeEvent(e)
	}
	if len(events) > 0 {
		l.logger.Info("purged queued events at shutdown", slog.Int("count", len(events)))
	}
}

// senderID attributes posted events to the nanoapp currently executing, or
// the system when posting from outside a handler.
func (l *Loop) senderID() uint16 {
	if l.currentApp != nil {
		return l.currentApp.instanceID
	}
	return event.SystemInstanceID
}
