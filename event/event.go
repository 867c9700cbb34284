// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package event defines the scheduling unit of the nanohub runtime: an
// envelope around an opaque payload with routing metadata, a reference count
// and a cleanup callback that fires exactly once when the last reference is
// dropped.
package event

import "time"

// Instance ID used for events sent by (and to) the system itself.
const SystemInstanceID uint16 = 0

// Target instance ID used to deliver an event to every nanoapp registered
// for it.
const BroadcastInstanceID uint16 = 0xFFFF

// InvalidInstanceID marks a nanoapp instance ID that has not been assigned.
const InvalidInstanceID = BroadcastInstanceID

// DefaultTargetGroupMask matches every subscription mask, so the event is
// delivered to any nanoapp registered for its type.
const DefaultTargetGroupMask uint16 = 0xFFFF

// FreeFunc releases the payload of a nanoapp-targeted event. It is invoked
// exactly once, on the consumer goroutine, after the last recipient has
// finished with the event.
type FreeFunc func(eventType uint16, data any)

// SystemFunc is the callback shape for system-targeted events. It doubles as
// the deferred work itself: the loop delivers a system event by invoking this
// function when the event is released.
type SystemFunc func(eventType uint16, data, extraData any)

// completion is the tagged cleanup variant attached at construction. Exactly
// one of free/system is set, keyed by TargetInstanceID == SystemInstanceID.
type completion struct {
	free   FreeFunc
	system SystemFunc
	extra  any
}

// Event is the core scheduling unit. Routing fields are never mutated after
// construction; payload contents belong to the recipient. The reference count
// is touched only by the consumer goroutine, so it needs no synchronization.
type Event struct {
	// Type identifies the payload semantics. System-internal events use a
	// private tag space defined by their producer.
	Type uint16

	// ReceivedTime is the monotonic construction timestamp. It only feeds
	// queue-latency diagnostics.
	ReceivedTime time.Time

	// Data is the opaque, caller-allocated payload. The event does not know
	// its type.
	Data any

	SenderInstanceID uint16
	TargetInstanceID uint16
	TargetGroupMask  uint16

	// LowPriority is a scheduling hint: the loop may refuse low-priority
	// events under memory pressure. It is not a dispatch priority.
	LowPriority bool

	done     completion
	refCount int
}

// New constructs a nanoapp-targeted event. free may be nil when payload
// ownership stays with a specific recipient. Targeting the system instance or
// passing a zero group mask is a programmer error and panics; system events
// must be built with NewSystem.
func New(eventType uint16, data any, free FreeFunc, lowPriority bool, sender, target, groupMask uint16) *Event {
	if target == SystemInstanceID {
		panic("event: nanoapp event must not target the system instance")
	}
	if groupMask == 0 {
		panic("event: nanoapp event requires a non-zero target group mask")
	}
	return &Event{
		Type:             eventType,
		ReceivedTime:     time.Now(),
		Data:             data,
		SenderInstanceID: sender,
		TargetInstanceID: target,
		TargetGroupMask:  groupMask,
		LowPriority:      lowPriority,
		done:             completion{free: free},
	}
}

// NewBroadcast constructs a system-sent broadcast event with the default
// group mask, the common case for subsystem managers publishing data to every
// interested nanoapp.
func NewBroadcast(eventType uint16, data any, free FreeFunc, lowPriority bool) *Event {
	return New(eventType, data, free, lowPriority, SystemInstanceID, BroadcastInstanceID, DefaultTargetGroupMask)
}

// NewSystem constructs a system-targeted event (deferred callbacks, timer
// expiries). The callback is mandatory: there is no fire-and-forget system
// event, so a nil callback panics.
func NewSystem(eventType uint16, data any, callback SystemFunc, extraData any) *Event {
	if callback == nil {
		panic("event: system event requires a callback")
	}
	return &Event{
		Type:             eventType,
		ReceivedTime:     time.Now(),
		Data:             data,
		SenderInstanceID: SystemInstanceID,
		TargetInstanceID: SystemInstanceID,
		TargetGroupMask:  DefaultTargetGroupMask,
		done:             completion{system: callback, extra: extraData},
	}
}

// IncrementRefCount adds a reference. Consumer goroutine only.
func (e *Event) IncrementRefCount() {
	e.refCount++
}

// DecrementRefCount drops a reference. Underflow is a fatal invariant
// violation.
func (e *Event) DecrementRefCount() {
	if e.refCount == 0 {
		panic("event: reference count underflow")
	}
	e.refCount--
}

// IsUnreferenced reports whether the event is eligible for destruction.
func (e *Event) IsUnreferenced() bool {
	return e.refCount == 0
}

// HasFreeCallback reports whether a cleanup call is required before the event
// is dropped. Always true for system events.
func (e *Event) HasFreeCallback() bool {
	return e.TargetInstanceID == SystemInstanceID || e.done.free != nil
}

// ExtraData returns the opaque extra value of a system event, nil otherwise.
func (e *Event) ExtraData() any {
	return e.done.extra
}

// InvokeFreeCallback runs whichever cleanup shape applies. The caller must
// have verified HasFreeCallback first; invoking without a callback present
// panics.
func (e *Event) InvokeFreeCallback() {
	switch {
	case e.TargetInstanceID == SystemInstanceID:
		e.done.system(e.Type, e.Data, e.done.extra)
	case e.done.free != nil:
		e.done.free(e.Type, e.Data)
	default:
		panic("event: InvokeFreeCallback called without a callback")
	}
}
