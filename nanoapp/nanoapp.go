// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package nanoapp defines the contract between the event loop and the
// independently loaded application modules it hosts.
package nanoapp

// ID is the stable 64-bit application identifier assigned at build time. It
// survives load/unload cycles, unlike the transient 16-bit instance ID issued
// by the hub at load time.
type ID uint64

// Environment is the view of the runtime handed to a nanoapp when it starts.
// Subscription state is mutated only on the consumer goroutine, so these
// methods must be called from Start, End or HandleEvent.
type Environment interface {
	// InstanceID returns the transient instance ID assigned at load time.
	InstanceID() uint16

	// SubscribeBroadcast registers the nanoapp for broadcast events of the
	// given type. The group mask limits delivery to broadcasts whose target
	// mask intersects it.
	SubscribeBroadcast(eventType uint16, groupMask uint16)

	// UnsubscribeBroadcast removes a broadcast registration. Unknown event
	// types are ignored.
	UnsubscribeBroadcast(eventType uint16)
}

// Nanoapp is the single entry-point contract every loaded application module
// implements. All methods run on the consumer goroutine and must not block;
// a blocking handler stalls the entire runtime.
//
// HandleEvent must not re-enter the enqueue path for the event it is
// currently handling. Posting new events is allowed and is the normal way a
// nanoapp produces further work.
type Nanoapp interface {
	AppID() ID
	Name() string

	// Start is invoked once after the instance ID is assigned. Returning
	// false aborts the load and the nanoapp is never dispatched to.
	Start(env Environment) bool

	HandleEvent(senderInstanceID uint16, eventType uint16, data any)

	// End is invoked once when the nanoapp is unloaded, after its
	// subscriptions have stopped matching new events.
	End()
}
