// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package hub

import "io"

// TypedCallback receives ownership of the deferred payload back on the
// consumer goroutine.
type TypedCallback[T any] func(callbackType uint16, data *T)

// DeferOwned is the owned-payload variant of DeferCallback: the payload moves
// into the deferred callback's frame and is released exactly once after the
// callback returns (closed, when *T implements io.Closer), whether or not
// the callback does anything with it. The typed callback is boxed in a
// closure, so no type assertions leak to the caller and the payload cannot be
// released twice.
//
// A nil callback panics: there is no safe way to silently drop an owned
// payload.
//
// On false the payload was never enqueued and ownership stays with the
// caller.
func DeferOwned[T any](m *Manager, callbackType uint16, data *T, callback TypedCallback[T]) bool {
	if callback == nil {
		panic("hub: DeferOwned requires a callback")
	}
	trampoline := func(ct uint16, d, _ any) {
		payload := d.(*T)
		callback(ct, payload)
		releaseOwned(payload)
	}
	return m.loop.PostSystemEvent(callbackType, data, trampoline, nil)
}

// releaseOwned drops the trampoline's ownership of the payload. Payloads
// holding resources beyond memory implement io.Closer and are closed here,
// exactly once; plain data payloads are simply left to the collector.
func releaseOwned(payload any) {
	if c, ok := payload.(io.Closer); ok {
		_ = c.Close()
	}
}
