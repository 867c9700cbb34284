// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/nanohub/loop"
	"github.com/absmach/nanohub/timer"
)

// closablePayload counts how many times it is released.
type closablePayload struct {
	closed atomic.Int32
}

func (p *closablePayload) Close() error {
	p.closed.Add(1)
	return nil
}

func TestDeferOwnedReleasesPayloadExactlyOnce(t *testing.T) {
	m, stop := newTestManager(t)

	payload := &closablePayload{}
	ran := make(chan *closablePayload, 1)
	ok := DeferOwned(m, uint16(CallbackDeferred), payload, func(_ uint16, data *closablePayload) {
		// The callback does nothing with its argument; the trampoline must
		// still release it after return.
		ran <- data
	})
	require.True(t, ok)

	select {
	case got := <-ran:
		assert.Same(t, payload, got, "callback must receive the original payload")
	case <-time.After(5 * time.Second):
		t.Fatal("typed callback did not run")
	}
	stop()

	assert.Equal(t, int32(1), payload.closed.Load(), "payload must be released exactly once")
}

func TestDeferOwnedTypedCallbackSeesCallbackType(t *testing.T) {
	m, stop := newTestManager(t)
	defer stop()

	got := make(chan uint16, 1)
	type box struct{ n int }
	ok := DeferOwned(m, 0xF123, &box{n: 1}, func(callbackType uint16, _ *box) {
		got <- callbackType
	})
	require.True(t, ok)

	select {
	case ct := <-got:
		assert.Equal(t, uint16(0xF123), ct)
	case <-time.After(5 * time.Second):
		t.Fatal("typed callback did not run")
	}
}

func TestDeferOwnedNilCallbackPanics(t *testing.T) {
	m, stop := newTestManager(t)
	defer stop()

	assert.Panics(t, func() {
		DeferOwned[closablePayload](m, uint16(CallbackDeferred), &closablePayload{}, nil)
	}, "there is no safe way to silently drop an owned payload")
}

func TestDeferOwnedReleasedDuringShutdownPurge(t *testing.T) {
	timers := timer.NewPool()
	l := loop.New(timers, loop.Options{})
	m := New(l, timers, Options{})
	m.Attach(Subsystems{})

	payload := &closablePayload{}
	var ran atomic.Int32
	require.True(t, DeferOwned(m, uint16(CallbackDeferred), payload, func(uint16, *closablePayload) {
		ran.Add(1)
	}))

	// Stop before the loop ever dispatches: the purge path must still run
	// the trampoline so the owned payload is not leaked.
	l.Stop()
	l.Run()

	assert.Equal(t, int32(1), ran.Load(), "trampoline must run during purge")
	assert.Equal(t, int32(1), payload.closed.Load(), "no leak, no double release")
}

func TestDeferOwnedFailureKeepsOwnershipWithCaller(t *testing.T) {
	timers := timer.NewPool()
	l := loop.New(timers, loop.Options{MaxQueueLen: 1})
	m := New(l, timers, Options{})

	// Fill the queue so the deferred post is refused.
	require.True(t, m.DeferCallback(uint16(CallbackDeferred), nil, func(uint16, any, any) {}, nil))

	payload := &closablePayload{}
	ok := DeferOwned(m, uint16(CallbackDeferred), payload, func(uint16, *closablePayload) {
		t.Error("callback must not run when the post was refused")
	})
	assert.False(t, ok)
	assert.Zero(t, payload.closed.Load(), "refused payload stays owned by the caller")
}
