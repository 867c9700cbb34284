// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/nanohub/event"
	"github.com/absmach/nanohub/loop"
	"github.com/absmach/nanohub/nanoapp"
	"github.com/absmach/nanohub/timer"
)

func newTestManager(t *testing.T) (*Manager, func()) {
	t.Helper()
	timers := timer.NewPool()
	l := loop.New(timers, loop.Options{})
	m := New(l, timers, Options{})
	m.Attach(Subsystems{})

	finished := make(chan struct{})
	go func() {
		l.Run()
		close(finished)
	}()
	return m, func() {
		l.Stop()
		select {
		case <-finished:
		case <-time.After(5 * time.Second):
			t.Fatal("loop did not stop")
		}
	}
}

func TestDeferCallbackRunsOnConsumerGoroutine(t *testing.T) {
	m, stop := newTestManager(t)
	defer stop()

	done := make(chan any, 1)
	ok := m.DeferCallback(uint16(CallbackDeferred), "work", func(_ uint16, data, _ any) {
		done <- data
	}, nil)
	require.True(t, ok)

	select {
	case d := <-done:
		assert.Equal(t, "work", d)
	case <-time.After(5 * time.Second):
		t.Fatal("deferred callback did not run")
	}
}

func TestSetDelayedCallbackFiresAfterDelay(t *testing.T) {
	m, stop := newTestManager(t)
	defer stop()

	fired := make(chan time.Time, 1)
	start := time.Now()
	h := m.SetDelayedCallback(uint16(CallbackDeferred), nil, func(uint16, any, any) {
		fired <- time.Now()
	}, 30*time.Millisecond)
	require.NotEqual(t, timer.InvalidHandle, h)

	select {
	case at := <-fired:
		assert.GreaterOrEqual(t, at.Sub(start), 25*time.Millisecond)
	case <-time.After(5 * time.Second):
		t.Fatal("delayed callback did not fire")
	}
}

func TestCancelDelayedCallback(t *testing.T) {
	m, stop := newTestManager(t)
	defer stop()

	fired := make(chan struct{}, 1)
	h := m.SetDelayedCallback(uint16(CallbackDeferred), nil, func(uint16, any, any) {
		fired <- struct{}{}
	}, 100*time.Millisecond)

	require.True(t, m.CancelDelayedCallback(h))
	assert.False(t, m.CancelDelayedCallback(h), "second cancel must return false")

	select {
	case <-fired:
		t.Fatal("cancelled delayed callback fired")
	case <-time.After(250 * time.Millisecond):
	}
}

func TestNextInstanceIDNeverReusesAndSkipsSystem(t *testing.T) {
	timers := timer.NewPool()
	l := loop.New(timers, loop.Options{})
	m := New(l, timers, Options{})

	seen := make(map[uint16]bool)
	for i := 0; i < 100; i++ {
		id := m.NextInstanceID()
		assert.NotEqual(t, event.SystemInstanceID, id)
		assert.False(t, seen[id], "instance ID %d reissued", id)
		seen[id] = true
	}
}

func TestDisabledCapabilityAccessorPanics(t *testing.T) {
	timers := timer.NewPool()
	l := loop.New(timers, loop.Options{})
	m := New(l, timers, Options{})
	m.Attach(Subsystems{})

	assert.Panics(t, func() { m.Sensors() })
	assert.Panics(t, func() { m.HostLink() })
}

func TestAttachValidatesEnabledCapabilities(t *testing.T) {
	timers := timer.NewPool()
	l := loop.New(timers, loop.Options{})
	m := New(l, timers, Options{SensorsEnabled: true})

	assert.Panics(t, func() { m.Attach(Subsystems{}) },
		"enabled capability without a manager must be fatal")
}

func TestAttachTwicePanics(t *testing.T) {
	timers := timer.NewPool()
	l := loop.New(timers, loop.Options{})
	m := New(l, timers, Options{})
	m.Attach(Subsystems{})
	assert.Panics(t, func() { m.Attach(Subsystems{}) })
}

func TestLateInitBeforeAttachPanics(t *testing.T) {
	timers := timer.NewPool()
	l := loop.New(timers, loop.Options{})
	m := New(l, timers, Options{})
	assert.Panics(t, func() { _ = m.LateInit(context.Background()) })
}

// loadApp is a trivial nanoapp for load/unload round trips.
type loadApp struct {
	id      nanoapp.ID
	started chan struct{}
}

func (a *loadApp) AppID() nanoapp.ID { return a.id }
func (a *loadApp) Name() string      { return "load-app" }
func (a *loadApp) Start(nanoapp.Environment) bool {
	close(a.started)
	return true
}
func (a *loadApp) HandleEvent(uint16, uint16, any) {}
func (a *loadApp) End()                            {}

func TestLoadNanoappFromProducerGoroutine(t *testing.T) {
	m, stop := newTestManager(t)
	defer stop()

	app := &loadApp{id: 0xAB, started: make(chan struct{})}
	id, ok := m.LoadNanoapp(app)
	require.True(t, ok)
	assert.NotEqual(t, uint16(0), id)

	select {
	case <-app.started:
	case <-time.After(5 * time.Second):
		t.Fatal("nanoapp was not started on the consumer goroutine")
	}

	got, found := m.EventLoop().FindInstanceID(0xAB)
	require.True(t, found)
	assert.Equal(t, id, got, "pre-allocated instance ID must match the registered one")

	require.True(t, m.UnloadNanoapp(id))
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, found := m.EventLoop().FindInstanceID(0xAB); !found {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("nanoapp was not unloaded")
		}
		time.Sleep(time.Millisecond)
	}
}
