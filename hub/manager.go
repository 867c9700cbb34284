// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package hub provides the process-wide orchestrator of the nanohub runtime.
// The Manager owns the event loop and the timer pool, issues nanoapp instance
// IDs and exposes the cross-goroutine scheduling API producer goroutines use
// to inject work onto the single consumer goroutine.
//
// Unlike the usual lazily-initialized global, the Manager is an explicit
// context object: cmd/hubd constructs exactly one and hands it to every
// subsystem, which makes the required initialization order a construction
// property instead of a runtime assertion.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/absmach/nanohub/event"
	"github.com/absmach/nanohub/hostlink"
	"github.com/absmach/nanohub/loop"
	"github.com/absmach/nanohub/nanoapp"
	"github.com/absmach/nanohub/sensors"
	"github.com/absmach/nanohub/timer"
)

// Options configures a Manager. Capability flags mirror the build-time
// subsystem selection of the embedded target: accessing a disabled
// subsystem's accessor is a programmer error.
type Options struct {
	SensorsEnabled  bool
	HostLinkEnabled bool
	Logger          *slog.Logger
}

// Subsystems carries the per-capability managers attached after
// construction. Each reference is mandatory iff its capability is enabled.
type Subsystems struct {
	Sensors  *sensors.Manager
	HostLink *hostlink.Manager
}

// Manager is the single process-wide orchestrator.
type Manager struct {
	loop   *loop.Loop
	timers *timer.Pool

	sensorsEnabled  bool
	hostLinkEnabled bool
	sensors         *sensors.Manager
	hostLink        *hostlink.Manager
	attached        bool

	nextInstanceID atomic.Uint32

	logger *slog.Logger
}

// New creates the Manager around an already-constructed loop and timer pool.
// Construction never blocks; anything requiring I/O belongs in LateInit.
func New(l *loop.Loop, timers *timer.Pool, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Manager{
		loop:   l,
		timers: timers,
		logger: opts.Logger,

		sensorsEnabled:  opts.SensorsEnabled,
		hostLinkEnabled: opts.HostLinkEnabled,
	}
	m.nextInstanceID.Store(uint32(event.SystemInstanceID) + 1)
	return m
}

// Attach wires the per-capability subsystem managers. Called exactly once,
// before the consumer goroutine starts; a missing manager for an enabled
// capability is a fatal integration error.
func (m *Manager) Attach(subs Subsystems) {
	if m.attached {
		panic("hub: Attach called twice")
	}
	if m.sensorsEnabled && subs.Sensors == nil {
		panic("hub: sensors capability enabled but no manager attached")
	}
	if m.hostLinkEnabled && subs.HostLink == nil {
		panic("hub: hostlink capability enabled but no manager attached")
	}
	m.sensors = subs.Sensors
	m.hostLink = subs.HostLink
	m.attached = true
}

// DeferCallback schedules callback to run on the consumer goroutine. Safe
// from any goroutine; returns false under queue pressure, and the caller owns
// the retry policy.
func (m *Manager) DeferCallback(callbackType uint16, data any, callback event.SystemFunc, extraData any) bool {
	return m.loop.PostSystemEvent(callbackType, data, callback, extraData)
}

// SetDelayedCallback schedules callback to run on the consumer goroutine
// after delay. Safe from any goroutine. extraData is always delivered as nil
// on this path.
func (m *Manager) SetDelayedCallback(callbackType uint16, data any, callback event.SystemFunc, delay time.Duration) timer.Handle {
	return m.timers.Set(delay, callback, callbackType, data)
}

// CancelDelayedCallback cancels a delayed callback. Returns false when the
// handle is unknown or the timer already fired.
func (m *Manager) CancelDelayedCallback(h timer.Handle) bool {
	return m.timers.Cancel(h)
}

// NextInstanceID atomically issues a never-before-used (within process
// lifetime) nanoapp instance ID, starting just above the reserved system ID.
// Exhausting the 16-bit space is fatal: IDs are never reused while the
// process lives.
func (m *Manager) NextInstanceID() uint16 {
	id := m.nextInstanceID.Add(1) - 1
	if id >= uint32(event.BroadcastInstanceID) {
		panic(fmt.Sprintf("hub: nanoapp instance ID space exhausted at %d", id))
	}
	return uint16(id)
}

// StartNanoapp assigns an instance ID and starts the nanoapp directly. Only
// valid on the consumer goroutine or before it starts running; producer
// goroutines must use LoadNanoapp.
func (m *Manager) StartNanoapp(app nanoapp.Nanoapp) (uint16, bool) {
	id := m.NextInstanceID()
	if !m.loop.StartNanoapp(app, id) {
		return 0, false
	}
	return id, true
}

// LoadNanoapp defers nanoapp registration onto the consumer goroutine, the
// safe path when loading is triggered from a producer goroutine (e.g. a host
// request). The instance ID is allocated immediately so the caller can refer
// to the nanoapp before the load completes.
func (m *Manager) LoadNanoapp(app nanoapp.Nanoapp) (uint16, bool) {
	id := m.NextInstanceID()
	ok := m.DeferCallback(uint16(CallbackNanoappLoad), app, func(_ uint16, data, _ any) {
		m.loop.StartNanoapp(data.(nanoapp.Nanoapp), id)
	}, nil)
	if !ok {
		return 0, false
	}
	return id, true
}

// UnloadNanoapp defers nanoapp teardown onto the consumer goroutine.
func (m *Manager) UnloadNanoapp(instanceID uint16) bool {
	return m.DeferCallback(uint16(CallbackNanoappUnload), instanceID, func(_ uint16, data, _ any) {
		m.loop.StopNanoapp(data.(uint16))
	}, nil)
}

// EventLoop returns the loop owned by this manager.
func (m *Manager) EventLoop() *loop.Loop {
	return m.loop
}

// TimerPool returns the timer pool owned by this manager.
func (m *Manager) TimerPool() *timer.Pool {
	return m.timers
}

// Sensors returns the sensor subsystem manager. Calling this with the
// capability disabled is a programmer error.
func (m *Manager) Sensors() *sensors.Manager {
	if !m.sensorsEnabled || m.sensors == nil {
		panic("hub: sensors capability is not enabled")
	}
	return m.sensors
}

// HostLink returns the host link manager. Calling this with the capability
// disabled is a programmer error.
func (m *Manager) HostLink() *hostlink.Manager {
	if !m.hostLinkEnabled || m.hostLink == nil {
		panic("hub: hostlink capability is not enabled")
	}
	return m.hostLink
}

// LateInit performs second-stage initialization of subsystems whose readiness
// may require blocking I/O. Runs on the consumer goroutine after Attach and
// before the loop starts draining.
func (m *Manager) LateInit(ctx context.Context) error {
	if !m.attached {
		panic("hub: LateInit before Attach")
	}
	if m.sensors != nil {
		if err := m.sensors.LateInit(ctx); err != nil {
			return fmt.Errorf("sensors late init: %w", err)
		}
	}
	if m.hostLink != nil {
		if err := m.hostLink.LateInit(ctx); err != nil {
			return fmt.Errorf("hostlink late init: %w", err)
		}
	}
	m.logger.Info("hub late init complete")
	return nil
}
