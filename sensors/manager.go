// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sensors is a sample-producing subsystem manager. It schedules all
// of its work back onto the consumer goroutine through the hub's deferred
// and delayed callback API, the same way the radio request managers do; it
// never touches loop dispatch from its own goroutines.
package sensors

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/absmach/nanohub/config"
	"github.com/absmach/nanohub/event"
	"github.com/absmach/nanohub/loop"
	"github.com/absmach/nanohub/timer"
)

// Broadcast event types published by this subsystem.
const (
	EventTypeAccelSample uint16 = 0x0100 + iota
	EventTypeGyroSample
	EventTypeLightSample
)

// Group masks carried by sample broadcasts. Nanoapps subscribe with the
// groups whose power profile they can afford, so a wake-up sample reaches
// only the listeners that asked to be woken.
const (
	GroupWakeup  uint16 = 0x0001
	GroupBatched uint16 = 0x0002
)

// Sample is the payload of one sensor reading.
type Sample struct {
	SensorType uint16
	Timestamp  time.Time
	Values     [3]float64
}

// Scheduler is the slice of the hub API this subsystem needs. The hub
// Manager satisfies it.
type Scheduler interface {
	DeferCallback(callbackType uint16, data any, callback event.SystemFunc, extraData any) bool
	SetDelayedCallback(callbackType uint16, data any, callback event.SystemFunc, delay time.Duration) timer.Handle
	CancelDelayedCallback(h timer.Handle) bool
}

// Manager simulates a sensor bank: every SampleInterval it publishes one
// low-priority broadcast sample per sensor, capped by a token-bucket rate
// limit shared across sensors.
type Manager struct {
	cfg    config.SensorsConfig
	sched  Scheduler
	loop   *loop.Loop
	limit  *rate.Limiter
	logger *slog.Logger

	// Consumer goroutine only after Start.
	pending timer.Handle
	running bool
	ready   bool
}

// callbackSample tags this subsystem's delayed callbacks.
const callbackSample uint16 = 0xF100

// New creates the sensor manager. The loop reference is used only from
// deferred callbacks, which run on the consumer goroutine.
func New(cfg config.SensorsConfig, sched Scheduler, l *loop.Loop, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		sched:  sched,
		loop:   l,
		limit:  rate.NewLimiter(rate.Limit(cfg.MaxSampleRate), cfg.SampleBurst),
		logger: logger,
	}
}

// LateInit blocks until the (simulated) sensor hardware reports ready. Kept
// out of the constructor so construction never blocks.
func (m *Manager) LateInit(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Millisecond):
	}
	m.ready = true
	m.logger.Info("sensor bank ready",
		slog.Duration("sample_interval", m.cfg.SampleInterval),
		slog.Float64("max_sample_rate", m.cfg.MaxSampleRate))
	return nil
}

// Start begins periodic sampling. Consumer goroutine only.
func (m *Manager) Start() {
	if m.running {
		return
	}
	m.running = true
	m.schedule()
}

// Stop cancels the pending sample cycle. Consumer goroutine only.
func (m *Manager) Stop() {
	if !m.running {
		return
	}
	m.running = false
	if m.pending != timer.InvalidHandle {
		m.sched.CancelDelayedCallback(m.pending)
		m.pending = timer.InvalidHandle
	}
}

func (m *Manager) schedule() {
	m.pending = m.sched.SetDelayedCallback(callbackSample, nil, m.onSampleDue, m.cfg.SampleInterval)
}

// onSampleDue runs on the consumer goroutine when the sample timer expires.
// Sample broadcasts are low priority: under queue pressure they are refused
// and freed rather than crowding out mandatory events, which matches how a
// real hub sheds batched sensor data first.
func (m *Manager) onSampleDue(_ uint16, _, _ any) {
	if !m.running {
		return
	}

	for _, s := range []struct {
		eventType uint16
		group     uint16
	}{
		{EventTypeAccelSample, GroupWakeup | GroupBatched},
		{EventTypeGyroSample, GroupBatched},
		{EventTypeLightSample, GroupBatched},
	} {
		if !m.limit.Allow() {
			m.logger.Debug("sample rate limit hit", slog.Int("event_type", int(s.eventType)))
			continue
		}
		sample := &Sample{
			SensorType: s.eventType,
			Timestamp:  time.Now(),
			Values:     [3]float64{rand.NormFloat64(), rand.NormFloat64(), rand.NormFloat64()},
		}
		m.loop.PostLowPriorityEventOrFree(s.eventType, sample, nil,
			event.BroadcastInstanceID, s.group)
	}

	m.schedule()
}
