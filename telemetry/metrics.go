// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry instruments for the event runtime. All methods
// are safe on a nil receiver so components can run without telemetry wired.
type Metrics struct {
	meter metric.Meter

	// Counters
	eventsPosted     metric.Int64Counter
	eventsDispatched metric.Int64Counter
	eventsDropped    metric.Int64Counter
	timersFired      metric.Int64Counter

	// UpDownCounters (Gauges)
	queueDepth     metric.Int64UpDownCounter
	nanoappsLoaded metric.Int64UpDownCounter

	// Histograms
	queueLatency     metric.Float64Histogram
	dispatchDuration metric.Float64Histogram
}

// NewMetrics creates a Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("nanohub"),
	}

	var err error

	m.eventsPosted, err = m.meter.Int64Counter(
		"hub.events.posted.total",
		metric.WithDescription("Total events accepted into the loop queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create eventsPosted counter: %w", err)
	}

	m.eventsDispatched, err = m.meter.Int64Counter(
		"hub.events.dispatched.total",
		metric.WithDescription("Total events fully dispatched and released"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create eventsDispatched counter: %w", err)
	}

	m.eventsDropped, err = m.meter.Int64Counter(
		"hub.events.dropped.total",
		metric.WithDescription("Total events rejected by queue pressure policy"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create eventsDropped counter: %w", err)
	}

	m.timersFired, err = m.meter.Int64Counter(
		"hub.timers.fired.total",
		metric.WithDescription("Total timer pool expirations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create timersFired counter: %w", err)
	}

	m.queueDepth, err = m.meter.Int64UpDownCounter(
		"hub.queue.depth",
		metric.WithDescription("Events currently waiting in the loop queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queueDepth gauge: %w", err)
	}

	m.nanoappsLoaded, err = m.meter.Int64UpDownCounter(
		"hub.nanoapps.loaded",
		metric.WithDescription("Nanoapps currently loaded"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create nanoappsLoaded gauge: %w", err)
	}

	m.queueLatency, err = m.meter.Float64Histogram(
		"hub.queue.latency.ms",
		metric.WithDescription("Time events spend queued before dispatch"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queueLatency histogram: %w", err)
	}

	m.dispatchDuration, err = m.meter.Float64Histogram(
		"hub.dispatch.duration.ms",
		metric.WithDescription("Time spent dispatching a single event"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatchDuration histogram: %w", err)
	}

	return m, nil
}

// EventPosted records an accepted enqueue.
func (m *Metrics) EventPosted(system bool) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.eventsPosted.Add(ctx, 1, metric.WithAttributes(attribute.Bool("system", system)))
	m.queueDepth.Add(ctx, 1)
}

// EventDispatched records an event leaving the queue and being released, with
// the time it spent queued and the time dispatch took.
func (m *Metrics) EventDispatched(queued, dispatch time.Duration) {
	if m == nil {
		return
	}
	ctx := context.Background()
	m.eventsDispatched.Add(ctx, 1)
	m.queueDepth.Add(ctx, -1)
	m.queueLatency.Record(ctx, float64(queued.Microseconds())/1000.0)
	m.dispatchDuration.Record(ctx, float64(dispatch.Microseconds())/1000.0)
}

// EventDropped records a rejected enqueue.
func (m *Metrics) EventDropped(lowPriority bool) {
	if m == nil {
		return
	}
	m.eventsDropped.Add(context.Background(), 1,
		metric.WithAttributes(attribute.Bool("low_priority", lowPriority)))
}

// TimerFired records a timer pool expiration.
func (m *Metrics) TimerFired() {
	if m == nil {
		return
	}
	m.timersFired.Add(context.Background(), 1)
}

// NanoappLoaded adjusts the loaded-nanoapps gauge by delta (+1 load, -1
// unload).
func (m *Metrics) NanoappLoaded(delta int64) {
	if m == nil {
		return
	}
	m.nanoappsLoaded.Add(context.Background(), delta)
}
