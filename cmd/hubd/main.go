// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/absmach/nanohub/config"
	"github.com/absmach/nanohub/hostlink"
	"github.com/absmach/nanohub/hub"
	"github.com/absmach/nanohub/loop"
	"github.com/absmach/nanohub/sensors"
	"github.com/absmach/nanohub/telemetry"
	"github.com/absmach/nanohub/timer"
)

func main() {
	// Parse command-line flags
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup logging
	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting nanohub runtime", "version", "0.1.0")
	slog.Info("Configuration loaded",
		"max_queue_len", cfg.Hub.MaxQueueLen,
		"sensors_enabled", cfg.Sensors.Enabled,
		"hostlink_enabled", cfg.HostLink.Enabled,
		"telemetry_enabled", cfg.Telemetry.Enabled,
		"log_level", cfg.Log.Level)

	// Initialize telemetry if enabled
	var metrics *telemetry.Metrics
	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitProvider(telemetry.Config{
			Endpoint:       cfg.Telemetry.Endpoint,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: cfg.Telemetry.ServiceVersion,
			InstanceID:     uuid.NewString(),
			ExportInterval: cfg.Telemetry.ExportInterval,
		})
		if err != nil {
			slog.Error("Failed to initialize telemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				slog.Error("Telemetry shutdown failed", "error", err)
			}
		}()

		metrics, err = telemetry.NewMetrics()
		if err != nil {
			slog.Error("Failed to create metrics", "error", err)
			os.Exit(1)
		}
		slog.Info("Telemetry enabled", "endpoint", cfg.Telemetry.Endpoint)
	}

	// Create the timer pool, event loop and hub manager
	timers := timer.NewPool()
	l := loop.New(timers, loop.Options{
		MaxQueueLen:          cfg.Hub.MaxQueueLen,
		LowPriorityHighWater: cfg.Hub.LowPriorityHighWater,
		Logger:               logger,
		Metrics:              metrics,
	})
	m := hub.New(l, timers, hub.Options{
		SensorsEnabled:  cfg.Sensors.Enabled,
		HostLinkEnabled: cfg.HostLink.Enabled,
		Logger:          logger,
	})

	// Construct enabled subsystems and attach them to the hub
	var subs hub.Subsystems
	if cfg.Sensors.Enabled {
		subs.Sensors = sensors.New(cfg.Sensors, m, l, logger)
	}
	if cfg.HostLink.Enabled {
		hl, err := hostlink.New(cfg.HostLink, m, l, l, logger)
		if err != nil {
			slog.Error("Failed to create host link", "error", err)
			os.Exit(1)
		}
		subs.HostLink = hl
	}
	m.Attach(subs)

	// Second-stage init before the loop starts draining
	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := m.LateInit(initCtx); err != nil {
		initCancel()
		slog.Error("Late initialization failed", "error", err)
		os.Exit(1)
	}
	initCancel()

	if subs.Sensors != nil {
		subs.Sensors.Start()
	}

	// Run the consumer goroutine
	loopDone := make(chan struct{})
	go func() {
		l.Run()
		close(loopDone)
	}()

	slog.Info("Nanohub runtime started successfully")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received shutdown signal", "signal", sig)

	// Stop the ingress side first so no new events arrive, then drain the
	// loop within the configured grace period.
	if subs.HostLink != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Hub.ShutdownTimeout)
		if err := subs.HostLink.Stop(ctx); err != nil {
			slog.Warn("Host link shutdown failed", "error", err)
		}
		cancel()
	}

	l.Stop()
	select {
	case <-loopDone:
	case <-time.After(cfg.Hub.ShutdownTimeout):
		slog.Warn("Event loop did not drain within shutdown timeout")
	}

	slog.Info("Nanohub runtime stopped")
}
