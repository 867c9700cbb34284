// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the nanohub runtime.
type Config struct {
	Hub       HubConfig       `yaml:"hub"`
	Log       LogConfig       `yaml:"log"`
	Sensors   SensorsConfig   `yaml:"sensors"`
	HostLink  HostLinkConfig  `yaml:"hostlink"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// HubConfig holds event loop settings.
type HubConfig struct {
	// Maximum events admitted to the loop queue
	MaxQueueLen int `yaml:"max_queue_len"`

	// Queue depth above which low-priority events are refused
	LowPriorityHighWater int `yaml:"low_priority_high_water"`

	// Grace period for the consumer goroutine to drain on shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// SensorsConfig holds the simulated sensor subsystem settings.
type SensorsConfig struct {
	Enabled bool `yaml:"enabled"`

	// Interval between samples of one sensor
	SampleInterval time.Duration `yaml:"sample_interval"`

	// Cap on broadcast sample events per second across all sensors
	MaxSampleRate float64 `yaml:"max_sample_rate"`
	SampleBurst   int     `yaml:"sample_burst"`
}

// HostLinkConfig holds the host communication boundary settings.
type HostLinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	WSAddr  string `yaml:"ws_addr"`
	WSPath  string `yaml:"ws_path"`

	// Per-connection inbound message rate limit
	IngressRate  float64 `yaml:"ingress_rate"`
	IngressBurst int     `yaml:"ingress_burst"`

	Outbound OutboundConfig `yaml:"outbound"`
}

// OutboundConfig holds host-bound notification delivery settings.
type OutboundConfig struct {
	Enabled         bool             `yaml:"enabled"`
	QueueSize       int              `yaml:"queue_size"`
	Workers         int              `yaml:"workers"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout"`
	Endpoints       []EndpointConfig `yaml:"endpoints"`

	// Circuit breaker defaults applied to every endpoint
	FailureThreshold uint32        `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// EndpointConfig describes one host-side notification endpoint.
type EndpointConfig struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// TelemetryConfig holds OTLP metric export settings.
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Endpoint       string        `yaml:"endpoint"`
	ServiceName    string        `yaml:"service_name"`
	ServiceVersion string        `yaml:"service_version"`
	ExportInterval time.Duration `yaml:"export_interval"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Hub: HubConfig{
			MaxQueueLen:          512,
			LowPriorityHighWater: 384,
			ShutdownTimeout:      5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Sensors: SensorsConfig{
			Enabled:        true,
			SampleInterval: 100 * time.Millisecond,
			MaxSampleRate:  100,
			SampleBurst:    10,
		},
		HostLink: HostLinkConfig{
			Enabled:      true,
			WSAddr:       ":9440",
			WSPath:       "/hostlink",
			IngressRate:  200,
			IngressBurst: 50,
			Outbound: OutboundConfig{
				QueueSize:        256,
				Workers:          2,
				ShutdownTimeout:  5 * time.Second,
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
		Telemetry: TelemetryConfig{
			Endpoint:       "localhost:4317",
			ServiceName:    "nanohub",
			ServiceVersion: "0.1.0",
			ExportInterval: 10 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file, applying defaults for anything
// unset. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Hub.MaxQueueLen <= 0 {
		return fmt.Errorf("hub.max_queue_len must be positive, got %d", c.Hub.MaxQueueLen)
	}
	if c.Hub.LowPriorityHighWater < 0 || c.Hub.LowPriorityHighWater > c.Hub.MaxQueueLen {
		return fmt.Errorf("hub.low_priority_high_water must be within [0, %d], got %d",
			c.Hub.MaxQueueLen, c.Hub.LowPriorityHighWater)
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug|info|warn|error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.HostLink.Enabled && c.HostLink.WSAddr == "" {
		return fmt.Errorf("hostlink.ws_addr is required when the host link is enabled")
	}
	if c.HostLink.Outbound.Enabled && len(c.HostLink.Outbound.Endpoints) == 0 {
		return fmt.Errorf("hostlink.outbound.endpoints is required when outbound delivery is enabled")
	}
	if c.Sensors.Enabled && c.Sensors.SampleInterval <= 0 {
		return fmt.Errorf("sensors.sample_interval must be positive, got %v", c.Sensors.SampleInterval)
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
	}
	return nil
}
