// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package hostlink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/nanohub/config"
)

type fakeSender struct {
	mu    sync.Mutex
	calls []fakeCall
	err   error
	block chan struct{}
}

type fakeCall struct {
	url     string
	headers map[string]string
	body    []byte
}

func (s *fakeSender) Send(_ context.Context, url string, headers map[string]string, body []byte) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	s.calls = append(s.calls, fakeCall{url: url, headers: headers, body: body})
	s.mu.Unlock()
	return s.err
}

func (s *fakeSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func outboundConfig() config.OutboundConfig {
	return config.OutboundConfig{
		Enabled:          true,
		QueueSize:        16,
		Workers:          1,
		ShutdownTimeout:  time.Second,
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
		Endpoints: []config.EndpointConfig{
			{
				Name:    "primary",
				URL:     "http://host.example/events",
				Headers: map[string]string{"Authorization": "Bearer t"},
				Timeout: time.Second,
			},
		},
	}
}

func TestNotifierDeliversToEndpoint(t *testing.T) {
	n, err := NewNotifier(outboundConfig(), nil)
	require.NoError(t, err)

	sender := &fakeSender{}
	n.SetSender(sender)

	ev := HostEvent{
		ID:        uuid.New(),
		AppID:     0xCAFE,
		EventType: 0x0042,
		Payload:   []byte(`{"k":1}`),
		Timestamp: time.Now(),
	}
	assert.True(t, n.Notify(ev))
	n.Stop()

	require.Equal(t, 1, sender.callCount())
	call := sender.calls[0]
	assert.Equal(t, "http://host.example/events", call.url)
	assert.Equal(t, "Bearer t", call.headers["Authorization"])
	assert.Contains(t, string(call.body), `"app_id":51966`)
}

func TestNotifierFansOutToEveryEndpoint(t *testing.T) {
	cfg := outboundConfig()
	cfg.Endpoints = append(cfg.Endpoints, config.EndpointConfig{
		Name: "secondary",
		URL:  "http://backup.example/events",
	})

	n, err := NewNotifier(cfg, nil)
	require.NoError(t, err)

	sender := &fakeSender{}
	n.SetSender(sender)

	assert.True(t, n.Notify(HostEvent{ID: uuid.New()}))
	n.Stop()

	require.Equal(t, 2, sender.callCount())
	urls := []string{sender.calls[0].url, sender.calls[1].url}
	assert.ElementsMatch(t, []string{"http://host.example/events", "http://backup.example/events"}, urls)
}

func TestNotifierBreakerStopsCallingFailingEndpoint(t *testing.T) {
	cfg := outboundConfig()
	n, err := NewNotifier(cfg, nil)
	require.NoError(t, err)

	sender := &fakeSender{err: errors.New("connection refused")}
	n.SetSender(sender)

	// Enough events to trip the breaker and then some: once open, the
	// extra sends never reach the sender.
	for i := 0; i < 10; i++ {
		n.Notify(HostEvent{ID: uuid.New()})
	}
	n.Stop()

	assert.Equal(t, int(cfg.FailureThreshold), sender.callCount())
}

func TestNotifyDropsWhenQueueFull(t *testing.T) {
	cfg := outboundConfig()
	cfg.QueueSize = 1

	n, err := NewNotifier(cfg, nil)
	require.NoError(t, err)

	sender := &fakeSender{block: make(chan struct{})}
	n.SetSender(sender)

	// First event occupies the worker, second fills the queue, third must
	// be dropped without blocking.
	n.Notify(HostEvent{ID: uuid.New()})
	deadline := time.Now().Add(time.Second)
	for len(n.queue) == 0 {
		n.Notify(HostEvent{ID: uuid.New()})
		if time.Now().After(deadline) {
			t.Fatal("queue never filled")
		}
	}
	assert.False(t, n.Notify(HostEvent{ID: uuid.New()}))

	close(sender.block)
	n.Stop()
}

func TestNewNotifierRequiresEndpoints(t *testing.T) {
	cfg := outboundConfig()
	cfg.Endpoints = nil

	_, err := NewNotifier(cfg, nil)
	assert.Error(t, err)
}
