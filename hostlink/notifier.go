// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package hostlink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/absmach/nanohub/config"
)

// HostEvent is a nanoapp-originated notification forwarded to host-side
// endpoints.
type HostEvent struct {
	ID        uuid.UUID `json:"id"`
	AppID     uint64    `json:"app_id"`
	EventType uint16    `json:"event_type"`
	Payload   []byte    `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sender posts one serialized event to an endpoint. Swappable for tests.
type Sender interface {
	Send(ctx context.Context, url string, headers map[string]string, body []byte) error
}

// Notifier fans host events out to configured endpoints with a worker pool
// and a circuit breaker per endpoint. Enqueueing never blocks the caller:
// when the queue is full the event is dropped and counted, matching the
// runtime's shed-rather-than-stall policy.
type Notifier struct {
	cfg      config.OutboundConfig
	queue    chan eventJob
	breakers map[string]*gobreaker.CircuitBreaker
	sender   Sender
	logger   *slog.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type eventJob struct {
	event    HostEvent
	endpoint config.EndpointConfig
}

// NewNotifier creates the outbound notifier and starts its workers.
func NewNotifier(cfg config.OutboundConfig, logger *slog.Logger) (*Notifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("outbound notifier requires at least one endpoint")
	}

	ctx, cancel := context.WithCancel(context.Background())

	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for _, ep := range cfg.Endpoints {
		breakers[ep.Name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.Name,
			MaxRequests: 1,
			Timeout:     cfg.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("host endpoint circuit breaker state changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	n := &Notifier{
		cfg:      cfg,
		queue:    make(chan eventJob, cfg.QueueSize),
		breakers: breakers,
		sender:   &httpSender{client: &http.Client{}},
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := 0; i < workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("host outbound notifier started",
		slog.Int("workers", workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.Int("endpoints", len(cfg.Endpoints)))
	return n, nil
}

// SetSender replaces the HTTP sender, for tests.
func (n *Notifier) SetSender(s Sender) {
	n.sender = s
}

// Notify enqueues an event for every endpoint. Returns false when the queue
// rejected at least one copy.
func (n *Notifier) Notify(ev HostEvent) bool {
	ok := true
	for _, ep := range n.cfg.Endpoints {
		select {
		case n.queue <- eventJob{event: ev, endpoint: ep}:
		default:
			ok = false
			n.logger.Warn("host event dropped, notifier queue full",
				slog.String("endpoint", ep.Name),
				slog.String("event_id", ev.ID.String()))
		}
	}
	return ok
}

// Stop drains the workers within the configured shutdown timeout.
func (n *Notifier) Stop() {
	close(n.queue)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	timeout := n.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		n.logger.Warn("host outbound notifier shutdown timed out")
	}
	n.cancel()
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for job := range n.queue {
		n.send(job)
	}
}

func (n *Notifier) send(job eventJob) {
	body, err := json.Marshal(job.event)
	if err != nil {
		n.logger.Error("host event marshal failed", "error", err)
		return
	}

	timeout := job.endpoint.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(n.ctx, timeout)
	defer cancel()

	_, err = n.breakers[job.endpoint.Name].Execute(func() (any, error) {
		return nil, n.sender.Send(ctx, job.endpoint.URL, job.endpoint.Headers, body)
	})
	if err != nil {
		n.logger.Warn("host event delivery failed",
			slog.String("endpoint", job.endpoint.Name),
			slog.String("event_id", job.event.ID.String()),
			"error", err)
	}
}

type httpSender struct {
	client *http.Client
}

func (s *httpSender) Send(ctx context.Context, url string, headers map[string]string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
