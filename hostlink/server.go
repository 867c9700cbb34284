// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package hostlink is the boundary to the remote host process. It carries
// raw host frames to and from nanoapps; it contains no scheduling logic of
// its own. Inbound frames are resolved to an instance ID and handed to the
// consumer goroutine through the hub's deferred-callback API, never by
// calling loop dispatch from the network goroutines.
package hostlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/absmach/nanohub/config"
	"github.com/absmach/nanohub/event"
	"github.com/absmach/nanohub/loop"
	"github.com/absmach/nanohub/nanoapp"
)

// callbackHostMessage tags this subsystem's deferred callbacks.
const callbackHostMessage uint16 = 0xF200

// EventTypeHostMessage is the event type nanoapps receive for host frames.
const EventTypeHostMessage uint16 = 0x0200

// Frame is the JSON envelope exchanged with the host. The payload encoding
// beyond this envelope is opaque to the runtime.
type Frame struct {
	AppID     uint64          `json:"app_id"`
	EventType uint16          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// HostMessage is the payload delivered to a nanoapp for an inbound frame.
type HostMessage struct {
	EventType uint16
	Payload   []byte
}

// Scheduler is the slice of the hub API the host link needs.
type Scheduler interface {
	DeferCallback(callbackType uint16, data any, callback event.SystemFunc, extraData any) bool
}

// Resolver maps stable app IDs to routable instance IDs. The event loop
// satisfies it.
type Resolver interface {
	FindInstanceID(appID nanoapp.ID) (uint16, bool)
}

// Manager accepts host connections over websocket and shuttles frames
// between the host and nanoapps.
type Manager struct {
	cfg      config.HostLinkConfig
	sched    Scheduler
	resolver Resolver
	loop     *loop.Loop
	notifier *Notifier
	logger   *slog.Logger

	upgrader websocket.Upgrader
	server   *http.Server
	listener net.Listener

	mu     sync.Mutex
	conns  map[uuid.UUID]*hostConn
	closed bool

	wg sync.WaitGroup
}

type hostConn struct {
	id    uuid.UUID
	ws    *websocket.Conn
	limit *rate.Limiter

	writeMu sync.Mutex
}

// New creates a host link manager. The loop reference is used only from
// deferred callbacks, which run on the consumer goroutine.
func New(cfg config.HostLinkConfig, sched Scheduler, resolver Resolver, l *loop.Loop, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:      cfg,
		sched:    sched,
		resolver: resolver,
		loop:     l,
		logger:   logger,
		conns:    make(map[uuid.UUID]*hostConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	if cfg.Outbound.Enabled {
		n, err := NewNotifier(cfg.Outbound, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create outbound notifier: %w", err)
		}
		m.notifier = n
	}
	return m, nil
}

// LateInit opens the listener. This is second-stage initialization: it can
// block on the network stack, so it stays out of the constructor.
func (m *Manager) LateInit(_ context.Context) error {
	ln, err := net.Listen("tcp", m.cfg.WSAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.cfg.WSAddr, err)
	}
	m.listener = ln

	mux := http.NewServeMux()
	path := m.cfg.WSPath
	if path == "" {
		path = "/hostlink"
	}
	mux.HandleFunc(path, m.handleUpgrade)
	m.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  0, // long-lived websocket connections
		WriteTimeout: 0,
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("host link server failed", "error", err)
		}
	}()

	m.logger.Info("host link listening", slog.String("addr", ln.Addr().String()), slog.String("path", path))
	return nil
}

// Addr returns the bound listener address, valid after LateInit.
func (m *Manager) Addr() string {
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// Stop closes the listener, every host connection and the outbound notifier.
func (m *Manager) Stop(ctx context.Context) error {
	// Mark closed under the lock first: an upgrade that has not yet
	// registered its connection is refused, so no read loop starts after
	// the Wait below.
	m.mu.Lock()
	m.closed = true
	for _, c := range m.conns {
		c.ws.Close()
	}
	m.mu.Unlock()

	var err error
	if m.server != nil {
		err = m.server.Shutdown(ctx)
	}

	m.wg.Wait()
	if m.notifier != nil {
		m.notifier.Stop()
	}
	return err
}

// SendToHost forwards a nanoapp-originated notification to the host-side
// endpoints. Non-blocking; false when outbound delivery is disabled or the
// notifier queue is full.
func (m *Manager) SendToHost(appID nanoapp.ID, eventType uint16, payload []byte) bool {
	if m.notifier == nil {
		return false
	}
	return m.notifier.Notify(HostEvent{
		ID:        uuid.New(),
		AppID:     uint64(appID),
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}

func (m *Manager) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("host link upgrade failed", "error", err)
		return
	}

	c := &hostConn{
		id:    uuid.New(),
		ws:    ws,
		limit: rate.NewLimiter(rate.Limit(m.cfg.IngressRate), m.cfg.IngressBurst),
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		ws.Close()
		return
	}
	m.conns[c.id] = c
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("host connected",
		slog.String("conn_id", c.id.String()),
		slog.String("remote", ws.RemoteAddr().String()))

	go m.readLoop(c)
}

// readLoop runs per host connection on its own goroutine.
func (m *Manager) readLoop(c *hostConn) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.conns, c.id)
		m.mu.Unlock()
		c.ws.Close()
		m.logger.Info("host disconnected", slog.String("conn_id", c.id.String()))
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if !c.limit.Allow() {
			m.logger.Warn("host frame rate limited", slog.String("conn_id", c.id.String()))
			continue
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			m.writeStatus(c, f, "malformed frame")
			continue
		}
		m.deliverInbound(c, f)
	}
}

// deliverInbound resolves the destination and defers delivery onto the
// consumer goroutine. A full queue or an unknown destination is reported
// back to the host rather than retried here; retry policy belongs to the
// host side.
func (m *Manager) deliverInbound(c *hostConn, f Frame) {
	instanceID, ok := m.resolver.FindInstanceID(nanoapp.ID(f.AppID))
	if !ok {
		m.writeStatus(c, f, "no such nanoapp")
		return
	}

	msg := &HostMessage{EventType: f.EventType, Payload: f.Payload}
	ok = m.sched.DeferCallback(callbackHostMessage, msg, func(_ uint16, data, _ any) {
		// Consumer goroutine: host messages are mandatory, so losing one
		// here would corrupt the host protocol state.
		m.loop.PostEventOrDie(EventTypeHostMessage, data, nil, instanceID, event.DefaultTargetGroupMask)
	}, nil)
	if !ok {
		m.writeStatus(c, f, "queue full")
	}
}

func (m *Manager) writeStatus(c *hostConn, f Frame, reason string) {
	status := struct {
		AppID  uint64 `json:"app_id"`
		Error  string `json:"error"`
		Status string `json:"status"`
	}{AppID: f.AppID, Error: reason, Status: "dropped"}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(status); err != nil {
		m.logger.Debug("host status write failed", "error", err)
	}
}
