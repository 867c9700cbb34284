// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package hostlink_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absmach/nanohub/config"
	"github.com/absmach/nanohub/hostlink"
	"github.com/absmach/nanohub/hub"
	"github.com/absmach/nanohub/loop"
	"github.com/absmach/nanohub/nanoapp"
	"github.com/absmach/nanohub/timer"
)

// hostApp records host messages routed to it.
type hostApp struct {
	id nanoapp.ID

	mu   sync.Mutex
	msgs []*hostlink.HostMessage
}

func (a *hostApp) AppID() nanoapp.ID                { return a.id }
func (a *hostApp) Name() string                     { return "host-app" }
func (a *hostApp) Start(_ nanoapp.Environment) bool { return true }
func (a *hostApp) End()                             {}

func (a *hostApp) HandleEvent(_ uint16, _ uint16, data any) {
	a.mu.Lock()
	a.msgs = append(a.msgs, data.(*hostlink.HostMessage))
	a.mu.Unlock()
}

func (a *hostApp) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.msgs)
}

type linkFixture struct {
	manager *hub.Manager
	link    *hostlink.Manager
	loop    *loop.Loop
	done    chan struct{}
}

func startLink(t *testing.T) *linkFixture {
	t.Helper()

	timers := timer.NewPool()
	l := loop.New(timers, loop.Options{})
	m := hub.New(l, timers, hub.Options{HostLinkEnabled: true})

	cfg := config.HostLinkConfig{
		Enabled:      true,
		WSAddr:       "127.0.0.1:0",
		WSPath:       "/hostlink",
		IngressRate:  1000,
		IngressBurst: 100,
	}
	hl, err := hostlink.New(cfg, m, l, l, nil)
	require.NoError(t, err)
	m.Attach(hub.Subsystems{HostLink: hl})
	require.NoError(t, hl.LateInit(context.Background()))

	f := &linkFixture{manager: m, link: hl, loop: l, done: make(chan struct{})}
	go func() {
		l.Run()
		close(f.done)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		hl.Stop(ctx)
		l.Stop()
		select {
		case <-f.done:
		case <-time.After(5 * time.Second):
			t.Fatal("loop did not stop")
		}
	})
	return f
}

func dial(t *testing.T, f *linkFixture) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+f.link.Addr()+"/hostlink", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestInboundFrameReachesNanoapp(t *testing.T) {
	f := startLink(t)

	app := &hostApp{id: 0xABCD}
	_, ok := f.manager.StartNanoapp(app)
	require.True(t, ok)

	ws := dial(t, f)
	frame := hostlink.Frame{
		AppID:     uint64(app.id),
		EventType: 0x0042,
		Payload:   json.RawMessage(`{"cmd":"ping"}`),
	}
	require.NoError(t, ws.WriteJSON(frame))

	deadline := time.Now().Add(5 * time.Second)
	for app.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("host frame never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	msg := app.msgs[0]
	assert.Equal(t, uint16(0x0042), msg.EventType)
	assert.JSONEq(t, `{"cmd":"ping"}`, string(msg.Payload))
}

func TestUnknownAppIDReportedToHost(t *testing.T) {
	f := startLink(t)

	ws := dial(t, f)
	require.NoError(t, ws.WriteJSON(hostlink.Frame{AppID: 0xDEAD}))

	var status struct {
		AppID  uint64 `json:"app_id"`
		Error  string `json:"error"`
		Status string `json:"status"`
	}
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, ws.ReadJSON(&status))

	assert.Equal(t, uint64(0xDEAD), status.AppID)
	assert.Equal(t, "no such nanoapp", status.Error)
	assert.Equal(t, "dropped", status.Status)
}

func TestMalformedFrameReportedToHost(t *testing.T) {
	f := startLink(t)

	ws := dial(t, f)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))

	var status struct {
		Error  string `json:"error"`
		Status string `json:"status"`
	}
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, ws.ReadJSON(&status))

	assert.Equal(t, "malformed frame", status.Error)
	assert.Equal(t, "dropped", status.Status)
}

func TestSendToHostDisabledWithoutOutbound(t *testing.T) {
	f := startLink(t)
	assert.False(t, f.link.SendToHost(1, 0x0001, nil))
}
