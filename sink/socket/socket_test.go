package socket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EvolutionAPI/evolution-gateway/config"
	"github.com/EvolutionAPI/evolution-gateway/dispatch"
	"github.com/EvolutionAPI/evolution-gateway/errors"
)

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, s *Sink, tenant, global int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		gotTenant, gotGlobal := s.ClientCount()
		if gotTenant == tenant && gotGlobal == global {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("clients did not connect in time")
}

func TestDeliverToTenantRoom(t *testing.T) {
	s := New(config.SocketConfig{Enabled: true}, nil, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dial(t, srv, "/ws/acme")
	waitForClients(t, s, 1, 0)

	snap := config.Snapshot{
		InstanceName: "acme",
		Socket:       config.SinkSettings{Enabled: true, Events: []string{"messages.upsert"}},
	}
	env := dispatch.Envelope{Event: "messages.upsert", Instance: "acme"}
	require.NoError(t, s.Deliver(context.Background(), snap, env))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, body, err := conn.ReadMessage()
	require.NoError(t, err)

	var got dispatch.Envelope
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "messages.upsert", got.Event)
	assert.Equal(t, "acme", got.Instance)
}

func TestDeliverToGlobalRoom(t *testing.T) {
	s := New(config.SocketConfig{Enabled: true, GlobalEnabled: true}, nil, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dial(t, srv, "/ws")
	waitForClients(t, s, 0, 1)

	// Tenant socket settings disabled; the global room still receives it
	snap := config.Snapshot{InstanceName: "acme"}
	require.NoError(t, s.Deliver(context.Background(), snap, dispatch.Envelope{Event: "chats.upsert", Instance: "acme"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, body, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(body), "chats.upsert")
}

func TestTenantRoomIsolation(t *testing.T) {
	s := New(config.SocketConfig{Enabled: true}, nil, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	other := dial(t, srv, "/ws/other")
	waitForClients(t, s, 1, 0)

	snap := config.Snapshot{
		InstanceName: "acme",
		Socket:       config.SinkSettings{Enabled: true, Events: []string{"messages.upsert"}},
	}
	require.NoError(t, s.Deliver(context.Background(), snap, dispatch.Envelope{Event: "messages.upsert", Instance: "acme"}))

	other.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := other.ReadMessage()
	assert.Error(t, err, "client in another room must not receive the event")
}

func TestDeliverDisabled(t *testing.T) {
	s := New(config.SocketConfig{Enabled: false}, nil, nil)
	err := s.Deliver(context.Background(), config.Snapshot{InstanceName: "acme"}, dispatch.Envelope{Event: "messages.upsert"})
	assert.ErrorIs(t, err, errors.ErrSinkDisabled)
}

func TestGlobalRoomRefusedWhenDisabled(t *testing.T) {
	s := New(config.SocketConfig{Enabled: true, GlobalEnabled: false}, nil, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, 403, resp.StatusCode)
	}
}
