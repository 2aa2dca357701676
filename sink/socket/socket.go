// Package socket streams event envelopes to connected websocket
// clients. Clients join either a tenant room or the deployment-wide
// room; slow clients are dropped rather than backpressuring dispatch.
package socket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/EvolutionAPI/evolution-gateway/config"
	"github.com/EvolutionAPI/evolution-gateway/dispatch"
	"github.com/EvolutionAPI/evolution-gateway/errors"
	"github.com/EvolutionAPI/evolution-gateway/metric"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Sink is the realtime socket delivery adapter.
type Sink struct {
	cfg      config.SocketConfig
	upgrader websocket.Upgrader
	metrics  *metric.Metrics
	logger   *slog.Logger

	mu     sync.RWMutex
	rooms  map[string]map[*client]bool
	global map[*client]bool
}

// New creates the socket sink.
func New(cfg config.SocketConfig, metrics *metric.Metrics, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		metrics: metrics,
		logger:  logger.With("component", "socket-sink"),
		rooms:   make(map[string]map[*client]bool),
		global:  make(map[*client]bool),
	}
}

// Name implements dispatch.Sink.
func (s *Sink) Name() string { return "websocket" }

// Handler upgrades connections. "/ws" joins the deployment-wide room;
// "/ws/{instance}" joins that tenant's room.
func (s *Sink) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.Enabled {
			http.Error(w, "websocket sink disabled", http.StatusServiceUnavailable)
			return
		}

		instance := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws"), "/")
		if instance == "" && !s.cfg.GlobalEnabled {
			http.Error(w, "global websocket disabled", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "error", err)
			return
		}

		c := &client{conn: conn, send: make(chan []byte, sendBufferSize)}
		s.join(instance, c)
		go s.writePump(instance, c)
		go s.readPump(instance, c)
	})
}

func (s *Sink) join(instance string, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if instance == "" {
		s.global[c] = true
		return
	}
	room := s.rooms[instance]
	if room == nil {
		room = make(map[*client]bool)
		s.rooms[instance] = room
	}
	room[c] = true
}

func (s *Sink) leave(instance string, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if instance == "" {
		if s.global[c] {
			delete(s.global, c)
			close(c.send)
		}
		return
	}
	if room := s.rooms[instance]; room != nil && room[c] {
		delete(room, c)
		close(c.send)
		if len(room) == 0 {
			delete(s.rooms, instance)
		}
	}
}

// readPump discards inbound frames and detects disconnects.
func (s *Sink) readPump(instance string, c *client) {
	defer func() {
		s.leave(instance, c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Sink) writePump(instance string, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Deliver broadcasts the envelope to the tenant room and the global
// room. Having no connected clients is a successful no-op.
func (s *Sink) Deliver(_ context.Context, snap config.Snapshot, env dispatch.Envelope) error {
	if !s.cfg.Enabled {
		return errors.ErrSinkDisabled
	}

	tenantAllowed := snap.Socket.Allows(env.Event)
	if !tenantAllowed && !s.cfg.GlobalEnabled {
		return errors.ErrSinkDisabled
	}

	body, err := json.Marshal(env)
	if err != nil {
		return errors.WrapInvalid(err, "SocketSink", "Deliver", "marshal envelope")
	}

	s.mu.RLock()
	targets := make([]*client, 0)
	dropped := make([]*client, 0)
	if tenantAllowed {
		for c := range s.rooms[snap.InstanceName] {
			targets = append(targets, c)
		}
	}
	if s.cfg.GlobalEnabled {
		for c := range s.global {
			targets = append(targets, c)
		}
	}
	for _, c := range targets {
		select {
		case c.send <- body:
		default:
			dropped = append(dropped, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range dropped {
		s.logger.Warn("dropping slow websocket client", "instance", snap.InstanceName)
		s.leave(snap.InstanceName, c)
		s.leave("", c)
		c.conn.Close()
	}
	return nil
}

// ClientCount returns connected client totals for health reporting.
func (s *Sink) ClientCount() (tenant, global int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, room := range s.rooms {
		tenant += len(room)
	}
	return tenant, len(s.global)
}

var _ dispatch.Sink = (*Sink)(nil)
