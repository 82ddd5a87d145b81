// File: wshub/hub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The hub owns every socket the reactor upgraded to WebSocket. Each
// session gets a reader goroutine; call execution fans into the shared
// worker pool so a chatty client cannot starve HTTP traffic.

package wshub

import (
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/momentics/hioload-gateway/internal/codec"
	"github.com/momentics/hioload-gateway/reactor"
	"github.com/momentics/hioload-gateway/stats"
	"github.com/momentics/hioload-gateway/workers"
)

// Caller executes one engine call. Satisfied by engine.Channel.
type Caller interface {
	Call(method string, params json.RawMessage, timeout time.Duration) (*codec.Reply, error)
}

// Config holds the hub limits and liveness timings.
type Config struct {
	MaxSessions    int
	PingInterval   time.Duration
	PongTimeout    time.Duration
	CallTimeout    time.Duration
	MaxMessageSize int
}

// Hub tracks live WebSocket sessions. Implements reactor.Hub.
type Hub struct {
	cfg    Config
	log    *zap.Logger
	engine Caller
	pool   *workers.Pool
	stats  *stats.Core

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// ErrHubClosed is returned by Adopt after Shutdown.
var ErrHubClosed = errors.New("ws: hub is shut down")

// New builds a hub. Zero config fields get working defaults.
func New(cfg Config, log *zap.Logger, engine Caller, pool *workers.Pool, st *stats.Core) *Hub {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 50
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = MaxFramePayload
	}
	return &Hub{
		cfg:      cfg,
		log:      log.Named("wshub"),
		engine:   engine,
		pool:     pool,
		stats:    st,
		sessions: make(map[string]*session),
	}
}

// CanAccept reports whether another session fits under the limit.
func (h *Hub) CanAccept() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed && len(h.sessions) < h.cfg.MaxSessions
}

// Count returns the number of live sessions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Adopt takes ownership of an upgraded socket descriptor, completes
// the handshake, and starts the session. The descriptor is consumed on
// every path, including errors; the reactor must never close it after
// the handoff.
func (h *Hub) Adopt(fd int, ip string, req *reactor.Request) error {
	f := os.NewFile(uintptr(fd), "wsconn")
	resp, err := upgradeResponse(req)
	if err != nil {
		_ = f.Close()
		return err
	}
	conn, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		return err
	}
	return h.adoptConn(conn, ip, resp)
}

// adoptConn finishes the handshake on an established net.Conn. Split
// from Adopt so tests can drive the hub over a pipe.
func (h *Hub) adoptConn(conn net.Conn, ip string, handshake []byte) error {
	s := &session{
		id:   uuid.NewString(),
		ip:   ip,
		conn: conn,
		hub:  h,
		done: make(chan struct{}),
	}
	s.log = h.log.With(zap.String("session", s.id), zap.String("ip", ip))
	s.lastSeen.Store(time.Now().UnixNano())

	h.mu.Lock()
	if h.closed || len(h.sessions) >= h.cfg.MaxSessions {
		h.mu.Unlock()
		_ = conn.Close()
		return ErrHubClosed
	}
	h.sessions[s.id] = s
	h.mu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(handshake); err != nil {
		h.forget(s.id)
		_ = conn.Close()
		return err
	}
	s.log.Debug("session opened")
	go s.readLoop()
	return nil
}

// Tick runs liveness checks; called from the reactor loop.
func (h *Hub) Tick(now time.Time) {
	h.mu.Lock()
	live := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		live = append(live, s)
	}
	h.mu.Unlock()

	for _, s := range live {
		if sent := s.pingSent.Load(); sent != 0 {
			if now.Sub(time.Unix(0, sent)) > h.cfg.PongTimeout {
				s.closeWith(closeInternalError, "pong timeout")
			}
			continue
		}
		if now.Sub(time.Unix(0, s.lastSeen.Load())) >= h.cfg.PingInterval {
			s.ping(now)
		}
	}
}

// Shutdown closes every session with 1001 and refuses new adoptions.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	live := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		live = append(live, s)
	}
	h.mu.Unlock()

	for _, s := range live {
		s.closeWith(closeGoingAway, "server shutting down")
	}
}

func (h *Hub) forget(id string) {
	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()
}
