// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The single-threaded readiness loop. One goroutine owns the listening
// socket and every connection that is not Dispatched. Workers never
// call back in here; the only shared surface is the Conn under its
// atomic state and mutex.

package reactor

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-gateway/gate"
	"github.com/momentics/hioload-gateway/internal/codec"
	"github.com/momentics/hioload-gateway/stats"
	"github.com/momentics/hioload-gateway/workers"
)

// Handler executes a staged request end-to-end on a worker and stages
// the response on the Conn.
type Handler interface {
	Serve(c *Conn)
}

// Hub adopts upgraded WebSocket sockets and runs its readiness pass on
// the reactor tick.
type Hub interface {
	CanAccept() bool
	Adopt(fd int, ip string, req *Request) error
	Tick(now time.Time)
}

// Detacher takes ownership of a socket for long-running MJPEG
// streaming.
type Detacher interface {
	Detach(fd int, req *Request)
}

// Authorizer validates the Authorization header for gated paths.
type Authorizer interface {
	Authorize(authorization string) error
}

// Config is the reactor's slice of the gateway configuration.
type Config struct {
	Host             string
	Port             int
	MaxConnections   int
	TickMs           int
	RequestTimeout   time.Duration
	KeepAliveTimeout time.Duration
	MaxBodySize      int
	CORS             CORSHeaders
}

// Deps wires the collaborators. Hub and Video may be nil when the
// corresponding feature is disabled.
type Deps struct {
	Log         *zap.Logger
	Pool        *workers.Pool
	Handler     Handler
	Hub         Hub
	Video       Detacher
	Stats       *stats.Core
	IPFilter    *gate.IPFilter
	RateLimiter *gate.RateLimiter
	Auth        Authorizer
	LogRequests bool
}

// Reactor is the event-loop front end.
type Reactor struct {
	cfg  Config
	deps Deps
	log  *zap.Logger

	listenFD int
	poller   *poller
	conns    map[int]*Conn

	readBuf []byte

	stopCh chan struct{}
	doneCh chan struct{}
}

// New binds the listening socket and prepares the loop. Listen errors
// at startup are fatal to the caller.
func New(cfg Config, deps Deps) (*Reactor, error) {
	if cfg.TickMs <= 0 {
		cfg.TickMs = 10
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 100
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 10 << 20
	}
	lfd, err := listenTCP(cfg.Host, cfg.Port, 128)
	if err != nil {
		return nil, err
	}
	p, err := newPoller()
	if err != nil {
		closeFD(lfd)
		return nil, err
	}
	if err := p.add(lfd, true, false); err != nil {
		p.close()
		closeFD(lfd)
		return nil, err
	}
	r := &Reactor{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Log.Named("reactor"),
		listenFD: lfd,
		poller:   p,
		conns:    make(map[int]*Conn),
		readBuf:  make([]byte, 64<<10),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	r.log.Info("listening", zap.String("addr", listenAddr(cfg.Host, r.Port())))
	return r, nil
}

// Port returns the bound port (useful with port 0 in tests).
func (r *Reactor) Port() int {
	if p := boundPort(r.listenFD); p != 0 {
		return p
	}
	return r.cfg.Port
}

// Stop signals the loop to shut down.
func (r *Reactor) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
}

// Done is closed when the loop has exited and all sockets are closed.
func (r *Reactor) Done() <-chan struct{} { return r.doneCh }

// Run executes the readiness loop until Stop. Single-threaded by
// contract.
func (r *Reactor) Run() {
	defer close(r.doneCh)
	for {
		select {
		case <-r.stopCh:
			r.shutdown()
			return
		default:
		}
		events, err := r.poller.wait(r.cfg.TickMs)
		if err != nil {
			r.log.Error("poll failed", zap.Error(err))
			continue
		}
		now := time.Now()
		for _, ev := range events {
			if ev.fd == r.listenFD {
				r.acceptPass(now)
				continue
			}
			c, ok := r.conns[ev.fd]
			if !ok {
				continue
			}
			if ev.hangup {
				r.closeConn(c)
				continue
			}
			if ev.readable {
				r.readPass(c, now)
			}
		}
		r.writePass(now)
		r.timeoutPass(now)
		r.housekeeping(now)
	}
}

// acceptPass drains the accept queue into free connection slots.
func (r *Reactor) acceptPass(now time.Time) {
	for {
		fd, ip, err := acceptConn(r.listenFD)
		if err != nil {
			r.log.Warn("accept failed", zap.Error(err))
			return
		}
		if fd < 0 {
			return
		}
		if len(r.conns) >= r.cfg.MaxConnections {
			closeFD(fd)
			continue
		}
		c := newConn(fd, ip, now)
		if err := r.poller.add(fd, true, false); err != nil {
			closeFD(fd)
			continue
		}
		c.polled = true
		r.conns[fd] = c
		if r.deps.Stats != nil {
			r.deps.Stats.ConnOpened()
		}
	}
}

// readPass consumes readable bytes and attempts a parse.
func (r *Reactor) readPass(c *Conn, now time.Time) {
	st := c.State()
	if st != StateIdle && st != StateReading {
		return
	}
	for {
		n, eof, err := readFD(c.fd, r.readBuf)
		if err != nil {
			r.closeConn(c)
			return
		}
		if eof {
			r.closeConn(c)
			return
		}
		if n == 0 {
			break
		}
		c.touch(now)
		if r.deps.Stats != nil {
			r.deps.Stats.AddBytesIn(n)
		}
		if !c.appendRecv(r.readBuf[:n]) {
			r.reject(c, 413, "request too large")
			return
		}
		if n < len(r.readBuf) {
			break
		}
	}
	c.setState(StateReading)
	r.tryParse(c, now)
}

// tryParse attempts to complete one request and route it.
func (r *Reactor) tryParse(c *Conn, now time.Time) {
	req, consumed, status := parseRequest(c.recv, r.cfg.MaxBodySize)
	switch status {
	case ParseNeedMore:
		return
	case ParseMalformed:
		r.reject(c, 400, "malformed request")
		return
	case ParseTooLarge:
		r.reject(c, 413, "request too large")
		return
	}
	c.consumeRecv(consumed)
	req.RemoteIP = c.ip
	req.Received = now

	if r.deps.LogRequests {
		r.log.Info("request", zap.String("method", req.Method),
			zap.String("path", req.Path), zap.String("ip", c.ip))
	}

	if resp := r.runGates(req); resp != nil {
		r.respond(c, resp)
		return
	}

	// WebSocket upgrade leaves the reactor entirely.
	if req.IsWebSocketUpgrade() {
		r.upgrade(c, req)
		return
	}

	// MJPEG paths detach to a dedicated streaming task.
	if r.deps.Video != nil && (hasPrefix(req.Path, "/video/stream/") || hasPrefix(req.Path, "/video/frame/")) {
		r.detach(c, req)
		return
	}

	r.dispatch(c, req, now)
}

// runGates applies IPFilter → RateLimiter → Authenticator. Exempt
// paths skip the pipeline; the CORS preflight is answered here.
func (r *Reactor) runGates(req *Request) *Response {
	if gateExempt(req) {
		if req.Method == "OPTIONS" {
			return &Response{Status: 204}
		}
		return nil
	}
	if r.deps.IPFilter != nil {
		switch r.deps.IPFilter.Check(req.RemoteIP) {
		case gate.IPDenied, gate.IPInvalid:
			return errorResponse(403, "IP address not allowed", nil)
		}
	}
	if r.deps.RateLimiter != nil {
		if d := r.deps.RateLimiter.Check(req.RemoteIP); !d.Allowed {
			return errorResponse(429, "rate limit exceeded", map[string]any{
				"retry_after": d.RetryAfterSeconds,
				"limit":       d.Limit,
				"remaining":   d.Remaining,
			})
		}
		r.deps.RateLimiter.Record(req.RemoteIP)
	}
	if r.deps.Auth != nil {
		if err := r.deps.Auth.Authorize(req.Header("authorization")); err != nil {
			return errorResponse(401, "Invalid or missing authorization token", nil)
		}
	}
	return nil
}

// dispatch stages the request and hands the connection to a worker.
// On a full queue the handler runs inline on the reactor thread, a
// documented degradation that keeps the request alive at the cost of
// blocking the loop for one request.
func (r *Reactor) dispatch(c *Conn, req *Request, now time.Time) {
	c.mu.Lock()
	c.pending = req
	c.arrivedAt = now
	c.mu.Unlock()
	c.setState(StateDispatched)
	r.poller.remove(c.fd)
	c.polled = false

	task := func() {
		if r.deps.Stats != nil {
			r.deps.Stats.WorkerStarted()
			defer r.deps.Stats.WorkerFinished()
		}
		r.serveGuarded(c)
	}
	if err := r.deps.Pool.Submit(task); err != nil {
		task()
		r.drain(c, time.Now())
	}
}

// serveGuarded runs the handler with a panic barrier. A panicking
// handler fails only its own request: the connection gets a 500 and
// returns to the write path instead of sitting in Dispatched outside
// the poll set forever. The barrier also shields the reactor loop on
// the inline queue-full fallback.
func (r *Reactor) serveGuarded(c *Conn) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("handler panicked", zap.Any("panic", rec), zap.String("ip", c.ip))
			resp := errorResponse(500, "internal server error", nil)
			resp.CloseAfter = true
			c.StageResponse(resp.Serialize(r.cfg.CORS), resp.CloseAfter)
		}
	}()
	r.deps.Handler.Serve(c)
}

// upgrade validates hub capacity and transfers the socket.
func (r *Reactor) upgrade(c *Conn, req *Request) {
	if r.deps.Hub == nil || !r.deps.Hub.CanAccept() {
		r.respond(c, errorResponse(503, "websocket unavailable", nil))
		return
	}
	fd := c.fd
	delete(r.conns, fd)
	r.poller.remove(fd)
	if r.deps.Stats != nil {
		r.deps.Stats.ConnClosed()
	}
	c.setState(StateClosed)
	// Ownership transfers unconditionally; the hub closes the
	// descriptor on its own failure paths.
	if err := r.deps.Hub.Adopt(fd, c.ip, req); err != nil {
		r.log.Warn("websocket adoption failed", zap.Error(err))
	}
}

// detach hands the socket to the video streamer.
func (r *Reactor) detach(c *Conn, req *Request) {
	fd := c.fd
	delete(r.conns, fd)
	r.poller.remove(fd)
	if r.deps.Stats != nil {
		r.deps.Stats.ConnClosed()
	}
	c.setState(StateClosed)
	// The streamer writes blocking; undo the accept-time non-blocking
	// mode before the handoff.
	if err := setBlocking(fd); err != nil {
		closeFD(fd)
		return
	}
	r.deps.Video.Detach(fd, req)
}

// writePass drains staged bytes for all Writing connections.
func (r *Reactor) writePass(now time.Time) {
	for _, c := range r.conns {
		if c.State() == StateWriting {
			r.drain(c, now)
		}
	}
}

// drain performs non-blocking writes until EAGAIN or empty.
func (r *Reactor) drain(c *Conn, now time.Time) {
	c.mu.Lock()
	for c.sendOff < len(c.send) {
		n, err := writeFD(c.fd, c.send[c.sendOff:])
		if err != nil {
			c.mu.Unlock()
			r.closeConn(c)
			return
		}
		if n == 0 {
			break
		}
		c.sendOff += n
		c.touch(now)
		if r.deps.Stats != nil {
			r.deps.Stats.AddBytesOut(n)
		}
	}
	drained := c.sendOff >= len(c.send)
	var closeAfter bool
	if drained {
		closeAfter = c.closeAfterSend
		c.send = nil
		c.sendOff = 0
	}
	c.mu.Unlock()

	if !drained {
		return
	}
	if closeAfter {
		r.closeConn(c)
		return
	}
	if c.transition(StateWriting, StateIdle) {
		// Back under reactor ownership after a dispatch: the fd left
		// the poll set and must rejoin it.
		if !c.polled {
			if r.poller.add(c.fd, true, false) != nil {
				r.closeConn(c)
				return
			}
			c.polled = true
		}
		// Bytes of the next keep-alive request may already be buffered.
		r.tryParse(c, now)
	}
}

// timeoutPass closes idle and stuck connections. Dispatched
// connections are worker-owned and never touched here.
func (r *Reactor) timeoutPass(now time.Time) {
	for _, c := range r.conns {
		switch c.State() {
		case StateDispatched:
			continue
		case StateReading, StateWriting:
			if c.idleSince(now) > r.cfg.RequestTimeout {
				r.closeConn(c)
			}
		case StateIdle:
			if c.idleSince(now) > r.cfg.KeepAliveTimeout {
				r.closeConn(c)
			}
		}
	}
}

// housekeeping runs the per-tick maintenance hooks.
func (r *Reactor) housekeeping(now time.Time) {
	if r.deps.RateLimiter != nil {
		r.deps.RateLimiter.GC()
	}
	if r.deps.Hub != nil {
		r.deps.Hub.Tick(now)
	}
}

// respond stages a reactor-synthesized response and starts draining.
func (r *Reactor) respond(c *Conn, resp *Response) {
	c.StageResponse(resp.Serialize(r.cfg.CORS), resp.CloseAfter)
	r.drain(c, time.Now())
}

// reject answers an error and closes the connection after the drain.
func (r *Reactor) reject(c *Conn, status int, message string) {
	resp := errorResponse(status, message, nil)
	resp.CloseAfter = true
	r.respond(c, resp)
}

func (r *Reactor) closeConn(c *Conn) {
	if c.State() == StateClosed {
		return
	}
	c.setState(StateClosed)
	if _, ok := r.conns[c.fd]; ok {
		delete(r.conns, c.fd)
		if r.deps.Stats != nil {
			r.deps.Stats.ConnClosed()
		}
	}
	r.poller.remove(c.fd)
	closeFD(c.fd)
}

// shutdown stops accepting, drains Dispatched/Writing connections up
// to the request timeout, then force-closes the rest.
func (r *Reactor) shutdown() {
	closeFD(r.listenFD)
	for _, c := range r.conns {
		if s := c.State(); s == StateDispatched || s == StateWriting {
			continue
		}
		r.closeConn(c)
	}
	deadline := time.Now().Add(r.cfg.RequestTimeout)
	for time.Now().Before(deadline) {
		busy := false
		now := time.Now()
		r.writePass(now)
		for _, c := range r.conns {
			if s := c.State(); s == StateDispatched || s == StateWriting {
				busy = true
			}
		}
		if !busy {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	for _, c := range r.conns {
		r.closeConn(c)
	}
	r.poller.close()
	r.log.Info("reactor stopped")
}

// errorResponse builds the uniform error envelope.
func errorResponse(status int, message string, meta map[string]any) *Response {
	body := fmt.Sprintf(`{"success":false,"error":"%s"`, codec.EscapeJSONString(message))
	for k, v := range meta {
		switch val := v.(type) {
		case string:
			body += fmt.Sprintf(`,"%s":"%s"`, k, codec.EscapeJSONString(val))
		default:
			body += fmt.Sprintf(`,"%s":%v`, k, val)
		}
	}
	body += "}"
	return &Response{Status: status, Body: []byte(body)}
}

// gateExempt lists the paths served without the gate pipeline.
func gateExempt(req *Request) bool {
	if req.Method == "OPTIONS" {
		return true
	}
	switch req.Path {
	case "/health", "/", "/logo.svg", "/api/schema", "/stats":
		return true
	case "/auth":
		return req.Method == "POST"
	}
	return false
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
