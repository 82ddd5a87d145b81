// File: reactor/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-connection state shared between the reactor thread and at most
// one worker. The coarse state is an atomic; buffers and the staged
// request live under the connection mutex. Ownership rule: the reactor
// owns the socket except while the state is Dispatched, when exactly
// one worker owns it.

package reactor

import (
	"sync"
	"sync/atomic"
	"time"
)

// ConnState is the coarse connection FSM.
type ConnState int32

const (
	StateIdle ConnState = iota
	StateReading
	StateDispatched
	StateWriting
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReading:
		return "reading"
	case StateDispatched:
		return "dispatched"
	case StateWriting:
		return "writing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// recv buffer growth: geometric from 4 KiB up to the hard ceiling.
const (
	initialRecvBuf = 4 << 10
	// MaxRecvBuffer is the hard ceiling on a connection's receive
	// buffer: request line + headers + body.
	MaxRecvBuffer = 10<<20 + 64<<10
)

// Conn is one accepted socket.
type Conn struct {
	fd int
	ip string

	state        atomic.Int32
	lastActivity atomic.Int64 // unix nanos

	mu             sync.Mutex
	recv           []byte
	send           []byte
	sendOff        int
	closeAfterSend bool

	pending   *Request  // staged parsed request, only while Dispatched
	arrivedAt time.Time // request arrival, for latency accounting

	// polled tracks epoll registration; reactor thread only.
	polled bool
}

func newConn(fd int, ip string, now time.Time) *Conn {
	c := &Conn{fd: fd, ip: ip}
	c.lastActivity.Store(now.UnixNano())
	return c
}

// FD returns the socket descriptor.
func (c *Conn) FD() int { return c.fd }

// RemoteIP returns the client address without port.
func (c *Conn) RemoteIP() string { return c.ip }

// State reads the atomic FSM state.
func (c *Conn) State() ConnState { return ConnState(c.state.Load()) }

func (c *Conn) setState(s ConnState) { c.state.Store(int32(s)) }

// transition flips old→new atomically; false when another owner moved
// the state first.
func (c *Conn) transition(from, to ConnState) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

func (c *Conn) touch(now time.Time) { c.lastActivity.Store(now.UnixNano()) }

func (c *Conn) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastActivity.Load()))
}

// appendRecv grows the receive buffer geometrically under the ceiling.
// Returns false once the ceiling would be exceeded.
func (c *Conn) appendRecv(data []byte) bool {
	if len(c.recv)+len(data) > MaxRecvBuffer {
		return false
	}
	if cap(c.recv)-len(c.recv) < len(data) {
		newCap := cap(c.recv) * 2
		if newCap == 0 {
			newCap = initialRecvBuf
		}
		for newCap < len(c.recv)+len(data) {
			newCap *= 2
		}
		if newCap > MaxRecvBuffer {
			newCap = MaxRecvBuffer
		}
		grown := make([]byte, len(c.recv), newCap)
		copy(grown, c.recv)
		c.recv = grown
	}
	c.recv = append(c.recv, data...)
	return true
}

// consumeRecv drops n parsed bytes from the front of the buffer,
// keeping any pipelined remainder for the next keep-alive request.
func (c *Conn) consumeRecv(n int) {
	if n >= len(c.recv) {
		c.recv = c.recv[:0]
		return
	}
	c.recv = append(c.recv[:0], c.recv[n:]...)
}

// StageResponse queues serialized response bytes and flips the state to
// Writing. Called by the owning worker; the reactor drains on its next
// tick. When closeAfter is set the reactor closes the socket once the
// bytes are out.
func (c *Conn) StageResponse(data []byte, closeAfter bool) {
	c.mu.Lock()
	c.send = append(c.send, data...)
	c.pending = nil
	c.closeAfterSend = closeAfter
	c.mu.Unlock()
	c.setState(StateWriting)
}

// PendingRequest returns the staged request. Worker-side accessor.
func (c *Conn) PendingRequest() *Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// ArrivedAt returns the staged request's arrival timestamp.
func (c *Conn) ArrivedAt() time.Time { return c.arrivedAt }
