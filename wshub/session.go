// File: wshub/session.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// One adopted WebSocket client. The session owns a reader goroutine;
// writes come from worker goroutines and the hub tick, serialized by
// the write mutex.

package wshub

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

// wsRequest is one client message. The id is kept raw and echoed back
// verbatim, so clients may correlate with numbers or strings.
type wsRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type wsResponse struct {
	ID      json.RawMessage `json:"id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// unknownID marks replies to messages whose envelope could not be
// parsed at all.
var unknownID = json.RawMessage("-1")

type session struct {
	id   string
	ip   string
	conn net.Conn
	hub  *Hub
	log  *zap.Logger

	wmu sync.Mutex

	lastSeen atomic.Int64 // unix nanos of last client frame
	pingSent atomic.Int64 // unix nanos of outstanding ping, 0 = none

	closeOnce sync.Once
	done      chan struct{}

	// fragmented message in progress
	fragOpcode byte
	fragBuf    []byte
	fragActive bool
}

// readLoop consumes frames until error or close. Runs as the session's
// only reader.
func (s *session) readLoop() {
	defer s.teardown()
	br := bufio.NewReaderSize(s.conn, 4<<10)
	for {
		f, err := readFrame(br)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.Is(err, errFrameTooLarge):
				s.closeWith(closeMessageTooBig, "frame too large")
			case errors.Is(err, errUnmaskedClient), errors.Is(err, errBadControl):
				s.closeWith(closeProtocolError, err.Error())
			default:
				s.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		s.lastSeen.Store(time.Now().UnixNano())
		if f.isControl() {
			if !s.handleControl(f) {
				return
			}
			continue
		}
		if !s.handleData(f) {
			return
		}
	}
}

// handleControl processes ping/pong/close. Returns false when the
// session must end.
func (s *session) handleControl(f *frame) bool {
	switch f.opcode {
	case opPing:
		s.write(encodeFrame(opPong, true, f.payload))
	case opPong:
		s.pingSent.Store(0)
	case opClose:
		s.write(encodeFrame(opClose, true, f.payload))
		return false
	}
	return true
}

// handleData assembles fragments and dispatches complete messages.
// Returns false when the session must end.
func (s *session) handleData(f *frame) bool {
	switch f.opcode {
	case opContinuation:
		if !s.fragActive {
			s.closeWith(closeProtocolError, "unexpected continuation")
			return false
		}
	case opText, opBinary:
		if s.fragActive {
			s.closeWith(closeProtocolError, "new message during fragmented message")
			return false
		}
		s.fragOpcode = f.opcode
	default:
		s.closeWith(closeProtocolError, "unknown opcode")
		return false
	}

	if len(s.fragBuf)+len(f.payload) > s.hub.cfg.MaxMessageSize {
		s.closeWith(closeMessageTooBig, "message too large")
		return false
	}
	s.fragBuf = append(s.fragBuf, f.payload...)
	s.fragActive = true
	if !f.fin {
		return true
	}

	msg := s.fragBuf
	s.fragBuf = nil
	s.fragActive = false
	s.dispatch(msg)
	return true
}

// dispatch parses the message envelope and fans the call into the
// worker pool. An unparseable envelope is answered with id -1.
func (s *session) dispatch(msg []byte) {
	var req wsRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		s.sendResponse(&wsResponse{ID: unknownID, Error: "invalid JSON message"})
		return
	}
	if len(req.ID) == 0 {
		req.ID = unknownID
	}
	if req.Method == "" {
		s.sendResponse(&wsResponse{ID: req.ID, Error: "missing method"})
		return
	}

	task := func() {
		start := time.Now()
		resp := &wsResponse{ID: req.ID}
		reply, err := s.hub.engine.Call(req.Method, req.Params, s.hub.cfg.CallTimeout)
		switch {
		case err != nil:
			resp.Error = err.Error()
		case !reply.Success:
			resp.Error = reply.Error
		default:
			resp.Success = true
			resp.Result = reply.Result
		}
		if s.hub.stats != nil {
			s.hub.stats.RecordRequest(resp.Success, time.Since(start))
		}
		s.sendResponse(resp)
	}
	if err := s.hub.pool.Submit(task); err != nil {
		task()
	}
}

func (s *session) sendResponse(resp *wsResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("response marshal failed", zap.Error(err))
		return
	}
	s.write(encodeFrame(opText, true, data))
}

// write pushes bytes with a deadline; errors tear the session down.
func (s *session) write(data []byte) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := s.conn.Write(data); err != nil {
		go s.teardown()
	}
}

// ping sends a liveness probe; the hub tick decides when.
func (s *session) ping(now time.Time) {
	s.pingSent.Store(now.UnixNano())
	s.write(encodeFrame(opPing, true, nil))
}

// closeWith sends a close frame and tears the session down.
func (s *session) closeWith(code int, reason string) {
	s.write(encodeFrame(opClose, true, closePayload(code, reason)))
	s.teardown()
}

func (s *session) teardown() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
		s.hub.forget(s.id)
		s.log.Debug("session closed")
	})
}
