// File: video/streamer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Detached MJPEG connections. The reactor hands over the raw socket;
// each stream runs on its own goroutine with blocking writes, polling
// the frame source at a bounded interval.

package video

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/momentics/hioload-gateway/reactor"
)

const (
	mjpegBoundary   = "mjpegframe"
	streamPrefix    = "/video/stream/"
	framePrefix     = "/video/frame/"
	frameWaitLimit  = 2 * time.Second
	streamWriteWait = 10 * time.Second
)

// Detach takes ownership of a socket the reactor stopped tracking.
// Implements the reactor's Detacher contract.
func (s *Streamer) Detach(fd int, req *reactor.Request) {
	f := os.NewFile(uintptr(fd), "videoconn")
	conn, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		s.log.Warn("detach failed", zap.Error(err))
		return
	}
	go s.serve(conn, req)
}

// serve routes one detached connection. Split from Detach so tests can
// drive it over a pipe.
func (s *Streamer) serve(conn net.Conn, req *reactor.Request) {
	defer conn.Close()
	switch {
	case strings.HasPrefix(req.Path, streamPrefix):
		ctx, ok := reactor.PathParam(req.Path, streamPrefix)
		if !ok {
			s.respondError(conn, 404, "unknown video path")
			return
		}
		s.serveStream(conn, ctx)
	case strings.HasPrefix(req.Path, framePrefix):
		ctx, ok := reactor.PathParam(req.Path, framePrefix)
		if !ok {
			s.respondError(conn, 404, "unknown video path")
			return
		}
		s.serveFrame(conn, ctx)
	default:
		s.respondError(conn, 404, "unknown video path")
	}
}

// open validates the context and opens its frame source.
func (s *Streamer) open(conn net.Conn, ctx string) (FrameSource, bool) {
	if !s.armed(ctx) {
		s.respondError(conn, 404, "live stream not started for context")
		return nil, false
	}
	if s.opener == nil {
		s.respondError(conn, 503, "video source unavailable")
		return nil, false
	}
	src, err := s.opener(ctx)
	if err != nil {
		s.log.Warn("frame source open failed", zap.String("context", ctx), zap.Error(err))
		s.respondError(conn, 503, "video source unavailable")
		return nil, false
	}
	return src, true
}

// serveStream emits multipart/x-mixed-replace parts until hangup,
// stop_live_stream, or source shutdown.
func (s *Streamer) serveStream(conn net.Conn, ctx string) {
	src, ok := s.open(conn, ctx)
	if !ok {
		return
	}
	defer src.Close()
	s.clientStarted(ctx)
	defer s.clientFinished(ctx)

	header := "HTTP/1.1 200 OK\r\n" +
		"Content-Type: multipart/x-mixed-replace; boundary=" + mjpegBoundary + "\r\n" +
		"Cache-Control: no-cache, no-store\r\n" +
		"Connection: close\r\n\r\n"
	if err := s.write(conn, []byte(header)); err != nil {
		return
	}
	s.log.Debug("stream started", zap.String("context", ctx))

	var lastSeq uint64
	for {
		if !s.armed(ctx) || !src.IsActive() {
			s.log.Debug("stream ended", zap.String("context", ctx))
			return
		}
		if !src.HasNew(lastSeq) {
			time.Sleep(framePollInterval)
			continue
		}
		seq, frame, err := src.Read()
		if err != nil {
			s.log.Debug("frame read failed", zap.String("context", ctx), zap.Error(err))
			return
		}
		lastSeq = seq
		part := fmt.Sprintf("--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n",
			mjpegBoundary, len(frame))
		if err := s.write(conn, []byte(part)); err != nil {
			return
		}
		if err := s.write(conn, frame); err != nil {
			return
		}
		if err := s.write(conn, []byte("\r\n")); err != nil {
			return
		}
		s.framesSent.Add(1)
		s.bytesSent.Add(uint64(len(frame)))
	}
}

// serveFrame waits briefly for one frame and returns it as a plain
// image/jpeg response.
func (s *Streamer) serveFrame(conn net.Conn, ctx string) {
	src, ok := s.open(conn, ctx)
	if !ok {
		return
	}
	defer src.Close()

	deadline := time.Now().Add(frameWaitLimit)
	for !src.HasNew(0) {
		if time.Now().After(deadline) || !src.IsActive() {
			s.respondError(conn, 404, "no frame available")
			return
		}
		time.Sleep(framePollInterval)
	}
	_, frame, err := src.Read()
	if err != nil {
		s.respondError(conn, 503, "frame read failed")
		return
	}
	resp := &reactor.Response{
		Status:      200,
		ContentType: "image/jpeg",
		Body:        frame,
		CloseAfter:  true,
	}
	if s.write(conn, resp.Serialize(reactor.CORSHeaders{})) == nil {
		s.framesSent.Add(1)
		s.bytesSent.Add(uint64(len(frame)))
	}
}

func (s *Streamer) respondError(conn net.Conn, status int, message string) {
	resp := &reactor.Response{
		Status:     status,
		Body:       []byte(fmt.Sprintf(`{"success":false,"error":"%s"}`, message)),
		CloseAfter: true,
	}
	_ = s.write(conn, resp.Serialize(reactor.CORSHeaders{}))
}

func (s *Streamer) write(conn net.Conn, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	_, err := conn.Write(data)
	return err
}
