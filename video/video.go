// File: video/video.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Live-stream registry and frame source contract. The engine publishes
// JPEG frames out-of-process; the gateway only consumes them through
// the FrameSource interface. Contexts are armed by the
// start_live_stream tool and disarmed by stop_live_stream.

package video

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// FrameSource supplies JPEG frames for one browser context. The
// backing implementation polls a shared-memory region written by the
// engine.
type FrameSource interface {
	// HasNew reports whether a frame newer than lastSeq is available.
	HasNew(lastSeq uint64) bool
	// Read returns the current frame and its sequence number.
	Read() (seq uint64, jpeg []byte, err error)
	// IsActive reports whether the engine is still publishing.
	IsActive() bool
	// Close releases the underlying region.
	Close() error
}

// SourceOpener opens the frame source for a context id.
type SourceOpener func(contextID string) (FrameSource, error)

// ErrNotArmed is returned for contexts without a live stream.
var ErrNotArmed = errors.New("video: live stream not started for context")

// framePollInterval is the bounded sleep between shared-memory polls.
const framePollInterval = 5 * time.Millisecond

type streamEntry struct {
	armed   bool
	clients int
	started time.Time
}

// StreamInfo is one row of the /video/list response.
type StreamInfo struct {
	ContextID string `json:"context_id"`
	Clients   int    `json:"clients"`
	UptimeSec int64  `json:"uptime_seconds"`
}

// AggregateStats is the /video/stats payload.
type AggregateStats struct {
	ActiveStreams int    `json:"active_streams"`
	TotalClients  int    `json:"total_clients"`
	FramesSent    uint64 `json:"frames_sent"`
	BytesSent     uint64 `json:"bytes_sent"`
}

// Streamer owns the per-context live-stream registry and the detached
// MJPEG connections. Implements the reactor's video detach hook.
type Streamer struct {
	log    *zap.Logger
	opener SourceOpener

	mu      sync.Mutex
	entries map[string]*streamEntry

	framesSent atomic.Uint64
	bytesSent  atomic.Uint64
}

// NewStreamer builds the registry. opener may be nil when the frame
// transport is unavailable; streaming requests then fail with 503.
func NewStreamer(log *zap.Logger, opener SourceOpener) *Streamer {
	return &Streamer{
		log:     log.Named("video"),
		opener:  opener,
		entries: make(map[string]*streamEntry),
	}
}

// Arm marks a context as live. Called when start_live_stream succeeds.
func (s *Streamer) Arm(contextID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[contextID]; ok {
		e.armed = true
		return
	}
	s.entries[contextID] = &streamEntry{armed: true, started: time.Now()}
}

// Disarm flips the active flag; running streams observe it and exit.
func (s *Streamer) Disarm(contextID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[contextID]; ok {
		e.armed = false
		if e.clients == 0 {
			delete(s.entries, contextID)
		}
	}
}

func (s *Streamer) armed(contextID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[contextID]
	return ok && e.armed
}

func (s *Streamer) clientStarted(contextID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[contextID]; ok {
		e.clients++
	}
}

func (s *Streamer) clientFinished(contextID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[contextID]; ok {
		e.clients--
		if e.clients <= 0 && !e.armed {
			delete(s.entries, contextID)
		}
	}
}

// List returns the live contexts sorted by id.
func (s *Streamer) List() []StreamInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StreamInfo, 0, len(s.entries))
	now := time.Now()
	for id, e := range s.entries {
		if !e.armed {
			continue
		}
		out = append(out, StreamInfo{
			ContextID: id,
			Clients:   e.clients,
			UptimeSec: int64(now.Sub(e.started).Seconds()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContextID < out[j].ContextID })
	return out
}

// Stats returns the aggregate streaming counters.
func (s *Streamer) Stats() AggregateStats {
	s.mu.Lock()
	active, clients := 0, 0
	for _, e := range s.entries {
		if e.armed {
			active++
		}
		clients += e.clients
	}
	s.mu.Unlock()
	return AggregateStats{
		ActiveStreams: active,
		TotalClients:  clients,
		FramesSent:    s.framesSent.Load(),
		BytesSent:     s.bytesSent.Load(),
	}
}
