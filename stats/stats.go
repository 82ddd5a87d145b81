// File: stats/stats.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Lock-free request counters with latency aggregates and per-second
// rates. Counters are relaxed atomics; snapshots across counters may be
// mildly inconsistent, which is acceptable for monitoring reads.

package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// Core holds the gateway-wide counters. The hot path (Record*) performs
// no allocation and takes no locks.
type Core struct {
	startedAt time.Time

	requestsTotal   atomic.Uint64
	requestsSuccess atomic.Uint64
	requestsError   atomic.Uint64
	bytesIn         atomic.Uint64
	bytesOut        atomic.Uint64

	activeConns   atomic.Int64
	activeWorkers atomic.Int64
	peakWorkers   atomic.Int64

	latencySumMicros atomic.Uint64
	latencyCount     atomic.Uint64
	latencyMinMicros atomic.Uint64
	latencyMaxMicros atomic.Uint64

	// Rate sampling state, updated at most once per second on read.
	rateMu        sync.Mutex
	lastSample    time.Time
	lastTotal     uint64
	lastBytesIn   uint64
	lastBytesOut  uint64
	requestRate   float64
	bytesInRate   float64
	bytesOutRate  float64
}

// NewCore returns a zeroed Core with the uptime clock started.
func NewCore() *Core {
	c := &Core{startedAt: time.Now()}
	c.latencyMinMicros.Store(^uint64(0))
	c.lastSample = c.startedAt
	return c
}

// RecordRequest accounts one finished request and its latency.
func (c *Core) RecordRequest(success bool, latency time.Duration) {
	c.requestsTotal.Add(1)
	if success {
		c.requestsSuccess.Add(1)
	} else {
		c.requestsError.Add(1)
	}
	micros := uint64(latency.Microseconds())
	c.latencySumMicros.Add(micros)
	c.latencyCount.Add(1)
	for {
		min := c.latencyMinMicros.Load()
		if micros >= min || c.latencyMinMicros.CompareAndSwap(min, micros) {
			break
		}
	}
	for {
		max := c.latencyMaxMicros.Load()
		if micros <= max || c.latencyMaxMicros.CompareAndSwap(max, micros) {
			break
		}
	}
}

// AddBytesIn accounts received payload bytes.
func (c *Core) AddBytesIn(n int) { c.bytesIn.Add(uint64(n)) }

// AddBytesOut accounts sent payload bytes.
func (c *Core) AddBytesOut(n int) { c.bytesOut.Add(uint64(n)) }

// ConnOpened and ConnClosed track the live connection gauge.
func (c *Core) ConnOpened() { c.activeConns.Add(1) }
func (c *Core) ConnClosed() { c.activeConns.Add(-1) }

// WorkerStarted tracks concurrent worker occupancy and its peak.
func (c *Core) WorkerStarted() {
	cur := c.activeWorkers.Add(1)
	for {
		peak := c.peakWorkers.Load()
		if cur <= peak || c.peakWorkers.CompareAndSwap(peak, cur) {
			return
		}
	}
}

// WorkerFinished releases one unit of worker occupancy.
func (c *Core) WorkerFinished() { c.activeWorkers.Add(-1) }

// Snapshot is a point-in-time view of all counters.
type Snapshot struct {
	UptimeSeconds    float64 `json:"uptime_seconds"`
	RequestsTotal    uint64  `json:"requests_total"`
	RequestsSuccess  uint64  `json:"requests_success"`
	RequestsError    uint64  `json:"requests_error"`
	BytesIn          uint64  `json:"bytes_in"`
	BytesOut         uint64  `json:"bytes_out"`
	ActiveConns      int64   `json:"active_connections"`
	ActiveWorkers    int64   `json:"active_workers"`
	PeakWorkers      int64   `json:"peak_workers"`
	LatencyAvgMicros uint64  `json:"latency_avg_us"`
	LatencyMinMicros uint64  `json:"latency_min_us"`
	LatencyMaxMicros uint64  `json:"latency_max_us"`
	RequestsPerSec   float64 `json:"requests_per_sec"`
	BytesInPerSec    float64 `json:"bytes_in_per_sec"`
	BytesOutPerSec   float64 `json:"bytes_out_per_sec"`
}

// Read returns the snapshot, recomputing rates if at least one second
// elapsed since the previous sample.
func (c *Core) Read() Snapshot {
	now := time.Now()
	total := c.requestsTotal.Load()
	bin := c.bytesIn.Load()
	bout := c.bytesOut.Load()

	c.rateMu.Lock()
	if elapsed := now.Sub(c.lastSample); elapsed >= time.Second {
		secs := elapsed.Seconds()
		c.requestRate = float64(total-c.lastTotal) / secs
		c.bytesInRate = float64(bin-c.lastBytesIn) / secs
		c.bytesOutRate = float64(bout-c.lastBytesOut) / secs
		c.lastSample = now
		c.lastTotal = total
		c.lastBytesIn = bin
		c.lastBytesOut = bout
	}
	reqRate, binRate, boutRate := c.requestRate, c.bytesInRate, c.bytesOutRate
	c.rateMu.Unlock()

	s := Snapshot{
		UptimeSeconds:   now.Sub(c.startedAt).Seconds(),
		RequestsTotal:   total,
		RequestsSuccess: c.requestsSuccess.Load(),
		RequestsError:   c.requestsError.Load(),
		BytesIn:         bin,
		BytesOut:        bout,
		ActiveConns:     c.activeConns.Load(),
		ActiveWorkers:   c.activeWorkers.Load(),
		PeakWorkers:     c.peakWorkers.Load(),
		RequestsPerSec:  reqRate,
		BytesInPerSec:   binRate,
		BytesOutPerSec:  boutRate,
	}
	if count := c.latencyCount.Load(); count > 0 {
		s.LatencyAvgMicros = c.latencySumMicros.Load() / count
		s.LatencyMinMicros = c.latencyMinMicros.Load()
		s.LatencyMaxMicros = c.latencyMaxMicros.Load()
	}
	return s
}
