// File: gate/ratelimit.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-client hybrid rate limiter: a sliding timestamp window bounds the
// sustained rate, an x/time/rate bucket bounds bursts. Denials consume
// no capacity; Record is called only after an allow decision.

package gate

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateDecision carries the limiter verdict and the 429 metadata.
type RateDecision struct {
	Allowed           bool
	RetryAfterSeconds int
	Limit             int
	Remaining         int
}

type rateEntry struct {
	window   []time.Time // arrival ring, oldest first
	bucket   *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies the window+burst policy per client IP.
type RateLimiter struct {
	enabled  bool
	perWin   int
	window   time.Duration
	burst    int
	mu       sync.Mutex
	clients  map[string]*rateEntry
	lastGC   time.Time
	now      func() time.Time // test clock
}

// NewRateLimiter builds a limiter from configured policy.
func NewRateLimiter(enabled bool, requestsPerWindow, windowSeconds, burstSize int) *RateLimiter {
	return &RateLimiter{
		enabled: enabled,
		perWin:  requestsPerWindow,
		window:  time.Duration(windowSeconds) * time.Second,
		burst:   burstSize,
		clients: make(map[string]*rateEntry),
		now:     time.Now,
	}
}

func (rl *RateLimiter) entry(ip string, now time.Time) *rateEntry {
	e, ok := rl.clients[ip]
	if !ok {
		e = &rateEntry{}
		if rl.burst > 0 {
			// Bucket refills at one burst per window.
			e.bucket = rate.NewLimiter(rate.Limit(float64(rl.burst)/rl.window.Seconds()), rl.burst)
		}
		rl.clients[ip] = e
	}
	e.lastSeen = now
	return e
}

// trim drops window entries older than the sliding window.
func (e *rateEntry) trim(cutoff time.Time) {
	i := 0
	for i < len(e.window) && !e.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		e.window = append(e.window[:0], e.window[i:]...)
	}
}

// Check evaluates the policy for ip without consuming capacity.
func (rl *RateLimiter) Check(ip string) RateDecision {
	if !rl.enabled {
		return RateDecision{Allowed: true}
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	e := rl.entry(ip, now)
	e.trim(now.Add(-rl.window))

	remaining := rl.perWin - len(e.window)
	if remaining <= 0 {
		retry := 1
		if len(e.window) > 0 {
			retry = int(e.window[0].Add(rl.window).Sub(now).Seconds()) + 1
		}
		return RateDecision{Allowed: false, RetryAfterSeconds: retry, Limit: rl.perWin, Remaining: 0}
	}
	if e.bucket != nil && e.bucket.TokensAt(now) < 1 {
		return RateDecision{
			Allowed:           false,
			RetryAfterSeconds: int(rl.window.Seconds()/float64(rl.burst)) + 1,
			Limit:             rl.perWin,
			Remaining:         remaining,
		}
	}
	return RateDecision{Allowed: true, Limit: rl.perWin, Remaining: remaining - 1}
}

// Record consumes capacity for an allowed request.
func (rl *RateLimiter) Record(ip string) {
	if !rl.enabled {
		return
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	e := rl.entry(ip, now)
	e.window = append(e.window, now)
	if e.bucket != nil {
		e.bucket.AllowN(now, 1)
	}
}

// GC evicts clients idle for more than twice the window. Called from
// the reactor housekeeping tick; rate-limited internally to once per
// window.
func (rl *RateLimiter) GC() int {
	if !rl.enabled {
		return 0
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if now.Sub(rl.lastGC) < rl.window {
		return 0
	}
	rl.lastGC = now
	evicted := 0
	cutoff := now.Add(-2 * rl.window)
	for ip, e := range rl.clients {
		if e.lastSeen.Before(cutoff) {
			delete(rl.clients, ip)
			evicted++
		}
	}
	return evicted
}

// SetClock replaces the time source for tests.
func (rl *RateLimiter) SetClock(now func() time.Time) { rl.now = now }
