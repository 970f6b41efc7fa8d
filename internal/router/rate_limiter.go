package router

import (
	"hash/fnv"
	"sync"
	"time"
)

const rateLimiterShards = 32

// RateLimiter is a fixed-window limiter of limit accepted calls per window
// and identity. State is partitioned into shards so unrelated identities do
// not contend on one lock.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time
	shards [rateLimiterShards]limiterShard
}

type limiterShard struct {
	mu      sync.Mutex
	clients map[string]*ClientLimit
}

// ClientLimit tracks the current window of one identity.
type ClientLimit struct {
	messageCount int
	windowStart  time.Time
}

// NewRateLimiter creates a limiter allowing limit calls per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return newRateLimiterWithClock(limit, window, time.Now)
}

func newRateLimiterWithClock(limit int, window time.Duration, now func() time.Time) *RateLimiter {
	rl := &RateLimiter{limit: limit, window: window, now: now}
	for i := range rl.shards {
		rl.shards[i].clients = make(map[string]*ClientLimit)
	}
	return rl
}

func (rl *RateLimiter) shard(identity string) *limiterShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return &rl.shards[h.Sum32()%rateLimiterShards]
}

// Allow reports whether identity may send now and, if so, counts the call.
// It never blocks on anything but its shard lock.
func (rl *RateLimiter) Allow(identity string) bool {
	s := rl.shard(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := rl.now()

	limit, exists := s.clients[identity]
	if !exists {
		s.clients[identity] = &ClientLimit{messageCount: 1, windowStart: now}
		return true
	}

	if now.Sub(limit.windowStart) >= rl.window {
		limit.messageCount = 1
		limit.windowStart = now
		return true
	}

	if limit.messageCount >= rl.limit {
		return false
	}

	limit.messageCount++
	return true
}

// Cleanup drops identities whose window expired long ago and returns how
// many were removed. Call it periodically.
func (rl *RateLimiter) Cleanup() int {
	now := rl.now()
	removed := 0
	for i := range rl.shards {
		s := &rl.shards[i]
		s.mu.Lock()
		for identity, limit := range s.clients {
			if now.Sub(limit.windowStart) > 5*rl.window {
				delete(s.clients, identity)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Tracked returns the number of identities with live state.
func (rl *RateLimiter) Tracked() int {
	total := 0
	for i := range rl.shards {
		s := &rl.shards[i]
		s.mu.Lock()
		total += len(s.clients)
		s.mu.Unlock()
	}
	return total
}
