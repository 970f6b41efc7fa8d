package router

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRateLimiter_ExactLimits(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	limiter := newRateLimiterWithClock(5, 10*time.Second, clock.Now)

	for i := 1; i <= 5; i++ {
		assert.True(t, limiter.Allow("alice"), "message %d should be allowed", i)
	}
	assert.False(t, limiter.Allow("alice"), "6th message should be denied")
	assert.False(t, limiter.Allow("alice"), "denials do not reset the window")

	// other identities are independent
	assert.True(t, limiter.Allow("bob"))
}

func TestRateLimiter_WindowReset(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	limiter := newRateLimiterWithClock(2, 10*time.Second, clock.Now)

	assert.True(t, limiter.Allow("alice"))
	assert.True(t, limiter.Allow("alice"))
	assert.False(t, limiter.Allow("alice"))

	clock.Advance(9 * time.Second)
	assert.False(t, limiter.Allow("alice"))

	clock.Advance(time.Second)
	assert.True(t, limiter.Allow("alice"))
	assert.True(t, limiter.Allow("alice"))
	assert.False(t, limiter.Allow("alice"))
}

func TestRateLimiter_Cleanup(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	limiter := newRateLimiterWithClock(5, 10*time.Second, clock.Now)

	limiter.Allow("stale")
	clock.Advance(45 * time.Second)
	limiter.Allow("fresh")
	clock.Advance(10 * time.Second)

	assert.Equal(t, 2, limiter.Tracked())
	assert.Equal(t, 1, limiter.Cleanup())
	assert.Equal(t, 1, limiter.Tracked())
}

func TestRateLimiter_ConcurrentIdentities(t *testing.T) {
	limiter := NewRateLimiter(10, time.Minute)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for u := 0; u < 50; u++ {
		identity := fmt.Sprintf("user-%d", u)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if limiter.Allow(identity) {
					allowed.Add(1)
				}
			}()
		}
	}
	wg.Wait()

	assert.Equal(t, int64(50*10), allowed.Load())
}
