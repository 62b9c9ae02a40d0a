// ABOUTME: Tests for the event ID window used by the ingester
// ABOUTME: Covers claims, expiry, eviction, forgetting and concurrent claims

package dedupe

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

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestWindow(t *testing.T, ttl time.Duration, size int) (*Window, *fakeClock) {
	t.Helper()
	w := New(ttl, size)
	t.Cleanup(w.Close)
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	w.mu.Lock()
	w.now = clock.Now
	w.mu.Unlock()
	return w, clock
}

func TestWindow_ClaimOnce(t *testing.T) {
	w, _ := newTestWindow(t, time.Minute, 10)

	assert.False(t, w.Seen("evt-1"))
	assert.True(t, w.Claim("evt-1"))
	assert.False(t, w.Claim("evt-1"), "second claim is a duplicate")
	assert.True(t, w.Seen("evt-1"))
	assert.True(t, w.Claim("evt-2"))
}

func TestWindow_ClaimExpires(t *testing.T) {
	w, clock := newTestWindow(t, time.Minute, 10)

	assert.True(t, w.Claim("evt-1"))
	clock.advance(59 * time.Second)
	assert.False(t, w.Claim("evt-1"))

	clock.advance(2 * time.Second)
	assert.False(t, w.Seen("evt-1"))
	assert.True(t, w.Claim("evt-1"), "expired claim can be taken again")
}

func TestWindow_EvictsOldest(t *testing.T) {
	w, clock := newTestWindow(t, time.Hour, 3)

	for i := range 3 {
		assert.True(t, w.Claim(fmt.Sprintf("evt-%d", i)))
		clock.advance(time.Second)
	}
	assert.True(t, w.Claim("evt-3"))

	assert.Equal(t, 3, w.Len())
	assert.False(t, w.Seen("evt-0"))
	assert.True(t, w.Seen("evt-1"))
	assert.True(t, w.Seen("evt-3"))
}

func TestWindow_Forget(t *testing.T) {
	w, _ := newTestWindow(t, time.Hour, 10)

	assert.True(t, w.Claim("evt-1"))
	w.Forget("evt-1")
	w.Forget("never-claimed")
	assert.Equal(t, 0, w.Len())
	assert.True(t, w.Claim("evt-1"))
}

func TestWindow_Sweep(t *testing.T) {
	w, clock := newTestWindow(t, time.Minute, 10)

	w.Claim("old-1")
	w.Claim("old-2")
	clock.advance(30 * time.Second)
	w.Claim("fresh")
	clock.advance(45 * time.Second)

	w.sweep()
	assert.Equal(t, 1, w.Len())
	assert.True(t, w.Seen("fresh"))
}

func TestWindow_BackgroundSweep(t *testing.T) {
	w := New(20*time.Millisecond, 10)
	defer w.Close()

	w.Claim("evt")
	assert.Eventually(t, func() bool { return w.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestWindow_ConcurrentClaims(t *testing.T) {
	w, _ := newTestWindow(t, time.Hour, 1000)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w.Claim("contended") {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners.Load())
}

func TestWindow_CloseTwice(t *testing.T) {
	w := New(time.Minute, 10)
	w.Close()
	assert.NotPanics(t, w.Close)
}
