// ABOUTME: Tests for the frame id dedupe cache
// ABOUTME: Validates the window, scoping, size-bound eviction, sweeping and concurrency

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCache(ttl time.Duration, size int) (*Cache, *clock) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	c := New(ttl, size, time.Hour)
	c.now = clk.now
	return c, clk
}

func TestCache_DuplicateWithinWindow(t *testing.T) {
	c, clk := newTestCache(5*time.Minute, 100)
	defer c.Close()

	assert.False(t, c.Duplicate("u1", "f1"))
	assert.True(t, c.Duplicate("u1", "f1"))

	clk.advance(4 * time.Minute)
	assert.True(t, c.Duplicate("u1", "f1"))

	clk.advance(5 * time.Minute)
	assert.False(t, c.Duplicate("u1", "f1"), "ids are accepted again after the window")
}

func TestCache_ScopesAreIndependent(t *testing.T) {
	c, _ := newTestCache(time.Minute, 100)
	defer c.Close()

	assert.False(t, c.Duplicate("u1", "f1"))
	assert.False(t, c.Duplicate("u2", "f1"))
	assert.True(t, c.Duplicate("u2", "f1"))
}

func TestCache_EmptyIDNeverDuplicate(t *testing.T) {
	c, _ := newTestCache(time.Minute, 100)
	defer c.Close()

	assert.False(t, c.Duplicate("u1", ""))
	assert.False(t, c.Duplicate("u1", ""))
	assert.Equal(t, 0, c.Len())
}

func TestCache_ForgetReleasesID(t *testing.T) {
	c, _ := newTestCache(time.Minute, 100)
	defer c.Close()

	assert.False(t, c.Duplicate("u1", "f1"))
	assert.False(t, c.Duplicate("u2", "f1"))

	c.Forget("u1", "f1")
	c.Forget("u1", "never-seen")
	c.Forget("u1", "")

	assert.Equal(t, 1, c.Len())
	assert.False(t, c.Duplicate("u1", "f1"), "forgotten ids are accepted again")
	assert.True(t, c.Duplicate("u2", "f1"), "other scopes keep their ids")
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c, clk := newTestCache(time.Hour, 3)
	defer c.Close()

	for i := 0; i < 3; i++ {
		c.Duplicate("u1", fmt.Sprintf("f%d", i))
		clk.advance(time.Second)
	}
	c.Duplicate("u1", "f3")

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Duplicate("u1", "f0"), "oldest entry was evicted")
	assert.True(t, c.Duplicate("u1", "f3"))
}

func TestCache_Sweep(t *testing.T) {
	c, clk := newTestCache(time.Minute, 100)
	defer c.Close()

	c.Duplicate("u1", "old")
	clk.advance(45 * time.Second)
	c.Duplicate("u1", "new")
	clk.advance(30 * time.Second)

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Duplicate("u1", "new"))
}

func TestCache_CloseIdempotent(t *testing.T) {
	c := New(time.Minute, 10, 0)
	c.Close()
	c.Close()
}

func TestCache_ConcurrentDuplicate(t *testing.T) {
	c := New(time.Minute, 1000, 0)
	defer c.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	fresh := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.Duplicate("u1", "same") {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, fresh, "exactly one sender wins")
}
