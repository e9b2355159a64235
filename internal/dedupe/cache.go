// ABOUTME: Time-window cache of client frame ids used to drop re-sent frames
// ABOUTME: Entries are scoped per user, expire after a TTL and are evicted oldest-first

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults used by the gateway frontend.
const (
	DefaultTTL     = 5 * time.Minute
	DefaultMaxSize = 10000
)

type entry struct {
	key    string
	seenAt time.Time
}

// Cache remembers (scope, frame id) pairs for a fixed window. Scopes keep
// one user's ids from colliding with another's.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List // *entry, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a cache with the given window and capacity and starts a
// background sweep that runs once per sweepEvery. A zero sweepEvery uses
// the TTL.
func New(ttl time.Duration, maxSize int, sweepEvery time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if sweepEvery <= 0 {
		sweepEvery = ttl
	}
	c := &Cache{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.sweepLoop(sweepEvery)
	return c
}

func key(scope, id string) string {
	return scope + "\x00" + id
}

// Duplicate records id under scope and reports whether it was already
// recorded inside the window. Empty ids are never duplicates.
func (c *Cache) Duplicate(scope, id string) bool {
	if id == "" {
		return false
	}
	k := key(scope, id)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.seen[k]; ok {
		e := el.Value.(*entry)
		if now.Sub(e.seenAt) < c.ttl {
			return true
		}
		e.seenAt = now
		c.order.MoveToBack(el)
		return false
	}

	for len(c.seen) >= c.maxSize {
		c.removeFront()
	}
	c.seen[k] = c.order.PushBack(&entry{key: k, seenAt: now})
	return false
}

// Forget releases id under scope so a later frame may reuse it. Used when
// a recorded frame was not processed.
func (c *Cache) Forget(scope, id string) {
	if id == "" {
		return
	}
	k := key(scope, id)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.seen[k]; ok {
		c.order.Remove(el)
		delete(c.seen, k)
	}
}

// Len returns the number of tracked ids, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) removeFront() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.seen, front.Value.(*entry).key)
}

// Sweep drops expired entries and returns how many were removed. Entries
// are refreshed by moving to the back, so the list stays ordered by seenAt.
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		if now.Sub(front.Value.(*entry).seenAt) < c.ttl {
			break
		}
		c.removeFront()
		removed++
	}
	return removed
}

func (c *Cache) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
