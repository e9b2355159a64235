// ABOUTME: Tests for the session manager
// ABOUTME: Covers multi-device attach, detach-on-last-connection and idle sweeping

package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager() (*Manager, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := NewManager(nil)
	m.now = clock.Now
	return m, clock
}

func TestManager_AttachSharesSessionAcrossDevices(t *testing.T) {
	m, _ := newTestManager()

	s1 := m.Attach("c1", "u1")
	s2 := m.Attach("c2", "u1")

	assert.Equal(t, s1.ID, s2.ID)
	assert.Equal(t, []string{"c1", "c2"}, s2.ConnectionIDs)
	assert.Equal(t, 1, m.Count())

	other := m.Attach("c3", "u2")
	assert.NotEqual(t, s1.ID, other.ID)
	assert.Equal(t, 2, m.Count())
}

func TestManager_AttachIdempotent(t *testing.T) {
	m, _ := newTestManager()

	first := m.Attach("c1", "u1")
	again := m.Attach("c1", "u1")

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, []string{"c1"}, again.ConnectionIDs)
}

func TestManager_AttachMovesConnectionBetweenUsers(t *testing.T) {
	m, _ := newTestManager()

	m.Attach("c1", "u1")
	m.Attach("c1", "u2")

	_, ok := m.SessionFor("u1")
	assert.False(t, ok, "u1 session should be gone with its only connection")

	s, ok := m.SessionFor("u2")
	require.True(t, ok)
	assert.Equal(t, []string{"c1"}, s.ConnectionIDs)
}

func TestManager_DetachDestroysOnLastConnection(t *testing.T) {
	m, _ := newTestManager()
	m.Attach("c1", "u1")
	m.Attach("c2", "u1")

	s, removed := m.Detach("c1")
	assert.False(t, removed)
	assert.Equal(t, []string{"c2"}, s.ConnectionIDs)

	s, removed = m.Detach("c2")
	assert.True(t, removed)
	assert.Empty(t, s.ConnectionIDs)
	assert.Equal(t, 0, m.Count())

	_, removed = m.Detach("c2")
	assert.False(t, removed, "detaching an unknown connection is a no-op")
}

func TestManager_TouchAndSweep(t *testing.T) {
	m, clock := newTestManager()
	m.Attach("c1", "u1")
	m.Attach("c2", "u1")
	m.Attach("c3", "u2")

	clock.Advance(20 * time.Minute)
	m.Touch("u2")
	clock.Advance(15 * time.Minute)

	expired := m.SweepExpired(30 * time.Minute)
	require.Len(t, expired, 1)
	assert.Equal(t, "u1", expired[0].UserID)
	assert.Equal(t, []string{"c1", "c2"}, expired[0].ConnectionIDs)

	_, ok := m.SessionFor("u1")
	assert.False(t, ok)
	_, ok = m.SessionFor("u2")
	assert.True(t, ok)

	_, removed := m.Detach("c1")
	assert.False(t, removed, "swept connections are no longer tracked")
}

func TestManager_SweepKeepsFreshSessions(t *testing.T) {
	m, clock := newTestManager()
	m.Attach("c1", "u1")

	clock.Advance(time.Minute)
	assert.Empty(t, m.SweepExpired(30*time.Minute))
	assert.Equal(t, 1, m.Count())
}

func TestManager_Snapshot(t *testing.T) {
	m, clock := newTestManager()
	m.Attach("c1", "u1")
	clock.Advance(time.Second)
	m.Attach("c2", "u2")

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "u1", snap[0].UserID)
	assert.Equal(t, "u2", snap[1].UserID)
}

func TestManager_ConcurrentAttachDetach(t *testing.T) {
	m := NewManager(nil)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			m.Attach(id, "u1")
			m.Touch("u1")
			m.Detach(id)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, m.Count())
}
