// ABOUTME: Tests for the per-user rate limiter
// ABOUTME: Covers burst exhaustion, retry hints, per-user isolation and pruning

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestLimiter(rules map[string]Rule) (*Limiter, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	l := NewLimiter(Config{Rules: rules, IdleTTL: time.Minute})
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiter_BurstThenReject(t *testing.T) {
	l, _ := newTestLimiter(map[string]Rule{KindMessage: {RequestsPerMinute: 60, BurstSize: 3}})

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow("u1", KindMessage)
		assert.True(t, ok, "request %d within burst", i)
	}

	ok, retry := l.Allow("u1", KindMessage)
	assert.False(t, ok)
	assert.InDelta(t, float64(time.Second), float64(retry), float64(10*time.Millisecond))
}

func TestLimiter_Refills(t *testing.T) {
	l, now := newTestLimiter(map[string]Rule{KindTask: {RequestsPerMinute: 60, BurstSize: 1}})

	ok, _ := l.Allow("u1", KindTask)
	assert.True(t, ok)
	ok, _ = l.Allow("u1", KindTask)
	assert.False(t, ok)

	*now = now.Add(time.Second)
	ok, _ = l.Allow("u1", KindTask)
	assert.True(t, ok)
}

func TestLimiter_UsersAreIsolated(t *testing.T) {
	l, _ := newTestLimiter(map[string]Rule{KindMessage: {RequestsPerMinute: 1, BurstSize: 1}})

	ok, _ := l.Allow("u1", KindMessage)
	assert.True(t, ok)
	ok, _ = l.Allow("u1", KindMessage)
	assert.False(t, ok)

	ok, _ = l.Allow("u2", KindMessage)
	assert.True(t, ok, "another user's budget is untouched")
}

func TestLimiter_UnlimitedKinds(t *testing.T) {
	l, _ := newTestLimiter(map[string]Rule{KindMessage: {RequestsPerMinute: 0}})

	for i := 0; i < 100; i++ {
		ok, _ := l.Allow("u1", KindMessage)
		assert.True(t, ok)
		ok, _ = l.Allow("u1", KindTask)
		assert.True(t, ok)
	}

	var nilLimiter *Limiter
	ok, _ := nilLimiter.Allow("u1", KindMessage)
	assert.True(t, ok)
}

func TestLimiter_Prune(t *testing.T) {
	l, now := newTestLimiter(map[string]Rule{KindMessage: {RequestsPerMinute: 10}})

	l.Allow("u1", KindMessage)
	l.Allow("u2", KindMessage)
	*now = now.Add(2 * time.Minute)
	l.Allow("u2", KindMessage)

	assert.Equal(t, 1, l.Prune())
}
