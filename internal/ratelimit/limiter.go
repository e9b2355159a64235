// ABOUTME: Per-user token-bucket rate limiting keyed by request kind
// ABOUTME: Wraps golang.org/x/time/rate and reports how long to wait on rejection

package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Request kinds limited by the gateway.
const (
	KindMessage = "message"
	KindTask    = "task"
	KindAuth    = "auth"
)

// Rule is the budget for one request kind.
type Rule struct {
	RequestsPerMinute int
	BurstSize         int
}

// Config maps request kinds to rules. Kinds without a rule are unlimited.
type Config struct {
	Rules map[string]Rule
	// IdleTTL drops buckets unused for this long during Prune.
	IdleTTL time.Duration
}

type bucket struct {
	lim      *rate.Limiter
	lastUsed time.Time
}

// Limiter tracks one bucket per (user, kind).
type Limiter struct {
	mu      sync.Mutex
	rules   map[string]Rule
	buckets map[string]*bucket
	idleTTL time.Duration
	now     func() time.Time
}

// NewLimiter creates a Limiter from cfg.
func NewLimiter(cfg Config) *Limiter {
	rules := make(map[string]Rule, len(cfg.Rules))
	for kind, r := range cfg.Rules {
		if r.RequestsPerMinute <= 0 {
			continue
		}
		if r.BurstSize <= 0 {
			r.BurstSize = r.RequestsPerMinute
		}
		rules[kind] = r
	}
	idle := cfg.IdleTTL
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &Limiter{
		rules:   rules,
		buckets: make(map[string]*bucket),
		idleTTL: idle,
		now:     time.Now,
	}
}

// Allow consumes one token for userID's kind bucket. When the bucket is
// empty it returns false and the time until the next token.
func (l *Limiter) Allow(userID, kind string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	rule, ok := l.rules[kind]
	if !ok {
		return true, 0
	}

	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	k := userID + "\x00" + kind
	b, ok := l.buckets[k]
	if !ok {
		perSecond := rate.Limit(float64(rule.RequestsPerMinute) / 60)
		b = &bucket{lim: rate.NewLimiter(perSecond, rule.BurstSize)}
		l.buckets[k] = b
	}
	b.lastUsed = now

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Minute
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Prune drops idle buckets and returns how many were removed.
func (l *Limiter) Prune() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, b := range l.buckets {
		if now.Sub(b.lastUsed) > l.idleTTL {
			delete(l.buckets, k)
			removed++
		}
	}
	return removed
}
