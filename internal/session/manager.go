// ABOUTME: Session manager mapping each user to one logical multi-device session
// ABOUTME: Sessions reference connections by id only and vanish with their last connection

package session

import (
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is the "logged in as user X" unit spanning one or more connections.
type Session struct {
	ID             string
	UserID         string
	ConnectionIDs  []string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Expired describes a session removed by SweepExpired. The caller must
// close every listed connection.
type Expired struct {
	SessionID     string
	UserID        string
	ConnectionIDs []string
}

type record struct {
	id             string
	userID         string
	conns          map[string]struct{}
	createdAt      time.Time
	lastActivityAt time.Time
}

func (r *record) snapshot() Session {
	ids := slices.Sorted(maps.Keys(r.conns))
	return Session{
		ID:             r.id,
		UserID:         r.userID,
		ConnectionIDs:  ids,
		CreatedAt:      r.createdAt,
		LastActivityAt: r.lastActivityAt,
	}
}

// Manager owns Session records.
type Manager struct {
	mu     sync.RWMutex
	byUser map[string]*record
	byConn map[string]string // connection id -> user id
	now    func() time.Time
	logger *slog.Logger
}

// NewManager creates an empty Manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		byUser: make(map[string]*record),
		byConn: make(map[string]string),
		now:    time.Now,
		logger: logger,
	}
}

// Attach adds connectionID to userID's session, creating the session if
// none exists. Attaching the same connection twice is a no-op. A connection
// attached to a different user is moved.
func (m *Manager) Attach(connectionID, userID string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.byConn[connectionID]; ok && prev != userID {
		m.detachLocked(connectionID)
	}

	now := m.now()
	rec, ok := m.byUser[userID]
	if !ok {
		rec = &record{
			id:             uuid.New().String(),
			userID:         userID,
			conns:          make(map[string]struct{}),
			createdAt:      now,
			lastActivityAt: now,
		}
		m.byUser[userID] = rec
		m.logger.Info("session created", "session_id", rec.id, "user_id", userID)
	}
	rec.conns[connectionID] = struct{}{}
	rec.lastActivityAt = now
	m.byConn[connectionID] = userID

	return rec.snapshot()
}

// Detach removes connectionID from whichever session holds it. It returns
// the session as it stood after removal and whether the session was
// destroyed because it became empty.
func (m *Manager) Detach(connectionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detachLocked(connectionID)
}

func (m *Manager) detachLocked(connectionID string) (Session, bool) {
	userID, ok := m.byConn[connectionID]
	if !ok {
		return Session{}, false
	}
	delete(m.byConn, connectionID)

	rec, ok := m.byUser[userID]
	if !ok {
		return Session{}, false
	}
	delete(rec.conns, connectionID)
	if len(rec.conns) > 0 {
		return rec.snapshot(), false
	}

	delete(m.byUser, userID)
	m.logger.Info("session ended", "session_id", rec.id, "user_id", userID)
	return rec.snapshot(), true
}

// SessionFor returns userID's session.
func (m *Manager) SessionFor(userID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.byUser[userID]
	if !ok {
		return Session{}, false
	}
	return rec.snapshot(), true
}

// Touch records activity on userID's session.
func (m *Manager) Touch(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.byUser[userID]; ok {
		rec.lastActivityAt = m.now()
	}
}

// SweepExpired removes every session idle for longer than maxIdle and
// detaches all of its connections. len(result) is the number of sessions
// removed.
func (m *Manager) SweepExpired(maxIdle time.Duration) []Expired {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-maxIdle)
	var expired []Expired
	for userID, rec := range m.byUser {
		if !rec.lastActivityAt.Before(cutoff) {
			continue
		}
		ids := slices.Sorted(maps.Keys(rec.conns))
		for _, id := range ids {
			delete(m.byConn, id)
		}
		delete(m.byUser, userID)
		expired = append(expired, Expired{SessionID: rec.id, UserID: userID, ConnectionIDs: ids})
		m.logger.Info("session expired", "session_id", rec.id, "user_id", userID, "connections", len(ids))
	}
	return expired
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser)
}

// Snapshot returns copies of every session, for the admin view.
func (m *Manager) Snapshot() []Session {
	m.mu.RLock()
	out := make([]Session, 0, len(m.byUser))
	for _, rec := range m.byUser {
		out = append(out, rec.snapshot())
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Session) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}
