// ABOUTME: Registry of live connections indexed by id and by owning user
// ABOUTME: Fans pushes out to a user's connections and closes slow consumers

package connection

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/tunnels2bots/internal/protocol"
)

var (
	// ErrNotFound indicates the connection id is unknown.
	ErrNotFound = errors.New("connection not found")

	// ErrAlreadyAuthenticated is returned when authenticating twice.
	ErrAlreadyAuthenticated = errors.New("connection already authenticated")

	// ErrNotAuthenticated is returned for operations that need an owner.
	ErrNotAuthenticated = errors.New("connection not authenticated")
)

// Registry owns all Connection records.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	byUser map[string]map[string]*Connection
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[string]*Connection),
		byUser: make(map[string]map[string]*Connection),
		logger: logger,
	}
}

// Add registers a new connection.
func (r *Registry) Add(c *Connection) {
	r.mu.Lock()
	r.conns[c.ID] = c
	total := len(r.conns)
	r.mu.Unlock()

	r.logger.Debug("connection added", "connection_id", c.ID, "remote", c.RemoteAddr, "total", total)
}

// Get returns the connection with the given id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Remove drops the connection from the registry.
func (r *Registry) Remove(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	delete(r.conns, id)
	if userID := c.UserID(); userID != "" {
		if set := r.byUser[userID]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(r.byUser, userID)
			}
		}
	}
	return c, true
}

// Authenticate binds the connection to userID. The user is fixed for the
// connection's lifetime.
func (r *Registry) Authenticate(id, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return ErrNotFound
	}

	c.mu.Lock()
	switch c.state {
	case StateConnecting:
	case StateAuthenticated:
		c.mu.Unlock()
		return ErrAlreadyAuthenticated
	default:
		c.mu.Unlock()
		return ErrClosed
	}
	c.userID = userID
	c.state = StateAuthenticated
	c.mu.Unlock()

	set := r.byUser[userID]
	if set == nil {
		set = make(map[string]*Connection)
		r.byUser[userID] = set
	}
	set[id] = c
	return nil
}

// Subscribe adds botID to the connection's subscriptions. Ownership must
// already have been checked by the caller.
func (r *Registry) Subscribe(id, botID string) error {
	c, err := r.authenticated(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.subs[botID] = struct{}{}
	c.mu.Unlock()
	return nil
}

// Unsubscribe removes botID from the connection's subscriptions.
func (r *Registry) Unsubscribe(id, botID string) error {
	c, err := r.authenticated(id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.subs, botID)
	c.mu.Unlock()
	return nil
}

// UnsubscribeAll removes botID from every connection of userID, used when
// a bot is deleted.
func (r *Registry) UnsubscribeAll(userID, botID string) {
	for _, c := range r.ForUser(userID) {
		c.mu.Lock()
		delete(c.subs, botID)
		c.mu.Unlock()
	}
}

func (r *Registry) authenticated(id string) (*Connection, error) {
	c, ok := r.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	if !c.Authenticated() {
		return nil, ErrNotAuthenticated
	}
	return c, nil
}

// ForUser returns the authenticated connections of userID.
func (r *Registry) ForUser(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userID]
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// PushToUser delivers f to userID's connections subscribed to botID, or to
// all of the user's connections when none is subscribed. A connection whose
// queue is full is closed with the policy code. It returns the number of
// connections the frame was queued on.
func (r *Registry) PushToUser(userID, botID string, f *protocol.Frame) int {
	all := r.ForUser(userID)
	targets := make([]*Connection, 0, len(all))
	for _, c := range all {
		if c.IsSubscribed(botID) {
			targets = append(targets, c)
		}
	}
	if len(targets) == 0 {
		targets = all
	}

	delivered := 0
	for _, c := range targets {
		if err := r.Send(c, f); err == nil {
			delivered++
		}
	}
	return delivered
}

// Send queues f on c, closing c when its queue is full.
func (r *Registry) Send(c *Connection, f *protocol.Frame) error {
	err := c.Enqueue(f)
	if errors.Is(err, ErrQueueFull) {
		r.logger.Warn("closing slow connection",
			"connection_id", c.ID,
			"user_id", c.UserID(),
			"frame_type", f.Type,
		)
		c.Close(ClosePolicy, "backpressure")
	}
	if err != nil {
		return fmt.Errorf("send to %s: %w", c.ID, err)
	}
	return nil
}

// ForEach calls fn for every registered connection. fn runs without the
// registry lock held.
func (r *Registry) ForEach(fn func(*Connection)) {
	r.mu.RLock()
	all := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		all = append(all, c)
	}
	r.mu.RUnlock()

	for _, c := range all {
		fn(c)
	}
}

// Counts returns the total and authenticated connection counts.
func (r *Registry) Counts() (total, authenticated int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, set := range r.byUser {
		authenticated += len(set)
	}
	return len(r.conns), authenticated
}

// UserCount returns the number of users with at least one connection.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
