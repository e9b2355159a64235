// ABOUTME: A single client device connection with its state and outbound queue
// ABOUTME: Holds no transport; the frontend drains Outbound and honours Done

package connection

import (
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tunnels2bots/internal/protocol"
)

// State is a connection lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// WebSocket close codes used by the gateway.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	ClosePolicy    = 1008
	CloseTimeout   = 4008
)

// DefaultQueueSize bounds each connection's outbound queue.
const DefaultQueueSize = 64

var (
	// ErrQueueFull is returned when the outbound queue has no room.
	ErrQueueFull = errors.New("outbound queue full")

	// ErrClosed is returned when enqueueing on a closing connection.
	ErrClosed = errors.New("connection closed")
)

// Connection is one client device's link to the gateway.
type Connection struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	// AuthKey buckets authentication attempts for rate limiting.
	AuthKey string

	mu           sync.RWMutex
	userID       string
	state        State
	device       string
	subs         map[string]struct{}
	lastActivity time.Time
	closeCode    int
	closeReason  string

	out       chan *protocol.Frame
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Connection in the Connecting state. A queueSize of zero
// uses DefaultQueueSize.
func New(remoteAddr, device string, queueSize int) *Connection {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	now := time.Now()
	return &Connection{
		ID:           uuid.New().String(),
		RemoteAddr:   remoteAddr,
		ConnectedAt:  now,
		device:       device,
		subs:         make(map[string]struct{}),
		lastActivity: now,
		out:          make(chan *protocol.Frame, queueSize),
		done:         make(chan struct{}),
	}
}

// UserID returns the authenticated user, or "" before authentication.
func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Authenticated reports whether the connection has an owner.
func (c *Connection) Authenticated() bool {
	return c.State() == StateAuthenticated
}

// Device returns the device description.
func (c *Connection) Device() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.device
}

// SetDevice replaces the device description when d is non-empty.
func (c *Connection) SetDevice(d string) {
	if d == "" {
		return
	}
	c.mu.Lock()
	c.device = d
	c.mu.Unlock()
}

// Subscriptions returns the subscribed bot ids in sorted order.
func (c *Connection) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.subs))
}

// IsSubscribed reports whether the connection follows botID.
func (c *Connection) IsSubscribed(botID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subs[botID]
	return ok
}

// LastActivity returns the time of the last inbound frame.
func (c *Connection) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// Touch records inbound activity.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// Enqueue places f on the outbound queue without blocking.
func (c *Connection) Enqueue(f *protocol.Frame) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- f:
		return nil
	default:
		return ErrQueueFull
	}
}

// Outbound is drained by the connection's writer goroutine.
func (c *Connection) Outbound() <-chan *protocol.Frame {
	return c.out
}

// Done is closed once Close has been called.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Close moves the connection to Closing and records the close code for the
// writer. Only the first call has any effect; it reports whether this call
// initiated the close.
func (c *Connection) Close(code int, reason string) bool {
	first := false
	c.closeOnce.Do(func() {
		first = true
		c.mu.Lock()
		if c.state != StateClosed {
			c.state = StateClosing
		}
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.done)
	})
	return first
}

// CloseStatus returns the code and reason passed to Close.
func (c *Connection) CloseStatus() (int, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeCode, c.closeReason
}

// MarkClosed records that the transport is gone.
func (c *Connection) MarkClosed() {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
}

// Info returns the connection as seen by its owner.
func (c *Connection) Info() protocol.ConnectionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return protocol.ConnectionInfo{
		ID:             c.ID,
		Device:         c.device,
		Subscriptions:  slices.Sorted(maps.Keys(c.subs)),
		LastActivityAt: c.lastActivity.UnixMilli(),
	}
}
