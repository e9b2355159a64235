// ABOUTME: Liveness probes, idle-connection timeouts and session expiry
// ABOUTME: Runs on tickers owned by Serve and closes stale connections with the timeout code

package gateway

import (
	"context"
	"time"

	"github.com/2389/tunnels2bots/internal/connection"
	"github.com/2389/tunnels2bots/internal/protocol"
)

// heartbeatLoop probes authenticated connections every heartbeat interval.
func (g *Gateway) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(g.config.Sessions.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			pinged, closed := g.heartbeat(now)
			if closed > 0 {
				g.logger.Info("closed idle connections", "closed", closed, "pinged", pinged)
			}
		}
	}
}

// heartbeat closes connections idle past the heartbeat timeout and pings
// the remaining authenticated ones.
func (g *Gateway) heartbeat(now time.Time) (pinged, closed int) {
	timeout := g.config.Sessions.HeartbeatTimeout
	g.conns.ForEach(func(c *connection.Connection) {
		switch c.State() {
		case connection.StateClosing, connection.StateClosed:
			return
		}
		if now.Sub(c.LastActivity()) > timeout {
			if c.Close(connection.CloseTimeout, "connection timed out") {
				closed++
			}
			return
		}
		if c.Authenticated() {
			g.send(c, protocol.New(protocol.TypePing, nil))
			pinged++
		}
	})
	return pinged, closed
}

// sweepLoop expires idle sessions and prunes rate-limit buckets.
func (g *Gateway) sweepLoop(ctx context.Context) {
	every := g.config.Sessions.Timeout / 4
	if every <= 0 || every > time.Minute {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweepSessions()
			g.limiter.Prune()
		}
	}
}

// sweepSessions removes sessions idle past the session timeout and closes
// their connections. It returns the number of sessions removed.
func (g *Gateway) sweepSessions() int {
	expired := g.sessions.SweepExpired(g.config.Sessions.Timeout)
	for _, e := range expired {
		for _, id := range e.ConnectionIDs {
			if c, ok := g.conns.Get(id); ok {
				c.Close(connection.CloseTimeout, "session expired")
			}
		}
		g.logger.Info("session expired", "session_id", e.SessionID, "user_id", e.UserID, "connections", len(e.ConnectionIDs))
	}
	return len(expired)
}
