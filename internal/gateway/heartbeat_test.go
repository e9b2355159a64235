// ABOUTME: Tests for heartbeat probes, idle timeouts and session expiry
// ABOUTME: Drives heartbeat and sweepSessions directly with synthetic clocks

package gateway

import (
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tunnels2bots/internal/config"
	"github.com/2389/tunnels2bots/internal/connection"
	"github.com/2389/tunnels2bots/internal/protocol"
)

func TestHeartbeat_PingsAuthenticated(t *testing.T) {
	tg := newTestGateway(t, nil)
	conn, _ := tg.login(t, "u1")
	tg.dial(t, "")

	require.Eventually(t, func() bool {
		total, _ := tg.gw.conns.Counts()
		return total == 2
	}, 5*time.Second, 10*time.Millisecond)

	pinged, closed := tg.gw.heartbeat(time.Now())
	assert.Equal(t, 1, pinged, "unauthenticated sockets are not probed")
	assert.Zero(t, closed)
	assert.Equal(t, protocol.TypePing, readFrame(t, conn).Type)
}

func TestHeartbeat_ClosesIdleConnections(t *testing.T) {
	tg := newTestGateway(t, nil)
	conn, _ := tg.login(t, "u1")

	later := time.Now().Add(2 * tg.gw.config.Sessions.HeartbeatTimeout)
	_, closed := tg.gw.heartbeat(later)
	assert.Equal(t, 1, closed)
	assert.Equal(t, websocket.StatusCode(connection.CloseTimeout), closeCode(t, conn))

	require.Eventually(t, func() bool {
		total, _ := tg.gw.conns.Counts()
		return total == 0 && tg.gw.sessions.Count() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSweepSessions_ExpiresIdleSessions(t *testing.T) {
	tg := newTestGateway(t, func(c *config.Config) {
		c.Sessions.Timeout = time.Millisecond
	})
	conn, _ := tg.login(t, "u1")

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, tg.gw.sweepSessions())
	assert.Equal(t, websocket.StatusCode(connection.CloseTimeout), closeCode(t, conn))
	assert.Zero(t, tg.gw.sweepSessions())
}

func TestSweepSessions_KeepsActiveSessions(t *testing.T) {
	tg := newTestGateway(t, nil)
	tg.login(t, "u1")

	assert.Zero(t, tg.gw.sweepSessions())
	assert.Equal(t, 1, tg.gw.sessions.Count())
}
