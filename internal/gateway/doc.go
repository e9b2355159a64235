// Package gateway orchestrates the t2b-gateway server components.
//
// # Overview
//
// The Gateway owns the bot and connection registries, the session manager,
// the message router, the bot link hub, the task store and the tunnel
// supervisor, and serves them over one HTTP listener:
//
//	GET    /ws                            client devices (WebSocket)
//	GET    /bot?botId=...                 bot endpoints (WebSocket)
//	GET    /health, /health/ready         liveness and readiness
//	POST   /api/bots                      register a bot
//	GET    /api/bots                      list the caller's bots
//	DELETE /api/bots/{id}                 delete a bot
//	PUT    /api/bots/{id}/config          merge bot configuration
//	GET    /api/tasks                     list the caller's tasks
//	GET    /admin/status                  aggregate counts (loopback or admin)
//	POST   /admin/tunnels/{provider}/{op} start, stop or restart a tunnel
//
// # Client Connections
//
// Each client socket gets one reader goroutine that decodes and dispatches
// frames in receipt order, and one writer goroutine that drains the
// connection's bounded outbound queue. Replies are queued before any push
// they trigger, so acks always precede the resulting traffic.
//
// A connection starts unauthenticated. The credential may be presented as
// an `auth` frame, a `?token=` query parameter or a bearer header on the
// upgrade request. Until then every other frame is answered with
// `auth_error` and the socket stays open.
//
// # Liveness
//
// Every heartbeat interval the gateway pings authenticated connections and
// closes any connection idle longer than the heartbeat timeout with close
// code 4008. Sessions idle past the session timeout are expired and their
// connections closed the same way. Shutdown closes every connection with
// 1001 before stopping tunnels.
package gateway
