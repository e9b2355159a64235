// ABOUTME: Client WebSocket frontend: accept, authenticate and dispatch frames per connection
// ABOUTME: One reader goroutine dispatches in receipt order; one writer drains the outbound queue

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/tunnels2bots/internal/apierr"
	"github.com/2389/tunnels2bots/internal/auth"
	"github.com/2389/tunnels2bots/internal/connection"
	"github.com/2389/tunnels2bots/internal/protocol"
	"github.com/2389/tunnels2bots/internal/ratelimit"
	"github.com/2389/tunnels2bots/internal/router"
	"github.com/2389/tunnels2bots/internal/store"
)

const (
	// maxFrameBytes bounds a single inbound frame.
	maxFrameBytes = 64 * 1024
	writeTimeout  = 10 * time.Second
)

// upgradeCredential returns a credential presented during the upgrade
// request, either as a bearer header or a token query parameter.
func upgradeCredential(r *http.Request) string {
	if c := auth.BearerCredential(r); c != "" {
		return c
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// remoteHost strips the port from a remote address.
func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// authLimitKey picks the rate limit bucket for authentication attempts.
// Tunnel traffic arrives from loopback, so it is keyed by the forwarded
// client address when the proxy records one and by connection otherwise.
func authLimitKey(r *http.Request, connID string) string {
	if fwd := auth.ForwardedFor(r); fwd != "" {
		return "fwd:" + fwd
	}
	host := remoteHost(r.RemoteAddr)
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return "conn:" + connID
	}
	return "addr:" + host
}

// handleWebSocket upgrades a client device connection and serves it until
// either side closes.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if g.shuttingDown.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.config.Server.AllowedOrigins,
	})
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	c := connection.New(r.RemoteAddr, r.UserAgent(), g.config.Limits.QueueSize)
	c.AuthKey = authLimitKey(r, c.ID)
	g.conns.Add(c)
	g.connWG.Add(1)
	defer g.connWG.Done()

	// Shutdown may have started between the check above and Add.
	if g.shuttingDown.Load() {
		c.Close(connection.CloseGoingAway, "server shutting down")
	}

	g.serveConnection(r.Context(), ws, c, upgradeCredential(r))
}

func (g *Gateway) serveConnection(ctx context.Context, ws *websocket.Conn, c *connection.Connection, credential string) {
	logger := g.logger.With("connection_id", c.ID, "remote_addr", c.RemoteAddr)
	logger.Debug("client connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		g.writeLoop(ctx, ws, c, logger)
	}()

	defer func() {
		c.Close(connection.CloseNormal, "")
		<-writerDone
		g.teardown(c, logger)
	}()

	if credential != "" {
		g.authenticate(c, nil, credential, "", logger)
	}

	for {
		_, raw, err := ws.Read(ctx)
		if err != nil {
			logger.Debug("client read ended", "status", websocket.CloseStatus(err), "error", err)
			return
		}
		g.dispatchSafely(ctx, c, raw, logger)
	}
}

// writeLoop sends queued frames in order and performs the close handshake
// with the code recorded on the connection.
func (g *Gateway) writeLoop(ctx context.Context, ws *websocket.Conn, c *connection.Connection, logger *slog.Logger) {
	for {
		select {
		case f := <-c.Outbound():
			if err := writeWS(ctx, ws, f); err != nil {
				logger.Debug("client write failed", "frame_type", f.Type, "error", err)
				c.Close(int(websocket.StatusInternalError), "write failed")
			}
		case <-c.Done():
			flushQueued(ctx, ws, c.Outbound(), logger)
			code, reason := c.CloseStatus()
			_ = ws.Close(websocket.StatusCode(code), reason)
			return
		}
	}
}

// flushQueued writes frames still queued when the connection closed, such
// as the error explaining the close. The whole flush shares one write
// timeout and stops at the first failure.
func flushQueued(ctx context.Context, ws *websocket.Conn, out <-chan *protocol.Frame, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	for {
		select {
		case f := <-out:
			if err := wsjson.Write(ctx, ws, f); err != nil {
				logger.Debug("dropping queued frames on close", "frame_type", f.Type, "error", err)
				return
			}
		default:
			return
		}
	}
}

func writeWS(ctx context.Context, ws *websocket.Conn, f *protocol.Frame) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, f)
}

// teardown removes a closed connection from every registry.
func (g *Gateway) teardown(c *connection.Connection, logger *slog.Logger) {
	c.MarkClosed()
	g.conns.Remove(c.ID)
	if s, removed := g.sessions.Detach(c.ID); removed {
		logger.Info("session ended", "session_id", s.ID, "user_id", s.UserID)
	}
	code, reason := c.CloseStatus()
	logger.Debug("client disconnected", "user_id", c.UserID(), "code", code, "reason", reason)
}

// dispatchSafely isolates a panic in one frame's handling to that frame.
func (g *Gateway) dispatchSafely(ctx context.Context, c *connection.Connection, raw []byte, logger *slog.Logger) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("panic in frame dispatch", "panic", rec, "stack", string(debug.Stack()))
			g.send(c, protocol.New(protocol.TypeError, protocol.ErrorData{
				Code:    protocol.CodeInternal,
				Message: "internal error",
			}))
		}
	}()
	g.dispatch(ctx, c, raw, logger)
}

func (g *Gateway) dispatch(ctx context.Context, c *connection.Connection, raw []byte, logger *slog.Logger) {
	c.Touch()

	f, err := protocol.Decode(raw)
	if err != nil {
		g.sendError(c, nil, apierr.Protocol("malformed frame", err), logger)
		return
	}

	if f.Type == protocol.TypeAuth {
		g.handleAuth(c, f, logger)
		return
	}
	if !c.Authenticated() {
		g.send(c, protocol.Reply(f, protocol.TypeAuthError, protocol.AuthError{Message: "authentication required"}))
		return
	}

	userID := c.UserID()
	g.sessions.Touch(userID)

	switch f.Type {
	case protocol.TypeMessage:
		g.handleChat(ctx, c, f, logger)
	case protocol.TypeTask:
		g.handleTask(ctx, c, f, logger)
	case protocol.TypeSubscribe, protocol.TypeUnsubscribe:
		g.handleSubscription(c, f, logger)
	case protocol.TypeStatus:
		g.handleStatus(c, f, logger)
	case protocol.TypePing:
		g.send(c, protocol.Reply(f, protocol.TypePong, nil))
	case protocol.TypePong:
		// Activity already recorded.
	default:
		g.sendError(c, f, apierr.Protocol("unsupported frame type "+string(f.Type), nil), logger)
	}
}

func (g *Gateway) handleAuth(c *connection.Connection, f *protocol.Frame, logger *slog.Logger) {
	var req protocol.AuthRequest
	if err := f.DecodeData(&req); err != nil {
		g.send(c, protocol.Reply(f, protocol.TypeAuthError, protocol.AuthError{Message: "credential required"}))
		return
	}
	g.authenticate(c, f, req.Credential(), req.Device, logger)
}

// authenticate validates credential and binds the connection to its user.
// req is nil for credentials presented during the upgrade.
func (g *Gateway) authenticate(c *connection.Connection, req *protocol.Frame, credential, device string, logger *slog.Logger) {
	if ok, wait := g.limiter.Allow(c.AuthKey, ratelimit.KindAuth); !ok {
		g.sendError(c, req, apierr.RateLimited(ratelimit.KindAuth, wait), logger)
		return
	}
	if c.Authenticated() {
		g.sendError(c, req, apierr.Protocol("already authenticated", nil), logger)
		return
	}

	id, err := g.validator.Validate(credential)
	if err != nil {
		logger.Info("authentication failed")
		g.send(c, protocol.Reply(req, protocol.TypeAuthError, protocol.AuthError{Message: "invalid credential"}))
		return
	}

	if device != "" {
		c.SetDevice(device)
	}
	if err := g.conns.Authenticate(c.ID, id.UserID); err != nil {
		if errors.Is(err, connection.ErrAlreadyAuthenticated) {
			g.sendError(c, req, apierr.Protocol("already authenticated", err), logger)
		}
		return
	}
	s := g.sessions.Attach(c.ID, id.UserID)

	logger.Info("client authenticated", "user_id", id.UserID, "method", id.Method, "session_id", s.ID, "device", c.Device())
	g.send(c, protocol.Reply(req, protocol.TypeAuthOK, protocol.AuthOK{
		UserID:       id.UserID,
		SessionID:    s.ID,
		ConnectionID: c.ID,
	}))
	g.send(c, protocol.New(protocol.TypeStatus, protocol.StatusReply{
		UserID:  id.UserID,
		Bots:    g.router.BotsForUser(id.UserID),
		Gateway: &protocol.GatewayInfo{PublicURL: g.PublicURL()},
	}))
}

// admit applies rate limiting and then duplicate suppression to a request
// frame. An admitted frame id stays claimed only if the caller processes
// it; otherwise the caller releases it with reject.
func (g *Gateway) admit(c *connection.Connection, f *protocol.Frame, kind string, logger *slog.Logger) bool {
	userID := c.UserID()
	if ok, wait := g.limiter.Allow(userID, kind); !ok {
		g.sendError(c, f, apierr.RateLimited(kind, wait), logger)
		return false
	}
	if g.dedupe.Duplicate(userID, f.ID) {
		g.sendError(c, f, apierr.Protocol("duplicate frame", nil), logger)
		return false
	}
	return true
}

// reject answers an admitted frame with err and releases its id so the
// client may retry it.
func (g *Gateway) reject(c *connection.Connection, f *protocol.Frame, err error, logger *slog.Logger) {
	g.dedupe.Forget(c.UserID(), f.ID)
	g.sendError(c, f, err, logger)
}

func (g *Gateway) handleChat(ctx context.Context, c *connection.Connection, f *protocol.Frame, logger *slog.Logger) {
	var req protocol.ChatRequest
	if err := f.DecodeData(&req); err != nil {
		g.sendError(c, f, apierr.Protocol("invalid message", err), logger)
		return
	}
	if !g.admit(c, f, ratelimit.KindMessage, logger) {
		return
	}

	// The ack is queued before the bot sees the message so it always
	// precedes any reply the bot pushes back.
	_, err := g.router.RouteChat(ctx, router.ChatInput{
		FromUserID: c.UserID(),
		ToBotID:    req.To,
		Text:       req.Text,
		ReplyTo:    req.ReplyTo,
		Accepted: func(msgID string) {
			g.send(c, protocol.Reply(f, protocol.TypeMessageAck, protocol.MessageAck{
				MessageID: msgID,
				Status:    "delivered",
			}))
		},
	})
	if err != nil {
		g.reject(c, f, err, logger)
	}
}

func (g *Gateway) handleTask(ctx context.Context, c *connection.Connection, f *protocol.Frame, logger *slog.Logger) {
	var req protocol.TaskRequest
	if err := f.DecodeData(&req); err != nil {
		g.sendError(c, f, apierr.Protocol("invalid task", err), logger)
		return
	}
	if !g.admit(c, f, ratelimit.KindTask, logger) {
		return
	}

	_, err := g.router.RouteTask(ctx, router.TaskInput{
		FromUserID:  c.UserID(),
		BotID:       req.BotID,
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		DueDate:     req.DueDate,
		Accepted: func(task *store.Task) {
			g.send(c, protocol.Reply(f, protocol.TypeTaskStatus, protocol.TaskStatus{
				TaskID: task.ID,
				BotID:  task.BotID,
				Status: task.Status,
			}))
		},
	})
	if err != nil {
		g.reject(c, f, err, logger)
	}
}

func (g *Gateway) handleSubscription(c *connection.Connection, f *protocol.Frame, logger *slog.Logger) {
	var req protocol.SubscribeRequest
	if err := f.DecodeData(&req); err != nil {
		g.sendError(c, f, apierr.Protocol("invalid subscription", err), logger)
		return
	}

	var err error
	if f.Type == protocol.TypeSubscribe {
		err = g.router.Subscribe(c.UserID(), c.ID, req.BotID)
	} else {
		err = g.router.Unsubscribe(c.UserID(), c.ID, req.BotID)
	}
	if err != nil {
		g.sendError(c, f, err, logger)
		return
	}
	g.send(c, protocol.Reply(f, protocol.TypeStatus, protocol.StatusReply{
		Subscriptions: c.Subscriptions(),
	}))
}

// handleStatus answers with the caller's own session, connections and bots.
func (g *Gateway) handleStatus(c *connection.Connection, f *protocol.Frame, logger *slog.Logger) {
	var req protocol.StatusRequest
	if len(f.Data) > 0 {
		if err := f.DecodeData(&req); err != nil {
			g.sendError(c, f, apierr.Protocol("invalid status request", err), logger)
			return
		}
	}
	scope := req.Request
	if scope == "" {
		scope = protocol.StatusFull
	}

	userID := c.UserID()
	reply := protocol.StatusReply{UserID: userID}
	switch scope {
	case protocol.StatusFull:
		reply.Session = g.sessionInfo(userID)
		reply.Connections = g.connectionInfos(c)
		reply.Bots = g.router.BotsForUser(userID)
		reply.Subscriptions = c.Subscriptions()
		reply.Gateway = &protocol.GatewayInfo{PublicURL: g.PublicURL()}
	case protocol.StatusConnections:
		reply.Session = g.sessionInfo(userID)
		reply.Connections = g.connectionInfos(c)
	case protocol.StatusBots:
		reply.Bots = g.router.BotsForUser(userID)
	default:
		g.sendError(c, f, apierr.Protocol("unknown status request "+scope, nil), logger)
		return
	}
	g.send(c, protocol.Reply(f, protocol.TypeStatus, reply))
}

func (g *Gateway) sessionInfo(userID string) *protocol.SessionInfo {
	s, ok := g.sessions.SessionFor(userID)
	if !ok {
		return nil
	}
	return &protocol.SessionInfo{
		ID:             s.ID,
		CreatedAt:      s.CreatedAt.UnixMilli(),
		LastActivityAt: s.LastActivityAt.UnixMilli(),
		Connections:    len(s.ConnectionIDs),
	}
}

// connectionInfos lists the caller's connections, marking the current one.
func (g *Gateway) connectionInfos(current *connection.Connection) []protocol.ConnectionInfo {
	conns := g.conns.ForUser(current.UserID())
	out := make([]protocol.ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		info := c.Info()
		info.Current = c.ID == current.ID
		out = append(out, info)
	}
	return out
}

// sendError converts err into an error frame answering req.
func (g *Gateway) sendError(c *connection.Connection, req *protocol.Frame, err error, logger *slog.Logger) {
	data := apierr.ToFrameData(err)
	if data.Code == protocol.CodeInternal {
		logger.Error("request failed", "user_id", c.UserID(), "error", err)
	} else {
		logger.Debug("request rejected", "user_id", c.UserID(), "code", data.Code, "error", err)
	}
	g.send(c, protocol.Reply(req, protocol.TypeError, data))
}

// send queues f for c. A full queue closes the connection.
func (g *Gateway) send(c *connection.Connection, f *protocol.Frame) {
	if err := g.conns.Send(c, f); err != nil {
		g.logger.Debug("frame not queued", "connection_id", c.ID, "frame_type", f.Type, "error", err)
	}
}
