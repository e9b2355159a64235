// ABOUTME: Operator endpoints: aggregate status and tunnel control
// ABOUTME: Aggregates are open to loopback callers; per-user detail and tunnel control need the admin token

package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/2389/tunnels2bots/internal/auth"
	"github.com/2389/tunnels2bots/internal/bot"
	"github.com/2389/tunnels2bots/internal/tunnel"
)

// tunnelActionTimeout bounds a tunnel start or restart requested over HTTP.
const tunnelActionTimeout = 2 * time.Minute

// StatusResponse is the JSON response for GET /admin/status.
type StatusResponse struct {
	Uptime      string           `json:"uptime"`
	Connections ConnectionCounts `json:"connections"`
	Users       int              `json:"users"`
	Sessions    int              `json:"sessions"`
	Bots        BotCounts        `json:"bots"`
	Tasks       int              `json:"tasks"`
	BotLinks    BotLinkCounts    `json:"botLinks"`
	Tunnels     []tunnel.Status  `json:"tunnels"`
	PublicURL   string           `json:"publicUrl,omitempty"`
	Detail      *StatusDetail    `json:"detail,omitempty"`
}

// ConnectionCounts aggregates client connections.
type ConnectionCounts struct {
	Total         int `json:"total"`
	Authenticated int `json:"authenticated"`
}

// BotCounts aggregates registered bots.
type BotCounts struct {
	Total    int                `json:"total"`
	ByStatus map[bot.Status]int `json:"byStatus"`
}

// BotLinkCounts aggregates bot endpoint links.
type BotLinkCounts struct {
	Connected int `json:"connected"`
	Pending   int `json:"pendingFrames"`
}

// StatusDetail is the per-user view returned only to administrators.
type StatusDetail struct {
	Sessions []SessionDetail `json:"sessions"`
}

// SessionDetail describes one user session.
type SessionDetail struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Connections    int       `json:"connections"`
	Bots           int       `json:"bots"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

func (g *Gateway) registerAdminRoutes(mux *http.ServeMux) {
	mux.Handle("GET /admin/status", g.admin.OptionalAdmin(http.HandlerFunc(g.handleAdminStatus)))
	mux.Handle("POST /admin/tunnels/{provider}/{action}", g.admin.RequireAdmin(http.HandlerFunc(g.handleTunnelAction)))
}

// handleAdminStatus returns aggregate counts to loopback callers and adds
// per-user detail for administrators.
func (g *Gateway) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	isAdmin := auth.FromContext(r.Context()).IsAdmin()
	if !isAdmin && !auth.IsLoopback(r) {
		g.sendJSONError(w, http.StatusForbidden, "admin token required")
		return
	}
	g.sendJSON(w, http.StatusOK, g.Status(r.Context(), isAdmin))
}

// Status builds the operator status view. Per-user detail is included only
// when detail is true.
func (g *Gateway) Status(ctx context.Context, detail bool) StatusResponse {
	total, authed := g.conns.Counts()
	taskCount, err := g.tasks.CountTasks(ctx)
	if err != nil {
		g.logger.Warn("failed to count tasks", "error", err)
	}

	resp := StatusResponse{
		Uptime:      time.Since(g.startedAt).Round(time.Second).String(),
		Connections: ConnectionCounts{Total: total, Authenticated: authed},
		Users:       g.conns.UserCount(),
		Sessions:    g.sessions.Count(),
		Bots:        BotCounts{Total: g.bots.Count(), ByStatus: g.bots.CountByStatus()},
		Tasks:       taskCount,
		BotLinks:    BotLinkCounts{Connected: g.hub.Connected(), Pending: g.hub.Pending()},
		Tunnels:     g.tunnels.List(),
		PublicURL:   g.PublicURL(),
	}
	if !detail {
		return resp
	}

	sessions := g.sessions.Snapshot()
	resp.Detail = &StatusDetail{Sessions: make([]SessionDetail, 0, len(sessions))}
	for _, s := range sessions {
		resp.Detail.Sessions = append(resp.Detail.Sessions, SessionDetail{
			ID:             s.ID,
			UserID:         s.UserID,
			Connections:    len(s.ConnectionIDs),
			Bots:           len(g.bots.ListForUser(s.UserID)),
			CreatedAt:      s.CreatedAt,
			LastActivityAt: s.LastActivityAt,
		})
	}
	return resp
}

// handleTunnelAction starts, stops or restarts a tunnel provider.
func (g *Gateway) handleTunnelAction(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	action := r.PathValue("action")

	ctx, cancel := context.WithTimeout(r.Context(), tunnelActionTimeout)
	defer cancel()

	var (
		st  tunnel.Status
		err error
	)
	switch action {
	case "start":
		st, err = g.tunnels.Start(ctx, provider, g.LocalPort())
	case "restart":
		st, err = g.tunnels.Restart(ctx, provider, g.LocalPort())
	case "stop":
		g.tunnels.Stop(provider)
		st, _ = g.tunnels.Status(provider)
	default:
		g.sendJSONError(w, http.StatusNotFound, "unknown action")
		return
	}

	var perr *tunnel.ProcessError
	switch {
	case err == nil:
		g.logger.Info("tunnel action", "provider", provider, "action", action, "state", st.State)
		g.sendJSON(w, http.StatusOK, st)
	case errors.Is(err, tunnel.ErrUnknownProvider):
		g.sendJSONError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &perr):
		g.sendJSON(w, http.StatusBadGateway, map[string]any{"error": perr.Error(), "status": st})
	default:
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
	}
}
