// ABOUTME: HTTP API for bot management and task listing
// ABOUTME: Every route requires a user credential and scopes results to the caller

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/tunnels2bots/internal/apierr"
	"github.com/2389/tunnels2bots/internal/auth"
	"github.com/2389/tunnels2bots/internal/bot"
	"github.com/2389/tunnels2bots/internal/protocol"
	"github.com/2389/tunnels2bots/internal/router"
	"github.com/2389/tunnels2bots/internal/store"
)

// maxBodyBytes bounds API request bodies.
const maxBodyBytes = 64 * 1024

// CreateBotRequest is the JSON body for POST /api/bots.
type CreateBotRequest struct {
	Name   string         `json:"name"`
	Type   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// UpdateConfigRequest is the JSON body for PUT /api/bots/{id}/config.
// A null value removes the key.
type UpdateConfigRequest struct {
	Config map[string]any `json:"config"`
}

// BotListResponse is the JSON response for GET /api/bots.
type BotListResponse struct {
	Bots []protocol.BotInfo `json:"bots"`
}

// TaskResponse is one task in API responses.
type TaskResponse struct {
	ID          string     `json:"id"`
	BotID       string     `json:"botId"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    string     `json:"priority"`
	Status      string     `json:"status"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// TaskListResponse is the JSON response for GET /api/tasks.
type TaskListResponse struct {
	Tasks []TaskResponse `json:"tasks"`
}

func (g *Gateway) registerAPIRoutes(mux *http.ServeMux) {
	authMiddleware := auth.HTTPAuthMiddleware(g.validator)
	mux.Handle("POST /api/bots", authMiddleware(http.HandlerFunc(g.handleCreateBot)))
	mux.Handle("GET /api/bots", authMiddleware(http.HandlerFunc(g.handleListBots)))
	mux.Handle("DELETE /api/bots/{id}", authMiddleware(http.HandlerFunc(g.handleDeleteBot)))
	mux.Handle("PUT /api/bots/{id}/config", authMiddleware(http.HandlerFunc(g.handleUpdateBotConfig)))
	mux.Handle("GET /api/tasks", authMiddleware(http.HandlerFunc(g.handleListTasks)))
}

// handleCreateBot registers a bot owned by the caller.
func (g *Gateway) handleCreateBot(w http.ResponseWriter, r *http.Request) {
	userID := auth.FromContext(r.Context()).UserID

	var req CreateBotRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	b, err := g.bots.Register(userID, req.Name, req.Type, req.Config)
	if errors.Is(err, bot.ErrInvalidBot) {
		g.sendJSONError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err != nil {
		g.logger.Error("failed to register bot", "user_id", userID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	g.pushBotList(userID)
	g.sendJSON(w, http.StatusCreated, router.BotInfo(b))
}

// handleListBots returns the caller's bots.
func (g *Gateway) handleListBots(w http.ResponseWriter, r *http.Request) {
	userID := auth.FromContext(r.Context()).UserID
	g.sendJSON(w, http.StatusOK, BotListResponse{Bots: g.router.BotsForUser(userID)})
}

// handleDeleteBot removes one of the caller's bots.
func (g *Gateway) handleDeleteBot(w http.ResponseWriter, r *http.Request) {
	userID := auth.FromContext(r.Context()).UserID
	if err := g.router.DeleteBot(userID, r.PathValue("id")); err != nil {
		g.sendAPIError(w, err)
		return
	}
	g.pushBotList(userID)
	w.WriteHeader(http.StatusNoContent)
}

// handleUpdateBotConfig merges configuration into one of the caller's bots.
func (g *Gateway) handleUpdateBotConfig(w http.ResponseWriter, r *http.Request) {
	userID := auth.FromContext(r.Context()).UserID
	botID := r.PathValue("id")
	if _, err := g.router.Authorize(userID, botID); err != nil {
		g.sendAPIError(w, err)
		return
	}

	var req UpdateConfigRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := g.bots.UpdateConfig(botID, req.Config); err != nil {
		// Deleted between the ownership check and the update.
		g.sendAPIError(w, apierr.Ownership())
		return
	}

	b, ok := g.bots.Get(botID)
	if !ok {
		g.sendAPIError(w, apierr.Ownership())
		return
	}
	g.sendJSON(w, http.StatusOK, router.BotInfo(b))
}

// handleListTasks returns the caller's tasks, newest first. Supports
// ?botId=, ?status= and ?limit=.
func (g *Gateway) handleListTasks(w http.ResponseWriter, r *http.Request) {
	userID := auth.FromContext(r.Context()).UserID
	q := r.URL.Query()

	filter := store.TaskFilter{
		BotID:  q.Get("botId"),
		Status: q.Get("status"),
	}
	if filter.BotID != "" {
		if _, err := g.router.Authorize(userID, filter.BotID); err != nil {
			g.sendAPIError(w, err)
			return
		}
	}
	if filter.Status != "" && !store.ValidTaskStatus(filter.Status) {
		g.sendJSONError(w, http.StatusBadRequest, "unknown status")
		return
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	tasks, err := g.tasks.ListTasksForUser(r.Context(), userID, filter)
	if err != nil {
		g.logger.Error("failed to list tasks", "user_id", userID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := TaskListResponse{Tasks: make([]TaskResponse, 0, len(tasks))}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, TaskResponse{
			ID:          t.ID,
			BotID:       t.BotID,
			Title:       t.Title,
			Description: t.Description,
			Priority:    t.Priority,
			Status:      t.Status,
			DueDate:     t.DueDate,
			CreatedAt:   t.CreatedAt,
			UpdatedAt:   t.UpdatedAt,
		})
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// pushBotList sends the user's current bot list to all their connections.
func (g *Gateway) pushBotList(userID string) {
	f := protocol.New(protocol.TypeStatus, protocol.StatusReply{
		UserID: userID,
		Bots:   g.router.BotsForUser(userID),
	})
	g.conns.PushToUser(userID, "", f)
}

// sendAPIError maps a classified error to an HTTP status.
func (g *Gateway) sendAPIError(w http.ResponseWriter, err error) {
	data := apierr.ToFrameData(err)
	switch {
	case errors.Is(err, apierr.ErrOwnership):
		g.sendJSONError(w, http.StatusForbidden, data.Message)
	case errors.Is(err, apierr.ErrProtocol):
		g.sendJSONError(w, http.StatusBadRequest, data.Message)
	default:
		g.logger.Error("API request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, data.Message)
	}
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
