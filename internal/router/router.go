// ABOUTME: Routes chat, task and subscription requests between users and their bots
// ABOUTME: Every bot-referencing operation passes the single ownership check in authorize

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tunnels2bots/internal/apierr"
	"github.com/2389/tunnels2bots/internal/bot"
	"github.com/2389/tunnels2bots/internal/connection"
	"github.com/2389/tunnels2bots/internal/protocol"
	"github.com/2389/tunnels2bots/internal/store"
)

// MaxTextLength bounds chat message text.
const MaxTextLength = 32 * 1024

// BotTransport carries frames to bot endpoints.
type BotTransport interface {
	// Deliver queues f for botID. A nil error means the gateway accepted
	// the frame; the bot may receive it later.
	Deliver(botID string, f *protocol.Frame) error
	// Forget drops any link and pending frames for a deleted bot.
	Forget(botID string)
}

// ChatInput is a client chat request after authentication.
type ChatInput struct {
	FromUserID string
	ToBotID    string
	Text       string
	ReplyTo    string

	// Accepted, when set, receives the message id after validation and
	// before the message is handed to the bot transport.
	Accepted func(messageID string)
}

// TaskInput is a client task request after authentication.
type TaskInput struct {
	FromUserID  string
	BotID       string
	Title       string
	Description string
	Priority    string
	DueDate     *time.Time

	// Accepted, when set, receives the stored task before it is handed to
	// the bot transport.
	Accepted func(task *store.Task)
}

// Router dispatches requests after confirming the caller owns the bot.
type Router struct {
	bots      *bot.Registry
	conns     *connection.Registry
	tasks     store.TaskStore
	transport BotTransport
	logger    *slog.Logger
}

// New creates a Router.
func New(bots *bot.Registry, conns *connection.Registry, tasks store.TaskStore, transport BotTransport, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		bots:      bots,
		conns:     conns,
		tasks:     tasks,
		transport: transport,
		logger:    logger,
	}
}

// SetTransport replaces the bot transport. Used at wiring time when the
// transport itself needs the router.
func (r *Router) SetTransport(t BotTransport) {
	r.transport = t
}

// authorize returns the bot when userID owns it. Missing and foreign bots
// produce the same error.
func (r *Router) authorize(userID, botID string) (bot.Bot, error) {
	if userID == "" || botID == "" {
		return bot.Bot{}, apierr.Ownership()
	}
	b, ok := r.bots.Get(botID)
	if !ok || b.OwnerUserID != userID {
		r.logger.Debug("ownership check failed", "user_id", userID, "bot_id", botID)
		return bot.Bot{}, apierr.Ownership()
	}
	return b, nil
}

// Authorize exposes the ownership check to the HTTP API.
func (r *Router) Authorize(userID, botID string) (bot.Bot, error) {
	return r.authorize(userID, botID)
}

// RouteChat forwards a chat message to the caller's bot and returns the
// generated message id.
func (r *Router) RouteChat(ctx context.Context, in ChatInput) (string, error) {
	if strings.TrimSpace(in.Text) == "" {
		return "", apierr.Protocol("message text is required", nil)
	}
	if len(in.Text) > MaxTextLength {
		return "", apierr.Protocol("message text too long", nil)
	}
	if _, err := r.authorize(in.FromUserID, in.ToBotID); err != nil {
		return "", err
	}

	msg := protocol.ChatMessage{
		ID:        uuid.New().String(),
		Type:      "text",
		From:      in.FromUserID,
		To:        in.ToBotID,
		Text:      in.Text,
		ReplyTo:   in.ReplyTo,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	f := protocol.New(protocol.TypeMessage, msg)
	f.ID = msg.ID

	if in.Accepted != nil {
		in.Accepted(msg.ID)
	}
	if err := r.transport.Deliver(in.ToBotID, f); err != nil {
		return "", fmt.Errorf("delivering message to bot %s: %w", in.ToBotID, err)
	}

	r.logger.Debug("chat routed", "message_id", msg.ID, "user_id", in.FromUserID, "bot_id", in.ToBotID)
	return msg.ID, nil
}

// RouteTask creates a task for the caller's bot and hands it to the bot.
func (r *Router) RouteTask(ctx context.Context, in TaskInput) (*store.Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, apierr.Protocol("task title is required", nil)
	}
	priority := strings.ToLower(strings.TrimSpace(in.Priority))
	if priority != "" && !store.ValidPriority(priority) {
		return nil, apierr.Protocol(fmt.Sprintf("unknown priority %q", in.Priority), nil)
	}
	if _, err := r.authorize(in.FromUserID, in.BotID); err != nil {
		return nil, err
	}

	task := &store.Task{
		OwnerUserID: in.FromUserID,
		BotID:       in.BotID,
		Title:       title,
		Description: in.Description,
		Priority:    priority,
		DueDate:     in.DueDate,
	}
	if err := r.tasks.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}

	f := protocol.New(protocol.TypeTask, protocol.TaskDelivery{
		TaskID:      task.ID,
		Title:       task.Title,
		Description: task.Description,
		Priority:    task.Priority,
		DueDate:     task.DueDate,
		From:        in.FromUserID,
	})
	f.ID = task.ID
	if in.Accepted != nil {
		in.Accepted(task)
	}
	if err := r.transport.Deliver(in.BotID, f); err != nil {
		// The task is stored; the bot can still pick it up via the API.
		r.logger.Warn("task delivery failed", "task_id", task.ID, "bot_id", in.BotID, "error", err)
	}

	r.logger.Info("task created", "task_id", task.ID, "user_id", in.FromUserID, "bot_id", in.BotID, "priority", task.Priority)
	return task, nil
}

// Subscribe adds botID to the connection's subscriptions.
func (r *Router) Subscribe(userID, connectionID, botID string) error {
	if _, err := r.authorize(userID, botID); err != nil {
		return err
	}
	return r.mutateSubscription(userID, connectionID, botID, r.conns.Subscribe)
}

// Unsubscribe removes botID from the connection's subscriptions.
func (r *Router) Unsubscribe(userID, connectionID, botID string) error {
	if _, err := r.authorize(userID, botID); err != nil {
		return err
	}
	return r.mutateSubscription(userID, connectionID, botID, r.conns.Unsubscribe)
}

func (r *Router) mutateSubscription(userID, connectionID, botID string, op func(string, string) error) error {
	c, ok := r.conns.Get(connectionID)
	if !ok || c.UserID() != userID {
		return apierr.Protocol("unknown connection", nil)
	}
	if err := op(connectionID, botID); err != nil {
		return apierr.Protocol("subscription failed", err)
	}
	return nil
}

// HandleBotMessage pushes a message from botID to its owner's connections.
func (r *Router) HandleBotMessage(botID, text, replyTo string) (int, error) {
	b, ok := r.bots.Get(botID)
	if !ok {
		return 0, bot.ErrBotNotFound
	}

	msg := protocol.ChatMessage{
		ID:        uuid.New().String(),
		Type:      "text",
		From:      botID,
		To:        b.OwnerUserID,
		Text:      text,
		ReplyTo:   replyTo,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	f := protocol.New(protocol.TypeMessage, msg)
	f.ID = msg.ID

	n := r.conns.PushToUser(b.OwnerUserID, botID, f)
	r.logger.Debug("bot message pushed", "bot_id", botID, "user_id", b.OwnerUserID, "connections", n)
	return n, nil
}

// HandleTaskStatus records a status reported by botID for one of its own
// tasks and notifies the owner.
func (r *Router) HandleTaskStatus(ctx context.Context, botID, taskID, status string) (*store.Task, error) {
	if !store.ValidTaskStatus(status) {
		return nil, apierr.Protocol(fmt.Sprintf("unknown task status %q", status), nil)
	}
	task, err := r.tasks.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.Ownership()
	}
	if err != nil {
		return nil, fmt.Errorf("loading task: %w", err)
	}
	if task.BotID != botID {
		return nil, apierr.Ownership()
	}

	task, err = r.tasks.UpdateTaskStatus(ctx, taskID, status)
	if err != nil {
		return nil, fmt.Errorf("updating task: %w", err)
	}

	f := protocol.New(protocol.TypeTaskStatus, protocol.TaskStatus{
		TaskID: task.ID,
		BotID:  botID,
		Status: task.Status,
	})
	r.conns.PushToUser(task.OwnerUserID, botID, f)
	return task, nil
}

// BotsForUser lists userID's bots in wire form.
func (r *Router) BotsForUser(userID string) []protocol.BotInfo {
	bots := r.bots.ListForUser(userID)
	out := make([]protocol.BotInfo, 0, len(bots))
	for _, b := range bots {
		out = append(out, BotInfo(b))
	}
	return out
}

// DeleteBot removes the caller's bot and its subscriptions. Tasks addressed
// to the bot are kept.
func (r *Router) DeleteBot(userID, botID string) error {
	if _, err := r.authorize(userID, botID); err != nil {
		return err
	}
	if !r.bots.Delete(botID, userID) {
		return apierr.Ownership()
	}
	r.conns.UnsubscribeAll(userID, botID)
	r.transport.Forget(botID)
	return nil
}

// BotInfo converts a bot to its wire form.
func BotInfo(b bot.Bot) protocol.BotInfo {
	return protocol.BotInfo{
		ID:     b.ID,
		Name:   b.Name,
		Type:   b.Type,
		Status: string(b.Status),
		Config: b.Config,
	}
}
