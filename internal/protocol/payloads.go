// ABOUTME: Typed payloads carried in the data field of wire frames
// ABOUTME: Shared by the client frontend, the router, and the bot link

package protocol

import "time"

// AuthRequest is sent by a client to present its credential.
type AuthRequest struct {
	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`
	Device string `json:"device,omitempty"`
}

// Credential returns whichever credential field is populated.
func (a AuthRequest) Credential() string {
	if a.APIKey != "" {
		return a.APIKey
	}
	return a.Token
}

// AuthOK acknowledges a successful authentication.
type AuthOK struct {
	UserID       string `json:"userId"`
	SessionID    string `json:"sessionId"`
	ConnectionID string `json:"connectionId"`
}

// AuthError reports a rejected credential.
type AuthError struct {
	Message string `json:"message"`
}

// ChatRequest is a client message addressed to a bot.
type ChatRequest struct {
	To      string `json:"to"`
	Text    string `json:"text"`
	ReplyTo string `json:"replyTo,omitempty"`
}

// MessageAck confirms that a chat message was accepted.
type MessageAck struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// ChatMessage is a message pushed to a client or delivered to a bot.
type ChatMessage struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	From      string `json:"from"`
	To        string `json:"to"`
	Text      string `json:"text"`
	ReplyTo   string `json:"replyTo,omitempty"`
	Timestamp string `json:"timestamp"`
}

// TaskRequest asks a bot to perform a task.
type TaskRequest struct {
	BotID       string     `json:"botId"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    string     `json:"priority"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
}

// TaskStatus reports a task's current status.
type TaskStatus struct {
	TaskID string `json:"taskId"`
	BotID  string `json:"botId,omitempty"`
	Status string `json:"status"`
}

// TaskDelivery is the task payload delivered to a bot endpoint.
type TaskDelivery struct {
	TaskID      string     `json:"taskId"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    string     `json:"priority"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	From        string     `json:"from"`
}

// SubscribeRequest names the bot to (un)subscribe from.
type SubscribeRequest struct {
	BotID string `json:"botId"`
}

// Status request scopes.
const (
	StatusFull        = "full"
	StatusConnections = "connections"
	StatusBots        = "bots"
)

// StatusRequest asks for the caller's own state.
type StatusRequest struct {
	Request string `json:"request"`
}

// BotInfo describes a bot owned by the caller.
type BotInfo struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Type   string         `json:"type"`
	Status string         `json:"status"`
	Config map[string]any `json:"config,omitempty"`
}

// ConnectionInfo describes one of the caller's connections.
type ConnectionInfo struct {
	ID             string   `json:"id"`
	Device         string   `json:"device,omitempty"`
	Subscriptions  []string `json:"subscriptions"`
	LastActivityAt int64    `json:"lastActivityAt"`
	Current        bool     `json:"current,omitempty"`
}

// SessionInfo describes the caller's session.
type SessionInfo struct {
	ID             string `json:"id"`
	CreatedAt      int64  `json:"createdAt"`
	LastActivityAt int64  `json:"lastActivityAt"`
	Connections    int    `json:"connections"`
}

// GatewayInfo carries gateway-wide facts that are safe to share with any user.
type GatewayInfo struct {
	PublicURL string `json:"publicUrl,omitempty"`
}

// StatusReply answers a status request or announces state changes.
type StatusReply struct {
	UserID        string           `json:"userId,omitempty"`
	Session       *SessionInfo     `json:"session,omitempty"`
	Connections   []ConnectionInfo `json:"connections,omitempty"`
	Bots          []BotInfo        `json:"bots,omitempty"`
	Subscriptions []string         `json:"subscriptions,omitempty"`
	Gateway       *GatewayInfo     `json:"gateway,omitempty"`
}

// Error codes carried in error frames.
const (
	CodeAuthRequired  = "auth_required"
	CodeAccessDenied  = "access_denied"
	CodeRateLimited   = "rate_limited"
	CodeProtocolError = "protocol_error"
	CodeTimeout       = "timeout"
	CodeInternal      = "internal_error"
)

// ErrorData is the payload of an error frame.
type ErrorData struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// BotMessage is a reply sent by a bot endpoint to its owner.
type BotMessage struct {
	Text    string `json:"text"`
	ReplyTo string `json:"replyTo,omitempty"`
}

// BotHello acknowledges a bot link and reports how many queued frames follow.
type BotHello struct {
	BotID   string `json:"botId"`
	Pending int    `json:"pending"`
}
