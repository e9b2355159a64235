// ABOUTME: Bot-side WebSocket endpoint linking bot processes to the gateway
// ABOUTME: Delivers chat and task frames to bots and feeds bot replies back to the router

package botlink

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/tunnels2bots/internal/apierr"
	"github.com/2389/tunnels2bots/internal/auth"
	"github.com/2389/tunnels2bots/internal/bot"
	"github.com/2389/tunnels2bots/internal/protocol"
	"github.com/2389/tunnels2bots/internal/store"
)

// DefaultBacklog bounds the frames held for an offline bot.
const DefaultBacklog = 100

const (
	linkQueueSize = 64
	writeTimeout  = 10 * time.Second
)

// Sink receives traffic coming from bots.
type Sink interface {
	Authorize(userID, botID string) (bot.Bot, error)
	HandleBotMessage(botID, text, replyTo string) (int, error)
	HandleTaskStatus(ctx context.Context, botID, taskID, status string) (*store.Task, error)
}

type link struct {
	botID string
	conn  *websocket.Conn
	out   chan *protocol.Frame
	done  chan struct{}
	once  sync.Once
	code  websocket.StatusCode
	why   string
}

func (l *link) close(code websocket.StatusCode, reason string) {
	l.once.Do(func() {
		l.code = code
		l.why = reason
		close(l.done)
	})
}

// Hub tracks one live link per bot plus a bounded backlog for offline bots.
type Hub struct {
	validator *auth.Validator
	bots      *bot.Registry
	sink      Sink
	backlog   int
	logger    *slog.Logger

	mu      sync.Mutex
	links   map[string]*link
	pending map[string][]*protocol.Frame
}

// NewHub creates a Hub. A backlog of zero uses DefaultBacklog.
func NewHub(validator *auth.Validator, bots *bot.Registry, sink Sink, backlog int, logger *slog.Logger) *Hub {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		validator: validator,
		bots:      bots,
		sink:      sink,
		backlog:   backlog,
		logger:    logger,
		links:     make(map[string]*link),
		pending:   make(map[string][]*protocol.Frame),
	}
}

// Deliver sends f to botID's live link, or queues it until the bot
// connects. The oldest queued frame is dropped when the backlog is full.
func (h *Hub) Deliver(botID string, f *protocol.Frame) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if l, ok := h.links[botID]; ok {
		select {
		case l.out <- f:
			return nil
		default:
			h.logger.Warn("bot link queue full, holding frame", "bot_id", botID)
		}
	}

	q := h.pending[botID]
	if len(q) >= h.backlog {
		h.logger.Warn("bot backlog full, dropping oldest frame", "bot_id", botID, "backlog", h.backlog)
		q = q[1:]
	}
	h.pending[botID] = append(q, f)
	return nil
}

// Forget closes botID's link and discards its backlog.
func (h *Hub) Forget(botID string) {
	h.mu.Lock()
	l := h.links[botID]
	delete(h.links, botID)
	delete(h.pending, botID)
	h.mu.Unlock()

	if l != nil {
		l.close(websocket.StatusNormalClosure, "bot deleted")
	}
}

// Connected returns the number of live bot links.
func (h *Hub) Connected() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.links)
}

// Pending returns the number of frames waiting for offline bots.
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, q := range h.pending {
		n += len(q)
	}
	return n
}

// Shutdown closes every bot link.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	links := make([]*link, 0, len(h.links))
	for _, l := range h.links {
		links = append(links, l)
	}
	h.mu.Unlock()

	for _, l := range links {
		l.close(websocket.StatusGoingAway, "server shutting down")
	}
}

func credential(r *http.Request) string {
	if c := auth.BearerCredential(r); c != "" {
		return c
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// ServeHTTP upgrades an authenticated bot connection. The caller presents
// its owner's credential and the bot id it speaks for.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := h.validator.Validate(credential(r))
	if err != nil {
		http.Error(w, `{"error":"invalid credential"}`, http.StatusUnauthorized)
		return
	}
	botID := r.URL.Query().Get("botId")
	if _, err := h.sink.Authorize(id.UserID, botID); err != nil {
		http.Error(w, `{"error":"access denied"}`, http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("bot link upgrade failed", "bot_id", botID, "error", err)
		return
	}

	l := &link{
		botID: botID,
		conn:  conn,
		out:   make(chan *protocol.Frame, linkQueueSize),
		done:  make(chan struct{}),
	}
	queued := h.attach(l)
	h.serve(r.Context(), l, queued)
}

// attach installs l as botID's link, replacing any previous one, and moves
// the backlog onto it.
func (h *Hub) attach(l *link) int {
	h.mu.Lock()
	prev := h.links[l.botID]
	h.links[l.botID] = l

	q := h.pending[l.botID]
	moved := 0
flush:
	for _, f := range q {
		select {
		case l.out <- f:
			moved++
		default:
			break flush
		}
	}
	if moved == len(q) {
		delete(h.pending, l.botID)
	} else {
		h.pending[l.botID] = q[moved:]
	}
	h.mu.Unlock()

	if prev != nil {
		prev.close(websocket.StatusPolicyViolation, "replaced by new connection")
	}
	if err := h.bots.SetStatus(l.botID, bot.StatusOnline); err != nil {
		h.logger.Warn("failed to mark bot online", "bot_id", l.botID, "error", err)
	}
	h.logger.Info("bot connected", "bot_id", l.botID, "flushed", moved)
	return moved
}

func (h *Hub) detach(l *link) {
	h.mu.Lock()
	current := h.links[l.botID] == l
	if current {
		delete(h.links, l.botID)
	}
	h.mu.Unlock()

	if current {
		if err := h.bots.SetStatus(l.botID, bot.StatusOffline); err != nil && !errors.Is(err, bot.ErrBotNotFound) {
			h.logger.Warn("failed to mark bot offline", "bot_id", l.botID, "error", err)
		}
		h.logger.Info("bot disconnected", "bot_id", l.botID)
	}
}

func (h *Hub) serve(ctx context.Context, l *link, queued int) {
	defer h.detach(l)

	// The hello precedes any flushed backlog.
	hello := protocol.New(protocol.TypeStatus, protocol.BotHello{BotID: l.botID, Pending: queued})
	if err := h.write(ctx, l, hello); err != nil {
		l.close(websocket.StatusInternalError, "write failed")
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, l)
	}()

	// Read returns once writeLoop closes the socket or the peer goes away.
	for {
		_, raw, err := l.conn.Read(ctx)
		if err != nil {
			l.close(websocket.StatusNormalClosure, "")
			break
		}
		h.handle(ctx, l, raw)
	}
	<-writerDone
}

func (h *Hub) handle(ctx context.Context, l *link, raw []byte) {
	f, err := protocol.Decode(raw)
	if err != nil {
		h.reply(l, protocol.New(protocol.TypeError, protocol.ErrorData{
			Code:    protocol.CodeProtocolError,
			Message: "malformed frame",
		}))
		return
	}

	switch f.Type {
	case protocol.TypeMessage:
		var m protocol.BotMessage
		if err := f.DecodeData(&m); err != nil || strings.TrimSpace(m.Text) == "" {
			h.reply(l, protocol.Reply(f, protocol.TypeError, protocol.ErrorData{
				Code:    protocol.CodeProtocolError,
				Message: "message text is required",
			}))
			return
		}
		if _, err := h.sink.HandleBotMessage(l.botID, m.Text, m.ReplyTo); err != nil {
			h.logger.Warn("bot message dropped", "bot_id", l.botID, "error", err)
		}

	case protocol.TypeTaskStatus:
		var st protocol.TaskStatus
		if err := f.DecodeData(&st); err != nil {
			h.reply(l, protocol.Reply(f, protocol.TypeError, protocol.ErrorData{
				Code:    protocol.CodeProtocolError,
				Message: "invalid task status",
			}))
			return
		}
		if _, err := h.sink.HandleTaskStatus(ctx, l.botID, st.TaskID, st.Status); err != nil {
			h.reply(l, protocol.Reply(f, protocol.TypeError, apierr.ToFrameData(err)))
		}

	case protocol.TypePing:
		h.reply(l, protocol.Reply(f, protocol.TypePong, nil))

	case protocol.TypePong:

	default:
		h.reply(l, protocol.Reply(f, protocol.TypeError, protocol.ErrorData{
			Code:    protocol.CodeProtocolError,
			Message: "unsupported frame type for bot link",
		}))
	}
}

func (h *Hub) reply(l *link, f *protocol.Frame) {
	select {
	case l.out <- f:
	default:
		l.close(websocket.StatusPolicyViolation, "backpressure")
	}
}

func (h *Hub) writeLoop(ctx context.Context, l *link) {
	for {
		select {
		case f := <-l.out:
			if err := h.write(ctx, l, f); err != nil {
				h.logger.Debug("bot link write failed", "bot_id", l.botID, "error", err)
				l.close(websocket.StatusInternalError, "write failed")
			}
		case <-l.done:
			h.flush(ctx, l)
			_ = l.conn.Close(l.code, l.why)
			return
		}
	}
}

// flush writes whatever is still queued on a closing link, within one
// write timeout, before the close handshake.
func (h *Hub) flush(ctx context.Context, l *link) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	for {
		select {
		case f := <-l.out:
			if err := wsjson.Write(ctx, l.conn, f); err != nil {
				h.logger.Debug("bot link dropped queued frames on close", "bot_id", l.botID, "error", err)
				return
			}
		default:
			return
		}
	}
}

func (h *Hub) write(ctx context.Context, l *link, f *protocol.Frame) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, l.conn, f)
}
