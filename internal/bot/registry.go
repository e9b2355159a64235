// ABOUTME: Registry of user-owned bots keyed by bot id
// ABOUTME: Stores bots and their status; authorization is the router's job

package bot

import (
	"errors"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrBotNotFound indicates the specified bot does not exist.
	ErrBotNotFound = errors.New("bot not found")

	// ErrInvalidStatus indicates an unknown bot status.
	ErrInvalidStatus = errors.New("invalid bot status")

	// ErrInvalidBot indicates a registration with missing fields.
	ErrInvalidBot = errors.New("invalid bot")
)

// Status is the connectivity state of a bot.
type Status string

const (
	StatusOffline    Status = "offline"
	StatusOnline     Status = "online"
	StatusConnecting Status = "connecting"
	StatusError      Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOffline, StatusOnline, StatusConnecting, StatusError:
		return true
	}
	return false
}

// Bot is a user-owned messaging endpoint. Values returned by the Registry
// are copies; mutate through Registry methods.
type Bot struct {
	ID          string
	OwnerUserID string
	Name        string
	Type        string
	Status      Status
	Config      map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (b *Bot) clone() Bot {
	c := *b
	c.Config = maps.Clone(b.Config)
	return c
}

// Registry owns all Bot records.
type Registry struct {
	bots   map[string]*Bot
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		bots:   make(map[string]*Bot),
		logger: logger,
	}
}

// Register creates a bot owned by ownerUserID. New bots start offline.
func (r *Registry) Register(ownerUserID, name, botType string, config map[string]any) (Bot, error) {
	name = strings.TrimSpace(name)
	if ownerUserID == "" || name == "" {
		return Bot{}, ErrInvalidBot
	}
	if botType == "" {
		botType = "generic"
	}

	now := time.Now()
	b := &Bot{
		ID:          uuid.New().String(),
		OwnerUserID: ownerUserID,
		Name:        name,
		Type:        botType,
		Status:      StatusOffline,
		Config:      maps.Clone(config),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if b.Config == nil {
		b.Config = make(map[string]any)
	}

	r.mu.Lock()
	r.bots[b.ID] = b
	total := len(r.bots)
	r.mu.Unlock()

	r.logger.Info("bot registered",
		"bot_id", b.ID,
		"owner", ownerUserID,
		"type", botType,
		"total_bots", total,
	)
	return b.clone(), nil
}

// Get returns a copy of the bot with the given id.
func (r *Registry) Get(botID string) (Bot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bots[botID]
	if !ok {
		return Bot{}, false
	}
	return b.clone(), true
}

// ListForUser returns the bots owned by userID, oldest first.
func (r *Registry) ListForUser(userID string) []Bot {
	r.mu.RLock()
	out := make([]Bot, 0)
	for _, b := range r.bots {
		if b.OwnerUserID == userID {
			out = append(out, b.clone())
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Bot) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// SetStatus transitions a bot's status.
func (r *Registry) SetStatus(botID string, status Status) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bots[botID]
	if !ok {
		return ErrBotNotFound
	}
	if b.Status != status {
		r.logger.Debug("bot status changed", "bot_id", botID, "from", b.Status, "to", status)
	}
	b.Status = status
	b.UpdatedAt = time.Now()
	return nil
}

// UpdateConfig merges config into the bot's configuration. A nil value
// removes the key.
func (r *Registry) UpdateConfig(botID string, config map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bots[botID]
	if !ok {
		return ErrBotNotFound
	}
	for k, v := range config {
		if v == nil {
			delete(b.Config, k)
			continue
		}
		b.Config[k] = v
	}
	b.UpdatedAt = time.Now()
	return nil
}

// Delete removes the bot if requesterUserID owns it. It reports whether a
// bot was removed; a missing bot and a foreign bot both return false.
func (r *Registry) Delete(botID, requesterUserID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bots[botID]
	if !ok || b.OwnerUserID != requesterUserID {
		return false
	}
	delete(r.bots, botID)
	r.logger.Info("bot deleted", "bot_id", botID, "owner", requesterUserID, "total_bots", len(r.bots))
	return true
}

// Count returns the number of registered bots.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bots)
}

// CountByStatus returns the number of bots in each status.
func (r *Registry) CountByStatus() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[Status]int, 4)
	for _, b := range r.bots {
		counts[b.Status]++
	}
	return counts
}
