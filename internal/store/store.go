// ABOUTME: Task types and the TaskStore interface for gateway persistence
// ABOUTME: Tasks are owned by a user and addressed to one of that user's bots

package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidPriority is returned for an unknown task priority.
	ErrInvalidPriority = errors.New("invalid task priority")

	// ErrInvalidTaskStatus is returned for an unknown task status.
	ErrInvalidTaskStatus = errors.New("invalid task status")
)

// Task priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Task statuses.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskCancelled  = "cancelled"
	TaskFailed     = "failed"
)

// ValidPriority reports whether p is a known priority.
func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// ValidTaskStatus reports whether s is a known task status.
func ValidTaskStatus(s string) bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted, TaskCancelled, TaskFailed:
		return true
	}
	return false
}

// Task is a unit of work a user hands to one of their bots.
type Task struct {
	ID          string
	OwnerUserID string
	BotID       string
	Title       string
	Description string
	Priority    string
	Status      string
	DueDate     *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	BotID  string
	Status string
	Limit  int
}

// TaskStore persists tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTaskStatus(ctx context.Context, id, status string) (*Task, error)
	ListTasksForUser(ctx context.Context, ownerUserID string, f TaskFilter) ([]*Task, error)
	CountTasks(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// normalizeTask fills defaults and validates enumerations before insert.
func normalizeTask(t *Task, newID func() string) error {
	if t.ID == "" {
		t.ID = newID()
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if !ValidPriority(t.Priority) {
		return ErrInvalidPriority
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
	if !ValidTaskStatus(t.Status) {
		return ErrInvalidTaskStatus
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	return nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
