// ABOUTME: In-memory TaskStore implementation for tests
// ABOUTME: Mirrors SQLiteStore semantics without a database

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory TaskStore for tests.
type MockStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	seq   int
}

var _ TaskStore = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{tasks: make(map[string]*Task)}
}

// CreateTask stores a copy of t.
func (m *MockStore) CreateTask(ctx context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := normalizeTask(t, func() string {
		m.seq++
		return fmt.Sprintf("task-%d", m.seq)
	})
	if err != nil {
		return err
	}
	c := *t
	m.tasks[c.ID] = &c
	return nil
}

// GetTask returns a copy of the task.
func (m *MockStore) GetTask(ctx context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

// UpdateTaskStatus sets the task status.
func (m *MockStore) UpdateTaskStatus(ctx context.Context, id, status string) (*Task, error) {
	if !ValidTaskStatus(status) {
		return nil, ErrInvalidTaskStatus
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = time.Now().UTC()
	c := *t
	return &c, nil
}

// ListTasksForUser returns the user's tasks, newest first.
func (m *MockStore) ListTasksForUser(ctx context.Context, ownerUserID string, f TaskFilter) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Task
	for _, t := range m.tasks {
		if t.OwnerUserID != ownerUserID {
			continue
		}
		if f.BotID != "" && t.BotID != f.BotID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := normalizeLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountTasks returns the number of tasks.
func (m *MockStore) CountTasks(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks), nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (m *MockStore) Close() error { return nil }
