// ABOUTME: Tests for the SQLite task store
// ABOUTME: Covers file and in-memory databases, task CRUD, ordering and filters

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist")
}

func TestNewSQLiteStore_Memory(t *testing.T) {
	store, err := NewSQLiteStore("")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Ping(ctx))

	// The single pooled connection keeps one in-memory database alive.
	for i := 0; i < 5; i++ {
		require.NoError(t, store.CreateTask(ctx, &Task{OwnerUserID: "u1", BotID: "b1", Title: "t"}))
	}
	n, err := store.CountTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestSQLiteStore_CreateAndGetTask(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	due := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	task := &Task{
		OwnerUserID: "u1",
		BotID:       "b1",
		Title:       "Summarize",
		Description: "the weekly notes",
		Priority:    PriorityHigh,
		DueDate:     &due,
	}
	require.NoError(t, store.CreateTask(ctx, task))
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, TaskPending, task.Status)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.OwnerUserID)
	assert.Equal(t, "b1", got.BotID)
	assert.Equal(t, "Summarize", got.Title)
	assert.Equal(t, "the weekly notes", got.Description)
	assert.Equal(t, PriorityHigh, got.Priority)
	require.NotNil(t, got.DueDate)
	assert.True(t, due.Equal(*got.DueDate))
	assert.WithinDuration(t, task.CreatedAt, got.CreatedAt, time.Microsecond)

	_, err = store.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_UpdateTaskStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	task := &Task{OwnerUserID: "u1", BotID: "b1", Title: "t"}
	require.NoError(t, store.CreateTask(ctx, task))

	updated, err := store.UpdateTaskStatus(ctx, task.ID, TaskInProgress)
	require.NoError(t, err)
	assert.Equal(t, TaskInProgress, updated.Status)
	assert.False(t, updated.UpdatedAt.Before(task.UpdatedAt))

	_, err = store.UpdateTaskStatus(ctx, task.ID, "done-ish")
	assert.ErrorIs(t, err, ErrInvalidTaskStatus)

	_, err = store.UpdateTaskStatus(ctx, "missing", TaskCompleted)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_ListAndCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, botID := range []string{"b1", "b2", "b1"} {
		require.NoError(t, store.CreateTask(ctx, &Task{
			OwnerUserID: "u1",
			BotID:       botID,
			Title:       "t",
			CreatedAt:   base.Add(time.Duration(i) * 100 * time.Millisecond),
		}))
	}
	require.NoError(t, store.CreateTask(ctx, &Task{OwnerUserID: "u2", BotID: "b3", Title: "t"}))

	tasks, err := store.ListTasksForUser(ctx, "u1", TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.True(t, tasks[0].CreatedAt.After(tasks[1].CreatedAt), "newest first")
	assert.True(t, tasks[1].CreatedAt.After(tasks[2].CreatedAt))

	tasks, err = store.ListTasksForUser(ctx, "u1", TaskFilter{BotID: "b1", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	total, err := store.CountTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
}
