// ABOUTME: Behavioural checks shared by MockStore and SQLiteStore
// ABOUTME: Keeps the in-memory test double honest against the real store

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStores_SharedBehaviour(t *testing.T) {
	stores := map[string]func(t *testing.T) TaskStore{
		"sqlite": func(t *testing.T) TaskStore { return newTestStore(t) },
		"mock":   func(t *testing.T) TaskStore { return NewMockStore() },
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			err := s.CreateTask(ctx, &Task{OwnerUserID: "u1", BotID: "b1", Title: "t", Priority: "critical"})
			assert.ErrorIs(t, err, ErrInvalidPriority)

			task := &Task{OwnerUserID: "u1", BotID: "b1", Title: "t"}
			require.NoError(t, s.CreateTask(ctx, task))
			assert.Equal(t, PriorityMedium, task.Priority)
			assert.Equal(t, TaskPending, task.Status)

			got, err := s.UpdateTaskStatus(ctx, task.ID, TaskCompleted)
			require.NoError(t, err)
			assert.Equal(t, TaskCompleted, got.Status)

			mine, err := s.ListTasksForUser(ctx, "u1", TaskFilter{Status: TaskCompleted})
			require.NoError(t, err)
			assert.Len(t, mine, 1)

			theirs, err := s.ListTasksForUser(ctx, "u2", TaskFilter{})
			require.NoError(t, err)
			assert.Empty(t, theirs)

			require.NoError(t, s.Ping(ctx))
		})
	}
}
