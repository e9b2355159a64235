// ABOUTME: Tests for the bot registry
// ABOUTME: Validates registration, per-user listing, status transitions and owner-only delete

package bot

import (
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry(slog.Default())

	b, err := r.Register("u1", "  Helper  ", "openclaw", map[string]any{"model": "small"})
	require.NoError(t, err)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, "Helper", b.Name)
	assert.Equal(t, "u1", b.OwnerUserID)
	assert.Equal(t, StatusOffline, b.Status)

	got, ok := r.Get(b.ID)
	require.True(t, ok)
	assert.Equal(t, b.ID, got.ID)
	assert.Equal(t, "small", got.Config["model"])

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewRegistry(nil)

	_, err := r.Register("", "name", "", nil)
	assert.ErrorIs(t, err, ErrInvalidBot)

	_, err = r.Register("u1", "   ", "", nil)
	assert.ErrorIs(t, err, ErrInvalidBot)

	b, err := r.Register("u1", "x", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "generic", b.Type)
	assert.NotNil(t, b.Config)
}

func TestRegistry_ReturnsCopies(t *testing.T) {
	r := NewRegistry(nil)
	b, err := r.Register("u1", "bot", "", map[string]any{"k": "v"})
	require.NoError(t, err)

	b.Config["k"] = "mutated"
	b.OwnerUserID = "u2"

	got, _ := r.Get(b.ID)
	assert.Equal(t, "v", got.Config["k"])
	assert.Equal(t, "u1", got.OwnerUserID)
}

func TestRegistry_ListForUser(t *testing.T) {
	r := NewRegistry(nil)
	a, _ := r.Register("u1", "a", "", nil)
	_, _ = r.Register("u2", "other", "", nil)
	c, _ := r.Register("u1", "c", "", nil)

	bots := r.ListForUser("u1")
	require.Len(t, bots, 2)
	ids := []string{bots[0].ID, bots[1].ID}
	assert.ElementsMatch(t, []string{a.ID, c.ID}, ids)

	assert.Empty(t, r.ListForUser("nobody"))
}

func TestRegistry_SetStatus(t *testing.T) {
	r := NewRegistry(nil)
	b, _ := r.Register("u1", "bot", "", nil)

	require.NoError(t, r.SetStatus(b.ID, StatusOnline))
	got, _ := r.Get(b.ID)
	assert.Equal(t, StatusOnline, got.Status)

	assert.ErrorIs(t, r.SetStatus(b.ID, Status("sleeping")), ErrInvalidStatus)
	assert.ErrorIs(t, r.SetStatus("missing", StatusOnline), ErrBotNotFound)

	counts := r.CountByStatus()
	assert.Equal(t, 1, counts[StatusOnline])
}

func TestRegistry_UpdateConfig(t *testing.T) {
	r := NewRegistry(nil)
	b, _ := r.Register("u1", "bot", "", map[string]any{"a": 1, "b": 2})

	require.NoError(t, r.UpdateConfig(b.ID, map[string]any{"a": nil, "c": 3}))
	got, _ := r.Get(b.ID)
	assert.Equal(t, map[string]any{"b": 2, "c": 3}, got.Config)

	assert.ErrorIs(t, r.UpdateConfig("missing", nil), ErrBotNotFound)
}

func TestRegistry_DeleteOwnerOnly(t *testing.T) {
	r := NewRegistry(nil)
	b, _ := r.Register("u1", "bot", "", nil)

	assert.False(t, r.Delete(b.ID, "u2"))
	assert.Equal(t, 1, r.Count())

	assert.True(t, r.Delete(b.ID, "u1"))
	assert.Equal(t, 0, r.Count())
	assert.False(t, r.Delete(b.ID, "u1"))
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := r.Register("u1", "bot", "", nil)
			if err != nil {
				return
			}
			_ = r.SetStatus(b.ID, StatusOnline)
			_ = r.ListForUser("u1")
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, r.Count())
}
