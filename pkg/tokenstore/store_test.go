package tokenstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newStore() (*MemoryStore, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewMemoryStoreWithClock(clock.now), clock
}

func TestMemoryStore_SetAndGet(t *testing.T) {
	ctx := context.Background()
	store, clock := newStore()

	require.NoError(t, store.Set(ctx, "github_installation_token:42", "ghs_abc", 5*time.Minute))

	tok, err := store.Get(ctx, "github_installation_token:42")
	require.NoError(t, err)
	assert.Equal(t, "ghs_abc", tok.Value)
	assert.Equal(t, clock.t.Add(5*time.Minute), tok.ExpiresAt)
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	store, _ := newStore()
	_, err := store.Get(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	store, clock := newStore()
	require.NoError(t, store.SetUntil(ctx, "k", "v", clock.t.Add(time.Minute)))

	clock.advance(59 * time.Second)
	_, err := store.Get(ctx, "k")
	require.NoError(t, err)

	clock.advance(time.Second)
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrTokenExpired, "a token is expired at its expiry instant")
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore()
	require.NoError(t, store.Set(ctx, "k", "v", time.Minute))

	tok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	tok.Value = "mutated"

	again, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", again.Value)
}

func TestMemoryStore_DeleteAndCleanup(t *testing.T) {
	ctx := context.Background()
	store, clock := newStore()
	require.NoError(t, store.Set(ctx, "short", "1", time.Minute))
	require.NoError(t, store.Set(ctx, "long", "2", time.Hour))
	require.NoError(t, store.Set(ctx, "gone", "3", time.Hour))

	require.NoError(t, store.Delete(ctx, "gone"))
	assert.Equal(t, 2, store.Len())

	clock.advance(2 * time.Minute)
	n, err := store.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, store.Len())

	_, err = store.Get(ctx, "long")
	assert.NoError(t, err)
}
