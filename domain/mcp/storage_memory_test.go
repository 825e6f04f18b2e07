package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorage_SessionCRUD(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage(0)

	s, err := store.CreateSession(ctx, ServerCapabilities{})
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)

	got, err := store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	s.ClientInfo.Name = "test-client"
	require.NoError(t, store.UpdateSession(ctx, s))

	got, err = store.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "test-client", got.ClientInfo.Name)

	ok, err := store.DeleteSession(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.GetSession(ctx, s.ID)
	assert.Error(t, err)

	// Invariant 9: deleting an already-deleted session reports false, not
	// an error.
	ok, err = store.DeleteSession(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestMemoryStorage_AppendEvent_Monotonic covers invariant 1: strictly
// increasing, gapless event ids within a session.
func TestMemoryStorage_AppendEvent_Monotonic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage(0)
	s, _ := store.CreateSession(ctx, ServerCapabilities{})

	var ids []int64
	for i := 0; i < 5; i++ {
		id, err := store.AppendEvent(ctx, s.ID, json.RawMessage(`{}`))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i, id := range ids {
		assert.Equal(t, int64(i+1), id)
	}
}

// TestMemoryStorage_AppendEvent_ConcurrentSerializesIDs exercises
// invariant 1 under concurrency: every id in a session is unique and the
// full set is exactly [1..N].
func TestMemoryStorage_AppendEvent_ConcurrentSerializesIDs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage(0)
	s, _ := store.CreateSession(ctx, ServerCapabilities{})

	const n = 200
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := store.AppendEvent(ctx, s.ID, json.RawMessage(`{}`))
			require.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, n)
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate event id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
	for i := int64(1); i <= n; i++ {
		assert.True(t, seen[i], "missing event id %d", i)
	}
}

func TestMemoryStorage_ReadEventsAfter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage(0)
	s, _ := store.CreateSession(ctx, ServerCapabilities{})
	for i := 0; i < 10; i++ {
		_, err := store.AppendEvent(ctx, s.ID, json.RawMessage(`{}`))
		require.NoError(t, err)
	}

	events, err := store.ReadEventsAfter(ctx, s.ID, 7, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(8), events[0].EventID)
	assert.Equal(t, int64(10), events[2].EventID)

	// Boundary property 11: Last-Event-Id greater than latest yields no
	// events.
	events, err = store.ReadEventsAfter(ctx, s.ID, 999, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMemoryStorage_LatestEventID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage(0)
	s, _ := store.CreateSession(ctx, ServerCapabilities{})

	_, ok, err := store.LatestEventID(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	store.AppendEvent(ctx, s.ID, json.RawMessage(`{}`))
	store.AppendEvent(ctx, s.ID, json.RawMessage(`{}`))

	id, ok, err := store.LatestEventID(ctx, s.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), id)
}

func TestMemoryStorage_TrimEvents(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage(0)
	s, _ := store.CreateSession(ctx, ServerCapabilities{})
	for i := 0; i < 5; i++ {
		store.AppendEvent(ctx, s.ID, json.RawMessage(`{}`))
	}
	require.NoError(t, store.TrimEvents(ctx, s.ID, 3))
	events, err := store.ReadEventsAfter(ctx, s.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(4), events[0].EventID)
}

func TestMemoryStorage_Expire(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage(0)
	s, _ := store.CreateSession(ctx, ServerCapabilities{})
	s.touch(0) // ancient activity

	expired, err := store.Expire(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{s.ID}, expired)

	_, err = store.GetSession(ctx, s.ID)
	assert.Error(t, err)
}
