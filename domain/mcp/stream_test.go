package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamManager_Broadcast_JournalsThenFansOut(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage(0)
	sm := NewStreamManager(store, discardLogger(), 16)

	sessionID := "sess-1"
	ch, cancel := sm.Subscribe(sessionID, 0)
	defer cancel()

	require.NoError(t, sm.Send(ctx, sessionID, "notifications/progress", map[string]int{"x": 1}))

	select {
	case evt := <-ch:
		assert.Equal(t, int64(1), evt.EventID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast event")
	}

	// The event must also be durably journaled, independent of any live
	// subscriber.
	events, err := store.ReadEventsAfter(ctx, sessionID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

// TestStreamManager_Broadcast_DiscardsAtOrBelowCursor covers §4.6: a
// subscriber anchored at cursor N must never receive an event with id<=N,
// since those were (or will be) delivered via replay.
func TestStreamManager_Broadcast_DiscardsAtOrBelowCursor(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage(0)
	sm := NewStreamManager(store, discardLogger(), 16)
	sessionID := "sess-2"

	// Pre-seed two journaled events before any subscriber attaches, as if
	// they happened during a previous connection.
	_, err := store.AppendEvent(ctx, sessionID, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	_, err = store.AppendEvent(ctx, sessionID, json.RawMessage(`{"n":2}`))
	require.NoError(t, err)

	// Subscriber resumes with cursor=2 (it already consumed events 1 and 2
	// via replay).
	ch, cancel := sm.Subscribe(sessionID, 2)
	defer cancel()

	// A second subscriber anchored at cursor=3 already holds id 3.
	ahead, cancelAhead := sm.Subscribe(sessionID, 3)
	defer cancelAhead()

	require.NoError(t, sm.Broadcast(ctx, sessionID, json.RawMessage(`{"n":"dup"}`)))
	// The broadcast above journals as event id 3, which is > cursor, so it
	// must be delivered.
	select {
	case evt := <-ch:
		assert.Equal(t, int64(3), evt.EventID)
	case <-time.After(time.Second):
		t.Fatal("expected event above cursor to be delivered")
	}

	// Event 3 is at the second subscriber's cursor, so it must be
	// discarded there; the first subscriber gets nothing beyond it.
	select {
	case evt := <-ch:
		t.Fatalf("unexpected extra event delivered: %+v", evt)
	case evt := <-ahead:
		t.Fatalf("event at or below cursor delivered: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStreamManager_Replay_ReturnsTailAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage(0)
	sm := NewStreamManager(store, discardLogger(), 16)
	sessionID := "sess-3"

	for i := 0; i < 5; i++ {
		_, err := store.AppendEvent(ctx, sessionID, json.RawMessage(`{}`))
		require.NoError(t, err)
	}

	events, cursor, err := sm.Replay(ctx, sessionID, 2)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(5), cursor)

	// Replaying from the end yields nothing and holds the cursor steady.
	events, cursor, err = sm.Replay(ctx, sessionID, 5)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, int64(5), cursor)
}

// TestStreamManager_ReplayThenSubscribe_NoGapNoDuplicate exercises the
// full resume handoff: replay the journal tail, then subscribe live
// anchored at the replay's returned cursor, and confirm a
// subsequently-broadcast event arrives exactly once.
func TestStreamManager_ReplayThenSubscribe_NoGapNoDuplicate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage(0)
	sm := NewStreamManager(store, discardLogger(), 16)
	sessionID := "sess-4"

	for i := 0; i < 3; i++ {
		_, err := store.AppendEvent(ctx, sessionID, json.RawMessage(`{}`))
		require.NoError(t, err)
	}

	replayed, cursor, err := sm.Replay(ctx, sessionID, 0)
	require.NoError(t, err)
	require.Len(t, replayed, 3)
	assert.Equal(t, int64(3), cursor)

	ch, cancel := sm.Subscribe(sessionID, cursor)
	defer cancel()

	require.NoError(t, sm.Send(ctx, sessionID, "notifications/progress", map[string]int{"x": 1}))
	select {
	case evt := <-ch:
		assert.Equal(t, int64(4), evt.EventID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for post-replay event")
	}
}

func TestStreamManager_Subscribe_CancelRemovesSubscriberAndDropsEmptyStream(t *testing.T) {
	store := NewMemoryStorage(0)
	sm := NewStreamManager(store, discardLogger(), 16)
	_, cancel := sm.Subscribe("sess-5", 0)
	cancel()

	sm.mu.Lock()
	_, exists := sm.streams["sess-5"]
	sm.mu.Unlock()
	assert.False(t, exists)
}

// TestStreamManager_JournalHook_FiresOncePerAppendedEvent covers the seam
// pkg/metrics uses to track journal size: the hook fires exactly once per
// successful Broadcast, not per subscriber fanned out to.
func TestStreamManager_JournalHook_FiresOncePerAppendedEvent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage(0)
	sm := NewStreamManager(store, discardLogger(), 16)
	sessionID := "sess-7"

	var count int
	sm.SetJournalHook(func() { count++ })

	ch1, cancel1 := sm.Subscribe(sessionID, 0)
	defer cancel1()
	ch2, cancel2 := sm.Subscribe(sessionID, 0)
	defer cancel2()

	require.NoError(t, sm.Send(ctx, sessionID, "notifications/progress", map[string]int{"x": 1}))
	<-ch1
	<-ch2

	assert.Equal(t, 1, count)
}

func TestStreamManager_Drop_ClosesAllSubscriberChannels(t *testing.T) {
	store := NewMemoryStorage(0)
	sm := NewStreamManager(store, discardLogger(), 16)
	ch, _ := sm.Subscribe("sess-6", 0)

	sm.Drop("sess-6")

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after Drop")
}
