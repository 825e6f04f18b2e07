package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
)

// StreamEvent is what the broadcast channel carries: the journaled event
// id plus the already-serialized notification frame.
type StreamEvent struct {
	EventID int64
	Data    []byte
}

// subscriber is one attached SSE reader's channel handle plus its
// high-water-mark cursor (§4.6).
type subscriber struct {
	ch     chan StreamEvent
	cursor int64
}

// sessionStream holds the live broadcast state for one session: the set
// of attached subscriber channels and the id for the next subscriber.
type sessionStream struct {
	mu          sync.Mutex
	subscribers map[int64]*subscriber
	nextSubID   int64
}

// StreamManager (C6) owns per-session bounded broadcast of notifications,
// fans them out to POST and GET SSE streams, and journals every frame via
// Storage before fan-out so replay is always possible even if no
// subscriber is currently attached.
type StreamManager struct {
	storage  Storage
	log      *slog.Logger
	capacity int

	mu      sync.Mutex
	streams map[string]*sessionStream

	onDrop    func()
	onJournal func()
}

func NewStreamManager(storage Storage, log *slog.Logger, capacity int) *StreamManager {
	if capacity <= 0 {
		capacity = 128
	}
	return &StreamManager{
		storage:  storage,
		log:      log,
		capacity: capacity,
		streams:  make(map[string]*sessionStream),
	}
}

// SetDropHook registers a callback invoked once per dropped frame, for
// an observability layer (e.g. a prometheus counter) to hook into
// without this package depending on any metrics library directly.
func (m *StreamManager) SetDropHook(onDrop func()) {
	m.onDrop = onDrop
}

// SetJournalHook registers a callback invoked once per event successfully
// appended to the journal, for an observability layer's journal-size
// gauge to track without this package depending on any metrics library.
func (m *StreamManager) SetJournalHook(onJournal func()) {
	m.onJournal = onJournal
}

func (m *StreamManager) streamFor(sessionID string) *sessionStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.streams[sessionID]
	if !ok {
		st = &sessionStream{subscribers: make(map[int64]*subscriber)}
		m.streams[sessionID] = st
	}
	return st
}

// Send implements Broadcaster: journal the frame, then fan it out to
// every currently attached subscriber for the session.
func (m *StreamManager) Send(ctx context.Context, sessionID string, method string, params any) error {
	payload, err := newNotificationFrame(method, params)
	if err != nil {
		return err
	}
	return m.Broadcast(ctx, sessionID, payload)
}

// Broadcast journals an already-serialized frame and fans it out
// (§4.6's `broadcast(session_id, frame)`).
func (m *StreamManager) Broadcast(ctx context.Context, sessionID string, payload json.RawMessage) error {
	eventID, err := m.storage.AppendEvent(ctx, sessionID, payload)
	if err != nil {
		return err
	}
	if m.onJournal != nil {
		m.onJournal()
	}
	evt := StreamEvent{EventID: eventID, Data: payload}

	st := m.streamFor(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	for id, sub := range st.subscribers {
		if evt.EventID <= sub.cursor {
			// Already delivered during this subscriber's journal replay
			// (§4.6: "any live event with id <= cursor is discarded").
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Backpressure: drop the oldest undelivered frame for this
			// subscriber only (broadcast semantics) to make room for the new
			// one; the journal still has it. The GET stream does not detect
			// the resulting id gap itself: the dropped frame comes back only
			// through a later replay (a reconnect with Last-Event-Id).
			select {
			case old := <-sub.ch:
				m.log.Warn("dropping frame for slow subscriber", "session_id", sessionID, "subscriber", id, "event_id", old.EventID)
				if m.onDrop != nil {
					m.onDrop()
				}
			default:
			}
			// Cannot block: Broadcast is the only sender and holds st.mu.
			sub.ch <- evt
		}
	}
	return nil
}

// Subscribe attaches a new live subscriber anchored at cursor (the
// highest event id the caller has already consumed, typically the
// highest id seen during journal replay). Returned channel delivers only
// events with id > cursor; the returned cancel func detaches and releases
// the channel.
func (m *StreamManager) Subscribe(sessionID string, cursor int64) (<-chan StreamEvent, func()) {
	st := m.streamFor(sessionID)
	st.mu.Lock()
	id := st.nextSubID
	st.nextSubID++
	sub := &subscriber{ch: make(chan StreamEvent, m.capacity), cursor: cursor}
	st.subscribers[id] = sub
	st.mu.Unlock()

	cancel := func() {
		st.mu.Lock()
		delete(st.subscribers, id)
		remaining := len(st.subscribers)
		st.mu.Unlock()
		if remaining == 0 {
			m.mu.Lock()
			delete(m.streams, sessionID)
			m.mu.Unlock()
		}
	}
	return sub.ch, cancel
}

// Replay reads the journal tail after cursor and returns it alongside the
// cursor a live Subscribe call should anchor at next (the highest event
// id observed during replay, or the original cursor if nothing new).
func (m *StreamManager) Replay(ctx context.Context, sessionID string, cursor int64) ([]EventRecord, int64, error) {
	events, err := m.storage.ReadEventsAfter(ctx, sessionID, cursor, 0)
	if err != nil {
		return nil, cursor, err
	}
	newCursor := cursor
	if len(events) > 0 {
		newCursor = events[len(events)-1].EventID
	}
	return events, newCursor, nil
}

// Drop releases all in-memory subscriber state for a session (called on
// DELETE); the persistent journal is cleared separately via Storage.
func (m *StreamManager) Drop(sessionID string) {
	m.mu.Lock()
	st, ok := m.streams[sessionID]
	delete(m.streams, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	for _, sub := range st.subscribers {
		close(sub.ch)
	}
	st.mu.Unlock()
}
