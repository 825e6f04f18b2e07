package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStorage is the in-memory reference Storage backend (§4.5): an
// ordered map per session for the journal, a counter per session for
// event-id allocation. Grounded on the teacher's EventStore, generalized
// to also own session records and to start event ids at 1 (the teacher's
// version started at 0).
type MemoryStorage struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	journal  map[string][]EventRecord
	nextID   map[string]int64

	maxEventsPerSession int
}

func NewMemoryStorage(maxEventsPerSession int) *MemoryStorage {
	if maxEventsPerSession <= 0 {
		maxEventsPerSession = 10_000
	}
	return &MemoryStorage{
		sessions:            make(map[string]*Session),
		journal:             make(map[string][]EventRecord),
		nextID:              make(map[string]int64),
		maxEventsPerSession: maxEventsPerSession,
	}
}

func (m *MemoryStorage) CreateSession(ctx context.Context, caps ServerCapabilities) (*Session, error) {
	now := time.Now().UnixMilli()
	id := NewSessionID()
	s := newSession(id, caps, now)
	m.mu.Lock()
	m.sessions[id] = s
	m.nextID[id] = 1
	m.mu.Unlock()
	return s, nil
}

func (m *MemoryStorage) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, newNotFoundError("session")
	}
	return s, nil
}

func (m *MemoryStorage) UpdateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; !ok {
		return newNotFoundError("session")
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStorage) DeleteSession(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false, nil
	}
	delete(m.sessions, id)
	delete(m.journal, id)
	delete(m.nextID, id)
	return true, nil
}

func (m *MemoryStorage) ListSessions(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *MemoryStorage) Expire(ctx context.Context, horizonMillis int64) ([]string, error) {
	m.mu.Lock()
	var expired []string
	for id, s := range m.sessions {
		s.mu.RLock()
		last := s.LastActivityAt
		s.mu.RUnlock()
		if last < horizonMillis {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(m.sessions, id)
		delete(m.journal, id)
		delete(m.nextID, id)
	}
	m.mu.Unlock()
	return expired, nil
}

// AppendEvent assigns the next event id under the storage lock, which is
// what makes per-session allocation strictly monotonic and gapless
// (invariant 1) regardless of how many goroutines call concurrently.
func (m *MemoryStorage) AppendEvent(ctx context.Context, sessionID string, payload json.RawMessage) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID[sessionID]
	if id == 0 {
		id = 1
	}
	rec := EventRecord{
		EventID:   id,
		SessionID: sessionID,
		Payload:   payload,
		CreatedAt: time.Now().UnixMilli(),
	}
	m.journal[sessionID] = append(m.journal[sessionID], rec)
	m.nextID[sessionID] = id + 1

	if len(m.journal[sessionID]) > m.maxEventsPerSession {
		overflow := len(m.journal[sessionID]) - m.maxEventsPerSession
		m.journal[sessionID] = m.journal[sessionID][overflow:]
	}
	return id, nil
}

func (m *MemoryStorage) ReadEventsAfter(ctx context.Context, sessionID string, afterEventID int64, limit int) ([]EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.journal[sessionID]
	out := make([]EventRecord, 0, len(all))
	for _, e := range all {
		if e.EventID > afterEventID {
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStorage) LatestEventID(ctx context.Context, sessionID string) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := m.journal[sessionID]
	if len(events) == 0 {
		return 0, false, nil
	}
	return events[len(events)-1].EventID, true, nil
}

func (m *MemoryStorage) TrimEvents(ctx context.Context, sessionID string, keepAfterID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	events := m.journal[sessionID]
	kept := events[:0:0]
	for _, e := range events {
		if e.EventID > keepAfterID {
			kept = append(kept, e)
		}
	}
	m.journal[sessionID] = kept
	return nil
}

func (m *MemoryStorage) ClearSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.journal, sessionID)
	delete(m.nextID, sessionID)
	return nil
}
