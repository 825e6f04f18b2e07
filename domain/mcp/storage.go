package mcp

import (
	"context"
	"encoding/json"
)

// EventRecord is one append-only journal entry (§3 "Event record").
type EventRecord struct {
	EventID   int64           `json:"event_id"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"created_at"`
}

// Storage (C5) is the pluggable session-storage abstraction: session
// CRUD plus the per-session event journal. Two reference backends are
// provided: MemoryStorage (storage_memory.go) and PostgresStorage
// (storage_postgres.go, via bun/pgx). The interface is intentionally
// free of SQL idioms so both can satisfy it uniformly.
type Storage interface {
	// Session CRUD.
	CreateSession(ctx context.Context, caps ServerCapabilities) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	DeleteSession(ctx context.Context, id string) (bool, error)
	ListSessions(ctx context.Context) ([]string, error)
	Expire(ctx context.Context, horizonMillis int64) ([]string, error)

	// Event journal.
	//
	// AppendEvent must serialize event-id allocation per session,
	// guaranteeing strict monotonicity with no gaps (invariant 1).
	AppendEvent(ctx context.Context, sessionID string, payload json.RawMessage) (int64, error)
	// ReadEventsAfter returns the ordered tail with event_id > afterEventID.
	// limit <= 0 means unbounded.
	ReadEventsAfter(ctx context.Context, sessionID string, afterEventID int64, limit int) ([]EventRecord, error)
	LatestEventID(ctx context.Context, sessionID string) (int64, bool, error)
	// TrimEvents drops journal entries with event_id <= keepAfterID. It is
	// a retention policy only: the trimmed range must already be before
	// any live subscriber's replay horizon (§3's "tail-before-cursor"
	// rule); the storage layer does not itself enforce that invariant.
	TrimEvents(ctx context.Context, sessionID string, keepAfterID int64) error

	// ClearSession drops all events for a session. DeleteSession does not
	// call it; the streamable HTTP DELETE handler calls it after the
	// session is destroyed.
	ClearSession(ctx context.Context, sessionID string) error
}

// notFoundError is the error storage backends return to signal a
// missing session/event without committing callers to a concrete type.
type notFoundError struct{ what string }

func (e *notFoundError) Error() string { return e.what + " not found" }

func newNotFoundError(what string) error { return &notFoundError{what} }
