package mcp

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/uptrace/bun"
)

// PostgresStorage is the bun/pgx-backed reference Storage implementation
// (§4.5), grounded on the teacher's bun.IDB-based repositories in
// internal/database. Event-id allocation is serialized per session by
// incrementing the session row's next_event_id column inside the same
// transaction that inserts the event, so two concurrent writers for the
// same session never observe the same id (invariant 1).
type PostgresStorage struct {
	db bun.IDB
}

// NewPostgresStorage wraps a bun.IDB (typically *bun.DB) as a Storage.
func NewPostgresStorage(db bun.IDB) *PostgresStorage {
	return &PostgresStorage{db: db}
}

type sessionRow struct {
	bun.BaseModel `bun:"table:mcp_sessions"`

	SessionID          string          `bun:"session_id,pk"`
	ProtocolVersion     string          `bun:"protocol_version"`
	ClientInfo          json.RawMessage `bun:"client_info"`
	ClientCapabilities  json.RawMessage `bun:"client_capabilities"`
	ServerCapabilities  json.RawMessage `bun:"server_capabilities"`
	State               json.RawMessage `bun:"state"`
	Metadata            json.RawMessage `bun:"metadata"`
	LoggingLevel        string          `bun:"logging_level"`
	Initialized         bool            `bun:"initialized"`
	NextEventID         int64           `bun:"next_event_id"`
	CreatedAt           int64           `bun:"created_at"`
	LastActivityAt       int64           `bun:"last_activity_at"`
}

type eventRow struct {
	bun.BaseModel `bun:"table:mcp_session_events"`

	SessionID string          `bun:"session_id,pk"`
	EventID   int64           `bun:"event_id,pk"`
	Payload   json.RawMessage `bun:"payload"`
	CreatedAt int64           `bun:"created_at"`
}

func (r *sessionRow) toSession() (*Session, error) {
	s := &Session{
		ID:                 r.SessionID,
		ProtocolVersion:    r.ProtocolVersion,
		ClientCapabilities: r.ClientCapabilities,
		LoggingLevel:       LogLevel(r.LoggingLevel),
		Initialized:        r.Initialized,
		CreatedAt:          r.CreatedAt,
		LastActivityAt:     r.LastActivityAt,
	}
	if len(r.ClientInfo) > 0 {
		if err := json.Unmarshal(r.ClientInfo, &s.ClientInfo); err != nil {
			return nil, err
		}
	}
	if len(r.ServerCapabilities) > 0 {
		if err := json.Unmarshal(r.ServerCapabilities, &s.ServerCapabilities); err != nil {
			return nil, err
		}
	}
	s.State = map[string]json.RawMessage{}
	if len(r.State) > 0 {
		if err := json.Unmarshal(r.State, &s.State); err != nil {
			return nil, err
		}
	}
	s.Metadata = map[string]json.RawMessage{}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &s.Metadata); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func rowFromSession(s *Session) (*sessionRow, error) {
	cp := s.clone()
	clientInfo, err := json.Marshal(cp.ClientInfo)
	if err != nil {
		return nil, err
	}
	serverCaps, err := json.Marshal(cp.ServerCapabilities)
	if err != nil {
		return nil, err
	}
	state, err := json.Marshal(cp.State)
	if err != nil {
		return nil, err
	}
	metadata, err := json.Marshal(cp.Metadata)
	if err != nil {
		return nil, err
	}
	return &sessionRow{
		SessionID:          cp.ID,
		ProtocolVersion:    cp.ProtocolVersion,
		ClientInfo:         clientInfo,
		ClientCapabilities: cp.ClientCapabilities,
		ServerCapabilities: serverCaps,
		State:              state,
		Metadata:           metadata,
		LoggingLevel:       string(cp.LoggingLevel),
		Initialized:        cp.Initialized,
		CreatedAt:          cp.CreatedAt,
		LastActivityAt:     cp.LastActivityAt,
	}, nil
}

func (p *PostgresStorage) CreateSession(ctx context.Context, caps ServerCapabilities) (*Session, error) {
	now := time.Now().UnixMilli()
	id := NewSessionID()
	s := newSession(id, caps, now)
	row, err := rowFromSession(s)
	if err != nil {
		return nil, err
	}
	row.NextEventID = 1
	if _, err := p.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *PostgresStorage) GetSession(ctx context.Context, id string) (*Session, error) {
	row := new(sessionRow)
	err := p.db.NewSelect().Model(row).Where("session_id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newNotFoundError("session")
	}
	if err != nil {
		return nil, err
	}
	return row.toSession()
}

func (p *PostgresStorage) UpdateSession(ctx context.Context, s *Session) error {
	row, err := rowFromSession(s)
	if err != nil {
		return err
	}
	res, err := p.db.NewUpdate().Model(row).
		Column("protocol_version", "client_info", "client_capabilities", "server_capabilities",
			"state", "metadata", "logging_level", "initialized", "last_activity_at").
		Where("session_id = ?", row.SessionID).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return newNotFoundError("session")
	}
	return nil
}

func (p *PostgresStorage) DeleteSession(ctx context.Context, id string) (bool, error) {
	res, err := p.db.NewDelete().Model((*sessionRow)(nil)).Where("session_id = ?", id).Exec(ctx)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (p *PostgresStorage) ListSessions(ctx context.Context) ([]string, error) {
	var ids []string
	err := p.db.NewSelect().Model((*sessionRow)(nil)).Column("session_id").Scan(ctx, &ids)
	return ids, err
}

func (p *PostgresStorage) Expire(ctx context.Context, horizonMillis int64) ([]string, error) {
	var ids []string
	err := p.db.NewSelect().Model((*sessionRow)(nil)).
		Column("session_id").
		Where("last_activity_at < ?", horizonMillis).
		Scan(ctx, &ids)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := p.db.NewDelete().Model((*sessionRow)(nil)).Where("session_id IN (?)", bun.In(ids)).Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// AppendEvent increments the session's next_event_id counter and inserts
// the event row in the same transaction, serializing allocation through
// Postgres row-level locking on the UPDATE.
func (p *PostgresStorage) AppendEvent(ctx context.Context, sessionID string, payload json.RawMessage) (int64, error) {
	txDB, ok := p.db.(*bun.DB)
	if !ok {
		return p.appendEventNoTx(ctx, sessionID, payload)
	}
	var eventID int64
	err := txDB.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		id, err := appendEventTx(ctx, tx, sessionID, payload)
		if err != nil {
			return err
		}
		eventID = id
		return nil
	})
	return eventID, err
}

func (p *PostgresStorage) appendEventNoTx(ctx context.Context, sessionID string, payload json.RawMessage) (int64, error) {
	return appendEventTx(ctx, p.db, sessionID, payload)
}

func appendEventTx(ctx context.Context, db bun.IDB, sessionID string, payload json.RawMessage) (int64, error) {
	var nextID int64
	err := db.NewRaw(
		"UPDATE mcp_sessions SET next_event_id = next_event_id + 1 WHERE session_id = ? RETURNING next_event_id - 1",
		sessionID,
	).Scan(ctx, &nextID)
	if err != nil {
		return 0, err
	}
	row := &eventRow{
		SessionID: sessionID,
		EventID:   nextID,
		Payload:   payload,
		CreatedAt: time.Now().UnixMilli(),
	}
	if _, err := db.NewInsert().Model(row).Exec(ctx); err != nil {
		return 0, err
	}
	return nextID, nil
}

func (p *PostgresStorage) ReadEventsAfter(ctx context.Context, sessionID string, afterEventID int64, limit int) ([]EventRecord, error) {
	var rows []eventRow
	q := p.db.NewSelect().Model(&rows).
		Where("session_id = ? AND event_id > ?", sessionID, afterEventID).
		Order("event_id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]EventRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, EventRecord{EventID: r.EventID, SessionID: r.SessionID, Payload: r.Payload, CreatedAt: r.CreatedAt})
	}
	return out, nil
}

func (p *PostgresStorage) LatestEventID(ctx context.Context, sessionID string) (int64, bool, error) {
	var id int64
	err := p.db.NewSelect().Model((*eventRow)(nil)).
		ColumnExpr("COALESCE(MAX(event_id), 0)").
		Where("session_id = ?", sessionID).
		Scan(ctx, &id)
	if err != nil {
		return 0, false, err
	}
	if id == 0 {
		return 0, false, nil
	}
	return id, true, nil
}

func (p *PostgresStorage) TrimEvents(ctx context.Context, sessionID string, keepAfterID int64) error {
	_, err := p.db.NewDelete().Model((*eventRow)(nil)).
		Where("session_id = ? AND event_id <= ?", sessionID, keepAfterID).
		Exec(ctx)
	return err
}

func (p *PostgresStorage) ClearSession(ctx context.Context, sessionID string) error {
	_, err := p.db.NewDelete().Model((*eventRow)(nil)).Where("session_id = ?", sessionID).Exec(ctx)
	return err
}
