package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// metaPrefix is the reserved key prefix that separates middleware-visible
// metadata from tool-visible state inside the same storage row, per
// mcp_session.rs's state/metadata split.
const metaPrefix = "__meta__:"

// ClientInfo is the client half of the initialize handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Session is the full in-memory view of a session record (C4/C5's
// SessionRecord). Session storage backends marshal this shape; the
// session manager is the only writer.
type Session struct {
	ID                 string          `json:"session_id"`
	ProtocolVersion    string          `json:"protocol_version"`
	ClientInfo         ClientInfo      `json:"client_info"`
	ClientCapabilities json.RawMessage `json:"client_capabilities,omitempty"`
	ServerCapabilities ServerCapabilities `json:"server_capabilities"`
	State              map[string]json.RawMessage `json:"state"`
	Metadata           map[string]json.RawMessage `json:"metadata"`
	LoggingLevel       LogLevel `json:"logging_level"`
	Initialized        bool     `json:"initialized"`
	CreatedAt          int64    `json:"created_at"`
	LastActivityAt      int64    `json:"last_activity_at"`

	mu sync.RWMutex
}

// NewSessionID allocates a time-sortable opaque session id. uuid.NewV7
// embeds a millisecond timestamp in its high bits, which is the
// "recommended ordered id" §3 calls for.
func NewSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func newSession(id string, caps ServerCapabilities, nowMillis int64) *Session {
	return &Session{
		ID:                 id,
		ServerCapabilities: caps,
		State:              make(map[string]json.RawMessage),
		Metadata:           make(map[string]json.RawMessage),
		LoggingLevel:       DefaultLogLevel,
		Initialized:        false,
		CreatedAt:          nowMillis,
		LastActivityAt:     nowMillis,
	}
}

// StateGet reads a tool-visible state value.
func (s *Session) StateGet(key string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.State[key]
	return v, ok
}

// StateSet writes a tool-visible state value in place. Callers that need
// durability must also persist via the storage backend's UpdateSession;
// this mutates the in-process copy only.
func (s *Session) StateSet(key string, value json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State[key] = value
}

func (s *Session) StateRemove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.State, key)
}

func (s *Session) MetadataGet(key string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.Metadata[metaPrefix+key]
	return v, ok
}

func (s *Session) MetadataSet(key string, value json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Metadata[metaPrefix+key] = value
}

func (s *Session) GetLoggingLevel() LogLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.LoggingLevel
}

func (s *Session) setLoggingLevel(level LogLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LoggingLevel = level
}

func (s *Session) setInitialized() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Initialized = true
}

func (s *Session) isInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Initialized
}

func (s *Session) touch(nowMillis int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActivityAt = nowMillis
}

// clone returns a value copy safe to hand to storage's UpdateSession
// without racing the live mutex.
func (s *Session) clone() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := make(map[string]json.RawMessage, len(s.State))
	for k, v := range s.State {
		state[k] = v
	}
	meta := make(map[string]json.RawMessage, len(s.Metadata))
	for k, v := range s.Metadata {
		meta[k] = v
	}
	cp := *s
	cp.State = state
	cp.Metadata = meta
	return &cp
}

// SessionInjection accumulates deferred state/metadata writes produced by
// a middleware chain's before-hooks (C8). It is write-only from the
// middleware's perspective and applied atomically after the whole chain
// succeeds.
type SessionInjection struct {
	StateWrites    map[string]json.RawMessage
	MetadataWrites map[string]json.RawMessage
}

func NewSessionInjection() *SessionInjection {
	return &SessionInjection{
		StateWrites:    make(map[string]json.RawMessage),
		MetadataWrites: make(map[string]json.RawMessage),
	}
}

func (i *SessionInjection) SetState(key string, value json.RawMessage) {
	i.StateWrites[key] = value
}

func (i *SessionInjection) SetMetadata(key string, value json.RawMessage) {
	i.MetadataWrites[key] = value
}

// merge folds other into i, with other's writes winning on key conflict
// ("later writes win" per §4.8).
func (i *SessionInjection) merge(other *SessionInjection) {
	for k, v := range other.StateWrites {
		i.StateWrites[k] = v
	}
	for k, v := range other.MetadataWrites {
		i.MetadataWrites[k] = v
	}
}

// SessionManager (C4) is the single authority for session lifecycle,
// initialized transitions, and logging-level writes. It delegates
// persistence to a Storage backend and owns the periodic expiry sweep.
type SessionManager struct {
	storage Storage
	log     *slog.Logger

	sessionTTL      time.Duration
	cleanupInterval time.Duration
	strictLifecycle bool

	stopCh chan struct{}
	once   sync.Once

	onDestroy func(sessionID string)
}

// SetDestroyHook registers a callback invoked once per session removed by
// Destroy or the TTL sweep, for collaborators keyed by session id (e.g.
// pkg/ratelimit's per-session limiters) to release their own state without
// this package depending on them directly.
func (m *SessionManager) SetDestroyHook(onDestroy func(sessionID string)) {
	m.onDestroy = onDestroy
}

func NewSessionManager(storage Storage, log *slog.Logger, sessionTTL, cleanupInterval time.Duration, strictLifecycle bool) *SessionManager {
	return &SessionManager{
		storage:         storage,
		log:             log,
		sessionTTL:      sessionTTL,
		cleanupInterval: cleanupInterval,
		strictLifecycle: strictLifecycle,
		stopCh:          make(chan struct{}),
	}
}

// Count reports the number of sessions currently tracked by storage, for
// an observability layer's active-sessions gauge.
func (m *SessionManager) Count(ctx context.Context) (int, error) {
	ids, err := m.storage.ListSessions(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Create allocates a new session during initialize dispatch.
func (m *SessionManager) Create(ctx context.Context, caps ServerCapabilities) (*Session, error) {
	return m.storage.CreateSession(ctx, caps)
}

func (m *SessionManager) Get(ctx context.Context, id string) (*Session, error) {
	return m.storage.GetSession(ctx, id)
}

// Touch updates last-activity and persists it.
func (m *SessionManager) Touch(ctx context.Context, s *Session) error {
	s.touch(time.Now().UnixMilli())
	return m.storage.UpdateSession(ctx, s)
}

// MarkInitialized transitions a session on receipt of
// notifications/initialized. The transition is monotonic: once true,
// never observed false again (invariant 3).
func (m *SessionManager) MarkInitialized(ctx context.Context, s *Session) error {
	s.setInitialized()
	return m.storage.UpdateSession(ctx, s)
}

// RequireInitialized enforces strict-lifecycle (§4.4): any method other
// than initialize/ping on an uninitialized session is rejected when
// strict mode is on. The notifications/initialized frame itself always
// passes, since it is what initializes the session.
func (m *SessionManager) RequireInitialized(s *Session, method string) *HandlerError {
	if !m.strictLifecycle {
		return nil
	}
	if method == "initialize" || method == "ping" || method == "notifications/initialized" {
		return nil
	}
	if s.isInitialized() {
		return nil
	}
	return ErrSessionNotInitialized()
}

// SetLoggingLevel mutates session.logging_level atomically and persists
// it. Two consecutive calls with the same value are idempotent and never
// spurious at this layer (invariant 8) — the handler above decides
// whether to suppress a redundant notification.
func (m *SessionManager) SetLoggingLevel(ctx context.Context, s *Session, level LogLevel) error {
	s.setLoggingLevel(level)
	return m.storage.UpdateSession(ctx, s)
}

// ApplyInjection atomically applies a merged SessionInjection to a
// session's state/metadata, then persists the result. Called once, after
// all before-hooks succeed and before dispatch.
func (m *SessionManager) ApplyInjection(ctx context.Context, s *Session, injection *SessionInjection) error {
	if injection == nil {
		return nil
	}
	for k, v := range injection.StateWrites {
		s.StateSet(k, v)
	}
	for k, v := range injection.MetadataWrites {
		s.mu.Lock()
		s.Metadata[metaPrefix+k] = v
		s.mu.Unlock()
	}
	return m.storage.UpdateSession(ctx, s)
}

func (m *SessionManager) Destroy(ctx context.Context, id string) (bool, error) {
	ok, err := m.storage.DeleteSession(ctx, id)
	if ok && m.onDestroy != nil {
		m.onDestroy(id)
	}
	return ok, err
}

// StartSweeper launches the periodic expiry sweep described in §4.4; it
// also performs one immediate sweep on startup to recover stuck sessions
// left over from a prior process.
func (m *SessionManager) StartSweeper(ctx context.Context) {
	go func() {
		m.sweep(ctx)
		ticker := time.NewTicker(m.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *SessionManager) sweep(ctx context.Context) {
	horizon := time.Now().Add(-m.sessionTTL).UnixMilli()
	expired, err := m.storage.Expire(ctx, horizon)
	if err != nil {
		m.log.Error("session sweep failed", "error", err)
		return
	}
	if len(expired) > 0 {
		m.log.Info("expired idle sessions", "count", len(expired))
		if m.onDestroy != nil {
			for _, id := range expired {
				m.onDestroy(id)
			}
		}
	}
}

func (m *SessionManager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
}
