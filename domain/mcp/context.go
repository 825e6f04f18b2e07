package mcp

import (
	"context"
)

// SessionContext (C9) is the per-invocation capability object handed to
// every handler. It is deliberately narrow: handlers see accessors and
// emitters, never the Session or Storage directly, so they remain
// testable against a fake Broadcaster.
type SessionContext struct {
	ctx         context.Context
	session     *Session
	broadcaster Broadcaster
	manager     *SessionManager
}

func NewSessionContext(ctx context.Context, session *Session, broadcaster Broadcaster, manager *SessionManager) *SessionContext {
	return &SessionContext{ctx: ctx, session: session, broadcaster: broadcaster, manager: manager}
}

func (sc *SessionContext) SessionID() string {
	if sc.session == nil {
		return ""
	}
	return sc.session.ID
}

func (sc *SessionContext) StateGet(key string) ([]byte, bool) {
	return sc.session.StateGet(key)
}

// StateSet writes in-process and persists via the session manager so the
// write is durable before the handler returns.
func (sc *SessionContext) StateSet(key string, value []byte) error {
	sc.session.StateSet(key, value)
	return sc.manager.storage.UpdateSession(sc.ctx, sc.session)
}

func (sc *SessionContext) StateRemove(key string) error {
	sc.session.StateRemove(key)
	return sc.manager.storage.UpdateSession(sc.ctx, sc.session)
}

func (sc *SessionContext) LoggingLevel() LogLevel {
	return sc.session.GetLoggingLevel()
}

func (sc *SessionContext) SetLoggingLevel(level LogLevel) error {
	return sc.manager.SetLoggingLevel(sc.ctx, sc.session, level)
}

// NotifyProgress emits notifications/progress. Fire-and-forget from the
// handler's perspective: it returns once the stream manager has accepted
// (journaled) the frame (§4.9).
func (sc *SessionContext) NotifyProgress(progressToken any, progress, total float64, message string) error {
	return sc.broadcaster.Send(sc.ctx, sc.SessionID(), "notifications/progress", ProgressNotificationParams{
		ProgressToken: progressToken,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
}

// NotifyLog emits notifications/message, after the session's server-side
// logging-level filter (invariant 5): a message below the session's
// current threshold is dropped before it ever reaches the broadcaster.
func (sc *SessionContext) NotifyLog(level LogLevel, loggerName string, data any) error {
	if !sc.LoggingLevel().Allowed(level) {
		return nil
	}
	return sc.broadcaster.Send(sc.ctx, sc.SessionID(), "notifications/message", LogNotificationParams{
		Level:  level,
		Logger: loggerName,
		Data:   data,
	})
}

func (sc *SessionContext) NotifyResourceUpdated(uri string) error {
	return sc.broadcaster.Send(sc.ctx, sc.SessionID(), "notifications/resources/updated", map[string]string{"uri": uri})
}

// Send is the arbitrary escape hatch for notification methods the core
// doesn't special-case (tools/list_changed, roots/list_changed, ...).
func (sc *SessionContext) Send(method string, params any) error {
	return sc.broadcaster.Send(sc.ctx, sc.SessionID(), method, params)
}

func (sc *SessionContext) Context() context.Context {
	return sc.ctx
}
