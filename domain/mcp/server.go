package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// Server composes C1-C11 into the façade the Streamable HTTP handler
// drives: session lifecycle, middleware, dispatch, and broadcast, wired
// once at construction.
type Server struct {
	Sessions   *SessionManager
	Streams    *StreamManager
	Registry   *Registry
	Dispatcher *Dispatcher
	Middleware *MiddlewareStack
	Tools      ToolProvider

	capabilities    ServerCapabilities
	instructions    string
	strictLifecycle bool
	log             *slog.Logger
}

type ServerConfig struct {
	Storage         Storage
	Tools           ToolProvider
	Middleware      []Middleware
	Capabilities    ServerCapabilities
	Instructions    string
	StrictLifecycle bool
	SessionTTL      time.Duration
	CleanupInterval time.Duration
	BroadcastCap    int
	Log             *slog.Logger
}

func NewServer(cfg ServerConfig) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	cleanup := cfg.CleanupInterval
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	manager := NewSessionManager(cfg.Storage, log, ttl, cleanup, cfg.StrictLifecycle)
	streams := NewStreamManager(cfg.Storage, log, cfg.BroadcastCap)
	registry := NewRegistry()
	RegisterBuiltins(registry, manager, cfg.Tools)
	dispatcher := NewDispatcher(registry, log)

	caps := cfg.Capabilities
	if (caps == ServerCapabilities{}) {
		caps = DefaultServerCapabilities()
	}

	return &Server{
		Sessions:        manager,
		Streams:         streams,
		Registry:        registry,
		Dispatcher:      dispatcher,
		Middleware:      NewMiddlewareStack(cfg.Middleware...),
		Tools:           cfg.Tools,
		capabilities:    caps,
		instructions:    cfg.Instructions,
		strictLifecycle: cfg.StrictLifecycle,
		log:             log,
	}
}

// HandleInitialize executes the special-cased initialize method (§4.3):
// no session lookup, allocates a new session, negotiates the protocol
// version, and returns both the session and the response so the HTTP
// handler can stamp Mcp-Session-Id.
func (s *Server) HandleInitialize(ctx context.Context, reqID json.RawMessage, params []byte) (*Session, *Response) {
	var p InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewErrorResponse(reqID, ErrCodeInvalidParams, "invalid initialize params: "+err.Error(), nil)
		}
	}
	if p.ClientInfo.Name == "" {
		return nil, NewErrorResponse(reqID, ErrCodeInvalidParams, "clientInfo.name is required", nil)
	}

	negotiated, ok := NegotiateVersion(p.ProtocolVersion)
	if !ok {
		return nil, NewErrorResponse(reqID, ErrCodeInvalidParams, "unsupported protocol version: "+p.ProtocolVersion, nil)
	}

	session, err := s.Sessions.Create(ctx, s.capabilities)
	if err != nil {
		return nil, NewErrorResponse(reqID, ErrCodeInternalError, "failed to create session", nil)
	}
	session.ProtocolVersion = negotiated
	session.ClientInfo = p.ClientInfo
	session.ClientCapabilities = p.Capabilities
	if err := s.Sessions.storage.UpdateSession(ctx, session); err != nil {
		return nil, NewErrorResponse(reqID, ErrCodeInternalError, "failed to persist session", nil)
	}

	result := InitializeResult{
		ProtocolVersion: negotiated,
		Capabilities:    s.capabilities,
		ServerInfo:      ServerInfo,
		Instructions:    s.instructions,
	}
	return session, NewSuccessResponse(reqID, result)
}

// HandleDispatch runs the full before-hook -> injection -> dispatch ->
// after-hook pipeline for a non-initialize frame against an existing
// session. Returns nil for notifications.
func (s *Server) HandleDispatch(ctx context.Context, session *Session, req *Request, headerCtx *RequestContext) *Response {
	view := newSessionView(session)

	injection, herr := s.Middleware.RunBefore(ctx, headerCtx, view)
	if herr != nil {
		if req.IsNotification() {
			return nil
		}
		return NewErrorResponse(req.ID, herr.Code, herr.Message, herr.Data)
	}

	if err := s.Sessions.ApplyInjection(ctx, session, injection); err != nil {
		if req.IsNotification() {
			return nil
		}
		return NewErrorResponse(req.ID, ErrCodeInternalError, "failed to apply session injection", nil)
	}

	if herr := s.Sessions.RequireInitialized(session, req.Method); herr != nil {
		if req.IsNotification() {
			return nil
		}
		return NewErrorResponse(req.ID, herr.Code, herr.Message, herr.Data)
	}

	sc := NewSessionContext(ctx, session, s.Streams, s.Sessions)
	resp := s.Dispatcher.Dispatch(ctx, req, sc)

	s.Middleware.RunAfter(ctx, headerCtx, view, resp)
	return resp
}
