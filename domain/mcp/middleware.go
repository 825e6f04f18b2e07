package mcp

import (
	"context"
	"net/http"
)

// RequestContext is the per-HTTP-request mutable context middleware
// operates on (§3 "Request context"). Metadata keys are the transport's
// lower-cased header names.
type RequestContext struct {
	Method   string
	Params   []byte
	Metadata map[string]string

	frozen bool
}

func NewRequestContext(method string, params []byte, headers http.Header) *RequestContext {
	meta := make(map[string]string, len(headers))
	for k, v := range headers {
		if len(v) > 0 {
			meta[lowerHeader(k)] = v[0]
		}
	}
	return &RequestContext{Method: method, Params: params, Metadata: meta}
}

func lowerHeader(k string) string {
	b := []byte(k)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// SessionView is the read-only session view middleware sees; it is absent
// (nil) on `initialize`, since no session exists yet at that point.
type SessionView struct {
	SessionID       string
	ProtocolVersion string
	Initialized     bool
	StateGet        func(key string) ([]byte, bool)
	MetadataGet     func(key string) ([]byte, bool)
}

// Middleware is one link in the chain (C8). BeforeDispatch may accumulate
// writes into injection and must return a *HandlerError to short-circuit
// the remaining chain and the dispatch itself. AfterDispatch runs in
// reverse order and cannot fail the request (dispatch has already
// completed); it may still observe/adjust the response for things like
// response-header stamping.
type Middleware interface {
	Name() string
	BeforeDispatch(ctx context.Context, req *RequestContext, session *SessionView, injection *SessionInjection) *HandlerError
	AfterDispatch(ctx context.Context, req *RequestContext, session *SessionView, resp *Response)
}

// MiddlewareStack runs an ordered list of Middleware: before-hooks
// M1..Mn, after-hooks Mn..M1 (§4.8).
type MiddlewareStack struct {
	chain []Middleware
}

func NewMiddlewareStack(mw ...Middleware) *MiddlewareStack {
	return &MiddlewareStack{chain: mw}
}

func (s *MiddlewareStack) Use(mw Middleware) {
	s.chain = append(s.chain, mw)
}

// RunBefore executes M1..Mn. On the first failure, it stops immediately —
// neither the remaining middleware nor the caller's dispatch runs — and
// returns the accumulated injection discarded (callers must not apply it
// on error), per invariant 6.
func (s *MiddlewareStack) RunBefore(ctx context.Context, req *RequestContext, session *SessionView) (*SessionInjection, *HandlerError) {
	injection := NewSessionInjection()
	for _, mw := range s.chain {
		sub := NewSessionInjection()
		if err := mw.BeforeDispatch(ctx, req, session, sub); err != nil {
			return nil, err
		}
		injection.merge(sub)
	}
	req.frozen = true
	return injection, nil
}

// RunAfter executes Mn..M1.
func (s *MiddlewareStack) RunAfter(ctx context.Context, req *RequestContext, session *SessionView, resp *Response) {
	for i := len(s.chain) - 1; i >= 0; i-- {
		s.chain[i].AfterDispatch(ctx, req, session, resp)
	}
}

// newSessionView builds the read-only view a middleware/handler sees from
// a live Session, binding accessors back to the session's own locking.
func newSessionView(s *Session) *SessionView {
	if s == nil {
		return nil
	}
	return &SessionView{
		SessionID:       s.ID,
		ProtocolVersion: s.ProtocolVersion,
		Initialized:     s.isInitialized(),
		StateGet: func(key string) ([]byte, bool) {
			v, ok := s.StateGet(key)
			return v, ok
		},
		MetadataGet: func(key string) ([]byte, bool) {
			v, ok := s.MetadataGet(key)
			return v, ok
		},
	}
}
