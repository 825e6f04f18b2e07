package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aussierobots/turul-mcp-go/domain/mcp"
)

// DispatchMiddleware starts one span per JSON-RPC dispatch (C2), named
// after the method, and ends it once AfterDispatch observes the
// response. It keys the open span by the *mcp.RequestContext pointer,
// which is unique per dispatch and frozen after BeforeDispatch runs.
//
// A later middleware's BeforeDispatch can fail the chain, in which case
// the stack skips every after_dispatch, including this one (§4.8's
// "an error in M_k.before_dispatch means ... all after_dispatch are
// skipped"). Without a backstop that would leak the span forever.
// context.AfterFunc ends it once the request's context is done,
// independent of whether AfterDispatch ever runs.
type DispatchMiddleware struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[*mcp.RequestContext]*trackedSpan
}

type trackedSpan struct {
	span trace.Span
	once sync.Once
}

func (t *trackedSpan) end(setAttrs func(trace.Span)) {
	t.once.Do(func() {
		if setAttrs != nil {
			setAttrs(t.span)
		}
		t.span.End()
	})
}

// NewDispatchMiddleware builds the tracing middleware (C8) around
// dispatch.
func NewDispatchMiddleware(tracer trace.Tracer) *DispatchMiddleware {
	return &DispatchMiddleware{tracer: tracer, spans: make(map[*mcp.RequestContext]*trackedSpan)}
}

func (m *DispatchMiddleware) Name() string { return "tracing" }

func (m *DispatchMiddleware) BeforeDispatch(ctx context.Context, req *mcp.RequestContext, session *mcp.SessionView, injection *mcp.SessionInjection) *mcp.HandlerError {
	_, span := m.tracer.Start(ctx, "mcp.dispatch "+req.Method,
		trace.WithAttributes(attribute.String("mcp.method", req.Method)),
	)
	if session != nil {
		span.SetAttributes(attribute.String("mcp.session_id", session.SessionID))
	}
	tracked := &trackedSpan{span: span}

	m.mu.Lock()
	m.spans[req] = tracked
	m.mu.Unlock()

	context.AfterFunc(ctx, func() {
		m.mu.Lock()
		if m.spans[req] == tracked {
			delete(m.spans, req)
		}
		m.mu.Unlock()
		tracked.end(nil)
	})
	return nil
}

func (m *DispatchMiddleware) AfterDispatch(ctx context.Context, req *mcp.RequestContext, session *mcp.SessionView, resp *mcp.Response) {
	m.mu.Lock()
	tracked, ok := m.spans[req]
	delete(m.spans, req)
	m.mu.Unlock()
	if !ok {
		return
	}
	tracked.end(func(span trace.Span) {
		if resp != nil && resp.Error != nil {
			span.SetAttributes(attribute.Int("mcp.error_code", resp.Error.Code))
		}
	})
}
