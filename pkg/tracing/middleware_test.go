package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/aussierobots/turul-mcp-go/domain/mcp"
)

func newTestTracer() *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider()
}

func TestDispatchMiddleware_BeforeDispatch_NeverFails(t *testing.T) {
	tp := newTestTracer()
	m := NewDispatchMiddleware(tp.Tracer("test"))
	req := mcp.NewRequestContext("tools/list", nil, nil)

	herr := m.BeforeDispatch(context.Background(), req, nil, mcp.NewSessionInjection())
	assert.Nil(t, herr)
}

func TestDispatchMiddleware_AfterDispatch_EndsTrackedSpanAndForgetsIt(t *testing.T) {
	tp := newTestTracer()
	m := NewDispatchMiddleware(tp.Tracer("test"))
	req := mcp.NewRequestContext("tools/list", nil, nil)

	require.Nil(t, m.BeforeDispatch(context.Background(), req, nil, mcp.NewSessionInjection()))
	assert.Len(t, m.spans, 1)

	m.AfterDispatch(context.Background(), req, nil, mcp.NewSuccessResponse(nil, "ok"))
	assert.Len(t, m.spans, 0)
}

func TestDispatchMiddleware_AfterDispatch_UnknownRequestIsNoOp(t *testing.T) {
	tp := newTestTracer()
	m := NewDispatchMiddleware(tp.Tracer("test"))
	req := mcp.NewRequestContext("tools/list", nil, nil)

	// AfterDispatch without a matching BeforeDispatch must not panic.
	m.AfterDispatch(context.Background(), req, nil, mcp.NewSuccessResponse(nil, "ok"))
	assert.Len(t, m.spans, 0)
}

func TestDispatchMiddleware_AfterDispatch_RecordsErrorCodeAttribute(t *testing.T) {
	tp := newTestTracer()
	m := NewDispatchMiddleware(tp.Tracer("test"))
	req := mcp.NewRequestContext("tools/call", nil, nil)

	require.Nil(t, m.BeforeDispatch(context.Background(), req, nil, mcp.NewSessionInjection()))
	errResp := mcp.NewErrorResponse(nil, mcp.ErrCodeInternalError, "boom", nil)

	assert.NotPanics(t, func() {
		m.AfterDispatch(context.Background(), req, nil, errResp)
	})
	assert.Len(t, m.spans, 0)
}

func TestDispatchMiddleware_SessionAttributeSetWithoutPanic(t *testing.T) {
	tp := newTestTracer()
	m := NewDispatchMiddleware(tp.Tracer("test"))
	req := mcp.NewRequestContext("tools/list", nil, nil)
	session := &mcp.SessionView{SessionID: "sess-1"}

	herr := m.BeforeDispatch(context.Background(), req, session, mcp.NewSessionInjection())
	assert.Nil(t, herr)
	m.AfterDispatch(context.Background(), req, session, mcp.NewSuccessResponse(nil, nil))
}
