package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, strict bool, mw ...Middleware) *Server {
	t.Helper()
	store := NewMemoryStorage(0)
	return NewServer(ServerConfig{
		Storage:         store,
		Middleware:      mw,
		StrictLifecycle: strict,
		Log:             discardLogger(),
	})
}

// TestServer_InitializeThenDispatch reproduces the S1 handshake scenario:
// initialize, notifications/initialized, then a regular request succeeds.
func TestServer_InitializeThenDispatch(t *testing.T) {
	srv := newTestServer(t, true)
	ctx := context.Background()

	initParams, _ := json.Marshal(InitializeParams{
		ProtocolVersion: LatestProtocolVersion,
		ClientInfo:      ClientInfo{Name: "test-client", Version: "1.0"},
	})
	session, resp := srv.HandleInitialize(ctx, json.RawMessage("1"), initParams)
	require.NotNil(t, session)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	headerCtx := NewRequestContext("notifications/initialized", nil, nil)
	notifyReq := &Request{JSONRPC: "2.0", Method: "notifications/initialized"}
	out := srv.HandleDispatch(ctx, session, notifyReq, headerCtx)
	assert.Nil(t, out)
	assert.True(t, session.isInitialized())

	headerCtx = NewRequestContext("tools/list", nil, nil)
	req := &Request{JSONRPC: "2.0", ID: json.RawMessage("2"), Method: "tools/list"}
	out = srv.HandleDispatch(ctx, session, req, headerCtx)
	require.NotNil(t, out)
	assert.Nil(t, out.Error)
}

// TestServer_StrictLifecycle_RejectsUninitializedSession covers
// §4.4: a request other than initialize/ping before
// notifications/initialized is rejected with -32001 in strict mode.
func TestServer_StrictLifecycle_RejectsUninitializedSession(t *testing.T) {
	srv := newTestServer(t, true)
	ctx := context.Background()

	initParams, _ := json.Marshal(InitializeParams{ClientInfo: ClientInfo{Name: "c"}})
	session, _ := srv.HandleInitialize(ctx, json.RawMessage("1"), initParams)

	headerCtx := NewRequestContext("tools/list", nil, nil)
	req := &Request{JSONRPC: "2.0", ID: json.RawMessage("2"), Method: "tools/list"}
	out := srv.HandleDispatch(ctx, session, req, headerCtx)
	require.NotNil(t, out)
	require.NotNil(t, out.Error)
	assert.Equal(t, ErrCodeSessionNotInitialized, out.Error.Code)

	// ping is always allowed, even uninitialized.
	headerCtx = NewRequestContext("ping", nil, nil)
	pingReq := &Request{JSONRPC: "2.0", ID: json.RawMessage("3"), Method: "ping"}
	out = srv.HandleDispatch(ctx, session, pingReq, headerCtx)
	require.NotNil(t, out)
	assert.Nil(t, out.Error)
}

func TestServer_HandleInitialize_RequiresClientName(t *testing.T) {
	srv := newTestServer(t, false)
	ctx := context.Background()
	params, _ := json.Marshal(InitializeParams{})
	session, resp := srv.HandleInitialize(ctx, json.RawMessage("1"), params)
	assert.Nil(t, session)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
}

func TestServer_HandleInitialize_RejectsUnsupportedVersion(t *testing.T) {
	srv := newTestServer(t, false)
	ctx := context.Background()
	params, _ := json.Marshal(InitializeParams{
		ProtocolVersion: "1999-01-01",
		ClientInfo:      ClientInfo{Name: "c"},
	})
	session, resp := srv.HandleInitialize(ctx, json.RawMessage("1"), params)
	assert.Nil(t, session)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidParams, resp.Error.Code)
}

// TestServer_MiddlewareRejection_NeverAppliesInjection covers invariant 6
// end to end: a middleware that both writes to injection and then fails
// must not have its write committed to the session.
func TestServer_MiddlewareRejection_NeverAppliesInjection(t *testing.T) {
	var before, after []string
	mw := &orderingMiddleware{
		name: "denier", before: &before, after: &after, failBefore: true,
		inject: func(i *SessionInjection) { i.SetState("leak", json.RawMessage(`true`)) },
	}
	srv := newTestServer(t, false, mw)
	ctx := context.Background()

	params, _ := json.Marshal(InitializeParams{ClientInfo: ClientInfo{Name: "c"}})
	session, _ := srv.HandleInitialize(ctx, json.RawMessage("1"), params)

	headerCtx := NewRequestContext("tools/list", nil, nil)
	req := &Request{JSONRPC: "2.0", ID: json.RawMessage("2"), Method: "tools/list"}
	out := srv.HandleDispatch(ctx, session, req, headerCtx)
	require.NotNil(t, out.Error)
	assert.Equal(t, ErrCodeUnauthenticated, out.Error.Code)

	_, ok := session.StateGet("leak")
	assert.False(t, ok, "rejected middleware's injection must never be applied")
}
