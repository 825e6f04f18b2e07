package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aussierobots/turul-mcp-go/domain/mcp"
)

func TestMiddleware_AllowsInitializeWithNoSession(t *testing.T) {
	m := New(1, 1)
	req := mcp.NewRequestContext("initialize", nil, nil)
	herr := m.BeforeDispatch(context.Background(), req, nil, mcp.NewSessionInjection())
	assert.Nil(t, herr)
}

func TestMiddleware_AllowsWithinBurstThenRejects(t *testing.T) {
	m := New(0.001, 2) // effectively no refill within the test's lifetime
	session := &mcp.SessionView{SessionID: "s1"}
	req := mcp.NewRequestContext("tools/call", nil, nil)

	herr := m.BeforeDispatch(context.Background(), req, session, mcp.NewSessionInjection())
	require.Nil(t, herr)
	herr = m.BeforeDispatch(context.Background(), req, session, mcp.NewSessionInjection())
	require.Nil(t, herr)

	herr = m.BeforeDispatch(context.Background(), req, session, mcp.NewSessionInjection())
	require.NotNil(t, herr)
	assert.Equal(t, mcp.ErrCodeRateLimitExceeded, herr.Code)
}

func TestMiddleware_PerSessionIsolation(t *testing.T) {
	m := New(0.001, 1)
	req := mcp.NewRequestContext("tools/call", nil, nil)

	s1 := &mcp.SessionView{SessionID: "s1"}
	s2 := &mcp.SessionView{SessionID: "s2"}

	require.Nil(t, m.BeforeDispatch(context.Background(), req, s1, mcp.NewSessionInjection()))
	// s1 is now exhausted, but s2 has its own independent bucket.
	require.Nil(t, m.BeforeDispatch(context.Background(), req, s2, mcp.NewSessionInjection()))

	herr := m.BeforeDispatch(context.Background(), req, s1, mcp.NewSessionInjection())
	require.NotNil(t, herr)
}

func TestMiddleware_Forget(t *testing.T) {
	m := New(0.001, 1)
	req := mcp.NewRequestContext("tools/call", nil, nil)
	session := &mcp.SessionView{SessionID: "s1"}

	require.Nil(t, m.BeforeDispatch(context.Background(), req, session, mcp.NewSessionInjection()))
	m.Forget("s1")

	// Forgetting recreates a fresh bucket, so the next call is allowed again.
	require.Nil(t, m.BeforeDispatch(context.Background(), req, session, mcp.NewSessionInjection()))
}
