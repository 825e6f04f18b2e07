package metrics

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aussierobots/turul-mcp-go/domain/mcp"
)

func TestNewRegistry_RegistersAllCollectors(t *testing.T) {
	r, promReg := NewRegistry()
	require.NotNil(t, r)

	r.ActiveSessions.Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(r.ActiveSessions))

	gathered, err := promReg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, gathered)
}

func TestDispatchMiddleware_BeforeDispatch_NeverFails(t *testing.T) {
	r, _ := NewRegistry()
	m := NewDispatchMiddleware(r)
	req := mcp.NewRequestContext("tools/list", nil, nil)

	herr := m.BeforeDispatch(context.Background(), req, nil, mcp.NewSessionInjection())
	assert.Nil(t, herr)
}

func TestDispatchMiddleware_AfterDispatch_CountsSuccessByMethod(t *testing.T) {
	r, _ := NewRegistry()
	m := NewDispatchMiddleware(r)
	req := mcp.NewRequestContext("tools/list", nil, nil)

	m.AfterDispatch(context.Background(), req, nil, mcp.NewSuccessResponse(nil, "ok"))

	assert.Equal(t, float64(1), testutil.ToFloat64(r.DispatchTotal.WithLabelValues("tools/list", "success")))
}

func TestDispatchMiddleware_AfterDispatch_CountsErrorSeparatelyFromSuccess(t *testing.T) {
	r, _ := NewRegistry()
	m := NewDispatchMiddleware(r)
	req := mcp.NewRequestContext("tools/call", nil, nil)

	m.AfterDispatch(context.Background(), req, nil, mcp.NewErrorResponse(nil, mcp.ErrCodeInternalError, "boom", nil))
	m.AfterDispatch(context.Background(), req, nil, mcp.NewSuccessResponse(nil, "ok"))

	assert.Equal(t, float64(1), testutil.ToFloat64(r.DispatchTotal.WithLabelValues("tools/call", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.DispatchTotal.WithLabelValues("tools/call", "success")))
}

func TestBroadcastDropped_IncrementsViaDropHook(t *testing.T) {
	r, _ := NewRegistry()
	sm := mcp.NewStreamManager(mcp.NewMemoryStorage(0), slog.New(slog.NewTextHandler(io.Discard, nil)), 1)
	sm.SetDropHook(r.BroadcastDropped.Inc)

	// A subscriber that never reads, with room for one frame: the second
	// and third broadcasts each drop one frame.
	_, cancel := sm.Subscribe("s1", 0)
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, sm.Send(context.Background(), "s1", "notifications/progress", map[string]int{"n": i}))
	}
	assert.Equal(t, float64(2), testutil.ToFloat64(r.BroadcastDropped))
}
