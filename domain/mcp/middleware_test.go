package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// orderingMiddleware records when it ran, to assert chain ordering.
type orderingMiddleware struct {
	name       string
	before     *[]string
	after      *[]string
	failBefore bool
	inject     func(*SessionInjection)
}

func (m *orderingMiddleware) Name() string { return m.name }

func (m *orderingMiddleware) BeforeDispatch(ctx context.Context, req *RequestContext, session *SessionView, injection *SessionInjection) *HandlerError {
	*m.before = append(*m.before, m.name)
	if m.inject != nil {
		m.inject(injection)
	}
	if m.failBefore {
		return ErrUnauthenticated("denied by " + m.name)
	}
	return nil
}

func (m *orderingMiddleware) AfterDispatch(ctx context.Context, req *RequestContext, session *SessionView, resp *Response) {
	*m.after = append(*m.after, m.name)
}

func TestMiddlewareStack_OrderingForwardThenReverse(t *testing.T) {
	var before, after []string
	stack := NewMiddlewareStack(
		&orderingMiddleware{name: "m1", before: &before, after: &after},
		&orderingMiddleware{name: "m2", before: &before, after: &after},
		&orderingMiddleware{name: "m3", before: &before, after: &after},
	)

	req := NewRequestContext("tools/call", nil, nil)
	injection, herr := stack.RunBefore(context.Background(), req, nil)
	require.Nil(t, herr)
	require.NotNil(t, injection)
	assert.Equal(t, []string{"m1", "m2", "m3"}, before)

	stack.RunAfter(context.Background(), req, nil, NewSuccessResponse(json.RawMessage("1"), nil))
	assert.Equal(t, []string{"m3", "m2", "m1"}, after)
}

// TestMiddlewareStack_FirstFailureStopsChain covers invariant 6: on the
// first BeforeDispatch failure, remaining middleware never runs and the
// accumulated injection is discarded.
func TestMiddlewareStack_FirstFailureStopsChain(t *testing.T) {
	var before, after []string
	stack := NewMiddlewareStack(
		&orderingMiddleware{name: "m1", before: &before, after: &after, inject: func(i *SessionInjection) {
			i.SetState("k1", json.RawMessage(`"v1"`))
		}},
		&orderingMiddleware{name: "m2", before: &before, after: &after, failBefore: true},
		&orderingMiddleware{name: "m3", before: &before, after: &after},
	)

	req := NewRequestContext("tools/call", nil, nil)
	injection, herr := stack.RunBefore(context.Background(), req, nil)
	require.NotNil(t, herr)
	assert.Nil(t, injection)
	assert.Equal(t, []string{"m1", "m2"}, before, "m3 must not run after m2 fails")
}

func TestSessionInjection_MergeLaterWins(t *testing.T) {
	a := NewSessionInjection()
	a.SetState("k", json.RawMessage(`"first"`))
	b := NewSessionInjection()
	b.SetState("k", json.RawMessage(`"second"`))

	a.merge(b)
	assert.JSONEq(t, `"second"`, string(a.StateWrites["k"]))
}

func TestNewRequestContext_LowercasesHeaders(t *testing.T) {
	headers := map[string][]string{"X-API-Key": {"secret"}}
	rc := NewRequestContext("ping", nil, headers)
	v, ok := rc.Metadata["x-api-key"]
	require.True(t, ok)
	assert.Equal(t, "secret", v)
}
