// Package ratelimit implements a per-session token-bucket middleware
// producing the RateLimitExceeded taxonomy entry (spec.md §7, §4.8).
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
	"go.uber.org/fx"

	"github.com/aussierobots/turul-mcp-go/domain/mcp"
	"github.com/aussierobots/turul-mcp-go/internal/config"
)

// Module provides the rate-limit middleware into the "mcp_middleware"
// fx value group, configured from MCP_RATE_LIMIT_RPS/MCP_RATE_LIMIT_BURST.
// The concrete *Middleware is also provided untagged so wireForgetHook can
// reach Forget directly, instead of only through the tagged group slice.
var Module = fx.Module("ratelimit",
	fx.Provide(
		NewFromConfig,
		fx.Annotate(func(m *Middleware) mcp.Middleware { return m }, fx.ResultTags(`group:"mcp_middleware"`)),
	),
	fx.Invoke(wireForgetHook),
)

// wireForgetHook releases a session's token bucket as soon as the session
// manager destroys it (explicit DELETE or TTL sweep), so limiters don't
// accumulate for the server's lifetime.
func wireForgetHook(server *mcp.Server, m *Middleware) {
	server.Sessions.SetDestroyHook(m.Forget)
}

// NewFromConfig builds the middleware from application config.
func NewFromConfig(cfg *config.Config) *Middleware {
	return New(cfg.RateLimitRPS, cfg.RateLimitBurst)
}

// Middleware rejects a dispatch once a session's token bucket is empty.
// Grounded on the same deferred-injection shape APIKeyMiddleware uses
// (pkg/auth), generalized from a single shared bucket to one bucket per
// session so one noisy client cannot starve others.
type Middleware struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a rate-limit middleware allowing rps requests per second
// per session, with burst capacity.
func New(rps float64, burst int) *Middleware {
	if burst <= 0 {
		burst = 1
	}
	return &Middleware{
		rps:      rate.Limit(rps),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (m *Middleware) Name() string { return "rate-limit" }

func (m *Middleware) limiterFor(sessionID string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[sessionID]
	if !ok {
		l = rate.NewLimiter(m.rps, m.burst)
		m.limiters[sessionID] = l
	}
	return l
}

func (m *Middleware) BeforeDispatch(ctx context.Context, req *mcp.RequestContext, session *mcp.SessionView, injection *mcp.SessionInjection) *mcp.HandlerError {
	if session == nil {
		// initialize has no session yet; rate limiting keys on session id,
		// so the first request of a session is always allowed through.
		return nil
	}
	if !m.limiterFor(session.SessionID).Allow() {
		retryAfter := 1
		return mcp.ErrRateLimitExceeded(&retryAfter)
	}
	return nil
}

func (m *Middleware) AfterDispatch(ctx context.Context, req *mcp.RequestContext, session *mcp.SessionView, resp *mcp.Response) {
}

// Forget releases a session's limiter, called when a session is
// destroyed so the map doesn't grow unbounded over server lifetime.
func (m *Middleware) Forget(sessionID string) {
	m.mu.Lock()
	delete(m.limiters, sessionID)
	m.mu.Unlock()
}
