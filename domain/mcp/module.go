package mcp

import (
	"context"
	"log/slog"

	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/aussierobots/turul-mcp-go/domain/mcp/exampletools"
	"github.com/aussierobots/turul-mcp-go/internal/config"
)

// Module provides the full MCP core runtime: session storage, the
// dispatcher and its builtin methods, stream management, and the
// Streamable HTTP handler, mounted onto the shared Echo instance.
//
// Middleware is supplied separately (see pkg/auth, pkg/ratelimit,
// pkg/tracing) via an fx value group so this module stays agnostic of
// which cross-cutting concerns a given deployment enables.
var Module = fx.Module("mcp",
	fx.Provide(
		NewStorage,
		NewServerParams,
		NewStreamableHTTPHandlerFromParams,
	),
	fx.Invoke(RegisterRoutes, startSweeper),
)

// NewStorage selects the session storage backend: PostgresStorage when
// the database is enabled, otherwise the in-memory reference
// implementation (§4.5).
func NewStorage(cfg *config.Config, db bun.IDB) Storage {
	if cfg.Database.Enabled {
		return NewPostgresStorage(db)
	}
	return NewMemoryStorage(0)
}

// MiddlewareParams collects the optional cross-cutting middlewares a
// deployment may enable via the "mcp_middleware" fx value group, in the
// order they should run (M1..Mn per §4.8).
type MiddlewareParams struct {
	fx.In

	Middleware []Middleware `group:"mcp_middleware"`
}

// NewServerParams builds the Server façade (C1-C11), wiring whichever
// middleware the composition root registered into the "mcp_middleware"
// value group.
func NewServerParams(cfg *config.Config, storage Storage, log *slog.Logger, mw MiddlewareParams) *Server {
	return NewServer(ServerConfig{
		Storage:         storage,
		Tools:           exampletools.New(),
		Middleware:      mw.Middleware,
		StrictLifecycle: cfg.StrictLifecycle,
		SessionTTL:      cfg.SessionTTL,
		CleanupInterval: cfg.CleanupInterval,
		BroadcastCap:    cfg.BroadcastCapacity,
		Log:             log,
	})
}

// NewStreamableHTTPHandlerFromParams builds the transport handler with
// the HTTPConfig derived from application config (§6).
func NewStreamableHTTPHandlerFromParams(cfg *config.Config, server *Server) *StreamableHTTPHandler {
	return NewStreamableHTTPHandler(server, HTTPConfig{
		Path:                 cfg.MCPPath,
		MaxBodySize:          cfg.MaxBodySize,
		EnableCORS:           cfg.EnableCORS,
		SSEKeepaliveInterval: cfg.SSEKeepaliveInterval,
	})
}

// startSweeper runs the TTL expiry sweeper for the lifetime of the
// process (§4.5's horizon sweep).
func startSweeper(lc fx.Lifecycle, server *Server) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			server.Sessions.StartSweeper(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			server.Sessions.Stop()
			return nil
		},
	})
}
