// Command server is the entry point for the turul-mcp-go core runtime:
// the Streamable HTTP transport (C7) mounted on a single /mcp endpoint,
// backed by the session manager, session storage, stream manager, and
// dispatcher (C1-C11).
package main

import (
	"log/slog"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/aussierobots/turul-mcp-go/domain/mcp"
	"github.com/aussierobots/turul-mcp-go/internal/config"
	"github.com/aussierobots/turul-mcp-go/internal/database"
	"github.com/aussierobots/turul-mcp-go/internal/migrate"
	"github.com/aussierobots/turul-mcp-go/internal/server"
	"github.com/aussierobots/turul-mcp-go/pkg/auth"
	"github.com/aussierobots/turul-mcp-go/pkg/logger"
	"github.com/aussierobots/turul-mcp-go/pkg/metrics"
	"github.com/aussierobots/turul-mcp-go/pkg/ratelimit"
	"github.com/aussierobots/turul-mcp-go/pkg/tracing"
)

func main() {
	// Load .env files if present (for local development). Order matters:
	// .env.local overrides .env. Load() won't overwrite existing vars,
	// Overload() will.
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	fx.New(
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Infrastructure modules.
		logger.Module,
		config.Module,
		server.Module,

		// Database is only needed when POSTGRES_ENABLED=true selects
		// PostgresStorage over the in-memory reference backend. The module
		// is always included, matching the teacher's always-on
		// database.Module; its constructors return nil without dialing
		// when POSTGRES_ENABLED is false.
		database.Module,
		migrate.Module,

		// Cross-cutting middleware, each feeding the "mcp_middleware" fx
		// value group that mcp.Module's Server consumes (§4.8).
		ratelimit.Module,
		metrics.Module,
		tracing.Module,
		auth.Module,

		// The MCP core runtime itself (C1-C11).
		mcp.Module,
	).Run()
}
