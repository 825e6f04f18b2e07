// Package auth provides mcp.Middleware implementations that authenticate
// a request before it reaches the dispatcher.
package auth

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.uber.org/fx"

	"github.com/aussierobots/turul-mcp-go/domain/mcp"
	"github.com/aussierobots/turul-mcp-go/internal/config"
)

// Module provides whichever auth middleware the deployment's config
// selects into the "mcp_middleware" fx value group (§4.8): Zitadel
// bearer-token introspection when ZITADEL_DOMAIN is set and
// introspection is not disabled, otherwise the
// static X-API-Key map (S5), which passes every request through
// unauthenticated when MCP_API_KEYS is also empty. Demonstrates the
// middleware seam §1 calls out as a collaborator the core only provides
// a contract for.
var Module = fx.Module("auth",
	fx.Provide(
		fx.Annotate(NewSelectedMiddleware, fx.ResultTags(`group:"mcp_middleware"`)),
	),
)

// NewSelectedMiddleware resolves the one auth middleware this deployment
// runs, preferring Zitadel introspection when configured.
func NewSelectedMiddleware(cfg *config.Config, log *slog.Logger) mcp.Middleware {
	if cfg.Zitadel.Enabled() {
		return NewZitadelMiddleware(cfg, log)
	}
	keys := cfg.APIKeys.Parse()
	return NewAPIKeyMiddleware(keys)
}

// APIKeyMiddleware authenticates requests by a static API key carried in
// the X-API-Key header, injecting the resolved principal's user id into
// session state on success. Grounded on the teacher's pkg/auth
// Middleware, trimmed from its Postgres-backed multi-tenant token model
// down to the fixed key->identity map a single-tenant deployment needs.
type APIKeyMiddleware struct {
	// keys maps an API key to the user id it authenticates as.
	keys map[string]string
}

// NewAPIKeyMiddleware builds a middleware that accepts any of the given
// key->user-id pairs.
func NewAPIKeyMiddleware(keys map[string]string) *APIKeyMiddleware {
	if keys == nil {
		keys = map[string]string{}
	}
	return &APIKeyMiddleware{keys: keys}
}

func (m *APIKeyMiddleware) Name() string { return "api-key-auth" }

func (m *APIKeyMiddleware) BeforeDispatch(ctx context.Context, req *mcp.RequestContext, session *mcp.SessionView, injection *mcp.SessionInjection) *mcp.HandlerError {
	if len(m.keys) == 0 {
		// No keys configured: this deployment has opted out of API-key
		// auth, so every request passes through unauthenticated.
		return nil
	}
	key, ok := req.Metadata["x-api-key"]
	if !ok || key == "" {
		return mcp.ErrUnauthenticated("X-API-Key header is required")
	}
	userID, ok := m.keys[key]
	if !ok {
		return mcp.ErrUnauthenticated("invalid API key")
	}
	value, err := json.Marshal(userID)
	if err != nil {
		return mcp.ErrInternal(err)
	}
	injection.SetState("user_id", value)
	return nil
}

func (m *APIKeyMiddleware) AfterDispatch(ctx context.Context, req *mcp.RequestContext, session *mcp.SessionView, resp *mcp.Response) {
}
