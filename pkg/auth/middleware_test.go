package auth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aussierobots/turul-mcp-go/domain/mcp"
	"github.com/aussierobots/turul-mcp-go/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestConfig() *config.Config {
	return &config.Config{}
}

func TestAPIKeyMiddleware_NoKeysConfigured_AllowsAll(t *testing.T) {
	m := NewAPIKeyMiddleware(nil)
	req := mcp.NewRequestContext("tools/list", nil, nil)
	herr := m.BeforeDispatch(context.Background(), req, nil, mcp.NewSessionInjection())
	assert.Nil(t, herr)
}

func TestAPIKeyMiddleware_MissingHeader_Rejected(t *testing.T) {
	m := NewAPIKeyMiddleware(map[string]string{"secret": "user-1"})
	req := mcp.NewRequestContext("tools/list", nil, nil)
	herr := m.BeforeDispatch(context.Background(), req, nil, mcp.NewSessionInjection())
	require.NotNil(t, herr)
	assert.Equal(t, mcp.ErrCodeUnauthenticated, herr.Code)
}

func TestAPIKeyMiddleware_InvalidKey_Rejected(t *testing.T) {
	m := NewAPIKeyMiddleware(map[string]string{"secret": "user-1"})
	req := mcp.NewRequestContext("tools/list", nil, map[string][]string{"X-API-Key": {"wrong"}})
	herr := m.BeforeDispatch(context.Background(), req, nil, mcp.NewSessionInjection())
	require.NotNil(t, herr)
	assert.Equal(t, mcp.ErrCodeUnauthenticated, herr.Code)
}

func TestAPIKeyMiddleware_ValidKey_InjectsUserID(t *testing.T) {
	m := NewAPIKeyMiddleware(map[string]string{"secret": "user-1"})
	req := mcp.NewRequestContext("tools/list", nil, map[string][]string{"X-API-Key": {"secret"}})
	injection := mcp.NewSessionInjection()
	herr := m.BeforeDispatch(context.Background(), req, nil, injection)
	require.Nil(t, herr)

	var userID string
	require.NoError(t, json.Unmarshal(injection.StateWrites["user_id"], &userID))
	assert.Equal(t, "user-1", userID)
}

func TestNewSelectedMiddleware_PrefersZitadelWhenConfigured(t *testing.T) {
	// Without ZITADEL_DOMAIN/issuer set, the config's Zitadel.Enabled()
	// is false, so the static API-key middleware is selected.
	cfg := newTestConfig()
	mw := NewSelectedMiddleware(cfg, discardLogger())
	assert.Equal(t, "api-key-auth", mw.Name())

	// With ZITADEL_DOMAIN set, Zitadel introspection is selected.
	cfg.Zitadel.Domain = "zitadel.example.com"
	mw = NewSelectedMiddleware(cfg, discardLogger())
	assert.Equal(t, "zitadel-auth", mw.Name())
}
