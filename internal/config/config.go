package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// Config holds all application configuration, loaded from the
// environment per §6's enumeration.
type Config struct {
	// Server settings
	ServerPort    int    `env:"SERVER_PORT" envDefault:"3002"`
	ServerAddress string `env:"SERVER_ADDRESS" envDefault:"0.0.0.0"`
	Environment   string `env:"ENVIRONMENT" envDefault:"local"`
	Debug         bool   `env:"DEBUG" envDefault:"false"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	// MCP transport settings (§6)
	MCPPath              string        `env:"MCP_PATH" envDefault:"/mcp"`
	MaxBodySize          int64         `env:"MCP_MAX_BODY_SIZE" envDefault:"1048576"`
	EnableCORS           bool          `env:"MCP_ENABLE_CORS" envDefault:"true"`
	EnableSSE            bool          `env:"MCP_ENABLE_SSE" envDefault:"true"`
	StrictLifecycle      bool          `env:"MCP_STRICT_LIFECYCLE" envDefault:"true"`
	SessionTTL           time.Duration `env:"MCP_SESSION_TTL" envDefault:"30m"`
	CleanupInterval      time.Duration `env:"MCP_CLEANUP_INTERVAL" envDefault:"1m"`
	SSEKeepaliveInterval time.Duration `env:"MCP_SSE_KEEPALIVE_INTERVAL" envDefault:"20s"`
	BroadcastCapacity    int           `env:"MCP_BROADCAST_CAPACITY" envDefault:"128"`

	// Per-session rate limiting (pkg/ratelimit), producing the
	// RateLimitExceeded taxonomy entry (§7).
	RateLimitRPS   float64 `env:"MCP_RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int     `env:"MCP_RATE_LIMIT_BURST" envDefault:"40"`

	// Database settings
	Database DatabaseConfig

	// Zitadel authentication (optional OIDC introspection middleware)
	Zitadel ZitadelConfig

	// API key authentication (X-API-Key header middleware)
	APIKeys APIKeyConfig

	// OpenTelemetry tracing
	Otel OtelConfig

	// Server timeouts
	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"28800s"` // 8 hours for SSE
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"28800s"`  // 8 hours for SSE
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DatabaseConfig holds PostgreSQL connection settings for PostgresStorage.
type DatabaseConfig struct {
	Host         string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port         int           `env:"POSTGRES_PORT" envDefault:"5432"`
	User         string        `env:"POSTGRES_USER" envDefault:"mcp"`
	Password     string        `env:"POSTGRES_PASSWORD" envDefault:""`
	Database     string        `env:"POSTGRES_DB" envDefault:"mcp"`
	SSLMode      string        `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	MaxIdleTime  time.Duration `env:"DB_MAX_IDLE_TIME" envDefault:"5m"`
	QueryDebug   bool          `env:"DB_QUERY_DEBUG" envDefault:"false"`
	// Enabled selects PostgresStorage over MemoryStorage when true.
	Enabled bool `env:"POSTGRES_ENABLED" envDefault:"false"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

// ZitadelConfig holds Zitadel/OIDC token-introspection settings for the
// optional bearer-token authentication middleware.
type ZitadelConfig struct {
	// Domain for the Zitadel instance (e.g. "zitadel.example.com").
	Domain string `env:"ZITADEL_DOMAIN" envDefault:""`

	// Issuer URL for OIDC (defaults to https://{Domain} if not set).
	Issuer string `env:"ZITADEL_ISSUER"`

	// Service account JWT key for introspection (JSON key file content).
	ClientJWT string `env:"ZITADEL_CLIENT_JWT"`

	// Path to JWT key file (alternative to ZITADEL_CLIENT_JWT).
	ClientJWTPath string `env:"ZITADEL_CLIENT_JWT_PATH"`

	// Disable token introspection (for testing).
	DisableIntrospection bool `env:"DISABLE_ZITADEL_INTROSPECTION" envDefault:"false"`

	// Introspection cache TTL.
	IntrospectCacheTTL time.Duration `env:"ZITADEL_INTROSPECT_CACHE_TTL" envDefault:"5m"`

	// Insecure mode (HTTP instead of HTTPS).
	Insecure bool `env:"ZITADEL_INSECURE" envDefault:"false"`
}

// Enabled reports whether the Zitadel middleware should be wired.
func (z *ZitadelConfig) Enabled() bool {
	return z.Domain != "" && !z.DisableIntrospection
}

// GetIssuer returns the issuer URL, defaulting to https://{Domain}.
func (z *ZitadelConfig) GetIssuer() string {
	if z.Issuer != "" {
		return z.Issuer
	}
	if z.Insecure {
		return fmt.Sprintf("http://%s", z.Domain)
	}
	return fmt.Sprintf("https://%s", z.Domain)
}

// APIKeyConfig holds the static X-API-Key -> user id map used by
// APIKeyMiddleware, expressed as "key:user,key:user" pairs so a single
// env var can configure several callers.
type APIKeyConfig struct {
	Pairs string `env:"MCP_API_KEYS" envDefault:""`
}

// Parse splits Pairs into a key->user-id map.
func (a *APIKeyConfig) Parse() map[string]string {
	out := map[string]string{}
	if a.Pairs == "" {
		return out
	}
	for _, pair := range strings.Split(a.Pairs, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), ":")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if ok && k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

// NewConfig loads configuration from environment variables.
func NewConfig(log *slog.Logger) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	log.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.Int("port", cfg.ServerPort),
		slog.String("mcp_path", cfg.MCPPath),
		slog.Bool("strict_lifecycle", cfg.StrictLifecycle),
		slog.Bool("postgres_enabled", cfg.Database.Enabled),
	)

	return cfg, nil
}
