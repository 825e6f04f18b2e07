package auth

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/zitadel/oidc/v3/pkg/client"
	"github.com/zitadel/oidc/v3/pkg/client/rs"

	"github.com/aussierobots/turul-mcp-go/domain/mcp"
	"github.com/aussierobots/turul-mcp-go/internal/config"
	"github.com/aussierobots/turul-mcp-go/pkg/logger"
)

// ZitadelMiddleware authenticates requests by bearer-token introspection
// against a Zitadel instance, injecting the resolved subject into session
// state. Grounded on the teacher's pkg/auth/zitadel.go ZitadelService,
// trimmed from its Postgres-backed introspection cache (no
// multi-tenant cache table exists in this domain's schema) down to an
// in-process TTL cache, and adapted from an HTTP-middleware shape to
// the mcp.Middleware seam (C8).
type ZitadelMiddleware struct {
	cfg *config.Config
	log *slog.Logger

	resourceServer rs.ResourceServer
	rsOnce         sync.Once
	rsErr          error

	lastFailureTime time.Time
	failureMu       sync.RWMutex

	cacheMu sync.Mutex
	cache   map[string]cachedIntrospection

	inflightMu sync.Mutex
	inflight   map[string]*inflightIntrospection
}

type cachedIntrospection struct {
	result    *IntrospectionResult
	expiresAt time.Time
}

type inflightIntrospection struct {
	done   chan struct{}
	result *IntrospectionResult
	err    error
}

// IntrospectionResult is the subset of introspection claims the
// middleware needs to establish a session principal.
type IntrospectionResult struct {
	Active bool   `json:"active"`
	Sub    string `json:"sub"`
	Email  string `json:"email"`
	Scope  string `json:"scope"`
}

const circuitBreakerCooldown = 30 * time.Second

// NewZitadelMiddleware builds the introspection-backed middleware.
func NewZitadelMiddleware(cfg *config.Config, log *slog.Logger) *ZitadelMiddleware {
	return &ZitadelMiddleware{
		cfg:      cfg,
		log:      log.With(logger.Scope("zitadel")),
		cache:    make(map[string]cachedIntrospection),
		inflight: make(map[string]*inflightIntrospection),
	}
}

func (z *ZitadelMiddleware) Name() string { return "zitadel-auth" }

func (z *ZitadelMiddleware) BeforeDispatch(ctx context.Context, req *mcp.RequestContext, session *mcp.SessionView, injection *mcp.SessionInjection) *mcp.HandlerError {
	token := bearerToken(req.Metadata["authorization"])
	if token == "" {
		return mcp.ErrUnauthenticated("Authorization: Bearer <token> header is required")
	}

	result, err := z.introspect(ctx, token)
	if err != nil {
		return mcp.ErrInternal(err)
	}
	if result == nil || !result.Active {
		return mcp.ErrUnauthenticated("invalid or expired token")
	}

	value, merr := json.Marshal(result.Sub)
	if merr != nil {
		return mcp.ErrInternal(merr)
	}
	injection.SetState("user_id", value)
	return nil
}

func (z *ZitadelMiddleware) AfterDispatch(ctx context.Context, req *mcp.RequestContext, session *mcp.SessionView, resp *mcp.Response) {
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return header[len(prefix):]
}

// introspect checks the in-process cache, coalesces concurrent lookups
// for the same token, and falls back to an unverified local JWT claim
// read when introspection is disabled (degraded mode).
func (z *ZitadelMiddleware) introspect(ctx context.Context, token string) (*IntrospectionResult, error) {
	if z.cfg.Zitadel.DisableIntrospection {
		return z.decodeLocalClaims(token)
	}

	z.failureMu.RLock()
	breakerOpen := time.Since(z.lastFailureTime) < circuitBreakerCooldown
	z.failureMu.RUnlock()
	if breakerOpen {
		z.log.Debug("circuit breaker open, skipping introspection")
		return nil, nil
	}

	key := hashToken(token)

	z.cacheMu.Lock()
	if cached, ok := z.cache[key]; ok && time.Now().Before(cached.expiresAt) {
		z.cacheMu.Unlock()
		return cached.result, nil
	}
	z.cacheMu.Unlock()

	z.inflightMu.Lock()
	if existing, ok := z.inflight[key]; ok {
		z.inflightMu.Unlock()
		<-existing.done
		return existing.result, existing.err
	}
	in := &inflightIntrospection{done: make(chan struct{})}
	z.inflight[key] = in
	z.inflightMu.Unlock()

	result, err := z.doIntrospect(ctx, token)
	in.result, in.err = result, err
	close(in.done)

	z.inflightMu.Lock()
	delete(z.inflight, key)
	z.inflightMu.Unlock()

	if err == nil && result != nil {
		ttl := z.cfg.Zitadel.IntrospectCacheTTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		z.cacheMu.Lock()
		z.cache[key] = cachedIntrospection{result: result, expiresAt: time.Now().Add(ttl)}
		z.cacheMu.Unlock()
	}

	return result, err
}

func (z *ZitadelMiddleware) doIntrospect(ctx context.Context, token string) (*IntrospectionResult, error) {
	z.rsOnce.Do(func() {
		z.resourceServer, z.rsErr = z.createResourceServer(ctx)
		if z.rsErr != nil {
			z.log.Error("failed to create resource server", logger.Error(z.rsErr))
		}
	})
	if z.rsErr != nil {
		return nil, fmt.Errorf("resource server init failed: %w", z.rsErr)
	}

	resp, err := rs.Introspect[*introspectionResponse](ctx, z.resourceServer, token)
	if err != nil {
		z.tripCircuitBreaker()
		return nil, fmt.Errorf("introspection failed: %w", err)
	}
	if resp == nil || !resp.Active {
		return &IntrospectionResult{Active: false}, nil
	}

	return &IntrospectionResult{
		Active: resp.Active,
		Sub:    resp.Subject,
		Email:  resp.Email,
		Scope:  resp.Scope,
	}, nil
}

// introspectionResponse mirrors the token-introspection response shape,
// grounded on the teacher's zitadel.go of the same name.
type introspectionResponse struct {
	Active   bool   `json:"active"`
	Scope    string `json:"scope"`
	ClientID string `json:"client_id"`
	Subject  string `json:"sub"`
	Email    string `json:"email"`
}

func (r *introspectionResponse) IsActive() bool        { return r.Active }
func (r *introspectionResponse) SetActive(active bool) { r.Active = active }

func (z *ZitadelMiddleware) createResourceServer(ctx context.Context) (rs.ResourceServer, error) {
	var keyFile *client.KeyFile
	var err error
	switch {
	case z.cfg.Zitadel.ClientJWT != "":
		keyFile, err = client.ConfigFromKeyFileData([]byte(z.cfg.Zitadel.ClientJWT))
	case z.cfg.Zitadel.ClientJWTPath != "":
		keyFile, err = client.ConfigFromKeyFile(z.cfg.Zitadel.ClientJWTPath)
	default:
		return nil, fmt.Errorf("no Zitadel client JWT configured")
	}
	if err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}

	clientID := keyFile.ClientID
	if clientID == "" && keyFile.UserID != "" {
		clientID = keyFile.UserID
	}

	issuer := z.cfg.Zitadel.GetIssuer()
	z.log.Info("initializing Zitadel resource server",
		slog.String("issuer", issuer),
		slog.String("client_id", clientID),
	)

	return rs.NewResourceServerJWTProfile(ctx, issuer, clientID, keyFile.KeyID, []byte(keyFile.Key))
}

func (z *ZitadelMiddleware) tripCircuitBreaker() {
	z.failureMu.Lock()
	z.lastFailureTime = time.Now()
	z.failureMu.Unlock()
	z.log.Warn("circuit breaker tripped due to introspection failure")
}

// decodeLocalClaims reads the subject out of the token's claims without
// verifying its signature, for local/offline development where
// DisableIntrospection is set deliberately. It must never be used with
// introspection enabled.
func (z *ZitadelMiddleware) decodeLocalClaims(token string) (*IntrospectionResult, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse unverified token: %w", err)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return &IntrospectionResult{Active: false}, nil
	}
	email, _ := claims["email"].(string)
	return &IntrospectionResult{Active: true, Sub: sub, Email: email}, nil
}

func hashToken(token string) string {
	sum := sha512.Sum512([]byte(token))
	return hex.EncodeToString(sum[:])
}
