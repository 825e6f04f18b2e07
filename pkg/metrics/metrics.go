// Package metrics exposes the broadcast/journal/session gauges that
// observe the stream manager (C6) and session storage (C5), ambient
// observability carried per SPEC_FULL's "ambient concerns are carried
// even when Non-goals exclude outer surfaces" rule.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"github.com/aussierobots/turul-mcp-go/domain/mcp"
)

// activeSessionsPollInterval is how often the active-sessions gauge is
// refreshed from the session manager; the gauge is observational only, so
// a short lag behind the true count is acceptable.
const activeSessionsPollInterval = 15 * time.Second

// Module provides the Registry, mounts /metrics on the shared Echo
// instance, feeds the DispatchMiddleware into the "mcp_middleware"
// group, and wires the broadcast-drop/journal hooks into the stream
// manager plus the active-sessions poller.
var Module = fx.Module("metrics",
	fx.Provide(
		NewRegistry,
		fx.Annotate(NewDispatchMiddleware, fx.As(new(mcp.Middleware)), fx.ResultTags(`group:"mcp_middleware"`)),
	),
	fx.Invoke(mountHandler, wireDropHook, wireJournalHook, startActiveSessionsPoller),
)

func mountHandler(e *echo.Echo, reg *prometheus.Registry) {
	e.GET("/metrics", echo.WrapHandler(Handler(reg)))
}

func wireDropHook(server *mcp.Server, r *Registry) {
	server.Streams.SetDropHook(r.BroadcastDropped.Inc)
}

func wireJournalHook(server *mcp.Server, r *Registry) {
	server.Streams.SetJournalHook(r.JournalEvents.Inc)
}

// startActiveSessionsPoller periodically refreshes ActiveSessions from
// SessionManager.Count, since session count has no single mutation point
// to hook the way broadcast/journal events do (creation/expiry/deletion
// all happen through storage, not through one call site in this package).
func startActiveSessionsPoller(lc fx.Lifecycle, server *mcp.Server, r *Registry) {
	stop := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				ticker := time.NewTicker(activeSessionsPollInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						if n, err := server.Sessions.Count(context.Background()); err == nil {
							r.ActiveSessions.Set(float64(n))
						}
					case <-stop:
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(stop)
			return nil
		},
	})
}

// Registry holds the gauges and counters the stream manager and session
// storage update as they run.
type Registry struct {
	ActiveSessions   prometheus.Gauge
	JournalEvents    prometheus.Gauge
	BroadcastDropped prometheus.Counter
	DispatchTotal    *prometheus.CounterVec
}

// NewRegistry registers all collectors against a fresh prometheus
// registry and returns both the Registry and that *prometheus.Registry
// (Handler turns the latter into the /metrics http.Handler).
func NewRegistry() (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()

	r := &Registry{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_active_sessions",
			Help: "Number of sessions currently tracked by the session manager.",
		}),
		JournalEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_journal_events",
			Help: "Total number of journaled events across all sessions.",
		}),
		BroadcastDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcp_broadcast_dropped_total",
			Help: "Notifications dropped for a slow subscriber (journal unaffected).",
		}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_dispatch_total",
			Help: "JSON-RPC dispatches by method and outcome.",
		}, []string{"method", "outcome"}),
	}

	reg.MustRegister(r.ActiveSessions, r.JournalEvents, r.BroadcastDropped, r.DispatchTotal)
	return r, reg
}

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// DispatchMiddleware increments DispatchTotal by method and outcome
// (success/error) once per dispatch. It never fails a request.
type DispatchMiddleware struct {
	registry *Registry
}

// NewDispatchMiddleware builds the counting middleware (C8).
func NewDispatchMiddleware(r *Registry) *DispatchMiddleware {
	return &DispatchMiddleware{registry: r}
}

func (m *DispatchMiddleware) Name() string { return "metrics" }

func (m *DispatchMiddleware) BeforeDispatch(ctx context.Context, req *mcp.RequestContext, session *mcp.SessionView, injection *mcp.SessionInjection) *mcp.HandlerError {
	return nil
}

func (m *DispatchMiddleware) AfterDispatch(ctx context.Context, req *mcp.RequestContext, session *mcp.SessionView, resp *mcp.Response) {
	outcome := "success"
	if resp != nil && resp.Error != nil {
		outcome = "error"
	}
	m.registry.DispatchTotal.WithLabelValues(req.Method, outcome).Inc()
}
