// Package tracing wires an OpenTelemetry TracerProvider exporting spans
// over OTLP/HTTP, and the echo middleware that starts one span per
// request on the streamable HTTP handler (C7).
package tracing

import (
	"context"
	"log/slog"

	"github.com/labstack/echo/v4"
	otelecho "go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"

	"github.com/aussierobots/turul-mcp-go/domain/mcp"
	"github.com/aussierobots/turul-mcp-go/internal/config"
	"github.com/aussierobots/turul-mcp-go/pkg/logger"
)

// Module provides the Tracer, the dispatch-span middleware (fed into the
// "mcp_middleware" group), and registers the OnStop lifecycle hook that
// flushes and shuts down the exporter. The no-op sampler keeps all of this
// zero-cost when cfg.Otel.Enabled() is false.
var Module = fx.Module("tracing",
	fx.Provide(
		NewTracerProvider,
		NewTracer,
		fx.Annotate(NewDispatchMiddleware, fx.As(new(mcp.Middleware)), fx.ResultTags(`group:"mcp_middleware"`)),
	),
	fx.Invoke(mountEchoMiddleware),
)

// mountEchoMiddleware attaches otelecho's request-span middleware ahead
// of the MCP routes so a dispatch span (C2) nests under the request
// span.
func mountEchoMiddleware(e *echo.Echo, cfg *config.Config) {
	e.Use(EchoMiddleware(cfg.Otel.ServiceName))
}

// NewTracerProvider builds an SDK TracerProvider exporting to the
// configured OTLP/HTTP collector endpoint, sampling at cfg.Otel.SamplingRate.
func NewTracerProvider(lc fx.Lifecycle, cfg *config.Config, log *slog.Logger) (*sdktrace.TracerProvider, error) {
	log = log.With(logger.Scope("tracing"))

	if !cfg.Otel.Enabled() {
		tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.NeverSample()))
		otel.SetTracerProvider(tp)
		return tp, nil
	}

	exporter, err := otlptracehttp.New(context.Background(),
		otlptracehttp.WithEndpointURL(cfg.Otel.ExporterEndpoint),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(cfg.Otel.ServiceName)),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.Otel.SamplingRate)),
	)
	otel.SetTracerProvider(tp)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			log.Info("shutting down tracer provider")
			return tp.Shutdown(ctx)
		},
	})

	return tp, nil
}

// NewTracer returns the named tracer handlers and middleware use to
// start spans.
func NewTracer(tp *sdktrace.TracerProvider) trace.Tracer {
	return tp.Tracer("github.com/aussierobots/turul-mcp-go/domain/mcp")
}

// EchoMiddleware returns the otelecho middleware instrumenting every
// request to the streamable HTTP handler (C7), so a dispatch span (C2)
// nests under the request span.
func EchoMiddleware(serviceName string) echo.MiddlewareFunc {
	return otelecho.Middleware(serviceName)
}
