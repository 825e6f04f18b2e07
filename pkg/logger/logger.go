// Package logger wraps log/slog with the handler, level, and fx wiring
// shared across the service: JSON in production, text during local
// development, level controlled by LOG_LEVEL.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the slog.Logger, zap.Logger, and HTTPLogger used
// throughout the application via fx.
var Module = fx.Module("logger",
	fx.Provide(
		NewLogger,
		NewZapLogger,
		NewHTTPLogger,
	),
)

// Scope returns an slog attribute identifying the subsystem emitting a
// log line, e.g. log.With(logger.Scope("dispatcher")).
func Scope(scope string) slog.Attr {
	return slog.String("scope", scope)
}

// Error returns an slog attribute carrying an error value untouched, so
// that handlers and log aggregation can inspect it structurally instead
// of through its formatted string.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

// parseLevel maps a LOG_LEVEL value to an slog.Level, defaulting to
// info for anything unrecognized (including an empty string).
func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process-wide *slog.Logger. The handler is JSON
// in production (GO_ENV=production) and human-readable text otherwise;
// the level is taken from LOG_LEVEL (case-insensitive, default info).
func NewLogger() *slog.Logger {
	level := parseLevel(os.Getenv("LOG_LEVEL"))

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(os.Getenv("GO_ENV"), "production") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// NewZapLogger adapts the same LOG_LEVEL/GO_ENV configuration into a
// *zap.Logger for components grounded on the teacher's zap-based
// migration tooling.
func NewZapLogger() (*zap.Logger, error) {
	var cfg zap.Config
	if strings.EqualFold(os.Getenv("GO_ENV"), "production") {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}

	switch parseLevel(os.Getenv("LOG_LEVEL")) {
	case slog.LevelDebug:
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case slog.LevelWarn:
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case slog.LevelError:
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

// HTTPLogger writes a compact access-log line per request through the
// shared slog logger, tagged with scope "http" so access lines can be
// filtered apart from application logs.
type HTTPLogger struct {
	log *slog.Logger
}

// NewHTTPLogger builds an HTTPLogger scoped under "http".
func NewHTTPLogger(log *slog.Logger) *HTTPLogger {
	return &HTTPLogger{log: log.With(Scope("http"))}
}

// LogRequest records one completed HTTP request.
func (h *HTTPLogger) LogRequest(remoteIP, method, uri string, status int, latency time.Duration, userAgent, requestID string) {
	h.log.Info(fmt.Sprintf("%s %s", method, uri),
		slog.String("remote_ip", remoteIP),
		slog.Int("status", status),
		slog.Duration("latency", latency),
		slog.String("user_agent", userAgent),
		slog.String("request_id", requestID),
	)
}
