// Package obs holds the ambient observability stack SPEC_FULL.md §2
// carries regardless of spec.md's own non-goals: structured logging via
// log/slog (grounded on the donor's internal/observability.Logger, which
// wraps slog the same way) and Prometheus metrics for the handful of
// counters/histograms that matter to an agent-core operator.
package obs

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type ctxKey string

const sessionIDKey ctxKey = "session_id"

// WithSessionID returns a context carrying sessionID for log correlation;
// NewLogger's handler reads it back via a custom slog.Handler wrapper so
// every log line inside a turn carries the session it belongs to without
// threading it through every call site.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// LogConfig configures NewLogger, mirroring internal/config.LoggingConfig.
type LogConfig struct {
	Level     string // debug|info|warn|error
	Format    string // json|text
	Output    io.Writer
	AddSource bool
}

// NewLogger builds the process's root *slog.Logger. Passed by constructor
// injection everywhere (no package-level global), matching the donor's
// own logging idiom.
func NewLogger(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: cfg.AddSource}

	var base slog.Handler
	if cfg.Format == "json" {
		base = slog.NewJSONHandler(out, opts)
	} else {
		base = slog.NewTextHandler(out, opts)
	}
	return slog.New(&sessionHandler{Handler: base})
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// sessionHandler injects a session_id attribute from the context, when
// present, into every record — the same correlation idea as the donor's
// Logger.Info(ctx, ...) signature, re-expressed as a slog.Handler so
// callers can use the standard *slog.Logger API directly.
type sessionHandler struct {
	slog.Handler
}

func (h *sessionHandler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ctx.Value(sessionIDKey).(string); ok && id != "" {
		r.AddAttrs(slog.String("session_id", id))
	}
	return h.Handler.Handle(ctx, r)
}

func (h *sessionHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &sessionHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *sessionHandler) WithGroup(name string) slog.Handler {
	return &sessionHandler{Handler: h.Handler.WithGroup(name)}
}
