package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey int

const (
	lockIDKey ctxKey = iota
	correlationIDKey
	stageKey
	messageIDKey
)

// fields lists the context keys injected into log records, in output order.
var fields = []struct {
	key  ctxKey
	attr string
}{
	{lockIDKey, "loan_lock_id"},
	{correlationIDKey, "correlation_id"},
	{stageKey, "stage"},
	{messageIDKey, "message_id"},
}

// WithLockID returns a context carrying the rate lock ID.
func WithLockID(ctx context.Context, id string) context.Context {
	return withValue(ctx, lockIDKey, id)
}

// WithCorrelationID returns a context carrying the correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return withValue(ctx, correlationIDKey, id)
}

// WithStage returns a context carrying the stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	return withValue(ctx, stageKey, stage)
}

// WithMessageID returns a context carrying the message ID.
func WithMessageID(ctx context.Context, id string) context.Context {
	return withValue(ctx, messageIDKey, id)
}

// WithIDs sets the lock, correlation and stage values at once. Empty values
// leave whatever the context already carries.
func WithIDs(ctx context.Context, lockID, correlationID, stage string) context.Context {
	ctx = WithLockID(ctx, lockID)
	ctx = WithCorrelationID(ctx, correlationID)
	return WithStage(ctx, stage)
}

func withValue(ctx context.Context, key ctxKey, v string) context.Context {
	if v == "" {
		return ctx
	}
	return context.WithValue(ctx, key, v)
}

// LockID extracts the rate lock ID from the context, or "" if absent.
func LockID(ctx context.Context) string { return value(ctx, lockIDKey) }

// CorrelationID extracts the correlation ID from the context, or "" if absent.
func CorrelationID(ctx context.Context) string { return value(ctx, correlationIDKey) }

// Stage extracts the stage name from the context, or "" if absent.
func Stage(ctx context.Context) string { return value(ctx, stageKey) }

// MessageID extracts the message ID from the context, or "" if absent.
func MessageID(ctx context.Context) string { return value(ctx, messageIDKey) }

func value(ctx context.Context, key ctxKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	for _, f := range fields {
		if v := value(ctx, f.key); v != "" {
			out = append(out, slog.String(f.attr, v))
		}
	}
	return out
}

// LogWith returns a logger enriched with the context's correlation values.
// Only non-empty values are added.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and injects the context's
// correlation values into every record, so logger.InfoContext(ctx, ...)
// is enough.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

// NewLogger builds the process logger: a JSON or text handler at the given
// level, wrapped in a CorrelationHandler.
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var inner slog.Handler
	if strings.EqualFold(format, "text") {
		inner = slog.NewTextHandler(w, opts)
	} else {
		inner = slog.NewJSONHandler(w, opts)
	}
	return slog.New(NewCorrelationHandler(inner))
}

// ParseLevel maps debug/info/warn/error onto slog levels, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
