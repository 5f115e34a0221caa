package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

const (
	RequestIDKey  contextKey = "request_id"
	FailoverIDKey contextKey = "failover_id"
	InstanceIDKey contextKey = "instance_id"
	MachineIDKey  contextKey = "machine_id"
)

// Config holds logging configuration.
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json" or "text"
	Output io.Writer
}

// Setup configures the global logger.
func Setup(cfg Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}

	handler = &ContextHandler{Handler: handler}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

// ContextHandler lifts request/failover/instance/machine IDs out of the
// context onto every record.
type ContextHandler struct {
	slog.Handler
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if v, ok := ctx.Value(RequestIDKey).(string); ok && v != "" {
		r.AddAttrs(slog.String("request_id", v))
	}
	if v, ok := ctx.Value(FailoverIDKey).(string); ok && v != "" {
		r.AddAttrs(slog.String("failover_id", v))
	}
	if v, ok := ctx.Value(InstanceIDKey).(string); ok && v != "" {
		r.AddAttrs(slog.String("instance_id", v))
	}
	if v, ok := ctx.Value(MachineIDKey).(string); ok && v != "" {
		r.AddAttrs(slog.String("machine_id", v))
	}
	return h.Handler.Handle(ctx, r)
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

func WithFailoverID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, FailoverIDKey, id)
}

func WithInstanceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, InstanceIDKey, id)
}

func WithMachineID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, MachineIDKey, id)
}

// Logger returns a logger enriched with whatever IDs are present in ctx.
func Logger(ctx context.Context) *slog.Logger {
	logger := slog.Default()

	var attrs []any
	if v, ok := ctx.Value(RequestIDKey).(string); ok && v != "" {
		attrs = append(attrs, "request_id", v)
	}
	if v, ok := ctx.Value(FailoverIDKey).(string); ok && v != "" {
		attrs = append(attrs, "failover_id", v)
	}
	if v, ok := ctx.Value(InstanceIDKey).(string); ok && v != "" {
		attrs = append(attrs, "instance_id", v)
	}
	if v, ok := ctx.Value(MachineIDKey).(string); ok && v != "" {
		attrs = append(attrs, "machine_id", v)
	}

	if len(attrs) > 0 {
		return logger.With(attrs...)
	}
	return logger
}

// Audit logs an audit event. Always logged at Info regardless of configured
// level — this is operational telemetry alongside the persisted lifecycle
// event tables, not a substitute for them.
func Audit(ctx context.Context, operation string, attrs ...any) {
	logger := slog.Default()

	baseAttrs := []any{"audit", true, "operation", operation}

	if v, ok := ctx.Value(RequestIDKey).(string); ok && v != "" {
		baseAttrs = append(baseAttrs, "request_id", v)
	}
	if v, ok := ctx.Value(FailoverIDKey).(string); ok && v != "" {
		baseAttrs = append(baseAttrs, "failover_id", v)
	}
	if v, ok := ctx.Value(InstanceIDKey).(string); ok && v != "" {
		baseAttrs = append(baseAttrs, "instance_id", v)
	}
	if v, ok := ctx.Value(MachineIDKey).(string); ok && v != "" {
		baseAttrs = append(baseAttrs, "machine_id", v)
	}

	baseAttrs = append(baseAttrs, attrs...)
	logger.Info("AUDIT", baseAttrs...)
}

func Debug(ctx context.Context, msg string, args ...any) { Logger(ctx).Debug(msg, args...) }
func Info(ctx context.Context, msg string, args ...any)  { Logger(ctx).Info(msg, args...) }
func Warn(ctx context.Context, msg string, args ...any)  { Logger(ctx).Warn(msg, args...) }
func Error(ctx context.Context, msg string, args ...any) { Logger(ctx).Error(msg, args...) }
