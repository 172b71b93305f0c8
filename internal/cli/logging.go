package cli

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/trace"
)

// keyLogLevel is read as OFFSYNC_LOG_LEVEL.
const keyLogLevel = "log_level"

// logLevel resolves the log level. --verbose wins over OFFSYNC_LOG_LEVEL;
// an unknown value falls back to info.
func logLevel(v *viper.Viper, verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	levelStr := ""
	if v != nil {
		levelStr = v.GetString(keyLogLevel)
	}
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		slog.Warn("Invalid OFFSYNC_LOG_LEVEL, using INFO", "value", levelStr)
		return slog.LevelInfo
	}
}

// newLogger builds the text logger used by every command.
func newLogger(w io.Writer, v *viper.Viper, verbose bool) *slog.Logger {
	base := slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel(v, verbose)})
	return slog.New(&traceHandler{Handler: base})
}

// traceHandler wraps an slog.Handler to inject OpenTelemetry trace_id and
// span_id into every log record emitted inside a span, so cycle logs line
// up with cycle spans.
type traceHandler struct {
	slog.Handler
}

func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		r.AddAttrs(
			slog.String("trace_id", span.SpanContext().TraceID().String()),
			slog.String("span_id", span.SpanContext().SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithGroup(name)}
}
