package observability

import (
	"context"
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/edunexus/edunexus/internal/config"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

func NewLogger(cfg config.Config, writer io.Writer) *slog.Logger {
	if writer == nil {
		writer = io.Discard
	}
	var handler slog.Handler
	if cfg.Observability.LogJSON {
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: cfg.Observability.LogLevel})
	} else {
		handler = slog.NewTextHandler(writer, &slog.HandlerOptions{Level: cfg.Observability.LogLevel})
	}
	return slog.New(handler).With(
		slog.String("service", cfg.Service.Name),
		slog.String("profile", string(cfg.Profile)),
	)
}

// LogWriter returns console, or console teed into a size-rotated log file
// when a log file is configured. The returned closer releases the file.
func LogWriter(cfg config.Config, console io.Writer) (io.Writer, io.Closer) {
	if cfg.Observability.LogFile == "" {
		return console, nopCloser{}
	}
	file := &lumberjack.Logger{
		Filename:   cfg.Observability.LogFile,
		MaxSize:    cfg.Observability.LogMaxSizeMB,
		MaxBackups: cfg.Observability.LogMaxBackups,
		Compress:   false,
	}
	if console == nil {
		return file, file
	}
	return io.MultiWriter(console, file), file
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	value, ok := ctx.Value(traceIDKey).(string)
	if !ok {
		return ""
	}
	return value
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
