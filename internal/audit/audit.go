// Package audit records one entry per assistant turn.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Entry describes a finished turn. Code is the final code that ran, after
// any fix retry.
type Entry struct {
	TurnID      string
	SessionID   string
	Role        string
	Subject     string
	Question    string
	Model       string
	Code        string
	DisplayType string
	Outcome     string
	ErrorKind   string
	Retried     bool
	Duration    time.Duration
	At          time.Time
}

type Recorder interface {
	Record(ctx context.Context, entry Entry)
	Close(ctx context.Context) error
}

// Nop drops every entry.
type Nop struct{}

func (Nop) Record(context.Context, Entry) {}
func (Nop) Close(context.Context) error   { return nil }

type LogRecorder struct {
	logger *slog.Logger
}

func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) Record(ctx context.Context, entry Entry) {
	r.logger.DebugContext(ctx, "assistant turn",
		"turn_id", entry.TurnID,
		"session_id", entry.SessionID,
		"role", entry.Role,
		"subject", entry.Subject,
		"model", entry.Model,
		"display_type", entry.DisplayType,
		"outcome", entry.Outcome,
		"error_kind", entry.ErrorKind,
		"retried", entry.Retried,
		"duration_ms", entry.Duration.Milliseconds(),
	)
}

func (r *LogRecorder) Close(context.Context) error { return nil }

type multi []Recorder

// Multi fans entries out to every recorder.
func Multi(recorders ...Recorder) Recorder {
	out := make(multi, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (m multi) Record(ctx context.Context, entry Entry) {
	for _, r := range m {
		r.Record(ctx, entry)
	}
}

func (m multi) Close(ctx context.Context) error {
	var errs []error
	for _, r := range m {
		if err := r.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
