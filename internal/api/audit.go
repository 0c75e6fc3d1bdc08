package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/edunexus/edunexus/internal/audit"
	"github.com/edunexus/edunexus/internal/storage"
)

type AuditReader interface {
	Batches(ctx context.Context, day time.Time) ([]audit.Batch, error)
	Turns(ctx context.Context, key string) ([]audit.Entry, error)
}

type auditTurn struct {
	TurnID      string    `json:"turn_id"`
	SessionID   string    `json:"session_id"`
	Role        string    `json:"role"`
	Subject     string    `json:"subject,omitempty"`
	Question    string    `json:"question"`
	Model       string    `json:"model,omitempty"`
	Code        string    `json:"code,omitempty"`
	DisplayType string    `json:"display_type"`
	Outcome     string    `json:"outcome"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Retried     bool      `json:"retried"`
	DurationMs  int64     `json:"duration_ms"`
	At          time.Time `json:"at"`
}

func handleAuditBatches(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Audit == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "AUDIT_DISABLED", "audit archive is not configured", false, nil)
		return
	}
	day := time.Now().UTC()
	if raw := strings.TrimSpace(r.URL.Query().Get("date")); raw != "" {
		parsed, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_DATE", "date must be YYYY-MM-DD", false, map[string]any{"date": raw})
			return
		}
		day = parsed
	}
	batches, err := deps.Audit.Batches(r.Context(), day)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadGateway, "AUDIT_READ_FAILED", "failed to list audit batches", true, map[string]any{"details": err.Error()})
		return
	}
	if batches == nil {
		batches = []audit.Batch{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"date": day.Format(time.DateOnly), "batches": batches})
}

func handleAuditTurns(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Audit == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "AUDIT_DISABLED", "audit archive is not configured", false, nil)
		return
	}
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	entries, err := deps.Audit.Turns(r.Context(), key)
	switch {
	case errors.Is(err, audit.ErrInvalidKey):
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_AUDIT_KEY", "key is not an audit batch", false, map[string]any{"key": key})
		return
	case errors.Is(err, storage.ErrObjectNotFound):
		writeError(r.Context(), w, http.StatusNotFound, "AUDIT_BATCH_NOT_FOUND", "audit batch not found", false, map[string]any{"key": key})
		return
	case err != nil:
		writeError(r.Context(), w, http.StatusBadGateway, "AUDIT_READ_FAILED", "failed to read audit batch", true, map[string]any{"details": err.Error()})
		return
	}

	turns := make([]auditTurn, 0, len(entries))
	for _, entry := range entries {
		turns = append(turns, auditTurn{
			TurnID:      entry.TurnID,
			SessionID:   entry.SessionID,
			Role:        entry.Role,
			Subject:     entry.Subject,
			Question:    entry.Question,
			Model:       entry.Model,
			Code:        entry.Code,
			DisplayType: entry.DisplayType,
			Outcome:     entry.Outcome,
			ErrorKind:   entry.ErrorKind,
			Retried:     entry.Retried,
			DurationMs:  entry.Duration.Milliseconds(),
			At:          entry.At,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "turns": turns})
}
