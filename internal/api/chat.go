package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/edunexus/edunexus/internal/assistant"
	"github.com/edunexus/edunexus/internal/auth"
	"github.com/edunexus/edunexus/internal/conversation"
	"github.com/edunexus/edunexus/internal/observability"
)

const (
	sessionHeader = "X-Session-ID"
	sessionCookie = "edunexus_session"

	maxMessageLength = 2000
	maxChatBodyBytes = 64 << 10
)

var requestValidator = validator.New(validator.WithRequiredStructEnabled())

type chatRequest struct {
	Message string `json:"message" validate:"required,max=2000"`
}

type historyResponse struct {
	SessionID string               `json:"session_id"`
	History   []conversation.Entry `json:"history"`
}

func handleChat(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Assistant == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ASSISTANT_NOT_CONFIGURED", "assistant is not configured", false, nil)
		return
	}

	var request chatRequest
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxChatBodyBytes))
	if err := decoder.Decode(&request); err != nil && !errors.Is(err, io.EOF) {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid chat request body", false, map[string]any{"details": err.Error()})
		return
	}
	request.Message = strings.TrimSpace(request.Message)
	if err := requestValidator.Struct(request); err != nil {
		code, message := "EMPTY_MESSAGE", "Empty message"
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) && len(invalid) > 0 && invalid[0].Tag() == "max" {
			code, message = "MESSAGE_TOO_LONG", "message exceeds 2000 characters"
		}
		writeError(r.Context(), w, http.StatusBadRequest, code, message, false, map[string]any{"max_length": maxMessageLength})
		return
	}

	identity, _ := auth.IdentityFromContext(r.Context())
	sessionID := ensureSession(w, r, deps.SecureCookies)
	payload := deps.Assistant.Handle(r.Context(), assistant.Turn{
		SessionID: sessionID,
		Message:   request.Message,
		Identity:  identity,
	})
	observability.Annotate(r.Context(), slog.String("role", identity.Role), slog.String("payload_type", payload.Type))
	w.Header().Set(sessionHeader, sessionID)
	writeJSON(w, http.StatusOK, payload)
}

func handleHistory(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Assistant == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ASSISTANT_NOT_CONFIGURED", "assistant is not configured", false, nil)
		return
	}
	sessionID := ensureSession(w, r, deps.SecureCookies)
	entries, err := deps.Assistant.History(r.Context(), sessionID)
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "HISTORY_ERROR", "failed to load conversation history", true, map[string]any{"details": err.Error()})
		return
	}
	if entries == nil {
		entries = []conversation.Entry{}
	}
	writeJSON(w, http.StatusOK, historyResponse{SessionID: sessionID, History: entries})
}

func handleClear(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Assistant == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ASSISTANT_NOT_CONFIGURED", "assistant is not configured", false, nil)
		return
	}
	sessionID := ensureSession(w, r, deps.SecureCookies)
	if err := deps.Assistant.ClearHistory(r.Context(), sessionID); err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "HISTORY_ERROR", "failed to clear conversation history", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "message": "History cleared"})
}

func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Assistant == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ASSISTANT_NOT_CONFIGURED", "assistant is not configured", false, nil)
		return
	}
	text, err := deps.Assistant.SchemaText(r.Context())
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "SCHEMA_ERROR", "failed to introspect database schema", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schema": text})
}

func handleResetModels(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Models == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "MODELS_NOT_CONFIGURED", "model endpoints are not configured", false, nil)
		return
	}
	deps.Models.Reset()
	model, index := deps.Models.Active()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "model": model, "index": index})
}

// ensureSession returns the caller's session id, minting one and setting the
// cookie when the request carries none.
func ensureSession(w http.ResponseWriter, r *http.Request, secure bool) string {
	if id := strings.TrimSpace(r.Header.Get(sessionHeader)); validSessionID(id) {
		observability.Annotate(r.Context(), slog.String("session_id", id))
		return id
	}
	if cookie, err := r.Cookie(sessionCookie); err == nil && validSessionID(cookie.Value) {
		observability.Annotate(r.Context(), slog.String("session_id", cookie.Value))
		return cookie.Value
	}
	id := uuid.NewString()
	observability.Annotate(r.Context(), slog.String("session_id", id), slog.Bool("session_minted", true))
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(30 * 24 * time.Hour),
	})
	return id
}

func validSessionID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
