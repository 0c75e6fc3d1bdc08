package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edunexus/edunexus/internal/assistant"
	"github.com/edunexus/edunexus/internal/auth"
	"github.com/edunexus/edunexus/internal/config"
	"github.com/edunexus/edunexus/internal/conversation"
	"github.com/edunexus/edunexus/internal/format"
	"github.com/edunexus/edunexus/internal/observability"
)

type ReadinessCheck func(ctx context.Context) error

type Assistant interface {
	Handle(ctx context.Context, turn assistant.Turn) format.Payload
	History(ctx context.Context, sessionID string) ([]conversation.Entry, error)
	ClearHistory(ctx context.Context, sessionID string) error
	SchemaText(ctx context.Context) (string, error)
}

type ModelEndpoints interface {
	Reset()
	Active() (string, int)
}

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	AuthMiddleware    func(http.Handler) http.Handler
	DependencyTimeout time.Duration
	Assistant         Assistant
	Models            ModelEndpoints
	Audit             AuditReader
	SecureCookies     bool
}

// protectedRoutes are served through the auth layer. Each must also be
// registered on the inner mux in NewHandler.
var protectedRoutes = []string{
	"POST /v1/chat",
	"GET /v1/chat/history",
	"POST /v1/chat/clear",
	"DELETE /v1/chat/history",
	"GET /v1/chat/schema",
	"POST /v1/chat/reset-models",
	"GET /v1/audit/batches",
	"GET /v1/audit/turns",
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/chat", func(w http.ResponseWriter, r *http.Request) {
		handleChat(deps, w, r)
	})
	protected.HandleFunc("GET /v1/chat/history", func(w http.ResponseWriter, r *http.Request) {
		handleHistory(deps, w, r)
	})
	protected.HandleFunc("POST /v1/chat/clear", func(w http.ResponseWriter, r *http.Request) {
		handleClear(deps, w, r)
	})
	protected.HandleFunc("DELETE /v1/chat/history", func(w http.ResponseWriter, r *http.Request) {
		handleClear(deps, w, r)
	})
	protected.HandleFunc("GET /v1/chat/schema", func(w http.ResponseWriter, r *http.Request) {
		handleSchema(deps, w, r)
	})
	protected.Handle("POST /v1/chat/reset-models", auth.RequireRole(auth.RoleAdmin, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleResetModels(deps, w, r)
	})))
	protected.Handle("GET /v1/audit/batches", auth.RequireRole(auth.RoleAdmin, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleAuditBatches(deps, w, r)
	})))
	protected.Handle("GET /v1/audit/turns", auth.RequireRole(auth.RoleAdmin, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleAuditTurns(deps, w, r)
	})))

	var protectedHandler http.Handler = protected
	switch {
	case deps.AuthMiddleware != nil:
		protectedHandler = deps.AuthMiddleware(protectedHandler)
	case cfg.Auth.Required:
		if deps.Logger != nil {
			deps.Logger.Error("auth required but auth middleware missing")
		}
		protectedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(r.Context(), w, http.StatusInternalServerError, "AUTH_MIDDLEWARE_MISSING", "auth middleware is required by configuration", false, nil)
		})
	default:
		protectedHandler = anonymousAdmin(protectedHandler)
	}
	for _, pattern := range protectedRoutes {
		mux.Handle(pattern, protectedHandler)
	}

	route := observability.MuxRoute(mux)
	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware(route),
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger, route))
	}
	return chain(mux, middlewares...)
}

// anonymousAdmin gives requests the admin identity when no auth layer is
// wired at all.
func anonymousAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth.IdentityFromContext(r.Context()); !ok {
			r = r.WithContext(auth.WithIdentity(r.Context(), auth.Identity{Role: auth.RoleAdmin, Subject: "anonymous"}))
		}
		next.ServeHTTP(w, r)
	})
}

// CheckStore pings the query store.
func CheckStore(ping func(ctx context.Context) error) ReadinessCheck {
	return func(ctx context.Context) error {
		if ping == nil {
			return errors.New("store is not configured")
		}
		return ping(ctx)
	}
}

// CheckModelConfigured fails when no AI key is set.
func CheckModelConfigured(configured func() bool) ReadinessCheck {
	return func(_ context.Context) error {
		if configured == nil || !configured() {
			return errors.New("ai api key is not configured")
		}
		return nil
	}
}

// CheckConversationSchema fails while embedded migrations are unapplied.
func CheckConversationSchema(pending func(ctx context.Context) (int, error)) ReadinessCheck {
	return func(ctx context.Context) error {
		n, err := pending(ctx)
		if err != nil {
			return fmt.Errorf("check conversation schema: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("conversation schema has %d pending migrations", n)
		}
		return nil
	}
}

func CheckObjectStoreConfig(cfg config.Config) ReadinessCheck {
	return func(_ context.Context) error {
		if !cfg.Audit.Enabled {
			return nil
		}
		if cfg.ObjectStore.Endpoint == "" {
			return errors.New("object store endpoint is not configured")
		}
		if cfg.ObjectStore.Bucket == "" {
			return errors.New("object store bucket is not configured")
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
