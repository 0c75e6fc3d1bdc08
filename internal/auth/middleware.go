package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/edunexus/edunexus/internal/observability"
)

type contextKey string

const identityKey contextKey = "auth_identity"

func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}

type Options struct {
	// Required rejects requests without a credential.
	Required bool
	// TrustHeaders honors X-Role and X-Student-ID on requests without a
	// credential. Only dev and test profiles enable it.
	TrustHeaders bool
}

func Middleware(logger *slog.Logger, validator Validator, opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential := extractCredential(r)
			if credential == "" {
				if opts.Required {
					writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing API key")
					return
				}
				identity, ok := headerIdentity(r, opts.TrustHeaders)
				if !ok {
					writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid role headers")
					return
				}
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
				return
			}

			identity, ok := validator.Validate(r.Context(), credential)
			if !ok {
				if logger != nil {
					logger.WarnContext(r.Context(), "authentication failed",
						slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
						slog.String("path", r.URL.Path),
					)
				}
				writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid API key")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// RequireRole wraps a handler that only role may call.
func RequireRole(role string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok || !identity.HasRole(role) {
			writeError(w, r, http.StatusForbidden, "FORBIDDEN", role+" role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// headerIdentity is the identity of an unauthenticated request. When header
// trust is off every such request acts as admin.
func headerIdentity(r *http.Request, trust bool) (Identity, bool) {
	identity := Identity{Role: RoleAdmin, Subject: "anonymous"}
	if !trust {
		return identity, true
	}
	role := strings.ToLower(strings.TrimSpace(r.Header.Get("X-Role")))
	if role == "" {
		return identity, true
	}
	if !ValidRole(role) {
		return Identity{}, false
	}
	identity.Role = role
	if role == RoleStudent {
		if raw := strings.TrimSpace(r.Header.Get("X-Student-ID")); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				return Identity{}, false
			}
			identity.StudentID = &id
			identity.Subject = raw
		}
	}
	return identity, true
}

func extractCredential(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	authorization := strings.TrimSpace(r.Header.Get("Authorization"))
	if authorization == "" {
		return ""
	}
	const bearerPrefix = "Bearer "
	if strings.HasPrefix(authorization, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(authorization, bearerPrefix))
	}
	return ""
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  false,
		"trace_id":   observability.TraceIDFromContext(r.Context()),
	})
}
