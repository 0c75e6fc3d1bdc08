package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestStaticAPIKeyValidatorParsing(t *testing.T) {
	validator, err := NewStaticAPIKeyValidator("k1:admin:registrar, k2:student:42,k3:faculty:7")
	if err != nil {
		t.Fatalf("NewStaticAPIKeyValidator() error = %v", err)
	}
	identity, ok := validator.Validate(context.Background(), "k1")
	if !ok || !identity.HasRole(RoleAdmin) || identity.Subject != "registrar" {
		t.Fatalf("k1 identity = %+v, %v", identity, ok)
	}
	identity, ok = validator.Validate(context.Background(), "k2")
	if !ok || identity.Role != RoleStudent || identity.StudentID == nil || *identity.StudentID != 42 {
		t.Fatalf("k2 identity = %+v, %v", identity, ok)
	}
	identity, _ = validator.Validate(context.Background(), "k3")
	if identity.FacultyID == nil || *identity.FacultyID != 7 || identity.StudentID != nil {
		t.Fatalf("k3 identity = %+v", identity)
	}
	if _, ok := validator.Validate(context.Background(), "nope"); ok {
		t.Fatal("unknown key validated")
	}
}

func TestStaticAPIKeyValidatorRejectsBadSpec(t *testing.T) {
	for _, spec := range []string{"invalid", "k1:root:me", "k1:student:abc", ":admin:x", "k1:faculty:0"} {
		if _, err := NewStaticAPIKeyValidator(spec); err == nil {
			t.Fatalf("NewStaticAPIKeyValidator(%q) succeeded", spec)
		}
	}
}

func TestJWTValidatorRoundTrip(t *testing.T) {
	validator, err := NewJWTValidator("top-secret", "edunexus")
	if err != nil {
		t.Fatalf("NewJWTValidator() error = %v", err)
	}
	id := int64(42)
	token, err := validator.Issue(Identity{Role: RoleStudent, Subject: "CS-042", Name: "Asha", StudentID: &id}, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	identity, err := validator.Parse(token)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if identity.Role != RoleStudent || identity.StudentID == nil || *identity.StudentID != 42 || identity.Name != "Asha" {
		t.Fatalf("identity = %+v", identity)
	}
}

func TestJWTValidatorRejects(t *testing.T) {
	validator, _ := NewJWTValidator("top-secret", "edunexus")

	expired, _ := validator.Issue(Identity{Role: RoleAdmin}, -time.Minute)
	if _, err := validator.Parse(expired); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expired Parse() error = %v", err)
	}

	other, _ := NewJWTValidator("other-secret", "edunexus")
	forged, _ := other.Issue(Identity{Role: RoleAdmin}, time.Hour)
	if _, err := validator.Parse(forged); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("forged Parse() error = %v", err)
	}

	foreign, _ := NewJWTValidator("top-secret", "someone-else")
	wrongIssuer, _ := foreign.Issue(Identity{Role: RoleAdmin}, time.Hour)
	if _, err := validator.Parse(wrongIssuer); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("issuer Parse() error = %v", err)
	}

	badRole, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:             "root",
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "edunexus"},
	}).SignedString([]byte("top-secret"))
	if _, err := validator.Parse(badRole); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("role Parse() error = %v", err)
	}

	if _, err := NewJWTValidator(" ", ""); err == nil {
		t.Fatal("NewJWTValidator() without secret succeeded")
	}
}

func identityHandler(t *testing.T, got *Identity) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatal("expected identity in context")
		}
		*got = identity
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestMiddlewareRequiresKey(t *testing.T) {
	validator, err := NewStaticAPIKeyValidator("k1:admin:ops")
	if err != nil {
		t.Fatalf("validator setup: %v", err)
	}

	mw := Middleware(slog.New(slog.NewJSONHandler(io.Discard, nil)), validator, Options{Required: true})
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/chat", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
	if !strings.Contains(rr.Body.String(), `"error_code":"UNAUTHORIZED"`) {
		t.Fatalf("body = %s", rr.Body.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
	req.Header.Set("X-API-Key", "wrong")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestMiddlewareInjectsIdentity(t *testing.T) {
	keys, _ := NewStaticAPIKeyValidator("k1:student:42")
	tokens, _ := NewJWTValidator("top-secret", "edunexus")
	chain := NewChain(keys, tokens)

	var got Identity
	handler := Middleware(nil, chain, Options{Required: true})(identityHandler(t, &got))

	req := httptest.NewRequest(http.MethodGet, "/v1/chat/history", nil)
	req.Header.Set("X-API-Key", "k1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent || got.StudentID == nil || *got.StudentID != 42 {
		t.Fatalf("status = %d identity = %+v", rr.Code, got)
	}

	token, _ := tokens.Issue(Identity{Role: RoleFaculty, Name: "Dr. Iyer"}, time.Hour)
	req = httptest.NewRequest(http.MethodGet, "/v1/chat/history", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent || got.Role != RoleFaculty || got.Name != "Dr. Iyer" {
		t.Fatalf("status = %d identity = %+v", rr.Code, got)
	}
}

func TestMiddlewareHeaderIdentity(t *testing.T) {
	keys, _ := NewStaticAPIKeyValidator("")
	var got Identity
	trusted := Middleware(nil, keys, Options{TrustHeaders: true})(identityHandler(t, &got))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
	req.Header.Set("X-Role", "Student")
	req.Header.Set("X-Student-ID", "9")
	rr := httptest.NewRecorder()
	trusted.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent || got.Role != RoleStudent || got.StudentID == nil || *got.StudentID != 9 {
		t.Fatalf("status = %d identity = %+v", rr.Code, got)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
	req.Header.Set("X-Role", "janitor")
	rr = httptest.NewRecorder()
	trusted.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 for unknown role", rr.Code)
	}

	untrusted := Middleware(nil, keys, Options{})(identityHandler(t, &got))
	req = httptest.NewRequest(http.MethodPost, "/v1/chat", nil)
	req.Header.Set("X-Role", "student")
	rr = httptest.NewRecorder()
	untrusted.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent || got.Role != RoleAdmin {
		t.Fatalf("untrusted headers were honored: %+v", got)
	}
}

func TestRequireRole(t *testing.T) {
	handler := RequireRole(RoleAdmin, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/reset-models", nil)
	req = req.WithContext(WithIdentity(req.Context(), Identity{Role: RoleStudent}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/chat/reset-models", nil)
	req = req.WithContext(WithIdentity(req.Context(), Identity{Role: RoleAdmin}))
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rr.Code)
	}
}
