package observability

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	traceHeader = "X-Trace-ID"

	// UnmatchedRoute labels requests no registered pattern served.
	UnmatchedRoute = "unmatched"
)

// RouteFunc names the registered route serving r, or "" when none does.
type RouteFunc func(r *http.Request) string

// MuxRoute labels requests with the pattern mux would dispatch them to,
// without the method, so metric cardinality stays at the route table size.
func MuxRoute(mux *http.ServeMux) RouteFunc {
	return func(r *http.Request) string {
		_, pattern := mux.Handler(r)
		if _, path, ok := strings.Cut(pattern, " "); ok {
			return path
		}
		return pattern
	}
}

type annotations struct {
	mu    sync.Mutex
	attrs []slog.Attr
}

type annotationsKey struct{}

// Annotate adds attrs to the request log line written by LoggingMiddleware.
// It is a no-op outside TraceMiddleware.
func Annotate(ctx context.Context, attrs ...slog.Attr) {
	holder, ok := ctx.Value(annotationsKey{}).(*annotations)
	if !ok {
		return
	}
	holder.mu.Lock()
	holder.attrs = append(holder.attrs, attrs...)
	holder.mu.Unlock()
}

func annotationsFrom(ctx context.Context) []slog.Attr {
	holder, ok := ctx.Value(annotationsKey{}).(*annotations)
	if !ok {
		return nil
	}
	holder.mu.Lock()
	defer holder.mu.Unlock()
	return append([]slog.Attr(nil), holder.attrs...)
}

func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := strings.TrimSpace(r.Header.Get(traceHeader))
		if !validTraceID(traceID) {
			traceID = newTraceID()
		}
		ctx := ContextWithTraceID(r.Context(), traceID)
		ctx = context.WithValue(ctx, annotationsKey{}, &annotations{})
		w.Header().Set(traceHeader, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware writes one line per request: Error for 5xx, Warn for 4xx,
// Info otherwise. It must sit inside TraceMiddleware to carry annotations.
func LoggingMiddleware(logger *slog.Logger, route RouteFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)

			attrs := []slog.Attr{
				slog.String("trace_id", TraceIDFromContext(r.Context())),
				slog.String("method", r.Method),
				slog.String("route", routeLabel(route, r)),
				slog.String("path", r.URL.Path),
				slog.Int("status", recorder.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.Int("bytes", recorder.bytes),
			}
			attrs = append(attrs, annotationsFrom(r.Context())...)

			level := slog.LevelInfo
			switch {
			case recorder.status >= 500:
				level = slog.LevelError
			case recorder.status >= 400:
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "http_request", attrs...)
		})
	}
}

func MetricsMiddleware(route RouteFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			ObserveHTTPRequest(r.Method, routeLabel(route, r), recorder.status, time.Since(start))
		})
	}
}

func routeLabel(route RouteFunc, r *http.Request) string {
	if route == nil {
		return UnmatchedRoute
	}
	if label := route(r); label != "" {
		return label
	}
	return UnmatchedRoute
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(body []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(body)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// validTraceID keeps caller-supplied ids short and log-safe.
func validTraceID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

func newTraceID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(buf)
}
