package apihttp

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elastic/go-freelru"
	"github.com/rs/xid"
	"github.com/zeebo/xxh3"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"debridui/resolver/internal/metrics"
)

const (
	requestIDHeader = "X-Request-Id"
	// maxTrackedClients bounds the per-client limiter table; the least recently seen client is dropped.
	maxTrackedClients = 4096
)

type requestIDKey struct{}

// statusRecorder captures what the handler wrote for logs and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	if rec, ok := w.(*statusRecorder); ok {
		return rec
	}
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// requestIDMiddleware keeps a caller-supplied X-Request-Id or mints an xid, echoes it on the
// response and stores it in the request context.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := truncate(strings.TrimSpace(r.Header.Get(requestIDHeader)), 64)
		if id == "" {
			id = xid.New().String()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newStatusRecorder(w)
		next.ServeHTTP(rec, r)

		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Int("bytes", rec.bytes),
			slog.Int64("durationMs", time.Since(start).Milliseconds()),
			slog.String("clientIP", clientIP(r)),
		}
		if id := requestIDFrom(r.Context()); id != "" {
			attrs = append(attrs, slog.String("requestId", id))
		}
		if span := trace.SpanContextFromContext(r.Context()); span.HasTraceID() {
			attrs = append(attrs, slog.String("traceId", span.TraceID().String()))
		}
		if rawQuery := r.URL.RawQuery; rawQuery != "" {
			attrs = append(attrs, slog.String("query", truncate(rawQuery, 180)))
		}
		logger.LogAttrs(r.Context(), requestLogLevel(r.URL.Path, rec.status), "http request", attrs...)
	})
}

func recoveryMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}
			logger.Error("panic recovered",
				slog.Any("error", recovered),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("requestId", requestIDFrom(r.Context())),
				slog.String("stack", string(debug.Stack())),
			)
			writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := normalizeRoute(r.URL.Path)
		if route == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := newStatusRecorder(w)
		next.ServeHTTP(rec, r)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// normalizeRoute keeps metric label cardinality bounded to the registered routes.
func normalizeRoute(path string) string {
	switch path {
	case "/health", "/metrics", "/playback", "/playback/status", "/resolve", "/settings/quality", "/providers", "/providers/health":
		return path
	default:
		return "/other"
	}
}

// requestLogLevel keeps the UI's status polling out of info logs.
func requestLogLevel(path string, status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	case path == "/health" || path == "/playback/status":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// clientIP prefers the first X-Forwarded-For hop, then the peer address.
func clientIP(r *http.Request) string {
	if forwarded, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); strings.TrimSpace(forwarded) != "" {
		return strings.TrimSpace(forwarded)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

func truncate(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	if limit <= 3 {
		return value[:limit]
	}
	return value[:limit-3] + "..."
}

// clientLimiters hands out one token bucket per client address.
type clientLimiters struct {
	rps   rate.Limit
	burst int

	mu  sync.Mutex
	lru *freelru.LRU[string, *rate.Limiter]
	// shared is used when the table cannot be built.
	shared *rate.Limiter
}

func newClientLimiters(rps float64, burst int) *clientLimiters {
	limiters := &clientLimiters{rps: rate.Limit(rps), burst: burst}
	lru, err := freelru.New[string, *rate.Limiter](maxTrackedClients, func(key string) uint32 {
		return uint32(xxh3.HashString(key))
	})
	if err != nil {
		limiters.shared = rate.NewLimiter(limiters.rps, burst)
		return limiters
	}
	limiters.lru = lru
	return limiters
}

// limiter returns the client's bucket, creating it under the lock so concurrent first requests
// share one bucket.
func (c *clientLimiters) limiter(client string) *rate.Limiter {
	if c.lru == nil {
		return c.shared
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	limiter, ok := c.lru.Get(client)
	if !ok {
		limiter = rate.NewLimiter(c.rps, c.burst)
		c.lru.Add(client, limiter)
	}
	return limiter
}

func (c *clientLimiters) allow(client string) bool {
	return c.limiter(client).Allow()
}

// rateLimitMiddleware applies a token bucket per client to every route except health and metrics.
func rateLimitMiddleware(rps float64, burst int, next http.Handler) http.Handler {
	limiters := newClientLimiters(rps, burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if !limiters.allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
