package api

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/polisai/polis-shield/internal/governance"
)

// ClientIDHeader identifies the caller for rate limiting. Requests without it
// are keyed by remote IP.
const ClientIDHeader = "X-Client-ID"

// RateLimitMiddleware applies the per-client token bucket to every request
// except health and metrics probes.
type RateLimitMiddleware struct {
	limiter *governance.RateLimiter
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewRateLimitMiddleware creates the middleware. A nil limiter lets every request through.
func NewRateLimitMiddleware(limiter *governance.RateLimiter, metrics *Metrics, logger *slog.Logger) *RateLimitMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimitMiddleware{limiter: limiter, metrics: metrics, logger: logger, now: time.Now}
}

// Wrap wraps an HTTP handler with rate limiting.
func (m *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.limiter == nil || exempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		key := ClientKey(r)
		allowed, remaining := m.limiter.Allow(key)
		if remaining >= 0 {
			governance.WriteRateLimitHeaders(w, m.limiter.Limit(), remaining, m.now().Add(time.Second))
		}
		if !allowed {
			if m.metrics != nil {
				m.metrics.RecordRateLimited()
			}
			m.logger.Warn("request rate limited", "client", key, "path", r.URL.Path)
			w.Header().Set("Retry-After", "1")
			writeErrorBody(r.Context(), w, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded", m.logger)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func exempt(path string) bool {
	return path == "/healthz" || path == "/metrics"
}

// ClientKey extracts the rate limit key from the request.
func ClientKey(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(ClientIDHeader)); id != "" {
		return "client:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// limitBody caps request bodies at maxBytes.
func limitBody(maxBytes int64, next http.Handler) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}
