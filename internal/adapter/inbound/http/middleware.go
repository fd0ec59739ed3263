package http

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/relaygate/relaygate/internal/ctxkey"
	"github.com/relaygate/relaygate/internal/domain/apperr"
	"github.com/relaygate/relaygate/internal/domain/ratelimit"
	"github.com/relaygate/relaygate/internal/metrics"
)

type clientIPKey struct{}

// ErrOriginNotAllowed is returned for browser requests from unknown origins.
var ErrOriginNotAllowed = apperr.New(http.StatusForbidden, "Origin not allowed").WithCode("ORIGIN_NOT_ALLOWED")

// ErrRateLimited is returned when a client IP exceeds its request rate.
var ErrRateLimited = apperr.TooManyRequests("Too many requests").WithCode("RATE_LIMITED")

// RequestIDMiddleware extracts or generates a request ID and enriches the logger.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			ctx := context.WithValue(r.Context(), ctxkey.RequestIDKey{}, requestID)
			ctx = ctxkey.WithLogger(ctx, logger.With("request_id", requestID))

			w.Header().Set("X-Request-ID", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RealIPMiddleware stores the client's IP address in the request context.
// Only the first X-Forwarded-For entry is used.
func RealIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), clientIPKey{}, extractRealIP(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClientIP returns the IP stored by RealIPMiddleware, or "".
func ClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func extractRealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// OriginAllowed reports whether origin is in allowed. "*" allows any origin.
func OriginAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// CORSMiddleware answers preflight requests and sets CORS headers for
// allowed origins. Requests without an Origin header pass untouched; a
// disallowed Origin is rejected with 403.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !OriginAllowed(allowedOrigins, origin) {
				writeError(w, r, ErrOriginNotAllowed)
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Expose-Headers", "X-Request-ID, Retry-After")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitMiddleware limits requests per client IP. A limiter error lets
// the request through.
func RateLimitMiddleware(limiter ratelimit.RateLimiter, cfg ratelimit.RateLimitConfig, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ClientIP(r.Context())
			if ip == "" {
				ip = extractRealIP(r)
			}

			res, err := limiter.Allow(r.Context(), ratelimit.FormatKey(ratelimit.KeyTypeIP, ip), cfg)
			if err != nil {
				ctxkey.Logger(r.Context(), nil).Warn("rate limiter failed", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !res.Allowed {
				m.Limited("http")
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
				writeError(w, r, ErrRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
