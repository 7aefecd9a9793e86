package server

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"mercator-hq/cohort/pkg/ratelimit"
	"mercator-hq/cohort/pkg/security/auth"
	"mercator-hq/cohort/pkg/telemetry/logging"

	"github.com/google/uuid"
)

// RequestIDHeader is the HTTP header carrying the request ID.
const RequestIDHeader = "X-Request-ID"

// RequestIDMiddleware puts a request ID in the context and the response
// headers. A client-supplied X-Request-ID is reused.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, requestID)
		ctx := logging.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// LoggingMiddleware logs every request with its status and latency. 5xx
// responses log at error level, 4xx at warn.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := newResponseWriter(w)

			next.ServeHTTP(rw, r)

			level := slog.LevelInfo
			if rw.statusCode >= 500 {
				level = slog.LevelError
			} else if rw.statusCode >= 400 {
				level = slog.LevelWarn
			}

			logger.Log(r.Context(), level, "Request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rw.statusCode,
				"latency_ms", time.Since(start).Milliseconds(),
				"request_id", logging.GetRequestID(r.Context()),
				"remote_addr", r.RemoteAddr,
			)
		})
	}
}

// RecoveryMiddleware turns a handler panic into a 500 response and logs the
// stack.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.ErrorContext(r.Context(), "Panic in handler",
						"error", err,
						"request_id", logging.GetRequestID(r.Context()),
						"method", r.Method,
						"path", r.URL.Path,
						"stack", string(debug.Stack()),
					)
					writeError(w, http.StatusInternalServerError, ErrorTypeServer,
						"An internal error occurred.", nil)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole rejects requests without an API key allowed for role: 401
// when the key is missing or invalid, 403 when its role is insufficient.
// A nil authenticator lets every request through.
func RequireRole(authn *auth.Authenticator, role auth.Role, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if authn == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, err := authn.Authenticate(r)
			if err != nil {
				logger.WarnContext(r.Context(), "Rejected API request",
					"error", err,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"request_id", logging.GetRequestID(r.Context()),
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="cohort"`)
				writeError(w, http.StatusUnauthorized, ErrorTypeUnauthorized, err.Error(), nil)
				return
			}
			if !info.Role.Allows(role) {
				logger.WarnContext(r.Context(), "API key lacks role",
					"key", info.Name,
					"role", info.Role,
					"required", role,
					"path", r.URL.Path,
				)
				writeError(w, http.StatusForbidden, ErrorTypeForbidden,
					"API key "+info.Name+" may not call this endpoint", nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(auth.WithKeyInfo(r.Context(), info)))
		})
	}
}

// RateLimit throttles requests per caller and caps in-flight requests. The
// caller is the authenticated API key when there is one, else the remote
// IP. A nil limiter lets every request through.
func RateLimit(limiter *ratelimit.Limiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := callerKey(r)
			res := limiter.Allow(caller)
			if res.Limit > 0 {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			}
			if !res.Allowed {
				logger.WarnContext(r.Context(), "Rate limit exceeded",
					"caller", caller,
					"path", r.URL.Path,
					"retry_after", res.RetryAfter.String(),
				)
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
				writeError(w, http.StatusTooManyRequests, ErrorTypeRateLimited, "rate limit exceeded", nil)
				return
			}

			if !limiter.Acquire() {
				logger.WarnContext(r.Context(), "Too many in-flight requests", "path", r.URL.Path)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusServiceUnavailable, ErrorTypeOverloaded, "server is at capacity", nil)
				return
			}
			defer limiter.Release()

			next.ServeHTTP(w, r)
		})
	}
}

func callerKey(r *http.Request) string {
	if info, ok := auth.GetKeyInfo(r.Context()); ok {
		return "key:" + info.Name
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
