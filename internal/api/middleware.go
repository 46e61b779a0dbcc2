package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/meetsync/internal/booking"
	"github.com/lalithlochan/meetsync/internal/db"
	"github.com/lalithlochan/meetsync/internal/metrics"
	"github.com/lalithlochan/meetsync/internal/redis"
)

type Limiter interface {
	Allow(ctx context.Context, key string) (*redis.RateLimitResult, error)
}

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*db.ClientConnection, error)
}

type ctxKey int

const clientKey ctxKey = iota

// ClientFromContext returns the client resolved by ClientAuth.
func ClientFromContext(ctx context.Context) (*db.ClientConnection, bool) {
	c, ok := ctx.Value(clientKey).(*db.ClientConnection)
	return c, ok
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

// ClientAuth resolves the bearer access token to exactly one active client.
func ClientAuth(auth Authenticator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Missing credential", "Authorization: Bearer <access token> is required")
				return
			}

			client, err := auth.Authenticate(r.Context(), token)
			if errors.Is(err, booking.ErrInvalidCredential) {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid credential", "")
				return
			}
			if err != nil {
				logger.Error("client authentication failed", zap.Error(err))
				writeError(w, http.StatusServiceUnavailable, "persistence_error", "Unable to authenticate", "")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientKey, client)))
		})
	}
}

// AdminAuth guards the operator endpoints with a shared key. An empty key
// disables them.
func AdminAuth(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				writeError(w, http.StatusServiceUnavailable, "admin_disabled", "Admin API is not configured", "")
				return
			}
			got := r.Header.Get("X-Admin-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid admin key", "")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitMiddleware enforces limiter per key. A nil limiter, an empty key,
// or a limiter error lets the request through.
func RateLimitMiddleware(limiter Limiter, logger *zap.Logger, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				metrics.RecordRateLimitRejection()
				retryAfter := int(time.Until(result.ResetAt).Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(max(1, retryAfter)))
				writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too Many Requests",
					"Rate limit exceeded. Please retry after the specified time.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientTokenKeyFunc keys the limiter on a digest of the bearer token so raw
// credentials never reach Redis.
func ClientTokenKeyFunc(r *http.Request) string {
	token := bearerToken(r)
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return "client:" + hex.EncodeToString(sum[:8])
}

// RequestLogger logs one line per request.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
