// Package middleware holds the gateway-specific HTTP middleware: admission
// control for mutating routes.
package middleware

import (
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/pipelines/internal/ratelimit"
	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/pipelines/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/metrics"
)

// globalKey is the single counter shared by every client in global scope.
const globalKey = "global"

// errTooManyRequests is the rejection sent once a key's window is spent.
var errTooManyRequests = apperrors.New(apperrors.ErrRateLimited, http.StatusTooManyRequests, "Too many requests")

// KeyFunc derives the rate-limit counter key for a request.
type KeyFunc func(r *http.Request) string

// KeyFor returns the KeyFunc selected by cfg.Scope.
func KeyFor(cfg config.RateLimitConfig) KeyFunc {
	if cfg.Scope == "global" {
		return func(*http.Request) string { return globalKey }
	}
	trust := cfg.TrustForwardedFor
	return func(r *http.Request) string {
		return ClientIP(r, trust)
	}
}

// ClientIP returns the caller's address. With trustForwarded set, the first
// X-Forwarded-For entry wins over the socket address.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimit returns middleware that admits at most the limiter's quota of
// requests per key and window. Rejected requests get 429 before the handler
// runs. Limiter errors are logged and the request is let through.
func RateLimit(limiter ratelimit.Limiter, key KeyFunc, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision, err := limiter.Allow(r.Context(), key(r))
			if err != nil {
				logger.FromContext(r.Context()).Error("rate limiter unavailable, admitting request", "error", err)
				next.ServeHTTP(w, r)
				return
			}

			resetIn := int(math.Ceil(time.Until(decision.ResetAt).Seconds()))
			if resetIn < 0 {
				resetIn = 0
			}
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			h.Set("X-RateLimit-Reset", strconv.Itoa(resetIn))

			if !decision.Allowed {
				h.Set("Retry-After", strconv.Itoa(resetIn))
				if m != nil {
					m.RateLimitedTotal.Inc()
				}
				logger.FromContext(r.Context()).Warn("rate limit exceeded",
					"path", r.URL.Path,
					"reset_in", resetIn,
				)
				writeError(w, errTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, err error) {
	message := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperrors.HTTPStatusCode(err))
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
