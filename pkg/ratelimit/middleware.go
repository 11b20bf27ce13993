package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/kadirpekel/conductor/pkg/logger"
)

// IdentityFunc extracts the caller identity used in bucket keys. An empty
// return falls back to the client IP.
type IdentityFunc func(r *http.Request) string

// Middleware returns an HTTP middleware enforcing the limiter per
// identity, method, and path. Denials answer 429 with a Retry-After
// header naming the remaining window in whole seconds, rounded up.
func (l *Limiter) Middleware(identity IdentityFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := bucketKey(r, identity)
			decision := l.Allow(key)
			if decision.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			seconds := int(math.Ceil(decision.RetryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			logger.GetLogger().Warn("request rate limited",
				"key", key, "retry_after_s", seconds)

			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
				"error": map[string]any{
					"type":    "rate_limited",
					"message": "rate limit exceeded, retry later",
				},
			})
		})
	}
}

func bucketKey(r *http.Request, identity IdentityFunc) string {
	who := ""
	if identity != nil {
		who = identity(r)
	}
	if who == "" {
		who = clientIP(r)
	}
	return who + ":" + r.Method + ":" + r.URL.Path
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
