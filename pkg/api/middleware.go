package api

import (
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/steward-sh/steward/pkg/limiter"
)

// RequestID stamps every request with an X-Request-ID, preserving one
// the caller already set.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// RateLimit enforces a per-client-IP policy through the injected
// limiter store. A limiter backend outage fails open: availability of
// the read-only status surface beats strictness here.
func RateLimit(store limiter.Store, policy limiter.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}
			allowed, err := store.Allow(r.Context(), "api:"+clientIP(r), policy, 1)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				WriteTooManyRequests(w, 5)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}
