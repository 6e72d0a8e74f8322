package api

import (
	"net"
	"net/http"

	"github.com/reelhouse/reelhouse-server/internal/http/response"
)

// rateLimit rejects requests from a client address that exceeded its budget.
// RealIP has already replaced RemoteAddr when a proxy header was present.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		key := r.RemoteAddr
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			key = host
		}

		if !s.deps.Limiter.Allow(key) {
			w.Header().Set("Retry-After", "1")
			response.Error(w, http.StatusTooManyRequests, "too many requests", s.logger)
			return
		}
		next.ServeHTTP(w, r)
	})
}
