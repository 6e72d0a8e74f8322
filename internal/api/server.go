// Package api provides the operations HTTP server of the encoding engine:
// health, metrics and a small set of media maintenance endpoints.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/reelhouse/reelhouse-server/internal/domain"
	"github.com/reelhouse/reelhouse-server/internal/ratelimit"
	"github.com/reelhouse/reelhouse-server/internal/service"
)

// Store is the part of the record store the server reads.
type Store interface {
	Ping(ctx context.Context) error
	CountEncodingsByStatus(ctx context.Context) (map[domain.EncodingStatus]int, error)
}

// MediaOps are the media operations exposed over HTTP.
type MediaOps interface {
	EncodingsInfo(ctx context.Context, mediaID string) (*service.EncodingsInfo, error)
	Encode(ctx context.Context, mediaID string, profileIDs []string, force bool) error
	RequestTrim(ctx context.Context, mediaID, timestamps string) (*domain.TrimRequest, error)
	Delete(ctx context.Context, mediaID string) error
	DeleteEncoding(ctx context.Context, encodingID string) error
}

// Deps holds what the handlers need. Nil components report as not configured.
type Deps struct {
	Store   Store
	Media   MediaOps
	Workers interface{ Running() int }
	Bus     interface{ Pending() int }
	Tasks   interface{ InFlight() int }
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Events streams encoding events at /api/v1/events when set.
	Events http.Handler
	// Limiter throttles mutating requests per client address when set.
	Limiter *ratelimit.KeyedRateLimiter
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	deps   Deps
	router *chi.Mux
	logger *slog.Logger
}

// NewServer creates the operations server with all routes configured.
func NewServer(deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		deps:   deps,
		router: chi.NewRouter(),
		logger: logger,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealthCheck)
	if s.deps.Metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Get("/queue", s.handleQueue)
		r.Get("/media/{id}/encodings", s.handleEncodingsInfo)
		if s.deps.Events != nil {
			r.Method(http.MethodGet, "/events", s.deps.Events)
		}

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimit)
			r.Post("/media/{id}/encode", s.handleEncode)
			r.Post("/media/{id}/trim", s.handleTrim)
			r.Delete("/media/{id}", s.handleDeleteMedia)
			r.Delete("/encodings/{id}", s.handleDeleteEncoding)
		})
	})
}
