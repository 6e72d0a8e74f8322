package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

const healthTimeout = 2 * time.Second

// Component states.
const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

// ComponentHealth describes the health of a single component.
type ComponentHealth struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthResponse contains health check data.
type HealthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	components := map[string]ComponentHealth{
		"database": s.checkDatabase(ctx),
		"workers":  s.checkWorkers(),
		"events":   s.checkEvents(),
	}

	overall := statusHealthy
	for _, c := range components {
		switch c.Status {
		case statusUnhealthy:
			overall = statusUnhealthy
		case statusDegraded:
			if overall == statusHealthy {
				overall = statusDegraded
			}
		}
	}

	code := http.StatusOK
	if overall == statusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	// Plain JSON, not the envelope: load balancers read the status field.
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(HealthResponse{Status: overall, Components: components})
}

func (s *Server) checkDatabase(ctx context.Context) ComponentHealth {
	if s.deps.Store == nil {
		return ComponentHealth{Status: statusDegraded, Message: "database not configured"}
	}

	start := time.Now()
	err := s.deps.Store.Ping(ctx)
	latency := time.Since(start)

	if err != nil {
		return ComponentHealth{
			Status:  statusUnhealthy,
			Latency: latency.String(),
			Message: "database ping failed",
		}
	}
	return ComponentHealth{Status: statusHealthy, Latency: latency.String()}
}

func (s *Server) checkWorkers() ComponentHealth {
	if s.deps.Workers == nil {
		return ComponentHealth{Status: statusDegraded, Message: "encoder not configured"}
	}
	return ComponentHealth{
		Status:  statusHealthy,
		Message: plural(s.deps.Workers.Running(), "running encode"),
	}
}

func (s *Server) checkEvents() ComponentHealth {
	if s.deps.Bus == nil {
		return ComponentHealth{Status: statusDegraded, Message: "event bus not configured"}
	}
	return ComponentHealth{
		Status:  statusHealthy,
		Message: plural(s.deps.Bus.Pending(), "queued event"),
	}
}

func plural(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return strconv.Itoa(n) + " " + noun + "s"
}
