package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/clawline/clawctl/infrastructure/httputil"
	"github.com/clawline/clawctl/infrastructure/service"
)

// registerHealthChecks wires the Watchdog's failure signal and a
// lightweight queue-store probe into the deep health checker.
func (s *Server) registerHealthChecks() {
	s.health.Register("actuator", func(ctx context.Context) *service.ComponentHealth {
		status := "healthy"
		if s.app.Actuator.IsLocked() {
			status = "degraded"
		}
		return &service.ComponentHealth{Status: status}
	})
	s.health.Register("queue", func(ctx context.Context) *service.ComponentHealth {
		if _, _, err := s.app.Queue.Status(ctx); err != nil {
			return &service.ComponentHealth{Status: "unhealthy", Message: err.Error()}
		}
		return &service.ComponentHealth{Status: "healthy"}
	})
}

// handleHealthz is the endpoint the Watchdog polls: a failure here, N
// consecutive times, forces every output line low from outside this
// process.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := s.health.Check(r.Context(), "clawctl-server", "dev", false, time.Since(s.startedAt))
	status := http.StatusOK
	switch resp.Status {
	case "degraded":
		status = http.StatusOK
	case "unhealthy":
		status = http.StatusServiceUnavailable
	}
	httputil.WriteJSON(w, status, resp)
}

// handleReadyz is a shallow liveness probe distinct from the deep
// check: it only confirms the process is accepting connections.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
