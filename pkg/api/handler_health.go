package api

import (
	"net/http"
	"os"

	echo "github.com/labstack/echo/v5"

	"github.com/openmu/mucp/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health.
// Returns a minimal, safe response suitable for unauthenticated access. Only
// the control plane's own components are checked; channel backends (Slack,
// Telegram) are excluded so an upstream outage cannot make an orchestrator
// restart the process.
func (s *Server) healthHandler(c *echo.Context) error {
	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if err := s.paths.EnsureDir(); err != nil {
		status = healthStatusUnhealthy
		checks["journal_dir"] = HealthCheck{Status: healthStatusUnhealthy, Message: err.Error()}
	} else {
		checks["journal_dir"] = HealthCheck{Status: healthStatusHealthy}
	}

	if _, err := os.Stat(s.paths.WriterLock()); err != nil {
		if status == healthStatusHealthy {
			status = healthStatusDegraded
		}
		checks["writer_lock"] = HealthCheck{Status: healthStatusDegraded, Message: "writer lock not held"}
	} else {
		checks["writer_lock"] = HealthCheck{Status: healthStatusHealthy}
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:     status,
		Version:    version.GitCommit,
		Generation: s.sup.ActiveGeneration(),
		Commands:   s.commands.StatesByCount(),
		Checks:     checks,
	})
}
