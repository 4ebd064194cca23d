package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/agentbridge/pkg/version"
)

const (
	healthStatusHealthy   = "healthy"
	healthStatusDegraded  = "degraded"
	healthStatusUnhealthy = "unhealthy"
)

// healthHandler handles GET /health.
// Returns a minimal, safe response suitable for unauthenticated access.
// Only the bridge's own in-process components are checked.
func (s *Server) healthHandler(c *echo.Context) error {
	checks := make(map[string]HealthCheck)
	status := healthStatusHealthy

	if s.connManager == nil || s.router == nil {
		status = healthStatusUnhealthy
		checks["websocket"] = HealthCheck{Status: healthStatusUnhealthy, Message: "connection manager not configured"}
	} else {
		checks["websocket"] = HealthCheck{Status: healthStatusHealthy}
	}

	if s.publisher == nil || s.sequencer == nil {
		if status == healthStatusHealthy {
			status = healthStatusDegraded
		}
		checks["ingestion"] = HealthCheck{Status: healthStatusDegraded, Message: "event ingestion not configured"}
	} else {
		checks["ingestion"] = HealthCheck{Status: healthStatusHealthy}
	}

	var stats BridgeStats
	if s.router != nil {
		stats.Connections = s.router.ConnectionCount()
		stats.Users = s.router.UserCount()
	}
	if s.sequencer != nil {
		stats.ActiveRuns = s.sequencer.ActiveRuns()
	}

	httpStatus := http.StatusOK
	if status == healthStatusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}

	return c.JSON(httpStatus, &HealthResponse{
		Status:  status,
		Version: version.GitCommit,
		Build:   version.Get(),
		Checks:  checks,
		Stats:   stats,
	})
}
