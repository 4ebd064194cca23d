package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// getConnectionHandler handles GET /api/v1/connections/:id.
// Callers only see their own connections; anything else is reported as
// not found.
func (s *Server) getConnectionHandler(c *echo.Context) error {
	userID, err := s.authenticate(c)
	if err != nil {
		return err
	}
	connectionID := c.Param("id")
	if connectionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "connection id is required")
	}
	if s.registry == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "registry not available")
	}

	sm, q, ok := s.registry.Lookup(connectionID)
	if !ok || sm.UserID() != userID {
		return echo.NewHTTPError(http.StatusNotFound, "connection not found")
	}

	resp := &ConnectionResponse{
		ConnectionID:  connectionID,
		UserID:        sm.UserID(),
		State:         sm.State(),
		Transitions:   sm.TransitionLog(),
		ProcessingNow: sm.CanProcessMessages(),
	}
	if q != nil {
		stats := q.Stats()
		resp.Queue = &stats
	}
	if s.router != nil {
		if dest, found := s.router.Destination(connectionID); found {
			resp.Destination = &dest
		}
	}
	return c.JSON(http.StatusOK, resp)
}
