package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/agentbridge/pkg/models"
	"github.com/codeready-toolchain/agentbridge/pkg/router"
	"github.com/codeready-toolchain/agentbridge/pkg/sequencer"
)

// publishEventHandler handles POST /api/v1/events.
// The event owner is the authenticated caller; the body cannot name a user.
func (s *Server) publishEventHandler(c *echo.Context) error {
	userID, err := s.authenticate(c)
	if err != nil {
		return err
	}
	if s.publisher == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event ingestion not available")
	}

	var req models.PublishEventRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validatePublishRequest(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	// Run IDs share one namespace; another user's run is reported as
	// missing so its existence does not leak.
	if s.foreignRun(req.RunID, userID) {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}

	ref := sequencer.RunRef{UserID: userID, ThreadID: req.ThreadID, RunID: req.RunID}
	res, err := s.publisher.Publish(c.Request().Context(), ref, req.Type, req.Data)
	if eventRejected(res.Event.SequenceNumber, err) {
		// The run may have been started by its owner after the check above.
		if res.Event.SequenceNumber == 0 && s.foreignRun(req.RunID, userID) {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		return mapEventError(err)
	}

	resp := &models.PublishEventResponse{
		RunID:          res.Event.RunID,
		SequenceNumber: res.Event.SequenceNumber,
		DeliveredTo:    nonNil(res.Routing.Delivered),
		QueuedFor:      nonNil(res.Routing.Queued),
		Retained:       res.Routing.Retained,
	}

	// The event is sequenced; anything left is a delivery problem the
	// producer cannot fix by retrying.
	if err != nil {
		var unavailable *router.BridgeUnavailableError
		if errors.As(err, &unavailable) {
			resp.Retained = unavailable.Retained
		} else {
			slog.Warn("Sequenced event was not fully delivered",
				"run_id", req.RunID, "type", req.Type, "user_id", userID, "error", err)
		}
		return c.JSON(http.StatusAccepted, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// getRunHandler handles GET /api/v1/runs/:id.
func (s *Server) getRunHandler(c *echo.Context) error {
	userID, err := s.authenticate(c)
	if err != nil {
		return err
	}
	runID := c.Param("id")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}
	if s.sequencer == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "sequencer not available")
	}

	snap, ok := s.sequencer.Snapshot(runID)
	if !ok || snap.UserID != userID {
		return echo.NewHTTPError(http.StatusNotFound, "run not found")
	}
	return c.JSON(http.StatusOK, snap)
}

// eventRejected reports whether a Publish error refuses the event. Errors
// on a sequenced event are delivery problems, except isolation violations
// which are always fatal.
func eventRejected(sequenceNumber int64, err error) bool {
	if err == nil {
		return false
	}
	var isolation *router.IsolationViolationError
	return sequenceNumber == 0 || errors.As(err, &isolation)
}

// foreignRun reports whether runID is a known run owned by someone other
// than userID.
func (s *Server) foreignRun(runID, userID string) bool {
	if s.sequencer == nil {
		return false
	}
	snap, ok := s.sequencer.Snapshot(runID)
	return ok && snap.UserID != userID
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
