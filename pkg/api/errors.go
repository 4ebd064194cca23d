package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/agentbridge/pkg/router"
	"github.com/codeready-toolchain/agentbridge/pkg/sequencer"
)

// mapEventError maps event ingestion errors to HTTP error responses.
// Delivery problems on an already sequenced event are not errors at this
// layer; see publishEventHandler.
func mapEventError(err error) *echo.HTTPError {
	var violation *sequencer.SequenceViolationError
	if errors.As(err, &violation) {
		return echo.NewHTTPError(http.StatusConflict, violation.Error())
	}
	if errors.Is(err, sequencer.ErrInvalidEvent) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, sequencer.ErrUnresolvedOwner) {
		return echo.NewHTTPError(http.StatusUnauthorized, "event owner could not be resolved")
	}
	var isolation *router.IsolationViolationError
	if errors.As(err, &isolation) {
		slog.Error("Event rejected by isolation check", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	// Unexpected error
	slog.Error("Unexpected event error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
