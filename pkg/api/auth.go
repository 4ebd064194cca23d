package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/agentbridge/pkg/auth"
)

// authenticate resolves the calling user from the request.
// Priority: Authorization bearer header > "token" query parameter.
// Browsers cannot set headers on a WebSocket handshake, hence the query fallback.
func (s *Server) authenticate(c *echo.Context) (string, error) {
	if s.verifier == nil {
		return "", echo.NewHTTPError(http.StatusServiceUnavailable, "authentication not configured")
	}

	token := c.QueryParam("token")
	if header := c.Request().Header.Get("Authorization"); header != "" {
		t, err := auth.BearerToken(header)
		if err != nil {
			return "", mapAuthError(err)
		}
		token = t
	}
	if token == "" {
		return "", mapAuthError(auth.ErrMissingToken)
	}

	userID, err := s.verifier.Verify(token)
	if err != nil {
		return "", mapAuthError(err)
	}
	return userID, nil
}

func mapAuthError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
	case errors.Is(err, auth.ErrExpiredToken):
		return echo.NewHTTPError(http.StatusUnauthorized, "token expired")
	case errors.Is(err, auth.ErrMissingClaim):
		return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject")
	default:
		slog.Debug("Rejected token", "error", err)
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
}
