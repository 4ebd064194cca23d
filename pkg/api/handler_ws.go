package api

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/agentbridge/pkg/events"
)

// wsHandler authenticates the handshake, upgrades HTTP connections to
// WebSocket and delegates to ConnectionManager.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.connManager == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "WebSocket not available")
	}

	// Authenticate before the upgrade so a bad token gets a plain 401.
	userID, err := s.authenticate(c)
	if err != nil {
		return err
	}

	opts := &websocket.AcceptOptions{}
	if s.cfg != nil && s.cfg.System != nil {
		opts.OriginPatterns = s.cfg.System.AllowedWSOrigins
	}
	conn, err := websocket.Accept(c.Response(), c.Request(), opts)
	if err != nil {
		// Accept has already written the error response.
		slog.Warn("WebSocket upgrade failed", "user_id", userID, "error", err)
		return nil
	}

	id := events.Identity{
		UserID:    userID,
		SessionID: c.QueryParam("session_id"),
		Metadata: map[string]string{
			"remote_addr": c.Request().RemoteAddr,
			"user_agent":  c.Request().UserAgent(),
		},
	}

	// HandleConnection blocks until the WebSocket closes.
	s.connManager.HandleConnection(c.Request().Context(), conn, id)
	return nil
}
