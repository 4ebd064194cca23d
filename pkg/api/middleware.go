package api

import (
	"log/slog"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"
)

// securityHeaders returns middleware that sets standard security response headers.
// Responses carry per-user data and are never cached.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			h.Set("Cache-Control", "no-store")
			return next(c)
		}
	}
}

// requestLogger logs completed API requests. WebSocket sessions and scrapes
// are skipped: a WebSocket request lasts as long as its connection.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/api/") {
				return next(c)
			}
			start := time.Now()
			err := next(c)
			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"duration", time.Since(start),
			}
			if err != nil {
				slog.Debug("API request failed", append(attrs, "error", err)...)
			} else {
				slog.Debug("API request", attrs...)
			}
			return err
		}
	}
}
