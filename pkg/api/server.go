// Package api exposes the bridge over HTTP: the WebSocket endpoint clients
// connect to, event ingestion for agent-execution collaborators, connection
// diagnostics, health and metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/agentbridge/pkg/auth"
	"github.com/codeready-toolchain/agentbridge/pkg/config"
	"github.com/codeready-toolchain/agentbridge/pkg/connection"
	"github.com/codeready-toolchain/agentbridge/pkg/events"
	"github.com/codeready-toolchain/agentbridge/pkg/metrics"
	"github.com/codeready-toolchain/agentbridge/pkg/router"
	"github.com/codeready-toolchain/agentbridge/pkg/sequencer"
)

// Server is the HTTP API server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server

	cfg         *config.Config
	verifier    auth.TokenVerifier
	connManager *events.ConnectionManager
	publisher   *events.EventPublisher
	registry    *connection.Registry
	router      *router.Router
	sequencer   *sequencer.Sequencer
	metrics     *metrics.Recorder
}

// NewServer creates a new API server with routes registered.
func NewServer(
	cfg *config.Config,
	verifier auth.TokenVerifier,
	connManager *events.ConnectionManager,
	publisher *events.EventPublisher,
	registry *connection.Registry,
	r *router.Router,
	seq *sequencer.Sequencer,
	rec *metrics.Recorder,
) *Server {
	s := &Server{
		echo:        echo.New(),
		cfg:         cfg,
		verifier:    verifier,
		connManager: connManager,
		publisher:   publisher,
		registry:    registry,
		router:      r,
		sequencer:   seq,
		metrics:     rec,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.Use(securityHeaders())
	s.echo.Use(requestLogger())

	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/metrics", s.metricsHandler)
	s.echo.GET("/ws", s.wsHandler)

	s.echo.POST("/api/v1/events", s.publishEventHandler)
	s.echo.GET("/api/v1/connections/:id", s.getConnectionHandler)
	s.echo.GET("/api/v1/runs/:id", s.getRunHandler)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr and blocks until the server stops.
// Returns http.ErrServerClosed after Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests, then closes every open WebSocket
// connection and waits for their teardown.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.connManager != nil {
		if err := s.connManager.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// metricsHandler handles GET /metrics.
func (s *Server) metricsHandler(c *echo.Context) error {
	if s.metrics == nil {
		return echo.NewHTTPError(http.StatusNotFound, "metrics disabled")
	}
	s.metrics.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}
