// Package api exposes the REST and WebSocket surface of the engine.
package api

import (
	"context"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/openagora/agora/pkg/events"
	"github.com/openagora/agora/pkg/eventlog"
	"github.com/openagora/agora/pkg/moderator"
	"github.com/openagora/agora/pkg/session"
)

// Server is the HTTP server fronting the session manager, moderator, and
// observer surface.
type Server struct {
	sessions    *session.Manager
	moderator   *moderator.Controller
	log         *eventlog.Log
	connManager *events.ConnectionManager

	echo *echo.Echo
	http *http.Server
}

// NewServer wires the HTTP server. connManager may be nil; the WebSocket
// endpoint then responds 503.
func NewServer(sessions *session.Manager, mod *moderator.Controller,
	log *eventlog.Log, connManager *events.ConnectionManager) *Server {
	s := &Server{
		sessions:    sessions,
		moderator:   mod,
		log:         log,
		connManager: connManager,
	}
	s.echo = s.routes()
	return s
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)
	e.GET("/ws", s.wsHandler)

	v1 := e.Group("/api/v1")
	v1.POST("/sessions", s.createSessionHandler)
	v1.GET("/sessions", s.listSessionsHandler)
	v1.GET("/sessions/:id", s.getSessionHandler)
	v1.DELETE("/sessions/:id", s.deleteSessionHandler)
	v1.POST("/sessions/:id/start", s.startSessionHandler)
	v1.POST("/sessions/:id/pause", s.pauseSessionHandler)
	v1.POST("/sessions/:id/resume", s.resumeSessionHandler)
	v1.POST("/sessions/:id/end", s.endSessionHandler)
	v1.GET("/sessions/:id/events", s.listEventsHandler)
	v1.GET("/sessions/:id/intents", s.listIntentsHandler)
	v1.POST("/sessions/:id/intents", s.submitIntentHandler)
	v1.GET("/sessions/:id/intervention", s.getInterventionHandler)
	v1.PUT("/sessions/:id/intervention", s.setInterventionHandler)
	v1.GET("/sessions/:id/health", s.sessionHealthHandler)
	return e
}

// Handler exposes the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves HTTP on addr and blocks until shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.echo}
	return s.http.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
