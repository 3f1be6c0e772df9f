package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	body := map[string]any{
		"status":   "healthy",
		"sessions": len(s.sessions.ListByUser("")),
	}
	if s.connManager != nil {
		body["observers"] = s.connManager.ActiveConnections()
	}
	return c.JSON(http.StatusOK, body)
}
