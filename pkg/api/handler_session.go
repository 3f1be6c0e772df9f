package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/openagora/agora/pkg/session"
)

// createSessionHandler handles POST /api/v1/sessions.
func (s *Server) createSessionHandler(c *echo.Context) error {
	var cfg session.Config
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if cfg.UserID == "" {
		cfg.UserID = extractUser(c)
	}

	sess, err := s.sessions.Create(c.Request().Context(), cfg)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, s.sessionResponse(sess))
}

// listSessionsHandler handles GET /api/v1/sessions. An empty user filter
// returns every session.
func (s *Server) listSessionsHandler(c *echo.Context) error {
	sessions := s.sessions.ListByUser(c.QueryParam("user_id"))
	out := make([]SessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, s.sessionResponse(sess))
	}
	return c.JSON(http.StatusOK, out)
}

// getSessionHandler handles GET /api/v1/sessions/:id.
func (s *Server) getSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, s.sessionResponse(sess))
}

// deleteSessionHandler handles DELETE /api/v1/sessions/:id.
func (s *Server) deleteSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	if err := s.sessions.Delete(c.Request().Context(), sessionID); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// startSessionHandler handles POST /api/v1/sessions/:id/start.
func (s *Server) startSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	if err := s.sessions.Start(c.Request().Context(), sessionID); err != nil {
		return mapServiceError(err)
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, s.sessionResponse(sess))
}

// pauseSessionHandler handles POST /api/v1/sessions/:id/pause.
func (s *Server) pauseSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	if err := s.sessions.Pause(c.Request().Context(), sessionID); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// resumeSessionHandler handles POST /api/v1/sessions/:id/resume.
func (s *Server) resumeSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	if err := s.sessions.Resume(c.Request().Context(), sessionID); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// EndSessionRequest carries the optional reason for ending a session.
type EndSessionRequest struct {
	Reason string `json:"reason"`
}

// endSessionHandler handles POST /api/v1/sessions/:id/end.
func (s *Server) endSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	var req EndSessionRequest
	_ = c.Bind(&req)
	reason := req.Reason
	if reason == "" {
		reason = "ended via API"
	}

	if err := s.sessions.End(c.Request().Context(), sessionID, reason); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
