package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/openagora/agora/pkg/config"
	"github.com/openagora/agora/pkg/models"
)

// listEventsHandler handles GET /api/v1/sessions/:id/events. With an `after`
// query the page starts past that sequence; otherwise the newest events are
// returned. `limit` is capped at the log's read limit.
func (s *Server) listEventsHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	if _, err := s.sessions.Get(sessionID); err != nil {
		return mapServiceError(err)
	}

	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > config.MaxReadLimit {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}

	ctx := c.Request().Context()
	var (
		evts []models.Event
		err  error
	)
	if v := c.QueryParam("after"); v != "" {
		after, parseErr := strconv.ParseInt(v, 10, 64)
		if parseErr != nil || after < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid after sequence")
		}
		evts, err = s.log.GetAfterSequence(ctx, sessionID, after, limit)
	} else {
		evts, err = s.log.GetRecent(ctx, sessionID, limit)
	}
	if err != nil {
		return mapServiceError(err)
	}

	tick, err := s.log.GetCurrentSequence(ctx, sessionID)
	if err != nil {
		return mapServiceError(err)
	}
	if evts == nil {
		evts = []models.Event{}
	}
	return c.JSON(http.StatusOK, EventsResponse{SessionID: sessionID, Events: evts, Tick: tick})
}

// listIntentsHandler handles GET /api/v1/sessions/:id/intents.
func (s *Server) listIntentsHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	if _, err := s.sessions.Get(sessionID); err != nil {
		return mapServiceError(err)
	}

	intents := s.moderator.GetPendingIntents(sessionID)
	if intents == nil {
		intents = []models.Intent{}
	}
	return c.JSON(http.StatusOK, IntentsResponse{SessionID: sessionID, Intents: intents})
}

// submitIntentHandler handles POST /api/v1/sessions/:id/intents.
func (s *Server) submitIntentHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	var intent models.Intent
	if err := c.Bind(&intent); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if intent.AgentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent_id is required")
	}

	pos, err := s.moderator.SubmitIntent(c.Request().Context(), sessionID, intent)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, map[string]any{
		"session_id": sessionID,
		"position":   pos,
	})
}

// getInterventionHandler handles GET /api/v1/sessions/:id/intervention.
func (s *Server) getInterventionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	level, err := s.moderator.InterventionLevel(sessionID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, InterventionResponse{SessionID: sessionID, Level: level})
}

// SetInterventionRequest carries the intervention level to apply.
type SetInterventionRequest struct {
	Level int `json:"level"`
}

// setInterventionHandler handles PUT /api/v1/sessions/:id/intervention.
func (s *Server) setInterventionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}

	var req SetInterventionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.moderator.SetInterventionLevel(sessionID, req.Level); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, InterventionResponse{SessionID: sessionID, Level: req.Level})
}

// sessionHealthHandler handles GET /api/v1/sessions/:id/health.
func (s *Server) sessionHealthHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	health, err := s.moderator.Health(sessionID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, health)
}
