package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/openagora/agora/pkg/eventlog"
	"github.com/openagora/agora/pkg/moderator"
	"github.com/openagora/agora/pkg/session"
)

// mapServiceError maps domain errors to HTTP error responses.
func mapServiceError(err error) *echo.HTTPError {
	if errors.Is(err, session.ErrNotFound) || errors.Is(err, moderator.ErrSessionUnknown) ||
		errors.Is(err, moderator.ErrAgentUnknown) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}
	if errors.Is(err, session.ErrInvalidConfig) || errors.Is(err, moderator.ErrInvalidLevel) ||
		errors.Is(err, eventlog.ErrInvalidLimit) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if errors.Is(err, eventlog.ErrSessionCapacity) || errors.Is(err, eventlog.ErrSessionTerminal) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}

	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
