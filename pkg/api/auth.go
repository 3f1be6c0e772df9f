package api

import (
	echo "github.com/labstack/echo/v5"
)

// extractUser resolves the caller's identity from forward-auth headers.
// Falls back to a generic client identity when no proxy injected one.
func extractUser(c *echo.Context) string {
	if user := c.Request().Header.Get("X-Forwarded-User"); user != "" {
		return user
	}
	if email := c.Request().Header.Get("X-Forwarded-Email"); email != "" {
		return email
	}
	if user := c.Request().Header.Get("X-Remote-User"); user != "" {
		return user
	}
	return "api-client"
}
