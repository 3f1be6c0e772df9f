package api

import (
	echo "github.com/labstack/echo/v5"
)

// securityHeaders hardens every HTTP response. The observer dashboard is
// the only intended browser client and it never needs to be framed.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "no-referrer")
			return next(c)
		}
	}
}
