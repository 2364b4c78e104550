package api

import (
	echo "github.com/labstack/echo/v5"
)

// securityHeaders hardens every response. The server renders no HTML; the
// headers cover clients that front the control surface with a browser.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			// Command and identity payloads must never land in shared caches.
			h.Set("Cache-Control", "no-store")
			return next(c)
		}
	}
}
