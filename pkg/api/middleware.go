package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/canvaslink/relay/pkg/config"
	"github.com/canvaslink/relay/pkg/signing"
)

// corsMiddleware echoes allow-listed origins and short-circuits CORS
// preflights with 204.
func corsMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			origin := c.Request().Header.Get("Origin")
			h := c.Response().Header()
			h.Add("Vary", "Origin")
			if origin != "" && cfg.OriginAllowed(origin) {
				if cfg.AllowAllOrigins() {
					h.Set("Access-Control-Allow-Origin", "*")
				} else {
					h.Set("Access-Control-Allow-Origin", origin)
				}
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers",
					"Content-Type, "+signing.HeaderIAT+", "+signing.HeaderNonce+", "+signing.HeaderSig)
				h.Set("Access-Control-Max-Age", "600")
			}
			if c.Request().Method == http.MethodOptions {
				return c.NoContent(http.StatusNoContent)
			}
			return next(c)
		}
	}
}

// securityHeaders sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			return next(c)
		}
	}
}
