package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/canvaslink/relay/pkg/protocol"
)

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	OK      bool `json:"ok"`
	Version int  `json:"version"`
}

// healthzHandler handles GET /healthz. The store check covers the Postgres
// backend; the in-memory store always reports healthy.
func (s *Server) healthzHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Health(ctx); err != nil {
		slog.Error("Store health check failed", "error", err)
		return writeError(c, protocol.CodeOverloaded)
	}

	return c.JSON(http.StatusOK, HealthResponse{OK: true, Version: protocol.Version})
}
