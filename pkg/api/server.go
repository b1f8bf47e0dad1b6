// Package api provides the relay's HTTP surface: signed admission endpoints,
// the unsigned sid-status probe, the WebSocket upgrade, health, metrics and
// the static controller page.
package api

import (
	"context"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/canvaslink/relay/pkg/bridge"
	"github.com/canvaslink/relay/pkg/config"
	"github.com/canvaslink/relay/pkg/metrics"
	"github.com/canvaslink/relay/pkg/signing"
	"github.com/canvaslink/relay/pkg/store"
)

// Server is the relay HTTP server.
type Server struct {
	cfg      *config.Config
	registry *bridge.Registry
	store    store.Store
	verifier *signing.Verifier

	echo *echo.Echo
	http *http.Server
}

// NewServer wires the HTTP routes onto an echo instance.
func NewServer(cfg *config.Config, registry *bridge.Registry, st store.Store, verifier *signing.Verifier) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		store:    st,
		verifier: verifier,
		echo:     echo.New(),
	}

	s.echo.Use(corsMiddleware(cfg))
	s.echo.Use(securityHeaders())

	s.echo.GET("/healthz", s.healthzHandler)
	s.echo.GET("/app", s.appHandler)
	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	s.echo.POST("/e/:event/register-pc", s.registerPCHandler)
	s.echo.POST("/e/:event/pending-sid", s.pendingSIDHandler)
	s.echo.GET("/e/:event/sid-status", s.sidStatusHandler)
	s.echo.GET("/e/:event/ws", s.wsHandler)

	return s
}

// Handler returns the underlying http.Handler. Tests mount it on httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr and serves until Shutdown. Blocks.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
