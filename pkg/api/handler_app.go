package api

import (
	_ "embed"
	"net/http"

	echo "github.com/labstack/echo/v5"
)

//go:embed app.html
var appHTML string

// appHandler serves the static mobile controller page.
func (s *Server) appHandler(c *echo.Context) error {
	return c.HTML(http.StatusOK, appHTML)
}
