// Package http provides the HTTP server of the execution tracker.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/exectrack/internal/service"
	v1 "github.com/xiaot623/exectrack/internal/transport/http/v1"
	"github.com/xiaot623/exectrack/internal/transport/ws"
)

// NewServer creates and configures the local HTTP server.
// It serves the JSON API and the view websocket.
func NewServer(svc *service.Service, wsServer *ws.Server) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	v1Handler := v1.NewHandler(svc)

	// Register Routes
	v1Handler.RegisterRoutes(e)
	if wsServer != nil {
		wsServer.RegisterRoutes(e)
	}

	return e
}
