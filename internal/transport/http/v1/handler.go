// Package v1 provides the HTTP handlers of the tracker's local API.
package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/exectrack/internal/adapter/backend"
	"github.com/xiaot623/exectrack/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers the API routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)

	e.POST("/v1/executions", h.StartExecution)
	e.GET("/v1/executions", h.ListExecutions)
	e.POST("/v1/executions/:execution_id/track", h.TrackExecution)
	e.GET("/v1/executions/:execution_id", h.GetExecution)
	e.GET("/v1/executions/:execution_id/steps", h.GetSteps)
	e.GET("/v1/executions/:execution_id/events", h.GetEvents)
	e.POST("/v1/executions/:execution_id/cancel", h.CancelExecution)
	e.POST("/v1/executions/:execution_id/reconnect", h.Reconnect)
	e.POST("/v1/executions/:execution_id/retry", h.RetryExecution)

	e.GET("/v1/skeleton", h.GetSkeleton)
	e.POST("/v1/catalog/sync", h.SyncCatalog)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// errorJSON maps service errors to status codes.
func errorJSON(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	var statusErr *backend.StatusError
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrSessionClosed),
		errors.Is(err, service.ErrAlreadyTerminal),
		errors.Is(err, service.ErrNotRetryable):
		status = http.StatusConflict
	case errors.As(err, &statusErr), errors.Is(err, backend.ErrNoExecutionID), errors.Is(err, backend.ErrUnavailable):
		status = http.StatusBadGateway
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
