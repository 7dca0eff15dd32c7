package v1

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/exectrack/internal/service"
)

// StartExecution starts a new execution on the backend and tracks it.
// POST /v1/executions
func (h *Handler) StartExecution(c echo.Context) error {
	ctx := c.Request().Context()

	var req service.StartRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Persona == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "persona is required"})
	}
	if req.Command == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "command is required"})
	}

	view, err := h.service.StartExecution(ctx, req)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusCreated, view)
}

// TrackExecution tracks an execution that was started elsewhere.
// POST /v1/executions/:execution_id/track
func (h *Handler) TrackExecution(c echo.Context) error {
	ctx := c.Request().Context()

	var req service.TrackRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		}
	}
	req.ExecutionID = c.Param("execution_id")

	view, err := h.service.Track(ctx, req)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// ListExecutions lists the live sessions and the journaled history.
// GET /v1/executions
func (h *Handler) ListExecutions(c echo.Context) error {
	limit := 50
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 {
			limit = val
		}
	}

	history, err := h.service.ListHistory(c.Request().Context(), limit)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"executions": h.service.ListSessions(),
		"history":    history,
	})
}

// GetExecution returns the aggregate, connection state and merged view. Executions without a
// live session are served from the journal.
// GET /v1/executions/:execution_id
func (h *Handler) GetExecution(c echo.Context) error {
	view, err := h.service.Lookup(c.Request().Context(), c.Param("execution_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// GetSteps returns the reconciled step table.
// GET /v1/executions/:execution_id/steps
func (h *Handler) GetSteps(c echo.Context) error {
	steps, err := h.service.GetSteps(c.Param("execution_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, steps)
}

// GetEvents returns the journal of received events.
// GET /v1/executions/:execution_id/events
func (h *Handler) GetEvents(c echo.Context) error {
	executionID := c.Param("execution_id")
	limit := 100
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}
	afterTs := int64(0)
	if t := c.QueryParam("after_ts"); t != "" {
		if val, err := strconv.ParseInt(t, 10, 64); err == nil {
			afterTs = val
		}
	}
	var types []string
	if raw := c.QueryParam("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, t)
			}
		}
	}

	ctx := c.Request().Context()
	events, err := h.service.GetEvents(ctx, executionID, afterTs, types, limit)
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"events": events,
	})
}

// CancelExecution cancels tracking locally.
// POST /v1/executions/:execution_id/cancel
func (h *Handler) CancelExecution(c echo.Context) error {
	view, err := h.service.Cancel(c.Request().Context(), c.Param("execution_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// Reconnect restarts a stream after the connection was lost.
// POST /v1/executions/:execution_id/reconnect
func (h *Handler) Reconnect(c echo.Context) error {
	view, err := h.service.Reconnect(c.Request().Context(), c.Param("execution_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusAccepted, view)
}

// RetryExecution starts a new execution with the same persona and command.
// POST /v1/executions/:execution_id/retry
func (h *Handler) RetryExecution(c echo.Context) error {
	view, err := h.service.Retry(c.Request().Context(), c.Param("execution_id"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusCreated, view)
}

// GetSkeleton previews the skeleton for a persona and command.
// GET /v1/skeleton?persona=&command=
func (h *Handler) GetSkeleton(c echo.Context) error {
	entries, err := h.service.SkeletonPreview(c.QueryParam("persona"), c.QueryParam("command"))
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"layers": entries,
	})
}

// SyncCatalog replaces the agent directory with the backend's.
// POST /v1/catalog/sync
func (h *Handler) SyncCatalog(c echo.Context) error {
	rev, err := h.service.SyncAgents(c.Request().Context())
	if err != nil {
		return errorJSON(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"revision": rev,
	})
}
