package engine

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	httperr "github.com/genesync-lab/genesync/internal/core/errors"
	"github.com/genesync-lab/genesync/internal/portal"

	"github.com/gin-gonic/gin"
)

const (
	msgRefreshInFlight = "A refresh pass is already running"
	msgInvalidJSON     = "Invalid JSON body"
	msgAuthFailed      = "Portal rejected the configured credentials"
	msgPortalFailed    = "Portal request failed"
	msgInvalidRequest  = "Invalid request"
)

// Handler exposes the engine's operations over HTTP.
type Handler struct {
	engine *Engine
}

// NewHandler wraps an engine for route registration.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// Register mounts the engine routes on a router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/refresh", h.RefreshHandler)
	rg.POST("/backfill", h.BackfillHandler)
	rg.GET("/snapshot", h.SnapshotHandler)
}

// RefreshHandler triggers one synchronization pass immediately.
// A trigger that lands while a pass is running is reported as coalesced,
// not queued: the caller learns the pass it wanted is already underway.
func (h *Handler) RefreshHandler(c *gin.Context) {
	report, err := h.engine.Refresh(c.Request.Context())
	if err != nil {
		if errors.Is(err, ErrRefreshInFlight) {
			c.JSON(http.StatusConflict, httperr.ErrorResponse{
				ErrorType: httperr.HttpRefreshInFlight,
				Message:   msgRefreshInFlight,
			})
			return
		}
		writePortalError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// BackfillHandler pulls a window of history for one fuel or both.
// It blocks until the run completes; history requests are rare and the
// caller wants the per-fuel outcome.
func (h *Handler) BackfillHandler(c *gin.Context) {
	var req BackfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidJsonError,
			Message:   msgInvalidJSON,
			Details:   err.Error(),
		})
		return
	}
	if _, err := req.fuels(); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidRequestError,
			Message:   msgInvalidRequest,
			Details:   err.Error(),
		})
		return
	}
	if req.Days <= 0 {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidRequestError,
			Message:   msgInvalidRequest,
			Details:   "days must be a positive integer",
		})
		return
	}

	report, err := h.engine.Backfill(c.Request.Context(), req)
	if err != nil {
		writePortalError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// SnapshotHandler returns the attribute snapshot from the latest pass.
func (h *Handler) SnapshotHandler(c *gin.Context) {
	snapshot, lastRefresh := h.engine.Snapshot()
	if snapshot == nil && lastRefresh.IsZero() {
		c.JSON(http.StatusOK, gin.H{"snapshot": gin.H{}, "last_refresh": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"snapshot":     snapshot,
		"last_refresh": lastRefresh.Format(time.RFC3339),
	})
}

// writePortalError maps upstream failure classes onto the API error shape.
func writePortalError(c *gin.Context, err error) {
	if portal.IsAuth(err) {
		slog.Error("[Handler] Portal authentication failed", "error", err)
		c.JSON(http.StatusBadGateway, httperr.ErrorResponse{
			ErrorType: httperr.HttpAuthFailedError,
			Message:   msgAuthFailed,
			Details:   err.Error(),
		})
		return
	}
	slog.Error("[Handler] Operation failed", "error", err)
	c.JSON(http.StatusBadGateway, httperr.ErrorResponse{
		ErrorType: httperr.HttpPortalError,
		Message:   msgPortalFailed,
		Details:   err.Error(),
	})
}
