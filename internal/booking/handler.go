package booking

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	httperr "github.com/genesync-lab/genesync/internal/core/errors"
	"github.com/genesync-lab/genesync/internal/portal"

	"github.com/gin-gonic/gin"
)

const (
	msgInvalidJSON     = "Invalid JSON body"
	msgInvalidRequest  = "Invalid booking request"
	msgResolveFailed   = "Could not resolve account identifiers"
	msgBookingRejected = "Portal rejected the booking"
	msgPortalFailed    = "Portal request failed"
)

// Handler exposes booking submission over HTTP.
type Handler struct {
	service *Service

	// location interprets start timestamps that carry no offset. Bookings
	// are made against the supply's local clock, not the server's.
	location *time.Location
}

// NewHandler wraps the service for route registration.
func NewHandler(service *Service, location *time.Location) *Handler {
	if location == nil {
		location = time.UTC
	}
	return &Handler{service: service, location: location}
}

// Register mounts the booking routes on a router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/bookings", h.BookHandler)
}

type bookRequest struct {
	Start         string `json:"start"`
	DurationHours int    `json:"duration_hours"`
}

// BookHandler submits one Power Shout booking.
// Rejections are 422 with the portal's reason verbatim; a booking the
// portal never judged (resolution or transport failure) is 502.
func (h *Handler) BookHandler(c *gin.Context) {
	var req bookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidJsonError,
			Message:   msgInvalidJSON,
			Details:   err.Error(),
		})
		return
	}

	start, err := h.parseStart(req.Start)
	if err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidRequestError,
			Message:   msgInvalidRequest,
			Details:   err.Error(),
		})
		return
	}
	if req.DurationHours <= 0 {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidRequestError,
			Message:   msgInvalidRequest,
			Details:   "duration_hours must be a positive integer",
		})
		return
	}

	outcome, err := h.service.Book(c.Request.Context(), start, req.DurationHours)
	if err != nil {
		writeBookingError(c, err)
		return
	}

	if !outcome.Accepted {
		c.JSON(http.StatusUnprocessableEntity, httperr.ErrorResponse{
			ErrorType: httperr.HttpBookingRejected,
			Message:   msgBookingRejected,
			Details:   outcome.Reason,
		})
		return
	}
	c.JSON(http.StatusOK, outcome)
}

// parseStart accepts RFC 3339 with an explicit offset, or a bare local
// timestamp interpreted in the configured supply timezone.
func (h *Handler) parseStart(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("start is required")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05", raw, h.location); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("start %q is not RFC 3339 or a local YYYY-MM-DDTHH:MM:SS timestamp", raw)
}

func writeBookingError(c *gin.Context, err error) {
	var resolution *ResolutionError
	if errors.As(err, &resolution) {
		slog.Error("[Booking] Identifier resolution failed", "missing", resolution.Missing)
		c.JSON(http.StatusBadGateway, httperr.ErrorResponse{
			ErrorType: httperr.HttpIdentifierError,
			Message:   msgResolveFailed,
			Details:   resolution.Missing,
		})
		return
	}
	if portal.IsAuth(err) {
		slog.Error("[Booking] Portal authentication failed", "error", err)
		c.JSON(http.StatusBadGateway, httperr.ErrorResponse{
			ErrorType: httperr.HttpAuthFailedError,
			Message:   msgPortalFailed,
			Details:   err.Error(),
		})
		return
	}
	slog.Error("[Booking] Booking failed", "error", err)
	c.JSON(http.StatusBadGateway, httperr.ErrorResponse{
		ErrorType: httperr.HttpPortalError,
		Message:   msgPortalFailed,
		Details:   err.Error(),
	})
}
