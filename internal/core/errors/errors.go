package errors

const (
	HttpInternalError       = "internal_error"
	HttpInvalidJsonError    = "invalid_json"
	HttpInvalidRequestError = "invalid_request"
	HttpRefreshInFlight     = "refresh_in_flight"
	HttpAuthFailedError     = "authentication_failed"
	HttpPortalError         = "portal_unavailable"
	HttpIdentifierError     = "identifier_resolution_failed"
	HttpBookingRejected     = "booking_rejected"
)

// ErrorResponse is the error response body for API errors.
type ErrorResponse struct {
	ErrorType string      `json:"error_type"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}
