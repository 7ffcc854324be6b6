package handler

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/example/ridepool/internal/ride/domain"
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a stable machine code and a human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorClass struct {
	target error
	status int
	code   string
}

// Order matters: the first sentinel found in the chain wins.
var errorClasses = []errorClass{
	{domain.ErrValidation, http.StatusBadRequest, "validation_error"},
	{domain.ErrNotFound, http.StatusNotFound, "not_found"},
	{domain.ErrSelfBooking, http.StatusForbidden, "self_booking_forbidden"},
	{domain.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{domain.ErrForbidden, http.StatusForbidden, "forbidden"},
	{domain.ErrAlreadyAccepted, http.StatusConflict, "already_accepted"},
	{domain.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{domain.ErrInsufficientSeats, http.StatusConflict, "insufficient_seats"},
	{domain.ErrOfferClosed, http.StatusConflict, "offer_closed"},
	{domain.ErrDuplicateBooking, http.StatusConflict, "duplicate_booking"},
	{domain.ErrBookingBusy, http.StatusConflict, "booking_busy"},
	{domain.ErrConflict, http.StatusConflict, "conflict"},
	{domain.ErrDependencyUnavailable, http.StatusServiceUnavailable, "dependency_unavailable"},
}

// writeError maps err onto a status code and a structured body. Unclassified
// errors and ledger invariant violations are logged and hidden from callers.
func (h *HTTP) writeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, class := range errorClasses {
		if errors.Is(err, class.target) {
			if class.status >= http.StatusInternalServerError {
				h.logger.Warn("dependency failure", zap.String("path", r.URL.Path), zap.Error(err))
			}
			writeJSON(w, class.status, ErrorResponse{Error: ErrorDetail{Code: class.code, Message: err.Error()}})
			return
		}
	}
	code := "internal_error"
	if errors.Is(err, domain.ErrInvariantViolation) {
		code = "invariant_violation"
	}
	h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.String("code", code), zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: ErrorDetail{Code: code, Message: "internal server error"}})
}

func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{Code: "validation_error", Message: message}})
}
