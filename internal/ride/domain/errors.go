package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks caller-fixable input problems.
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	// ErrUnauthorized is returned when the caller does not own the resource
	// they are acting on.
	ErrUnauthorized = errors.New("not authorized for this resource")
	// ErrForbidden is returned when the caller's role may not perform the action.
	ErrForbidden         = errors.New("role not permitted")
	ErrInvalidTransition = errors.New("invalid booking state transition")
	ErrSelfBooking       = errors.New("drivers cannot book their own offer")
	ErrAlreadyAccepted   = errors.New("booking already accepted")
	ErrInsufficientSeats = errors.New("not enough available seats")
	// ErrInvariantViolation indicates a seat ledger bug. It is never
	// user-correctable.
	ErrInvariantViolation    = errors.New("seat ledger invariant violated")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	// ErrConflict is returned by compare-and-set writes when the stored state
	// no longer matches the expected one.
	ErrConflict         = errors.New("concurrent modification")
	ErrOfferClosed      = errors.New("offer is not open for bookings")
	ErrDuplicateBooking = errors.New("rider already holds a booking on this offer")
	ErrBookingBusy      = errors.New("booking is being modified by another request")
)

// TransitionError carries the current status of a booking that refused a
// transition. It unwraps to ErrInvalidTransition.
type TransitionError struct {
	From BookingStatus
	To   BookingStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: booking is %s, cannot move to %s", ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
