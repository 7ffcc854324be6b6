// Package ledger holds the seat accounting rules for a single ride offer.
//
// The functions here are pure: they validate and apply a seat change to one
// offer value. Stores call them while holding their per-offer mutual exclusion
// (a mutex in memory, a row lock in Postgres) so the read-check-write sequence
// is atomic with respect to concurrent bookings.
package ledger

import (
	"fmt"

	"github.com/example/ridepool/internal/ride/domain"
)

// Reserve takes seats from the offer. It fails with domain.ErrOfferClosed on a
// cancelled offer and with domain.ErrInsufficientSeats when fewer than seats
// are available; either way the offer is left untouched.
func Reserve(offer *domain.RideOffer, seats int) error {
	if err := Check(*offer); err != nil {
		return err
	}
	if offer.Status == domain.OfferStatusCancelled {
		return fmt.Errorf("offer %s: %w", offer.ID, domain.ErrOfferClosed)
	}
	if seats <= 0 {
		return fmt.Errorf("%w: reserve of %d seats", domain.ErrInvariantViolation, seats)
	}
	if seats > offer.AvailableSeats {
		return fmt.Errorf("%w: requested %d, available %d", domain.ErrInsufficientSeats, seats, offer.AvailableSeats)
	}
	offer.AvailableSeats -= seats
	if offer.AvailableSeats == 0 && offer.Status == domain.OfferStatusAvailable {
		offer.Status = domain.OfferStatusFull
	}
	return nil
}

// Release returns seats to the offer, capped at TotalSeats.
func Release(offer *domain.RideOffer, seats int) error {
	if err := Check(*offer); err != nil {
		return err
	}
	if seats <= 0 {
		return fmt.Errorf("%w: release of %d seats", domain.ErrInvariantViolation, seats)
	}
	offer.AvailableSeats += seats
	if offer.AvailableSeats > offer.TotalSeats {
		offer.AvailableSeats = offer.TotalSeats
	}
	if offer.Status == domain.OfferStatusFull && offer.AvailableSeats > 0 {
		offer.Status = domain.OfferStatusAvailable
	}
	return nil
}

// Check verifies 0 <= AvailableSeats <= TotalSeats.
func Check(offer domain.RideOffer) error {
	if offer.TotalSeats < 0 || offer.AvailableSeats < 0 || offer.AvailableSeats > offer.TotalSeats {
		return fmt.Errorf("%w: offer %s has %d/%d seats", domain.ErrInvariantViolation, offer.ID, offer.AvailableSeats, offer.TotalSeats)
	}
	return nil
}
