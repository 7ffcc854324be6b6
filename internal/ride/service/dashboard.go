package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/ridepool/internal/ride/domain"
)

// OfferSummary is one live offer on the driver dashboard.
type OfferSummary struct {
	OfferID        uuid.UUID          `json:"offer_id"`
	Status         domain.OfferStatus `json:"status"`
	Direction      domain.Direction   `json:"direction"`
	DepartureTime  time.Time          `json:"departure_time"`
	TotalSeats     int                `json:"total_seats"`
	AvailableSeats int                `json:"available_seats"`
	BookedSeats    int                `json:"booked_seats"`
}

// DriverSummary is the driver's view of incoming and accepted bookings.
type DriverSummary struct {
	PendingRequests  int              `json:"pending_requests"`
	AcceptedRequests int              `json:"accepted_requests"`
	ActiveOffers     []OfferSummary   `json:"active_offers"`
	Pending          []domain.Booking `json:"pending"`
}

// DriverDashboard summarises the caller's offers that are not cancelled and
// the bookings waiting on a decision. BookedSeats counts accepted bookings
// only.
func (s *Service) DriverDashboard(ctx context.Context, caller domain.Principal) (DriverSummary, error) {
	if caller.Role != domain.RoleDriver {
		return DriverSummary{}, fmt.Errorf("only drivers have a dashboard: %w", domain.ErrForbidden)
	}
	offers, err := s.offers.FindOffersByDriver(ctx, caller.ID, nil)
	if err != nil {
		return DriverSummary{}, fmt.Errorf("load offers: %w", err)
	}
	bookings, err := s.bookings.FindBookingsByDriver(ctx, caller.ID, nil)
	if err != nil {
		return DriverSummary{}, fmt.Errorf("load bookings: %w", err)
	}

	summary := DriverSummary{ActiveOffers: []OfferSummary{}, Pending: []domain.Booking{}}
	booked := make(map[uuid.UUID]int)
	for _, b := range bookings {
		switch b.Status {
		case domain.BookingStatusPending:
			summary.PendingRequests++
			summary.Pending = append(summary.Pending, b)
		case domain.BookingStatusAccepted:
			summary.AcceptedRequests++
			booked[b.OfferID] += b.SeatsBooked
		}
	}
	for _, o := range offers {
		if o.Status == domain.OfferStatusCancelled {
			continue
		}
		summary.ActiveOffers = append(summary.ActiveOffers, OfferSummary{
			OfferID:        o.ID,
			Status:         o.Status,
			Direction:      o.Direction,
			DepartureTime:  o.DepartureTime,
			TotalSeats:     o.TotalSeats,
			AvailableSeats: o.AvailableSeats,
			BookedSeats:    booked[o.ID],
		})
	}
	return summary, nil
}
