package domain

import (
	"context"

	"github.com/google/uuid"
)

type OfferStore interface {
	CreateOffer(ctx context.Context, offer RideOffer) (RideOffer, error)
	GetOfferByID(ctx context.Context, id uuid.UUID) (RideOffer, error)
	// FindCandidates returns available offers in the given direction whose
	// departure falls inside window, in store order.
	FindCandidates(ctx context.Context, direction Direction, window TimeWindow) ([]RideOffer, error)
	// FindOffersByDriver lists a driver's offers newest first, optionally
	// filtered by status.
	FindOffersByDriver(ctx context.Context, driverID uuid.UUID, status *OfferStatus) ([]RideOffer, error)
	UpdateOfferStatus(ctx context.Context, id uuid.UUID, status OfferStatus) (RideOffer, error)
	// ReserveSeats atomically decrements AvailableSeats only if at least
	// seats are available, otherwise it fails with ErrInsufficientSeats.
	ReserveSeats(ctx context.Context, id uuid.UUID, seats int) (RideOffer, error)
	// ReleaseSeats atomically returns seats to the offer, capped at TotalSeats.
	ReleaseSeats(ctx context.Context, id uuid.UUID, seats int) (RideOffer, error)
}

type RequestStore interface {
	CreateRequest(ctx context.Context, req RideRequest) (RideRequest, error)
	GetRequestByID(ctx context.Context, id uuid.UUID) (RideRequest, error)
	FindRequestsByRider(ctx context.Context, riderID uuid.UUID, status *RequestStatus) ([]RideRequest, error)
	UpdateRequestStatus(ctx context.Context, id uuid.UUID, status RequestStatus) (RideRequest, error)
}

type BookingStore interface {
	CreateBooking(ctx context.Context, booking Booking) (Booking, error)
	GetBookingByID(ctx context.Context, id uuid.UUID) (Booking, error)
	// TransitionBooking moves the booking from -> to only if it is currently
	// in from. A mismatch fails with ErrConflict; a move the state machine
	// forbids fails with *TransitionError without touching the store.
	TransitionBooking(ctx context.Context, id uuid.UUID, from, to BookingStatus) (Booking, error)
	FindBookingsByOffer(ctx context.Context, offerID uuid.UUID) ([]Booking, error)
	FindBookingsByRider(ctx context.Context, riderID uuid.UUID, status *BookingStatus) ([]Booking, error)
	FindBookingsByDriver(ctx context.Context, driverID uuid.UUID, status *BookingStatus) ([]Booking, error)
}

// NotificationSink records notifications. Callers treat it as fire-and-forget.
type NotificationSink interface {
	CreateNotification(ctx context.Context, n Notification) (Notification, error)
}

type NotificationStore interface {
	NotificationSink
	FindNotificationsByReceiver(ctx context.Context, receiverID uuid.UUID) ([]Notification, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, event BookingEvent) error
}

type IdempotencyRepository interface {
	GetResponse(ctx context.Context, key string) ([]byte, bool, error)
	PutResponse(ctx context.Context, key string, payload []byte) error
}
