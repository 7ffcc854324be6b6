package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Direction string

const (
	DirectionHomeToOffice Direction = "home-to-office"
	DirectionOfficeToHome Direction = "office-to-home"
)

// Valid reports whether d is one of the two commute legs.
func (d Direction) Valid() bool {
	return d == DirectionHomeToOffice || d == DirectionOfficeToHome
}

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

func (r Role) Valid() bool {
	return r == RoleRider || r == RoleDriver
}

// Principal is the authenticated caller resolved at the HTTP boundary.
type Principal struct {
	ID   uuid.UUID
	Role Role
}

type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate checks the WGS84 bounds.
func (c Coordinate) Validate() error {
	if c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrValidation, c.Latitude)
	}
	if c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrValidation, c.Longitude)
	}
	return nil
}

type RequestStatus string

const (
	RequestStatusOpen      RequestStatus = "open"
	RequestStatusCancelled RequestStatus = "cancelled"
)

func (s RequestStatus) Valid() bool {
	return s == RequestStatusOpen || s == RequestStatusCancelled
}

// RideRequest is a rider's desired commute. Only Status changes after creation.
type RideRequest struct {
	ID             uuid.UUID     `json:"id"`
	RiderID        uuid.UUID     `json:"rider_id"`
	Pickup         Coordinate    `json:"pickup"`
	Drop           Coordinate    `json:"drop"`
	DesiredTime    time.Time     `json:"desired_time"`
	RequestedSeats int           `json:"requested_seats"`
	Direction      Direction     `json:"direction"`
	Status         RequestStatus `json:"status"`
	Notes          string        `json:"notes,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

type OfferStatus string

const (
	OfferStatusAvailable OfferStatus = "available"
	OfferStatusFull      OfferStatus = "full"
	OfferStatusCancelled OfferStatus = "cancelled"
)

func (s OfferStatus) Valid() bool {
	switch s {
	case OfferStatusAvailable, OfferStatusFull, OfferStatusCancelled:
		return true
	}
	return false
}

// RideOffer is a driver-published ride with a seat inventory. AvailableSeats
// is only ever changed through the ledger package.
type RideOffer struct {
	ID             uuid.UUID   `json:"id"`
	DriverID       uuid.UUID   `json:"driver_id"`
	Pickup         Coordinate  `json:"pickup"`
	Drop           Coordinate  `json:"drop"`
	DepartureTime  time.Time   `json:"departure_time"`
	TotalSeats     int         `json:"total_seats"`
	AvailableSeats int         `json:"available_seats"`
	Direction      Direction   `json:"direction"`
	Status         OfferStatus `json:"status"`
	Notes          string      `json:"notes,omitempty"`
	ACAvailable    bool        `json:"ac_available"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	Version        int64       `json:"version"`
}

type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusAccepted  BookingStatus = "accepted"
	BookingStatusRejected  BookingStatus = "rejected"
	BookingStatusCompleted BookingStatus = "completed"
	BookingStatusCancelled BookingStatus = "cancelled"
)

func (s BookingStatus) Valid() bool {
	switch s {
	case BookingStatusPending, BookingStatusAccepted, BookingStatusRejected, BookingStatusCompleted, BookingStatusCancelled:
		return true
	}
	return false
}

// Nothing ever transitions back to pending, and rejected/completed/cancelled
// are terminal.
var allowedTransitions = map[BookingStatus][]BookingStatus{
	BookingStatusPending:  {BookingStatusAccepted, BookingStatusRejected},
	BookingStatusAccepted: {BookingStatusCompleted, BookingStatusCancelled},
}

// CanTransitionTo reports whether s -> next is a legal booking transition.
// A self-transition is not legal; idempotent re-application is decided by the
// caller.
func (s BookingStatus) CanTransitionTo(next BookingStatus) bool {
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Booking links a rider to one offer. RequestID is nil for bookings made
// without a prior ride request.
type Booking struct {
	ID          uuid.UUID     `json:"id"`
	OfferID     uuid.UUID     `json:"offer_id"`
	RequestID   *uuid.UUID    `json:"request_id,omitempty"`
	RiderID     uuid.UUID     `json:"rider_id"`
	DriverID    uuid.UUID     `json:"driver_id"`
	SeatsBooked int           `json:"seats_booked"`
	Status      BookingStatus `json:"status"`
	Notes       string        `json:"notes,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Holds reports whether the booking still occupies (or may occupy) seats on
// its offer.
func (b Booking) Holds() bool {
	return b.Status == BookingStatusPending || b.Status == BookingStatusAccepted
}

type NotificationType string

const (
	NotificationBookingAccepted  NotificationType = "booking_accepted"
	NotificationBookingRejected  NotificationType = "booking_rejected"
	NotificationBookingCancelled NotificationType = "booking_cancelled"
)

type Notification struct {
	ID         uuid.UUID        `json:"id"`
	SenderID   uuid.UUID        `json:"sender_id"`
	ReceiverID uuid.UUID        `json:"receiver_id"`
	Type       NotificationType `json:"type"`
	Message    string           `json:"message"`
	IsRead     bool             `json:"is_read"`
	CreatedAt  time.Time        `json:"created_at"`
}

type BookingEventType string

const (
	EventBookingCreated   BookingEventType = "BookingCreated"
	EventBookingAccepted  BookingEventType = "BookingAccepted"
	EventBookingRejected  BookingEventType = "BookingRejected"
	EventBookingCancelled BookingEventType = "BookingCancelled"
	EventBookingCompleted BookingEventType = "BookingCompleted"
)

type BookingEvent struct {
	BookingID uuid.UUID        `json:"booking_id"`
	OfferID   uuid.UUID        `json:"offer_id"`
	Type      BookingEventType `json:"type"`
	Payload   map[string]any   `json:"payload,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// TimeWindow is an inclusive [From, To] range.
type TimeWindow struct {
	From time.Time
	To   time.Time
}

// WindowAround returns [t-d, t+d].
func WindowAround(t time.Time, d time.Duration) TimeWindow {
	return TimeWindow{From: t.Add(-d), To: t.Add(d)}
}

func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
