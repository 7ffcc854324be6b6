package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/ridepool/internal/ride/domain"
)

// BookSeatInput selects an offer and, optionally, the rider's request it
// answers.
type BookSeatInput struct {
	OfferID   uuid.UUID
	RequestID *uuid.UUID
	Seats     int
	Notes     string
}

// BookSeat creates a pending booking. Seats are checked against the offer but
// not reserved until the driver accepts. A non-empty key replays the booking
// created by an earlier or concurrent call with the same key.
func (s *Service) BookSeat(ctx context.Context, caller domain.Principal, key string, in BookSeatInput) (domain.Booking, error) {
	cacheKey := ""
	if key != "" && s.idempotent != nil {
		cacheKey = "book:" + caller.ID.String() + ":" + key
		if booking, ok := s.replay(ctx, cacheKey); ok {
			return booking, nil
		}
	}

	offer, err := s.offers.GetOfferByID(ctx, in.OfferID)
	if err != nil {
		return domain.Booking{}, err
	}
	if offer.DriverID == caller.ID {
		return domain.Booking{}, domain.ErrSelfBooking
	}
	if caller.Role != domain.RoleRider {
		return domain.Booking{}, fmt.Errorf("only riders can book seats: %w", domain.ErrForbidden)
	}
	if len(in.Notes) > maxNotesLength {
		return domain.Booking{}, fmt.Errorf("notes exceed %d characters: %w", maxNotesLength, domain.ErrValidation)
	}
	seats, err := s.seatsFor(ctx, caller, in)
	if err != nil {
		return domain.Booking{}, err
	}
	if offer.Status == domain.OfferStatusCancelled {
		return domain.Booking{}, fmt.Errorf("offer %s: %w", offer.ID, domain.ErrOfferClosed)
	}
	if offer.AvailableSeats < seats {
		return domain.Booking{}, fmt.Errorf("%w: requested %d, available %d", domain.ErrInsufficientSeats, seats, offer.AvailableSeats)
	}

	var (
		created  domain.Booking
		replayed bool
	)
	err = s.withLock(ctx, "offer:"+offer.ID.String()+":rider:"+caller.ID.String(), func(ctx context.Context) error {
		// a concurrent call with the same key may have finished while we waited
		if cacheKey != "" {
			if booking, ok := s.replay(ctx, cacheKey); ok {
				created, replayed = booking, true
				return nil
			}
		}
		existing, err := s.bookings.FindBookingsByOffer(ctx, offer.ID)
		if err != nil {
			return fmt.Errorf("load offer bookings: %w", err)
		}
		for _, b := range existing {
			if b.RiderID == caller.ID && b.Holds() {
				return fmt.Errorf("booking %s is %s: %w", b.ID, b.Status, domain.ErrDuplicateBooking)
			}
		}
		created, err = s.bookings.CreateBooking(ctx, domain.Booking{
			ID:          uuid.New(),
			OfferID:     offer.ID,
			RequestID:   in.RequestID,
			RiderID:     caller.ID,
			DriverID:    offer.DriverID,
			SeatsBooked: seats,
			Status:      domain.BookingStatusPending,
			Notes:       in.Notes,
		})
		if err != nil {
			return fmt.Errorf("create booking: %w", err)
		}
		if cacheKey != "" {
			if payload, err := json.Marshal(created); err == nil {
				if err := s.idempotent.PutResponse(ctx, cacheKey, payload); err != nil {
					s.logger.Warn("store idempotent response", zap.String("booking_id", created.ID.String()), zap.Error(err))
				}
			}
		}
		return nil
	})
	if err != nil {
		return domain.Booking{}, err
	}
	if replayed {
		return created, nil
	}

	bookingTransitions.WithLabelValues(string(domain.BookingStatusPending)).Inc()
	s.publish(ctx, created, domain.EventBookingCreated, map[string]any{
		"rider_id": created.RiderID.String(),
		"seats":    created.SeatsBooked,
	})
	return created, nil
}

// replay returns the booking stored under key by an earlier call, if any.
func (s *Service) replay(ctx context.Context, key string) (domain.Booking, bool) {
	cached, ok, err := s.idempotent.GetResponse(ctx, key)
	if err != nil || !ok {
		return domain.Booking{}, false
	}
	var booking domain.Booking
	if err := json.Unmarshal(cached, &booking); err != nil {
		return domain.Booking{}, false
	}
	return booking, true
}

// seatsFor prefers the linked request's seat count, then the explicit one,
// then a single seat.
func (s *Service) seatsFor(ctx context.Context, caller domain.Principal, in BookSeatInput) (int, error) {
	if in.RequestID != nil {
		req, err := s.requests.GetRequestByID(ctx, *in.RequestID)
		if err != nil {
			return 0, err
		}
		if req.RiderID != caller.ID {
			return 0, fmt.Errorf("request %s: %w", req.ID, domain.ErrUnauthorized)
		}
		if req.Status != domain.RequestStatusOpen {
			return 0, fmt.Errorf("request %s is %s: %w", req.ID, req.Status, domain.ErrValidation)
		}
		return req.RequestedSeats, nil
	}
	switch {
	case in.Seats < 0:
		return 0, fmt.Errorf("seats must be positive: %w", domain.ErrValidation)
	case in.Seats == 0:
		return 1, nil
	default:
		return in.Seats, nil
	}
}

// AcceptBooking commits the booking's seats on the offer and marks it
// accepted. Accepting an accepted booking returns it unchanged.
func (s *Service) AcceptBooking(ctx context.Context, caller domain.Principal, bookingID uuid.UUID) (domain.Booking, error) {
	ctx, span := s.startSpan(ctx, "booking.accept", bookingID)
	defer span.End()

	var result domain.Booking
	err := s.withLock(ctx, "booking:"+bookingID.String(), func(ctx context.Context) error {
		booking, err := s.ownedByDriver(ctx, caller, bookingID)
		if err != nil {
			return err
		}
		if booking.Status == domain.BookingStatusAccepted {
			result = booking
			return nil
		}
		if booking.Status != domain.BookingStatusPending {
			return &domain.TransitionError{From: booking.Status, To: domain.BookingStatusAccepted}
		}

		offer, err := s.offers.GetOfferByID(ctx, booking.OfferID)
		if err != nil {
			return err
		}
		if offer.Status == domain.OfferStatusCancelled {
			return fmt.Errorf("offer %s: %w", offer.ID, domain.ErrOfferClosed)
		}
		if offer.AvailableSeats < booking.SeatsBooked {
			seatReservationsRejected.Inc()
			return fmt.Errorf("%w: requested %d, available %d", domain.ErrInsufficientSeats, booking.SeatsBooked, offer.AvailableSeats)
		}
		if _, err := s.offers.ReserveSeats(ctx, offer.ID, booking.SeatsBooked); err != nil {
			if errors.Is(err, domain.ErrInsufficientSeats) {
				seatReservationsRejected.Inc()
			}
			return err
		}

		updated, err := s.bookings.TransitionBooking(ctx, booking.ID, domain.BookingStatusPending, domain.BookingStatusAccepted)
		if err != nil {
			s.compensate(ctx, booking)
			return s.resolveConflict(ctx, booking.ID, domain.BookingStatusAccepted, err, &result)
		}
		result = updated

		bookingTransitions.WithLabelValues(string(domain.BookingStatusAccepted)).Inc()
		s.notify(ctx, updated.DriverID, updated.RiderID, domain.NotificationBookingAccepted, "Your booking has been accepted by the driver.")
		s.publish(ctx, updated, domain.EventBookingAccepted, map[string]any{
			"driver_id": updated.DriverID.String(),
			"seats":     updated.SeatsBooked,
		})
		return nil
	})
	if err != nil {
		recordSpanError(span, err)
		return domain.Booking{}, err
	}
	return result, nil
}

// compensate returns seats reserved for a booking whose status write failed.
func (s *Service) compensate(ctx context.Context, booking domain.Booking) {
	seatCompensations.Inc()
	if _, err := s.offers.ReleaseSeats(context.WithoutCancel(ctx), booking.OfferID, booking.SeatsBooked); err != nil {
		s.logger.Error("release seats after failed accept",
			zap.String("booking_id", booking.ID.String()),
			zap.String("offer_id", booking.OfferID.String()),
			zap.Int("seats", booking.SeatsBooked),
			zap.Error(err))
	}
}

// resolveConflict reloads a booking whose compare-and-set failed. Reaching the
// target status concurrently counts as success and is stored in out.
func (s *Service) resolveConflict(ctx context.Context, id uuid.UUID, target domain.BookingStatus, cause error, out *domain.Booking) error {
	if !errors.Is(cause, domain.ErrConflict) {
		return cause
	}
	current, err := s.bookings.GetBookingByID(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == target {
		*out = current
		return nil
	}
	if target == domain.BookingStatusRejected && current.Status == domain.BookingStatusAccepted {
		return domain.ErrAlreadyAccepted
	}
	return &domain.TransitionError{From: current.Status, To: target}
}

// RejectBooking declines a pending booking. No seats change hands.
func (s *Service) RejectBooking(ctx context.Context, caller domain.Principal, bookingID uuid.UUID) (domain.Booking, error) {
	ctx, span := s.startSpan(ctx, "booking.reject", bookingID)
	defer span.End()

	var result domain.Booking
	err := s.withLock(ctx, "booking:"+bookingID.String(), func(ctx context.Context) error {
		booking, err := s.ownedByDriver(ctx, caller, bookingID)
		if err != nil {
			return err
		}
		switch booking.Status {
		case domain.BookingStatusPending:
		case domain.BookingStatusAccepted:
			return domain.ErrAlreadyAccepted
		default:
			return &domain.TransitionError{From: booking.Status, To: domain.BookingStatusRejected}
		}

		updated, err := s.bookings.TransitionBooking(ctx, booking.ID, domain.BookingStatusPending, domain.BookingStatusRejected)
		if err != nil {
			var rejected domain.Booking
			if err := s.resolveConflict(ctx, booking.ID, domain.BookingStatusRejected, err, &rejected); err != nil {
				return err
			}
			result = rejected
			return nil
		}
		result = updated

		bookingTransitions.WithLabelValues(string(domain.BookingStatusRejected)).Inc()
		s.notify(ctx, updated.DriverID, updated.RiderID, domain.NotificationBookingRejected, "Your booking has been rejected by the driver.")
		s.publish(ctx, updated, domain.EventBookingRejected, map[string]any{"driver_id": updated.DriverID.String()})
		return nil
	})
	if err != nil {
		recordSpanError(span, err)
		return domain.Booking{}, err
	}
	return result, nil
}

// CancelBooking lets either participant cancel an accepted booking. The seats
// go back to the offer and the other participant is notified.
func (s *Service) CancelBooking(ctx context.Context, caller domain.Principal, bookingID uuid.UUID) (domain.Booking, error) {
	ctx, span := s.startSpan(ctx, "booking.cancel", bookingID)
	defer span.End()

	var result domain.Booking
	err := s.withLock(ctx, "booking:"+bookingID.String(), func(ctx context.Context) error {
		booking, err := s.GetBooking(ctx, caller, bookingID)
		if err != nil {
			return err
		}
		if booking.Status != domain.BookingStatusAccepted {
			return &domain.TransitionError{From: booking.Status, To: domain.BookingStatusCancelled}
		}
		updated, err := s.bookings.TransitionBooking(ctx, booking.ID, domain.BookingStatusAccepted, domain.BookingStatusCancelled)
		if err != nil {
			var cancelled domain.Booking
			if err := s.resolveConflict(ctx, booking.ID, domain.BookingStatusCancelled, err, &cancelled); err != nil {
				return err
			}
			result = cancelled
			return nil
		}
		result = updated

		if _, err := s.offers.ReleaseSeats(context.WithoutCancel(ctx), updated.OfferID, updated.SeatsBooked); err != nil {
			s.logger.Error("release seats on cancel",
				zap.String("booking_id", updated.ID.String()),
				zap.String("offer_id", updated.OfferID.String()),
				zap.Error(err))
		}

		bookingTransitions.WithLabelValues(string(domain.BookingStatusCancelled)).Inc()
		receiver := updated.DriverID
		if caller.ID == updated.DriverID {
			receiver = updated.RiderID
		}
		s.notify(ctx, caller.ID, receiver, domain.NotificationBookingCancelled, "A booking you were part of has been cancelled.")
		s.publish(ctx, updated, domain.EventBookingCancelled, map[string]any{"cancelled_by": caller.ID.String()})
		return nil
	})
	if err != nil {
		recordSpanError(span, err)
		return domain.Booking{}, err
	}
	return result, nil
}

// CompleteBooking marks an accepted booking as completed by its driver.
func (s *Service) CompleteBooking(ctx context.Context, caller domain.Principal, bookingID uuid.UUID) (domain.Booking, error) {
	ctx, span := s.startSpan(ctx, "booking.complete", bookingID)
	defer span.End()

	var result domain.Booking
	err := s.withLock(ctx, "booking:"+bookingID.String(), func(ctx context.Context) error {
		booking, err := s.ownedByDriver(ctx, caller, bookingID)
		if err != nil {
			return err
		}
		if booking.Status != domain.BookingStatusAccepted {
			return &domain.TransitionError{From: booking.Status, To: domain.BookingStatusCompleted}
		}
		updated, err := s.bookings.TransitionBooking(ctx, booking.ID, domain.BookingStatusAccepted, domain.BookingStatusCompleted)
		if err != nil {
			var completed domain.Booking
			if err := s.resolveConflict(ctx, booking.ID, domain.BookingStatusCompleted, err, &completed); err != nil {
				return err
			}
			result = completed
			return nil
		}
		result = updated
		bookingTransitions.WithLabelValues(string(domain.BookingStatusCompleted)).Inc()
		s.publish(ctx, updated, domain.EventBookingCompleted, nil)
		return nil
	})
	if err != nil {
		recordSpanError(span, err)
		return domain.Booking{}, err
	}
	return result, nil
}

// GetBooking returns a booking the caller participates in.
func (s *Service) GetBooking(ctx context.Context, caller domain.Principal, bookingID uuid.UUID) (domain.Booking, error) {
	booking, err := s.bookings.GetBookingByID(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	if booking.RiderID != caller.ID && booking.DriverID != caller.ID {
		return domain.Booking{}, fmt.Errorf("booking %s: %w", bookingID, domain.ErrUnauthorized)
	}
	return booking, nil
}

// ListBookings returns the caller's bookings, as rider or as driver depending
// on role, optionally filtered by status.
func (s *Service) ListBookings(ctx context.Context, caller domain.Principal, status *domain.BookingStatus) ([]domain.Booking, error) {
	if status != nil && !status.Valid() {
		return nil, fmt.Errorf("unknown booking status %q: %w", *status, domain.ErrValidation)
	}
	if caller.Role == domain.RoleDriver {
		return s.bookings.FindBookingsByDriver(ctx, caller.ID, status)
	}
	return s.bookings.FindBookingsByRider(ctx, caller.ID, status)
}

// ListOfferBookings returns every booking on an offer owned by caller.
func (s *Service) ListOfferBookings(ctx context.Context, caller domain.Principal, offerID uuid.UUID) ([]domain.Booking, error) {
	offer, err := s.offers.GetOfferByID(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.DriverID != caller.ID {
		return nil, fmt.Errorf("offer %s: %w", offerID, domain.ErrUnauthorized)
	}
	return s.bookings.FindBookingsByOffer(ctx, offerID)
}

func (s *Service) ownedByDriver(ctx context.Context, caller domain.Principal, bookingID uuid.UUID) (domain.Booking, error) {
	booking, err := s.bookings.GetBookingByID(ctx, bookingID)
	if err != nil {
		return domain.Booking{}, err
	}
	if booking.DriverID != caller.ID {
		return domain.Booking{}, fmt.Errorf("booking %s: %w", bookingID, domain.ErrUnauthorized)
	}
	return booking, nil
}

func (s *Service) startSpan(ctx context.Context, name string, bookingID uuid.UUID) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("booking.id", bookingID.String())))
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
