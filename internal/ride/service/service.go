package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/ridepool/internal/ride/domain"
	"github.com/example/ridepool/internal/ride/locking"
	"github.com/example/ridepool/internal/ride/matching"
)

const maxNotesLength = 500

// Config holds the booking lock tunables.
type Config struct {
	LockTTL      time.Duration
	LockAttempts int
	LockBackoff  time.Duration
}

// Stores groups the persistence collaborators.
type Stores struct {
	Offers        domain.OfferStore
	Requests      domain.RequestStore
	Bookings      domain.BookingStore
	Notifications domain.NotificationStore
}

// Service coordinates ride requests, offers and bookings between handlers and
// stores.
type Service struct {
	offers        domain.OfferStore
	requests      domain.RequestStore
	bookings      domain.BookingStore
	notifications domain.NotificationStore
	engine        *matching.Engine
	locker        locking.Locker
	events        domain.EventPublisher
	clock         domain.Clock
	idempotent    domain.IdempotencyRepository
	logger        *zap.Logger
	tracer        trace.Tracer
	cfg           Config
}

// New constructs a Service. Stores are required; every other collaborator
// falls back to an in-process default when nil.
func New(stores Stores, engine *matching.Engine, locker locking.Locker, events domain.EventPublisher, clock domain.Clock, idem domain.IdempotencyRepository, logger *zap.Logger, cfg Config) (*Service, error) {
	if stores.Offers == nil || stores.Requests == nil || stores.Bookings == nil || stores.Notifications == nil {
		return nil, errors.New("offer, request, booking and notification stores are required")
	}
	if engine == nil {
		engine = matching.NewEngine(matching.Config{})
	}
	if locker == nil {
		locker = locking.NewMemoryLocker()
	}
	if events == nil {
		events = noopPublisher{}
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Second
	}
	if cfg.LockAttempts <= 0 {
		cfg.LockAttempts = 3
	}
	if cfg.LockBackoff <= 0 {
		cfg.LockBackoff = 50 * time.Millisecond
	}
	return &Service{
		offers:        stores.Offers,
		requests:      stores.Requests,
		bookings:      stores.Bookings,
		notifications: stores.Notifications,
		engine:        engine,
		locker:        locker,
		events:        events,
		clock:         clock,
		idempotent:    idem,
		logger:        logger,
		tracer:        otel.Tracer("ride.service"),
		cfg:           cfg,
	}, nil
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, domain.BookingEvent) error { return nil }

// SubmitRequestInput is the rider-supplied part of a ride request.
type SubmitRequestInput struct {
	Pickup         domain.Coordinate
	Drop           domain.Coordinate
	DesiredTime    time.Time
	RequestedSeats int
	Direction      domain.Direction
	Notes          string
}

func (in SubmitRequestInput) validate() error {
	if err := in.Pickup.Validate(); err != nil {
		return fmt.Errorf("pickup: %w", err)
	}
	if err := in.Drop.Validate(); err != nil {
		return fmt.Errorf("drop: %w", err)
	}
	if in.DesiredTime.IsZero() {
		return fmt.Errorf("desired_time is required: %w", domain.ErrValidation)
	}
	if in.RequestedSeats < 1 {
		return fmt.Errorf("requested_seats must be at least 1: %w", domain.ErrValidation)
	}
	if !in.Direction.Valid() {
		return fmt.Errorf("unknown direction %q: %w", in.Direction, domain.ErrValidation)
	}
	if len(in.Notes) > maxNotesLength {
		return fmt.Errorf("notes exceed %d characters: %w", maxNotesLength, domain.ErrValidation)
	}
	return nil
}

// SubmitRequest stores an open ride request for a rider.
func (s *Service) SubmitRequest(ctx context.Context, caller domain.Principal, in SubmitRequestInput) (domain.RideRequest, error) {
	if caller.Role != domain.RoleRider {
		return domain.RideRequest{}, fmt.Errorf("only riders can request rides: %w", domain.ErrForbidden)
	}
	if err := in.validate(); err != nil {
		return domain.RideRequest{}, err
	}
	created, err := s.requests.CreateRequest(ctx, domain.RideRequest{
		ID:             uuid.New(),
		RiderID:        caller.ID,
		Pickup:         in.Pickup,
		Drop:           in.Drop,
		DesiredTime:    in.DesiredTime.UTC(),
		RequestedSeats: in.RequestedSeats,
		Direction:      in.Direction,
		Status:         domain.RequestStatusOpen,
		Notes:          in.Notes,
		CreatedAt:      s.clock.Now(),
	})
	if err != nil {
		return domain.RideRequest{}, fmt.Errorf("create request: %w", err)
	}
	return created, nil
}

// GetRequest returns a request owned by caller.
func (s *Service) GetRequest(ctx context.Context, caller domain.Principal, id uuid.UUID) (domain.RideRequest, error) {
	req, err := s.requests.GetRequestByID(ctx, id)
	if err != nil {
		return domain.RideRequest{}, err
	}
	if req.RiderID != caller.ID {
		return domain.RideRequest{}, fmt.Errorf("request %s: %w", id, domain.ErrUnauthorized)
	}
	return req, nil
}

// ListRequests returns the caller's requests newest first, optionally filtered
// by status.
func (s *Service) ListRequests(ctx context.Context, caller domain.Principal, status *domain.RequestStatus) ([]domain.RideRequest, error) {
	if caller.Role != domain.RoleRider {
		return nil, fmt.Errorf("only riders have ride requests: %w", domain.ErrForbidden)
	}
	if status != nil && !status.Valid() {
		return nil, fmt.Errorf("unknown request status %q: %w", *status, domain.ErrValidation)
	}
	return s.requests.FindRequestsByRider(ctx, caller.ID, status)
}

// CancelRequest closes the caller's request. Cancelling twice is a no-op.
func (s *Service) CancelRequest(ctx context.Context, caller domain.Principal, id uuid.UUID) (domain.RideRequest, error) {
	req, err := s.GetRequest(ctx, caller, id)
	if err != nil {
		return domain.RideRequest{}, err
	}
	if req.Status == domain.RequestStatusCancelled {
		return req, nil
	}
	return s.requests.UpdateRequestStatus(ctx, id, domain.RequestStatusCancelled)
}

// FindMatches runs the match engine for the caller's open request against the
// offers the store returns for its direction and time window.
func (s *Service) FindMatches(ctx context.Context, caller domain.Principal, requestID uuid.UUID) (matching.Result, error) {
	ctx, span := s.tracer.Start(ctx, "ride.match", trace.WithAttributes(attribute.String("request.id", requestID.String())))
	defer span.End()

	req, err := s.GetRequest(ctx, caller, requestID)
	if err != nil {
		return matching.Result{}, err
	}
	if req.Status != domain.RequestStatusOpen {
		return matching.Result{}, fmt.Errorf("request %s is %s: %w", requestID, req.Status, domain.ErrValidation)
	}
	candidates, err := s.offers.FindCandidates(ctx, req.Direction, s.engine.Window(req))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load candidates")
		return matching.Result{}, fmt.Errorf("load candidates: %w", err)
	}
	result := s.engine.FindMatches(req, candidates)
	span.SetAttributes(
		attribute.Int("match.candidates", len(candidates)),
		attribute.Int("match.driver_count", result.DriverCount),
	)
	return result, nil
}

// CreateOfferInput is the driver-supplied part of a ride offer.
type CreateOfferInput struct {
	Pickup        domain.Coordinate
	Drop          domain.Coordinate
	DepartureTime time.Time
	TotalSeats    int
	Direction     domain.Direction
	Notes         string
	ACAvailable   bool
}

func (in CreateOfferInput) validate() error {
	if err := in.Pickup.Validate(); err != nil {
		return fmt.Errorf("pickup: %w", err)
	}
	if err := in.Drop.Validate(); err != nil {
		return fmt.Errorf("drop: %w", err)
	}
	if in.DepartureTime.IsZero() {
		return fmt.Errorf("departure_time is required: %w", domain.ErrValidation)
	}
	if in.TotalSeats < 1 {
		return fmt.Errorf("total_seats must be at least 1: %w", domain.ErrValidation)
	}
	if !in.Direction.Valid() {
		return fmt.Errorf("unknown direction %q: %w", in.Direction, domain.ErrValidation)
	}
	if len(in.Notes) > maxNotesLength {
		return fmt.Errorf("notes exceed %d characters: %w", maxNotesLength, domain.ErrValidation)
	}
	return nil
}

// CreateOffer publishes a driver's offer with every seat available.
func (s *Service) CreateOffer(ctx context.Context, caller domain.Principal, in CreateOfferInput) (domain.RideOffer, error) {
	if caller.Role != domain.RoleDriver {
		return domain.RideOffer{}, fmt.Errorf("only drivers can offer rides: %w", domain.ErrForbidden)
	}
	if err := in.validate(); err != nil {
		return domain.RideOffer{}, err
	}
	created, err := s.offers.CreateOffer(ctx, domain.RideOffer{
		ID:             uuid.New(),
		DriverID:       caller.ID,
		Pickup:         in.Pickup,
		Drop:           in.Drop,
		DepartureTime:  in.DepartureTime.UTC(),
		TotalSeats:     in.TotalSeats,
		AvailableSeats: in.TotalSeats,
		Direction:      in.Direction,
		Status:         domain.OfferStatusAvailable,
		Notes:          in.Notes,
		ACAvailable:    in.ACAvailable,
		CreatedAt:      s.clock.Now(),
	})
	if err != nil {
		return domain.RideOffer{}, fmt.Errorf("create offer: %w", err)
	}
	return created, nil
}

// GetOffer retrieves an offer by identifier.
func (s *Service) GetOffer(ctx context.Context, id uuid.UUID) (domain.RideOffer, error) {
	return s.offers.GetOfferByID(ctx, id)
}

// ListOffers returns the caller's offers newest first, optionally filtered by
// status.
func (s *Service) ListOffers(ctx context.Context, caller domain.Principal, status *domain.OfferStatus) ([]domain.RideOffer, error) {
	if caller.Role != domain.RoleDriver {
		return nil, fmt.Errorf("only drivers have ride offers: %w", domain.ErrForbidden)
	}
	if status != nil && !status.Valid() {
		return nil, fmt.Errorf("unknown offer status %q: %w", *status, domain.ErrValidation)
	}
	return s.offers.FindOffersByDriver(ctx, caller.ID, status)
}

// CancelOffer closes the caller's offer. Pending bookings on it are rejected
// and accepted ones cancelled, each with a notification to the rider.
func (s *Service) CancelOffer(ctx context.Context, caller domain.Principal, id uuid.UUID) (domain.RideOffer, error) {
	offer, err := s.offers.GetOfferByID(ctx, id)
	if err != nil {
		return domain.RideOffer{}, err
	}
	if offer.DriverID != caller.ID {
		return domain.RideOffer{}, fmt.Errorf("offer %s: %w", id, domain.ErrUnauthorized)
	}
	if offer.Status == domain.OfferStatusCancelled {
		return offer, nil
	}
	offer, err = s.offers.UpdateOfferStatus(ctx, id, domain.OfferStatusCancelled)
	if err != nil {
		return domain.RideOffer{}, fmt.Errorf("cancel offer: %w", err)
	}

	bookings, err := s.bookings.FindBookingsByOffer(ctx, id)
	if err != nil {
		return domain.RideOffer{}, fmt.Errorf("load offer bookings: %w", err)
	}
	for _, b := range bookings {
		switch b.Status {
		case domain.BookingStatusPending:
			_, err := s.RejectBooking(ctx, caller, b.ID)
			if errors.Is(err, domain.ErrAlreadyAccepted) {
				// an accept that reserved seats before the cancel landed first
				_, err = s.CancelBooking(ctx, caller, b.ID)
			}
			if err != nil {
				s.logger.Warn("reject booking on offer cancel", zap.String("booking_id", b.ID.String()), zap.Error(err))
			}
		case domain.BookingStatusAccepted:
			if _, err := s.CancelBooking(ctx, caller, b.ID); err != nil {
				s.logger.Warn("cancel booking on offer cancel", zap.String("booking_id", b.ID.String()), zap.Error(err))
			}
		}
	}
	return s.offers.GetOfferByID(ctx, id)
}

// ListNotifications returns the caller's notifications, newest first.
func (s *Service) ListNotifications(ctx context.Context, caller domain.Principal) ([]domain.Notification, error) {
	return s.notifications.FindNotificationsByReceiver(ctx, caller.ID)
}
