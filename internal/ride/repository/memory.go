package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/example/ridepool/internal/ride/domain"
	"github.com/example/ridepool/internal/ride/ledger"
)

// MemoryRepository provides an in-memory implementation of every ride store,
// suitable for tests and local demos. A single mutex is the mutual-exclusion
// boundary for seat changes.
type MemoryRepository struct {
	mu            sync.RWMutex
	clock         domain.Clock
	requests      map[uuid.UUID]domain.RideRequest
	requestOrder  []uuid.UUID
	offers        map[uuid.UUID]domain.RideOffer
	offerOrder    []uuid.UUID
	bookings      map[uuid.UUID]domain.Booking
	bookingOrder  []uuid.UUID
	notifications []domain.Notification
}

// NewMemoryRepository constructs an empty memory repository.
func NewMemoryRepository(clock domain.Clock) *MemoryRepository {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &MemoryRepository{
		clock:    clock,
		requests: make(map[uuid.UUID]domain.RideRequest),
		offers:   make(map[uuid.UUID]domain.RideOffer),
		bookings: make(map[uuid.UUID]domain.Booking),
	}
}

func (m *MemoryRepository) CreateRequest(_ context.Context, req domain.RideRequest) (domain.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = m.clock.Now()
	}
	if _, exists := m.requests[req.ID]; !exists {
		m.requestOrder = append(m.requestOrder, req.ID)
	}
	m.requests[req.ID] = req
	return req, nil
}

// FindRequestsByRider returns the rider's requests newest first.
func (m *MemoryRepository) FindRequestsByRider(_ context.Context, riderID uuid.UUID, status *domain.RequestStatus) ([]domain.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []domain.RideRequest{}
	for i := len(m.requestOrder) - 1; i >= 0; i-- {
		req := m.requests[m.requestOrder[i]]
		if req.RiderID == riderID && (status == nil || req.Status == *status) {
			out = append(out, req)
		}
	}
	return out, nil
}

func (m *MemoryRepository) GetRequestByID(_ context.Context, id uuid.UUID) (domain.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return domain.RideRequest{}, fmt.Errorf("ride request %s: %w", id, domain.ErrNotFound)
	}
	return req, nil
}

func (m *MemoryRepository) UpdateRequestStatus(_ context.Context, id uuid.UUID, status domain.RequestStatus) (domain.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return domain.RideRequest{}, fmt.Errorf("ride request %s: %w", id, domain.ErrNotFound)
	}
	req.Status = status
	m.requests[id] = req
	return req, nil
}

func (m *MemoryRepository) CreateOffer(_ context.Context, offer domain.RideOffer) (domain.RideOffer, error) {
	if err := ledger.Check(offer); err != nil {
		return domain.RideOffer{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if offer.ID == uuid.Nil {
		offer.ID = uuid.New()
	}
	now := m.clock.Now()
	if offer.CreatedAt.IsZero() {
		offer.CreatedAt = now
	}
	offer.UpdatedAt = now
	offer.Version = 1
	if _, exists := m.offers[offer.ID]; !exists {
		m.offerOrder = append(m.offerOrder, offer.ID)
	}
	m.offers[offer.ID] = offer
	return offer, nil
}

func (m *MemoryRepository) GetOfferByID(_ context.Context, id uuid.UUID) (domain.RideOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	offer, ok := m.offers[id]
	if !ok {
		return domain.RideOffer{}, fmt.Errorf("ride offer %s: %w", id, domain.ErrNotFound)
	}
	return offer, nil
}

// FindCandidates scans offers in insertion order.
func (m *MemoryRepository) FindCandidates(_ context.Context, direction domain.Direction, window domain.TimeWindow) ([]domain.RideOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.RideOffer
	for _, id := range m.offerOrder {
		offer := m.offers[id]
		if offer.Status != domain.OfferStatusAvailable || offer.Direction != direction {
			continue
		}
		if !window.Contains(offer.DepartureTime) {
			continue
		}
		out = append(out, offer)
	}
	return out, nil
}

// FindOffersByDriver returns the driver's offers newest first.
func (m *MemoryRepository) FindOffersByDriver(_ context.Context, driverID uuid.UUID, status *domain.OfferStatus) ([]domain.RideOffer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []domain.RideOffer{}
	for i := len(m.offerOrder) - 1; i >= 0; i-- {
		offer := m.offers[m.offerOrder[i]]
		if offer.DriverID == driverID && (status == nil || offer.Status == *status) {
			out = append(out, offer)
		}
	}
	return out, nil
}

func (m *MemoryRepository) UpdateOfferStatus(_ context.Context, id uuid.UUID, status domain.OfferStatus) (domain.RideOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	offer, ok := m.offers[id]
	if !ok {
		return domain.RideOffer{}, fmt.Errorf("ride offer %s: %w", id, domain.ErrNotFound)
	}
	offer.Status = status
	return m.putOffer(offer), nil
}

func (m *MemoryRepository) ReserveSeats(_ context.Context, id uuid.UUID, seats int) (domain.RideOffer, error) {
	return m.applySeats(id, func(o *domain.RideOffer) error { return ledger.Reserve(o, seats) })
}

func (m *MemoryRepository) ReleaseSeats(_ context.Context, id uuid.UUID, seats int) (domain.RideOffer, error) {
	return m.applySeats(id, func(o *domain.RideOffer) error { return ledger.Release(o, seats) })
}

// applySeats runs a ledger change on a copy of the offer and stores it only
// if the change succeeds.
func (m *MemoryRepository) applySeats(id uuid.UUID, change func(*domain.RideOffer) error) (domain.RideOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	offer, ok := m.offers[id]
	if !ok {
		return domain.RideOffer{}, fmt.Errorf("ride offer %s: %w", id, domain.ErrNotFound)
	}
	if err := change(&offer); err != nil {
		return domain.RideOffer{}, err
	}
	return m.putOffer(offer), nil
}

func (m *MemoryRepository) putOffer(offer domain.RideOffer) domain.RideOffer {
	offer.Version++
	offer.UpdatedAt = m.clock.Now()
	m.offers[offer.ID] = offer
	return offer
}

func (m *MemoryRepository) CreateBooking(_ context.Context, booking domain.Booking) (domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if booking.ID == uuid.Nil {
		booking.ID = uuid.New()
	}
	now := m.clock.Now()
	booking.CreatedAt = now
	booking.UpdatedAt = now
	if _, exists := m.bookings[booking.ID]; !exists {
		m.bookingOrder = append(m.bookingOrder, booking.ID)
	}
	m.bookings[booking.ID] = booking
	return booking, nil
}

func (m *MemoryRepository) GetBookingByID(_ context.Context, id uuid.UUID) (domain.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	booking, ok := m.bookings[id]
	if !ok {
		return domain.Booking{}, fmt.Errorf("booking %s: %w", id, domain.ErrNotFound)
	}
	return booking, nil
}

// TransitionBooking is a compare-and-set on the booking status. Moves the
// booking state machine does not allow are refused before the store is read.
func (m *MemoryRepository) TransitionBooking(_ context.Context, id uuid.UUID, from, to domain.BookingStatus) (domain.Booking, error) {
	if !from.CanTransitionTo(to) {
		return domain.Booking{}, &domain.TransitionError{From: from, To: to}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	booking, ok := m.bookings[id]
	if !ok {
		return domain.Booking{}, fmt.Errorf("booking %s: %w", id, domain.ErrNotFound)
	}
	if booking.Status != from {
		return domain.Booking{}, fmt.Errorf("booking %s is %s, expected %s: %w", id, booking.Status, from, domain.ErrConflict)
	}
	booking.Status = to
	booking.UpdatedAt = m.clock.Now()
	m.bookings[id] = booking
	return booking, nil
}

func (m *MemoryRepository) FindBookingsByOffer(_ context.Context, offerID uuid.UUID) ([]domain.Booking, error) {
	return m.filterBookings(func(b domain.Booking) bool { return b.OfferID == offerID }), nil
}

func (m *MemoryRepository) FindBookingsByRider(_ context.Context, riderID uuid.UUID, status *domain.BookingStatus) ([]domain.Booking, error) {
	return m.filterBookings(func(b domain.Booking) bool {
		return b.RiderID == riderID && (status == nil || b.Status == *status)
	}), nil
}

func (m *MemoryRepository) FindBookingsByDriver(_ context.Context, driverID uuid.UUID, status *domain.BookingStatus) ([]domain.Booking, error) {
	return m.filterBookings(func(b domain.Booking) bool {
		return b.DriverID == driverID && (status == nil || b.Status == *status)
	}), nil
}

// filterBookings returns matches newest first.
func (m *MemoryRepository) filterBookings(keep func(domain.Booking) bool) []domain.Booking {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []domain.Booking{}
	for i := len(m.bookingOrder) - 1; i >= 0; i-- {
		b := m.bookings[m.bookingOrder[i]]
		if keep(b) {
			out = append(out, b)
		}
	}
	return out
}

func (m *MemoryRepository) CreateNotification(_ context.Context, n domain.Notification) (domain.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = m.clock.Now()
	}
	m.notifications = append(m.notifications, n)
	return n, nil
}

func (m *MemoryRepository) FindNotificationsByReceiver(_ context.Context, receiverID uuid.UUID) ([]domain.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []domain.Notification{}
	for i := len(m.notifications) - 1; i >= 0; i-- {
		if n := m.notifications[i]; n.ReceiverID == receiverID {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
