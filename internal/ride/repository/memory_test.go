package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/ridepool/internal/ride/domain"
)

// stepClock advances by one second on every call.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newClock() *stepClock {
	return &stepClock{now: time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)}
}

var departure = time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)

func offerFixture(seats int) domain.RideOffer {
	return domain.RideOffer{
		DriverID:       uuid.New(),
		Pickup:         domain.Coordinate{Latitude: 24.86, Longitude: 67.01},
		Drop:           domain.Coordinate{Latitude: 24.95, Longitude: 67.10},
		DepartureTime:  departure,
		TotalSeats:     seats,
		AvailableSeats: seats,
		Direction:      domain.DirectionHomeToOffice,
		Status:         domain.OfferStatusAvailable,
	}
}

func TestMemoryRepositoryReserveAndRelease(t *testing.T) {
	repo := NewMemoryRepository(newClock())
	ctx := context.Background()
	offer, err := repo.CreateOffer(ctx, offerFixture(2))
	require.NoError(t, err)
	require.EqualValues(t, 1, offer.Version)

	got, err := repo.ReserveSeats(ctx, offer.ID, 2)
	require.NoError(t, err)
	require.Equal(t, 0, got.AvailableSeats)
	require.Equal(t, domain.OfferStatusFull, got.Status)
	require.EqualValues(t, 2, got.Version)

	_, err = repo.ReserveSeats(ctx, offer.ID, 1)
	require.ErrorIs(t, err, domain.ErrInsufficientSeats)

	got, err = repo.ReleaseSeats(ctx, offer.ID, 5)
	require.NoError(t, err)
	require.Equal(t, 2, got.AvailableSeats)
	require.Equal(t, domain.OfferStatusAvailable, got.Status)

	_, err = repo.ReserveSeats(ctx, uuid.New(), 1)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryRepositoryRejectsBrokenOffer(t *testing.T) {
	repo := NewMemoryRepository(newClock())
	broken := offerFixture(2)
	broken.AvailableSeats = 3
	_, err := repo.CreateOffer(context.Background(), broken)
	require.ErrorIs(t, err, domain.ErrInvariantViolation)
}

func TestMemoryRepositoryConcurrentReservations(t *testing.T) {
	repo := NewMemoryRepository(newClock())
	ctx := context.Background()
	offer, err := repo.CreateOffer(ctx, offerFixture(5))
	require.NoError(t, err)

	var ok, short int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.ReserveSeats(ctx, offer.ID, 1)
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, domain.ErrInsufficientSeats):
				atomic.AddInt32(&short, 1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(5), ok)
	require.Equal(t, int32(15), short)
	final, err := repo.GetOfferByID(ctx, offer.ID)
	require.NoError(t, err)
	require.Equal(t, 0, final.AvailableSeats)
}

func TestMemoryRepositoryTransitionIsCompareAndSet(t *testing.T) {
	repo := NewMemoryRepository(newClock())
	ctx := context.Background()
	b, err := repo.CreateBooking(ctx, domain.Booking{OfferID: uuid.New(), RiderID: uuid.New(), DriverID: uuid.New(), SeatsBooked: 1, Status: domain.BookingStatusPending})
	require.NoError(t, err)

	got, err := repo.TransitionBooking(ctx, b.ID, domain.BookingStatusPending, domain.BookingStatusAccepted)
	require.NoError(t, err)
	require.Equal(t, domain.BookingStatusAccepted, got.Status)
	require.True(t, got.UpdatedAt.After(b.UpdatedAt))

	_, err = repo.TransitionBooking(ctx, b.ID, domain.BookingStatusPending, domain.BookingStatusRejected)
	require.ErrorIs(t, err, domain.ErrConflict)

	_, err = repo.TransitionBooking(ctx, uuid.New(), domain.BookingStatusPending, domain.BookingStatusRejected)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryRepositoryTransitionRefusesIllegalMove(t *testing.T) {
	repo := NewMemoryRepository(newClock())
	ctx := context.Background()
	b, err := repo.CreateBooking(ctx, domain.Booking{OfferID: uuid.New(), RiderID: uuid.New(), DriverID: uuid.New(), SeatsBooked: 1, Status: domain.BookingStatusPending})
	require.NoError(t, err)

	_, err = repo.TransitionBooking(ctx, b.ID, domain.BookingStatusPending, domain.BookingStatusCompleted)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	var terr *domain.TransitionError
	require.ErrorAs(t, err, &terr)
	require.Equal(t, domain.BookingStatusPending, terr.From)
	require.Equal(t, domain.BookingStatusCompleted, terr.To)

	_, err = repo.TransitionBooking(ctx, b.ID, domain.BookingStatusRejected, domain.BookingStatusAccepted)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := repo.GetBookingByID(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.BookingStatusPending, got.Status)
}

func TestMemoryRepositoryReserveOnCancelledOffer(t *testing.T) {
	repo := NewMemoryRepository(newClock())
	ctx := context.Background()
	offer, err := repo.CreateOffer(ctx, offerFixture(2))
	require.NoError(t, err)
	_, err = repo.UpdateOfferStatus(ctx, offer.ID, domain.OfferStatusCancelled)
	require.NoError(t, err)

	_, err = repo.ReserveSeats(ctx, offer.ID, 1)
	require.ErrorIs(t, err, domain.ErrOfferClosed)
	got, err := repo.GetOfferByID(ctx, offer.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.AvailableSeats)
}

func TestMemoryRepositoryFindCandidates(t *testing.T) {
	repo := NewMemoryRepository(newClock())
	ctx := context.Background()

	inside, err := repo.CreateOffer(ctx, offerFixture(2))
	require.NoError(t, err)
	late := offerFixture(2)
	late.DepartureTime = departure.Add(2 * time.Hour)
	_, err = repo.CreateOffer(ctx, late)
	require.NoError(t, err)
	reverse := offerFixture(2)
	reverse.Direction = domain.DirectionOfficeToHome
	_, err = repo.CreateOffer(ctx, reverse)
	require.NoError(t, err)
	full, err := repo.CreateOffer(ctx, offerFixture(1))
	require.NoError(t, err)
	_, err = repo.ReserveSeats(ctx, full.ID, 1)
	require.NoError(t, err)

	got, err := repo.FindCandidates(ctx, domain.DirectionHomeToOffice, domain.WindowAround(departure, 30*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, inside.ID, got[0].ID)
}

func TestMemoryRepositoryBookingListsNewestFirst(t *testing.T) {
	repo := NewMemoryRepository(newClock())
	ctx := context.Background()
	rider := uuid.New()
	driver := uuid.New()
	offerID := uuid.New()

	first, err := repo.CreateBooking(ctx, domain.Booking{OfferID: offerID, RiderID: rider, DriverID: driver, SeatsBooked: 1, Status: domain.BookingStatusPending})
	require.NoError(t, err)
	second, err := repo.CreateBooking(ctx, domain.Booking{OfferID: uuid.New(), RiderID: rider, DriverID: driver, SeatsBooked: 1, Status: domain.BookingStatusPending})
	require.NoError(t, err)
	_, err = repo.CreateBooking(ctx, domain.Booking{OfferID: offerID, RiderID: uuid.New(), DriverID: driver, SeatsBooked: 1, Status: domain.BookingStatusPending})
	require.NoError(t, err)
	_, err = repo.TransitionBooking(ctx, first.ID, domain.BookingStatusPending, domain.BookingStatusRejected)
	require.NoError(t, err)

	all, err := repo.FindBookingsByRider(ctx, rider, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, second.ID, all[0].ID)
	require.Equal(t, first.ID, all[1].ID)

	rejected := domain.BookingStatusRejected
	filtered, err := repo.FindBookingsByRider(ctx, rider, &rejected)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	require.Equal(t, first.ID, filtered[0].ID)

	byDriver, err := repo.FindBookingsByDriver(ctx, driver, nil)
	require.NoError(t, err)
	require.Len(t, byDriver, 3)

	byOffer, err := repo.FindBookingsByOffer(ctx, offerID)
	require.NoError(t, err)
	require.Len(t, byOffer, 2)

	none, err := repo.FindBookingsByRider(ctx, uuid.New(), nil)
	require.NoError(t, err)
	require.NotNil(t, none)
	require.Empty(t, none)
}

func TestMemoryRepositoryNotifications(t *testing.T) {
	repo := NewMemoryRepository(newClock())
	ctx := context.Background()
	receiver := uuid.New()

	older, err := repo.CreateNotification(ctx, domain.Notification{SenderID: uuid.New(), ReceiverID: receiver, Type: domain.NotificationBookingAccepted})
	require.NoError(t, err)
	newer, err := repo.CreateNotification(ctx, domain.Notification{SenderID: uuid.New(), ReceiverID: receiver, Type: domain.NotificationBookingRejected})
	require.NoError(t, err)
	_, err = repo.CreateNotification(ctx, domain.Notification{SenderID: uuid.New(), ReceiverID: uuid.New(), Type: domain.NotificationBookingRejected})
	require.NoError(t, err)

	got, err := repo.FindNotificationsByReceiver(ctx, receiver)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, newer.ID, got[0].ID)
	require.Equal(t, older.ID, got[1].ID)
}

func TestMemoryRepositoryRequests(t *testing.T) {
	repo := NewMemoryRepository(newClock())
	ctx := context.Background()
	req, err := repo.CreateRequest(ctx, domain.RideRequest{RiderID: uuid.New(), RequestedSeats: 1, Direction: domain.DirectionHomeToOffice, Status: domain.RequestStatusOpen})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, req.ID)

	got, err := repo.UpdateRequestStatus(ctx, req.ID, domain.RequestStatusCancelled)
	require.NoError(t, err)
	require.Equal(t, domain.RequestStatusCancelled, got.Status)

	_, err = repo.GetRequestByID(ctx, uuid.New())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMemoryRepositoryOwnerListings(t *testing.T) {
	repo := NewMemoryRepository(newClock())
	ctx := context.Background()

	first, err := repo.CreateOffer(ctx, offerFixture(2))
	require.NoError(t, err)
	second := offerFixture(3)
	second.DriverID = first.DriverID
	second, err = repo.CreateOffer(ctx, second)
	require.NoError(t, err)
	_, err = repo.CreateOffer(ctx, offerFixture(1))
	require.NoError(t, err)
	_, err = repo.UpdateOfferStatus(ctx, first.ID, domain.OfferStatusCancelled)
	require.NoError(t, err)

	offers, err := repo.FindOffersByDriver(ctx, first.DriverID, nil)
	require.NoError(t, err)
	require.Len(t, offers, 2)
	require.Equal(t, second.ID, offers[0].ID)
	cancelled := domain.OfferStatusCancelled
	offers, err = repo.FindOffersByDriver(ctx, first.DriverID, &cancelled)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	require.Equal(t, first.ID, offers[0].ID)

	rider := uuid.New()
	older, err := repo.CreateRequest(ctx, domain.RideRequest{RiderID: rider, RequestedSeats: 1, Direction: domain.DirectionHomeToOffice, Status: domain.RequestStatusOpen})
	require.NoError(t, err)
	newer, err := repo.CreateRequest(ctx, domain.RideRequest{RiderID: rider, RequestedSeats: 2, Direction: domain.DirectionOfficeToHome, Status: domain.RequestStatusOpen})
	require.NoError(t, err)
	_, err = repo.UpdateRequestStatus(ctx, older.ID, domain.RequestStatusCancelled)
	require.NoError(t, err)

	requests, err := repo.FindRequestsByRider(ctx, rider, nil)
	require.NoError(t, err)
	require.Len(t, requests, 2)
	require.Equal(t, newer.ID, requests[0].ID)
	open := domain.RequestStatusOpen
	requests, err = repo.FindRequestsByRider(ctx, rider, &open)
	require.NoError(t, err)
	require.Len(t, requests, 1)
	require.Equal(t, newer.ID, requests[0].ID)

	none, err := repo.FindRequestsByRider(ctx, uuid.New(), nil)
	require.NoError(t, err)
	require.NotNil(t, none)
	require.Empty(t, none)
}
