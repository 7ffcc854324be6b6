package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/ridepool/internal/ride/domain"
	"github.com/example/ridepool/internal/testutil"
)

func newPostgresRepo(t *testing.T) *PostgresRepository {
	t.Helper()
	return NewPostgresRepository(testutil.NewMigratedDB(t), nil, "")
}

func TestPostgresRepositoryOfferRoundTrip(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()

	offer := offerFixture(3)
	offer.ACAvailable = true
	offer.Notes = "no smoking"
	created, err := repo.CreateOffer(ctx, offer)
	require.NoError(t, err)
	require.EqualValues(t, 1, created.Version)

	got, err := repo.GetOfferByID(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, created.DriverID, got.DriverID)
	require.True(t, got.ACAvailable)
	require.Equal(t, "no smoking", got.Notes)
	require.InDelta(t, offer.Pickup.Latitude, got.Pickup.Latitude, 1e-9)
	require.True(t, got.DepartureTime.Equal(departure))

	_, err = repo.GetOfferByID(ctx, uuid.New())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPostgresRepositoryReserveUnderContention(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()
	offer, err := repo.CreateOffer(ctx, offerFixture(3))
	require.NoError(t, err)

	var ok, short int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
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

	require.Equal(t, int32(3), ok)
	require.Equal(t, int32(7), short)
	final, err := repo.GetOfferByID(ctx, offer.ID)
	require.NoError(t, err)
	require.Equal(t, 0, final.AvailableSeats)
	require.Equal(t, domain.OfferStatusFull, final.Status)

	released, err := repo.ReleaseSeats(ctx, offer.ID, 1)
	require.NoError(t, err)
	require.Equal(t, 1, released.AvailableSeats)
	require.Equal(t, domain.OfferStatusAvailable, released.Status)

	_, err = repo.UpdateOfferStatus(ctx, offer.ID, domain.OfferStatusCancelled)
	require.NoError(t, err)
	_, err = repo.ReserveSeats(ctx, offer.ID, 1)
	require.ErrorIs(t, err, domain.ErrOfferClosed)
}

func TestPostgresRepositoryBookingTransitions(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()
	offer, err := repo.CreateOffer(ctx, offerFixture(2))
	require.NoError(t, err)
	req, err := repo.CreateRequest(ctx, domain.RideRequest{
		RiderID:        uuid.New(),
		Pickup:         offer.Pickup,
		Drop:           offer.Drop,
		DesiredTime:    departure,
		RequestedSeats: 1,
		Direction:      domain.DirectionHomeToOffice,
		Status:         domain.RequestStatusOpen,
	})
	require.NoError(t, err)

	b, err := repo.CreateBooking(ctx, domain.Booking{
		OfferID:     offer.ID,
		RequestID:   &req.ID,
		RiderID:     req.RiderID,
		DriverID:    offer.DriverID,
		SeatsBooked: 1,
		Status:      domain.BookingStatusPending,
	})
	require.NoError(t, err)
	require.NotNil(t, b.RequestID)
	require.Equal(t, req.ID, *b.RequestID)

	accepted, err := repo.TransitionBooking(ctx, b.ID, domain.BookingStatusPending, domain.BookingStatusAccepted)
	require.NoError(t, err)
	require.Equal(t, domain.BookingStatusAccepted, accepted.Status)

	_, err = repo.TransitionBooking(ctx, b.ID, domain.BookingStatusPending, domain.BookingStatusRejected)
	require.ErrorIs(t, err, domain.ErrConflict)

	_, err = repo.TransitionBooking(ctx, b.ID, domain.BookingStatusCompleted, domain.BookingStatusAccepted)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	current, err := repo.GetBookingByID(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.BookingStatusAccepted, current.Status)

	status := domain.BookingStatusAccepted
	byRider, err := repo.FindBookingsByRider(ctx, req.RiderID, &status)
	require.NoError(t, err)
	require.Len(t, byRider, 1)

	byOffer, err := repo.FindBookingsByOffer(ctx, offer.ID)
	require.NoError(t, err)
	require.Len(t, byOffer, 1)
}

func TestPostgresRepositoryNotificationQueuesOutbox(t *testing.T) {
	db := testutil.NewMigratedDB(t)
	repo := NewPostgresRepository(db, nil, "test.notifications")
	ctx := context.Background()
	receiver := uuid.New()

	_, err := repo.CreateNotification(ctx, domain.Notification{
		SenderID:   uuid.New(),
		ReceiverID: receiver,
		Type:       domain.NotificationBookingAccepted,
		Message:    "Your booking was accepted",
	})
	require.NoError(t, err)

	got, err := repo.FindNotificationsByReceiver(ctx, receiver)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.False(t, got[0].IsRead)

	var pending int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM outbox WHERE topic = $1 AND published = false`, "test.notifications").Scan(&pending))
	require.Equal(t, 1, pending)
}

func TestPostgresRepositoryOwnerListings(t *testing.T) {
	repo := NewPostgresRepository(testutil.NewMigratedDB(t), newClock(), "")
	ctx := context.Background()

	first, err := repo.CreateOffer(ctx, offerFixture(2))
	require.NoError(t, err)
	second := offerFixture(3)
	second.DriverID = first.DriverID
	second, err = repo.CreateOffer(ctx, second)
	require.NoError(t, err)
	_, err = repo.UpdateOfferStatus(ctx, first.ID, domain.OfferStatusCancelled)
	require.NoError(t, err)

	offers, err := repo.FindOffersByDriver(ctx, first.DriverID, nil)
	require.NoError(t, err)
	require.Len(t, offers, 2)
	require.Equal(t, second.ID, offers[0].ID)
	available := domain.OfferStatusAvailable
	offers, err = repo.FindOffersByDriver(ctx, first.DriverID, &available)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	require.Equal(t, second.ID, offers[0].ID)

	rider := uuid.New()
	request := domain.RideRequest{
		RiderID:        rider,
		Pickup:         first.Pickup,
		Drop:           first.Drop,
		DesiredTime:    departure,
		RequestedSeats: 1,
		Direction:      domain.DirectionHomeToOffice,
		Status:         domain.RequestStatusOpen,
	}
	older, err := repo.CreateRequest(ctx, request)
	require.NoError(t, err)
	newer, err := repo.CreateRequest(ctx, request)
	require.NoError(t, err)
	_, err = repo.UpdateRequestStatus(ctx, older.ID, domain.RequestStatusCancelled)
	require.NoError(t, err)

	requests, err := repo.FindRequestsByRider(ctx, rider, nil)
	require.NoError(t, err)
	require.Len(t, requests, 2)
	require.Equal(t, newer.ID, requests[0].ID)
	cancelled := domain.RequestStatusCancelled
	requests, err = repo.FindRequestsByRider(ctx, rider, &cancelled)
	require.NoError(t, err)
	require.Len(t, requests, 1)
	require.Equal(t, older.ID, requests[0].ID)
}
