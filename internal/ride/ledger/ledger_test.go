package ledger_test

import (
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/ridepool/internal/ride/domain"
	"github.com/example/ridepool/internal/ride/ledger"
)

func newOffer(total, available int) domain.RideOffer {
	return domain.RideOffer{
		ID:             uuid.New(),
		TotalSeats:     total,
		AvailableSeats: available,
		Status:         domain.OfferStatusAvailable,
	}
}

func TestReserveDecrementsAndMarksFull(t *testing.T) {
	offer := newOffer(3, 3)
	require.NoError(t, ledger.Reserve(&offer, 2))
	require.Equal(t, 1, offer.AvailableSeats)
	require.Equal(t, domain.OfferStatusAvailable, offer.Status)

	require.NoError(t, ledger.Reserve(&offer, 1))
	require.Equal(t, 0, offer.AvailableSeats)
	require.Equal(t, domain.OfferStatusFull, offer.Status)
}

func TestReserveInsufficientLeavesOfferUntouched(t *testing.T) {
	offer := newOffer(4, 1)
	err := ledger.Reserve(&offer, 2)
	require.ErrorIs(t, err, domain.ErrInsufficientSeats)
	require.Equal(t, 1, offer.AvailableSeats)
}

func TestReserveRefusesCancelledOffer(t *testing.T) {
	offer := newOffer(3, 3)
	offer.Status = domain.OfferStatusCancelled
	require.ErrorIs(t, ledger.Reserve(&offer, 1), domain.ErrOfferClosed)
	require.Equal(t, 3, offer.AvailableSeats)
	require.Equal(t, domain.OfferStatusCancelled, offer.Status)
}

func TestReleaseCapsAtTotal(t *testing.T) {
	offer := newOffer(3, 0)
	offer.Status = domain.OfferStatusFull
	require.NoError(t, ledger.Release(&offer, 5))
	require.Equal(t, 3, offer.AvailableSeats)
	require.Equal(t, domain.OfferStatusAvailable, offer.Status)
}

func TestReleaseKeepsCancelledStatus(t *testing.T) {
	offer := newOffer(3, 1)
	offer.Status = domain.OfferStatusCancelled
	require.NoError(t, ledger.Release(&offer, 1))
	require.Equal(t, 2, offer.AvailableSeats)
	require.Equal(t, domain.OfferStatusCancelled, offer.Status)
}

func TestNonPositiveSeatsAreInvariantViolations(t *testing.T) {
	offer := newOffer(3, 3)
	require.ErrorIs(t, ledger.Reserve(&offer, 0), domain.ErrInvariantViolation)
	require.ErrorIs(t, ledger.Release(&offer, -1), domain.ErrInvariantViolation)
	require.Equal(t, 3, offer.AvailableSeats)
}

func TestBrokenOfferIsRejected(t *testing.T) {
	offer := newOffer(2, 5)
	require.ErrorIs(t, ledger.Check(offer), domain.ErrInvariantViolation)
	require.ErrorIs(t, ledger.Reserve(&offer, 1), domain.ErrInvariantViolation)

	offer = newOffer(2, -1)
	require.ErrorIs(t, ledger.Release(&offer, 1), domain.ErrInvariantViolation)
}

func TestRandomSequencesKeepInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 200; run++ {
		total := 1 + rng.Intn(8)
		offer := newOffer(total, total)
		for step := 0; step < 50; step++ {
			seats := 1 + rng.Intn(total+1)
			if rng.Intn(2) == 0 {
				before := offer.AvailableSeats
				err := ledger.Reserve(&offer, seats)
				if seats > before {
					require.ErrorIs(t, err, domain.ErrInsufficientSeats)
					require.Equal(t, before, offer.AvailableSeats)
				} else {
					require.NoError(t, err)
				}
			} else {
				require.NoError(t, ledger.Release(&offer, seats))
			}
			require.NoError(t, ledger.Check(offer))
			require.GreaterOrEqual(t, offer.AvailableSeats, 0)
			require.LessOrEqual(t, offer.AvailableSeats, offer.TotalSeats)
		}
	}
}
