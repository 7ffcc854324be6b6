// Package matching pairs a rider's ride request with driver offers that share
// its direction, departure window and route endpoints.
package matching

import (
	"sort"
	"time"

	"github.com/example/ridepool/internal/ride/domain"
	"github.com/example/ridepool/internal/ride/geo"
)

const (
	DefaultMaxDistanceKM = 7.0
	DefaultTimeWindow    = 30 * time.Minute
)

// Config tunes the spatial and temporal tolerances.
type Config struct {
	MaxDistanceKM float64
	TimeWindow    time.Duration
}

// Match is a surviving offer annotated with its distances to the request.
type Match struct {
	domain.RideOffer
	PickupDistance float64 `json:"pickup_distance"`
	DropDistance   float64 `json:"drop_distance"`
}

func (m Match) totalDistance() float64 { return m.PickupDistance + m.DropDistance }

// Result partitions matching offers by whether they can seat the request.
type Result struct {
	DriverCount         int     `json:"driver_count"`
	TotalAvailableSeats int     `json:"total_available_seats"`
	MatchesWithSeats    []Match `json:"matches_with_seats"`
	MatchesWithoutSeats []Match `json:"matches_without_seats"`
}

// Empty reports the "no matches at all" outcome, as opposed to matches that
// are all short on seats.
func (r Result) Empty() bool {
	return len(r.MatchesWithSeats) == 0 && len(r.MatchesWithoutSeats) == 0
}

// Engine is stateless and safe for concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine builds an engine, filling zero config values with defaults.
func NewEngine(cfg Config) *Engine {
	if cfg.MaxDistanceKM <= 0 {
		cfg.MaxDistanceKM = DefaultMaxDistanceKM
	}
	if cfg.TimeWindow <= 0 {
		cfg.TimeWindow = DefaultTimeWindow
	}
	return &Engine{cfg: cfg}
}

// Window returns the departure window searched for the request.
func (e *Engine) Window(req domain.RideRequest) domain.TimeWindow {
	return domain.WindowAround(req.DesiredTime, e.cfg.TimeWindow)
}

// FindMatches filters offers against the request. It never mutates offers.
//
// Within each partition matches are ordered by pickup plus drop distance,
// with the incoming order breaking ties.
func (e *Engine) FindMatches(req domain.RideRequest, offers []domain.RideOffer) Result {
	start := time.Now()
	candidatesConsidered.Observe(float64(len(offers)))

	window := e.Window(req)
	res := Result{
		MatchesWithSeats:    []Match{},
		MatchesWithoutSeats: []Match{},
	}
	for _, offer := range offers {
		if offer.Status != domain.OfferStatusAvailable || offer.Direction != req.Direction {
			continue
		}
		if !window.Contains(offer.DepartureTime) {
			continue
		}
		pickup := geo.DistanceKm(req.Pickup, offer.Pickup)
		if pickup > e.cfg.MaxDistanceKM {
			continue
		}
		drop := geo.DistanceKm(req.Drop, offer.Drop)
		if drop > e.cfg.MaxDistanceKM {
			continue
		}
		m := Match{RideOffer: offer, PickupDistance: geo.Round2(pickup), DropDistance: geo.Round2(drop)}
		if offer.AvailableSeats >= req.RequestedSeats {
			res.MatchesWithSeats = append(res.MatchesWithSeats, m)
			res.TotalAvailableSeats += offer.AvailableSeats
		} else {
			res.MatchesWithoutSeats = append(res.MatchesWithoutSeats, m)
		}
	}
	res.DriverCount = len(res.MatchesWithSeats)

	sortByDistance(res.MatchesWithSeats)
	sortByDistance(res.MatchesWithoutSeats)

	outcome := resultWithSeats
	switch {
	case res.Empty():
		outcome = resultNone
	case res.DriverCount == 0:
		outcome = resultShortSeats
	}
	matchingDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return res
}

func sortByDistance(ms []Match) {
	sort.SliceStable(ms, func(i, j int) bool {
		return ms[i].totalDistance() < ms[j].totalDistance()
	})
}
