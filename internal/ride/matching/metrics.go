package matching

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	matchingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ride_matching_time_seconds",
		Help:    "Time spent filtering and scoring offers for a ride request.",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	candidatesConsidered = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ride_matching_candidates",
		Help:    "Number of candidate offers evaluated per match query.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
)

const (
	resultNone       = "none"
	resultShortSeats = "short_seats"
	resultWithSeats  = "with_seats"
)
