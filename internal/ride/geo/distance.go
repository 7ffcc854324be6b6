// Package geo computes great-circle distances between commute coordinates.
package geo

import (
	"math"

	"github.com/example/ridepool/internal/ride/domain"
)

const earthRadiusKM = 6371.0

// DistanceKm returns the haversine distance between a and b in kilometres.
func DistanceKm(a, b domain.Coordinate) float64 {
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dlat := toRadians(b.Latitude - a.Latitude)
	dlon := toRadians(b.Longitude - a.Longitude)

	sinDlat := math.Sin(dlat / 2)
	sinDlon := math.Sin(dlon / 2)
	aa := sinDlat*sinDlat + math.Cos(lat1)*math.Cos(lat2)*sinDlon*sinDlon
	// rounding can push aa a hair outside [0,1] for antipodal points
	aa = math.Min(1, math.Max(0, aa))
	c := 2 * math.Atan2(math.Sqrt(aa), math.Sqrt(1-aa))
	return earthRadiusKM * c
}

// Round2 rounds to two decimals for display.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
