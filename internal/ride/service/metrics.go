package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	bookingTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ride_booking_transitions_total",
		Help: "Booking status changes grouped by target status.",
	}, []string{"status"})

	seatReservationsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ride_seat_reservations_rejected_total",
		Help: "Accepts refused because the offer no longer had enough seats.",
	})

	seatCompensations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ride_seat_compensations_total",
		Help: "Seat reservations released because the booking write failed.",
	})
)
