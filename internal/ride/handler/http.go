package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ridepool/internal/auth"
	ratelimit "github.com/example/ridepool/internal/http/middleware"
	"github.com/example/ridepool/internal/ride/domain"
	"github.com/example/ridepool/internal/ride/matching"
	"github.com/example/ridepool/internal/ride/service"
)

const maxBodyBytes = 1 << 20

// HTTP exposes ride request, offer and booking endpoints.
type HTTP struct {
	svc       *service.Service
	jwtSecret string
	limiter   *ratelimit.RateLimiter
	logger    *zap.Logger
}

// NewHTTP constructs a handler. A nil limiter disables rate limiting.
func NewHTTP(svc *service.Service, jwtSecret string, limiter *ratelimit.RateLimiter, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{svc: svc, jwtSecret: jwtSecret, limiter: limiter, logger: logger}
}

// Router builds the chi router with all endpoints and middlewares. Each route
// group draws from its own rate limit scope so match lookups and booking
// writes cannot starve the rest of the API.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware(h.jwtSecret))

		r.Group(func(r chi.Router) {
			r.Use(h.limiter.Limit(ratelimit.ScopeRead))
			r.Get("/requests", h.listRequests)
			r.Get("/requests/{id}", h.getRequest)
			r.Get("/offers", h.listOffers)
			r.Get("/offers/{id}", h.getOffer)
			r.Get("/offers/{id}/bookings", h.listOfferBookings)
			r.Get("/bookings", h.listBookings)
			r.Get("/bookings/{id}", h.getBooking)
			r.Get("/dashboard", h.driverDashboard)
			r.Get("/notifications", h.listNotifications)
		})

		r.With(h.limiter.Limit(ratelimit.ScopeMatch)).Get("/requests/{id}/matches", h.findMatches)

		r.Group(func(r chi.Router) {
			r.Use(h.limiter.Limit(ratelimit.ScopeWrite))
			r.Post("/requests", h.submitRequest)
			r.Post("/requests/{id}/cancel", h.cancelRequest)
			r.Post("/offers", h.createOffer)
			r.Post("/offers/{id}/cancel", h.cancelOffer)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.limiter.Limit(ratelimit.ScopeBooking))
			r.Post("/bookings", h.bookSeat)
			r.Post("/bookings/{id}/accept", h.bookingAction(h.svc.AcceptBooking))
			r.Post("/bookings/{id}/reject", h.bookingAction(h.svc.RejectBooking))
			r.Post("/bookings/{id}/cancel", h.bookingAction(h.svc.CancelBooking))
			r.Post("/bookings/{id}/complete", h.bookingAction(h.svc.CompleteBooking))
		})
	})
	return r
}

type submitRequestBody struct {
	Pickup         domain.Coordinate `json:"pickup"`
	Drop           domain.Coordinate `json:"drop"`
	DesiredTime    time.Time         `json:"desired_time"`
	RequestedSeats int               `json:"requested_seats"`
	Direction      domain.Direction  `json:"direction"`
	Notes          string            `json:"notes"`
}

func (h *HTTP) submitRequest(w http.ResponseWriter, r *http.Request) {
	var payload submitRequestBody
	if !decode(w, r, &payload) {
		return
	}
	req, err := h.svc.SubmitRequest(r.Context(), caller(r), service.SubmitRequestInput{
		Pickup:         payload.Pickup,
		Drop:           payload.Drop,
		DesiredTime:    payload.DesiredTime,
		RequestedSeats: payload.RequestedSeats,
		Direction:      payload.Direction,
		Notes:          payload.Notes,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (h *HTTP) listRequests(w http.ResponseWriter, r *http.Request) {
	var status *domain.RequestStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := domain.RequestStatus(raw)
		status = &s
	}
	requests, err := h.svc.ListRequests(r.Context(), caller(r), status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, requests)
}

func (h *HTTP) getRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	req, err := h.svc.GetRequest(r.Context(), caller(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (h *HTTP) cancelRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	req, err := h.svc.CancelRequest(r.Context(), caller(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type matchResponse struct {
	Message string `json:"message"`
	matching.Result
}

func (h *HTTP) findMatches(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	result, err := h.svc.FindMatches(r.Context(), caller(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	message := "Matching offers found"
	if result.Empty() {
		message = "No matching offers found"
	}
	writeJSON(w, http.StatusOK, matchResponse{Message: message, Result: result})
}

type createOfferBody struct {
	Pickup        domain.Coordinate `json:"pickup"`
	Drop          domain.Coordinate `json:"drop"`
	DepartureTime time.Time         `json:"departure_time"`
	TotalSeats    int               `json:"total_seats"`
	Direction     domain.Direction  `json:"direction"`
	Notes         string            `json:"notes"`
	ACAvailable   bool              `json:"ac_available"`
}

func (h *HTTP) createOffer(w http.ResponseWriter, r *http.Request) {
	var payload createOfferBody
	if !decode(w, r, &payload) {
		return
	}
	offer, err := h.svc.CreateOffer(r.Context(), caller(r), service.CreateOfferInput{
		Pickup:        payload.Pickup,
		Drop:          payload.Drop,
		DepartureTime: payload.DepartureTime,
		TotalSeats:    payload.TotalSeats,
		Direction:     payload.Direction,
		Notes:         payload.Notes,
		ACAvailable:   payload.ACAvailable,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, offer)
}

func (h *HTTP) listOffers(w http.ResponseWriter, r *http.Request) {
	var status *domain.OfferStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := domain.OfferStatus(raw)
		status = &s
	}
	offers, err := h.svc.ListOffers(r.Context(), caller(r), status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offers)
}

func (h *HTTP) getOffer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	offer, err := h.svc.GetOffer(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (h *HTTP) cancelOffer(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	offer, err := h.svc.CancelOffer(r.Context(), caller(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (h *HTTP) listOfferBookings(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	bookings, err := h.svc.ListOfferBookings(r.Context(), caller(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bookings)
}

type bookSeatBody struct {
	OfferID   string  `json:"offer_id"`
	RequestID *string `json:"request_id"`
	Seats     int     `json:"seats"`
	Notes     string  `json:"notes"`
}

func (h *HTTP) bookSeat(w http.ResponseWriter, r *http.Request) {
	var payload bookSeatBody
	if !decode(w, r, &payload) {
		return
	}
	offerID, err := uuid.Parse(payload.OfferID)
	if err != nil {
		badRequest(w, "invalid offer_id")
		return
	}
	in := service.BookSeatInput{OfferID: offerID, Seats: payload.Seats, Notes: payload.Notes}
	if payload.RequestID != nil && *payload.RequestID != "" {
		requestID, err := uuid.Parse(*payload.RequestID)
		if err != nil {
			badRequest(w, "invalid request_id")
			return
		}
		in.RequestID = &requestID
	}
	booking, err := h.svc.BookSeat(r.Context(), caller(r), r.Header.Get("Idempotency-Key"), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, booking)
}

func (h *HTTP) listBookings(w http.ResponseWriter, r *http.Request) {
	var status *domain.BookingStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := domain.BookingStatus(raw)
		status = &s
	}
	bookings, err := h.svc.ListBookings(r.Context(), caller(r), status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bookings)
}

func (h *HTTP) getBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	booking, err := h.svc.GetBooking(r.Context(), caller(r), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

type bookingTransition func(ctx context.Context, caller domain.Principal, id uuid.UUID) (domain.Booking, error)

func (h *HTTP) bookingAction(action bookingTransition) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		booking, err := action(r.Context(), caller(r), id)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, booking)
	}
}

func (h *HTTP) driverDashboard(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.DriverDashboard(r.Context(), caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *HTTP) listNotifications(w http.ResponseWriter, r *http.Request) {
	notifications, err := h.svc.ListNotifications(r.Context(), caller(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, notifications)
}

// caller is always present behind auth.Middleware.
func caller(r *http.Request) domain.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		badRequest(w, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		badRequest(w, "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
