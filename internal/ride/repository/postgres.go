package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver for database/sql

	"github.com/example/ridepool/internal/ride/domain"
	"github.com/example/ridepool/internal/ride/ledger"
)

// DefaultNotificationTopic is the outbox topic notifications are relayed on.
const DefaultNotificationTopic = "ride.notifications"

const checkViolation = "23514"

// PostgresRepository persists rides in Postgres through database/sql. Seat
// changes take a row lock on the offer for the duration of the transaction.
type PostgresRepository struct {
	db                *sql.DB
	clock             domain.Clock
	notificationTopic string
}

// NewPostgresRepository constructs the repository; an empty topic selects
// DefaultNotificationTopic.
func NewPostgresRepository(db *sql.DB, clock domain.Clock, notificationTopic string) *PostgresRepository {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if notificationTopic == "" {
		notificationTopic = DefaultNotificationTopic
	}
	return &PostgresRepository{db: db, clock: clock, notificationTopic: notificationTopic}
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// wrapErr maps driver errors onto the domain sentinels.
func wrapErr(op string, err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	case errors.As(err, &pgErr):
		if pgErr.Code == checkViolation {
			return fmt.Errorf("%s: %s: %w", op, pgErr.Message, domain.ErrInvariantViolation)
		}
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %v: %w", op, err, domain.ErrDependencyUnavailable)
	}
}

const requestColumns = `id, rider_id, pickup_lat, pickup_lng, drop_lat, drop_lng, desired_time,
	requested_seats, direction, status, notes, created_at`

func scanRequest(s scanner) (domain.RideRequest, error) {
	var req domain.RideRequest
	err := s.Scan(&req.ID, &req.RiderID,
		&req.Pickup.Latitude, &req.Pickup.Longitude, &req.Drop.Latitude, &req.Drop.Longitude,
		&req.DesiredTime, &req.RequestedSeats, &req.Direction, &req.Status, &req.Notes, &req.CreatedAt)
	return req, err
}

func (r *PostgresRepository) CreateRequest(ctx context.Context, req domain.RideRequest) (domain.RideRequest, error) {
	const q = `
		INSERT INTO ride_requests (id, rider_id, pickup_lat, pickup_lng, drop_lat, drop_lng,
			desired_time, requested_seats, direction, status, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING ` + requestColumns

	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = r.clock.Now()
	}
	row := r.db.QueryRowContext(ctx, q, req.ID, req.RiderID,
		req.Pickup.Latitude, req.Pickup.Longitude, req.Drop.Latitude, req.Drop.Longitude,
		req.DesiredTime, req.RequestedSeats, req.Direction, req.Status, req.Notes, req.CreatedAt)
	out, err := scanRequest(row)
	if err != nil {
		return domain.RideRequest{}, wrapErr("repo.Postgres.CreateRequest", err)
	}
	return out, nil
}

func (r *PostgresRepository) GetRequestByID(ctx context.Context, id uuid.UUID) (domain.RideRequest, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM ride_requests WHERE id = $1`, id)
	out, err := scanRequest(row)
	if err != nil {
		return domain.RideRequest{}, wrapErr("repo.Postgres.GetRequestByID", err)
	}
	return out, nil
}

func (r *PostgresRepository) FindRequestsByRider(ctx context.Context, riderID uuid.UUID, status *domain.RequestStatus) ([]domain.RideRequest, error) {
	const op = "repo.Postgres.FindRequestsByRider"
	q := `SELECT ` + requestColumns + ` FROM ride_requests WHERE rider_id = $1`
	args := []any{riderID}
	if status != nil {
		q += ` AND status = $2`
		args = append(args, *status)
	}
	rows, err := r.db.QueryContext(ctx, q+` ORDER BY created_at DESC, id`, args...)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer rows.Close()
	out := []domain.RideRequest{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, wrapErr(op+": scan", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(op+": rows", err)
	}
	return out, nil
}

func (r *PostgresRepository) UpdateRequestStatus(ctx context.Context, id uuid.UUID, status domain.RequestStatus) (domain.RideRequest, error) {
	row := r.db.QueryRowContext(ctx, `UPDATE ride_requests SET status = $1 WHERE id = $2 RETURNING `+requestColumns, status, id)
	out, err := scanRequest(row)
	if err != nil {
		return domain.RideRequest{}, wrapErr("repo.Postgres.UpdateRequestStatus", err)
	}
	return out, nil
}

const offerColumns = `id, driver_id, pickup_lat, pickup_lng, drop_lat, drop_lng, departure_time,
	total_seats, available_seats, direction, status, notes, ac_available, version, created_at, updated_at`

func scanOffer(s scanner) (domain.RideOffer, error) {
	var o domain.RideOffer
	err := s.Scan(&o.ID, &o.DriverID,
		&o.Pickup.Latitude, &o.Pickup.Longitude, &o.Drop.Latitude, &o.Drop.Longitude,
		&o.DepartureTime, &o.TotalSeats, &o.AvailableSeats, &o.Direction, &o.Status, &o.Notes,
		&o.ACAvailable, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

func (r *PostgresRepository) CreateOffer(ctx context.Context, offer domain.RideOffer) (domain.RideOffer, error) {
	const q = `
		INSERT INTO ride_offers (id, driver_id, pickup_lat, pickup_lng, drop_lat, drop_lng,
			departure_time, total_seats, available_seats, direction, status, notes, ac_available,
			version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1, $14, $14)
		RETURNING ` + offerColumns

	if err := ledger.Check(offer); err != nil {
		return domain.RideOffer{}, err
	}
	if offer.ID == uuid.Nil {
		offer.ID = uuid.New()
	}
	if offer.CreatedAt.IsZero() {
		offer.CreatedAt = r.clock.Now()
	}
	row := r.db.QueryRowContext(ctx, q, offer.ID, offer.DriverID,
		offer.Pickup.Latitude, offer.Pickup.Longitude, offer.Drop.Latitude, offer.Drop.Longitude,
		offer.DepartureTime, offer.TotalSeats, offer.AvailableSeats, offer.Direction, offer.Status,
		offer.Notes, offer.ACAvailable, offer.CreatedAt)
	out, err := scanOffer(row)
	if err != nil {
		return domain.RideOffer{}, wrapErr("repo.Postgres.CreateOffer", err)
	}
	return out, nil
}

func (r *PostgresRepository) GetOfferByID(ctx context.Context, id uuid.UUID) (domain.RideOffer, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM ride_offers WHERE id = $1`, id)
	out, err := scanOffer(row)
	if err != nil {
		return domain.RideOffer{}, wrapErr("repo.Postgres.GetOfferByID", err)
	}
	return out, nil
}

func (r *PostgresRepository) FindCandidates(ctx context.Context, direction domain.Direction, window domain.TimeWindow) ([]domain.RideOffer, error) {
	const q = `
		SELECT ` + offerColumns + `
		FROM ride_offers
		WHERE direction = $1 AND status = $2 AND departure_time BETWEEN $3 AND $4
		ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, q, direction, domain.OfferStatusAvailable, window.From, window.To)
	if err != nil {
		return nil, wrapErr("repo.Postgres.FindCandidates", err)
	}
	defer rows.Close()
	var out []domain.RideOffer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, wrapErr("repo.Postgres.FindCandidates: scan", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("repo.Postgres.FindCandidates: rows", err)
	}
	return out, nil
}

func (r *PostgresRepository) FindOffersByDriver(ctx context.Context, driverID uuid.UUID, status *domain.OfferStatus) ([]domain.RideOffer, error) {
	const op = "repo.Postgres.FindOffersByDriver"
	q := `SELECT ` + offerColumns + ` FROM ride_offers WHERE driver_id = $1`
	args := []any{driverID}
	if status != nil {
		q += ` AND status = $2`
		args = append(args, *status)
	}
	rows, err := r.db.QueryContext(ctx, q+` ORDER BY created_at DESC, id`, args...)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer rows.Close()
	out := []domain.RideOffer{}
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, wrapErr(op+": scan", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(op+": rows", err)
	}
	return out, nil
}

func (r *PostgresRepository) UpdateOfferStatus(ctx context.Context, id uuid.UUID, status domain.OfferStatus) (domain.RideOffer, error) {
	const q = `
		UPDATE ride_offers
		SET status = $1, version = version + 1, updated_at = $2
		WHERE id = $3
		RETURNING ` + offerColumns

	out, err := scanOffer(r.db.QueryRowContext(ctx, q, status, r.clock.Now(), id))
	if err != nil {
		return domain.RideOffer{}, wrapErr("repo.Postgres.UpdateOfferStatus", err)
	}
	return out, nil
}

func (r *PostgresRepository) ReserveSeats(ctx context.Context, id uuid.UUID, seats int) (domain.RideOffer, error) {
	return r.applySeats(ctx, "repo.Postgres.ReserveSeats", id, func(o *domain.RideOffer) error {
		return ledger.Reserve(o, seats)
	})
}

func (r *PostgresRepository) ReleaseSeats(ctx context.Context, id uuid.UUID, seats int) (domain.RideOffer, error) {
	return r.applySeats(ctx, "repo.Postgres.ReleaseSeats", id, func(o *domain.RideOffer) error {
		return ledger.Release(o, seats)
	})
}

// applySeats locks the offer row, applies the ledger change and writes it
// back guarded by the version it read.
func (r *PostgresRepository) applySeats(ctx context.Context, op string, id uuid.UUID, change func(*domain.RideOffer) error) (domain.RideOffer, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return domain.RideOffer{}, wrapErr(op+": begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	offer, err := scanOffer(tx.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM ride_offers WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return domain.RideOffer{}, wrapErr(op+": lock", err)
	}
	if err := change(&offer); err != nil {
		return domain.RideOffer{}, err
	}

	now := r.clock.Now()
	res, err := tx.ExecContext(ctx, `
		UPDATE ride_offers
		SET available_seats = $1, status = $2, version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5`,
		offer.AvailableSeats, offer.Status, now, offer.ID, offer.Version)
	if err != nil {
		return domain.RideOffer{}, wrapErr(op+": update", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return domain.RideOffer{}, wrapErr(op+": update", err)
	} else if n == 0 {
		return domain.RideOffer{}, fmt.Errorf("%s: offer %s: %w", op, id, domain.ErrConflict)
	}
	if err := tx.Commit(); err != nil {
		return domain.RideOffer{}, wrapErr(op+": commit", err)
	}
	offer.Version++
	offer.UpdatedAt = now
	return offer, nil
}

const bookingColumns = `id, offer_id, request_id, rider_id, driver_id, seats_booked, status, notes, created_at, updated_at`

func scanBooking(s scanner) (domain.Booking, error) {
	var (
		b         domain.Booking
		requestID uuid.NullUUID
	)
	err := s.Scan(&b.ID, &b.OfferID, &requestID, &b.RiderID, &b.DriverID, &b.SeatsBooked,
		&b.Status, &b.Notes, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return domain.Booking{}, err
	}
	if requestID.Valid {
		id := requestID.UUID
		b.RequestID = &id
	}
	return b, nil
}

func (r *PostgresRepository) CreateBooking(ctx context.Context, booking domain.Booking) (domain.Booking, error) {
	const q = `
		INSERT INTO bookings (id, offer_id, request_id, rider_id, driver_id, seats_booked, status, notes,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING ` + bookingColumns

	if booking.ID == uuid.Nil {
		booking.ID = uuid.New()
	}
	var requestID uuid.NullUUID
	if booking.RequestID != nil {
		requestID = uuid.NullUUID{UUID: *booking.RequestID, Valid: true}
	}
	row := r.db.QueryRowContext(ctx, q, booking.ID, booking.OfferID, requestID, booking.RiderID,
		booking.DriverID, booking.SeatsBooked, booking.Status, booking.Notes, r.clock.Now())
	out, err := scanBooking(row)
	if err != nil {
		return domain.Booking{}, wrapErr("repo.Postgres.CreateBooking", err)
	}
	return out, nil
}

func (r *PostgresRepository) GetBookingByID(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	out, err := scanBooking(r.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if err != nil {
		return domain.Booking{}, wrapErr("repo.Postgres.GetBookingByID", err)
	}
	return out, nil
}

// TransitionBooking is a compare-and-set on the booking status; illegal moves
// never reach the database.
func (r *PostgresRepository) TransitionBooking(ctx context.Context, id uuid.UUID, from, to domain.BookingStatus) (domain.Booking, error) {
	const q = `
		UPDATE bookings
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4
		RETURNING ` + bookingColumns

	if !from.CanTransitionTo(to) {
		return domain.Booking{}, &domain.TransitionError{From: from, To: to}
	}
	out, err := scanBooking(r.db.QueryRowContext(ctx, q, to, r.clock.Now(), id, from))
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Booking{}, wrapErr("repo.Postgres.TransitionBooking", err)
	}
	current, err := r.GetBookingByID(ctx, id)
	if err != nil {
		return domain.Booking{}, err
	}
	return domain.Booking{}, fmt.Errorf("repo.Postgres.TransitionBooking: booking %s is %s, expected %s: %w",
		id, current.Status, from, domain.ErrConflict)
}

func (r *PostgresRepository) FindBookingsByOffer(ctx context.Context, offerID uuid.UUID) ([]domain.Booking, error) {
	return r.queryBookings(ctx, "repo.Postgres.FindBookingsByOffer",
		`SELECT `+bookingColumns+` FROM bookings WHERE offer_id = $1 ORDER BY created_at DESC, id`, offerID)
}

func (r *PostgresRepository) FindBookingsByRider(ctx context.Context, riderID uuid.UUID, status *domain.BookingStatus) ([]domain.Booking, error) {
	if status == nil {
		return r.queryBookings(ctx, "repo.Postgres.FindBookingsByRider",
			`SELECT `+bookingColumns+` FROM bookings WHERE rider_id = $1 ORDER BY created_at DESC, id`, riderID)
	}
	return r.queryBookings(ctx, "repo.Postgres.FindBookingsByRider",
		`SELECT `+bookingColumns+` FROM bookings WHERE rider_id = $1 AND status = $2 ORDER BY created_at DESC, id`, riderID, *status)
}

func (r *PostgresRepository) FindBookingsByDriver(ctx context.Context, driverID uuid.UUID, status *domain.BookingStatus) ([]domain.Booking, error) {
	if status == nil {
		return r.queryBookings(ctx, "repo.Postgres.FindBookingsByDriver",
			`SELECT `+bookingColumns+` FROM bookings WHERE driver_id = $1 ORDER BY created_at DESC, id`, driverID)
	}
	return r.queryBookings(ctx, "repo.Postgres.FindBookingsByDriver",
		`SELECT `+bookingColumns+` FROM bookings WHERE driver_id = $1 AND status = $2 ORDER BY created_at DESC, id`, driverID, *status)
}

func (r *PostgresRepository) queryBookings(ctx context.Context, op, q string, args ...any) ([]domain.Booking, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer rows.Close()
	out := []domain.Booking{}
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, wrapErr(op+": scan", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(op+": rows", err)
	}
	return out, nil
}

// CreateNotification stores the notification and queues it on the outbox in
// the same transaction.
func (r *PostgresRepository) CreateNotification(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	const op = "repo.Postgres.CreateNotification"
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = r.clock.Now()
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return domain.Notification{}, fmt.Errorf("%s: marshal: %w", op, err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Notification{}, wrapErr(op+": begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO notifications (id, sender_id, receiver_id, type, message, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		n.ID, n.SenderID, n.ReceiverID, n.Type, n.Message, n.IsRead, n.CreatedAt); err != nil {
		return domain.Notification{}, wrapErr(op, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO outbox (topic, payload, published) VALUES ($1, $2, false)`,
		r.notificationTopic, payload); err != nil {
		return domain.Notification{}, wrapErr(op+": outbox", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Notification{}, wrapErr(op+": commit", err)
	}
	return n, nil
}

func (r *PostgresRepository) FindNotificationsByReceiver(ctx context.Context, receiverID uuid.UUID) ([]domain.Notification, error) {
	const op = "repo.Postgres.FindNotificationsByReceiver"
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, sender_id, receiver_id, type, message, is_read, created_at
		FROM notifications
		WHERE receiver_id = $1
		ORDER BY created_at DESC, id`, receiverID)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer rows.Close()
	out := []domain.Notification{}
	for rows.Next() {
		var n domain.Notification
		if err := rows.Scan(&n.ID, &n.SenderID, &n.ReceiverID, &n.Type, &n.Message, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, wrapErr(op+": scan", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(op+": rows", err)
	}
	return out, nil
}
