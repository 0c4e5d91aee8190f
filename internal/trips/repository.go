package trips

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lifthub/carpool/pkg/common"
)

// Repository is the pgx-backed inventory store.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new trips repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateTrip inserts a trip with its full seat inventory available.
func (r *Repository) CreateTrip(ctx context.Context, trip *Trip) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO trips (
			id, driver_id, origin_lat, origin_lng, dest_lat, dest_lng,
			departure_time, arrival_time, total_seats, available_seats,
			price_per_seat, currency, vehicle_json, status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		trip.ID, trip.DriverID,
		trip.Origin.Lat, trip.Origin.Lng, trip.Destination.Lat, trip.Destination.Lng,
		trip.DepartureTime, trip.ArrivalTime, trip.TotalSeats, trip.AvailableSeats,
		trip.PricePerSeat, trip.Currency, trip.Vehicle, trip.Status, trip.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create trip: %w", err)
	}
	return nil
}

const tripColumns = `
	id, driver_id, origin_lat, origin_lng, dest_lat, dest_lng,
	departure_time, arrival_time, total_seats, available_seats,
	price_per_seat, currency, vehicle_json, status, created_at`

func scanTrip(row pgx.Row) (*Trip, error) {
	var trip Trip
	err := row.Scan(
		&trip.ID, &trip.DriverID,
		&trip.Origin.Lat, &trip.Origin.Lng, &trip.Destination.Lat, &trip.Destination.Lng,
		&trip.DepartureTime, &trip.ArrivalTime, &trip.TotalSeats, &trip.AvailableSeats,
		&trip.PricePerSeat, &trip.Currency, &trip.Vehicle, &trip.Status, &trip.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &trip, nil
}

// GetTrip loads a trip by id.
func (r *Repository) GetTrip(ctx context.Context, id uuid.UUID) (*Trip, error) {
	row := r.db.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id)
	trip, err := scanTrip(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get trip: %w", err)
	}
	return trip, nil
}

// SearchAvailable lists scheduled trips with free seats matching the
// criteria. The proximity filter is a coarse degree-box around the pickup;
// precise corridor matching belongs to the matcher.
func (r *Repository) SearchAvailable(ctx context.Context, c SearchCriteria) ([]*Trip, error) {
	limit := c.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	minSeats := c.MinSeats
	if minSeats <= 0 {
		minSeats = 1
	}

	query := `SELECT ` + tripColumns + `
		FROM trips
		WHERE status = $1 AND available_seats >= $2 AND departure_time > NOW()`
	args := []interface{}{TripScheduled, minSeats}

	if c.Pickup != nil {
		radius := c.RadiusKm
		if radius <= 0 {
			radius = 10
		}
		deg := radius / 111.0
		args = append(args, c.Pickup.Lat-deg, c.Pickup.Lat+deg, c.Pickup.Lng-deg, c.Pickup.Lng+deg)
		query += fmt.Sprintf(" AND origin_lat BETWEEN $%d AND $%d AND origin_lng BETWEEN $%d AND $%d",
			len(args)-3, len(args)-2, len(args)-1, len(args))
	}
	if c.DepartAfter != nil {
		args = append(args, *c.DepartAfter)
		query += fmt.Sprintf(" AND departure_time >= $%d", len(args))
	}
	if c.DepartBefore != nil {
		args = append(args, *c.DepartBefore)
		query += fmt.Sprintf(" AND departure_time <= $%d", len(args))
	}

	args = append(args, limit, c.Offset)
	query += fmt.Sprintf(" ORDER BY departure_time ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search trips: %w", err)
	}
	defer rows.Close()

	var out []*Trip
	for rows.Next() {
		trip, err := scanTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trip: %w", err)
		}
		out = append(out, trip)
	}
	return out, rows.Err()
}

// UpdateTripStatus transitions a trip guarded by its current status.
func (r *Repository) UpdateTripStatus(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE trips SET status = $1 WHERE id = $2 AND status = ANY($3)`,
		to, id, from,
	)
	if err != nil {
		return false, fmt.Errorf("update trip status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReserveSeats atomically claims seats. Zero rows affected means contention
// or an insufficient balance; the caller treats both as a conflict.
func (r *Repository) ReserveSeats(ctx context.Context, tripID uuid.UUID, seats int) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE trips SET available_seats = available_seats - $1
		 WHERE id = $2 AND available_seats >= $1`,
		seats, tripID,
	)
	if err != nil {
		return false, fmt.Errorf("reserve seats: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseSeats returns seats to the pool, capped at total_seats.
func (r *Repository) ReleaseSeats(ctx context.Context, tripID uuid.UUID, seats int) error {
	_, err := r.db.Exec(ctx,
		`UPDATE trips SET available_seats = LEAST(available_seats + $1, total_seats)
		 WHERE id = $2`,
		seats, tripID,
	)
	if err != nil {
		return fmt.Errorf("release seats: %w", err)
	}
	return nil
}

// InsertParticipant adds a participant row. The unique (trip_id, user_id)
// index rejects double bookings; that surfaces as common.ErrConflict.
func (r *Repository) InsertParticipant(ctx context.Context, p *Participant) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO trip_participants (
			id, trip_id, user_id, role, status, seats_held,
			pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
			payment_status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		p.ID, p.TripID, p.UserID, p.Role, p.Status, p.SeatsHeld,
		p.PickupLat, p.PickupLng, p.DropoffLat, p.DropoffLng,
		p.PaymentStatus, p.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("participant exists: %w", common.ErrConflict)
		}
		return fmt.Errorf("insert participant: %w", err)
	}
	return nil
}

const participantColumns = `
	id, trip_id, user_id, role, status, seats_held,
	pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
	payment_intent_id, payment_status, payment_completed_at,
	payout_status, rating, review_encrypted, created_at`

func scanParticipant(row pgx.Row) (*Participant, error) {
	var p Participant
	err := row.Scan(
		&p.ID, &p.TripID, &p.UserID, &p.Role, &p.Status, &p.SeatsHeld,
		&p.PickupLat, &p.PickupLng, &p.DropoffLat, &p.DropoffLng,
		&p.PaymentIntentID, &p.PaymentStatus, &p.PaymentCompletedAt,
		&p.PayoutStatus, &p.Rating, &p.ReviewEncrypted, &p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetParticipant loads a participant by id.
func (r *Repository) GetParticipant(ctx context.Context, id uuid.UUID) (*Participant, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM trip_participants WHERE id = $1`, id)
	p, err := scanParticipant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get participant: %w", err)
	}
	return p, nil
}

// GetParticipantByTripAndUser loads the unique (trip, user) participant row.
func (r *Repository) GetParticipantByTripAndUser(ctx context.Context, tripID, userID uuid.UUID) (*Participant, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+participantColumns+` FROM trip_participants
		 WHERE trip_id = $1 AND user_id = $2`, tripID, userID)
	p, err := scanParticipant(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get participant by trip/user: %w", err)
	}
	return p, nil
}

// ListParticipants returns all participants on a trip, oldest first.
func (r *Repository) ListParticipants(ctx context.Context, tripID uuid.UUID) ([]*Participant, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+participantColumns+` FROM trip_participants
		 WHERE trip_id = $1 ORDER BY created_at ASC`, tripID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	var out []*Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateParticipantStatus transitions a participant guarded by its current
// status. Concurrent accept/reject/cancel serialise on this row update.
func (r *Repository) UpdateParticipantStatus(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE trip_participants SET status = $1 WHERE id = $2 AND status = ANY($3)`,
		to, id, from,
	)
	if err != nil {
		return false, fmt.Errorf("update participant status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TransitionParticipant performs the guarded transition and returns the
// status the row held before it. The self-join exposes the pre-update row.
func (r *Repository) TransitionParticipant(ctx context.Context, id uuid.UUID, from []string, to string) (string, bool, error) {
	var prev string
	err := r.db.QueryRow(ctx,
		`UPDATE trip_participants p SET status = $1
		 FROM trip_participants old
		 WHERE p.id = $2 AND old.id = p.id AND p.status = ANY($3)
		 RETURNING old.status`,
		to, id, from,
	).Scan(&prev)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("transition participant: %w", err)
	}
	return prev, true, nil
}

// CancelAcceptedParticipants cancels every accepted rider on a cancelled
// trip and returns the affected rows so callers can notify.
func (r *Repository) CancelAcceptedParticipants(ctx context.Context, tripID uuid.UUID) ([]*Participant, error) {
	rows, err := r.db.Query(ctx,
		`UPDATE trip_participants SET status = $1
		 WHERE trip_id = $2 AND role = $3 AND status IN ($4, $5)
		 RETURNING `+participantColumns,
		ParticipantCancelled, tripID, RoleRider, ParticipantRequested, ParticipantAccepted,
	)
	if err != nil {
		return nil, fmt.Errorf("cancel accepted participants: %w", err)
	}
	defer rows.Close()

	var out []*Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cancelled participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CompleteAcceptedParticipants flips every accepted participant on a
// completed trip to completed.
func (r *Repository) CompleteAcceptedParticipants(ctx context.Context, tripID uuid.UUID) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE trip_participants SET status = $1
		 WHERE trip_id = $2 AND status = $3`,
		ParticipantCompleted, tripID, ParticipantAccepted,
	)
	if err != nil {
		return 0, fmt.Errorf("complete participants: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SetRating records a rating exactly once on a completed participant.
func (r *Repository) SetRating(ctx context.Context, participantID uuid.UUID, rating int, reviewEncrypted *string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE trip_participants SET rating = $1, review_encrypted = $2
		 WHERE id = $3 AND status = $4 AND rating IS NULL`,
		rating, reviewEncrypted, participantID, ParticipantCompleted,
	)
	if err != nil {
		return false, fmt.Errorf("set rating: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// JoinWaitlist appends a waiting row. A user waits at most once per trip.
func (r *Repository) JoinWaitlist(ctx context.Context, tripID, userID uuid.UUID, seats int) (*WaitlistEntry, error) {
	entry := &WaitlistEntry{
		ID:       uuid.New(),
		TripID:   tripID,
		UserID:   userID,
		Seats:    seats,
		Status:   WaitlistWaiting,
		JoinedAt: time.Now().UTC(),
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO trip_waitlist (id, trip_id, user_id, seats, status, joined_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		entry.ID, entry.TripID, entry.UserID, entry.Seats, entry.Status, entry.JoinedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("already waitlisted: %w", common.ErrConflict)
		}
		return nil, fmt.Errorf("join waitlist: %w", err)
	}
	return entry, nil
}

// OldestWaiting returns the FIFO head that fits within maxSeats, if any.
func (r *Repository) OldestWaiting(ctx context.Context, tripID uuid.UUID, maxSeats int) (*WaitlistEntry, error) {
	var entry WaitlistEntry
	err := r.db.QueryRow(ctx,
		`SELECT id, trip_id, user_id, seats, status, joined_at
		 FROM trip_waitlist
		 WHERE trip_id = $1 AND status = $2 AND seats <= $3
		 ORDER BY joined_at ASC
		 LIMIT 1`,
		tripID, WaitlistWaiting, maxSeats,
	).Scan(&entry.ID, &entry.TripID, &entry.UserID, &entry.Seats, &entry.Status, &entry.JoinedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("oldest waiting: %w", err)
	}
	return &entry, nil
}

// PromoteWaitlistEntry flips a waiting row to promoted; the row count
// resolves races between concurrent promotions.
func (r *Repository) PromoteWaitlistEntry(ctx context.Context, entryID uuid.UUID) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE trip_waitlist SET status = $1 WHERE id = $2 AND status = $3`,
		WaitlistPromoted, entryID, WaitlistWaiting,
	)
	if err != nil {
		return false, fmt.Errorf("promote waitlist entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExpireStaleTrips marks scheduled trips whose departure has long passed.
func (r *Repository) ExpireStaleTrips(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE trips SET status = $1
		 WHERE status = $2 AND departure_time < $3`,
		TripExpired, TripScheduled, now.Add(-24*time.Hour),
	)
	if err != nil {
		return 0, fmt.Errorf("expire stale trips: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ Store = (*Repository)(nil)
