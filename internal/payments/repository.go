package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const bookingColumns = `
	p.id, p.trip_id, p.user_id, t.driver_id, p.status, p.seats_held,
	t.price_per_seat, t.currency, p.payment_intent_id, p.payment_status`

// Repository reads rider participants joined with their trip and applies the
// guarded payment-status transitions.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a payments repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking
	err := row.Scan(
		&b.ParticipantID, &b.TripID, &b.RiderID, &b.DriverID, &b.Status, &b.SeatsHeld,
		&b.PricePerSeat, &b.Currency, &b.PaymentIntentID, &b.PaymentStatus,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan booking: %w", err)
	}
	return &b, nil
}

// GetBooking loads the payments view of one rider participant.
func (r *Repository) GetBooking(ctx context.Context, participantID uuid.UUID) (*Booking, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM trip_participants p
		JOIN trips t ON t.id = p.trip_id
		WHERE p.id = $1 AND p.role = 'rider'`,
		participantID,
	)
	return scanBooking(row)
}

// GetBookingByIntent loads the participant bound to the given intent.
func (r *Repository) GetBookingByIntent(ctx context.Context, intentID string) (*Booking, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM trip_participants p
		JOIN trips t ON t.id = p.trip_id
		WHERE p.payment_intent_id = $1 AND p.role = 'rider'`,
		intentID,
	)
	return scanBooking(row)
}

// ClaimIntent binds the intent and moves the payment to pending. Loses when
// another writer already holds a pending intent on the row.
func (r *Repository) ClaimIntent(ctx context.Context, participantID uuid.UUID, intentID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE trip_participants
		SET payment_intent_id = $1, payment_status = 'pending'
		WHERE id = $2 AND (payment_intent_id IS NULL OR payment_status != 'pending')`,
		intentID, participantID,
	)
	if err != nil {
		return false, fmt.Errorf("claim payment intent: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkPaid applies the succeeded webhook transition.
func (r *Repository) MarkPaid(ctx context.Context, participantID uuid.UUID, intentID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE trip_participants
		SET payment_status = 'paid', payment_completed_at = NOW()
		WHERE id = $1 AND payment_intent_id = $2
		  AND payment_status IN ('pending', 'failed', 'canceled')`,
		participantID, intentID,
	)
	if err != nil {
		return false, fmt.Errorf("mark paid: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkFailed applies the payment_failed webhook transition.
func (r *Repository) MarkFailed(ctx context.Context, participantID uuid.UUID, intentID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE trip_participants
		SET payment_status = 'failed'
		WHERE id = $1 AND payment_intent_id = $2 AND payment_status = 'pending'`,
		participantID, intentID,
	)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkCanceled applies the canceled webhook transition.
func (r *Repository) MarkCanceled(ctx context.Context, participantID uuid.UUID, intentID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE trip_participants
		SET payment_status = 'canceled'
		WHERE id = $1 AND payment_intent_id = $2 AND payment_status = 'pending'`,
		participantID, intentID,
	)
	if err != nil {
		return false, fmt.Errorf("mark canceled: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

var _ BookingStore = (*Repository)(nil)
