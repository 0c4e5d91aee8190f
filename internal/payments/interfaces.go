package payments

import (
	"context"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v83"
)

// BookingStore is the persistence surface the coordinator runs against. Every
// mutation is a guarded conditional UPDATE: the bool return tells the caller
// whether its transition won.
type BookingStore interface {
	GetBooking(ctx context.Context, participantID uuid.UUID) (*Booking, error)
	GetBookingByIntent(ctx context.Context, intentID string) (*Booking, error)

	// ClaimIntent binds the intent to the participant and moves the payment
	// to pending, unless another writer already holds a pending intent.
	ClaimIntent(ctx context.Context, participantID uuid.UUID, intentID string) (bool, error)

	// MarkPaid transitions pending/failed/canceled -> paid for the given
	// participant-intent pair and stamps paymentCompletedAt.
	MarkPaid(ctx context.Context, participantID uuid.UUID, intentID string) (bool, error)
	// MarkFailed transitions pending -> failed.
	MarkFailed(ctx context.Context, participantID uuid.UUID, intentID string) (bool, error)
	// MarkCanceled transitions pending -> canceled.
	MarkCanceled(ctx context.Context, participantID uuid.UUID, intentID string) (bool, error)
}

// StripeClient is the provider surface the coordinator depends on.
type StripeClient interface {
	CreatePaymentIntent(amount int64, currency, description string, metadata map[string]string) (*stripe.PaymentIntent, error)
	GetPaymentIntent(paymentIntentID string) (*stripe.PaymentIntent, error)
	CancelPaymentIntent(paymentIntentID string) (*stripe.PaymentIntent, error)
}
