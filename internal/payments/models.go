package payments

import (
	"github.com/google/uuid"
)

// Participant payment statuses mirrored from the booking tables. Transitions
// form a DAG driven by provider webhooks; there are no backward edges.
const (
	StatusUnpaid   = "unpaid"
	StatusPending  = "pending"
	StatusPaid     = "paid"
	StatusFailed   = "failed"
	StatusCanceled = "canceled"
	StatusRefunded = "refunded"
)

// Provider name used in webhook ledger keys.
const providerStripe = "stripe"

// Booking is the payments view of one rider participant joined with its trip:
// exactly the columns the coordinator reads and guards on.
type Booking struct {
	ParticipantID   uuid.UUID `json:"participant_id"`
	TripID          uuid.UUID `json:"trip_id"`
	RiderID         uuid.UUID `json:"rider_id"`
	DriverID        uuid.UUID `json:"driver_id"`
	Status          string    `json:"status"`
	SeatsHeld       int       `json:"seats_held"`
	PricePerSeat    float64   `json:"price_per_seat"`
	Currency        string    `json:"currency"`
	PaymentIntentID *string   `json:"payment_intent_id,omitempty"`
	PaymentStatus   string    `json:"payment_status"`
}

// AmountMinor returns the charge for this booking in minor units:
// pricePerSeat x seatsHeld, rounded to cents.
func (b *Booking) AmountMinor() int64 {
	return int64(b.PricePerSeat*100*float64(b.SeatsHeld) + 0.5)
}

// IntentResponse is the client-facing result of createIntent.
type IntentResponse struct {
	PaymentIntentID string `json:"payment_intent_id"`
	ClientSecret    string `json:"client_secret"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	Replay          bool   `json:"replay,omitempty"`
}

// WebhookResult is the acknowledgement returned to the provider.
type WebhookResult struct {
	Received bool `json:"received"`
	Replay   bool `json:"replay,omitempty"`
}
