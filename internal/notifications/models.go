package notifications

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Notification is a durable row surfaced to the user's inbox. Delivery
// channels (email, push) are handled elsewhere; this table is the record.
type Notification struct {
	ID        uuid.UUID       `json:"id"`
	UserID    uuid.UUID       `json:"user_id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	Data      json.RawMessage `json:"data,omitempty"`
	ReadAt    *time.Time      `json:"read_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Notification types written by the booking and payment flows.
const (
	TypeBookingRequested = "booking_requested"
	TypeBookingAccepted  = "booking_accepted"
	TypeBookingRejected  = "booking_rejected"
	TypeTripCancelled    = "trip_cancelled"
	TypeWaitlistPromoted = "waitlist_promoted"
	TypePaymentSucceeded = "payment_succeeded"
	TypePaymentFailed    = "payment_failed"
)
