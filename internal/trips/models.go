package trips

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/lifthub/carpool/pkg/geo"
)

// Trip statuses. Cancelled and completed are terminal.
const (
	TripScheduled = "scheduled"
	TripActive    = "active"
	TripCompleted = "completed"
	TripCancelled = "cancelled"
	TripExpired   = "expired"
)

// Participant roles.
const (
	RoleDriver = "driver"
	RoleRider  = "rider"
)

// Participant statuses. Rejected, cancelled and completed are terminal;
// completed still accepts a single rating write.
const (
	ParticipantRequested = "requested"
	ParticipantAccepted  = "accepted"
	ParticipantRejected  = "rejected"
	ParticipantCompleted = "completed"
	ParticipantCancelled = "cancelled"
)

// Payment statuses. Transitions form a DAG; there are no backward edges.
const (
	PaymentUnpaid   = "unpaid"
	PaymentPending  = "pending"
	PaymentPaid     = "paid"
	PaymentFailed   = "failed"
	PaymentCanceled = "canceled"
	PaymentRefunded = "refunded"
)

// Waitlist statuses.
const (
	WaitlistWaiting   = "waiting"
	WaitlistPromoted  = "promoted"
	WaitlistCancelled = "cancelled"
)

// Trip is a bookable trip with seat inventory. The invariant
// availableSeats + sum(seatsHeld of accepted participants) = totalSeats
// holds across every mutation.
type Trip struct {
	ID             uuid.UUID       `json:"id"`
	DriverID       uuid.UUID       `json:"driver_id"`
	Origin         geo.Point       `json:"origin"`
	Destination    geo.Point       `json:"destination"`
	DepartureTime  time.Time       `json:"departure_time"`
	ArrivalTime    *time.Time      `json:"arrival_time,omitempty"`
	TotalSeats     int             `json:"total_seats"`
	AvailableSeats int             `json:"available_seats"`
	PricePerSeat   float64         `json:"price_per_seat"`
	Currency       string          `json:"currency"`
	Vehicle        json.RawMessage `json:"vehicle,omitempty"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Participant is one user's membership on a trip, unique per (trip, user).
type Participant struct {
	ID                 uuid.UUID  `json:"id"`
	TripID             uuid.UUID  `json:"trip_id"`
	UserID             uuid.UUID  `json:"user_id"`
	Role               string     `json:"role"`
	Status             string     `json:"status"`
	SeatsHeld          int        `json:"seats_held"`
	PickupLat          float64    `json:"pickup_lat"`
	PickupLng          float64    `json:"pickup_lng"`
	DropoffLat         float64    `json:"dropoff_lat"`
	DropoffLng         float64    `json:"dropoff_lng"`
	PaymentIntentID    *string    `json:"payment_intent_id,omitempty"`
	PaymentStatus      string     `json:"payment_status"`
	PaymentCompletedAt *time.Time `json:"payment_completed_at,omitempty"`
	PayoutStatus       string     `json:"payout_status,omitempty"`
	Rating             *int       `json:"rating,omitempty"`
	ReviewEncrypted    *string    `json:"-"`
	CreatedAt          time.Time  `json:"created_at"`
}

// WaitlistEntry is a FIFO waitlist row for a full trip.
type WaitlistEntry struct {
	ID       uuid.UUID `json:"id"`
	TripID   uuid.UUID `json:"trip_id"`
	UserID   uuid.UUID `json:"user_id"`
	Seats    int       `json:"seats"`
	Status   string    `json:"status"`
	JoinedAt time.Time `json:"joined_at"`
}

// SearchCriteria filters the available-trip listing.
type SearchCriteria struct {
	Pickup       *geo.Point
	Dropoff      *geo.Point
	RadiusKm     float64
	DepartAfter  *time.Time
	DepartBefore *time.Time
	MinSeats     int
	Limit        int
	Offset       int
}
