package trips

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the seat-inventory persistence surface the booking state machine
// runs against. Guarded UPDATEs double as the serialisation mechanism: the
// row count tells the caller whether its transition won.
type Store interface {
	CreateTrip(ctx context.Context, trip *Trip) error
	GetTrip(ctx context.Context, id uuid.UUID) (*Trip, error)
	SearchAvailable(ctx context.Context, criteria SearchCriteria) ([]*Trip, error)
	UpdateTripStatus(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error)

	// ReserveSeats decrements availableSeats only while enough remain.
	ReserveSeats(ctx context.Context, tripID uuid.UUID, seats int) (bool, error)
	// ReleaseSeats increments availableSeats capped at totalSeats.
	ReleaseSeats(ctx context.Context, tripID uuid.UUID, seats int) error

	InsertParticipant(ctx context.Context, p *Participant) error
	GetParticipant(ctx context.Context, id uuid.UUID) (*Participant, error)
	GetParticipantByTripAndUser(ctx context.Context, tripID, userID uuid.UUID) (*Participant, error)
	ListParticipants(ctx context.Context, tripID uuid.UUID) ([]*Participant, error)
	UpdateParticipantStatus(ctx context.Context, id uuid.UUID, from []string, to string) (bool, error)
	// TransitionParticipant is UpdateParticipantStatus reporting the status
	// the row held before the transition, so callers can branch on the
	// actual prior state rather than a pre-read.
	TransitionParticipant(ctx context.Context, id uuid.UUID, from []string, to string) (string, bool, error)
	CancelAcceptedParticipants(ctx context.Context, tripID uuid.UUID) ([]*Participant, error)
	CompleteAcceptedParticipants(ctx context.Context, tripID uuid.UUID) (int64, error)
	SetRating(ctx context.Context, participantID uuid.UUID, rating int, reviewEncrypted *string) (bool, error)

	JoinWaitlist(ctx context.Context, tripID, userID uuid.UUID, seats int) (*WaitlistEntry, error)
	OldestWaiting(ctx context.Context, tripID uuid.UUID, maxSeats int) (*WaitlistEntry, error)
	PromoteWaitlistEntry(ctx context.Context, entryID uuid.UUID) (bool, error)

	ExpireStaleTrips(ctx context.Context, now time.Time) (int64, error)
}
