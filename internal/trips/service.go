package trips

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lifthub/carpool/internal/notifications"
	"github.com/lifthub/carpool/pkg/common"
	"github.com/lifthub/carpool/pkg/eventbus"
	"github.com/lifthub/carpool/pkg/geo"
	"github.com/lifthub/carpool/pkg/logger"
	"github.com/lifthub/carpool/pkg/security"
)

// Service is the booking state machine over (trip, participant). Every
// transition is a guarded conditional UPDATE; the row count decides races.
// Notifications and events are best-effort and never fail a command.
type Service struct {
	store  Store
	bus    eventbus.Bus
	notify notifications.Writer
	cipher *security.Cipher
}

// NewService creates a booking service. bus, notify and cipher may be nil in
// tests.
func NewService(store Store, bus eventbus.Bus, notify notifications.Writer, cipher *security.Cipher) *Service {
	return &Service{store: store, bus: bus, notify: notify, cipher: cipher}
}

func (s *Service) emit(topic string, payload interface{}, userIDs ...uuid.UUID) {
	if s.bus == nil {
		return
	}
	for _, id := range userIDs {
		s.bus.Emit(topic, payload, id.String())
	}
}

func (s *Service) writeNotification(ctx context.Context, userID uuid.UUID, notifType, title, body string, data interface{}) {
	if s.notify == nil {
		return
	}
	if err := s.notify.Insert(ctx, userID, notifType, title, body, data); err != nil {
		logger.WarnContext(ctx, "notification write failed",
			zap.String("user_id", userID.String()),
			zap.String("type", notifType),
			zap.Error(err))
	}
}

// TripInput is a validated new-trip payload.
type TripInput struct {
	DriverID      uuid.UUID
	Origin        geo.Point
	Destination   geo.Point
	DepartureTime time.Time
	ArrivalTime   *time.Time
	TotalSeats    int
	PricePerSeat  float64
	Currency      string
	Vehicle       []byte
}

// CreateTrip publishes a bookable trip. The driver gets the single accepted
// driver-role participant row.
func (s *Service) CreateTrip(ctx context.Context, input TripInput) (*Trip, error) {
	if input.DepartureTime.Before(time.Now()) {
		return nil, common.NewValidationError("departure time must be in the future")
	}

	trip := &Trip{
		ID:             uuid.New(),
		DriverID:       input.DriverID,
		Origin:         input.Origin,
		Destination:    input.Destination,
		DepartureTime:  input.DepartureTime.UTC(),
		ArrivalTime:    input.ArrivalTime,
		TotalSeats:     input.TotalSeats,
		AvailableSeats: input.TotalSeats,
		PricePerSeat:   input.PricePerSeat,
		Currency:       input.Currency,
		Vehicle:        input.Vehicle,
		Status:         TripScheduled,
		CreatedAt:      time.Now().UTC(),
	}
	if trip.Currency == "" {
		trip.Currency = "zar"
	}

	if err := s.store.CreateTrip(ctx, trip); err != nil {
		return nil, err
	}

	driver := &Participant{
		ID:            uuid.New(),
		TripID:        trip.ID,
		UserID:        input.DriverID,
		Role:          RoleDriver,
		Status:        ParticipantAccepted,
		SeatsHeld:     0,
		PaymentStatus: PaymentUnpaid,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.InsertParticipant(ctx, driver); err != nil {
		return nil, err
	}

	s.emit(eventbus.TopicTripCreated, trip, trip.DriverID)
	return trip, nil
}

// SearchAvailable lists bookable trips.
func (s *Service) SearchAvailable(ctx context.Context, criteria SearchCriteria) ([]*Trip, error) {
	return s.store.SearchAvailable(ctx, criteria)
}

// GetTrip loads a trip, with NOT_FOUND mapped for handlers.
func (s *Service) GetTrip(ctx context.Context, id uuid.UUID) (*Trip, error) {
	trip, err := s.store.GetTrip(ctx, id)
	if err != nil {
		return nil, err
	}
	if trip == nil {
		return nil, common.NewNotFoundError("trip not found", nil)
	}
	return trip, nil
}

// BookInput is a validated booking payload.
type BookInput struct {
	TripID  uuid.UUID
	UserID  uuid.UUID
	Pickup  geo.Point
	Dropoff geo.Point
	Seats   int
}

// BookTrip inserts a requested participant. Seats are not reserved yet; the
// hold happens when the driver accepts.
func (s *Service) BookTrip(ctx context.Context, input BookInput) (*Participant, error) {
	if input.Seats < 1 || input.Seats > 4 {
		return nil, common.NewValidationError("seats must be between 1 and 4")
	}

	trip, err := s.GetTrip(ctx, input.TripID)
	if err != nil {
		return nil, err
	}
	if trip.Status != TripScheduled {
		return nil, common.NewConflictError("trip is not open for booking")
	}
	if trip.DriverID == input.UserID {
		return nil, common.NewConflictError("driver cannot book their own trip")
	}
	if trip.AvailableSeats < input.Seats {
		return nil, common.NewConflictError("not enough seats available")
	}

	p := &Participant{
		ID:            uuid.New(),
		TripID:        input.TripID,
		UserID:        input.UserID,
		Role:          RoleRider,
		Status:        ParticipantRequested,
		SeatsHeld:     input.Seats,
		PickupLat:     input.Pickup.Lat,
		PickupLng:     input.Pickup.Lng,
		DropoffLat:    input.Dropoff.Lat,
		DropoffLng:    input.Dropoff.Lng,
		PaymentStatus: PaymentUnpaid,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.InsertParticipant(ctx, p); err != nil {
		if errors.Is(err, common.ErrConflict) {
			return nil, common.NewConflictError("already booked on this trip")
		}
		return nil, err
	}

	s.emit(eventbus.TopicBookingRequested, p, trip.DriverID, input.UserID)
	s.writeNotification(ctx, trip.DriverID, notifications.TypeBookingRequested,
		"New booking request", "A rider requested a seat on your trip.", p)
	return p, nil
}

// AcceptBooking reserves the seats first and only then flips the row
// requested -> accepted. The flip is the commit point: a booking is never
// accepted without its hold, so a concurrent cancel observing "accepted"
// always has a seat to release. Losing the flip returns the hold.
func (s *Service) AcceptBooking(ctx context.Context, tripID, participantID, actorID uuid.UUID) (*Participant, error) {
	trip, err := s.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if trip.DriverID != actorID {
		return nil, common.NewAuthorizationError("only the driver may accept bookings")
	}

	p, err := s.store.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if p == nil || p.TripID != tripID {
		return nil, common.NewNotFoundError("booking not found", nil)
	}
	if p.Status != ParticipantRequested {
		return nil, common.NewConflictError("booking is no longer pending")
	}

	reserved, err := s.store.ReserveSeats(ctx, tripID, p.SeatsHeld)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, common.NewConflictError("not enough seats available")
	}

	ok, err := s.store.UpdateParticipantStatus(ctx, participantID, []string{ParticipantRequested}, ParticipantAccepted)
	if err != nil || !ok {
		if relErr := s.store.ReleaseSeats(ctx, tripID, p.SeatsHeld); relErr != nil {
			logger.ErrorContext(ctx, "accept compensation failed",
				zap.String("participant_id", participantID.String()), zap.Error(relErr))
		}
		if err != nil {
			return nil, err
		}
		return nil, common.NewConflictError("booking is no longer pending")
	}

	p.Status = ParticipantAccepted
	s.emit(eventbus.TopicBookingAccepted, p, p.UserID, trip.DriverID)
	s.writeNotification(ctx, p.UserID, notifications.TypeBookingAccepted,
		"Booking accepted", "Your seat is confirmed.", p)
	return p, nil
}

// RejectBooking transitions requested -> rejected. No seat change.
func (s *Service) RejectBooking(ctx context.Context, tripID, participantID, actorID uuid.UUID, reason string) (*Participant, error) {
	trip, err := s.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if trip.DriverID != actorID {
		return nil, common.NewAuthorizationError("only the driver may reject bookings")
	}

	p, err := s.store.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if p == nil || p.TripID != tripID {
		return nil, common.NewNotFoundError("booking not found", nil)
	}

	ok, err := s.store.UpdateParticipantStatus(ctx, participantID, []string{ParticipantRequested}, ParticipantRejected)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, common.NewConflictError("booking is no longer pending")
	}

	p.Status = ParticipantRejected
	s.emit(eventbus.TopicBookingRejected, p, p.UserID)
	s.writeNotification(ctx, p.UserID, notifications.TypeBookingRejected,
		"Booking declined", reasonOr(reason, "The driver declined your request."), p)
	return p, nil
}

// CancelBooking lets a rider withdraw their own booking. Cancelling an
// accepted booking releases its seats and promotes the waitlist head.
func (s *Service) CancelBooking(ctx context.Context, tripID, participantID, actorID uuid.UUID) (*Participant, error) {
	p, err := s.store.GetParticipant(ctx, participantID)
	if err != nil {
		return nil, err
	}
	if p == nil || p.TripID != tripID {
		return nil, common.NewNotFoundError("booking not found", nil)
	}
	if p.UserID != actorID {
		return nil, common.NewAuthorizationError("only the rider may cancel their booking")
	}

	// Release decisions key off the transition's actual prior state, not the
	// read above: a concurrent accept may have flipped the row in between.
	prev, ok, err := s.store.TransitionParticipant(ctx, participantID,
		[]string{ParticipantRequested, ParticipantAccepted}, ParticipantCancelled)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, common.NewConflictError("booking cannot be cancelled")
	}

	if prev == ParticipantAccepted {
		if err := s.store.ReleaseSeats(ctx, tripID, p.SeatsHeld); err != nil {
			return nil, err
		}
		s.promoteFromWaitlist(ctx, tripID)
	}

	p.Status = ParticipantCancelled
	return p, nil
}

// CancelTrip is terminal: the trip and all of its open bookings cancel.
// Refunds are not issued here; the disputes flow owns them.
func (s *Service) CancelTrip(ctx context.Context, tripID, actorID uuid.UUID, reason string) error {
	trip, err := s.GetTrip(ctx, tripID)
	if err != nil {
		return err
	}
	if trip.DriverID != actorID {
		return common.NewAuthorizationError("only the driver may cancel the trip")
	}

	ok, err := s.store.UpdateTripStatus(ctx, tripID, []string{TripScheduled, TripActive}, TripCancelled)
	if err != nil {
		return err
	}
	if !ok {
		return common.NewConflictError("trip cannot be cancelled")
	}

	cancelled, err := s.store.CancelAcceptedParticipants(ctx, tripID)
	if err != nil {
		return err
	}

	payload := map[string]interface{}{"trip_id": tripID, "reason": reason}
	s.emit(eventbus.TopicTripCancelled, payload, trip.DriverID)
	for _, p := range cancelled {
		s.emit(eventbus.TopicTripCancelled, payload, p.UserID)
		s.writeNotification(ctx, p.UserID, notifications.TypeTripCancelled,
			"Trip cancelled", reasonOr(reason, "The driver cancelled the trip."), payload)
	}
	return nil
}

// StartTrip moves a scheduled trip to active.
func (s *Service) StartTrip(ctx context.Context, tripID, actorID uuid.UUID) error {
	trip, err := s.GetTrip(ctx, tripID)
	if err != nil {
		return err
	}
	if trip.DriverID != actorID {
		return common.NewAuthorizationError("only the driver may start the trip")
	}

	ok, err := s.store.UpdateTripStatus(ctx, tripID, []string{TripScheduled}, TripActive)
	if err != nil {
		return err
	}
	if !ok {
		return common.NewConflictError("trip cannot be started")
	}
	return nil
}

// CompleteTrip finishes an active trip and completes its accepted riders,
// opening them up for rating.
func (s *Service) CompleteTrip(ctx context.Context, tripID, actorID uuid.UUID) error {
	trip, err := s.GetTrip(ctx, tripID)
	if err != nil {
		return err
	}
	if trip.DriverID != actorID {
		return common.NewAuthorizationError("only the driver may complete the trip")
	}

	ok, err := s.store.UpdateTripStatus(ctx, tripID, []string{TripScheduled, TripActive}, TripCompleted)
	if err != nil {
		return err
	}
	if !ok {
		return common.NewConflictError("trip cannot be completed")
	}

	if _, err := s.store.CompleteAcceptedParticipants(ctx, tripID); err != nil {
		return err
	}
	return nil
}

// RateTrip records a rating once per completed participant. Re-rating is a
// no-op, not an error.
func (s *Service) RateTrip(ctx context.Context, tripID, userID uuid.UUID, rating int, comment string) error {
	if rating < 1 || rating > 5 {
		return common.NewValidationError("rating must be between 1 and 5")
	}

	p, err := s.store.GetParticipantByTripAndUser(ctx, tripID, userID)
	if err != nil {
		return err
	}
	if p == nil {
		return common.NewNotFoundError("booking not found", nil)
	}
	if p.Status != ParticipantCompleted {
		return common.NewValidationError("only completed trips can be rated")
	}

	var reviewEncrypted *string
	if comment != "" && s.cipher != nil {
		sealed, err := s.cipher.Encrypt(comment, userID.String())
		if err != nil {
			return common.NewInternalError("failed to store review", err)
		}
		reviewEncrypted = &sealed
	}

	ok, err := s.store.SetRating(ctx, p.ID, rating, reviewEncrypted)
	if err != nil {
		return err
	}
	if !ok && p.Rating == nil {
		return common.NewConflictError("rating could not be recorded")
	}
	return nil
}

// JoinWaitlist queues a rider for a full trip.
func (s *Service) JoinWaitlist(ctx context.Context, tripID, userID uuid.UUID, seats int) (*WaitlistEntry, error) {
	if seats < 1 || seats > 4 {
		return nil, common.NewValidationError("seats must be between 1 and 4")
	}

	trip, err := s.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if trip.Status != TripScheduled {
		return nil, common.NewConflictError("trip is not open for booking")
	}

	entry, err := s.store.JoinWaitlist(ctx, tripID, userID, seats)
	if err != nil {
		if errors.Is(err, common.ErrConflict) {
			return nil, common.NewConflictError("already on the waitlist")
		}
		return nil, err
	}
	return entry, nil
}

// promoteFromWaitlist materialises the oldest fitting waitlist entry as a
// requested participant. Promotion failures are logged, never surfaced: the
// seat release that triggered us must not be rolled back.
func (s *Service) promoteFromWaitlist(ctx context.Context, tripID uuid.UUID) {
	trip, err := s.store.GetTrip(ctx, tripID)
	if err != nil || trip == nil || trip.Status != TripScheduled {
		return
	}

	entry, err := s.store.OldestWaiting(ctx, tripID, trip.AvailableSeats)
	if err != nil {
		logger.WarnContext(ctx, "waitlist lookup failed",
			zap.String("trip_id", tripID.String()), zap.Error(err))
		return
	}
	if entry == nil {
		return
	}

	promoted, err := s.store.PromoteWaitlistEntry(ctx, entry.ID)
	if err != nil || !promoted {
		if err != nil {
			logger.WarnContext(ctx, "waitlist promotion failed",
				zap.String("entry_id", entry.ID.String()), zap.Error(err))
		}
		return
	}

	p := &Participant{
		ID:            uuid.New(),
		TripID:        tripID,
		UserID:        entry.UserID,
		Role:          RoleRider,
		Status:        ParticipantRequested,
		SeatsHeld:     entry.Seats,
		PaymentStatus: PaymentUnpaid,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.store.InsertParticipant(ctx, p); err != nil {
		logger.ErrorContext(ctx, "promoted participant insert failed",
			zap.String("entry_id", entry.ID.String()), zap.Error(err))
		return
	}

	s.emit(eventbus.TopicBookingRequested, p, trip.DriverID, entry.UserID)
	s.writeNotification(ctx, entry.UserID, notifications.TypeWaitlistPromoted,
		"Waitlist promoted", "A seat opened up; your booking request is in.", p)
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}
