package trips

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lifthub/carpool/pkg/common"
	"github.com/lifthub/carpool/pkg/geo"
)

// memStore is an in-memory Store with the same guarded-update semantics as
// the Postgres repository: row counts decide transition races.
type memStore struct {
	mu           sync.Mutex
	trips        map[uuid.UUID]*Trip
	participants map[uuid.UUID]*Participant
	waitlist     []*WaitlistEntry
}

func newMemStore() *memStore {
	return &memStore{
		trips:        make(map[uuid.UUID]*Trip),
		participants: make(map[uuid.UUID]*Participant),
	}
}

func (m *memStore) CreateTrip(_ context.Context, trip *Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *trip
	m.trips[trip.ID] = &cp
	return nil
}

func (m *memStore) GetTrip(_ context.Context, id uuid.UUID) (*Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trip, ok := m.trips[id]
	if !ok {
		return nil, nil
	}
	cp := *trip
	return &cp, nil
}

func (m *memStore) SearchAvailable(_ context.Context, _ SearchCriteria) ([]*Trip, error) {
	return nil, nil
}

func (m *memStore) UpdateTripStatus(_ context.Context, id uuid.UUID, from []string, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trip, ok := m.trips[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if trip.Status == f {
			trip.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ReserveSeats(_ context.Context, tripID uuid.UUID, seats int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trip, ok := m.trips[tripID]
	if !ok || trip.AvailableSeats < seats {
		return false, nil
	}
	trip.AvailableSeats -= seats
	return true, nil
}

func (m *memStore) ReleaseSeats(_ context.Context, tripID uuid.UUID, seats int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if trip, ok := m.trips[tripID]; ok {
		trip.AvailableSeats += seats
		if trip.AvailableSeats > trip.TotalSeats {
			trip.AvailableSeats = trip.TotalSeats
		}
	}
	return nil
}

func (m *memStore) InsertParticipant(_ context.Context, p *Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.participants {
		if existing.TripID == p.TripID && existing.UserID == p.UserID {
			return common.NewConflictError("duplicate participant")
		}
	}
	cp := *p
	m.participants[p.ID] = &cp
	return nil
}

func (m *memStore) GetParticipant(_ context.Context, id uuid.UUID) (*Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) GetParticipantByTripAndUser(_ context.Context, tripID, userID uuid.UUID) (*Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.participants {
		if p.TripID == tripID && p.UserID == userID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListParticipants(_ context.Context, tripID uuid.UUID) ([]*Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Participant
	for _, p := range m.participants {
		if p.TripID == tripID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) UpdateParticipantStatus(_ context.Context, id uuid.UUID, from []string, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if p.Status == f {
			p.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) TransitionParticipant(_ context.Context, id uuid.UUID, from []string, to string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[id]
	if !ok {
		return "", false, nil
	}
	for _, f := range from {
		if p.Status == f {
			prev := p.Status
			p.Status = to
			return prev, true, nil
		}
	}
	return "", false, nil
}

func (m *memStore) CancelAcceptedParticipants(_ context.Context, tripID uuid.UUID) ([]*Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Participant
	for _, p := range m.participants {
		if p.TripID == tripID && p.Role == RoleRider &&
			(p.Status == ParticipantRequested || p.Status == ParticipantAccepted) {
			p.Status = ParticipantCancelled
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) CompleteAcceptedParticipants(_ context.Context, tripID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, p := range m.participants {
		if p.TripID == tripID && p.Status == ParticipantAccepted && p.Role == RoleRider {
			p.Status = ParticipantCompleted
			n++
		}
	}
	return n, nil
}

func (m *memStore) SetRating(_ context.Context, participantID uuid.UUID, rating int, reviewEncrypted *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[participantID]
	if !ok || p.Status != ParticipantCompleted || p.Rating != nil {
		return false, nil
	}
	p.Rating = &rating
	p.ReviewEncrypted = reviewEncrypted
	return true, nil
}

func (m *memStore) JoinWaitlist(_ context.Context, tripID, userID uuid.UUID, seats int) (*WaitlistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.waitlist {
		if e.TripID == tripID && e.UserID == userID && e.Status == WaitlistWaiting {
			return nil, common.NewConflictError("duplicate waitlist entry")
		}
	}
	entry := &WaitlistEntry{
		ID:       uuid.New(),
		TripID:   tripID,
		UserID:   userID,
		Seats:    seats,
		Status:   WaitlistWaiting,
		JoinedAt: time.Now().UTC(),
	}
	m.waitlist = append(m.waitlist, entry)
	cp := *entry
	return &cp, nil
}

func (m *memStore) OldestWaiting(_ context.Context, tripID uuid.UUID, maxSeats int) (*WaitlistEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.waitlist {
		if e.TripID == tripID && e.Status == WaitlistWaiting && e.Seats <= maxSeats {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) PromoteWaitlistEntry(_ context.Context, entryID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.waitlist {
		if e.ID == entryID && e.Status == WaitlistWaiting {
			e.Status = WaitlistPromoted
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ExpireStaleTrips(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

var _ Store = (*memStore)(nil)

func (m *memStore) acceptedSeats(tripID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, p := range m.participants {
		if p.TripID == tripID && p.Role == RoleRider && p.Status == ParticipantAccepted {
			total += p.SeatsHeld
		}
	}
	return total
}

func newTestService(store Store) *Service {
	return NewService(store, nil, nil, nil)
}

func createTestTrip(t *testing.T, svc *Service, driverID uuid.UUID, seats int) *Trip {
	t.Helper()
	trip, err := svc.CreateTrip(context.Background(), TripInput{
		DriverID:      driverID,
		Origin:        geo.Point{Lat: -26.2041, Lng: 28.0473},
		Destination:   geo.Point{Lat: -25.7479, Lng: 28.2293},
		DepartureTime: time.Now().Add(2 * time.Hour),
		TotalSeats:    seats,
		PricePerSeat:  120,
	})
	require.NoError(t, err)
	return trip
}

func bookTestSeat(t *testing.T, svc *Service, tripID, riderID uuid.UUID, seats int) *Participant {
	t.Helper()
	p, err := svc.BookTrip(context.Background(), BookInput{
		TripID:  tripID,
		UserID:  riderID,
		Pickup:  geo.Point{Lat: -26.19, Lng: 28.05},
		Dropoff: geo.Point{Lat: -25.76, Lng: 28.22},
		Seats:   seats,
	})
	require.NoError(t, err)
	return p
}

func assertConflict(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, common.CodeConflict, common.AsAppError(err).ErrorCode)
}

func TestBookTripValidation(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	driverID := uuid.New()
	trip := createTestTrip(t, svc, driverID, 3)

	_, err := svc.BookTrip(context.Background(), BookInput{TripID: trip.ID, UserID: uuid.New(), Seats: 0})
	assert.Equal(t, common.CodeValidation, common.AsAppError(err).ErrorCode)

	_, err = svc.BookTrip(context.Background(), BookInput{TripID: uuid.New(), UserID: uuid.New(), Seats: 1})
	assert.Equal(t, common.CodeNotFound, common.AsAppError(err).ErrorCode)

	// Driver cannot ride their own trip.
	_, err = svc.BookTrip(context.Background(), BookInput{TripID: trip.ID, UserID: driverID, Seats: 1})
	assertConflict(t, err)

	// Double booking by the same rider.
	riderID := uuid.New()
	bookTestSeat(t, svc, trip.ID, riderID, 1)
	_, err = svc.BookTrip(context.Background(), BookInput{TripID: trip.ID, UserID: riderID, Seats: 1})
	assertConflict(t, err)
}

func TestAcceptReservesSeats(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	driverID := uuid.New()
	trip := createTestTrip(t, svc, driverID, 3)

	p := bookTestSeat(t, svc, trip.ID, uuid.New(), 2)

	accepted, err := svc.AcceptBooking(context.Background(), trip.ID, p.ID, driverID)
	require.NoError(t, err)
	assert.Equal(t, ParticipantAccepted, accepted.Status)

	reloaded, err := store.GetTrip(context.Background(), trip.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.AvailableSeats)
	// availableSeats + accepted seatsHeld = totalSeats
	assert.Equal(t, reloaded.TotalSeats, reloaded.AvailableSeats+store.acceptedSeats(trip.ID))
}

func TestAcceptOnlyByDriver(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	driverID := uuid.New()
	trip := createTestTrip(t, svc, driverID, 3)
	p := bookTestSeat(t, svc, trip.ID, uuid.New(), 1)

	_, err := svc.AcceptBooking(context.Background(), trip.ID, p.ID, uuid.New())
	assert.Equal(t, common.CodeAuthorization, common.AsAppError(err).ErrorCode)
}

func TestAcceptLoserIsCompensated(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	driverID := uuid.New()
	trip := createTestTrip(t, svc, driverID, 2)

	first := bookTestSeat(t, svc, trip.ID, uuid.New(), 2)
	second := bookTestSeat(t, svc, trip.ID, uuid.New(), 2)

	_, err := svc.AcceptBooking(context.Background(), trip.ID, first.ID, driverID)
	require.NoError(t, err)

	// No seats left: the second accept loses the reservation and never flips.
	_, err = svc.AcceptBooking(context.Background(), trip.ID, second.ID, driverID)
	assertConflict(t, err)

	loser, err := store.GetParticipant(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, ParticipantRequested, loser.Status)

	reloaded, _ := store.GetTrip(context.Background(), trip.ID)
	assert.Equal(t, 0, reloaded.AvailableSeats)
	assert.Equal(t, 2, store.acceptedSeats(trip.ID))
}

func TestAcceptIsNotRepeatable(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	driverID := uuid.New()
	trip := createTestTrip(t, svc, driverID, 4)
	p := bookTestSeat(t, svc, trip.ID, uuid.New(), 2)

	_, err := svc.AcceptBooking(context.Background(), trip.ID, p.ID, driverID)
	require.NoError(t, err)

	// A second accept must not reserve seats again.
	_, err = svc.AcceptBooking(context.Background(), trip.ID, p.ID, driverID)
	assertConflict(t, err)

	reloaded, _ := store.GetTrip(context.Background(), trip.ID)
	assert.Equal(t, 2, reloaded.AvailableSeats)
}

func TestRejectBooking(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	driverID := uuid.New()
	trip := createTestTrip(t, svc, driverID, 3)
	p := bookTestSeat(t, svc, trip.ID, uuid.New(), 1)

	rejected, err := svc.RejectBooking(context.Background(), trip.ID, p.ID, driverID, "full car")
	require.NoError(t, err)
	assert.Equal(t, ParticipantRejected, rejected.Status)

	// Rejecting twice conflicts; accepting a rejected booking conflicts.
	_, err = svc.RejectBooking(context.Background(), trip.ID, p.ID, driverID, "")
	assertConflict(t, err)
	_, err = svc.AcceptBooking(context.Background(), trip.ID, p.ID, driverID)
	assertConflict(t, err)

	reloaded, _ := store.GetTrip(context.Background(), trip.ID)
	assert.Equal(t, 3, reloaded.AvailableSeats)
}

func TestCancelAcceptedBookingReleasesAndPromotes(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	driverID := uuid.New()
	trip := createTestTrip(t, svc, driverID, 2)

	riderID := uuid.New()
	p := bookTestSeat(t, svc, trip.ID, riderID, 2)
	_, err := svc.AcceptBooking(context.Background(), trip.ID, p.ID, driverID)
	require.NoError(t, err)

	// Trip is now full; a third rider joins the waitlist.
	waiterID := uuid.New()
	entry, err := svc.JoinWaitlist(context.Background(), trip.ID, waiterID, 1)
	require.NoError(t, err)
	assert.Equal(t, WaitlistWaiting, entry.Status)

	// Rider cancels: seats release and the waitlist head becomes a
	// requested participant.
	cancelled, err := svc.CancelBooking(context.Background(), trip.ID, p.ID, riderID)
	require.NoError(t, err)
	assert.Equal(t, ParticipantCancelled, cancelled.Status)

	reloaded, _ := store.GetTrip(context.Background(), trip.ID)
	assert.Equal(t, 2, reloaded.AvailableSeats)

	promoted, err := store.GetParticipantByTripAndUser(context.Background(), trip.ID, waiterID)
	require.NoError(t, err)
	require.NotNil(t, promoted)
	assert.Equal(t, ParticipantRequested, promoted.Status)
	assert.Equal(t, 1, promoted.SeatsHeld)
}

func TestCancelBookingOnlyByOwner(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	driverID := uuid.New()
	trip := createTestTrip(t, svc, driverID, 3)
	p := bookTestSeat(t, svc, trip.ID, uuid.New(), 1)

	_, err := svc.CancelBooking(context.Background(), trip.ID, p.ID, uuid.New())
	assert.Equal(t, common.CodeAuthorization, common.AsAppError(err).ErrorCode)
}

// hookStore lets a test interleave work between an accept's seat reservation
// and its status flip.
type hookStore struct {
	*memStore
	afterReserve func()
}

func (h *hookStore) ReserveSeats(ctx context.Context, tripID uuid.UUID, seats int) (bool, error) {
	ok, err := h.memStore.ReserveSeats(ctx, tripID, seats)
	if h.afterReserve != nil {
		fn := h.afterReserve
		h.afterReserve = nil
		fn()
	}
	return ok, err
}

func TestCancelDuringAcceptKeepsSeatConservation(t *testing.T) {
	store := newMemStore()
	hooked := &hookStore{memStore: store}
	svc := newTestService(hooked)
	driverID := uuid.New()
	trip := createTestTrip(t, svc, driverID, 2)

	riderID := uuid.New()
	p := bookTestSeat(t, svc, trip.ID, riderID, 1)

	// The rider cancels in the window between the accept's seat hold and its
	// status flip. Exactly one side may win the row.
	var cancelErr error
	hooked.afterReserve = func() {
		_, cancelErr = svc.CancelBooking(context.Background(), trip.ID, p.ID, riderID)
	}

	_, acceptErr := svc.AcceptBooking(context.Background(), trip.ID, p.ID, driverID)
	require.NoError(t, cancelErr)
	assertConflict(t, acceptErr)

	cancelled, err := store.GetParticipant(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, ParticipantCancelled, cancelled.Status)

	// The losing accept returned its hold: no seat stays reserved for a
	// cancelled row.
	reloaded, _ := store.GetTrip(context.Background(), trip.ID)
	assert.Equal(t, 2, reloaded.AvailableSeats)
	assert.Equal(t, reloaded.TotalSeats, reloaded.AvailableSeats+store.acceptedSeats(trip.ID))
}

func TestCancelTripCancelsOpenBookings(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	driverID := uuid.New()
	trip := createTestTrip(t, svc, driverID, 3)

	accepted := bookTestSeat(t, svc, trip.ID, uuid.New(), 1)
	_, err := svc.AcceptBooking(context.Background(), trip.ID, accepted.ID, driverID)
	require.NoError(t, err)
	pending := bookTestSeat(t, svc, trip.ID, uuid.New(), 1)

	require.NoError(t, svc.CancelTrip(context.Background(), trip.ID, driverID, "breakdown"))

	reloaded, _ := store.GetTrip(context.Background(), trip.ID)
	assert.Equal(t, TripCancelled, reloaded.Status)

	for _, id := range []uuid.UUID{accepted.ID, pending.ID} {
		p, _ := store.GetParticipant(context.Background(), id)
		assert.Equal(t, ParticipantCancelled, p.Status)
	}

	// Terminal: cancelling again conflicts, booking afterwards conflicts.
	assertConflict(t, svc.CancelTrip(context.Background(), trip.ID, driverID, ""))
	_, err = svc.BookTrip(context.Background(), BookInput{
		TripID: trip.ID, UserID: uuid.New(), Seats: 1,
	})
	assertConflict(t, err)
}

func TestCompleteTripOpensRating(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	driverID := uuid.New()
	trip := createTestTrip(t, svc, driverID, 3)

	riderID := uuid.New()
	p := bookTestSeat(t, svc, trip.ID, riderID, 1)
	_, err := svc.AcceptBooking(context.Background(), trip.ID, p.ID, driverID)
	require.NoError(t, err)

	// Rating before completion is rejected.
	err = svc.RateTrip(context.Background(), trip.ID, riderID, 5, "")
	assert.Equal(t, common.CodeValidation, common.AsAppError(err).ErrorCode)

	require.NoError(t, svc.StartTrip(context.Background(), trip.ID, driverID))
	require.NoError(t, svc.CompleteTrip(context.Background(), trip.ID, driverID))

	require.NoError(t, svc.RateTrip(context.Background(), trip.ID, riderID, 5, ""))

	rated, _ := store.GetParticipantByTripAndUser(context.Background(), trip.ID, riderID)
	require.NotNil(t, rated.Rating)
	assert.Equal(t, 5, *rated.Rating)

	// Re-rating is a no-op: the first rating sticks.
	require.NoError(t, svc.RateTrip(context.Background(), trip.ID, riderID, 1, ""))
	rated, _ = store.GetParticipantByTripAndUser(context.Background(), trip.ID, riderID)
	assert.Equal(t, 5, *rated.Rating)
}

func TestRateTripBounds(t *testing.T) {
	svc := newTestService(newMemStore())

	err := svc.RateTrip(context.Background(), uuid.New(), uuid.New(), 6, "")
	assert.Equal(t, common.CodeValidation, common.AsAppError(err).ErrorCode)

	err = svc.RateTrip(context.Background(), uuid.New(), uuid.New(), 3, "")
	assert.Equal(t, common.CodeNotFound, common.AsAppError(err).ErrorCode)
}

func TestJoinWaitlistDuplicate(t *testing.T) {
	svc := newTestService(newMemStore())
	driverID := uuid.New()
	trip := createTestTrip(t, svc, driverID, 1)

	userID := uuid.New()
	_, err := svc.JoinWaitlist(context.Background(), trip.ID, userID, 1)
	require.NoError(t, err)
	_, err = svc.JoinWaitlist(context.Background(), trip.ID, userID, 1)
	assertConflict(t, err)
}

func TestCreateTripRejectsPastDeparture(t *testing.T) {
	svc := newTestService(newMemStore())
	_, err := svc.CreateTrip(context.Background(), TripInput{
		DriverID:      uuid.New(),
		DepartureTime: time.Now().Add(-time.Hour),
		TotalSeats:    2,
		PricePerSeat:  50,
	})
	assert.Equal(t, common.CodeValidation, common.AsAppError(err).ErrorCode)
}
