package matching

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lifthub/carpool/pkg/geo"
)

func poolCandidate(trip *DriverTrip, pickup, dropoff geo.Point, seats int, score, detour float64) PoolCandidate {
	req := &RiderRequest{
		ID:          uuid.New(),
		RiderID:     uuid.New(),
		Pickup:      pickup,
		Dropoff:     dropoff,
		SeatsNeeded: seats,
		Status:      RequestPending,
	}
	return PoolCandidate{
		Match: &MatchResult{
			ID:             uuid.New(),
			DriverTripID:   trip.ID,
			RiderRequestID: req.ID,
			DriverID:       trip.DriverID,
			RiderID:        req.RiderID,
			Score:          score,
			DetourMinutes:  detour,
			Status:         MatchPending,
		},
		Request: req,
	}
}

func TestBuildPoolThreeRiders(t *testing.T) {
	engine := NewEngine(nil)
	cfg := DefaultConfig()

	trip := testTrip(
		geo.Point{Lat: -26.20, Lng: 28.05},
		geo.Point{Lat: -26.11, Lng: 28.06},
		time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC),
	)

	candidates := []PoolCandidate{
		poolCandidate(trip, geo.Point{Lat: -26.19, Lng: 28.051}, geo.Point{Lat: -26.12, Lng: 28.058}, 1, 0.20, 4),
		poolCandidate(trip, geo.Point{Lat: -26.18, Lng: 28.053}, geo.Point{Lat: -26.13, Lng: 28.059}, 1, 0.25, 5),
		poolCandidate(trip, geo.Point{Lat: -26.17, Lng: 28.055}, geo.Point{Lat: -26.14, Lng: 28.060}, 1, 0.30, 6),
	}

	pool := engine.BuildPool(trip, candidates, cfg)
	require.NotNil(t, pool)

	assert.Equal(t, 3, pool.SeatsUsed)
	assert.Equal(t, trip.TotalSeats-3, pool.SeatsRemaining)
	assert.Len(t, pool.Members, 3)
	assert.Len(t, pool.OrderedStops, 6)
	assert.LessOrEqual(t, pool.TotalDetourMinutes, cfg.MaxPoolDetourMin)
	assert.InDelta(t, pool.TotalScore/3, pool.AvgScore, 1e-9)

	// Every pickup comes before its paired dropoff.
	for _, m := range pool.Members {
		assert.Less(t, m.PickupOrder, m.DropoffOrder, "rider %s", m.RiderID)
	}
	// Sequence numbers are a permutation of stop positions.
	seen := make(map[int]bool, len(pool.OrderedStops))
	for _, stop := range pool.OrderedStops {
		assert.False(t, seen[stop.Sequence])
		seen[stop.Sequence] = true
	}
}

func TestBuildPoolRespectsSeatCapacity(t *testing.T) {
	engine := NewEngine(nil)
	cfg := DefaultConfig()

	trip := testTrip(
		geo.Point{Lat: -26.20, Lng: 28.05},
		geo.Point{Lat: -26.11, Lng: 28.06},
		time.Now(),
	)
	trip.TotalSeats = 2

	// Best-scored rider wants both seats; the two-seat second rider must be
	// skipped, the one-seat third can't fit either.
	candidates := []PoolCandidate{
		poolCandidate(trip, geo.Point{Lat: -26.19, Lng: 28.051}, geo.Point{Lat: -26.12, Lng: 28.058}, 2, 0.10, 3),
		poolCandidate(trip, geo.Point{Lat: -26.18, Lng: 28.053}, geo.Point{Lat: -26.13, Lng: 28.059}, 2, 0.20, 4),
		poolCandidate(trip, geo.Point{Lat: -26.17, Lng: 28.055}, geo.Point{Lat: -26.14, Lng: 28.060}, 1, 0.30, 5),
	}

	pool := engine.BuildPool(trip, candidates, cfg)
	require.NotNil(t, pool)
	assert.Equal(t, 2, pool.SeatsUsed)
	assert.Zero(t, pool.SeatsRemaining)
	require.Len(t, pool.Members, 1)
	assert.Equal(t, candidates[0].Match.ID, pool.Members[0].MatchID)
}

func TestBuildPoolRespectsDetourBudget(t *testing.T) {
	engine := NewEngine(nil)
	cfg := DefaultConfig()
	cfg.MaxPoolDetourMin = 8

	trip := testTrip(
		geo.Point{Lat: -26.20, Lng: 28.05},
		geo.Point{Lat: -26.11, Lng: 28.06},
		time.Now(),
	)

	candidates := []PoolCandidate{
		poolCandidate(trip, geo.Point{Lat: -26.19, Lng: 28.051}, geo.Point{Lat: -26.12, Lng: 28.058}, 1, 0.10, 5),
		poolCandidate(trip, geo.Point{Lat: -26.18, Lng: 28.053}, geo.Point{Lat: -26.13, Lng: 28.059}, 1, 0.20, 5),
		poolCandidate(trip, geo.Point{Lat: -26.17, Lng: 28.055}, geo.Point{Lat: -26.14, Lng: 28.060}, 1, 0.30, 2),
	}

	pool := engine.BuildPool(trip, candidates, cfg)
	require.NotNil(t, pool)
	// 5 + 5 blows the budget; 5 + 2 fits.
	assert.Len(t, pool.Members, 2)
	assert.LessOrEqual(t, pool.TotalDetourMinutes, cfg.MaxPoolDetourMin)
}

func TestBuildPoolIgnoresForeignMatches(t *testing.T) {
	engine := NewEngine(nil)
	cfg := DefaultConfig()

	trip := testTrip(geo.Point{Lat: -26.20, Lng: 28.05}, geo.Point{Lat: -26.11, Lng: 28.06}, time.Now())
	other := testTrip(geo.Point{Lat: -26.20, Lng: 28.05}, geo.Point{Lat: -26.11, Lng: 28.06}, time.Now())

	foreign := poolCandidate(other, geo.Point{Lat: -26.19, Lng: 28.051}, geo.Point{Lat: -26.12, Lng: 28.058}, 1, 0.10, 3)

	assert.Nil(t, engine.BuildPool(trip, []PoolCandidate{foreign}, cfg))
}

func TestBuildPoolCapsRiders(t *testing.T) {
	engine := NewEngine(nil)
	cfg := DefaultConfig()
	cfg.MaxRidersPerDriver = 2

	trip := testTrip(geo.Point{Lat: -26.20, Lng: 28.05}, geo.Point{Lat: -26.11, Lng: 28.06}, time.Now())
	trip.TotalSeats = 8

	var candidates []PoolCandidate
	for i := 0; i < 4; i++ {
		candidates = append(candidates, poolCandidate(trip,
			geo.Point{Lat: -26.19 + float64(i)*0.01, Lng: 28.051},
			geo.Point{Lat: -26.12, Lng: 28.058},
			1, 0.1+float64(i)*0.05, 2))
	}

	pool := engine.BuildPool(trip, candidates, cfg)
	require.NotNil(t, pool)
	assert.Len(t, pool.Members, 2)
}
