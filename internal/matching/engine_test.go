package matching

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lifthub/carpool/pkg/geo"
)

var baseTime = time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

func testTrip(origin, dest geo.Point, depart time.Time) *DriverTrip {
	return &DriverTrip{
		ID:             uuid.New(),
		DriverID:       uuid.New(),
		Origin:         origin,
		Destination:    dest,
		DepartureTime:  depart,
		TotalSeats:     4,
		AvailableSeats: 4,
		PricePerSeat:   40,
		Currency:       "zar",
		DriverRating:   4.5,
		Status:         TripOffered,
		CreatedAt:      baseTime.Add(-time.Hour),
	}
}

func testRequest(pickup, dropoff geo.Point, earliest, latest time.Time) *RiderRequest {
	return &RiderRequest{
		ID:                uuid.New(),
		RiderID:           uuid.New(),
		Pickup:            pickup,
		Dropoff:           dropoff,
		EarliestDeparture: earliest,
		LatestDeparture:   latest,
		SeatsNeeded:       1,
		Status:            RequestPending,
		CreatedAt:         baseTime.Add(-30 * time.Minute),
	}
}

// Johannesburg CBD to Sandton corridor with a rider a short walk off the route.
func TestFindMatchesBasicCorridor(t *testing.T) {
	engine := NewEngine(nil)
	cfg := DefaultConfig()

	trip := testTrip(
		geo.Point{Lat: -26.20, Lng: 28.05},
		geo.Point{Lat: -26.11, Lng: 28.06},
		baseTime,
	)
	req := testRequest(
		geo.Point{Lat: -26.195, Lng: 28.052},
		geo.Point{Lat: -26.112, Lng: 28.061},
		baseTime.Add(-15*time.Minute),
		baseTime.Add(15*time.Minute),
	)

	matches := engine.FindMatches(req, []*DriverTrip{trip}, cfg)
	require.Len(t, matches, 1)

	m := matches[0]
	assert.Equal(t, trip.ID, m.DriverTripID)
	assert.Equal(t, MatchPending, m.Status)
	assert.LessOrEqual(t, m.DetourMinutes, 10.0)
	assert.LessOrEqual(t, m.PickupDistKm, 0.5)
	assert.Greater(t, m.CarbonSavedKg, 0.0)
	assert.NotEmpty(t, m.Explanation)
}

func TestFindMatchesIsDeterministic(t *testing.T) {
	engine := NewEngine(nil)
	cfg := DefaultConfig()

	req := testRequest(
		geo.Point{Lat: -26.195, Lng: 28.052},
		geo.Point{Lat: -26.112, Lng: 28.061},
		baseTime.Add(-15*time.Minute),
		baseTime.Add(15*time.Minute),
	)
	trips := []*DriverTrip{
		testTrip(geo.Point{Lat: -26.20, Lng: 28.05}, geo.Point{Lat: -26.11, Lng: 28.06}, baseTime),
		testTrip(geo.Point{Lat: -26.21, Lng: 28.04}, geo.Point{Lat: -26.10, Lng: 28.07}, baseTime.Add(5*time.Minute)),
		testTrip(geo.Point{Lat: -26.19, Lng: 28.06}, geo.Point{Lat: -26.12, Lng: 28.05}, baseTime.Add(-5*time.Minute)),
	}

	first := engine.FindMatches(req, trips, cfg)
	second := engine.FindMatches(req, trips, cfg)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].DriverTripID, second[i].DriverTripID)
		assert.Equal(t, first[i].Score, second[i].Score)
	}

	// Best first: scores ascend.
	for i := 1; i < len(first); i++ {
		assert.LessOrEqual(t, first[i-1].Score, first[i].Score)
	}
}

func TestFilterDropsOutsideTimeWindow(t *testing.T) {
	stats := NewStatsCollector()
	engine := NewEngine(stats)
	cfg := DefaultConfig()

	trip := testTrip(
		geo.Point{Lat: -26.20, Lng: 28.05},
		geo.Point{Lat: -26.11, Lng: 28.06},
		baseTime.Add(2*time.Hour),
	)
	req := testRequest(
		geo.Point{Lat: -26.195, Lng: 28.052},
		geo.Point{Lat: -26.112, Lng: 28.061},
		baseTime.Add(-15*time.Minute),
		baseTime.Add(15*time.Minute),
	)

	matches := engine.FindMatches(req, []*DriverTrip{trip}, cfg)
	assert.Empty(t, matches)
	assert.Equal(t, int64(1), stats.Snapshot().DropsByReason[DropTimeWindow])
}

func TestFilterHonoursSlackBeforeWindow(t *testing.T) {
	engine := NewEngine(nil)
	cfg := DefaultConfig() // 15 minutes of slack

	// Departure 10 minutes before the earliest bound: inside the slack.
	trip := testTrip(
		geo.Point{Lat: -26.20, Lng: 28.05},
		geo.Point{Lat: -26.11, Lng: 28.06},
		baseTime.Add(-25*time.Minute),
	)
	req := testRequest(
		geo.Point{Lat: -26.195, Lng: 28.052},
		geo.Point{Lat: -26.112, Lng: 28.061},
		baseTime.Add(-15*time.Minute),
		baseTime.Add(15*time.Minute),
	)

	matches := engine.FindMatches(req, []*DriverTrip{trip}, cfg)
	assert.Len(t, matches, 1)

	// But never after the latest bound, slack or not.
	trip.DepartureTime = baseTime.Add(16 * time.Minute)
	assert.Empty(t, engine.FindMatches(req, []*DriverTrip{trip}, cfg))
}

func TestFilterDropsFarPickup(t *testing.T) {
	stats := NewStatsCollector()
	engine := NewEngine(stats)
	cfg := DefaultConfig()

	trip := testTrip(
		geo.Point{Lat: -26.20, Lng: 28.05},
		geo.Point{Lat: -26.11, Lng: 28.06},
		baseTime,
	)
	// Pickup roughly 10 km east of the corridor.
	req := testRequest(
		geo.Point{Lat: -26.15, Lng: 28.15},
		geo.Point{Lat: -26.112, Lng: 28.061},
		baseTime.Add(-15*time.Minute),
		baseTime.Add(15*time.Minute),
	)

	assert.Empty(t, engine.FindMatches(req, []*DriverTrip{trip}, cfg))
	assert.Equal(t, int64(1), stats.Snapshot().DropsByReason[DropPickupDistance])
}

func TestFilterDropsInsufficientSeats(t *testing.T) {
	stats := NewStatsCollector()
	engine := NewEngine(stats)
	cfg := DefaultConfig()

	trip := testTrip(
		geo.Point{Lat: -26.20, Lng: 28.05},
		geo.Point{Lat: -26.11, Lng: 28.06},
		baseTime,
	)
	trip.AvailableSeats = 1
	req := testRequest(
		geo.Point{Lat: -26.195, Lng: 28.052},
		geo.Point{Lat: -26.112, Lng: 28.061},
		baseTime.Add(-15*time.Minute),
		baseTime.Add(15*time.Minute),
	)
	req.SeatsNeeded = 2

	assert.Empty(t, engine.FindMatches(req, []*DriverTrip{trip}, cfg))
	assert.Equal(t, int64(1), stats.Snapshot().DropsByReason[DropSeats])
}

func TestFilterDropsLowRatingAndAccessibility(t *testing.T) {
	stats := NewStatsCollector()
	engine := NewEngine(stats)
	cfg := DefaultConfig()

	trip := testTrip(
		geo.Point{Lat: -26.20, Lng: 28.05},
		geo.Point{Lat: -26.11, Lng: 28.06},
		baseTime,
	)
	trip.DriverRating = 3.0

	req := testRequest(
		geo.Point{Lat: -26.195, Lng: 28.052},
		geo.Point{Lat: -26.112, Lng: 28.061},
		baseTime.Add(-15*time.Minute),
		baseTime.Add(15*time.Minute),
	)
	req.Preferences.MinDriverRating = 4.0

	assert.Empty(t, engine.FindMatches(req, []*DriverTrip{trip}, cfg))
	assert.Equal(t, int64(1), stats.Snapshot().DropsByReason[DropRating])

	trip.DriverRating = 4.5
	req.Preferences.WheelchairNeeded = true
	assert.Empty(t, engine.FindMatches(req, []*DriverTrip{trip}, cfg))
	assert.Equal(t, int64(1), stats.Snapshot().DropsByReason[DropAccessibility])

	trip.Vehicle.WheelchairAccessible = true
	assert.Len(t, engine.FindMatches(req, []*DriverTrip{trip}, cfg), 1)
}

func TestStrictOrgPreference(t *testing.T) {
	engine := NewEngine(nil)
	cfg := DefaultConfig()
	orgA, orgB := uuid.New(), uuid.New()

	trip := testTrip(
		geo.Point{Lat: -26.20, Lng: 28.05},
		geo.Point{Lat: -26.11, Lng: 28.06},
		baseTime,
	)
	trip.OrganizationID = &orgB

	req := testRequest(
		geo.Point{Lat: -26.195, Lng: 28.052},
		geo.Point{Lat: -26.112, Lng: 28.061},
		baseTime.Add(-15*time.Minute),
		baseTime.Add(15*time.Minute),
	)
	req.OrganizationID = &orgA
	req.Preferences.SameOrgPreference = OrgPreferenceStrict

	assert.Empty(t, engine.FindMatches(req, []*DriverTrip{trip}, cfg))

	trip.OrganizationID = &orgA
	matches := engine.FindMatches(req, []*DriverTrip{trip}, cfg)
	require.Len(t, matches, 1)
	assert.True(t, matches[0].Breakdown.SameOrg)
	assert.Zero(t, matches[0].Breakdown.OrgTerm)
}

func TestSameOrgScoresBetter(t *testing.T) {
	engine := NewEngine(nil)
	cfg := DefaultConfig()
	org := uuid.New()

	inOrg := testTrip(geo.Point{Lat: -26.20, Lng: 28.05}, geo.Point{Lat: -26.11, Lng: 28.06}, baseTime)
	inOrg.OrganizationID = &org
	outOrg := testTrip(geo.Point{Lat: -26.20, Lng: 28.05}, geo.Point{Lat: -26.11, Lng: 28.06}, baseTime)
	outOrg.DriverRating = inOrg.DriverRating

	req := testRequest(
		geo.Point{Lat: -26.195, Lng: 28.052},
		geo.Point{Lat: -26.112, Lng: 28.061},
		baseTime.Add(-15*time.Minute),
		baseTime.Add(15*time.Minute),
	)
	req.OrganizationID = &org
	req.Preferences.SameOrgPreference = OrgPreferencePreferred

	matches := engine.FindMatches(req, []*DriverTrip{inOrg, outOrg}, cfg)
	require.Len(t, matches, 2)
	assert.Equal(t, inOrg.ID, matches[0].DriverTripID)
	assert.Less(t, matches[0].Score, matches[1].Score)
}

func TestMaxResultsCapsOutput(t *testing.T) {
	engine := NewEngine(nil)
	cfg := DefaultConfig()
	cfg.MaxResults = 2

	req := testRequest(
		geo.Point{Lat: -26.195, Lng: 28.052},
		geo.Point{Lat: -26.112, Lng: 28.061},
		baseTime.Add(-15*time.Minute),
		baseTime.Add(15*time.Minute),
	)
	trips := make([]*DriverTrip, 0, 5)
	for i := 0; i < 5; i++ {
		trips = append(trips, testTrip(
			geo.Point{Lat: -26.20, Lng: 28.05},
			geo.Point{Lat: -26.11, Lng: 28.06},
			baseTime.Add(time.Duration(i)*time.Minute),
		))
	}

	matches := engine.FindMatches(req, trips, cfg)
	assert.Len(t, matches, 2)
}

func TestTieBreakPrefersSmallerDetourThenRating(t *testing.T) {
	engine := NewEngine(nil)
	cfg := DefaultConfig()
	// Zero out every weight so all scores tie and only the tie-break rules
	// decide the order.
	cfg.Weights = ScoreWeights{}

	onRoute := testTrip(geo.Point{Lat: -26.20, Lng: 28.05}, geo.Point{Lat: -26.11, Lng: 28.06}, baseTime)
	offRoute := testTrip(geo.Point{Lat: -26.21, Lng: 28.03}, geo.Point{Lat: -26.10, Lng: 28.08}, baseTime)

	req := testRequest(
		geo.Point{Lat: -26.195, Lng: 28.052},
		geo.Point{Lat: -26.112, Lng: 28.061},
		baseTime.Add(-15*time.Minute),
		baseTime.Add(15*time.Minute),
	)

	matches := engine.FindMatches(req, []*DriverTrip{offRoute, onRoute}, cfg)
	require.Len(t, matches, 2)
	assert.Equal(t, onRoute.ID, matches[0].DriverTripID)
	assert.LessOrEqual(t, matches[0].DetourMinutes, matches[1].DetourMinutes)
}

func TestPolylineRouteUsedWhenPresent(t *testing.T) {
	engine := NewEngine(nil)
	cfg := DefaultConfig()

	// A dog-leg route passing near the rider even though the straight
	// origin-destination line does not.
	route := []geo.Point{
		{Lat: -26.20, Lng: 28.05},
		{Lat: -26.16, Lng: 28.10},
		{Lat: -26.11, Lng: 28.06},
	}
	trip := testTrip(route[0], route[2], baseTime)
	trip.Polyline = geo.EncodePolyline(route)

	req := testRequest(
		geo.Point{Lat: -26.16, Lng: 28.099},
		geo.Point{Lat: -26.112, Lng: 28.061},
		baseTime.Add(-15*time.Minute),
		baseTime.Add(15*time.Minute),
	)

	matches := engine.FindMatches(req, []*DriverTrip{trip}, cfg)
	require.Len(t, matches, 1)
	assert.LessOrEqual(t, matches[0].PickupDistKm, 0.5)
}
