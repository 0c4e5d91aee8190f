package matching

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lifthub/carpool/pkg/geo"
)

// carbonKgPerKm is the per-rider emission factor used for the carbon bonus.
const carbonKgPerKm = 0.21

// Engine is the pure three-phase matcher. It never returns an error: an
// empty result list is a valid outcome.
type Engine struct {
	stats *StatsCollector
}

// NewEngine builds an engine reporting into the given collector.
func NewEngine(stats *StatsCollector) *Engine {
	if stats == nil {
		stats = NewStatsCollector()
	}
	return &Engine{stats: stats}
}

// Stats returns the engine's telemetry collector.
func (e *Engine) Stats() *StatsCollector {
	return e.stats
}

type scoredCandidate struct {
	trip         *DriverTrip
	route        []geo.Point
	detourMin    float64
	pickupDistKm float64
	timeTerm     float64
	ratingTerm   float64
	sameOrg      bool
	carbonSaved  float64
	score        float64
	breakdown    ScoreBreakdown
}

// FindMatches runs the filter and scoring phases over the pre-filtered
// candidates and returns up to cfg.MaxResults pending results, best first.
// Deterministic for fixed inputs.
func (e *Engine) FindMatches(req *RiderRequest, candidates []*DriverTrip, cfg MatchConfig) []*MatchResult {
	e.stats.recordRun(len(candidates))

	// Phase A tail: defensive cap, sorted by departure proximity to the
	// middle of the rider's window.
	mid := req.MidWindow()
	sorted := make([]*DriverTrip, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		di := absDuration(sorted[i].DepartureTime.Sub(mid))
		dj := absDuration(sorted[j].DepartureTime.Sub(mid))
		if di != dj {
			return di < dj
		}
		return sorted[i].ID.String() < sorted[j].ID.String()
	})
	maxCandidates := cfg.MaxCandidates
	if maxCandidates <= 0 {
		maxCandidates = 200
	}
	if len(sorted) > maxCandidates {
		sorted = sorted[:maxCandidates]
	}

	// Phase B: geometric, temporal and preference gates.
	survivors := make([]*scoredCandidate, 0, len(sorted))
	for _, trip := range sorted {
		candidate, dropReason := e.filterCandidate(req, trip, cfg)
		if dropReason != "" {
			e.stats.recordDrop(dropReason)
			continue
		}
		survivors = append(survivors, candidate)
	}
	if len(survivors) == 0 {
		return nil
	}

	// Phase C: composite scoring. The carbon bonus is normalised against
	// the best saving in this candidate set.
	maxSaved := 0.0
	for _, c := range survivors {
		if c.carbonSaved > maxSaved {
			maxSaved = c.carbonSaved
		}
	}
	for _, c := range survivors {
		scoreCandidate(c, cfg, maxSaved)
	}

	// Ties: smaller detour, then higher driver rating, then earlier offer.
	sort.SliceStable(survivors, func(i, j int) bool {
		a, b := survivors[i], survivors[j]
		if a.score != b.score {
			return a.score < b.score
		}
		if a.detourMin != b.detourMin {
			return a.detourMin < b.detourMin
		}
		if a.trip.DriverRating != b.trip.DriverRating {
			return a.trip.DriverRating > b.trip.DriverRating
		}
		if !a.trip.CreatedAt.Equal(b.trip.CreatedAt) {
			return a.trip.CreatedAt.Before(b.trip.CreatedAt)
		}
		return a.trip.ID.String() < b.trip.ID.String()
	})

	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 10
	}
	if len(survivors) > maxResults {
		survivors = survivors[:maxResults]
	}

	now := time.Now().UTC()
	results := make([]*MatchResult, 0, len(survivors))
	for _, c := range survivors {
		e.stats.recordScore(c.score)
		results = append(results, buildResult(req, c, cfg, now))
	}
	return results
}

func (e *Engine) filterCandidate(req *RiderRequest, trip *DriverTrip, cfg MatchConfig) (*scoredCandidate, string) {
	slack := time.Duration(cfg.TimeSlackMin) * time.Minute
	if trip.DepartureTime.Before(req.EarliestDeparture.Add(-slack)) || trip.DepartureTime.After(req.LatestDeparture) {
		return nil, DropTimeWindow
	}

	route := trip.Route()

	pickupDist := geo.DistanceToRouteKm(req.Pickup, route)
	if pickupDist > cfg.MaxPickupDistanceKm {
		return nil, DropPickupDistance
	}

	if dropoffDist := geo.DistanceToRouteKm(req.Dropoff, route); dropoffDist > cfg.MaxDropoffDistanceKm {
		return nil, DropDropoffDistance
	}

	if trip.AvailableSeats < req.SeatsNeeded {
		return nil, DropSeats
	}

	minRating := cfg.MinDriverRating
	if req.Preferences.MinDriverRating > minRating {
		minRating = req.Preferences.MinDriverRating
	}
	if minRating > 0 && trip.DriverRating > 0 && trip.DriverRating < minRating {
		return nil, DropRating
	}

	if req.Preferences.WheelchairNeeded && !trip.Vehicle.WheelchairAccessible {
		return nil, DropAccessibility
	}

	sameOrg := req.OrganizationID != nil && trip.OrganizationID != nil &&
		*req.OrganizationID == *trip.OrganizationID
	if req.Preferences.SameOrgPreference == OrgPreferenceStrict && !sameOrg {
		return nil, DropOrganization
	}

	halfWidth := req.LatestDeparture.Sub(req.EarliestDeparture) / 2
	timeTerm := 0.0
	if halfWidth > 0 {
		timeTerm = math.Min(1, absDuration(trip.DepartureTime.Sub(req.MidWindow())).Minutes()/halfWidth.Minutes())
	}

	ratingTerm := 0.0
	if trip.DriverRating > 0 {
		ratingTerm = math.Max(0, math.Min(1, (5-trip.DriverRating)/4))
	}

	directKm := geo.HaversineKm(req.Pickup, req.Dropoff)

	return &scoredCandidate{
		trip:         trip,
		route:        route,
		detourMin:    geo.DetourMinutes(route, req.Pickup, req.Dropoff, cfg.AvgSpeedKmH),
		pickupDistKm: pickupDist,
		timeTerm:     timeTerm,
		ratingTerm:   ratingTerm,
		sameOrg:      sameOrg,
		carbonSaved:  directKm * carbonKgPerKm * float64(req.SeatsNeeded),
	}, ""
}

func scoreCandidate(c *scoredCandidate, cfg MatchConfig, maxSaved float64) {
	w := cfg.Weights

	maxDetour := cfg.MaxDetourMin
	if maxDetour <= 0 {
		maxDetour = 15
	}
	maxPickup := cfg.MaxPickupDistanceKm
	if maxPickup <= 0 {
		maxPickup = 2
	}

	orgTerm := 1.0
	if c.sameOrg {
		orgTerm = 0
	}
	carbonBonus := 0.0
	if maxSaved > 0 {
		carbonBonus = c.carbonSaved / maxSaved
	}

	c.breakdown = ScoreBreakdown{
		DetourTerm:   w.Detour * (c.detourMin / maxDetour),
		PickupTerm:   w.Pickup * (c.pickupDistKm / maxPickup),
		TimeTerm:     w.Time * c.timeTerm,
		RatingTerm:   w.Rating * c.ratingTerm,
		OrgTerm:      w.Org * orgTerm,
		CarbonBonus:  w.Carbon * carbonBonus,
		DetourMin:    c.detourMin,
		PickupDistKm: c.pickupDistKm,
		SameOrg:      c.sameOrg,
	}

	c.score = c.breakdown.DetourTerm + c.breakdown.PickupTerm + c.breakdown.TimeTerm +
		c.breakdown.RatingTerm + c.breakdown.OrgTerm - c.breakdown.CarbonBonus
}

func buildResult(req *RiderRequest, c *scoredCandidate, cfg MatchConfig, now time.Time) *MatchResult {
	avgSpeed := cfg.AvgSpeedKmH
	if avgSpeed <= 0 {
		avgSpeed = 30
	}
	toPickupMin := geo.HaversineKm(c.trip.Origin, req.Pickup) / avgSpeed * 60

	return &MatchResult{
		ID:                  uuid.New(),
		DriverTripID:        c.trip.ID,
		RiderRequestID:      req.ID,
		DriverID:            c.trip.DriverID,
		RiderID:             req.RiderID,
		Score:               c.score,
		Breakdown:           c.breakdown,
		EstimatedPickupTime: c.trip.DepartureTime.Add(time.Duration(toPickupMin * float64(time.Minute))),
		DetourMinutes:       c.detourMin,
		PickupDistKm:        c.pickupDistKm,
		CarbonSavedKg:       c.carbonSaved,
		Explanation:         explain(c),
		Status:              MatchPending,
		CreatedAt:           now,
	}
}

// explain builds the human-readable summary shown alongside a match.
func explain(c *scoredCandidate) string {
	s := fmt.Sprintf("%.0f-min detour, %.1f km walk", c.detourMin, c.pickupDistKm)
	if c.sameOrg {
		s += ", same org"
	}
	if c.trip.DriverRating > 0 {
		s += fmt.Sprintf(", %.1f★", c.trip.DriverRating)
	}
	return s
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
