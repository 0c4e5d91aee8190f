package matching

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lifthub/carpool/pkg/geo"
)

// PoolCandidate pairs a scored match with the rider request behind it.
type PoolCandidate struct {
	Match   *MatchResult
	Request *RiderRequest
}

// BuildPool greedily assembles a multi-rider pool for one driver from the
// given candidates. Riders are taken by ascending score while cumulative
// seats fit the vehicle and cumulative detour stays under the pool cap. The
// stop order is a nearest-neighbour tour from the driver's origin with each
// pickup forced before its paired dropoff. Returns nil when no rider fits.
func (e *Engine) BuildPool(trip *DriverTrip, candidates []PoolCandidate, cfg MatchConfig) *PoolAssignment {
	sorted := make([]PoolCandidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Match, sorted[j].Match
		if a.Score != b.Score {
			return a.Score < b.Score
		}
		if a.DetourMinutes != b.DetourMinutes {
			return a.DetourMinutes < b.DetourMinutes
		}
		return a.ID.String() < b.ID.String()
	})

	maxDetour := cfg.MaxPoolDetourMin
	if maxDetour <= 0 {
		maxDetour = 30
	}
	maxRiders := cfg.MaxRidersPerDriver
	if maxRiders <= 0 {
		maxRiders = 4
	}

	var (
		chosen      []PoolCandidate
		seatsUsed   int
		totalDetour float64
		totalScore  float64
	)
	for _, c := range sorted {
		if c.Match.DriverTripID != trip.ID {
			continue
		}
		if len(chosen) >= maxRiders {
			break
		}
		if seatsUsed+c.Request.SeatsNeeded > trip.TotalSeats {
			continue
		}
		if totalDetour+c.Match.DetourMinutes > maxDetour {
			continue
		}
		chosen = append(chosen, c)
		seatsUsed += c.Request.SeatsNeeded
		totalDetour += c.Match.DetourMinutes
		totalScore += c.Match.Score
	}
	if len(chosen) == 0 {
		return nil
	}

	stops := make([]geo.Stop, 0, len(chosen)*2)
	byPair := make(map[string]PoolCandidate, len(chosen))
	for _, c := range chosen {
		pair := c.Match.ID.String()
		byPair[pair] = c
		stops = append(stops,
			geo.Stop{PairID: pair, Point: c.Request.Pickup, IsPickup: true},
			geo.Stop{PairID: pair, Point: c.Request.Dropoff, IsPickup: false},
		)
	}
	ordered := geo.NearestNeighbourOrder(trip.Origin, stops)

	orderedStops := make([]OrderedStop, 0, len(ordered))
	pickupOrder := make(map[string]int, len(chosen))
	dropoffOrder := make(map[string]int, len(chosen))
	for seq, stop := range ordered {
		c := byPair[stop.PairID]
		stopType := "dropoff"
		if stop.IsPickup {
			stopType = "pickup"
			pickupOrder[stop.PairID] = seq
		} else {
			dropoffOrder[stop.PairID] = seq
		}
		orderedStops = append(orderedStops, OrderedStop{
			RiderID:  c.Request.RiderID,
			MatchID:  c.Match.ID,
			Type:     stopType,
			Point:    stop.Point,
			Sequence: seq,
		})
	}

	members := make([]PoolMember, 0, len(chosen))
	for _, c := range chosen {
		pair := c.Match.ID.String()
		members = append(members, PoolMember{
			MatchID:      c.Match.ID,
			RiderID:      c.Request.RiderID,
			PickupOrder:  pickupOrder[pair],
			DropoffOrder: dropoffOrder[pair],
		})
	}

	return &PoolAssignment{
		ID:                 uuid.New(),
		DriverTripID:       trip.ID,
		Members:            members,
		TotalScore:         totalScore,
		AvgScore:           totalScore / float64(len(chosen)),
		SeatsUsed:          seatsUsed,
		SeatsRemaining:     trip.TotalSeats - seatsUsed,
		TotalDetourMinutes: totalDetour,
		OrderedStops:       orderedStops,
		Status:             MatchPending,
		CreatedAt:          time.Now().UTC(),
	}
}
