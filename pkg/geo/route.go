package geo

import "math"

// DetourKm returns the extra distance added to route when the segment
// pickup -> dropoff is spliced in by cheapest insertion, keeping the dropoff
// after the pickup. Exhaustive over both insertion points rather than a
// single nearest-neighbour pass: routes are short, and the result is never
// longer.
func DetourKm(route []Point, pickup, dropoff Point) float64 {
	if len(route) < 2 {
		return HaversineKm(pickup, dropoff)
	}

	base := RouteLengthKm(route)

	best := math.Inf(1)
	// Insert pickup after index i and dropoff after index j, j >= i.
	for i := 0; i < len(route)-1; i++ {
		for j := i; j < len(route)-1; j++ {
			candidate := spliceStops(route, pickup, dropoff, i, j)
			if length := RouteLengthKm(candidate); length < best {
				best = length
			}
		}
	}

	detour := best - base
	if detour < 0 {
		return 0
	}
	return detour
}

func spliceStops(route []Point, pickup, dropoff Point, i, j int) []Point {
	out := make([]Point, 0, len(route)+2)
	out = append(out, route[:i+1]...)
	out = append(out, pickup)
	if j == i {
		out = append(out, dropoff)
		out = append(out, route[i+1:]...)
		return out
	}
	out = append(out, route[i+1:j+1]...)
	out = append(out, dropoff)
	out = append(out, route[j+1:]...)
	return out
}

// DetourMinutes estimates the extra travel time in minutes of serving the
// rider's pickup and dropoff along route at avgSpeedKmH.
func DetourMinutes(route []Point, pickup, dropoff Point, avgSpeedKmH float64) float64 {
	if avgSpeedKmH <= 0 {
		avgSpeedKmH = 30
	}
	return DetourKm(route, pickup, dropoff) / avgSpeedKmH * 60
}

// Stop is a pool stop with its pairing. Pickup stops must precede the
// dropoff stop sharing their PairID.
type Stop struct {
	PairID   string
	Point    Point
	IsPickup bool
}

// NearestNeighbourOrder orders stops greedily by distance from start, never
// emitting a dropoff before the pickup of the same pair. Deterministic for a
// fixed input order.
func NearestNeighbourOrder(start Point, stops []Stop) []Stop {
	remaining := make([]Stop, len(stops))
	copy(remaining, stops)

	pickedUp := make(map[string]bool, len(stops))
	ordered := make([]Stop, 0, len(stops))
	current := start

	for len(remaining) > 0 {
		bestIdx := -1
		bestDist := math.Inf(1)
		for idx, s := range remaining {
			if !s.IsPickup && !pickedUp[s.PairID] {
				continue
			}
			if d := HaversineKm(current, s.Point); d < bestDist {
				bestDist = d
				bestIdx = idx
			}
		}
		if bestIdx < 0 {
			// Orphan dropoffs with no pickup in the set; append as-is.
			ordered = append(ordered, remaining...)
			break
		}

		chosen := remaining[bestIdx]
		ordered = append(ordered, chosen)
		if chosen.IsPickup {
			pickedUp[chosen.PairID] = true
		}
		current = chosen.Point
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	return ordered
}
