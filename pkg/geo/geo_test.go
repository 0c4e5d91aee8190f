package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	sandton  = Point{Lat: -26.1076, Lng: 28.0567}
	joburg   = Point{Lat: -26.2041, Lng: 28.0473}
	pretoria = Point{Lat: -25.7479, Lng: 28.2293}
)

func TestHaversineKm(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Point
		expected float64
		delta    float64
	}{
		{name: "same point", a: joburg, b: joburg, expected: 0, delta: 0.001},
		{name: "joburg to sandton", a: joburg, b: sandton, expected: 10.78, delta: 0.3},
		{name: "joburg to pretoria", a: joburg, b: pretoria, expected: 53.9, delta: 1.5},
		{name: "symmetric", a: sandton, b: joburg, expected: 10.78, delta: 0.3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, HaversineKm(tt.a, tt.b), tt.delta)
		})
	}
}

func TestBoundingBox(t *testing.T) {
	box := BoundingBox([]Point{joburg, sandton}, 5)

	assert.True(t, box.Contains(joburg))
	assert.True(t, box.Contains(sandton))

	// Pad of 5 km is roughly 0.045 degrees of latitude.
	assert.InDelta(t, -26.2041-5.0/111.0, box.MinLat, 0.001)
	assert.InDelta(t, -26.1076+5.0/111.0, box.MaxLat, 0.001)

	// A point 3 km beyond the unpadded edge still falls inside.
	assert.True(t, box.Contains(Point{Lat: -26.23, Lng: 28.05}))
	// A point 20 km away does not.
	assert.False(t, box.Contains(Point{Lat: -26.40, Lng: 28.05}))
}

func TestBoundingBoxEmpty(t *testing.T) {
	assert.Equal(t, BBox{}, BoundingBox(nil, 5))
}

func TestPerpDistanceKm(t *testing.T) {
	segStart := Point{Lat: -26.20, Lng: 28.00}
	segEnd := Point{Lat: -26.20, Lng: 28.20}

	t.Run("point on segment", func(t *testing.T) {
		onSeg := Point{Lat: -26.20, Lng: 28.10}
		assert.InDelta(t, 0, PerpDistanceKm(onSeg, segStart, segEnd), 0.01)
	})

	t.Run("point beside segment", func(t *testing.T) {
		// ~0.01 degrees of latitude north of the segment midpoint, ~1.11 km.
		beside := Point{Lat: -26.19, Lng: 28.10}
		assert.InDelta(t, 1.11, PerpDistanceKm(beside, segStart, segEnd), 0.05)
	})

	t.Run("clamped to endpoint", func(t *testing.T) {
		// Beyond segEnd along the segment axis; distance is to segEnd itself.
		past := Point{Lat: -26.20, Lng: 28.30}
		assert.InDelta(t, HaversineKm(past, segEnd), PerpDistanceKm(past, segStart, segEnd), 0.01)
	})

	t.Run("degenerate segment", func(t *testing.T) {
		d := PerpDistanceKm(joburg, sandton, sandton)
		assert.InDelta(t, HaversineKm(joburg, sandton), d, 0.001)
	})
}

func TestPolylineRoundTrip(t *testing.T) {
	points := []Point{
		{Lat: -26.204103, Lng: 28.047305},
		{Lat: -26.195000, Lng: 28.052000},
		{Lat: -26.107600, Lng: 28.056700},
	}

	encoded := EncodePolyline(points)
	decoded, err := DecodePolyline(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, len(points))

	for i := range points {
		assert.InDelta(t, points[i].Lat, decoded[i].Lat, 1e-6)
		assert.InDelta(t, points[i].Lng, decoded[i].Lng, 1e-6)
	}

	// Re-encoding a decoded string reproduces it exactly.
	assert.Equal(t, encoded, EncodePolyline(decoded))
}

func TestDecodePolylineInvalid(t *testing.T) {
	// A lone continuation byte never terminates a value.
	_, err := DecodePolyline("\x7f")
	assert.Error(t, err)
}

func TestDecodePolylineEmpty(t *testing.T) {
	points, err := DecodePolyline("")
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestDetourMinutes(t *testing.T) {
	route := []Point{joburg, sandton}

	t.Run("rider along the corridor adds little", func(t *testing.T) {
		pickup := Point{Lat: -26.195, Lng: 28.052}
		dropoff := Point{Lat: -26.112, Lng: 28.061}
		detour := DetourMinutes(route, pickup, dropoff, 30)
		assert.Less(t, detour, 10.0)
		assert.GreaterOrEqual(t, detour, 0.0)
	})

	t.Run("rider far off-route costs more", func(t *testing.T) {
		onCorridor := DetourMinutes(route, Point{Lat: -26.195, Lng: 28.052}, Point{Lat: -26.112, Lng: 28.061}, 30)
		offCorridor := DetourMinutes(route, pretoria, Point{Lat: -25.70, Lng: 28.25}, 30)
		assert.Greater(t, offCorridor, onCorridor)
	})

	t.Run("non-positive speed falls back to default", func(t *testing.T) {
		pickup := Point{Lat: -26.195, Lng: 28.052}
		dropoff := Point{Lat: -26.112, Lng: 28.061}
		assert.InDelta(t, DetourMinutes(route, pickup, dropoff, 30), DetourMinutes(route, pickup, dropoff, 0), 0.001)
	})
}

func TestNearestNeighbourOrder(t *testing.T) {
	stops := []Stop{
		{PairID: "a", Point: Point{Lat: -26.19, Lng: 28.05}, IsPickup: true},
		{PairID: "a", Point: Point{Lat: -26.12, Lng: 28.06}, IsPickup: false},
		{PairID: "b", Point: Point{Lat: -26.18, Lng: 28.04}, IsPickup: true},
		{PairID: "b", Point: Point{Lat: -26.13, Lng: 28.07}, IsPickup: false},
	}

	ordered := NearestNeighbourOrder(joburg, stops)
	require.Len(t, ordered, 4)

	seenPickup := map[string]bool{}
	for _, s := range ordered {
		if s.IsPickup {
			seenPickup[s.PairID] = true
		} else {
			assert.True(t, seenPickup[s.PairID], "dropoff for pair %s before its pickup", s.PairID)
		}
	}
}

func TestNearestNeighbourOrderDeterministic(t *testing.T) {
	stops := []Stop{
		{PairID: "a", Point: Point{Lat: -26.19, Lng: 28.05}, IsPickup: true},
		{PairID: "a", Point: Point{Lat: -26.12, Lng: 28.06}, IsPickup: false},
		{PairID: "b", Point: Point{Lat: -26.18, Lng: 28.04}, IsPickup: true},
		{PairID: "b", Point: Point{Lat: -26.13, Lng: 28.07}, IsPickup: false},
	}

	first := NearestNeighbourOrder(joburg, stops)
	second := NearestNeighbourOrder(joburg, stops)
	assert.Equal(t, first, second)
}
