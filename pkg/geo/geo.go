package geo

import "math"

const earthRadiusKm = 6371.0

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// BBox is an axis-aligned lat/lng rectangle.
type BBox struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLng float64 `json:"min_lng"`
	MaxLng float64 `json:"max_lng"`
}

// Contains reports whether p lies inside the box.
func (b BBox) Contains(p Point) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat &&
		p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}

// HaversineKm returns the great-circle distance between a and b in km.
func HaversineKm(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)

	return 2 * earthRadiusKm * math.Asin(math.Sqrt(h))
}

// BoundingBox returns the axis-aligned rectangle around pts padded by padKm.
// The latitude pad is padKm/111; the longitude pad widens with latitude by
// padKm/(111*cos(meanLat)).
func BoundingBox(pts []Point, padKm float64) BBox {
	if len(pts) == 0 {
		return BBox{}
	}

	box := BBox{
		MinLat: pts[0].Lat, MaxLat: pts[0].Lat,
		MinLng: pts[0].Lng, MaxLng: pts[0].Lng,
	}
	meanLat := 0.0
	for _, p := range pts {
		box.MinLat = math.Min(box.MinLat, p.Lat)
		box.MaxLat = math.Max(box.MaxLat, p.Lat)
		box.MinLng = math.Min(box.MinLng, p.Lng)
		box.MaxLng = math.Max(box.MaxLng, p.Lng)
		meanLat += p.Lat
	}
	meanLat /= float64(len(pts))

	latPad := padKm / 111.0
	cosLat := math.Cos(meanLat * math.Pi / 180)
	if cosLat < 0.01 {
		cosLat = 0.01
	}
	lngPad := padKm / (111.0 * cosLat)

	box.MinLat -= latPad
	box.MaxLat += latPad
	box.MinLng -= lngPad
	box.MaxLng += lngPad
	return box
}

// PerpDistanceKm returns the distance from point to the segment
// [segStart, segEnd], clamped to the endpoints. Uses a local equirectangular
// projection, accurate at the few-km scale the matcher works with.
func PerpDistanceKm(point, segStart, segEnd Point) float64 {
	cosLat := math.Cos(segStart.Lat * math.Pi / 180)

	ax, ay := segStart.Lng*cosLat, segStart.Lat
	bx, by := segEnd.Lng*cosLat, segEnd.Lat
	px, py := point.Lng*cosLat, point.Lat

	dx, dy := bx-ax, by-ay
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return HaversineKm(point, segStart)
	}

	t := ((px-ax)*dx + (py-ay)*dy) / lenSq
	t = math.Max(0, math.Min(1, t))

	closest := Point{
		Lat: ay + t*dy,
		Lng: (ax + t*dx) / cosLat,
	}
	return HaversineKm(point, closest)
}

// DistanceToRouteKm returns the minimum perpendicular distance from point to
// any segment of route. A single-point route degenerates to point distance.
func DistanceToRouteKm(point Point, route []Point) float64 {
	switch len(route) {
	case 0:
		return math.Inf(1)
	case 1:
		return HaversineKm(point, route[0])
	}

	best := math.Inf(1)
	for i := 0; i < len(route)-1; i++ {
		if d := PerpDistanceKm(point, route[i], route[i+1]); d < best {
			best = d
		}
	}
	return best
}

// RouteLengthKm sums the leg distances along route.
func RouteLengthKm(route []Point) float64 {
	total := 0.0
	for i := 0; i < len(route)-1; i++ {
		total += HaversineKm(route[i], route[i+1])
	}
	return total
}
