package geo

import (
	"fmt"
	"math"
	"strings"
)

// Polyline codec in the Google encoded format at precision 6.
const polylinePrecision = 1e6

// EncodePolyline encodes points as a precision-6 Google polyline.
func EncodePolyline(points []Point) string {
	var sb strings.Builder
	prevLat, prevLng := 0, 0

	for _, p := range points {
		lat := int(math.Round(p.Lat * polylinePrecision))
		lng := int(math.Round(p.Lng * polylinePrecision))

		encodeSigned(&sb, lat-prevLat)
		encodeSigned(&sb, lng-prevLng)

		prevLat, prevLng = lat, lng
	}

	return sb.String()
}

func encodeSigned(sb *strings.Builder, value int) {
	shifted := value << 1
	if value < 0 {
		shifted = ^shifted
	}
	for shifted >= 0x20 {
		sb.WriteByte(byte((0x20 | (shifted & 0x1f)) + 63))
		shifted >>= 5
	}
	sb.WriteByte(byte(shifted + 63))
}

// DecodePolyline decodes a precision-6 Google polyline.
func DecodePolyline(encoded string) ([]Point, error) {
	var points []Point
	lat, lng := 0, 0
	index := 0

	for index < len(encoded) {
		dLat, next, err := decodeSigned(encoded, index)
		if err != nil {
			return nil, err
		}
		dLng, after, err := decodeSigned(encoded, next)
		if err != nil {
			return nil, err
		}

		lat += dLat
		lng += dLng
		index = after

		points = append(points, Point{
			Lat: float64(lat) / polylinePrecision,
			Lng: float64(lng) / polylinePrecision,
		})
	}

	return points, nil
}

func decodeSigned(encoded string, index int) (int, int, error) {
	result, shift := 0, 0
	for {
		if index >= len(encoded) {
			return 0, 0, fmt.Errorf("truncated polyline at byte %d", index)
		}
		b := int(encoded[index]) - 63
		if b < 0 {
			return 0, 0, fmt.Errorf("invalid polyline byte %q at %d", encoded[index], index)
		}
		index++
		result |= (b & 0x1f) << shift
		shift += 5
		if b < 0x20 {
			break
		}
	}

	if result&1 != 0 {
		return ^(result >> 1), index, nil
	}
	return result >> 1, index, nil
}
