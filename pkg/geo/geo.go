package geo

import (
	"fmt"

	"github.com/mmcloughlin/geohash"
)

// Point is a geographic coordinate in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point is within geographic range.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// BoundingBox is a map viewport. A box whose MinLng is greater than its
// MaxLng crosses the antimeridian and is treated as the union of two boxes,
// not as a single malformed box.
type BoundingBox struct {
	MinLat float64 `json:"min_lat"`
	MinLng float64 `json:"min_lng"`
	MaxLat float64 `json:"max_lat"`
	MaxLng float64 `json:"max_lng"`
}

// Validate checks the box is geographically coherent.
func (b BoundingBox) Validate() error {
	if b.MinLat < -90 || b.MaxLat > 90 {
		return fmt.Errorf("latitude out of range: [%f, %f]", b.MinLat, b.MaxLat)
	}
	if b.MinLat > b.MaxLat {
		return fmt.Errorf("min latitude %f exceeds max latitude %f", b.MinLat, b.MaxLat)
	}
	if b.MinLng < -180 || b.MinLng > 180 || b.MaxLng < -180 || b.MaxLng > 180 {
		return fmt.Errorf("longitude out of range: [%f, %f]", b.MinLng, b.MaxLng)
	}
	return nil
}

// CrossesAntimeridian reports whether the box wraps around the 180° meridian.
func (b BoundingBox) CrossesAntimeridian() bool {
	return b.MinLng > b.MaxLng
}

// Split returns the box as one or two non-wrapping boxes. A box crossing the
// antimeridian becomes the pair [MinLng, 180] and [-180, MaxLng].
func (b BoundingBox) Split() []BoundingBox {
	if !b.CrossesAntimeridian() {
		return []BoundingBox{b}
	}
	return []BoundingBox{
		{MinLat: b.MinLat, MinLng: b.MinLng, MaxLat: b.MaxLat, MaxLng: 180},
		{MinLat: b.MinLat, MinLng: -180, MaxLat: b.MaxLat, MaxLng: b.MaxLng},
	}
}

// Contains reports whether the point falls inside the viewport.
func (b BoundingBox) Contains(p Point) bool {
	for _, box := range b.Split() {
		if p.Lat >= box.MinLat && p.Lat <= box.MaxLat &&
			p.Lng >= box.MinLng && p.Lng <= box.MaxLng {
			return true
		}
	}
	return false
}

// Extend grows the box to include the point. A zero box adopts the point.
func (b BoundingBox) Extend(p Point) BoundingBox {
	if b == (BoundingBox{}) {
		return BoundingBox{MinLat: p.Lat, MinLng: p.Lng, MaxLat: p.Lat, MaxLng: p.Lng}
	}
	if p.Lat < b.MinLat {
		b.MinLat = p.Lat
	}
	if p.Lat > b.MaxLat {
		b.MaxLat = p.Lat
	}
	if p.Lng < b.MinLng {
		b.MinLng = p.Lng
	}
	if p.Lng > b.MaxLng {
		b.MaxLng = p.Lng
	}
	return b
}

// Centroid returns the arithmetic center of the points.
// Returns the zero point for an empty slice.
func Centroid(points []Point) Point {
	if len(points) == 0 {
		return Point{}
	}
	var sumLat, sumLng float64
	for _, p := range points {
		sumLat += p.Lat
		sumLng += p.Lng
	}
	n := float64(len(points))
	return Point{Lat: sumLat / n, Lng: sumLng / n}
}

// PrecisionForZoom maps a map zoom level to a geohash precision. The mapping
// is a fixed step function: lower zoom yields coarser cells and therefore
// fewer, larger clusters. Deterministic and pure so identical queries cluster
// identically.
func PrecisionForZoom(zoom int) uint {
	switch {
	case zoom <= 6:
		return 3 // continental
	case zoom <= 9:
		return 4 // country
	case zoom <= 12:
		return 5 // state/region
	case zoom <= 15:
		return 6 // city
	default:
		return 7 // street level
	}
}

// Cell returns the geohash cell containing the point at the given precision.
func Cell(p Point, precision uint) string {
	return geohash.EncodeWithPrecision(p.Lat, p.Lng, precision)
}
