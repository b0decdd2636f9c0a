// Package geofence decides whether watch points fall inside an alert's affected area.
package geofence

import "math"

// epsilon is the tolerance used to treat a point as lying on an edge or vertex.
const epsilon = 1e-9

// Point is a geographic coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Polygon is an ordered vertex sequence. The last vertex implicitly connects to the first.
type Polygon []Point

// Position is the result of a containment test.
type Position int

const (
	// Outside means the point is not contained by the polygon.
	Outside Position = iota
	// Inside means the point is strictly within the polygon.
	Inside
	// Boundary means the point touches an edge or a vertex of the polygon.
	Boundary
)

// String returns the lower-case name of the position.
func (p Position) String() string {
	switch p {
	case Inside:
		return "inside"
	case Boundary:
		return "boundary"
	default:
		return "outside"
	}
}

// PointInPolygon reports where p lies relative to poly using a ray-casting test.
// Polygons with fewer than 3 vertices are degenerate and always yield Outside.
func PointInPolygon(p Point, poly Polygon) Position {
	if len(poly) < 3 {
		return Outside
	}

	inside := false
	for i, j := 0, len(poly)-1; i < len(poly); j, i = i, i+1 {
		a, b := poly[j], poly[i]

		if onSegment(p, a, b) {
			return Boundary
		}

		// Cast a ray towards increasing longitude and count edge crossings.
		if (a.Lat > p.Lat) != (b.Lat > p.Lat) {
			crossLon := a.Lon + (p.Lat-a.Lat)*(b.Lon-a.Lon)/(b.Lat-a.Lat)
			if p.Lon < crossLon {
				inside = !inside
			}
		}
	}

	if inside {
		return Inside
	}
	return Outside
}

// RegionIntersectsPolygon reports whether any watch point is inside or on the
// boundary of poly. It stops at the first match. No watch points, or no
// polygon, means geofencing does not apply and the result is true.
func RegionIntersectsPolygon(points []Point, poly Polygon) bool {
	if len(points) == 0 || poly == nil {
		return true
	}

	for _, p := range points {
		if PointInPolygon(p, poly) != Outside {
			return true
		}
	}
	return false
}

// onSegment reports whether p lies on the segment a-b within epsilon.
func onSegment(p, a, b Point) bool {
	cross := (b.Lon-a.Lon)*(p.Lat-a.Lat) - (b.Lat-a.Lat)*(p.Lon-a.Lon)
	if math.Abs(cross) > epsilon {
		return false
	}

	return p.Lon >= math.Min(a.Lon, b.Lon)-epsilon &&
		p.Lon <= math.Max(a.Lon, b.Lon)+epsilon &&
		p.Lat >= math.Min(a.Lat, b.Lat)-epsilon &&
		p.Lat <= math.Max(a.Lat, b.Lat)+epsilon
}
