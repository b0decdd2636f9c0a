package geofence

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultWatchPoints are representative points across Sudbury, MA. They are
// used when no watch points are configured.
var DefaultWatchPoints = []Point{
	{Lat: 42.437255, Lon: -71.430091},
	{Lat: 42.412456, Lon: -71.367254},
	{Lat: 42.402443, Lon: -71.469564},
	{Lat: 42.352733, Lon: -71.484842},
	{Lat: 42.341442, Lon: -71.389913},
}

// ParsePolygon parses the CAP polygon text form: space separated "lat,lon" pairs.
// An empty string yields a nil polygon.
func ParsePolygon(s string) (Polygon, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, nil
	}

	poly := make(Polygon, 0, len(fields))
	for _, field := range fields {
		p, err := parsePair(field)
		if err != nil {
			return nil, fmt.Errorf("invalid polygon vertex %q: %w", field, err)
		}
		poly = append(poly, p)
	}
	return poly, nil
}

// ParsePoints parses one "lat,lon" pair per line. Blank lines are ignored.
func ParsePoints(text string) ([]Point, error) {
	var points []Point
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		p, err := parsePair(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		points = append(points, p)
	}
	return points, nil
}

func parsePair(s string) (Point, error) {
	latStr, lonStr, ok := strings.Cut(s, ",")
	if !ok {
		return Point{}, fmt.Errorf("expected \"lat,lon\", got %q", s)
	}

	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return Point{}, fmt.Errorf("invalid latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonStr), 64)
	if err != nil {
		return Point{}, fmt.Errorf("invalid longitude: %w", err)
	}

	if lat < -90 || lat > 90 {
		return Point{}, fmt.Errorf("latitude %v out of range", lat)
	}
	if lon < -180 || lon > 180 {
		return Point{}, fmt.Errorf("longitude %v out of range", lon)
	}

	return Point{Lat: lat, Lon: lon}, nil
}
