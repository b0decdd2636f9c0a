// Package alert turns raw feed entries into the alerts published to readers.
package alert

import (
	"strings"

	"github.com/mattermost/mattermost-plugin-weather-alerts/server/feed"
	"github.com/mattermost/mattermost-plugin-weather-alerts/server/geofence"
)

// DefaultKeywords keep the big, actionable warnings and drop minor products
// like flood watches.
var DefaultKeywords = []string{
	"tornado warning",
	"severe thunderstorm warning",
}

// WatchArea selects the alerts relevant to the configured region.
type WatchArea struct {
	// Keywords are matched case-insensitively as title substrings. Empty matches everything.
	Keywords []string `json:"keywords"`
	// WatchPoints are representative points of the region. Empty disables geofencing.
	WatchPoints []geofence.Point `json:"watchPoints"`
}

// Filter applies the keyword and geofence predicates to raw alerts and maps the
// survivors to Alerts. Feed order is preserved and duplicates are kept.
func Filter(raw []feed.RawAlert, area WatchArea) []Alert {
	accepted := make([]Alert, 0, len(raw))

	for _, r := range raw {
		if !matchesKeywords(strings.ToLower(r.Title), area.Keywords) {
			continue
		}

		// Entries without a polygon are kept: some alert types never carry one.
		if len(area.WatchPoints) > 0 && !geofence.RegionIntersectsPolygon(area.WatchPoints, r.Polygon) {
			continue
		}

		accepted = append(accepted, normalize(r))
	}

	return accepted
}

// matchesKeywords reports whether the lower-cased title contains any non-blank keyword.
func matchesKeywords(titleLC string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}

	for _, keyword := range keywords {
		search := strings.ToLower(strings.TrimSpace(keyword))
		if search == "" {
			continue
		}
		if strings.Contains(titleLC, search) {
			return true
		}
	}
	return false
}

// normalize converts an accepted raw alert to the published format.
func normalize(r feed.RawAlert) Alert {
	return Alert{
		Title:        r.Title,
		URL:          r.Link,
		DisplayLabel: DefaultDisplayLabel,
		Severity:     SeverityRed,
	}
}

// ParseKeywords splits settings text into keywords, one per line. Keywords are
// trimmed and lower-cased and blank lines are dropped.
func ParseKeywords(text string) []string {
	var keywords []string
	for _, line := range strings.Split(text, "\n") {
		keyword := strings.ToLower(strings.TrimSpace(line))
		if keyword == "" {
			continue
		}
		keywords = append(keywords, keyword)
	}
	return keywords
}
