package feed

import (
	"encoding/xml"
	"fmt"

	"github.com/mattermost/mattermost-plugin-weather-alerts/server/geofence"
)

// RawAlert is a single entry from the upstream feed. Polygon is nil when the
// entry carries no spatial boundary.
type RawAlert struct {
	Title   string
	Link    string
	Polygon geofence.Polygon
}

// atomFeed is the subset of the NWS CAP Atom document the plugin consumes.
// Any other root element is rejected as a parse error.
type atomFeed struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Title string     `xml:"title"`
	Links []atomLink `xml:"link"`
	// Matches cap:polygon for any CAP namespace revision
	Polygon string `xml:"polygon"`
}

type atomLink struct {
	Href string `xml:"href,attr"`
	Rel  string `xml:"rel,attr"`
}

// canonicalLink returns the alternate link of the entry, falling back to the first link.
func (e atomEntry) canonicalLink() string {
	for _, link := range e.Links {
		if link.Rel == "" || link.Rel == "alternate" {
			return link.Href
		}
	}
	if len(e.Links) > 0 {
		return e.Links[0].Href
	}
	return ""
}

// ErrorKind classifies fetch failures.
type ErrorKind int

const (
	// KindNetwork covers transport failures and unexpected HTTP statuses.
	KindNetwork ErrorKind = iota + 1
	// KindParse covers malformed feed payloads.
	KindParse
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindParse:
		return "parse"
	default:
		return "unknown"
	}
}

// FetchError is returned by Fetch for every failure.
type FetchError struct {
	Kind ErrorKind
	URL  string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s error fetching %s: %v", e.Kind, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
