package alert

// Severity is the display class attached to an accepted alert.
type Severity string

const (
	// SeverityRed marks alerts that warrant the most prominent display.
	SeverityRed Severity = "alert-red"
)

// DefaultDisplayLabel is the link text shown next to each alert.
const DefaultDisplayLabel = "View Alert"

// Alert is a feed entry that passed the keyword and geofence predicates.
// This is the format published to readers.
type Alert struct {
	// Title is the alert headline exactly as it appeared in the feed
	Title string `json:"title"`
	// URL links to the full alert
	URL string `json:"url"`
	// DisplayLabel is the link text for URL
	DisplayLabel string `json:"readmoreText"`
	// Severity is the display class
	Severity Severity `json:"alertClass"`
}
