// Package feed retrieves the NWS CAP Atom alert feed and parses it into raw alerts.
package feed

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mattermost/mattermost-plugin-weather-alerts/server/geofence"
)

const (
	// DefaultTimeout bounds a single feed request, including a cold-cache
	// refresh that a reader waits on.
	DefaultTimeout = 1500 * time.Millisecond

	// maxFeedBytes caps the size of a feed body.
	maxFeedBytes = 5 << 20
)

// Logger is the structured logger used by the client.
type Logger interface {
	Debug(message string, keyValuePairs ...interface{})
	Warn(message string, keyValuePairs ...interface{})
}

// Client fetches the alert feed. It holds no per-call state and never retries.
type Client struct {
	httpClient *http.Client
	logger     Logger
}

// NewClient creates a feed client with the given request timeout.
// A non-positive timeout selects DefaultTimeout.
func NewClient(timeout time.Duration, logger Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Fetch performs one GET against endpointURL and parses the response.
// All failures are returned as *FetchError.
func (c *Client) Fetch(ctx context.Context, endpointURL string) ([]RawAlert, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL, http.NoBody)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, URL: endpointURL, Err: fmt.Errorf("failed to create feed request: %w", err)}
	}
	req.Header.Set("Accept", "application/atom+xml, application/xml;q=0.9")
	req.Header.Set("User-Agent", "mattermost-plugin-weather-alerts")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, URL: endpointURL, Err: fmt.Errorf("feed request failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{Kind: KindNetwork, URL: endpointURL, Err: fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)}
	}

	alerts, err := c.parse(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, &FetchError{Kind: KindParse, URL: endpointURL, Err: err}
	}

	c.logger.Debug("Finished fetching weather alert feed",
		"entries", len(alerts),
		"duration", time.Since(start).String())

	return alerts, nil
}

// parse decodes the Atom payload into raw alerts, preserving feed order.
// A polygon that cannot be parsed is dropped so the entry is treated as
// having no boundary.
func (c *Client) parse(r io.Reader) ([]RawAlert, error) {
	var doc atomFeed
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse alert feed: %w", err)
	}

	alerts := make([]RawAlert, 0, len(doc.Entries))
	for _, entry := range doc.Entries {
		polygon, err := geofence.ParsePolygon(entry.Polygon)
		if err != nil {
			c.logger.Warn("Ignoring malformed alert polygon", "title", entry.Title, "error", err.Error())
			polygon = nil
		}

		alerts = append(alerts, RawAlert{
			Title:   entry.Title,
			Link:    entry.canonicalLink(),
			Polygon: polygon,
		})
	}

	return alerts, nil
}
