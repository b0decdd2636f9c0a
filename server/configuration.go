package main

import (
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/mattermost/mattermost-plugin-weather-alerts/server/alert"
	"github.com/mattermost/mattermost-plugin-weather-alerts/server/cache"
	"github.com/mattermost/mattermost-plugin-weather-alerts/server/geofence"
	"github.com/mattermost/mattermost-plugin-weather-alerts/server/notice"
)

const (
	// defaultEndpointURL is the NWS CAP feed for Middlesex County, MA.
	defaultEndpointURL = "https://alerts.weather.gov/cap/wwaatmget.php?x=MAC017&y=0"

	// matchAllKeywords as the only keyword disables keyword filtering.
	matchAllKeywords = "*"

	// anyLocation as the only watch point disables geofencing.
	anyLocation = "*"

	// missingEndpointNotice is the notice key of the missing endpoint condition.
	missingEndpointNotice = "missing_endpoint"
)

// configuration captures the plugin's external configuration as exposed in the Mattermost server
// configuration, as well as values computed from the configuration. Any public fields will be
// deserialized from the Mattermost server configuration in OnConfigurationChange.
//
// As plugins are inherently concurrent (hooks being called asynchronously), and the plugin
// configuration can change at any time, access to the configuration must be synchronized. The
// strategy used in this plugin is to guard a pointer to the configuration, and clone the entire
// struct whenever it changes.
//
// If you add non-reference types to your configuration struct, be sure to rewrite Clone as a deep
// copy appropriate for your types.
type configuration struct {
	// EndpointURL is the CAP Atom feed to poll. Empty uses defaultEndpointURL.
	EndpointURL string `json:"endpointUrl"`

	// Keywords are matched against alert titles, one per line.
	// Empty uses the default keywords; "*" accepts every title.
	Keywords string `json:"keywords"`

	// WatchPoints are "lat,lon" pairs, one per line. Empty uses the default points
	// and "*" accepts alerts regardless of location.
	WatchPoints string `json:"watchPoints"`

	// ShowInOperatorDashboard enables the system admin dashboard endpoint.
	ShowInOperatorDashboard bool `json:"showInOperatorDashboard"`

	// CacheOverrideSeconds forces a fixed fresh TTL when positive.
	CacheOverrideSeconds int `json:"cacheOverrideSeconds"`

	// EnableBackgroundPolling keeps the cache warm with a cluster job.
	EnableBackgroundPolling bool `json:"enableBackgroundPolling"`
}

// Clone shallow copies the configuration. Every field is a value type.
func (c *configuration) Clone() *configuration {
	clone := *c
	return &clone
}

// validate rejects configurations that cannot be applied.
func (c *configuration) validate() error {
	if endpoint := strings.TrimSpace(c.EndpointURL); endpoint != "" {
		if err := validateURL(endpoint); err != nil {
			return errors.Wrap(err, "endpoint")
		}
	}

	if c.CacheOverrideSeconds < 0 {
		return errors.Errorf("cache override must not be negative (got %d)", c.CacheOverrideSeconds)
	}

	if _, err := c.watchPoints(); err != nil {
		return errors.Wrap(err, "watch points")
	}

	return nil
}

// validateURL checks that the URL is absolute and uses HTTP(S)
func validateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.Wrap(err, "invalid url format")
	}

	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return errors.Errorf("url must use HTTP or HTTPS (got %q)", parsed.Scheme)
	}

	if parsed.Host == "" {
		return errors.New("url must include a hostname")
	}

	return nil
}

// endpointURL returns the feed to poll and whether it was configured.
func (c *configuration) endpointURL() (string, bool) {
	if endpoint := strings.TrimSpace(c.EndpointURL); endpoint != "" {
		return endpoint, true
	}
	return defaultEndpointURL, false
}

// watchArea builds the filter settings, falling back to the defaults.
func (c *configuration) watchArea() (alert.WatchArea, error) {
	var area alert.WatchArea

	switch keywords := strings.TrimSpace(c.Keywords); keywords {
	case "":
		area.Keywords = alert.DefaultKeywords
	case matchAllKeywords:
		area.Keywords = nil
	default:
		area.Keywords = alert.ParseKeywords(keywords)
	}

	points, err := c.watchPoints()
	if err != nil {
		return alert.WatchArea{}, err
	}
	area.WatchPoints = points

	return area, nil
}

// watchPoints parses the configured points. Nil means geofencing is disabled.
func (c *configuration) watchPoints() ([]geofence.Point, error) {
	if strings.TrimSpace(c.WatchPoints) == anyLocation {
		return nil, nil
	}

	points, err := geofence.ParsePoints(c.WatchPoints)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return geofence.DefaultWatchPoints, nil
	}
	return points, nil
}

// cacheSettings converts the configuration into coordinator settings.
func (c *configuration) cacheSettings() (cache.Settings, error) {
	area, err := c.watchArea()
	if err != nil {
		return cache.Settings{}, err
	}

	endpoint, _ := c.endpointURL()

	return cache.Settings{
		EndpointURL:   endpoint,
		Area:          area,
		CacheOverride: time.Duration(c.CacheOverrideSeconds) * time.Second,
	}, nil
}

// getConfiguration retrieves the active configuration under lock, making it safe to use
// concurrently. The active configuration may change underneath the client of this method, but
// the struct returned by this API call is considered immutable.
func (p *Plugin) getConfiguration() *configuration {
	p.configurationLock.RLock()
	defer p.configurationLock.RUnlock()

	if p.configuration == nil {
		return &configuration{}
	}

	return p.configuration
}

// setConfiguration replaces the active configuration under lock.
//
// Do not call setConfiguration while holding the configurationLock, as sync.Mutex is not
// reentrant. In particular, avoid using the plugin API entirely, as this may in turn trigger a
// hook back into the plugin. If that hook attempts to acquire this lock, a deadlock may occur.
//
// This method panics if setConfiguration is called with the existing configuration. This almost
// certainly means that the configuration was modified without being cloned and may result in
// an unsafe access.
func (p *Plugin) setConfiguration(configuration *configuration) {
	p.configurationLock.Lock()
	defer p.configurationLock.Unlock()

	if configuration != nil && p.configuration == configuration {
		// Ignore assignment if the configuration struct is empty. Go will optimize the
		// allocation for same to point at the same memory address, breaking the check
		// above.
		if reflect.ValueOf(*configuration).NumField() == 0 {
			return
		}

		panic("setConfiguration called with the existing configuration")
	}

	p.configuration = configuration
}

// OnConfigurationChange is invoked when configuration changes may have been made.
func (p *Plugin) OnConfigurationChange() error {
	var newConfig = new(configuration)

	// Load the public configuration fields from the Mattermost server configuration.
	if err := p.API.LoadPluginConfiguration(newConfig); err != nil {
		return errors.Wrap(err, "failed to load plugin configuration")
	}

	if err := newConfig.validate(); err != nil {
		return errors.Wrap(err, "invalid plugin configuration")
	}

	p.setConfiguration(newConfig)

	// Components do not exist until OnActivate, which applies the configuration itself
	if p.coordinator != nil {
		p.applyConfiguration(newConfig)
	}

	return nil
}

// applyConfiguration pushes config into the running components.
func (p *Plugin) applyConfiguration(config *configuration) {
	settings, err := config.cacheSettings()
	if err != nil {
		p.API.LogError("Failed to apply weather alerts configuration", "error", err.Error())
		return
	}
	p.coordinator.UpdateSettings(settings)

	if _, configured := config.endpointURL(); configured {
		if err := p.notifier.Reset(missingEndpointNotice); err != nil {
			p.API.LogWarn("Failed to reset missing endpoint notice", "error", err.Error())
		}
	} else {
		p.API.LogWarn("No weather alert feed configured, using the default feed", "url", defaultEndpointURL)
		p.notifyMissingEndpoint()
	}

	if config.EnableBackgroundPolling {
		if !p.warmer.Running() {
			if err := p.warmer.Start(); err != nil {
				p.API.LogError("Failed to start weather alerts warmer", "error", err.Error())
			}
		}
	} else if err := p.warmer.Stop(); err != nil {
		p.API.LogError("Failed to stop weather alerts warmer", "error", err.Error())
	}
}

// notifyMissingEndpoint tells the system admins, once, that the default feed is in use.
func (p *Plugin) notifyMissingEndpoint() {
	_, err := p.notifier.NotifyOnce(notice.Notice{
		Key:     missingEndpointNotice,
		Level:   notice.LevelWarning,
		Title:   "Weather alert feed is not configured",
		Message: "The Weather Alerts plugin has no feed URL and is using the default feed. Set the Alert Feed URL in the plugin settings.",
		Fields: []notice.Field{
			{Title: "Feed in use", Value: defaultEndpointURL},
		},
	})
	if err != nil {
		p.API.LogError("Failed to notify system admins of missing feed", "error", err.Error())
	}
}
