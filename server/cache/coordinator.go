// Package cache serves the filtered weather alert list from the shared store
// and coordinates refreshes so that at most one node fetches the feed at a time.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/mattermost/mattermost-plugin-weather-alerts/server/alert"
	"github.com/mattermost/mattermost-plugin-weather-alerts/server/feed"
)

//go:generate mockgen -destination=mocks/mock_fetcher.go -package=mocks github.com/mattermost/mattermost-plugin-weather-alerts/server/cache Fetcher

// Fetcher retrieves the raw alerts of the upstream feed.
type Fetcher interface {
	Fetch(ctx context.Context, endpointURL string) ([]feed.RawAlert, error)
}

// Logger is the structured logger used by the cache. *pluginapi.LogService satisfies it.
type Logger interface {
	Debug(message string, keyValuePairs ...interface{})
	Info(message string, keyValuePairs ...interface{})
	Warn(message string, keyValuePairs ...interface{})
	Error(message string, keyValuePairs ...interface{})
}

// Settings are the externally supplied inputs of a refresh cycle.
type Settings struct {
	// EndpointURL is the feed to fetch
	EndpointURL string
	// Area selects the relevant alerts
	Area alert.WatchArea
	// CacheOverride forces a fixed fresh TTL when positive
	CacheOverride time.Duration
}

// Coordinator owns the shared cache entries. It decides whether to serve
// cached data or refresh, and guarantees that at most one refresh runs across
// all nodes by way of the lock entry in the store.
type Coordinator struct {
	fetcher Fetcher
	store   Store
	trigger Trigger
	logger  Logger

	now       func() time.Time
	lockGrace time.Duration

	settingsLock sync.RWMutex
	settings     Settings
}

// NewCoordinator creates a coordinator from its collaborators.
func NewCoordinator(fetcher Fetcher, store Store, trigger Trigger, logger Logger, settings Settings) *Coordinator {
	return &Coordinator{
		fetcher:   fetcher,
		store:     store,
		trigger:   trigger,
		logger:    logger,
		now:       time.Now,
		lockGrace: LockGrace,
		settings:  settings,
	}
}

// SetClock replaces the clock used for freshness decisions (useful for testing)
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// SetLockGrace changes how long the lock is held after a successful write (useful for testing)
func (c *Coordinator) SetLockGrace(grace time.Duration) {
	c.lockGrace = grace
}

// Settings returns the active settings.
func (c *Coordinator) Settings() Settings {
	c.settingsLock.RLock()
	defer c.settingsLock.RUnlock()

	return c.settings
}

// UpdateSettings replaces the active settings. The next refresh cycle uses them.
func (c *Coordinator) UpdateSettings(settings Settings) {
	c.settingsLock.Lock()
	defer c.settingsLock.Unlock()

	c.settings = settings
}

// GetAlerts returns the best available alert list and never fails.
//
//   - Fresh: the cached list is returned.
//   - Stale: the stale list is returned and a background refresh is triggered
//     unless a refresh is already locked.
//   - Cold: the lock is taken and the refresh runs inline. If another node holds
//     the lock, an empty list is returned instead of waiting for it.
func (c *Coordinator) GetAlerts(ctx context.Context) []alert.Alert {
	entry, err := c.loadEntry()
	if err != nil {
		c.logger.Warn("Failed to load weather alerts cache entry, treating cache as cold", "error", err.Error())
		entry = nil
	}

	switch entry.stateAt(c.now()) {
	case StateFresh:
		return entry.Alerts

	case StateStale:
		if !c.refreshLocked() {
			c.TriggerBackgroundRefresh()
		}
		return entry.Alerts
	}

	token, acquired, err := c.acquireLock()
	if err != nil {
		c.logger.Error("Failed to acquire weather alerts refresh lock", "error", err.Error())
		return []alert.Alert{}
	}
	if !acquired {
		c.logger.Warn("Weather alerts cache is cold and another refresh holds the lock, serving no alerts (manual reload forced)")
		return []alert.Alert{}
	}

	alerts, err := c.refresh(ctx, token)
	if err != nil {
		return []alert.Alert{}
	}
	return alerts
}

// TriggerBackgroundRefresh runs a refresh cycle without waiting for it.
// Contention and fetch failures are logged, never returned.
func (c *Coordinator) TriggerBackgroundRefresh() {
	c.trigger.Fire(func() {
		if _, err := c.RunRefreshCycle(context.Background()); err != nil {
			c.logger.Debug("Background weather alerts refresh did not complete", "error", err.Error())
		}
	})
}

// refreshLocked reports whether a refresh currently holds the lock.
// A store error reports false, leaving the decision to the lock itself.
func (c *Coordinator) refreshLocked() bool {
	_, held, err := c.store.Get(LockKey)
	if err != nil {
		c.logger.Warn("Failed to check weather alerts refresh lock", "error", err.Error())
		return false
	}
	return held
}

// CurrentTTL is the fresh TTL the next refresh would use, ignoring its own result.
func (c *Coordinator) CurrentTTL() time.Duration {
	settings := c.Settings()
	if settings.CacheOverride > 0 {
		return settings.CacheOverride
	}
	if c.recentActivity() {
		return ActiveTTL
	}
	return BaseTTL
}

// Status is a point-in-time view of the cache for operators.
type Status struct {
	State          State     `json:"state"`
	AlertCount     int       `json:"alertCount"`
	WrittenAt      time.Time `json:"writtenAt,omitempty"`
	FreshUntil     time.Time `json:"freshUntil,omitempty"`
	TTLSeconds     int       `json:"ttlSeconds"`
	RefreshLocked  bool      `json:"refreshLocked"`
	RecentActivity bool      `json:"recentActivity"`
	EndpointURL    string    `json:"endpointUrl"`
}

// Status inspects the shared entries without triggering a refresh.
func (c *Coordinator) Status() Status {
	status := Status{
		State:          StateCold,
		RefreshLocked:  c.refreshLocked(),
		RecentActivity: c.recentActivity(),
		EndpointURL:    c.Settings().EndpointURL,
	}

	entry, err := c.loadEntry()
	if err != nil {
		c.logger.Warn("Failed to load weather alerts cache entry", "error", err.Error())
		return status
	}
	if entry == nil {
		return status
	}

	status.State = entry.stateAt(c.now())
	status.AlertCount = len(entry.Alerts)
	status.WrittenAt = entry.WrittenAt
	status.FreshUntil = entry.FreshUntil
	status.TTLSeconds = entry.TTLSeconds
	return status
}
