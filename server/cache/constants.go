package cache

import "time"

// Keys of the shared cache entries. All nodes read and write the same keys.
const (
	// EntryKey holds the published alert list together with its freshness deadline
	EntryKey = "weather_alerts"
	// LockKey holds the refresh lock token
	LockKey = "weather_alerts_lock"
	// ActivityKey is present while alerts have been observed within ActivityWindow
	ActivityKey = "had_recent_weather_alerts"
)

// Timings for cache freshness and refresh coordination.
const (
	// BaseTTL is how long a refresh stays fresh when the weather is quiet.
	BaseTTL = 60 * time.Second

	// ActiveTTL is how long a refresh stays fresh while the activity flag is set,
	// polling the feed six times faster during a weather event.
	ActiveTTL = 10 * time.Second

	// ActivityWindow is how long the activity flag outlives the last refresh
	// that accepted at least one alert.
	ActivityWindow = 1 * time.Hour

	// StaleMargin is added to the fresh TTL to get the lifetime of the stale
	// copy, so the stale copy never expires before the fresh one.
	StaleMargin = 3600 * time.Second

	// LockTTL is the lease of the refresh lock. It must exceed the worst-case
	// fetch and filter time, otherwise a second writer could start while the
	// first is still writing.
	LockTTL = 20 * time.Second

	// LockGrace is how long the lock is kept after a successful write so that a
	// burst of near-simultaneous triggers observes the fresh entry.
	LockGrace = 2 * time.Second
)
