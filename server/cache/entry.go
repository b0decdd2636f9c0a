package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mattermost/mattermost-plugin-weather-alerts/server/alert"
)

// State describes the cache entry as seen by a reader.
type State string

const (
	// StateFresh means the primary copy is within its TTL.
	StateFresh State = "fresh"
	// StateStale means the primary copy expired but the stale copy is still held.
	StateStale State = "stale"
	// StateCold means there is nothing to serve.
	StateCold State = "cold"
)

// Entry is the published result of one refresh cycle. The primary and stale
// copies live in one stored value: the store TTL bounds the stale copy and
// FreshUntil bounds the primary copy. Writing the value replaces both at once.
type Entry struct {
	Alerts     []alert.Alert `json:"alerts"`
	WrittenAt  time.Time     `json:"writtenAt"`
	FreshUntil time.Time     `json:"freshUntil"`
	TTLSeconds int           `json:"ttlSeconds"`
}

// stateAt classifies entry at the given time. A nil entry is cold.
func (e *Entry) stateAt(now time.Time) State {
	if e == nil {
		return StateCold
	}
	if now.Before(e.FreshUntil) {
		return StateFresh
	}
	return StateStale
}

// loadEntry reads the current entry. Returns nil if there is none.
func (c *Coordinator) loadEntry() (*Entry, error) {
	data, ok, err := c.store.Get(EntryKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}
	if entry.Alerts == nil {
		entry.Alerts = []alert.Alert{}
	}

	return &entry, nil
}

// saveEntry publishes alerts as fresh for ttl and stale for ttl+StaleMargin.
func (c *Coordinator) saveEntry(alerts []alert.Alert, ttl time.Duration) (*Entry, error) {
	now := c.now()
	entry := &Entry{
		Alerts:     alerts,
		WrittenAt:  now,
		FreshUntil: now.Add(ttl),
		TTLSeconds: int(ttl / time.Second),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cache entry: %w", err)
	}

	if err := c.store.Set(EntryKey, data, ttl+StaleMargin); err != nil {
		return nil, fmt.Errorf("failed to save cache entry: %w", err)
	}

	return entry, nil
}
