package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"

	"github.com/mattermost/mattermost-plugin-weather-alerts/server/alert"
)

// ErrLockContention is returned by RunRefreshCycle when another refresh holds
// the lock. It is an expected concurrency signal, not a failure.
var ErrLockContention = errors.New("weather alerts refresh already in progress")

// lockToken identifies the holder of the refresh lock.
type lockToken struct {
	RefreshID  string    `json:"refreshId"`
	AcquiredAt time.Time `json:"acquiredAt"`

	// raw is the stored value; only a matching value may be shortened or deleted.
	raw []byte
}

// RunRefreshCycle fetches, filters and publishes the alert list.
// The previous entry is left untouched if the fetch fails.
func (c *Coordinator) RunRefreshCycle(ctx context.Context) ([]alert.Alert, error) {
	token, acquired, err := c.acquireLock()
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrLockContention
	}

	return c.refresh(ctx, token)
}

// acquireLock takes the refresh lock if nobody holds it.
func (c *Coordinator) acquireLock() (lockToken, bool, error) {
	token := lockToken{
		RefreshID:  uuid.NewString(),
		AcquiredAt: c.now(),
	}

	data, err := json.Marshal(token)
	if err != nil {
		return lockToken{}, false, fmt.Errorf("failed to marshal lock token: %w", err)
	}

	acquired, err := c.store.CompareAndSetAbsent(LockKey, data, LockTTL)
	if err != nil {
		return lockToken{}, false, fmt.Errorf("failed to acquire refresh lock: %w", err)
	}
	token.raw = data

	return token, acquired, nil
}

// refresh runs the cycle body. The caller must hold the lock; refresh always releases it.
func (c *Coordinator) refresh(ctx context.Context, token lockToken) ([]alert.Alert, error) {
	settings := c.Settings()
	start := c.now()

	raw, err := c.fetcher.Fetch(ctx, settings.EndpointURL)
	if err != nil {
		c.logger.Warn("Could not retrieve weather alert feed, keeping previous alerts",
			"refreshId", token.RefreshID,
			"url", settings.EndpointURL,
			"error", err.Error())
		c.releaseLock(token)
		return nil, fmt.Errorf("failed to fetch alert feed: %w", err)
	}

	alerts := alert.Filter(raw, settings.Area)
	ttl := c.nextTTL(alerts, settings)

	entry, err := c.saveEntry(alerts, ttl)
	if err != nil {
		c.logger.Error("Failed to publish weather alerts",
			"refreshId", token.RefreshID,
			"error", err.Error())
		c.releaseLock(token)
		return nil, err
	}

	c.logger.Debug("Weather alerts refreshed",
		"refreshId", token.RefreshID,
		"entries", len(raw),
		"accepted", len(alerts),
		"ttl", ttl.String(),
		"freshUntil", entry.FreshUntil.Format(time.RFC3339),
		"duration", c.now().Sub(start).String())

	c.holdLockForGrace(token)

	return alerts, nil
}

// nextTTL records activity for a non-empty result and picks the fresh TTL.
// While the activity flag is set every refresh uses ActiveTTL, decaying back to
// BaseTTL once ActivityWindow passes without accepted alerts.
func (c *Coordinator) nextTTL(alerts []alert.Alert, settings Settings) time.Duration {
	active := len(alerts) > 0
	if active {
		if err := c.store.Set(ActivityKey, []byte("1"), ActivityWindow); err != nil {
			c.logger.Warn("Failed to record weather activity", "error", err.Error())
		}
	} else {
		active = c.recentActivity()
	}

	if settings.CacheOverride > 0 {
		return settings.CacheOverride
	}
	if active {
		return ActiveTTL
	}
	return BaseTTL
}

// recentActivity reports whether alerts were accepted within ActivityWindow.
func (c *Coordinator) recentActivity() bool {
	_, ok, err := c.store.Get(ActivityKey)
	if err != nil {
		c.logger.Warn("Failed to read weather activity flag", "error", err.Error())
		return false
	}
	return ok
}

// holdLockForGrace shortens the lease to the grace period after a successful
// write, so near-simultaneous triggers see contention while nobody waits.
func (c *Coordinator) holdLockForGrace(token lockToken) {
	if c.lockGrace <= 0 {
		c.releaseLock(token)
		return
	}

	swapped, err := c.store.CompareAndSwap(LockKey, token.raw, token.raw, c.lockGrace)
	if err != nil {
		c.logger.Warn("Failed to shorten weather alerts refresh lock, releasing it",
			"refreshId", token.RefreshID,
			"error", err.Error())
		c.releaseLock(token)
		return
	}
	if !swapped {
		c.logger.Warn("Weather alerts refresh lock expired before the refresh finished",
			"refreshId", token.RefreshID,
			"lease", LockTTL.String())
	}
}

// releaseLock deletes the lock if this refresh still owns it, retrying transient
// store errors. If every attempt fails the lease still expires after LockTTL.
func (c *Coordinator) releaseLock(token lockToken) {
	err := retry.Do(
		func() error {
			deleted, err := c.store.CompareAndDelete(LockKey, token.raw)
			if err != nil {
				return err
			}
			if !deleted {
				c.logger.Warn("Weather alerts refresh lock is no longer held by this refresh, leaving it",
					"refreshId", token.RefreshID)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(100*time.Millisecond),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debug("Retrying weather alerts lock release", "refreshId", token.RefreshID, "attempt", n, "error", err.Error())
		}),
	)
	if err != nil {
		c.logger.Error("Failed to release weather alerts refresh lock, waiting for lease expiry",
			"refreshId", token.RefreshID,
			"lease", LockTTL.String(),
			"error", err.Error())
	}
}
