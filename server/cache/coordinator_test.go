package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattermost/mattermost-plugin-weather-alerts/server/alert"
	"github.com/mattermost/mattermost-plugin-weather-alerts/server/cache/mocks"
	"github.com/mattermost/mattermost-plugin-weather-alerts/server/feed"
	"github.com/mattermost/mattermost-plugin-weather-alerts/server/geofence"
)

const testEndpoint = "https://alerts.example.com/cap/wwaatmget.php?x=MAC017&y=0"

var (
	tornadoFeed = []feed.RawAlert{
		{
			Title: "Tornado Warning issued June 1 at 4:05PM EDT until June 1 at 4:45PM EDT by NWS Boston",
			Link:  "https://alerts.example.com/cap/MA125F.1",
		},
	}

	quietFeed = []feed.RawAlert{
		{
			Title: "Flood Watch issued June 1 at 3:00PM EDT by NWS Boston",
			Link:  "https://alerts.example.com/cap/MA125F.2",
		},
	}
)

type testEnv struct {
	coordinator *Coordinator
	fetcher     *mocks.MockFetcher
	store       *countingStore
	clock       *fakeClock
	logger      *recordingLogger
}

func newTestEnv(t *testing.T, trigger Trigger) *testEnv {
	t.Helper()

	ctrl := gomock.NewController(t)
	clock := newFakeClock()
	store := &countingStore{Store: NewMemoryStore(clock.Now)}
	fetcher := mocks.NewMockFetcher(ctrl)
	logger := &recordingLogger{}

	if trigger == nil {
		trigger = &recordingTrigger{}
	}

	coordinator := NewCoordinator(fetcher, store, trigger, logger, Settings{
		EndpointURL: testEndpoint,
		Area: alert.WatchArea{
			Keywords:    alert.DefaultKeywords,
			WatchPoints: geofence.DefaultWatchPoints,
		},
	})
	coordinator.SetClock(clock.Now)
	coordinator.SetLockGrace(0)

	return &testEnv{
		coordinator: coordinator,
		fetcher:     fetcher,
		store:       store,
		clock:       clock,
		logger:      logger,
	}
}

func (e *testEnv) lockHeld(t *testing.T) bool {
	t.Helper()
	_, held, err := e.store.Get(LockKey)
	require.NoError(t, err)
	return held
}

func (e *testEnv) entry(t *testing.T) *Entry {
	t.Helper()
	entry, err := e.coordinator.loadEntry()
	require.NoError(t, err)
	return entry
}

func TestCoordinator_GetAlerts_Cold(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fetcher.EXPECT().Fetch(gomock.Any(), testEndpoint).Return(tornadoFeed, nil).Times(1)

	alerts := env.coordinator.GetAlerts(context.Background())

	require.Len(t, alerts, 1)
	assert.Equal(t, tornadoFeed[0].Title, alerts[0].Title)
	assert.Equal(t, tornadoFeed[0].Link, alerts[0].URL)
	assert.Equal(t, alert.SeverityRed, alerts[0].Severity)
	assert.Equal(t, alert.DefaultDisplayLabel, alerts[0].DisplayLabel)
	assert.False(t, env.lockHeld(t), "lock must be released after the inline refresh")

	// The second read is served from the fresh entry
	again := env.coordinator.GetAlerts(context.Background())
	assert.Equal(t, alerts, again)
}

func TestCoordinator_GetAlerts_Fresh(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fetcher.EXPECT().Fetch(gomock.Any(), testEndpoint).Return(tornadoFeed, nil).Times(1)

	published, err := env.coordinator.RunRefreshCycle(context.Background())
	require.NoError(t, err)

	env.clock.Advance(ActiveTTL - time.Second)
	alerts := env.coordinator.GetAlerts(context.Background())

	assert.Equal(t, published, alerts)
	assert.Equal(t, StateFresh, env.coordinator.Status().State)
}

func TestCoordinator_GetAlerts_Stale(t *testing.T) {
	t.Run("serves stale list and triggers a refresh", func(t *testing.T) {
		trigger := &recordingTrigger{}
		env := newTestEnv(t, trigger)

		env.fetcher.EXPECT().Fetch(gomock.Any(), testEndpoint).Return(quietFeed, nil).Times(1)
		_, err := env.coordinator.RunRefreshCycle(context.Background())
		require.NoError(t, err)

		env.clock.Advance(BaseTTL + time.Second)

		alerts := env.coordinator.GetAlerts(context.Background())
		assert.NotNil(t, alerts)
		assert.Empty(t, alerts)
		assert.Equal(t, 1, trigger.count())

		env.fetcher.EXPECT().Fetch(gomock.Any(), testEndpoint).Return(tornadoFeed, nil).Times(1)
		trigger.runAll()

		alerts = env.coordinator.GetAlerts(context.Background())
		require.Len(t, alerts, 1)
		assert.Equal(t, StateFresh, env.coordinator.Status().State)
	})

	t.Run("does not trigger while the lock is held", func(t *testing.T) {
		trigger := &recordingTrigger{}
		env := newTestEnv(t, trigger)

		env.fetcher.EXPECT().Fetch(gomock.Any(), testEndpoint).Return(tornadoFeed, nil).Times(1)
		_, err := env.coordinator.RunRefreshCycle(context.Background())
		require.NoError(t, err)

		env.clock.Advance(ActiveTTL)

		ok, err := env.store.CompareAndSetAbsent(LockKey, []byte(`{"refreshId":"other-node"}`), LockTTL)
		require.NoError(t, err)
		require.True(t, ok)

		alerts := env.coordinator.GetAlerts(context.Background())
		require.Len(t, alerts, 1)
		assert.Equal(t, 0, trigger.count())
	})
}

func TestCoordinator_ConcurrentStaleReaders_FetchOnce(t *testing.T) {
	trigger := &countingTrigger{AsyncTrigger: NewAsyncTrigger()}
	env := newTestEnv(t, trigger)

	env.fetcher.EXPECT().Fetch(gomock.Any(), testEndpoint).Return(quietFeed, nil).Times(1)
	_, err := env.coordinator.RunRefreshCycle(context.Background())
	require.NoError(t, err)
	baseline := env.store.lockAttempts.Load()

	env.clock.Advance(BaseTTL)

	release := make(chan struct{})
	env.fetcher.EXPECT().Fetch(gomock.Any(), testEndpoint).DoAndReturn(
		func(ctx context.Context, endpointURL string) ([]feed.RawAlert, error) {
			<-release
			return tornadoFeed, nil
		},
	).Times(1)

	const readers = 10
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			alerts := env.coordinator.GetAlerts(context.Background())
			assert.NotNil(t, alerts)
			assert.Empty(t, alerts)
		}()
	}
	wg.Wait()

	require.GreaterOrEqual(t, trigger.fired.Load(), int32(1))

	// Every dispatched refresh has tried the lock before the winner finishes
	assert.Eventually(t, func() bool {
		return env.store.lockAttempts.Load()-baseline == trigger.fired.Load()
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	trigger.Wait()

	assert.Equal(t, int32(2), env.store.lockAcquired.Load())
	assert.False(t, env.lockHeld(t))

	alerts := env.coordinator.GetAlerts(context.Background())
	assert.Len(t, alerts, 1)
}

func TestCoordinator_ConcurrentColdReaders(t *testing.T) {
	env := newTestEnv(t, nil)

	fetching := make(chan struct{})
	release := make(chan struct{})
	env.fetcher.EXPECT().Fetch(gomock.Any(), testEndpoint).DoAndReturn(
		func(ctx context.Context, endpointURL string) ([]feed.RawAlert, error) {
			close(fetching)
			<-release
			return tornadoFeed, nil
		},
	).Times(1)

	result := make(chan []alert.Alert, 1)
	go func() {
		result <- env.coordinator.GetAlerts(context.Background())
	}()
	<-fetching

	data, held, err := env.store.Get(LockKey)
	require.NoError(t, err)
	require.True(t, held)

	var token lockToken
	require.NoError(t, json.Unmarshal(data, &token))
	assert.NotEmpty(t, token.RefreshID)
	assert.True(t, env.clock.Now().Equal(token.AcquiredAt))

	// The loser does not wait for the winner
	loser := env.coordinator.GetAlerts(context.Background())
	assert.NotNil(t, loser)
	assert.Empty(t, loser)
	assert.True(t, env.logger.contains("warn", "manual reload forced"))

	close(release)
	winner := <-result
	assert.Len(t, winner, 1)
	assert.False(t, env.lockHeld(t))
}

func TestCoordinator_FetchFailure(t *testing.T) {
	fetchErr := &feed.FetchError{Kind: feed.KindNetwork, URL: testEndpoint, Err: errors.New("connection refused")}

	t.Run("previous entry is kept", func(t *testing.T) {
		env := newTestEnv(t, nil)

		env.fetcher.EXPECT().Fetch(gomock.Any(), testEndpoint).Return(tornadoFeed, nil).Times(1)
		_, err := env.coordinator.RunRefreshCycle(context.Background())
		require.NoError(t, err)

		before, _, err := env.store.Get(EntryKey)
		require.NoError(t, err)

		env.clock.Advance(ActiveTTL)
		env.fetcher.EXPECT().Fetch(gomock.Any(), testEndpoint).Return(nil, fetchErr).Times(1)

		alerts, err := env.coordinator.RunRefreshCycle(context.Background())
		require.Error(t, err)
		assert.Nil(t, alerts)

		var target *feed.FetchError
		require.True(t, errors.As(err, &target))
		assert.Equal(t, feed.KindNetwork, target.Kind)

		after, _, err := env.store.Get(EntryKey)
		require.NoError(t, err)
		assert.Equal(t, before, after)

		assert.False(t, env.lockHeld(t), "lock must be released immediately on failure")
		assert.True(t, env.logger.contains("warn", "Could not retrieve weather alert feed"))

		// Readers keep getting the stale list
		stale := env.coordinator.GetAlerts(context.Background())
		assert.Len(t, stale, 1)
	})

	t.Run("cold cache serves empty list", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.fetcher.EXPECT().Fetch(gomock.Any(), testEndpoint).Return(nil, fetchErr).Times(1)

		alerts := env.coordinator.GetAlerts(context.Background())
		assert.NotNil(t, alerts)
		assert.Empty(t, alerts)
		assert.False(t, env.lockHeld(t))
		assert.Nil(t, env.entry(t))
	})
}

func TestCoordinator_RunRefreshCycle_LockContention(t *testing.T) {
	env := newTestEnv(t, nil)

	ok, err := env.store.CompareAndSetAbsent(LockKey, []byte(`{"refreshId":"other-node"}`), LockTTL)
	require.NoError(t, err)
	require.True(t, ok)

	alerts, err := env.coordinator.RunRefreshCycle(context.Background())
	assert.ErrorIs(t, err, ErrLockContention)
	assert.Nil(t, alerts)

	// The other holder's lease expires on its own
	env.clock.Advance(LockTTL)
	assert.False(t, env.lockHeld(t))
}

func TestCoordinator_AdaptiveTTL(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	assert.Equal(t, BaseTTL, env.coordinator.CurrentTTL())

	env.fetcher.EXPECT().Fetch(gomock.Any(), testEndpoint).Return(tornadoFeed, nil).Times(1)
	_, err := env.coordinator.RunRefreshCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, env.entry(t).TTLSeconds)
	assert.Equal(t, ActiveTTL, env.coordinator.CurrentTTL())

	// Still inside the activity window with no alerts
	env.clock.Advance(30 * time.Minute)
	env.fetcher.EXPECT().Fetch(gomock.Any(), testEndpoint).Return(quietFeed, nil).Times(1)
	_, err = env.coordinator.RunRefreshCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, env.entry(t).TTLSeconds)

	// Window elapsed since the last accepted alert
	env.clock.Advance(31 * time.Minute)
	env.fetcher.EXPECT().Fetch(gomock.Any(), testEndpoint).Return(quietFeed, nil).Times(1)
	_, err = env.coordinator.RunRefreshCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 60, env.entry(t).TTLSeconds)
	assert.Equal(t, BaseTTL, env.coordinator.CurrentTTL())
}

func TestCoordinator_CacheOverride(t *testing.T) {
	env := newTestEnv(t, nil)

	settings := env.coordinator.Settings()
	settings.CacheOverride = 5 * time.Minute
	env.coordinator.UpdateSettings(settings)

	env.fetcher.EXPECT().Fetch(gomock.Any(), testEndpoint).Return(tornadoFeed, nil).Times(1)
	_, err := env.coordinator.RunRefreshCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 300, env.entry(t).TTLSeconds)
	assert.Equal(t, 5*time.Minute, env.coordinator.CurrentTTL())

	// The activity flag is still recorded under an override
	_, active, err := env.store.Get(ActivityKey)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestCoordinator_EntryLifetime(t *testing.T) {
	env := newTestEnv(t, nil)

	env.fetcher.EXPECT().Fetch(gomock.Any(), testEndpoint).Return(quietFeed, nil).Times(1)
	_, err := env.coordinator.RunRefreshCycle(context.Background())
	require.NoError(t, err)

	env.clock.Advance(BaseTTL - time.Second)
	assert.Equal(t, StateFresh, env.coordinator.Status().State)

	env.clock.Advance(time.Second)
	assert.Equal(t, StateStale, env.coordinator.Status().State)

	env.clock.Advance(StaleMargin - time.Second)
	assert.Equal(t, StateStale, env.coordinator.Status().State)

	env.clock.Advance(time.Second)
	assert.Equal(t, StateCold, env.coordinator.Status().State)
}

func TestCoordinator_ReleaseLock(t *testing.T) {
	t.Run("transient delete failures are retried", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.store.deleteFailures.Store(2)

		env.fetcher.EXPECT().Fetch(gomock.Any(), testEndpoint).Return(tornadoFeed, nil).Times(1)
		_, err := env.coordinator.RunRefreshCycle(context.Background())
		require.NoError(t, err)

		assert.False(t, env.lockHeld(t))
		assert.True(t, env.logger.contains("debug", "Retrying weather alerts lock release"))
	})

	t.Run("lease expiry recovers a lock that could not be deleted", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.store.deleteFailures.Store(3)

		env.fetcher.EXPECT().Fetch(gomock.Any(), testEndpoint).Return(tornadoFeed, nil).Times(1)
		_, err := env.coordinator.RunRefreshCycle(context.Background())
		require.NoError(t, err)

		assert.True(t, env.lockHeld(t))
		assert.True(t, env.logger.contains("error", "Failed to release weather alerts refresh lock"))

		env.clock.Advance(LockTTL)
		assert.False(t, env.lockHeld(t))
	})
}

func TestCoordinator_LockGrace(t *testing.T) {
	t.Run("cold read does not wait for the grace period", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.coordinator.SetLockGrace(LockGrace)
		env.fetcher.EXPECT().Fetch(gomock.Any(), testEndpoint).Return(tornadoFeed, nil).Times(1)

		start := time.Now()
		alerts := env.coordinator.GetAlerts(context.Background())
		elapsed := time.Since(start)

		require.Len(t, alerts, 1)
		assert.Less(t, elapsed, feed.DefaultTimeout)
		assert.True(t, env.lockHeld(t), "lock is kept for the grace period")
	})

	t.Run("triggers inside the grace period see contention", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.coordinator.SetLockGrace(LockGrace)
		env.fetcher.EXPECT().Fetch(gomock.Any(), testEndpoint).Return(tornadoFeed, nil).Times(1)

		_, err := env.coordinator.RunRefreshCycle(context.Background())
		require.NoError(t, err)

		env.clock.Advance(LockGrace - time.Second)
		_, err = env.coordinator.RunRefreshCycle(context.Background())
		assert.ErrorIs(t, err, ErrLockContention)

		// The shortened lease expires on its own
		env.clock.Advance(time.Second)
		assert.False(t, env.lockHeld(t))

		env.fetcher.EXPECT().Fetch(gomock.Any(), testEndpoint).Return(tornadoFeed, nil).Times(1)
		_, err = env.coordinator.RunRefreshCycle(context.Background())
		assert.NoError(t, err)
	})

	t.Run("manual refresh returns before the grace period ends", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.coordinator.SetLockGrace(LockGrace)
		env.fetcher.EXPECT().Fetch(gomock.Any(), testEndpoint).Return(tornadoFeed, nil).Times(1)

		start := time.Now()
		_, err := env.coordinator.RunRefreshCycle(context.Background())
		require.NoError(t, err)
		assert.Less(t, time.Since(start), LockGrace)
	})
}

func TestCoordinator_LockOwnership(t *testing.T) {
	otherLock := []byte(`{"refreshId":"other-node"}`)

	// takeOverDuringFetch lets the lease expire mid-fetch and hands the lock to another node
	takeOverDuringFetch := func(t *testing.T, env *testEnv) {
		env.fetcher.EXPECT().Fetch(gomock.Any(), testEndpoint).DoAndReturn(
			func(ctx context.Context, endpointURL string) ([]feed.RawAlert, error) {
				env.clock.Advance(LockTTL + time.Second)
				ok, err := env.store.CompareAndSetAbsent(LockKey, otherLock, LockTTL)
				require.NoError(t, err)
				require.True(t, ok)
				return tornadoFeed, nil
			},
		).Times(1)
	}

	t.Run("release keeps another node's lock", func(t *testing.T) {
		env := newTestEnv(t, nil)
		takeOverDuringFetch(t, env)

		_, err := env.coordinator.RunRefreshCycle(context.Background())
		require.NoError(t, err)

		data, held, err := env.store.Get(LockKey)
		require.NoError(t, err)
		require.True(t, held)
		assert.Equal(t, otherLock, data)
		assert.True(t, env.logger.contains("warn", "no longer held by this refresh"))
	})

	t.Run("grace period does not shorten another node's lock", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.coordinator.SetLockGrace(LockGrace)
		takeOverDuringFetch(t, env)

		_, err := env.coordinator.RunRefreshCycle(context.Background())
		require.NoError(t, err)
		assert.True(t, env.logger.contains("warn", "lock expired before the refresh finished"))

		// The other node keeps its full lease
		env.clock.Advance(LockGrace)
		data, held, err := env.store.Get(LockKey)
		require.NoError(t, err)
		require.True(t, held)
		assert.Equal(t, otherLock, data)
	})

	t.Run("failed refresh keeps another node's lock", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.fetcher.EXPECT().Fetch(gomock.Any(), testEndpoint).DoAndReturn(
			func(ctx context.Context, endpointURL string) ([]feed.RawAlert, error) {
				env.clock.Advance(LockTTL + time.Second)
				ok, err := env.store.CompareAndSetAbsent(LockKey, otherLock, LockTTL)
				require.NoError(t, err)
				require.True(t, ok)
				return nil, &feed.FetchError{Kind: feed.KindNetwork, URL: endpointURL, Err: errors.New("timeout")}
			},
		).Times(1)

		_, err := env.coordinator.RunRefreshCycle(context.Background())
		require.Error(t, err)
		assert.True(t, env.lockHeld(t))
	})
}

func TestCoordinator_StoreReadFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.getEntryFailure.Store(true)

	env.fetcher.EXPECT().Fetch(gomock.Any(), testEndpoint).Return(tornadoFeed, nil).Times(1)

	alerts := env.coordinator.GetAlerts(context.Background())
	assert.Len(t, alerts, 1)
	assert.True(t, env.logger.contains("warn", "treating cache as cold"))
}

func TestCoordinator_UpdateSettings(t *testing.T) {
	env := newTestEnv(t, nil)

	const otherEndpoint = "https://alerts.example.com/cap/wwaatmget.php?x=MAC027&y=0"
	env.coordinator.UpdateSettings(Settings{
		EndpointURL: otherEndpoint,
		Area:        alert.WatchArea{},
	})

	env.fetcher.EXPECT().Fetch(gomock.Any(), otherEndpoint).Return(quietFeed, nil).Times(1)

	// No keywords and no watch points accept everything
	alerts, err := env.coordinator.RunRefreshCycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestCoordinator_Status(t *testing.T) {
	env := newTestEnv(t, nil)

	status := env.coordinator.Status()
	assert.Equal(t, StateCold, status.State)
	assert.Equal(t, 0, status.AlertCount)
	assert.False(t, status.RefreshLocked)
	assert.False(t, status.RecentActivity)
	assert.Equal(t, testEndpoint, status.EndpointURL)

	env.fetcher.EXPECT().Fetch(gomock.Any(), testEndpoint).Return(tornadoFeed, nil).Times(1)
	_, err := env.coordinator.RunRefreshCycle(context.Background())
	require.NoError(t, err)

	status = env.coordinator.Status()
	assert.Equal(t, StateFresh, status.State)
	assert.Equal(t, 1, status.AlertCount)
	assert.Equal(t, 10, status.TTLSeconds)
	assert.True(t, status.RecentActivity)
	assert.True(t, env.clock.Now().Equal(status.WrittenAt))
	assert.True(t, env.clock.Now().Add(ActiveTTL).Equal(status.FreshUntil))
}
