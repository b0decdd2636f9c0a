package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/plugin"
	"github.com/mattermost/mattermost/server/public/pluginapi/cluster"
)

// WarmerJobID is the cluster job key of the warmer.
const WarmerJobID = "weather_alerts_warm"

// Job is a scheduled warm-up job.
type Job interface {
	Close() error
}

// JobScheduler starts the warm-up job.
type JobScheduler interface {
	Schedule(jobID string, next cluster.NextWaitInterval, callback func()) (Job, error)
}

// ScheduleFunc lets a plain function act as a JobScheduler.
type ScheduleFunc func(jobID string, next cluster.NextWaitInterval, callback func()) (Job, error)

// Schedule calls f.
func (f ScheduleFunc) Schedule(jobID string, next cluster.NextWaitInterval, callback func()) (Job, error) {
	return f(jobID, next, callback)
}

// NewClusterScheduler schedules jobs through the cluster job system, which
// runs each job on a single node at a time.
func NewClusterScheduler(api plugin.API) ScheduleFunc {
	return func(jobID string, next cluster.NextWaitInterval, callback func()) (Job, error) {
		job, err := cluster.Schedule(api, jobID, next, callback)
		if err != nil {
			return nil, err
		}
		return job, nil
	}
}

// Warmer keeps the cache refreshing at the adaptive TTL when there are no
// readers. It runs as a cluster job, so only one node reads on its behalf.
type Warmer struct {
	coordinator *Coordinator
	scheduler   JobScheduler
	logger      Logger

	mu  sync.Mutex
	job Job
}

// NewWarmer creates a warmer for coordinator.
func NewWarmer(coordinator *Coordinator, scheduler JobScheduler, logger Logger) *Warmer {
	return &Warmer{
		coordinator: coordinator,
		scheduler:   scheduler,
		logger:      logger,
	}
}

// Start schedules the warm-up job.
func (w *Warmer) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.job != nil {
		return fmt.Errorf("warmer already running")
	}

	job, err := w.scheduler.Schedule(WarmerJobID, w.nextWaitInterval, w.run)
	if err != nil {
		return fmt.Errorf("failed to schedule cluster job: %w", err)
	}

	w.job = job
	w.logger.Info("Weather alerts warmer started", "interval", w.coordinator.CurrentTTL().String())
	return nil
}

// Stop closes the warm-up job. Stopping a stopped warmer is a no-op.
func (w *Warmer) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.job == nil {
		return nil
	}

	err := w.job.Close()
	w.job = nil

	if err != nil {
		return fmt.Errorf("failed to close cluster job: %w", err)
	}

	w.logger.Info("Weather alerts warmer stopped")
	return nil
}

// Running reports whether the warm-up job is scheduled on this node.
func (w *Warmer) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.job != nil
}

// nextWaitInterval is called by the cluster job scheduler to determine how long
// to wait until the next run. The wait follows the adaptive TTL, so the feed is
// polled faster while there is weather activity.
func (w *Warmer) nextWaitInterval(now time.Time, metadata cluster.JobMetadata) time.Duration {
	// For the first run, execute immediately
	if metadata.LastFinished.IsZero() {
		return 0
	}

	interval := w.coordinator.CurrentTTL()
	sinceLastFinished := now.Sub(metadata.LastFinished)
	if sinceLastFinished < interval {
		return interval - sinceLastFinished
	}

	return 0
}

// run reads through the coordinator like any other reader would.
func (w *Warmer) run() {
	alerts := w.coordinator.GetAlerts(context.Background())
	w.logger.Debug("Weather alerts warmer run completed", "alerts", len(alerts))
}
