package cache

import "sync"

// Trigger dispatches work outside the caller's critical path.
// It gives no completion guarantee to the caller.
type Trigger interface {
	Fire(task func())
}

// AsyncTrigger runs each task in its own goroutine. It only tracks in-flight
// tasks so that shutdown can wait for them; mutual exclusion between refreshes
// is the job of the lock in the store.
type AsyncTrigger struct {
	wg sync.WaitGroup
}

// NewAsyncTrigger creates a trigger with no tasks in flight.
func NewAsyncTrigger() *AsyncTrigger {
	return &AsyncTrigger{}
}

// Fire starts task and returns immediately.
func (t *AsyncTrigger) Fire(task func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		task()
	}()
}

// Wait blocks until every fired task has returned.
func (t *AsyncTrigger) Wait() {
	t.wg.Wait()
}
