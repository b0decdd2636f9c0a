package cache

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// fakeClock is a manually advanced clock shared by the coordinator and MemoryStore
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 16, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// logEntry is a single captured log line
type logEntry struct {
	level   string
	message string
}

// recordingLogger captures log lines for assertions
type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) record(level, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{level: level, message: message})
}

func (l *recordingLogger) Debug(message string, _ ...interface{}) { l.record("debug", message) }
func (l *recordingLogger) Info(message string, _ ...interface{})  { l.record("info", message) }
func (l *recordingLogger) Warn(message string, _ ...interface{})  { l.record("warn", message) }
func (l *recordingLogger) Error(message string, _ ...interface{}) { l.record("error", message) }

func (l *recordingLogger) contains(level, fragment string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && strings.Contains(e.message, fragment) {
			return true
		}
	}
	return false
}

// countingStore wraps a Store to count lock attempts and inject failures
type countingStore struct {
	Store

	lockAttempts    atomic.Int32
	lockAcquired    atomic.Int32
	deleteFailures  atomic.Int32
	getEntryFailure atomic.Bool
}

func (s *countingStore) Get(key string) ([]byte, bool, error) {
	if key == EntryKey && s.getEntryFailure.Load() {
		return nil, false, errors.New("store unavailable")
	}
	return s.Store.Get(key)
}

func (s *countingStore) CompareAndSetAbsent(key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.Store.CompareAndSetAbsent(key, value, ttl)
	if key == LockKey {
		s.lockAttempts.Add(1)
		if ok {
			s.lockAcquired.Add(1)
		}
	}
	return ok, err
}

func (s *countingStore) CompareAndDelete(key string, old []byte) (bool, error) {
	if s.deleteFailures.Load() > 0 {
		s.deleteFailures.Add(-1)
		return false, fmt.Errorf("transient delete failure for %s", key)
	}
	return s.Store.CompareAndDelete(key, old)
}

// recordingTrigger queues tasks so tests decide when they run
type recordingTrigger struct {
	mu    sync.Mutex
	tasks []func()
}

func (t *recordingTrigger) Fire(task func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks = append(t.tasks, task)
}

func (t *recordingTrigger) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}

func (t *recordingTrigger) runAll() {
	t.mu.Lock()
	tasks := t.tasks
	t.tasks = nil
	t.mu.Unlock()

	for _, task := range tasks {
		task()
	}
}

// countingTrigger dispatches asynchronously and counts dispatches
type countingTrigger struct {
	*AsyncTrigger
	fired atomic.Int32
}

func (t *countingTrigger) Fire(task func()) {
	t.fired.Add(1)
	t.AsyncTrigger.Fire(task)
}
