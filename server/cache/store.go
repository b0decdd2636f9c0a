package cache

import (
	"bytes"
	"sync"
	"time"
)

// Store is the shared key-value store every node coordinates through.
// Entries carry their own TTL and disappear once it elapses.
type Store interface {
	// Get returns the value of key and whether it exists.
	Get(key string) ([]byte, bool, error)
	// Set writes value under key, replacing any existing value.
	Set(key string, value []byte, ttl time.Duration) error
	// CompareAndSetAbsent writes value only if key does not exist, atomically.
	// It reports whether the value was written.
	CompareAndSetAbsent(key string, value []byte, ttl time.Duration) (bool, error)
	// CompareAndSwap replaces the value of key with value only if it currently
	// equals old, atomically. It reports whether the value was written.
	CompareAndSwap(key string, old, value []byte, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only if its value equals old, atomically.
	// It reports whether the key was removed.
	CompareAndDelete(key string, old []byte) (bool, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
}

// MemoryStore is a Store for single-instance deployments and tests.
type MemoryStore struct {
	mu    sync.Mutex
	now   func() time.Time
	items map[string]memoryItem
}

type memoryItem struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryStore creates an empty store. now may be nil to use the wall clock.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:   now,
		items: make(map[string]memoryItem),
	}
}

// Get returns a copy of the value stored under key.
func (s *MemoryStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.live(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), item.value...), true, nil
}

// Set stores value under key. A non-positive ttl never expires.
func (s *MemoryStore) Set(key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(key, value, ttl)
	return nil
}

// CompareAndSetAbsent stores value only if key is missing or expired.
func (s *MemoryStore) CompareAndSetAbsent(key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live(key); ok {
		return false, nil
	}
	s.put(key, value, ttl)
	return true, nil
}

// CompareAndSwap stores value only if the live value of key equals old.
func (s *MemoryStore) CompareAndSwap(key string, old, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.live(key)
	if !ok || !bytes.Equal(item.value, old) {
		return false, nil
	}
	s.put(key, value, ttl)
	return true, nil
}

// CompareAndDelete removes key only if its live value equals old.
func (s *MemoryStore) CompareAndDelete(key string, old []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.live(key)
	if !ok || !bytes.Equal(item.value, old) {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

// Delete removes key.
func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, key)
	return nil
}

// live returns the item under key, evicting it if expired. Callers hold mu.
func (s *MemoryStore) live(key string) (memoryItem, bool) {
	item, ok := s.items[key]
	if !ok {
		return memoryItem{}, false
	}
	if !item.expiresAt.IsZero() && !s.now().Before(item.expiresAt) {
		delete(s.items, key)
		return memoryItem{}, false
	}
	return item, true
}

func (s *MemoryStore) put(key string, value []byte, ttl time.Duration) {
	item := memoryItem{value: append([]byte(nil), value...)}
	if ttl > 0 {
		item.expiresAt = s.now().Add(ttl)
	}
	s.items[key] = item
}
