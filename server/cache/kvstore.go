package cache

import (
	"fmt"
	"math"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/mattermost/mattermost/server/public/plugin"
)

// KVStore implements Store on the Mattermost plugin KV store, which is shared
// by every node of the cluster. Expiry is enforced by the server.
type KVStore struct {
	api plugin.API
}

// NewKVStore creates a store backed by the plugin KV store.
func NewKVStore(api plugin.API) *KVStore {
	return &KVStore{
		api: api,
	}
}

// Get retrieves the value stored under key.
// Returns false if the key is missing or expired.
func (s *KVStore) Get(key string) ([]byte, bool, error) {
	data, appErr := s.api.KVGet(key)
	if appErr != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", key, appErr)
	}

	if data == nil {
		return nil, false, nil
	}

	return data, true, nil
}

// Set stores value under key with the given TTL
func (s *KVStore) Set(key string, value []byte, ttl time.Duration) error {
	options := model.PluginKVSetOptions{
		ExpireInSeconds: expireInSeconds(ttl),
	}

	if _, appErr := s.api.KVSetWithOptions(key, value, options); appErr != nil {
		return fmt.Errorf("failed to set %s: %w", key, appErr)
	}

	return nil
}

// CompareAndSetAbsent atomically stores value only if key does not exist
func (s *KVStore) CompareAndSetAbsent(key string, value []byte, ttl time.Duration) (bool, error) {
	options := model.PluginKVSetOptions{
		Atomic:          true,
		OldValue:        nil,
		ExpireInSeconds: expireInSeconds(ttl),
	}

	written, appErr := s.api.KVSetWithOptions(key, value, options)
	if appErr != nil {
		return false, fmt.Errorf("failed to compare and set %s: %w", key, appErr)
	}

	return written, nil
}

// CompareAndSwap atomically replaces the value of key if it still equals old
func (s *KVStore) CompareAndSwap(key string, old, value []byte, ttl time.Duration) (bool, error) {
	options := model.PluginKVSetOptions{
		Atomic:          true,
		OldValue:        old,
		ExpireInSeconds: expireInSeconds(ttl),
	}

	written, appErr := s.api.KVSetWithOptions(key, value, options)
	if appErr != nil {
		return false, fmt.Errorf("failed to compare and swap %s: %w", key, appErr)
	}

	return written, nil
}

// CompareAndDelete atomically removes key if its value still equals old
func (s *KVStore) CompareAndDelete(key string, old []byte) (bool, error) {
	deleted, appErr := s.api.KVCompareAndDelete(key, old)
	if appErr != nil {
		return false, fmt.Errorf("failed to compare and delete %s: %w", key, appErr)
	}

	return deleted, nil
}

// Delete removes key from the KV store
func (s *KVStore) Delete(key string) error {
	if appErr := s.api.KVDelete(key); appErr != nil {
		return fmt.Errorf("failed to delete %s: %w", key, appErr)
	}
	return nil
}

// expireInSeconds rounds ttl up to whole seconds. Zero means no expiry.
func expireInSeconds(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return int64(math.Ceil(ttl.Seconds()))
}
