package gateway

import (
	"hash/fnv"
	"sync"
)

const shardCount = 16

// DeviceMap is a keyed map sharded by device id, so concurrent operations on
// unrelated devices never contend on the same lock.
type DeviceMap[T any] struct {
	shards [shardCount]mapShard[T]
}

type mapShard[T any] struct {
	mu      sync.RWMutex
	entries map[string]T
}

// NewDeviceMap creates an empty DeviceMap.
func NewDeviceMap[T any]() *DeviceMap[T] {
	m := &DeviceMap[T]{}
	for i := range m.shards {
		m.shards[i].entries = make(map[string]T)
	}

	return m
}

func (m *DeviceMap[T]) shard(deviceID string) *mapShard[T] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))

	return &m.shards[h.Sum32()%shardCount]
}

// Get returns the entry for deviceID.
func (m *DeviceMap[T]) Get(deviceID string) (T, bool) {
	s := m.shard(deviceID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.entries[deviceID]

	return v, ok
}

// Set stores the entry for deviceID, replacing any previous one.
func (m *DeviceMap[T]) Set(deviceID string, v T) {
	s := m.shard(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[deviceID] = v
}

// Delete removes the entry for deviceID and reports whether it existed.
func (m *DeviceMap[T]) Delete(deviceID string) bool {
	s := m.shard(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.entries[deviceID]
	delete(s.entries, deviceID)

	return ok
}

// Update applies fn to the entry for deviceID under the shard lock.
// fn is not called when the device is unknown; the return reports whether it ran.
func (m *DeviceMap[T]) Update(deviceID string, fn func(v T) T) bool {
	s := m.shard(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.entries[deviceID]
	if !ok {
		return false
	}

	s.entries[deviceID] = fn(v)

	return true
}

// Len returns the number of entries across all shards.
func (m *DeviceMap[T]) Len() int {
	total := 0

	for i := range m.shards {
		s := &m.shards[i]
		s.mu.RLock()
		total += len(s.entries)
		s.mu.RUnlock()
	}

	return total
}

// Range calls fn for every entry until fn returns false.
// Entries added or removed concurrently may or may not be visited.
func (m *DeviceMap[T]) Range(fn func(deviceID string, v T) bool) {
	for i := range m.shards {
		s := &m.shards[i]

		s.mu.RLock()
		for k, v := range s.entries {
			if !fn(k, v) {
				s.mu.RUnlock()

				return
			}
		}
		s.mu.RUnlock()
	}
}

// Clear removes all entries and returns how many were removed.
func (m *DeviceMap[T]) Clear() int {
	total := 0

	for i := range m.shards {
		s := &m.shards[i]

		s.mu.Lock()
		total += len(s.entries)
		s.entries = make(map[string]T)
		s.mu.Unlock()
	}

	return total
}
