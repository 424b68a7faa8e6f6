package maps

import "sync"

// --- ShardedMap Implementation ---

const numShards = 64 // Shard count, must be a power of 2.

// shard is a single partition of the map, protected by its own lock.
type shard[K Integer, V any] struct {
	sync.RWMutex
	m map[K]V
}

// ShardedMap is a generic, concurrent map partitioned over 64 RWMutex-guarded
// maps. Keys are expected to be well distributed already (the schema cache
// feeds it xxhash digests), so the low bits pick the shard.
// It implements the ConcurrentMap interface.
type ShardedMap[K Integer, V any] struct {
	shards [numShards]shard[K, V]
}

// NewShardedMap creates and initializes a new ShardedMap, returning it as a ConcurrentMap.
func NewShardedMap[K Integer, V any]() ConcurrentMap[K, V] {
	m := &ShardedMap[K, V]{}
	for i := range m.shards {
		m.shards[i].m = make(map[K]V)
	}
	return m
}

// shardFor returns the shard owning key.
func (m *ShardedMap[K, V]) shardFor(key K) *shard[K, V] {
	// K is constrained to Integer, so the conversion is a plain cast.
	return &m.shards[uint64(key)&(numShards-1)]
}

// Load returns the value for a given key.
func (m *ShardedMap[K, V]) Load(key K) (V, bool) {
	s := m.shardFor(key)
	s.RLock()
	val, ok := s.m[key]
	s.RUnlock()
	return val, ok
}

// Store sets the value for a given key.
func (m *ShardedMap[K, V]) Store(key K, value V) {
	s := m.shardFor(key)
	s.Lock()
	s.m[key] = value
	s.Unlock()
}

// Delete removes a key from the map.
func (m *ShardedMap[K, V]) Delete(key K) {
	s := m.shardFor(key)
	s.Lock()
	delete(s.m, key)
	s.Unlock()
}

// LoadOrStore returns the existing value for the key if present. Otherwise
// it calls factory, stores the result and returns it. The boolean reports
// whether the value was already there.
func (m *ShardedMap[K, V]) LoadOrStore(key K, factory func() V) (V, bool) {
	if val, ok := m.Load(key); ok {
		return val, true
	}
	// Fall back to the write lock to create the entry.
	s := m.shardFor(key)
	s.Lock()
	defer s.Unlock()
	// Another writer may have won while we waited for the lock.
	if val, ok := s.m[key]; ok {
		return val, true
	}
	val := factory()
	s.m[key] = val
	return val, false
}

// Range iterates over all items in the map and calls f for each. Iteration
// stops if f returns false. Each shard is copied under its read lock and f
// runs without holding any lock, so f may write to the map.
func (m *ShardedMap[K, V]) Range(f func(key K, value V) bool) {
	for i := range m.shards {
		s := &m.shards[i]
		s.RLock()
		keys := make([]K, 0, len(s.m))
		vals := make([]V, 0, len(s.m))
		for k, v := range s.m {
			keys = append(keys, k)
			vals = append(vals, v)
		}
		s.RUnlock()
		for j := range keys {
			if !f(keys[j], vals[j]) {
				return
			}
		}
	}
}

// Len sums the shard sizes. Concurrent writers make it approximate.
func (m *ShardedMap[K, V]) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.RLock()
		n += len(s.m)
		s.RUnlock()
	}
	return n
}
