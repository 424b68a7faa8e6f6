package maps

import "github.com/puzpuzpuz/xsync/v4"

// XSyncMap is a generic, concurrent map that implements the ConcurrentMap
// interface using puzpuzpuz/xsync/v4, whose Load path takes no locks.
// This is the default for the schema cache.
type XSyncMap[K Integer, V any] struct {
	m *xsync.Map[K, V]
}

// NewXSyncMap creates a new XSyncMap, returning it as a ConcurrentMap.
func NewXSyncMap[K Integer, V any]() ConcurrentMap[K, V] {
	return &XSyncMap[K, V]{m: xsync.NewMap[K, V]()}
}

// Load returns the value for a given key.
func (m *XSyncMap[K, V]) Load(key K) (V, bool) { return m.m.Load(key) }

// Store sets the value for a given key.
func (m *XSyncMap[K, V]) Store(key K, value V) { m.m.Store(key, value) }

// Delete removes a key from the map.
func (m *XSyncMap[K, V]) Delete(key K) { m.m.Delete(key) }

// Len returns the current number of entries.
func (m *XSyncMap[K, V]) Len() int { return m.m.Size() }

// LoadOrStore uses LoadOrCompute for a factory-based get-or-create. It
// returns the 'loaded' boolean our interface expects, unlike Compute whose
// boolean reports whether the key exists after the operation.
func (m *XSyncMap[K, V]) LoadOrStore(key K, factory func() V) (V, bool) {
	// The factory runs at most once and only when the key is absent.
	return m.m.LoadOrCompute(key, func() (V, bool) {
		// The second result cancels the store; we always keep the value.
		return factory(), false
	})
}

// Range iterates over all items in the map.
func (m *XSyncMap[K, V]) Range(f func(key K, value V) bool) { m.m.Range(f) }
