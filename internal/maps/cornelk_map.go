package maps

import "github.com/cornelk/hashmap"

// CornelkMap backs ConcurrentMap with cornelk/hashmap, a lock-free hash map
// that performs well for read-mostly workloads with few distinct keys.
type CornelkMap[K Integer, V any] struct {
	m *hashmap.Map[K, V]
}

// NewCornelkMap creates a new CornelkMap, returning it as a ConcurrentMap.
func NewCornelkMap[K Integer, V any]() ConcurrentMap[K, V] {
	return &CornelkMap[K, V]{m: hashmap.New[K, V]()}
}

func (m *CornelkMap[K, V]) Load(key K) (V, bool) { return m.m.Get(key) }
func (m *CornelkMap[K, V]) Store(key K, value V) { m.m.Set(key, value) }
func (m *CornelkMap[K, V]) Delete(key K)         { m.m.Del(key) }
func (m *CornelkMap[K, V]) Len() int             { return m.m.Len() }

// LoadOrStore evaluates factory eagerly; the value is discarded when another
// writer got there first.
func (m *CornelkMap[K, V]) LoadOrStore(key K, factory func() V) (V, bool) {
	if val, ok := m.m.Get(key); ok {
		return val, true
	}
	return m.m.GetOrInsert(key, factory())
}

// Range iterates over all items in the map.
func (m *CornelkMap[K, V]) Range(f func(key K, value V) bool) { m.m.Range(f) }
