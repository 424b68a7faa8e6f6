package maps

import (
	"sync"
	"sync/atomic"
)

// StdSyncMap wraps the standard library's sync.Map to implement the
// ConcurrentMap interface. sync.Map has no size, so one is tracked on the side.
type StdSyncMap[K Integer, V any] struct {
	m    sync.Map
	size atomic.Int64
}

// NewStdSyncMap creates a new StdSyncMap.
func NewStdSyncMap[K Integer, V any]() ConcurrentMap[K, V] {
	return &StdSyncMap[K, V]{}
}

func (m *StdSyncMap[K, V]) Load(key K) (V, bool) {
	val, ok := m.m.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return val.(V), true
}

func (m *StdSyncMap[K, V]) Store(key K, value V) {
	if _, loaded := m.m.Swap(key, value); !loaded {
		m.size.Add(1)
	}
}

func (m *StdSyncMap[K, V]) Delete(key K) {
	if _, loaded := m.m.LoadAndDelete(key); loaded {
		m.size.Add(-1)
	}
}

// LoadOrStore may call factory even when another writer stores the key
// first; the extra value is discarded.
func (m *StdSyncMap[K, V]) LoadOrStore(key K, factory func() V) (V, bool) {
	if val, ok := m.m.Load(key); ok {
		return val.(V), true
	}
	val, loaded := m.m.LoadOrStore(key, factory())
	if !loaded {
		m.size.Add(1)
	}
	return val.(V), loaded
}

func (m *StdSyncMap[K, V]) Range(f func(key K, value V) bool) {
	m.m.Range(func(key, value any) bool {
		return f(key.(K), value.(V))
	})
}

// Len is maintained by Store, Delete and LoadOrStore.
func (m *StdSyncMap[K, V]) Len() int { return int(m.size.Load()) }
