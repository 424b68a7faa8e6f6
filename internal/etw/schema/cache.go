package schema

import (
	"sync/atomic"

	"etwpipe/internal/maps"
)

// Cache memoizes resolved schemas for the lifetime of a session or, when one
// Cache is handed to several sessions, of the process. Entries are never
// evicted: metadata does not change while the system is running.
type Cache struct {
	m      maps.ConcurrentMap[uint64, *Schema]
	hits   atomic.Uint64
	misses atomic.Uint64
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Entries int
	Hits    uint64
	Misses  uint64
}

// NewCache returns an empty cache stored in the given map implementation.
func NewCache(kind maps.Kind) *Cache {
	return &Cache{m: maps.New[uint64, *Schema](kind)}
}

// Resolve returns the schema for k. A miss tells the caller to query the
// metadata source and Insert the result.
func (c *Cache) Resolve(k Key) (*Schema, bool) {
	s, ok := c.m.Load(k.Hash())
	// Two keys sharing a digest resolve as a miss for whichever was stored
	// second; the slot then flips to the latest insert.
	if !ok || s.Key != k {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return s, true
}

// Insert stores s under s.Key. Racing inserts for the same key are harmless:
// the last one wins and both values describe the same layout.
func (c *Cache) Insert(s *Schema) {
	if s == nil {
		return
	}
	c.m.Store(s.Key.Hash(), s)
}

// Len is the number of cached schemas.
func (c *Cache) Len() int { return c.m.Len() }

func (c *Cache) Stats() CacheStats {
	return CacheStats{Entries: c.m.Len(), Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Range visits every cached schema until f returns false.
func (c *Cache) Range(f func(*Schema) bool) {
	c.m.Range(func(_ uint64, s *Schema) bool { return f(s) })
}
