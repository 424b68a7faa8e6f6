package schema

import (
	"errors"
	"fmt"
	"sync/atomic"

	"etwpipe/internal/etw/etwerr"
	"etwpipe/internal/maps"
)

// ErrNotFound is what a query function returns when the metadata source has
// no layout for the key. The key is remembered and never queried again.
var ErrNotFound = errors.New("schema not found")

// QueryFunc fetches the schema for one record from the metadata source.
type QueryFunc func() (*Schema, error)

// Resolver fronts a Cache with a metadata source.
type Resolver struct {
	cache    *Cache
	missing  maps.ConcurrentMap[uint64, Key]
	queries  atomic.Uint64
	failures atomic.Uint64
}

// NewResolver returns a resolver backed by c. Negative entries are private to
// the resolver even when c is shared.
func NewResolver(c *Cache, kind maps.Kind) *Resolver {
	return &Resolver{cache: c, missing: maps.New[uint64, Key](kind)}
}

// Resolve returns the cached schema for k or runs query on a miss and caches
// its result. Keys the source does not know resolve to
// etwerr.ErrSchemaResolutionFailed without querying again.
func (r *Resolver) Resolve(k Key, query QueryFunc) (*Schema, error) {
	if s, ok := r.cache.Resolve(k); ok {
		return s, nil
	}
	h := k.Hash()
	if mk, ok := r.missing.Load(h); ok && mk == k {
		return nil, fmt.Errorf("%w: %s", etwerr.ErrSchemaResolutionFailed, k)
	}

	r.queries.Add(1)
	s, err := query()
	if err != nil {
		r.failures.Add(1)
		if errors.Is(err, ErrNotFound) {
			r.missing.Store(h, k)
		}
		return nil, fmt.Errorf("%w: %s: %w", etwerr.ErrSchemaResolutionFailed, k, err)
	}
	if s == nil {
		r.failures.Add(1)
		r.missing.Store(h, k)
		return nil, fmt.Errorf("%w: %s: empty schema", etwerr.ErrSchemaResolutionFailed, k)
	}
	if s.Key != k {
		cp := *s
		cp.Key = k
		s = &cp
	}
	r.cache.Insert(s)
	return s, nil
}

// Cache returns the underlying cache.
func (r *Resolver) Cache() *Cache { return r.cache }

// Queries is the number of times the metadata source was consulted.
func (r *Resolver) Queries() uint64 { return r.queries.Load() }

// Failures is the number of queries that produced no schema.
func (r *Resolver) Failures() uint64 { return r.failures.Load() }
