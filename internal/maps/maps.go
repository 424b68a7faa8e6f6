package maps

import (
	"fmt"
	"strings"
)

// Kind names a ConcurrentMap implementation. It is selected from the
// [schema_cache] section of the configuration file.
type Kind string

const (
	KindXSync   Kind = "xsync"
	KindSharded Kind = "sharded"
	KindCornelk Kind = "cornelk"
	KindSync    Kind = "sync"
)

// Kinds lists every supported implementation, default first.
var Kinds = []Kind{KindXSync, KindSharded, KindCornelk, KindSync}

// Integer is a constraint that permits any integer type.
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// ConcurrentMap is a thread-safe map keyed by integers. Readers never wait on
// writers for a different key; concurrent writers to the same key race and the
// last one wins.
type ConcurrentMap[K Integer, V any] interface {
	Load(key K) (V, bool)
	Store(key K, value V)
	Delete(key K)
	// LoadOrStore returns the existing value for key, or stores and returns
	// the result of factory. loaded reports whether the value was present.
	LoadOrStore(key K, factory func() V) (actual V, loaded bool)
	Range(f func(key K, value V) bool)
	Len() int
}

// ParseKind validates a configured implementation name. Empty selects xsync.
func ParseKind(s string) (Kind, error) {
	if s == "" {
		return KindXSync, nil
	}
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown map implementation %q (valid: xsync, sharded, cornelk, sync)", s)
}

// New returns the implementation named by kind. Unknown kinds fall back to xsync.
func New[K Integer, V any](kind Kind) ConcurrentMap[K, V] {
	switch kind {
	case KindSharded:
		return NewShardedMap[K, V]()
	case KindCornelk:
		return NewCornelkMap[K, V]()
	case KindSync:
		return NewStdSyncMap[K, V]()
	default:
		return NewXSyncMap[K, V]()
	}
}
