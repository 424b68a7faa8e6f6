package maps

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const keySpace = 1024

func allKinds[V any]() map[Kind]ConcurrentMap[uint64, V] {
	out := make(map[Kind]ConcurrentMap[uint64, V], len(Kinds))
	for _, k := range Kinds {
		out[k] = New[uint64, V](k)
	}
	return out
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"", KindXSync, false},
		{"xsync", KindXSync, false},
		{" Sharded ", KindSharded, false},
		{"CORNELK", KindCornelk, false},
		{"sync", KindSync, false},
		{"btree", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConcurrentMapContract(t *testing.T) {
	for kind, m := range allKinds[string]() {
		t.Run(string(kind), func(t *testing.T) {
			_, ok := m.Load(1)
			assert.False(t, ok)

			m.Store(1, "a")
			m.Store(1, "b") // last writer wins
			v, ok := m.Load(1)
			require.True(t, ok)
			assert.Equal(t, "b", v)
			assert.Equal(t, 1, m.Len())

			calls := 0
			got, loaded := m.LoadOrStore(2, func() string { calls++; return "c" })
			assert.False(t, loaded)
			assert.Equal(t, "c", got)
			got, loaded = m.LoadOrStore(2, func() string { calls++; return "d" })
			assert.True(t, loaded)
			assert.Equal(t, "c", got)
			assert.Equal(t, 1, calls)

			seen := map[uint64]string{}
			m.Range(func(k uint64, v string) bool {
				seen[k] = v
				return true
			})
			assert.Equal(t, map[uint64]string{1: "b", 2: "c"}, seen)

			m.Delete(1)
			_, ok = m.Load(1)
			assert.False(t, ok)
			assert.Equal(t, 1, m.Len())
		})
	}
}

func TestConcurrentReadersDuringInsert(t *testing.T) {
	for kind, m := range allKinds[*int64]() {
		t.Run(string(kind), func(t *testing.T) {
			var v int64 = 7
			for i := range keySpace / 2 {
				m.Store(uint64(i), &v)
			}

			var wg sync.WaitGroup
			var misses atomic.Int64
			for w := range 4 {
				wg.Add(2)
				go func() {
					defer wg.Done()
					for i := keySpace / 2; i < keySpace; i++ {
						if i%4 == w {
							m.Store(uint64(i), &v)
						}
					}
				}()
				go func() {
					defer wg.Done()
					for i := range keySpace / 2 {
						if _, ok := m.Load(uint64(i)); !ok {
							misses.Add(1)
						}
					}
				}()
			}
			wg.Wait()

			assert.Zero(t, misses.Load(), "pre-populated keys must stay visible")
			assert.Equal(t, keySpace, m.Len())
		})
	}
}

func runReadMostlyBenchmark(b *testing.B, m ConcurrentMap[uint64, *int64], readRatio int) {
	var v int64 = 1
	for i := range keySpace {
		m.Store(uint64(i), &v)
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(rand.Int63()))
		for pb.Next() {
			key := uint64(r.Intn(keySpace))
			if r.Intn(100) < readRatio {
				_, _ = m.Load(key)
			} else {
				m.Store(key, &v)
			}
		}
	})
}

func BenchmarkMaps(b *testing.B) {
	for _, ratio := range []int{99, 90} {
		for _, k := range Kinds {
			b.Run(string(k), func(b *testing.B) {
				runReadMostlyBenchmark(b, New[uint64, *int64](k), ratio)
			})
		}
	}
}
