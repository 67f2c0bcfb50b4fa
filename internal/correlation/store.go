// Package correlation implements the fixed-capacity keyed tables that hold
// in-flight probe state between an entry firing and its terminal firing.
package correlation

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// maxShards bounds the number of independently locked partitions.
const maxShards = 64

// Key is any integer-shaped identifier: an execution context, an opaque
// socket identity or a small discriminant.
type Key interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

type shard[K Key, V any] struct {
	mu      sync.Mutex
	entries map[K]V
}

// Store is a fixed-capacity concurrent table. Inserting a new key into a full
// store evicts an arbitrary existing entry; the store never grows past its
// capacity. Missing keys are not errors.
type Store[K Key, V any] struct {
	name     string
	capacity int64
	shards   []shard[K, V]
	mask     uint64

	live       atomic.Int64
	evictions  atomic.Uint64
	rejections atomic.Uint64
}

// Stats is a point-in-time view of a store's occupancy and loss counters.
type Stats struct {
	Name       string
	Len        int
	Capacity   int
	Evictions  uint64
	Rejections uint64
}

// New creates a store holding at most capacity entries.
// A non-positive capacity is treated as one.
func New[K Key, V any](name string, capacity int) *Store[K, V] {
	if capacity <= 0 {
		capacity = 1
	}

	n := 1
	for n < maxShards && n*2 <= capacity {
		n *= 2
	}

	perShard := capacity/n + 1

	s := &Store[K, V]{
		name:     name,
		capacity: int64(capacity),
		shards:   make([]shard[K, V], n),
		mask:     uint64(n - 1),
	}

	for i := range s.shards {
		s.shards[i].entries = make(map[K]V, perShard)
	}

	return s
}

// Name returns the store's name.
func (s *Store[K, V]) Name() string { return s.name }

// Capacity returns the configured maximum number of entries.
func (s *Store[K, V]) Capacity() int { return int(s.capacity) }

// Len returns the number of live entries.
func (s *Store[K, V]) Len() int { return int(s.live.Load()) }

// Evictions returns how many entries were discarded to make room.
func (s *Store[K, V]) Evictions() uint64 { return s.evictions.Load() }

// Rejections returns how many inserts were dropped because no slot could be
// freed.
func (s *Store[K, V]) Rejections() uint64 { return s.rejections.Load() }

// Stats returns a snapshot of occupancy and loss counters.
func (s *Store[K, V]) Stats() Stats {
	return Stats{
		Name:       s.name,
		Len:        s.Len(),
		Capacity:   s.Capacity(),
		Evictions:  s.Evictions(),
		Rejections: s.Rejections(),
	}
}

func (s *Store[K, V]) shardIndex(key K) int {
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], uint64(key))

	return int(xxhash.Sum64(buf[:]) & s.mask)
}

// Put inserts or overwrites the entry for key.
func (s *Store[K, V]) Put(key K, val V) {
	idx := s.shardIndex(key)
	sh := &s.shards[idx]

	sh.mu.Lock()
	if _, ok := sh.entries[key]; ok {
		sh.entries[key] = val
		sh.mu.Unlock()

		return
	}
	sh.mu.Unlock()

	if !s.reserve(idx) {
		s.rejections.Add(1)

		return
	}

	sh.mu.Lock()
	if _, ok := sh.entries[key]; ok {
		// Lost a race with another insert of the same key.
		s.live.Add(-1)
	}

	sh.entries[key] = val
	sh.mu.Unlock()
}

// reserve claims one slot of capacity, evicting an entry if the store is
// full. It never holds more than one shard lock at a time.
func (s *Store[K, V]) reserve(start int) bool {
	for {
		n := s.live.Load()
		if n < s.capacity {
			if s.live.CompareAndSwap(n, n+1) {
				return true
			}

			continue
		}

		if !s.evictOne(start) {
			return false
		}
	}
}

func (s *Store[K, V]) tryReserve() bool {
	for {
		n := s.live.Load()
		if n >= s.capacity {
			return false
		}

		if s.live.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *Store[K, V]) evictOne(start int) bool {
	for i := range s.shards {
		sh := &s.shards[(start+i)&int(s.mask)]

		sh.mu.Lock()
		for k := range sh.entries {
			delete(sh.entries, k)
			sh.mu.Unlock()

			s.live.Add(-1)
			s.evictions.Add(1)

			return true
		}
		sh.mu.Unlock()
	}

	return false
}

// Take atomically looks up and removes the entry for key.
func (s *Store[K, V]) Take(key K) (V, bool) {
	sh := &s.shards[s.shardIndex(key)]

	sh.mu.Lock()
	val, ok := sh.entries[key]
	if ok {
		delete(sh.entries, key)
	}
	sh.mu.Unlock()

	if ok {
		s.live.Add(-1)
	}

	return val, ok
}

// Drop removes the entry for key without returning it.
func (s *Store[K, V]) Drop(key K) bool {
	_, ok := s.Take(key)

	return ok
}

// Get returns a copy of the entry for key, leaving it in place.
func (s *Store[K, V]) Get(key K) (V, bool) {
	sh := &s.shards[s.shardIndex(key)]

	sh.mu.Lock()
	val, ok := sh.entries[key]
	sh.mu.Unlock()

	return val, ok
}

// Update applies fn to the entry for key in place and returns the updated
// copy. fn runs under the shard lock and must not block or call back into
// the store.
func (s *Store[K, V]) Update(key K, fn func(*V)) (V, bool) {
	sh := &s.shards[s.shardIndex(key)]

	sh.mu.Lock()
	defer sh.mu.Unlock()

	val, ok := sh.entries[key]
	if !ok {
		return val, false
	}

	fn(&val)
	sh.entries[key] = val

	return val, true
}

// Range calls fn for every entry until fn returns false. Shards are visited
// one at a time, so the view is not a consistent snapshot.
func (s *Store[K, V]) Range(fn func(K, V) bool) {
	for i := range s.shards {
		sh := &s.shards[i]

		sh.mu.Lock()
		for k, v := range sh.entries {
			if !fn(k, v) {
				sh.mu.Unlock()

				return
			}
		}
		sh.mu.Unlock()
	}
}

// Upsert applies fn to the entry for key, first inserting the zero value when
// the key is absent. Unlike Put it never evicts: when the store is full a new
// key is rejected and the returned bool is false.
func (s *Store[K, V]) Upsert(key K, fn func(*V)) (V, bool) {
	if v, ok := s.Update(key, fn); ok {
		return v, true
	}

	idx := s.shardIndex(key)
	if !s.tryReserve() {
		s.rejections.Add(1)

		var zero V

		return zero, false
	}

	sh := &s.shards[idx]

	sh.mu.Lock()
	defer sh.mu.Unlock()

	val, ok := sh.entries[key]
	if ok {
		s.live.Add(-1)
	}

	fn(&val)
	sh.entries[key] = val

	return val, true
}

// UpsertCounter adds delta to the counter stored under key, creating it when
// absent, and returns the new value.
func UpsertCounter[K Key](s *Store[K, uint64], key K, delta uint64) uint64 {
	v, _ := s.Upsert(key, func(c *uint64) { *c += delta })

	return v
}
