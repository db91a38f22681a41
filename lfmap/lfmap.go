// Package lfmap implements the lock-free hash map (spec.md section
// 4.5, component C5): open-addressed bucket chains over a fixed
// capacity decided at construction, used by the coordinators for
// key→row-offset and key→version-state lookups.
//
// Lookups are fully lock-free (they only ever read the atomic bucket
// chain). Insert/Erase take a short per-bucket spin lock to avoid
// racing duplicate-key inserts — the Go equivalent of the original's
// Base::lock(hash)/unlock(hash) bucket guard, whose own implementation
// is outside the retrieval pack (see DESIGN.md).
package lfmap

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/spaolacci/murmur3"

	"github.com/calvinalkan/sgtx/chunkalloc"
	"github.com/calvinalkan/sgtx/epoch"
)

// hashSeed is the fixed seed spec.md 4.5 requires ("MurmurHash-style
// finalizer with a fixed seed").
const hashSeed uint32 = 0x9e3779b9

// HashBytes hashes b with the map's fixed murmur3 seed.
func HashBytes(b []byte) uint64 { return murmur3.Sum64WithSeed(b, hashSeed) }

// HashUint64 hashes a uint64 key with the map's fixed murmur3 seed.
func HashUint64(k uint64) uint64 {
	var b [8]byte

	binary.LittleEndian.PutUint64(b[:], k)

	return HashBytes(b[:])
}

// HashString hashes a string key with the map's fixed murmur3 seed.
func HashString(s string) uint64 { return HashBytes([]byte(s)) }

type entry[K comparable, V comparable] struct {
	key  K
	val  atomic.Pointer[V]
	next atomic.Pointer[entry[K, V]]
	tomb atomic.Bool
}

// Map is an open-addressed, lock-free hash map with a bucket count
// fixed at construction; each bucket's chain grows without limit, so
// Insert never fails for lack of space. Construct with New or NewMulti.
type Map[K comparable, V comparable] struct {
	capacity uint64
	keyHash  func(K) uint64
	multi    bool

	buckets []atomic.Pointer[entry[K, V]]
	locks   []atomic.Bool

	alloc   *chunkalloc.Allocator[entry[K, V]]
	workers sync.Pool

	size atomic.Int64
}

// New returns a single-valued map: Insert refuses a key already present.
func New[K comparable, V comparable](capacity uint64, em *epoch.Manager, keyHash func(K) uint64) *Map[K, V] {
	return newMap[K, V](capacity, em, keyHash, false)
}

// NewMulti returns a multi-valued map: Insert always succeeds and
// Lookup/All may yield several values per key, for index structures
// that require it (spec.md 4.5).
func NewMulti[K comparable, V comparable](capacity uint64, em *epoch.Manager, keyHash func(K) uint64) *Map[K, V] {
	return newMap[K, V](capacity, em, keyHash, true)
}

func newMap[K comparable, V comparable](capacity uint64, em *epoch.Manager, keyHash func(K) uint64, multi bool) *Map[K, V] {
	m := &Map[K, V]{
		capacity: capacity,
		keyHash:  keyHash,
		multi:    multi,
		buckets:  make([]atomic.Pointer[entry[K, V]], capacity),
		locks:    make([]atomic.Bool, capacity),
		alloc:    chunkalloc.New[entry[K, V]](em),
	}
	m.workers.New = func() any { return m.alloc.NewWorker() }

	return m
}

func (m *Map[K, V]) bucketIndex(k K) uint64 { return m.keyHash(k) % m.capacity }

func (m *Map[K, V]) lock(i uint64) {
	for !m.locks[i].CompareAndSwap(false, true) {
		// short spin; bucket chains are shallow so contention is brief.
	}
}

func (m *Map[K, V]) unlock(i uint64) { m.locks[i].Store(false) }

// Insert adds k→v. Returns false if the key is already present in a
// single-valued map; always returns true for a multi-valued map.
func (m *Map[K, V]) Insert(k K, v V) bool {
	idx := m.bucketIndex(k)

	m.lock(idx)
	defer m.unlock(idx)

	if !m.multi {
		for e := m.buckets[idx].Load(); e != nil; e = e.next.Load() {
			if !e.tomb.Load() && e.key == k {
				return false
			}
		}
	}

	w, _ := m.workers.Get().(*chunkalloc.Worker[entry[K, V]])
	h := w.Allocate()
	n := h.Value()
	n.key = k
	n.val.Store(&v)
	n.next.Store(m.buckets[idx].Load())
	m.buckets[idx].Store(n)
	m.workers.Put(w)

	m.size.Add(1)

	return true
}

// Lookup returns the first live value stored for k.
func (m *Map[K, V]) Lookup(k K) (V, bool) {
	idx := m.bucketIndex(k)

	for e := m.buckets[idx].Load(); e != nil; e = e.next.Load() {
		if !e.tomb.Load() && e.key == k {
			return *e.val.Load(), true
		}
	}

	var zero V

	return zero, false
}

// LookupAll appends every live value stored for k to dst and returns
// the result, for use against a multi-valued map.
func (m *Map[K, V]) LookupAll(k K, dst []V) []V {
	idx := m.bucketIndex(k)

	for e := m.buckets[idx].Load(); e != nil; e = e.next.Load() {
		if !e.tomb.Load() && e.key == k {
			dst = append(dst, *e.val.Load())
		}
	}

	return dst
}

// CompareAndSwap atomically replaces k's value with desired if its
// current value equals expected. Acts on the first live entry found.
func (m *Map[K, V]) CompareAndSwap(k K, expected, desired V) bool {
	idx := m.bucketIndex(k)

	for e := m.buckets[idx].Load(); e != nil; e = e.next.Load() {
		if e.tomb.Load() || e.key != k {
			continue
		}

		cur := e.val.Load()
		if cur == nil || *cur != expected {
			return false
		}

		d := desired

		return e.val.CompareAndSwap(cur, &d)
	}

	return false
}

// Erase removes (tombstones) the first live entry for k. The entry stays
// linked in its bucket chain and is never freed or handed to the epoch
// manager, so concurrent lookups never dereference freed memory.
func (m *Map[K, V]) Erase(k K) bool {
	idx := m.bucketIndex(k)

	m.lock(idx)

	var found *entry[K, V]

	for e := m.buckets[idx].Load(); e != nil; e = e.next.Load() {
		if !e.tomb.Load() && e.key == k {
			e.tomb.Store(true)
			found = e

			break
		}
	}

	m.unlock(idx)

	if found == nil {
		return false
	}

	m.size.Add(-1)

	return true
}

// Size returns the number of live (non-erased) entries.
func (m *Map[K, V]) Size() int64 { return m.size.Load() }

// All iterates every live key/value pair across all buckets.
func (m *Map[K, V]) All(yield func(K, V) bool) {
	for i := range m.buckets {
		for e := m.buckets[i].Load(); e != nil; e = e.next.Load() {
			if e.tomb.Load() {
				continue
			}

			if !yield(e.key, *e.val.Load()) {
				return
			}
		}
	}
}
