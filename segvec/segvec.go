// Package segvec implements the segmented vector (spec.md section 4.3,
// component C3): an append-only vector of T whose element addresses are
// stable for the engine's lifetime, growing in uniformly sized
// segments so that a reference to element i never moves.
//
// Indices returned by PushBack are stable handles; nothing in this
// package ever compacts or relocates a previously assigned slot.
package segvec

import (
	"sync"
	"sync/atomic"

	"github.com/calvinalkan/sgtx/txnrow"
)

// Index is a stable element address returned by PushBack.
type Index = uint64

// segmentSize is the number of elements per segment. A power of two so
// segment/offset split is a shift+mask.
const segmentSize = 4096

const segmentShift = 12 // log2(segmentSize)

const segmentMask = segmentSize - 1

// slot holds one element plus the bookkeeping PushBack/Erase/IsAlive
// need: alive becomes true only once the appending goroutine has
// finished writing the value, and tomb marks a later Erase.
type slot[T any] struct {
	value atomic.Pointer[T]
	alive atomic.Bool
	tomb  atomic.Bool
}

// Vector is a segmented, append-only vector of T.
//
// The zero value is not usable; construct with New.
type Vector[T any] struct {
	maxSegments uint64

	mu       sync.Mutex // serializes segment-table growth only
	segments []*[segmentSize]slot[T]

	length atomic.Uint64
}

// New returns a Vector that can grow to maxSegments * segmentSize
// elements. A maxSegments of 0 means unbounded (limited only by
// available memory).
func New[T any](maxSegments uint64) *Vector[T] {
	return &Vector[T]{maxSegments: maxSegments}
}

// Len returns the number of elements ever pushed (including erased
// ones; erase does not compact).
func (v *Vector[T]) Len() uint64 { return v.length.Load() }

func (v *Vector[T]) segmentFor(i Index) *[segmentSize]slot[T] {
	segIdx := i >> segmentShift

	v.mu.Lock()
	defer v.mu.Unlock()

	for uint64(len(v.segments)) <= segIdx {
		v.segments = append(v.segments, &[segmentSize]slot[T]{})
	}

	return v.segments[segIdx]
}

// PushBack appends v and returns its stable index. Concurrent PushBack
// calls return distinct, contiguous indices.
//
// Returns txnrow.ErrCapacityExhausted once the vector would grow beyond
// maxSegments; per spec.md section 9(b) the vector's state is undefined
// afterwards and callers must treat this as fatal.
func (v *Vector[T]) PushBack(val T) (Index, error) {
	idx, s, err := v.reserve()
	if err != nil {
		return 0, err
	}

	s.value.Store(&val)
	s.alive.Store(true)

	return idx, nil
}

// PushBackZero appends T's zero value and returns its stable index,
// without ever copying a T through a function argument — the caller
// mutates the pushed element in place through Load(idx) instead. Use
// this for a T that embeds an atomic (atomic.Uint64, or a struct like
// version that has one), where passing a value of T into PushBack would
// copy it and trip go vet's copylocks check even though the copied
// value is always the zero value.
func (v *Vector[T]) PushBackZero() (Index, error) {
	idx, s, err := v.reserve()
	if err != nil {
		return 0, err
	}

	var zero T

	s.value.Store(&zero)
	s.alive.Store(true)

	return idx, nil
}

// reserve claims the next index and its backing slot, without
// publishing a value into it.
func (v *Vector[T]) reserve() (Index, *slot[T], error) {
	idx := v.length.Add(1) - 1

	if v.maxSegments != 0 && (idx>>segmentShift) >= v.maxSegments {
		return 0, nil, txnrow.ErrCapacityExhausted
	}

	seg := v.segmentFor(idx)

	return idx, &seg[idx&segmentMask], nil
}

func (v *Vector[T]) slotAt(i Index) *slot[T] {
	segIdx := i >> segmentShift

	v.mu.Lock()
	seg := v.segments[segIdx]
	v.mu.Unlock()

	return &seg[i&segmentMask]
}

// IsAlive reports whether the appender that claimed index i has
// finished publishing its value. Readers racing an in-flight PushBack
// must loop on IsAlive before calling At.
func (v *Vector[T]) IsAlive(i Index) bool {
	if i >= v.length.Load() {
		return false
	}

	// The index may be claimed before its segment has been appended.
	v.mu.Lock()
	allocated := i>>segmentShift < uint64(len(v.segments))
	v.mu.Unlock()

	if !allocated {
		return false
	}

	return v.slotAt(i).alive.Load()
}

// Erased reports whether index i has been tombstoned by Erase.
func (v *Vector[T]) Erased(i Index) bool {
	return v.slotAt(i).tomb.Load()
}

// At returns the value stored at i. Callers must have established
// IsAlive(i) first (or otherwise know the slot is published); At does
// not itself wait.
func (v *Vector[T]) At(i Index) T {
	return *v.slotAt(i).value.Load()
}

// Replace unconditionally stores val at i.
func (v *Vector[T]) Replace(i Index, val T) {
	v.slotAt(i).value.Store(&val)
}

// AtomicReplace is Replace with explicit atomic-store semantics for
// callers that want to document a publish point; it is identical to
// Replace since all slot values are already stored through an
// atomic.Pointer.
func (v *Vector[T]) AtomicReplace(i Index, val T) {
	v.Replace(i, val)
}

// CompareExchange atomically replaces the value at i with desired if
// the current value's pointer identity equals expected's, mirroring
// the CAS the original engine performs on raw pointers (version-chain
// heads, tagged handles). Returns whether the swap happened.
func (v *Vector[T]) CompareExchange(i Index, expected, desired *T) bool {
	return v.slotAt(i).value.CompareAndSwap(expected, desired)
}

// Load returns the current value pointer at i, for callers that need
// pointer identity to feed CompareExchange.
func (v *Vector[T]) Load(i Index) *T {
	return v.slotAt(i).value.Load()
}

// Erase tombstones index i. The slot remains addressable (At/Load still
// work) for any reader that already holds an epoch guard spanning it;
// Erase does not compact the vector.
func (v *Vector[T]) Erase(i Index) {
	v.slotAt(i).tomb.Store(true)
}

// All iterates live, non-erased elements in index order.
func (v *Vector[T]) All(yield func(Index, T) bool) {
	n := v.length.Load()
	for i := range n {
		s := v.slotAt(i)
		if !s.alive.Load() || s.tomb.Load() {
			continue
		}

		if !yield(i, *s.value.Load()) {
			return
		}
	}
}
