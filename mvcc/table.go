// Package mvcc implements the multi-version transaction coordinator
// (spec.md section 4.8, component C8): the same token/ordering-list/
// serialization-graph validation svcc performs for read-write
// transactions, plus a per-row chain of superseded values that lets a
// read-only snapshot scan see a consistent past state without ever
// registering with the graph.
package mvcc

import (
	"runtime"
	"sync/atomic"

	"github.com/calvinalkan/sgtx/epoch"
	"github.com/calvinalkan/sgtx/lfmap"
	"github.com/calvinalkan/sgtx/orderlist"
	"github.com/calvinalkan/sgtx/segvec"
	"github.com/calvinalkan/sgtx/txnrow"
)

const maxSegments = 1 << 20

// version is one superseded value of a row: the value it held
// immediately before the write that produced this entry committed, and
// the commit epoch at which that value stopped being current. A
// version whose writer has not yet committed carries epochPending.
type version struct {
	value any
	txn   uint64

	commitEpoch atomic.Uint64

	prevIdx uint64 // toward the newer neighbor, or noVersion
	nextIdx uint64 // toward the older neighbor, or noVersion
}

const noVersion = ^uint64(0)
const epochPending = ^uint64(0)

// headHandle packs a row's version chain head into one atomic.Uint64,
// following SPEC_FULL.md 4.8's "tagged pointer, Go-native" decision: the
// top bit is a spin lock standing in for the original's pointer tag
// bit, the next bit marks an empty chain (index 0 is a valid version
// index, so emptiness needs its own bit rather than a sentinel index),
// and the low 62 bits hold a segvec.Index into the table's version
// vector.
const (
	headLocked = uint64(1) << 63
	headEmpty  = uint64(1) << 62
	headMask   = headEmpty - 1
)

func packHead(idx uint64) uint64 { return idx & headMask }

func headIndex(h uint64) (idx uint64, ok bool) {
	if h&headEmpty != 0 {
		return 0, false
	}

	return h & headMask, true
}

// lockHead spins until it can set the lock bit on cell, returning the
// unlocked value observed at the moment it won — the original's
// tagPtr, ported from a pointer-tag CAS loop to a bitfield CAS loop.
func lockHead(cell *atomic.Uint64) uint64 {
	for i := 0; ; i++ {
		cur := cell.Load()

		if cur&headLocked == 0 && cell.CompareAndSwap(cur, cur|headLocked) {
			return cur
		}

		if i >= int(txnrow.SpinBudget) {
			runtime.Gosched()
		}
	}
}

// unlockHead stores newVal with the lock bit cleared, the original's
// untagPtr.
func unlockHead(cell *atomic.Uint64, newVal uint64) {
	cell.Store(newVal &^ headLocked)
}

// Table is a named column family: a live value column mutated in place
// by whichever writer currently owns a row (exactly as svcc.Table), a
// per-row ordering list and key->offset index shared with the same
// single-version validation protocol, and a per-row version chain head
// that lets Coordinator.Scan see an older value without registering
// with the serialization graph at all.
type Table struct {
	Name string

	em *epoch.CommittingManager

	values     *segvec.Vector[any]
	lsn        *segvec.Vector[atomic.Uint64]
	orderLists *segvec.Vector[*orderlist.List]
	head       *segvec.Vector[atomic.Uint64]
	versions   *segvec.Vector[version]
	index      *lfmap.Map[any, segvec.Index]
}

// NewTable returns an empty table backed by em's commit counter, which
// snapshot scans read against as their visibility bound.
func NewTable(name string, em *epoch.CommittingManager, indexCapacity uint64, keyHash func(key any) uint64) *Table {
	return &Table{
		Name:       name,
		em:         em,
		values:     segvec.New[any](maxSegments),
		lsn:        segvec.New[atomic.Uint64](maxSegments),
		orderLists: segvec.New[*orderlist.List](maxSegments),
		head:       segvec.New[atomic.Uint64](maxSegments),
		versions:   segvec.New[version](maxSegments),
		index:      lfmap.New[any, segvec.Index](indexCapacity, em.Manager, keyHash),
	}
}

// InsertRow adds a brand new row outside of any transaction, the
// bootstrap/load-time path. A key already present is not inserted
// again: its existing offset is returned with a nil error and the
// row's value is left unchanged.
func (t *Table) InsertRow(key, value any) (segvec.Index, error) {
	if offset, exists := t.index.Lookup(key); exists {
		return offset, nil
	}

	offset, err := t.values.PushBack(value)
	if err != nil {
		return 0, err
	}

	if _, err := t.lsn.PushBackZero(); err != nil {
		return 0, err
	}

	if _, err := t.orderLists.PushBack(orderlist.New(t.em.Manager)); err != nil {
		return 0, err
	}

	headIdx, err := t.head.PushBackZero()
	if err != nil {
		return 0, err
	}

	t.head.Load(headIdx).Store(headEmpty)

	t.index.Insert(key, offset)

	return offset, nil
}

// Lookup resolves key to its row offset.
func (t *Table) Lookup(key any) (segvec.Index, bool) { return t.index.Lookup(key) }
