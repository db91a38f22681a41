// Package svcc implements the single-version transaction coordinator
// (spec.md section 4.7, component C7): per-row read/write validation
// threaded through a per-row ordering list and the shared serialization
// graph, with no version chain — a write replaces a row's column slot
// in place and is undone on abort from a per-transaction undo log.
package svcc

import (
	"sync/atomic"

	"github.com/calvinalkan/sgtx/epoch"
	"github.com/calvinalkan/sgtx/lfmap"
	"github.com/calvinalkan/sgtx/orderlist"
	"github.com/calvinalkan/sgtx/segvec"
)

// maxSegments bounds how large a table's column/lsn/ordering-list
// vectors may grow; spec.md's capacity-exhaustion error is raised once
// any of them hits it (segvec.Vector.PushBack's contract).
const maxSegments = 1 << 20

// Table is a named column family: one value column, one lsn per row,
// one ordering list per row, and a key->offset index. Rows are never
// compacted or removed, matching spec.md's append-only data model.
type Table struct {
	Name string

	em *epoch.Manager

	values     *segvec.Vector[any]
	lsn        *segvec.Vector[atomic.Uint64]
	orderLists *segvec.Vector[*orderlist.List]
	index      *lfmap.Map[any, segvec.Index]
}

// NewTable returns an empty table. keyHash must hash every key the
// caller will ever pass to InsertRow/Lookup the same way every time —
// callers own picking it (lfmap.HashString, lfmap.HashUint64, or a
// composition of either) because the key type is a table schema
// decision the coordinator has no visibility into.
func NewTable(name string, em *epoch.Manager, indexCapacity uint64, keyHash func(key any) uint64) *Table {
	return &Table{
		Name:       name,
		em:         em,
		values:     segvec.New[any](maxSegments),
		lsn:        segvec.New[atomic.Uint64](maxSegments),
		orderLists: segvec.New[*orderlist.List](maxSegments),
		index:      lfmap.New[any, segvec.Index](indexCapacity, em, keyHash),
	}
}

// InsertRow adds a brand new row outside of any transaction — the
// bootstrap/load-time path, analogous to populating a benchmark's
// column store before the measured run starts. A key already present
// is not inserted again: its existing offset is returned with a nil
// error and the row's value is left unchanged.
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

	if _, err := t.orderLists.PushBack(orderlist.New(t.em)); err != nil {
		return 0, err
	}

	t.index.Insert(key, offset)

	return offset, nil
}

// Lookup resolves key to its row offset.
func (t *Table) Lookup(key any) (segvec.Index, bool) { return t.index.Lookup(key) }
