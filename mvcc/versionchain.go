package mvcc

import (
	"github.com/calvinalkan/sgtx/segvec"
	"github.com/calvinalkan/sgtx/txnrow"
)

// pushVersion conses a new entry holding oldValue onto offset's version
// chain and returns its index, the original's writeInit cow()+tagPtr
// sequence: the row's head lock is held for the whole splice so a
// concurrent Scan never observes a half-linked chain.
func (t *Table) pushVersion(offset segvec.Index, oldValue any, txnID uint64) (uint64, error) {
	cell := t.head.Load(offset)
	packed := lockHead(cell)

	idx, err := t.versions.PushBackZero()
	if err != nil {
		unlockHead(cell, packed)
		return 0, err
	}

	v := t.versions.Load(idx)
	v.value = oldValue
	v.txn = txnID
	v.prevIdx = noVersion
	v.nextIdx = noVersion
	v.commitEpoch.Store(epochPending)

	if oldIdx, hasOld := headIndex(packed); hasOld {
		v.nextIdx = oldIdx
		t.versions.Load(oldIdx).prevIdx = idx
	}

	unlockHead(cell, packHead(idx))

	return idx, nil
}

// unspliceVersion removes idx from offset's version chain, patching its
// neighbors' links. Safe to call once no snapshot scan can still need
// this entry — callers schedule it through epoch.Manager.Retire at
// commit time, mirroring the original's eg_->erase deferred unlink.
func (t *Table) unspliceVersion(offset segvec.Index, idx uint64) {
	cell := t.head.Load(offset)
	packed := lockHead(cell)

	v := t.versions.Load(idx)
	prevIdx, nextIdx := v.prevIdx, v.nextIdx

	if prevIdx == noVersion {
		if nextIdx != noVersion {
			packed = packHead(nextIdx)
			t.versions.Load(nextIdx).prevIdx = noVersion
		} else {
			packed = headEmpty
		}
	} else {
		t.versions.Load(prevIdx).nextIdx = nextIdx

		if nextIdx != noVersion {
			t.versions.Load(nextIdx).prevIdx = prevIdx
		}
	}

	unlockHead(cell, packed)
}

// abortVersion undoes an uncommitted write: idx must still be the chain
// head (spec.md open question 9(a) — no other write could have landed
// on top of an uncommitted one without first conflicting through the
// serialization graph), so this restores the live column from its
// captured value and pops it off the chain. Returns
// txnrow.ErrInvariantViolation if idx is not the head, rather than
// silently proceeding.
func (t *Table) abortVersion(offset segvec.Index, idx uint64) error {
	cell := t.head.Load(offset)
	packed := lockHead(cell)

	headIdx, hasHead := headIndex(packed)
	if !hasHead || headIdx != idx {
		unlockHead(cell, packed)
		return txnrow.ErrInvariantViolation
	}

	v := t.versions.Load(idx)
	if v.prevIdx != noVersion {
		unlockHead(cell, packed)
		return txnrow.ErrInvariantViolation
	}

	t.values.Replace(offset, v.value)

	if v.nextIdx != noVersion {
		t.versions.Load(v.nextIdx).prevIdx = noVersion
		unlockHead(cell, packHead(v.nextIdx))
	} else {
		unlockHead(cell, headEmpty)
	}

	return nil
}

// snapshotValue returns offset's value as of safeEpoch, walking back
// through the version chain from the head until it finds an entry
// whose commit superseded a value still visible at safeEpoch — the
// original's readVersion ReadOnly branch. Holds the row's head lock for
// the whole walk, same as the original holds its tag bit.
func (t *Table) snapshotValue(offset segvec.Index, safeEpoch uint64) any {
	cell := t.head.Load(offset)
	packed := lockHead(cell)
	defer unlockHead(cell, packed)

	headIdx, hasHead := headIndex(packed)
	if !hasHead {
		return t.values.At(offset)
	}

	head := t.versions.Load(headIdx)
	if head.commitEpoch.Load() <= safeEpoch {
		return t.values.At(offset)
	}

	cur := head

	for cur.nextIdx != noVersion {
		next := t.versions.Load(cur.nextIdx)
		if next.commitEpoch.Load() <= safeEpoch {
			break
		}

		cur = next
	}

	return cur.value
}
