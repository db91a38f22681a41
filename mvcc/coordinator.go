package mvcc

import (
	"iter"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/calvinalkan/sgtx/epoch"
	"github.com/calvinalkan/sgtx/orderlist"
	"github.com/calvinalkan/sgtx/segvec"
	"github.com/calvinalkan/sgtx/sgraph"
	"github.com/calvinalkan/sgtx/txnrow"
)

// Row is one (table, key, value) triple returned by Scan.
type Row struct {
	Table string
	Key   any
	Value any
}

type undoEntry struct {
	table      *Table
	offset     segvec.Index
	versionIdx uint64
}

type txn struct {
	id   uint64
	node sgraph.NodeRef

	aborted atomic.Bool

	mu   sync.Mutex
	undo []undoEntry
}

// Coordinator implements the same three-step read/write protocol as
// svcc.Coordinator over the same kind of data plane, extended with a
// per-row version chain: every Write conses the row's prior value onto
// that chain before overwriting the live column, so Scan can read a
// self-consistent snapshot bound to a safe-read epoch without ever
// registering with the serialization graph.
type Coordinator struct {
	sg *sgraph.Graph
	em *epoch.CommittingManager

	tables map[string]*Table

	nextID atomic.Uint64

	mu   sync.RWMutex
	txns map[uint64]*txn

	// commitMu serializes reserve-stamp-publish in Commit so the safe-read
	// epoch is never exposed before every version stamped with it is.
	commitMu sync.Mutex
}

// NewCoordinator returns a Coordinator managing tables, sharing one
// conflict graph across all of them.
func NewCoordinator(em *epoch.CommittingManager, tables ...*Table) *Coordinator {
	c := &Coordinator{
		sg:     sgraph.New(em.Manager),
		em:     em,
		tables: make(map[string]*Table, len(tables)),
		txns:   make(map[uint64]*txn),
	}

	for _, t := range tables {
		c.tables[t.Name] = t
	}

	return c
}

// Table returns the named table, or nil if no such table was
// registered at construction.
func (c *Coordinator) Table(name string) *Table { return c.tables[name] }

// Start begins a new read-write transaction and returns its id.
func (c *Coordinator) Start() uint64 {
	id := c.nextID.Add(1)
	node := c.sg.CreateNode()

	c.mu.Lock()
	c.txns[id] = &txn{id: id, node: node}
	c.mu.Unlock()

	return id
}

// Read performs the validated read protocol: append a read token, wait
// for prior accesses to publish, induce a cascading edge against every
// earlier write, and on success return the row's current value. Reads
// inside a read-write transaction always see the live column, never a
// version-chain entry — only Scan does.
func (c *Coordinator) Read(txID uint64, table string, key any) (any, error) {
	tx, err := c.activeTxn(txID)
	if err != nil {
		return nil, err
	}

	t, offset, err := c.resolve(table, key)
	if err != nil {
		return nil, err
	}

	if c.sg.NeedsAbort(tx.node) {
		c.doAbort(tx)
		return nil, txnrow.ErrCascadingAbort
	}

	tok := txnrow.NewToken(txID, txnrow.Read)
	ol := t.orderLists.At(offset)
	prv := ol.PushFront(tok)

	c.waitForLSN(t, offset, prv)

	cyclic := false

	ol.Iterate(func(other txnrow.Token, otherPrv uint64) bool {
		if otherPrv >= prv || !other.IsWrite() {
			return true
		}

		if peer, alive := c.peerNode(other.TxnID()); alive {
			if !c.sg.InsertAndCheck(tx.node, peer, false) {
				cyclic = true
			}
		}

		return true
	})

	if cyclic {
		c.publishLSN(t, offset, prv)
		c.doAbort(tx)
		ol.Erase(prv)

		return nil, txnrow.ErrCycleDetected
	}

	value := t.values.At(offset)
	c.publishLSN(t, offset, prv)

	return value, nil
}

type writeWaitOutcome int

const (
	writeProceed writeWaitOutcome = iota
	writeRetry
	writeAborted
)

func (c *Coordinator) resolveWriteWaits(tx *txn, t *Table, offset segvec.Index, ol *orderlist.List, prv, txID uint64) writeWaitOutcome {
	outcome := writeProceed

	ol.Iterate(func(other txnrow.Token, otherPrv uint64) bool {
		if otherPrv >= prv || !other.IsWrite() || other.TxnID() == txID {
			return true
		}

		peer, alive := c.peerNode(other.TxnID())
		if !alive || c.sg.IsCommitted(peer) {
			return true
		}

		if !c.sg.InsertAndCheck(tx.node, peer, false) {
			c.publishLSN(t, offset, prv)
			c.doAbort(tx)
			ol.Erase(prv)
			outcome = writeAborted

			return false
		}

		c.publishLSN(t, offset, prv)
		ol.Erase(prv)
		outcome = writeRetry

		return false
	})

	return outcome
}

// Write performs the same three-step write protocol as svcc, plus
// consing the row's current value onto the version chain before
// overwriting it, so that a snapshot scan started before this commit
// still sees the prior value.
func (c *Coordinator) Write(txID uint64, table string, key, value any) error {
	tx, err := c.activeTxn(txID)
	if err != nil {
		return err
	}

	t, offset, err := c.resolve(table, key)
	if err != nil {
		return err
	}

	for {
		if c.sg.NeedsAbort(tx.node) {
			c.doAbort(tx)
			return txnrow.ErrCascadingAbort
		}

		tok := txnrow.NewToken(txID, txnrow.Write)
		ol := t.orderLists.At(offset)
		prv := ol.PushFront(tok)

		c.waitForLSN(t, offset, prv)

		switch c.resolveWriteWaits(tx, t, offset, ol, prv, txID) {
		case writeAborted:
			return txnrow.ErrCycleDetected
		case writeRetry:
			continue
		}

		cyclic := false

		ol.Iterate(func(other txnrow.Token, otherPrv uint64) bool {
			if otherPrv >= prv {
				return true
			}

			if peer, alive := c.peerNode(other.TxnID()); alive {
				if !c.sg.InsertAndCheck(tx.node, peer, !other.IsWrite()) {
					cyclic = true
				}
			}

			return true
		})

		if cyclic {
			c.publishLSN(t, offset, prv)
			c.doAbort(tx)
			ol.Erase(prv)

			return txnrow.ErrCycleDetected
		}

		old := t.values.At(offset)

		versionIdx, err := t.pushVersion(offset, old, txID)
		if err != nil {
			c.publishLSN(t, offset, prv)
			c.doAbort(tx)
			ol.Erase(prv)

			return err
		}

		t.values.Replace(offset, value)
		c.publishLSN(t, offset, prv)

		tx.mu.Lock()
		tx.undo = append(tx.undo, undoEntry{table: t, offset: offset, versionIdx: versionIdx})
		tx.mu.Unlock()

		return nil
	}
}

// Commit waits for every transaction this one has an edge to resolve,
// finalizes via the graph's check-committed protocol, then stamps
// every version this transaction produced with the new commit epoch
// and schedules each one for epoch-deferred unsplicing from its row's
// chain, bounding chain length once no snapshot scan can still need it.
//
// The epoch is reserved, used to stamp every version, and only then
// published under commitMu: a concurrent Scan samples SafeReadEpoch
// without taking that lock, so publishing first would let it see the
// new epoch as safe while a version still carries epochPending.
func (c *Coordinator) Commit(txID uint64) (txnrow.Verdict, error) {
	tx, err := c.activeTxn(txID)
	if err != nil {
		return txnrow.Aborted, err
	}

	for i := 0; ; i++ {
		if tx.aborted.Load() {
			return txnrow.Aborted, nil
		}

		if c.sg.NeedsAbort(tx.node) {
			c.doAbort(tx)
			return txnrow.Aborted, nil
		}

		if c.sg.CheckCommitted(tx.node) {
			break
		}

		if i >= int(txnrow.SpinBudget) {
			runtime.Gosched()
		}
	}

	tx.mu.Lock()
	undo := tx.undo
	tx.undo = nil
	tx.mu.Unlock()

	c.commitMu.Lock()

	commitEpoch := c.em.ReserveCommit()

	for _, e := range undo {
		v := e.table.versions.Load(e.versionIdx)
		v.commitEpoch.Store(commitEpoch)

		table, offset, idx := e.table, e.offset, e.versionIdx
		c.em.Retire(func() { table.unspliceVersion(offset, idx) })
	}

	c.em.PublishCommit(commitEpoch)
	c.commitMu.Unlock()

	c.em.Advance()
	c.forget(tx.id)

	return txnrow.Committed, nil
}

// Abort undoes every write this transaction made — restoring each
// row's live column from its version-chain entry and unsplicing that
// entry — and marks its graph node aborted, cascading lazily to
// dependents exactly as svcc.Coordinator.Abort does.
func (c *Coordinator) Abort(txID uint64) {
	tx, err := c.activeTxn(txID)
	if err != nil {
		return
	}

	c.doAbort(tx)
}

func (c *Coordinator) doAbort(tx *txn) {
	if !tx.aborted.CompareAndSwap(false, true) {
		return
	}

	tx.mu.Lock()
	undo := tx.undo
	tx.undo = nil
	tx.mu.Unlock()

	for i := len(undo) - 1; i >= 0; i-- {
		e := undo[i]
		_ = e.table.abortVersion(e.offset, e.versionIdx)
	}

	dst := map[sgraph.NodeRef]struct{}{}
	c.sg.Abort(tx.node, dst)

	c.forget(tx.id)
}

// Scan returns every row in table visible as of a fresh snapshot at the
// current safe-read epoch, passed through predicate, without
// registering with the serialization graph at all (spec.md 4.8's
// read-only snapshot path). It holds an epoch guard for the lifetime of
// the returned iterator so a concurrent commit's deferred chain
// unsplice can never remove a version this scan still needs — callers
// must drain the sequence (or let it go out of scope after a full
// range) rather than holding it open indefinitely.
func (c *Coordinator) Scan(table string, predicate func(Row) bool) (iter.Seq[Row], error) {
	t, ok := c.tables[table]
	if !ok {
		return nil, txnrow.ErrNotFound
	}

	guard := c.em.Enter()
	safeEpoch := c.em.SafeReadEpoch()

	return func(yield func(Row) bool) {
		defer guard.Leave()

		t.index.All(func(key any, offset segvec.Index) bool {
			value := t.snapshotValue(offset, safeEpoch)
			row := Row{Table: table, Key: key, Value: value}

			if !predicate(row) {
				return true
			}

			return yield(row)
		})
	}, nil
}

func (c *Coordinator) waitForLSN(t *Table, offset segvec.Index, prv uint64) {
	if prv == 0 {
		return
	}

	lsn := t.lsn.Load(offset)

	for i := 0; lsn.Load() != prv; i++ {
		if i >= int(txnrow.SpinBudget) {
			runtime.Gosched()
		}
	}
}

func (c *Coordinator) publishLSN(t *Table, offset segvec.Index, prv uint64) {
	t.lsn.Load(offset).Store(prv + 1)
}

func (c *Coordinator) activeTxn(txID uint64) (*txn, error) {
	c.mu.RLock()
	tx, ok := c.txns[txID]
	c.mu.RUnlock()

	if !ok {
		return nil, txnrow.ErrNotFound
	}

	return tx, nil
}

func (c *Coordinator) peerNode(txID uint64) (sgraph.NodeRef, bool) {
	c.mu.RLock()
	tx, ok := c.txns[txID]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	return tx.node, true
}

func (c *Coordinator) forget(txID uint64) {
	c.mu.Lock()
	delete(c.txns, txID)
	c.mu.Unlock()
}

func (c *Coordinator) resolve(table string, key any) (*Table, segvec.Index, error) {
	t, ok := c.tables[table]
	if !ok {
		return nil, 0, txnrow.ErrNotFound
	}

	offset, ok := t.Lookup(key)
	if !ok {
		return t, 0, txnrow.ErrNotFound
	}

	return t, offset, nil
}
