package svcc

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/calvinalkan/sgtx/epoch"
	"github.com/calvinalkan/sgtx/orderlist"
	"github.com/calvinalkan/sgtx/segvec"
	"github.com/calvinalkan/sgtx/sgraph"
	"github.com/calvinalkan/sgtx/txnrow"
)

type undoEntry struct {
	table  *Table
	offset segvec.Index
	old    any
}

type txn struct {
	id   uint64
	node sgraph.NodeRef

	aborted atomic.Bool

	mu   sync.Mutex
	undo []undoEntry
}

// Coordinator implements the three-step token-append/edge-induction/
// payload protocol of spec.md 4.7 over a fixed set of tables handed to
// it at construction.
type Coordinator struct {
	sg *sgraph.Graph
	em *epoch.Manager

	tables map[string]*Table

	nextID atomic.Uint64

	mu   sync.RWMutex
	txns map[uint64]*txn
}

// NewCoordinator returns a Coordinator managing tables, sharing one
// conflict graph across all of them.
func NewCoordinator(em *epoch.Manager, tables ...*Table) *Coordinator {
	c := &Coordinator{
		sg:     sgraph.New(em),
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

// Start begins a new transaction and returns its id. Never fails
// (spec.md section 6).
func (c *Coordinator) Start() uint64 {
	id := c.nextID.Add(1)
	node := c.sg.CreateNode()

	c.mu.Lock()
	c.txns[id] = &txn{id: id, node: node}
	c.mu.Unlock()

	return id
}

// Read performs the three-step read protocol of spec.md 4.7: append a
// read token, wait for prior accesses to publish, induce an edge
// against every earlier write, and on success return the current
// value.
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

// resolveWriteWaits delays a write behind every earlier, still-active
// writer on the same row: it inserts an edge against the first one
// found, then asks the caller to retry the whole write with a fresh
// token once that edge is admitted without a cycle, so that by the time
// the caller proceeds past this step every earlier write token belongs
// to a transaction that has committed or is no longer active (spec.md
// 4.7's write-write delay).
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

// Write performs the three-step write protocol of spec.md 4.7,
// recording the prior value in the transaction's local undo log.
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

		// Every earlier token on this row gets an edge: earlier writes
		// induce a cascading dependency (isWrite=false) since this write
		// overwrote data an uncommitted predecessor also wrote, but
		// earlier reads induce a non-cascading edge (isWrite=true) — an
		// earlier reader aborting never invalidates what this write
		// sees, it only needs to keep a serialization order, matching
		// spec.md 4.7's edge-admission rule.
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
		t.values.Replace(offset, value)
		c.publishLSN(t, offset, prv)

		tx.mu.Lock()
		tx.undo = append(tx.undo, undoEntry{table: t, offset: offset, old: old})
		tx.mu.Unlock()

		return nil
	}
}

// Commit waits for every transaction this one has an edge to resolve,
// then finalizes via the graph's check-committed protocol. A conflict
// surfaces as Aborted with a nil error, matching spec.md section 6's
// "no fatal" contract; the only error is txnrow.ErrNotFound, for an id
// that is not an active transaction (never started, or already
// committed or aborted).
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

	c.forget(tx.id)

	return txnrow.Committed, nil
}

// Abort undoes every write this transaction made and marks its graph
// node aborted, cascading to any dependent transaction lazily (they
// observe NeedsAbort on their next operation). Never fails.
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
		e.table.values.Replace(e.offset, e.old)
	}

	dst := map[sgraph.NodeRef]struct{}{}
	c.sg.Abort(tx.node, dst)

	c.forget(tx.id)
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
