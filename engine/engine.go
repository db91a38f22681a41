// Package engine wires the core's components into the programmatic
// handle spec.md section 6 describes: Config selects svcc (single
// version) or mvcc (multi version) as the concurrency control
// protocol, Open builds every configured table over the right data
// plane, and Start/Read/Write/Commit/Abort are five of the six external
// operations; Scan, mvcc's read-only snapshot path, is the sixth.
package engine

import (
	"errors"
	"iter"

	"github.com/calvinalkan/sgtx/epoch"
	"github.com/calvinalkan/sgtx/mvcc"
	"github.com/calvinalkan/sgtx/svcc"
	"github.com/calvinalkan/sgtx/txnrow"
)

// coordinator is the five-op contract both svcc.Coordinator and
// mvcc.Coordinator satisfy; Engine drives whichever one Config.Protocol
// selected through this interface so Txn never needs to know which.
type coordinator interface {
	Start() uint64
	Read(txID uint64, table string, key any) (any, error)
	Write(txID uint64, table string, key, value any) error
	Commit(txID uint64) (txnrow.Verdict, error)
	Abort(txID uint64)
}

// Engine owns a fixed set of tables under one concurrency control
// protocol. Construct with Open.
type Engine struct {
	protocol Protocol
	cc       coordinator

	svccTables map[string]*svcc.Table
	mvccCoord  *mvcc.Coordinator
}

// Open builds an Engine from cfg: one table per cfg.Tables entry, all
// sharing a single epoch manager and a single conflict graph, backed by
// svcc or mvcc per cfg.Protocol.
func Open(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.Protocol == ProtocolMVCC {
		em := epoch.NewCommittingManager()

		tables := make([]*mvcc.Table, 0, len(cfg.Tables))
		for _, ts := range cfg.Tables {
			hashFn, err := keyHashFor(ts.KeyKind)
			if err != nil {
				return nil, err
			}

			indexCap := ts.IndexCapacity
			if indexCap == 0 {
				indexCap = DefaultIndexCapacity
			}

			tables = append(tables, mvcc.NewTable(ts.Name, em, indexCap, hashFn))
		}

		c := mvcc.NewCoordinator(em, tables...)

		return &Engine{protocol: ProtocolMVCC, cc: c, mvccCoord: c}, nil
	}

	em := epoch.NewManager()

	svccTables := make(map[string]*svcc.Table, len(cfg.Tables))
	built := make([]*svcc.Table, 0, len(cfg.Tables))

	for _, ts := range cfg.Tables {
		hashFn, err := keyHashFor(ts.KeyKind)
		if err != nil {
			return nil, err
		}

		indexCap := ts.IndexCapacity
		if indexCap == 0 {
			indexCap = DefaultIndexCapacity
		}

		table := svcc.NewTable(ts.Name, em, indexCap, hashFn)
		svccTables[ts.Name] = table
		built = append(built, table)
	}

	c := svcc.NewCoordinator(em, built...)

	return &Engine{protocol: ProtocolSVCC, cc: c, svccTables: svccTables}, nil
}

// InsertRow adds a row outside of any transaction, the bootstrap/load
// path used to populate a table before the engine starts serving
// transactions. A key already present in the table is not inserted
// again: the existing row keeps its value and no error is returned.
func (e *Engine) InsertRow(table string, key, value any) error {
	if e.protocol == ProtocolMVCC {
		t := e.mvccCoord.Table(table)
		if t == nil {
			return txnrow.ErrNotFound
		}

		_, err := t.InsertRow(key, value)

		return err
	}

	t, ok := e.svccTables[table]
	if !ok {
		return txnrow.ErrNotFound
	}

	_, err := t.InsertRow(key, value)

	return err
}

// Start begins a new transaction.
func (e *Engine) Start() *Txn {
	return &Txn{cc: e.cc, id: e.cc.Start()}
}

// Scan returns a read-only snapshot over table's rows as of now,
// filtered through predicate. Only available when Config.Protocol is
// ProtocolMVCC — svcc has no version chain to read a consistent
// snapshot from without blocking on in-flight writers.
func (e *Engine) Scan(table string, predicate func(mvcc.Row) bool) (iter.Seq[mvcc.Row], error) {
	if e.protocol != ProtocolMVCC {
		return nil, errScanRequiresMVCC
	}

	return e.mvccCoord.Scan(table, predicate)
}

// Txn is one transaction's handle onto the per-transaction operations
// of spec.md section 6. Construct with Engine.Start.
type Txn struct {
	cc   coordinator
	id   uint64
	done bool
}

// Read returns the current value of key in table.
func (t *Txn) Read(table string, key any) (any, error) {
	return t.cc.Read(t.id, table, key)
}

// Write sets key's value in table, recorded in this transaction's undo
// log so Abort can revert it.
func (t *Txn) Write(table string, key, value any) error {
	return t.cc.Write(t.id, table, key, value)
}

// Commit finalizes the transaction. A cycle or cascading abort surfaces
// as (Aborted, nil), matching spec.md section 6's "no fatal error from
// a conflict" contract, including when a Read or Write of this
// transaction already aborted it; err is only non-nil
// (txnrow.ErrClosed) when Commit or Abort was already called.
func (t *Txn) Commit() (txnrow.Verdict, error) {
	if t.done {
		return txnrow.Aborted, txnrow.ErrClosed
	}

	t.done = true

	verdict, err := t.cc.Commit(t.id)
	if errors.Is(err, txnrow.ErrNotFound) {
		// The coordinator drops a transaction as soon as a Read or
		// Write aborts it, so Commit no longer finds it as active.
		return txnrow.Aborted, nil
	}

	return verdict, err
}

// Abort discards the transaction's writes. Idempotent.
func (t *Txn) Abort() {
	if t.done {
		return
	}

	t.done = true

	t.cc.Abort(t.id)
}
