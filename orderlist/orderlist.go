// Package orderlist implements the per-row lock-free ordering list
// (spec.md section 4.4, component C4): a singly-linked list of access
// tokens with a monotonically assigned position id ("prv") on push,
// used by the coordinators to reason about per-row serialization order.
package orderlist

import (
	"sync"
	"sync/atomic"

	"github.com/calvinalkan/sgtx/chunkalloc"
	"github.com/calvinalkan/sgtx/epoch"
	"github.com/calvinalkan/sgtx/txnrow"
)

type node struct {
	tok  txnrow.Token
	prv  uint64
	next atomic.Pointer[node]
	tomb atomic.Bool
}

// List is one row's access-history list. Construct with New; each row
// owns exactly one.
type List struct {
	alloc   *chunkalloc.Allocator[node]
	workers sync.Pool

	head atomic.Pointer[node]
	pos  atomic.Uint64
}

// New returns an empty List whose nodes are allocated through em.
func New(em *epoch.Manager) *List {
	l := &List{alloc: chunkalloc.New[node](em)}
	l.workers.New = func() any { return l.alloc.NewWorker() }

	return l
}

// PushFront is lock-free and linearizable on the returned prv: once it
// returns, tok is visible to any iterator that subsequently observes
// the row's lsn >= prv (spec.md 4.4's contract).
func (l *List) PushFront(tok txnrow.Token) (prv uint64) {
	prv = l.pos.Add(1) - 1

	w, _ := l.workers.Get().(*chunkalloc.Worker[node])
	h := w.Allocate()
	n := h.Value()
	n.tok = tok
	n.prv = prv

	for {
		old := l.head.Load()
		n.next.Store(old)

		if l.head.CompareAndSwap(old, n) {
			break
		}
	}

	l.workers.Put(w)

	return prv
}

// Erase tombstones the node with position id prv. The node stays
// linked (a singly-linked list cannot be safely unlinked mid-chain
// without hazard pointers) but Iterate skips it.
func (l *List) Erase(prv uint64) {
	for n := l.head.Load(); n != nil; n = n.next.Load() {
		if n.prv == prv {
			n.tomb.Store(true)

			return
		}
	}
}

// Size returns the number of tokens pushed minus the number erased
// (spec.md section 8's "ordering list size" invariant).
func (l *List) Size() int {
	var n int

	for cur := l.head.Load(); cur != nil; cur = cur.next.Load() {
		if !cur.tomb.Load() {
			n++
		}
	}

	return n
}

// Iterate yields every live token together with its position id, in
// insertion order (oldest first), matching spec.md 4.4's contract. The
// underlying list is newest-first internally; Iterate reverses a
// snapshot walk to present the documented order.
func (l *List) Iterate(yield func(tok txnrow.Token, prv uint64) bool) {
	var snap []*node

	for cur := l.head.Load(); cur != nil; cur = cur.next.Load() {
		if !cur.tomb.Load() {
			snap = append(snap, cur)
		}
	}

	for i := len(snap) - 1; i >= 0; i-- {
		if !yield(snap[i].tok, snap[i].prv) {
			return
		}
	}
}
