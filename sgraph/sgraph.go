// Package sgraph implements the thread-safe, incrementally-maintained
// transaction conflict graph (spec.md section 4.6, component C6): one
// node per active transaction, edges recording observed conflicts, and
// a naive DFS cycle check run after every edge admission so that a
// serialization violation is caught before it ever reaches a client —
// the "No False Negatives" guarantee the rest of the engine relies on.
//
// Nodes are allocated through a chunkalloc.Allocator so their storage
// is reclaimed only once every epoch guard that might still observe
// them (via a concurrent InsertAndCheck racing a cleanup) has left,
// exactly as spec.md 4.1/4.6 require.
package sgraph

import (
	"sync"
	"sync/atomic"

	"github.com/calvinalkan/sgtx/chunkalloc"
	"github.com/calvinalkan/sgtx/epoch"
)

// edge identifies one admitted dependency: the peer node and the flag
// the edge was admitted with. Coordinators pass write=false for an edge
// against an earlier write — the propagating kind, along which an abort
// cascades — and write=true for a write's edge against an earlier read,
// which only orders the two transactions.
type edge struct {
	node  *Node
	write bool
}

// Node is one transaction's position in the conflict graph. The zero
// value is not usable; obtain one from Graph.CreateNode.
//
// Each node's own mutex guards both its edge sets and its state flags.
// The original guards edge-set mutation with the peer's *shared* lock
// because its underlying NodeSet is itself a lock-free multimap; a
// plain Go map isn't safe for concurrent writers, so here the same
// mutex is taken exclusively for any mutation and only ever one node's
// mutex is held at a time (see InsertAndCheck and cleanup) to avoid
// introducing a lock-ordering cycle across nodes.
type Node struct {
	handle chunkalloc.Handle[Node]

	mu       sync.RWMutex
	incoming map[edge]struct{}
	outgoing map[edge]struct{}

	aborted        atomic.Bool
	cascadingAbort atomic.Bool
	abortThrough   atomic.Pointer[Node]
	checked        atomic.Bool
	cleaned        atomic.Bool
	committed      atomic.Bool
}

// NodeRef is an opaque handle into the graph, returned by CreateNode
// and threaded through every other Graph method.
type NodeRef = *Node

type nodeSet = map[NodeRef]struct{}

// Graph is the conflict graph itself. Construct with New; a store
// shares one Graph across all its rows.
type Graph struct {
	em    *epoch.Manager
	alloc *chunkalloc.Allocator[Node]

	workers  sync.Pool
	edgeSets sync.Pool
	nodeSets sync.Pool

	trace func(event string, n NodeRef)
}

// New returns an empty Graph whose nodes are allocated through em.
func New(em *epoch.Manager) *Graph {
	g := &Graph{em: em, alloc: chunkalloc.New[Node](em)}
	g.workers.New = func() any { return g.alloc.NewWorker() }
	g.edgeSets.New = func() any { return make(map[edge]struct{}) }

	return g
}

// SetTraceFunc installs an optional hook invoked on create/commit/abort,
// standing in for the original's compile-time SGLOGGER instrumentation:
// callers that never set one pay nothing for it.
func (g *Graph) SetTraceFunc(fn func(event string, n NodeRef)) { g.trace = fn }

func (g *Graph) log(event string, n NodeRef) {
	if g.trace != nil {
		g.trace(event, n)
	}
}

func (g *Graph) acquireEdgeSet() map[edge]struct{} {
	s, _ := g.edgeSets.Get().(map[edge]struct{})
	return s
}

func (g *Graph) acquireNodeSet() nodeSet {
	if s, ok := g.nodeSets.Get().(nodeSet); ok {
		return s
	}

	return make(nodeSet)
}

func (g *Graph) releaseNodeSet(s nodeSet) {
	clear(s)
	g.nodeSets.Put(s)
}

// CreateNode allocates a node tied to the calling goroutine, reusing a
// pooled pair of edge maps when one is available (spec.md 4.6's "small
// thread-local pool").
func (g *Graph) CreateNode() NodeRef {
	w, _ := g.workers.Get().(*chunkalloc.Worker[Node])
	h := w.Allocate()
	n := h.Value()
	n.handle = h
	n.incoming = g.acquireEdgeSet()
	n.outgoing = g.acquireEdgeSet()
	g.workers.Put(w)

	g.log("create", n)

	return n
}

// InsertAndCheck admits an edge self<-peer typed by isWrite. It returns
// false when the edge would close a cycle, or when peer is already
// aborting/cascading and the edge is the propagating kind (isWrite
// false) — in both cases self must abort (spec.md 4.6).
func (g *Graph) InsertAndCheck(self, peer NodeRef, isWrite bool) bool {
	if peer == nil || peer == self {
		return true
	}

	for {
		self.mu.RLock()
		_, exists := self.incoming[edge{peer, isWrite}]
		self.mu.RUnlock()

		if exists {
			return true
		}

		if (peer.aborted.Load() || peer.cascadingAbort.Load()) && !isWrite {
			self.cascadingAbort.Store(true)
			self.abortThrough.Store(peer)

			return false
		}

		peer.mu.Lock()

		if peer.cleaned.Load() {
			peer.mu.Unlock()
			return true
		}

		if peer.checked.Load() {
			peer.mu.Unlock()
			continue
		}

		peer.outgoing[edge{self, isWrite}] = struct{}{}
		peer.mu.Unlock()

		self.mu.Lock()
		self.incoming[edge{peer, isWrite}] = struct{}{}
		self.mu.Unlock()

		return !g.cycleCheckNaive(self)
	}
}

// cycleCheckNaive runs a fresh naive DFS over incoming edges starting
// at self, looking for self on the current visit path (spec.md 4.6).
// It is deliberately unoptimized: a node already fully explored along
// one path is still re-explored along another, trading throughput for
// the simplicity that makes correctness easy to see.
func (g *Graph) cycleCheckNaive(self NodeRef) bool {
	visitPath := g.acquireNodeSet()
	defer g.releaseNodeSet(visitPath)

	return g.cycleCheckNaiveNode(self, visitPath)
}

func (g *Graph) cycleCheckNaiveNode(cur NodeRef, visitPath nodeSet) bool {
	visitPath[cur] = struct{}{}

	cur.mu.RLock()

	if !cur.cleaned.Load() {
		for e := range cur.incoming {
			if _, onPath := visitPath[e.node]; onPath {
				cur.mu.RUnlock()
				return true
			}

			if g.cycleCheckNaiveNode(e.node, visitPath) {
				cur.mu.RUnlock()
				return true
			}
		}
	}

	cur.mu.RUnlock()

	delete(visitPath, cur)

	return false
}

// NeedsAbort reports whether n has been marked aborted, directly or
// through cascading.
func (g *Graph) NeedsAbort(n NodeRef) bool {
	return n.cascadingAbort.Load() || n.aborted.Load()
}

// IsCommitted reports whether n has successfully run CheckCommitted.
func (g *Graph) IsCommitted(n NodeRef) bool { return n.committed.Load() }

// CheckCommitted attempts to finalize self: it marks self checked,
// waits out any insert already admitted past that point, and fails,
// clearing checked, if an incoming edge is still outstanding; if the
// final cycle check finds a cycle it marks self aborted and fails. On
// success it marks self committed and runs cleanup (spec.md 4.6).
func (g *Graph) CheckCommitted(self NodeRef) bool {
	if self.aborted.Load() || self.cascadingAbort.Load() {
		return false
	}

	self.mu.RLock()
	self.checked.Store(true)
	self.mu.RUnlock()

	// barrier: let any InsertAndCheck already past the checked test
	// finish admitting its edge before we inspect incoming.
	self.mu.Lock()
	self.mu.Unlock()

	self.mu.RLock()
	pending := len(self.incoming) != 0
	self.mu.RUnlock()

	if pending {
		self.checked.Store(false)
		return false
	}

	if self.aborted.Load() || self.cascadingAbort.Load() {
		return false
	}

	if g.cycleCheckNaive(self) {
		self.aborted.Store(true)
		return false
	}

	self.committed.Store(true)
	g.log("commit", self)

	g.cleanup(self)

	return true
}

// Abort marks self aborted, collects into dst every peer linked by a
// propagating (isWrite false) incoming edge plus the node self cascaded
// through (if any), and runs cleanup (spec.md 4.6). Callers abort every
// node collected into dst in turn.
func (g *Graph) Abort(self NodeRef, dst map[NodeRef]struct{}) {
	self.aborted.Store(true)
	g.log("abort", self)

	self.mu.RLock()
	for e := range self.incoming {
		if !e.write {
			dst[e.node] = struct{}{}
		}
	}
	self.mu.RUnlock()

	g.cleanup(self)

	if through := self.abortThrough.Load(); through != nil {
		dst[through] = struct{}{}
	}
}

// cleanup drains self's edges, propagating cascading abort along
// outgoing edges of the propagating kind (write false) when self itself
// aborted, then retires self
// and its edge maps to the epoch manager. Only one node's mutex is ever
// held at a time, so cleanup running on both ends of an edge
// concurrently cannot lock-order deadlock.
func (g *Graph) cleanup(self NodeRef) {
	self.mu.RLock()
	self.cleaned.Store(true)
	self.mu.RUnlock()

	// barrier: let any InsertAndCheck already past the cleaned test
	// finish mutating self's sets before we touch them.
	self.mu.Lock()
	outgoing := make([]edge, 0, len(self.outgoing))
	for e := range self.outgoing {
		outgoing = append(outgoing, e)
	}
	self.mu.Unlock()

	aborted := self.aborted.Load()

	for _, e := range outgoing {
		peer := e.node

		if aborted && !e.write {
			peer.cascadingAbort.Store(true)
			peer.abortThrough.Store(self)

			continue
		}

		peer.mu.Lock()
		if !peer.cleaned.Load() {
			delete(peer.incoming, edge{self, e.write})
		}
		peer.mu.Unlock()
	}

	self.mu.Lock()
	incoming, outgoingSet := self.incoming, self.outgoing

	if aborted {
		clear(incoming)
	}

	clear(outgoingSet)
	self.incoming, self.outgoing = nil, nil
	self.mu.Unlock()

	h := self.handle

	g.em.Retire(func() {
		g.edgeSets.Put(incoming)
		g.edgeSets.Put(outgoingSet)
		chunkalloc.Release(h)
	})
}
