package txnrow

import "errors"

// Error kinds returned by the core (spec.md section 7).
//
// Callers should classify these with errors.Is; the coordinators
// return them unwrapped.
var (
	// ErrCycleDetected indicates an edge insertion would close a cycle
	// in the serialization graph. Recovered internally by aborting the
	// current transaction; callers see Aborted, not this error, unless
	// they are inspecting a mid-operation failure.
	ErrCycleDetected = errors.New("txnrow: cycle detected")

	// ErrCascadingAbort indicates a predecessor this transaction has a
	// write-dependency on has aborted. Recovered internally the same
	// way as ErrCycleDetected.
	ErrCascadingAbort = errors.New("txnrow: cascading abort")

	// ErrNotFound indicates the requested key or row offset does not
	// exist. Propagated to the caller unchanged; never fatal.
	ErrNotFound = errors.New("txnrow: not found")

	// ErrCapacityExhausted indicates a segmented vector reached its
	// configured limit. Fatal: engine state is undefined after this
	// error is observed (spec.md section 7, section 9(b)). The hash
	// maps (lfmap) have no entry limit and never return it.
	ErrCapacityExhausted = errors.New("txnrow: capacity exhausted")

	// ErrInvariantViolation reports a violated internal invariant
	// (spec.md 9(a): a version chain node observed with a non-nil prev
	// where the protocol guarantees nil). Never silently swallowed.
	ErrInvariantViolation = errors.New("txnrow: invariant violation")

	// ErrClosed indicates an operation was attempted on a transaction
	// or engine handle that has already completed or been closed.
	ErrClosed = errors.New("txnrow: closed")
)
