// Package txnrow defines the data-plane contract shared by the svcc and
// mvcc coordinators: row identity, access tokens, and the sentinel
// errors both protocols surface to callers.
package txnrow

import "math"

// Kind is the access kind recorded in a Token: a read or a write.
type Kind bool

const (
	// Read marks an access token as a read.
	Read Kind = false
	// Write marks an access token as a write.
	Write Kind = true
)

func (k Kind) String() string {
	if k == Write {
		return "write"
	}

	return "read"
}

// kindBit is the high bit of a Token, separating the 63-bit transaction
// id from its one-bit access kind (spec.md section 3, "Access token").
const kindBit = uint64(1) << 63

// maxTxnID is the largest transaction id representable in the low 63
// bits of a Token.
const maxTxnID = kindBit - 1

// Token is a 64-bit word encoding (transaction_id, kind): the high bit
// is the kind, the low 63 bits are the transaction id.
type Token uint64

// NewToken packs a transaction id and access kind into a Token.
//
// Panics if txnID does not fit in 63 bits; transaction ids are assigned
// internally by the coordinators and never come from caller input.
func NewToken(txnID uint64, kind Kind) Token {
	if txnID > maxTxnID {
		panic("txnrow: transaction id exceeds 63 bits")
	}

	if kind == Write {
		return Token(kindBit | txnID)
	}

	return Token(txnID &^ kindBit)
}

// TxnID returns the transaction id encoded in the token.
func (t Token) TxnID() uint64 { return uint64(t) &^ kindBit }

// Kind returns the access kind encoded in the token.
func (t Token) Kind() Kind { return Kind(uint64(t)>>63 == 1) }

// IsWrite reports whether the token records a write access.
func (t Token) IsWrite() bool { return t.Kind() == Write }

// NotATxn is the sentinel transaction id used where the original C++
// source uses std::numeric_limits<uint64_t>::max() to mean "no
// transaction" or "operation refused".
const NotATxn = uint64(math.MaxUint64)

// SpinBudget is the number of spin iterations a suspension point (row
// lsn wait, SG incoming-edge drain, version-chain tag CAS) performs
// before yielding to the scheduler, per spec.md section 5.
const SpinBudget = 10_000
