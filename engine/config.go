package engine

import "fmt"

// Protocol selects which concurrency control coordinator backs an
// Engine (spec.md section 6's "configuration supplied at construction"
// surface).
type Protocol string

const (
	// ProtocolSVCC backs the engine with svcc.Coordinator: single
	// version per row, writers undone from a local log on abort.
	ProtocolSVCC Protocol = "svcc"

	// ProtocolMVCC backs the engine with mvcc.Coordinator: every row
	// additionally carries a version chain, enabling Engine.Scan.
	ProtocolMVCC Protocol = "mvcc"
)

// TableSchema declares one table an Engine manages.
type TableSchema struct {
	// Name identifies the table; Txn.Read/Write and Engine.Scan take
	// this string.
	Name string `json:"name"`

	// KeyKind selects the hash function InsertRow/Read/Write key
	// arguments are hashed with: "string" (default) or "uint64".
	KeyKind string `json:"key_kind,omitempty"`

	// IndexCapacity sizes the table's key->offset hash map up front.
	// Zero uses DefaultIndexCapacity.
	IndexCapacity uint64 `json:"index_capacity,omitempty"`
}

// DefaultIndexCapacity is used for any TableSchema that leaves
// IndexCapacity unset.
const DefaultIndexCapacity = 1024

// Config is the full configuration surface an Engine is constructed
// from (spec.md section 6).
type Config struct {
	Protocol Protocol      `json:"protocol"`
	Tables   []TableSchema `json:"tables"`
}

// DefaultConfig returns a Config with no tables, defaulting to
// ProtocolSVCC. Callers always supply at least one table.
func DefaultConfig() Config {
	return Config{Protocol: ProtocolSVCC}
}

func (c Config) validate() error {
	if c.Protocol != ProtocolSVCC && c.Protocol != ProtocolMVCC {
		return fmt.Errorf("%w: %q", errUnknownProtocol, c.Protocol)
	}

	if len(c.Tables) == 0 {
		return errNoTables
	}

	seen := make(map[string]bool, len(c.Tables))

	for _, ts := range c.Tables {
		if seen[ts.Name] {
			return fmt.Errorf("%w: %q", errDuplicateTable, ts.Name)
		}

		seen[ts.Name] = true

		if _, err := keyHashFor(ts.KeyKind); err != nil {
			return err
		}
	}

	return nil
}

func keyHashFor(kind string) (func(key any) uint64, error) {
	switch kind {
	case "", "string":
		return stringKeyHash, nil
	case "uint64":
		return uint64KeyHash, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownKeyKind, kind)
	}
}
