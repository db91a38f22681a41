package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/sgtx/mvcc"
	"github.com/calvinalkan/sgtx/txnrow"
)

func svccConfig() Config {
	return Config{
		Protocol: ProtocolSVCC,
		Tables:   []TableSchema{{Name: "accounts"}},
	}
}

func mvccConfig() Config {
	return Config{
		Protocol: ProtocolMVCC,
		Tables:   []TableSchema{{Name: "accounts"}},
	}
}

func TestOpenRejectsUnknownProtocol(t *testing.T) {
	_, err := Open(Config{Protocol: "xa", Tables: []TableSchema{{Name: "t"}}})
	require.ErrorIs(t, err, errUnknownProtocol)
}

func TestOpenRejectsNoTables(t *testing.T) {
	_, err := Open(Config{Protocol: ProtocolSVCC})
	require.ErrorIs(t, err, errNoTables)
}

func TestOpenRejectsDuplicateTable(t *testing.T) {
	cfg := Config{
		Protocol: ProtocolSVCC,
		Tables:   []TableSchema{{Name: "t"}, {Name: "t"}},
	}
	_, err := Open(cfg)
	require.ErrorIs(t, err, errDuplicateTable)
}

func TestOpenRejectsUnknownKeyKind(t *testing.T) {
	cfg := Config{
		Protocol: ProtocolSVCC,
		Tables:   []TableSchema{{Name: "t", KeyKind: "frobnicate"}},
	}
	_, err := Open(cfg)
	require.ErrorIs(t, err, errUnknownKeyKind)
}

func TestSVCCInsertReadWriteCommit(t *testing.T) {
	e, err := Open(svccConfig())
	require.NoError(t, err)
	require.NoError(t, e.InsertRow("accounts", "alice", 100))

	tx := e.Start()
	v, err := tx.Read("accounts", "alice")
	require.NoError(t, err)
	require.Equal(t, 100, v)

	require.NoError(t, tx.Write("accounts", "alice", 150))
	verdict, err := tx.Commit()
	require.NoError(t, err)
	require.Equal(t, txnrow.Committed, verdict)

	tx2 := e.Start()
	v2, err := tx2.Read("accounts", "alice")
	require.NoError(t, err)
	require.Equal(t, 150, v2)
	_, err = tx2.Commit()
	require.NoError(t, err)
}

func TestMVCCInsertReadWriteCommit(t *testing.T) {
	e, err := Open(mvccConfig())
	require.NoError(t, err)
	require.NoError(t, e.InsertRow("accounts", "alice", 100))

	tx := e.Start()
	require.NoError(t, tx.Write("accounts", "alice", 200))
	verdict, err := tx.Commit()
	require.NoError(t, err)
	require.Equal(t, txnrow.Committed, verdict)

	tx2 := e.Start()
	v, err := tx2.Read("accounts", "alice")
	require.NoError(t, err)
	require.Equal(t, 200, v)
	_, err = tx2.Commit()
	require.NoError(t, err)
}

func TestInsertRowUnknownTable(t *testing.T) {
	e, err := Open(svccConfig())
	require.NoError(t, err)
	require.ErrorIs(t, e.InsertRow("ghosts", "x", 1), txnrow.ErrNotFound)
}

func TestScanRequiresMVCC(t *testing.T) {
	e, err := Open(svccConfig())
	require.NoError(t, err)
	_, err = e.Scan("accounts", func(mvcc.Row) bool { return true })
	require.ErrorIs(t, err, errScanRequiresMVCC)
}

func TestScanUnderMVCCSeesInsertedRows(t *testing.T) {
	e, err := Open(mvccConfig())
	require.NoError(t, err)
	require.NoError(t, e.InsertRow("accounts", "alice", 100))
	require.NoError(t, e.InsertRow("accounts", "bob", 50))

	seq, err := e.Scan("accounts", func(mvcc.Row) bool { return true })
	require.NoError(t, err)

	seen := map[string]any{}
	for row := range seq {
		seen[row.Key.(string)] = row.Value
	}
	require.Equal(t, 100, seen["alice"])
	require.Equal(t, 50, seen["bob"])
}

func TestCommitTwiceReturnsClosedError(t *testing.T) {
	e, err := Open(svccConfig())
	require.NoError(t, err)
	require.NoError(t, e.InsertRow("accounts", "alice", 100))

	tx := e.Start()
	_, err = tx.Commit()
	require.NoError(t, err)

	verdict, err := tx.Commit()
	require.ErrorIs(t, err, txnrow.ErrClosed)
	require.Equal(t, txnrow.Aborted, verdict)
}

func TestAbortIsIdempotent(t *testing.T) {
	e, err := Open(svccConfig())
	require.NoError(t, err)
	require.NoError(t, e.InsertRow("accounts", "alice", 100))

	tx := e.Start()
	require.NoError(t, tx.Write("accounts", "alice", 999))
	tx.Abort()
	tx.Abort()

	tx2 := e.Start()
	v, err := tx2.Read("accounts", "alice")
	require.NoError(t, err)
	require.Equal(t, 100, v)
	_, err = tx2.Commit()
	require.NoError(t, err)
}

func TestUint64KeyKind(t *testing.T) {
	cfg := Config{
		Protocol: ProtocolSVCC,
		Tables:   []TableSchema{{Name: "accounts", KeyKind: "uint64"}},
	}
	e, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, e.InsertRow("accounts", uint64(7), "seven"))

	tx := e.Start()
	v, err := tx.Read("accounts", uint64(7))
	require.NoError(t, err)
	require.Equal(t, "seven", v)
	_, err = tx.Commit()
	require.NoError(t, err)
}
