package mvcc_test

import (
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/sgtx/epoch"
	"github.com/calvinalkan/sgtx/lfmap"
	"github.com/calvinalkan/sgtx/mvcc"
	"github.com/calvinalkan/sgtx/txnrow"
)

// collectSortedRows drains seq into a slice sorted by key, so a
// snapshot's full shape can be compared with cmp.Diff regardless of
// the index's unordered iteration.
func collectSortedRows(seq func(func(mvcc.Row) bool)) []mvcc.Row {
	var rows []mvcc.Row
	for row := range seq {
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Key.(string) < rows[j].Key.(string) })

	return rows
}

func stringHash(k any) uint64 { return lfmap.HashString(k.(string)) }

func newAccounts(t *testing.T, em *epoch.CommittingManager, balances map[string]int) *mvcc.Table {
	t.Helper()

	table := mvcc.NewTable("accounts", em, 64, stringHash)

	for k, v := range balances {
		_, err := table.InsertRow(k, v)
		require.NoError(t, err)
	}

	return table
}

func TestReadYourOwnWriteAndCommit(t *testing.T) {
	em := epoch.NewCommittingManager()
	accounts := newAccounts(t, em, map[string]int{"alice": 100})
	c := mvcc.NewCoordinator(em, accounts)

	tx := c.Start()

	require.NoError(t, c.Write(tx, "accounts", "alice", 150))

	v, err := c.Read(tx, "accounts", "alice")
	require.NoError(t, err)
	require.Equal(t, 150, v)

	verdict, err := c.Commit(tx)
	require.NoError(t, err)
	require.Equal(t, txnrow.Committed, verdict)
}

func TestAbortRestoresLiveColumnFromVersionChain(t *testing.T) {
	em := epoch.NewCommittingManager()
	accounts := newAccounts(t, em, map[string]int{"alice": 100})
	c := mvcc.NewCoordinator(em, accounts)

	tx := c.Start()
	require.NoError(t, c.Write(tx, "accounts", "alice", 999))
	c.Abort(tx)

	v, err := c.Read(c.Start(), "accounts", "alice")
	require.NoError(t, err)
	require.Equal(t, 100, v)
}

// A snapshot started before a commit must keep seeing the pre-commit
// value even after the writer commits, matching spec.md 4.8's
// visibility rule for read-only scans.
func TestScanSeesPreCommitSnapshot(t *testing.T) {
	em := epoch.NewCommittingManager()
	accounts := newAccounts(t, em, map[string]int{"alice": 100, "bob": 50})
	c := mvcc.NewCoordinator(em, accounts)

	snapshotBefore, err := c.Scan("accounts", func(mvcc.Row) bool { return true })
	require.NoError(t, err)

	tx := c.Start()
	require.NoError(t, c.Write(tx, "accounts", "alice", 200))
	verdict, err := c.Commit(tx)
	require.NoError(t, err)
	require.Equal(t, txnrow.Committed, verdict)

	before := collectSortedRows(snapshotBefore)
	wantBefore := []mvcc.Row{
		{Table: "accounts", Key: "alice", Value: 100},
		{Table: "accounts", Key: "bob", Value: 50},
	}
	if diff := cmp.Diff(wantBefore, before); diff != "" {
		t.Fatalf("pre-commit snapshot mismatch (-want +got):\n%s", diff)
	}

	snapshotAfter, err := c.Scan("accounts", func(mvcc.Row) bool { return true })
	require.NoError(t, err)

	after := collectSortedRows(snapshotAfter)
	wantAfter := []mvcc.Row{
		{Table: "accounts", Key: "alice", Value: 200},
		{Table: "accounts", Key: "bob", Value: 50},
	}
	if diff := cmp.Diff(wantAfter, after); diff != "" {
		t.Fatalf("post-commit snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestScanPredicateFiltersRows(t *testing.T) {
	em := epoch.NewCommittingManager()
	accounts := newAccounts(t, em, map[string]int{"alice": 100, "bob": 50, "carol": 10})
	c := mvcc.NewCoordinator(em, accounts)

	seq, err := c.Scan("accounts", func(r mvcc.Row) bool { return r.Value.(int) >= 50 })
	require.NoError(t, err)

	got := collectSortedRows(seq)
	want := []mvcc.Row{
		{Table: "accounts", Key: "alice", Value: 100},
		{Table: "accounts", Key: "bob", Value: 50},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("filtered snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestScanStopsEarlyOnFalseYield(t *testing.T) {
	em := epoch.NewCommittingManager()
	accounts := newAccounts(t, em, map[string]int{"a": 1, "b": 2, "c": 3})
	c := mvcc.NewCoordinator(em, accounts)

	seq, err := c.Scan("accounts", func(mvcc.Row) bool { return true })
	require.NoError(t, err)

	count := 0
	for range seq {
		count++
		break
	}
	require.Equal(t, 1, count)
}

func TestTwoWayCycleIsRejected(t *testing.T) {
	em := epoch.NewCommittingManager()
	x := mvcc.NewTable("x", em, 16, stringHash)
	y := mvcc.NewTable("y", em, 16, stringHash)
	_, err := x.InsertRow("row", 1)
	require.NoError(t, err)
	_, err = y.InsertRow("row", 1)
	require.NoError(t, err)

	c := mvcc.NewCoordinator(em, x, y)

	t1 := c.Start()
	t2 := c.Start()

	require.NoError(t, c.Write(t1, "x", "row", 2))
	require.NoError(t, c.Write(t2, "y", "row", 2))

	_, err = c.Read(t1, "y", "row")
	require.NoError(t, err)

	_, err = c.Read(t2, "x", "row")
	require.ErrorIs(t, err, txnrow.ErrCycleDetected)
}

func TestMultipleCommittedVersionsChainCorrectly(t *testing.T) {
	em := epoch.NewCommittingManager()
	accounts := newAccounts(t, em, map[string]int{"alice": 0})
	c := mvcc.NewCoordinator(em, accounts)

	for i := 1; i <= 5; i++ {
		tx := c.Start()
		require.NoError(t, c.Write(tx, "accounts", "alice", i))
		verdict, err := c.Commit(tx)
		require.NoError(t, err)
		require.Equal(t, txnrow.Committed, verdict)
	}

	v, err := c.Read(c.Start(), "accounts", "alice")
	require.NoError(t, err)
	require.Equal(t, 5, v)
}
