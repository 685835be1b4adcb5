package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, gate string) *Store {
	t.Helper()
	st, err := Open(gate, WithDir(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOpenRejectsUnknownGate(t *testing.T) {
	_, err := Open("Z", WithDir(t.TempDir()))
	assert.Error(t, err)
}

func TestOpenNormalizesGateCase(t *testing.T) {
	st := openTestStore(t, "a")
	assert.Equal(t, "A", st.Gate())
}

func TestAdmitLifecycle(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t, "A")

	const ref = "2025-10-15-000001"
	require.NoError(t, st.UpsertFromServer(ctx, ref, "2025-10-15", map[string]Seats{
		"A": {Pax: 2},
		"B": {Pax: 1},
	}))

	// First admission.
	res, err := st.TryAdmit(ctx, ref, "A")
	require.NoError(t, err)
	assert.Equal(t, Admitted, res.Outcome)
	assert.Equal(t, 2, res.Pax)
	assert.Equal(t, 1, res.UsedAfter)

	// Second admission fills the ticket.
	res, err = st.TryAdmit(ctx, ref, "A")
	require.NoError(t, err)
	assert.Equal(t, Admitted, res.Outcome)
	assert.Equal(t, 2, res.UsedAfter)

	// Third is turned away with the observed counters.
	res, err = st.TryAdmit(ctx, ref, "A")
	require.NoError(t, err)
	assert.Equal(t, Exhausted, res.Outcome)
	assert.Equal(t, 2, res.Pax)
	assert.Equal(t, 2, res.UsedAfter)

	// Gate B has its own independent counter.
	res, err = st.TryAdmit(ctx, ref, "B")
	require.NoError(t, err)
	assert.Equal(t, Admitted, res.Outcome)
	assert.Equal(t, 1, res.UsedAfter)
}

func TestAdmitClassifiesDenials(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t, "C")

	res, err := st.TryAdmit(ctx, "2025-10-15-999999", "C")
	require.NoError(t, err)
	assert.Equal(t, NotFound, res.Outcome)

	// Known ticket with zero capacity at this gate.
	const ref = "2025-10-15-000002"
	require.NoError(t, st.UpsertFromServer(ctx, ref, "2025-10-15", map[string]Seats{
		"A": {Pax: 3},
	}))
	res, err = st.TryAdmit(ctx, ref, "C")
	require.NoError(t, err)
	assert.Equal(t, NotValidHere, res.Outcome)

	_, err = st.TryAdmit(ctx, ref, "Z")
	assert.Error(t, err)
}

func TestAdmitLastSeatRace(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t, "A")

	const ref = "2025-10-15-000003"
	require.NoError(t, st.UpsertFromServer(ctx, ref, "2025-10-15", map[string]Seats{
		"A": {Pax: 1},
	}))

	const scanners = 8
	var wg sync.WaitGroup
	results := make([]AdmitResult, scanners)
	errs := make([]error, scanners)

	for i := 0; i < scanners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = st.TryAdmit(ctx, ref, "A")
		}(i)
	}
	wg.Wait()

	admitted := 0
	for i, res := range results {
		require.NoError(t, errs[i])
		switch res.Outcome {
		case Admitted:
			admitted++
		case Exhausted:
		default:
			t.Fatalf("unexpected outcome %v", res.Outcome)
		}
	}
	assert.Equal(t, 1, admitted, "exactly one scanner may take the last seat")
}

func TestUpsertMergesByMax(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t, "A")

	const ref = "2025-10-15-000004"
	require.NoError(t, st.UpsertFromServer(ctx, ref, "2025-10-15", map[string]Seats{
		"A": {Pax: 3},
	}))

	// Local admission bumps used_a to 1.
	res, err := st.TryAdmit(ctx, ref, "A")
	require.NoError(t, err)
	require.Equal(t, Admitted, res.Outcome)

	// A stale manifest reporting used 0 must not roll the admission back.
	require.NoError(t, st.UpsertFromServer(ctx, ref, "2025-10-15", map[string]Seats{
		"A": {Pax: 3, Used: 0},
	}))
	info, ok, err := st.TicketInfo(ctx, ref)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, info.Seats["A"].Used)

	// A fresher manifest with a higher count wins.
	require.NoError(t, st.UpsertFromServer(ctx, ref, "2025-10-15", map[string]Seats{
		"A": {Pax: 3, Used: 2},
	}))
	info, _, err = st.TicketInfo(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Seats["A"].Used)
	assert.Equal(t, 3, info.Seats["A"].Pax)
}

func TestUpsertDoesNotResetSyncFlag(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t, "A")

	const ref = "2025-10-15-000005"
	require.NoError(t, st.UpsertFromServer(ctx, ref, "2025-10-15", map[string]Seats{"A": {Pax: 2}}))

	ok, err := st.MarkSynced(ctx, ref)
	require.NoError(t, err)
	require.True(t, ok)

	// Re-applying the manifest leaves the synced flag alone.
	require.NoError(t, st.UpsertFromServer(ctx, ref, "2025-10-15", map[string]Seats{"A": {Pax: 2}}))
	info, _, err := st.TicketInfo(ctx, ref)
	require.NoError(t, err)
	assert.True(t, info.IsSynced)

	// An admission re-dirties it.
	res, err := st.TryAdmit(ctx, ref, "A")
	require.NoError(t, err)
	require.Equal(t, Admitted, res.Outcome)
	info, _, err = st.TicketInfo(ctx, ref)
	require.NoError(t, err)
	assert.False(t, info.IsSynced)
}

func TestCreateFromParsedIsFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t, "B")

	const ref = "2025-10-15-000006"
	require.NoError(t, st.CreateFromParsed(ctx, ref, "2025-10-15", map[string]int{"A": 1, "B": 2}))

	// A second create is a no-op, even with different capacities.
	require.NoError(t, st.CreateFromParsed(ctx, ref, "2025-10-15", map[string]int{"B": 9}))

	info, ok, err := st.TicketInfo(ctx, ref)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, info.Seats["B"].Pax)
	assert.Equal(t, 0, info.Seats["B"].Used)
	assert.False(t, info.IsSynced)
}

func TestListUnsyncedAndMarkSynced(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t, "A")

	refs := []string{"2025-10-15-000007", "2025-10-15-000008", "2025-10-15-000009"}
	for _, ref := range refs {
		require.NoError(t, st.UpsertFromServer(ctx, ref, "2025-10-15", map[string]Seats{"A": {Pax: 1}}))
	}

	pending, err := st.ListUnsynced(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, refs, pending)

	ok, err := st.MarkSynced(ctx, refs[1])
	require.NoError(t, err)
	assert.True(t, ok)

	pending, err = st.ListUnsynced(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{refs[0], refs[2]}, pending)

	// Marking an unknown ref reports no row without erroring.
	ok, err = st.MarkSynced(ctx, "2025-10-15-404404")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshotForSync(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t, "A")

	const ref = "2025-10-15-000010"
	require.NoError(t, st.UpsertFromServer(ctx, ref, "2025-10-15", map[string]Seats{
		"A": {Pax: 2, Used: 1},
		"C": {Pax: 4},
	}))

	snap, ok, err := st.SnapshotForSync(ctx, ref)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2025-10-15", snap.BookingDate)
	assert.Equal(t, ref, snap.ReferenceNo)
	assert.Equal(t, Seats{Pax: 2, Used: 1}, snap.Attractions["A"])
	assert.Equal(t, Seats{Pax: 0, Used: 0}, snap.Attractions["B"])
	assert.Equal(t, Seats{Pax: 4, Used: 0}, snap.Attractions["C"])

	_, ok, err = st.SnapshotForSync(ctx, "2025-10-15-404404")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPurgeBeforeKeepsToday(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t, "A")

	today := time.Now().Format("2006-01-02")
	yesterday := time.Now().AddDate(0, 0, -1).Format("2006-01-02")

	require.NoError(t, st.UpsertFromServer(ctx, "old-1", yesterday, map[string]Seats{"A": {Pax: 1}}))
	require.NoError(t, st.UpsertFromServer(ctx, "old-2", yesterday, map[string]Seats{"A": {Pax: 1}}))
	require.NoError(t, st.UpsertFromServer(ctx, "new-1", today, map[string]Seats{"A": {Pax: 1}}))
	st.LogScan(ctx, "old-1", "SUCCESS", "Valid Entry")

	stats, err := st.PurgeBefore(ctx, yesterday)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TicketsBefore)
	assert.Equal(t, 2, stats.TicketsDeleted)
	assert.Equal(t, 1, stats.ScansBefore)

	ok, err := st.Exists(ctx, "new-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.Exists(ctx, "old-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBackupCreatesTimestampedCopy(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t, "B")
	require.NoError(t, st.UpsertFromServer(ctx, "2025-10-15-000011", "2025-10-15", map[string]Seats{"B": {Pax: 1}}))

	dir := t.TempDir()
	path, err := st.Backup(dir)
	require.NoError(t, err)
	assert.Contains(t, path, "AttractionB.db_backup_")
	assert.FileExists(t, path)
}

func TestStatsCounts(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t, "A")

	today := time.Now().Format("2006-01-02")
	require.NoError(t, st.UpsertFromServer(ctx, "2025-s-1", today, map[string]Seats{"A": {Pax: 2}}))
	res, err := st.TryAdmit(ctx, "2025-s-1", "A")
	require.NoError(t, err)
	require.Equal(t, Admitted, res.Outcome)
	st.LogScan(ctx, "2025-s-1", "SUCCESS", "Valid Entry")

	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A", stats.Gate)
	assert.Equal(t, 1, stats.TotalTickets)
	assert.Equal(t, 1, stats.TodayScans)
	assert.Equal(t, 1, stats.TodayEntries)
	assert.Equal(t, 1, stats.UnsyncedCount)
}

func TestSeedSampleTickets(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t, "A")

	require.NoError(t, st.SeedSampleTickets(ctx, "2025-10-15"))

	pending, err := st.ListUnsynced(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 4)
	for _, ref := range pending {
		assert.Contains(t, ref, DummySuffix)
	}
}
