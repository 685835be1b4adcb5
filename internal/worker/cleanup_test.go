package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venueops/gateguard/internal/store"
)

func TestCleanupRunOncePurgesAndBacksUp(t *testing.T) {
	ctx := context.Background()
	stores := openWorkerStores(t)
	backupDir := t.TempDir()

	yesterday := time.Now().AddDate(0, 0, -1).Format("2006-01-02")
	today := time.Now().Format("2006-01-02")

	for _, st := range stores {
		require.NoError(t, st.UpsertFromServer(ctx, "old-"+st.Gate(), yesterday,
			map[string]store.Seats{st.Gate(): {Pax: 1}}))
		require.NoError(t, st.UpsertFromServer(ctx, "new-"+st.Gate(), today,
			map[string]store.Seats{st.Gate(): {Pax: 1}}))
	}

	cfg := workerConfig("http://unused.invalid")
	cfg.Database.BackupDir = backupDir

	w := NewCleanupWorker(cfg, stores, nil)
	w.RunOnce(ctx)

	for _, st := range stores {
		ok, err := st.Exists(ctx, "old-"+st.Gate())
		require.NoError(t, err)
		assert.False(t, ok, "gate %s kept yesterday's ticket", st.Gate())

		ok, err = st.Exists(ctx, "new-"+st.Gate())
		require.NoError(t, err)
		assert.True(t, ok, "gate %s lost today's ticket", st.Gate())
	}

	// One backup file per store.
	entries, err := os.ReadDir(backupDir)
	require.NoError(t, err)
	assert.Len(t, entries, len(stores))
	for _, e := range entries {
		assert.Contains(t, e.Name(), "_backup_")
	}
}

func TestCleanupSkipsStoreWhenBackupFails(t *testing.T) {
	ctx := context.Background()
	stores := openWorkerStores(t)

	yesterday := time.Now().AddDate(0, 0, -1).Format("2006-01-02")
	require.NoError(t, stores[0].UpsertFromServer(ctx, "old-A", yesterday,
		map[string]store.Seats{"A": {Pax: 1}}))

	// A file where the backup directory should be makes MkdirAll fail.
	blocked := filepath.Join(t.TempDir(), "backups")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0o644))

	cfg := workerConfig("http://unused.invalid")
	cfg.Database.BackupDir = blocked

	w := NewCleanupWorker(cfg, stores, nil)
	w.RunOnce(ctx)

	// Purge never ran: the old ticket is still there.
	ok, err := stores[0].Exists(ctx, "old-A")
	require.NoError(t, err)
	assert.True(t, ok)
}
