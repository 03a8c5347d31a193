package store

import (
	"context"
	"os"
	"testing"

	"github.com/harun/theatreblood/pkg/donor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFiles(t *testing.T) {
	f := Files("/data", "main")

	assert.Equal(t, "/data/main.db", f.Primary)
	assert.Equal(t, "/data/main.db-wal", f.WAL)
	assert.Equal(t, "/data/main.db-shm", f.SHM)
	assert.Equal(t, "/data/main.db-backup", f.BackupPrimary)
	assert.Equal(t, "/data/main.db-backup-wal", f.BackupWAL)
	assert.Equal(t, "/data/main.db-backup-shm", f.BackupSHM)
}

func TestBackupSkipsMissingFiles(t *testing.T) {
	reg := newTestRegistry(t)
	files, err := reg.Files("inserted")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(files.Primary, []byte("primary"), 0644))

	set, err := reg.Backup("inserted")

	require.NoError(t, err)
	require.Len(t, set.Files, 3)
	assert.Equal(t, BackupCopied, set.Files[0].Status)
	assert.Equal(t, BackupSkipped, set.Files[1].Status)
	assert.Equal(t, BackupSkipped, set.Files[2].Status)
	assert.Equal(t, 1, set.Copied())

	data, err := os.ReadFile(files.BackupPrimary)
	require.NoError(t, err)
	assert.Equal(t, "primary", string(data))
	assert.NoFileExists(t, files.BackupWAL)
}

func TestBackupNothingToCopy(t *testing.T) {
	reg := newTestRegistry(t)

	set, err := reg.Backup("modified")

	require.NoError(t, err)
	assert.Zero(t, set.Copied())
}

func TestBackupOverwritesPrevious(t *testing.T) {
	reg := newTestRegistry(t)
	files, err := reg.Files("main")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(files.Primary, []byte("v1"), 0644))
	_, err = reg.Backup("main")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(files.Primary, []byte("v2"), 0644))
	_, err = reg.Backup("main")
	require.NoError(t, err)

	data, err := os.ReadFile(files.BackupPrimary)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestBackupDropsStaleSideFiles(t *testing.T) {
	reg := newTestRegistry(t)
	files, err := reg.Files("main")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(files.Primary, []byte("v1"), 0644))
	require.NoError(t, os.WriteFile(files.WAL, []byte("wal-v1"), 0644))
	require.NoError(t, os.WriteFile(files.SHM, []byte("shm-v1"), 0644))
	set, err := reg.Backup("main")
	require.NoError(t, err)
	require.Equal(t, 3, set.Copied())

	require.NoError(t, os.Remove(files.WAL))
	require.NoError(t, os.Remove(files.SHM))
	require.NoError(t, os.WriteFile(files.Primary, []byte("v2"), 0644))
	set, err = reg.Backup("main")
	require.NoError(t, err)
	assert.Equal(t, 1, set.Copied())
	assert.NoFileExists(t, files.BackupWAL)
	assert.NoFileExists(t, files.BackupSHM)

	require.NoError(t, os.WriteFile(files.Primary, []byte("v3"), 0644))
	require.NoError(t, reg.Restore("main"))

	data, err := os.ReadFile(files.Primary)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
	assert.NoFileExists(t, files.WAL)
	assert.NoFileExists(t, files.SHM)
}

func TestBackupReportsFailureButCopiesRest(t *testing.T) {
	reg := newTestRegistry(t)
	files, err := reg.Files("main")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(files.Primary, []byte("db"), 0644))
	require.NoError(t, os.WriteFile(files.SHM, []byte("shm"), 0644))
	// A directory where the WAL backup should go makes that rename fail
	require.NoError(t, os.MkdirAll(files.BackupWAL, 0755))
	require.NoError(t, os.WriteFile(files.BackupWAL+"/keep", []byte("x"), 0644))
	require.NoError(t, os.WriteFile(files.WAL, []byte("wal"), 0644))

	set, err := reg.Backup("main")

	require.Error(t, err)
	assert.Equal(t, BackupCopied, set.Files[0].Status)
	assert.Equal(t, BackupFailed, set.Files[1].Status)
	assert.Equal(t, BackupCopied, set.Files[2].Status)
	assert.FileExists(t, files.BackupSHM)
}

func TestBackupAndRestoreOpenStore(t *testing.T) {
	reg := newTestRegistry(t)
	h := openStore(t, reg, "main")
	ctx := context.Background()

	require.NoError(t, h.InsertDonor(ctx, smith("d1")))

	set, err := reg.Backup("main")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, set.Copied(), 1)

	require.NoError(t, reg.Delete("main"))
	n, err := h.CountDonors(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "handle survives delete and sees an empty store")

	require.NoError(t, reg.Restore("main"))
	n, err = h.CountDonors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRestoreWithoutBackup(t *testing.T) {
	reg := newTestRegistry(t)

	err := reg.Restore("main")
	assert.ErrorIs(t, err, ErrNoBackup)
}

func TestDeleteRemovesLiveFiles(t *testing.T) {
	reg := newTestRegistry(t)
	files, err := reg.Files("modified")
	require.NoError(t, err)
	for _, p := range files.Live() {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
	}
	require.NoError(t, os.WriteFile(files.BackupPrimary, []byte("keep"), 0644))

	require.NoError(t, reg.Delete("modified"))

	for _, p := range files.Live() {
		assert.NoFileExists(t, p)
	}
	assert.FileExists(t, files.BackupPrimary, "delete leaves the backup alone")
}

func TestDeleteNothingIsFine(t *testing.T) {
	reg := newTestRegistry(t)
	assert.NoError(t, reg.Delete("inserted"))
}

func TestDeleteWhileOpenThenWrite(t *testing.T) {
	reg := newTestRegistry(t)
	h := openStore(t, reg, "inserted")
	ctx := context.Background()

	require.NoError(t, h.InsertDonor(ctx, smith("d1")))
	require.NoError(t, reg.Delete("inserted"))

	require.NoError(t, h.InsertDonor(ctx, donor.Donor{ID: "d2", LastName: "Jones", FirstName: "Ann"}))
	got, err := h.FindByNamePrefix(ctx, "", "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "d2", got[0].ID)
}
