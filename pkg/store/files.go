package store

import "path/filepath"

// File suffixes
const (
	PrimarySuffix = ".db"
	WALSuffix     = "-wal"
	SHMSuffix     = "-shm"
	BackupSuffix  = "-backup"
)

// FileSet names every file that belongs to a store
type FileSet struct {
	Primary string
	WAL     string
	SHM     string

	BackupPrimary string
	BackupWAL     string
	BackupSHM     string
}

// Files returns the file set for name under dataDir
func Files(dataDir, name string) FileSet {
	primary := filepath.Join(dataDir, name+PrimarySuffix)
	backup := primary + BackupSuffix
	return FileSet{
		Primary:       primary,
		WAL:           primary + WALSuffix,
		SHM:           primary + SHMSuffix,
		BackupPrimary: backup,
		BackupWAL:     backup + WALSuffix,
		BackupSHM:     backup + SHMSuffix,
	}
}

// Live returns the live files, primary first
func (f FileSet) Live() []string {
	return []string{f.Primary, f.WAL, f.SHM}
}

// pairs returns live/backup pairs, primary first
func (f FileSet) pairs() [][2]string {
	return [][2]string{
		{f.Primary, f.BackupPrimary},
		{f.WAL, f.BackupWAL},
		{f.SHM, f.BackupSHM},
	}
}
