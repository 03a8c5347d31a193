package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/harun/theatreblood/internal/observability"
)

// ErrNoBackup is returned by Restore when the backup primary file is missing
var ErrNoBackup = errors.New("no backup")

// Backup file statuses
const (
	BackupCopied  = "copied"
	BackupSkipped = "skipped"
	BackupFailed  = "failed"
)

// BackupFile is the result for one file of a backup set
type BackupFile struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// BackupSet describes one backup run
type BackupSet struct {
	Store string       `json:"store"`
	Files []BackupFile `json:"files"`
}

// Copied returns the number of files copied
func (b BackupSet) Copied() int {
	n := 0
	for _, f := range b.Files {
		if f.Status == BackupCopied {
			n++
		}
	}
	return n
}

// Backup copies every existing live file of name to its backup path,
// overwriting the previous backup. Missing files are skipped and their stale
// backup counterparts removed, so the set always comes from one run. Each file is
// written to a temporary sibling and renamed into place; a failed file does
// not stop the others, and the joined error reports every failure.
func (r *Registry) Backup(name string) (BackupSet, error) {
	files, err := r.Files(name)
	if err != nil {
		return BackupSet{}, err
	}

	set := BackupSet{Store: name}
	run := func() error {
		var errs []error
		for _, pair := range files.pairs() {
			src, dst := pair[0], pair[1]
			bf := BackupFile{Source: src, Target: dst}

			if _, statErr := os.Stat(src); os.IsNotExist(statErr) {
				// A backup side file left by an earlier run would pair an old
				// WAL with this primary on restore
				if rmErr := os.Remove(dst); rmErr != nil && !os.IsNotExist(rmErr) {
					bf.Status = BackupFailed
					bf.Error = rmErr.Error()
					errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(dst), rmErr))
				} else {
					bf.Status = BackupSkipped
				}
			} else if copyErr := copyFileAtomic(src, dst); copyErr != nil {
				bf.Status = BackupFailed
				bf.Error = copyErr.Error()
				errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(src), copyErr))
			} else {
				bf.Status = BackupCopied
			}

			observability.RecordBackupFile(name, bf.Status)
			set.Files = append(set.Files, bf)
		}
		return errors.Join(errs...)
	}

	if h := r.lookup(name); h != nil {
		err = h.exclusive(func() error {
			if h.db != nil {
				// Fold the WAL into the primary so the copy is self-contained
				if _, cpErr := h.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); cpErr != nil {
					h.logger.Warn().Err(cpErr).Msg("WAL checkpoint before backup failed")
				}
			}
			return run()
		})
	} else {
		err = run()
	}

	if err != nil {
		r.logger.Warn().Err(err).Str("store", name).Int("copied", set.Copied()).Msg("Store backup incomplete")
		return set, fmt.Errorf("backup %s: %w", name, err)
	}
	r.logger.Info().Str("store", name).Int("copied", set.Copied()).Msg("Store backed up")
	return set, nil
}

// Restore copies the backup set of name over its live files. A live side file
// without a backup counterpart is removed so a stale WAL is never replayed.
// An open handle reopens from the restored files on its next operation.
func (r *Registry) Restore(name string) error {
	files, err := r.Files(name)
	if err != nil {
		return err
	}
	if _, err := os.Stat(files.BackupPrimary); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("restore %s: %w", name, ErrNoBackup)
		}
		return fmt.Errorf("restore %s: %w", name, err)
	}

	run := func() error {
		var errs []error
		for _, pair := range files.pairs() {
			live, backup := pair[0], pair[1]
			if _, statErr := os.Stat(backup); os.IsNotExist(statErr) {
				if rmErr := os.Remove(live); rmErr != nil && !os.IsNotExist(rmErr) {
					errs = append(errs, rmErr)
				}
				continue
			}
			if cpErr := copyFileAtomic(backup, live); cpErr != nil {
				errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(backup), cpErr))
			}
		}
		return errors.Join(errs...)
	}

	if h := r.lookup(name); h != nil {
		err = h.exclusive(func() error {
			if relErr := h.release(); relErr != nil {
				h.logger.Warn().Err(relErr).Msg("Failed to close store before restore")
			}
			return run()
		})
	} else {
		err = run()
	}

	if err != nil {
		r.logger.Error().Err(err).Str("store", name).Msg("Store restore failed")
		return fmt.Errorf("restore %s: %w", name, err)
	}
	r.logger.Info().Str("store", name).Msg("Store restored from backup")
	return nil
}

// copyFileAtomic copies src to a temporary file next to dst and renames it
// over dst, so dst is either the old or the new content.
func copyFileAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, dst)
}
