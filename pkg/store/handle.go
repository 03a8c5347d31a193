package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/theatreblood/internal/observability"
	"github.com/harun/theatreblood/pkg/donor"
	"github.com/harun/theatreblood/pkg/outcome"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const schema = `
	CREATE TABLE IF NOT EXISTS donors (
		id TEXT PRIMARY KEY,
		first_name TEXT NOT NULL,
		middle_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL,
		dob TEXT NOT NULL DEFAULT '',
		attributes TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_donors_name ON donors(last_name, first_name);

	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		donor_id TEXT NOT NULL,
		attributes TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_products_donor ON products(donor_id);
`

// Case-sensitive prefix match. LIKE folds ASCII case in SQLite.
const prefixWhere = `substr(last_name, 1, length(?1)) = ?1 AND substr(first_name, 1, length(?2)) = ?2`

// ErrClosed is returned by operations on a handle after its registry closed it
var ErrClosed = errors.New("store closed")

// Handle is an open store. The underlying database is opened lazily and may be
// swapped out by the registry's Delete and Restore.
type Handle struct {
	name   string
	files  FileSet
	logger zerolog.Logger

	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

func newHandle(name string, files FileSet, logger zerolog.Logger) *Handle {
	return &Handle{
		name:   name,
		files:  files,
		logger: logger.With().Str("store", name).Logger(),
	}
}

// Name returns the store name
func (h *Handle) Name() string {
	return h.name
}

// Files returns the store's file set
func (h *Handle) Files() FileSet {
	return h.files
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return db, nil
}

// open must be called with h.mu held for writing
func (h *Handle) open() error {
	if h.closed {
		return fmt.Errorf("%w: %s", ErrClosed, h.name)
	}
	if h.db != nil {
		return nil
	}
	db, err := openDB(h.files.Primary)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", outcome.ErrStorageUnavailable, h.name, err)
	}
	h.db = db
	h.logger.Debug().Str("path", h.files.Primary).Msg("Store opened")
	return nil
}

// release must be called with h.mu held for writing
func (h *Handle) release() error {
	if h.db == nil {
		return nil
	}
	err := h.db.Close()
	h.db = nil
	return err
}

// with runs fn against an open database under the read lock
func (h *Handle) with(fn func(db *sql.DB) error) error {
	for {
		h.mu.RLock()
		if h.db != nil {
			defer h.mu.RUnlock()
			return fn(h.db)
		}
		closed := h.closed
		h.mu.RUnlock()

		if closed {
			return fmt.Errorf("%w: %s: %v", outcome.ErrStorageUnavailable, h.name, ErrClosed)
		}

		h.mu.Lock()
		err := h.open()
		h.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

// exclusive runs fn with every other operation on h blocked
func (h *Handle) exclusive(fn func() error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fn()
}

func (h *Handle) record(op string, start time.Time, err error) {
	observability.RecordStoreOp(h.name, op, time.Since(start), err == nil)
	if err != nil {
		h.logger.Error().Err(err).Str("op", op).Msg("Store operation failed")
	}
}

func writeFailed(err error) error {
	if errors.Is(err, outcome.ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", outcome.ErrWriteFailed, err)
}

func encodeAttributes(attrs map[string]string) (string, error) {
	if len(attrs) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeAttributes(raw string) map[string]string {
	if raw == "" || raw == "{}" {
		return nil
	}
	var attrs map[string]string
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return nil
	}
	return attrs
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertDonorRow(ctx context.Context, ex execer, d donor.Donor, upsert bool) error {
	if d.ID == "" {
		return errors.New("donor id is required")
	}
	attrs, err := encodeAttributes(d.Attributes)
	if err != nil {
		return err
	}
	query := `INSERT INTO donors (id, first_name, middle_name, last_name, dob, attributes) VALUES (?, ?, ?, ?, ?, ?)`
	if upsert {
		query += ` ON CONFLICT(id) DO UPDATE SET
			first_name = excluded.first_name,
			middle_name = excluded.middle_name,
			last_name = excluded.last_name,
			dob = excluded.dob,
			attributes = excluded.attributes`
	}
	_, err = ex.ExecContext(ctx, query, d.ID, d.FirstName, d.MiddleName, d.LastName, d.DOB, attrs)
	return err
}

func insertProductRows(ctx context.Context, ex execer, products []donor.Product) error {
	for _, p := range products {
		if p.ID == "" {
			return errors.New("product id is required")
		}
		if p.DonorID == "" {
			return fmt.Errorf("product %s has no donor", p.ID)
		}
		attrs, err := encodeAttributes(p.Attributes)
		if err != nil {
			return err
		}
		if _, err := ex.ExecContext(ctx,
			`INSERT INTO products (id, donor_id, attributes) VALUES (?, ?, ?)`,
			p.ID, p.DonorID, attrs,
		); err != nil {
			return err
		}
	}
	return nil
}

// inTx runs fn in a transaction. Nothing fn wrote survives an error.
func (h *Handle) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return h.with(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// InsertDonor writes a single donor, replacing any row with the same id
func (h *Handle) InsertDonor(ctx context.Context, d donor.Donor) error {
	return h.write("insert_donor", func() error {
		return h.with(func(db *sql.DB) error {
			return insertDonorRow(ctx, db, d, true)
		})
	})
}

// InsertDonorAndProducts writes a donor and its products atomically
func (h *Handle) InsertDonorAndProducts(ctx context.Context, d donor.Donor, products []donor.Product) error {
	return h.write("insert_donor_and_products", func() error {
		return h.inTx(ctx, func(tx *sql.Tx) error {
			if err := insertDonorRow(ctx, tx, d, true); err != nil {
				return err
			}
			return insertProductRows(ctx, tx, products)
		})
	})
}

// InsertProducts writes products atomically
func (h *Handle) InsertProducts(ctx context.Context, products []donor.Product) error {
	return h.write("insert_products", func() error {
		return h.inTx(ctx, func(tx *sql.Tx) error {
			return insertProductRows(ctx, tx, products)
		})
	})
}

// InsertDonorsAndProductLists writes a whole refresh batch as one transaction.
// Duplicate ids fail the batch.
func (h *Handle) InsertDonorsAndProductLists(ctx context.Context, entries []donor.WithProducts) error {
	return h.write("insert_donors_and_product_lists", func() error {
		return h.inTx(ctx, func(tx *sql.Tx) error {
			for _, e := range entries {
				if err := insertDonorRow(ctx, tx, e.Donor, false); err != nil {
					return err
				}
				if err := insertProductRows(ctx, tx, e.Products); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func (h *Handle) write(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	if err != nil {
		err = writeFailed(err)
	}
	h.record(op, start, err)
	return err
}
