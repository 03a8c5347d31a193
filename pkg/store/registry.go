package store

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/harun/theatreblood/internal/observability"
	"github.com/harun/theatreblood/pkg/outcome"
	"github.com/rs/zerolog"
)

// ErrUnknownStore is returned for names the registry was not configured with
var ErrUnknownStore = errors.New("unknown store")

// Config holds registry configuration
type Config struct {
	DataDir string
	Names   []string
	Logger  zerolog.Logger
}

type entry struct {
	handle *Handle
	refs   int
}

// Registry resolves store names to handles. At most one Handle exists per
// name; Open and Close are reference counted.
type Registry struct {
	dataDir string
	names   map[string]bool
	logger  zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry creates a registry. No store is opened yet.
func NewRegistry(cfg Config) (*Registry, error) {
	observability.EnsureRegistered()

	if cfg.DataDir == "" {
		return nil, errors.New("data directory is required")
	}
	if len(cfg.Names) == 0 {
		return nil, errors.New("at least one store name is required")
	}

	names := make(map[string]bool, len(cfg.Names))
	for _, n := range cfg.Names {
		names[n] = true
	}

	return &Registry{
		dataDir: cfg.DataDir,
		names:   names,
		logger:  cfg.Logger,
		entries: make(map[string]*entry),
	}, nil
}

// DataDir returns the directory holding the store files
func (r *Registry) DataDir() string {
	return r.dataDir
}

// Names returns the configured store names, sorted
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.names))
	for n := range r.names {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Files returns the file set for name
func (r *Registry) Files(name string) (FileSet, error) {
	if !r.names[name] {
		return FileSet{}, fmt.Errorf("%w: %q", ErrUnknownStore, name)
	}
	return Files(r.dataDir, name), nil
}

// Open returns the handle for name, opening the store on first use.
// Concurrent first opens construct exactly one handle.
func (r *Registry) Open(name string) (*Handle, error) {
	files, err := r.Files(name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[name]; ok {
		e.refs++
		return e.handle, nil
	}

	if err := os.MkdirAll(r.dataDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", outcome.ErrStorageUnavailable, name, err)
	}

	h := newHandle(name, files, r.logger)
	h.mu.Lock()
	err = h.open()
	h.mu.Unlock()
	if err != nil {
		r.logger.Error().Err(err).Str("store", name).Msg("Failed to open store")
		return nil, err
	}

	r.entries[name] = &entry{handle: h, refs: 1}
	r.logger.Info().Str("store", name).Str("path", files.Primary).Msg("Store opened")
	return h, nil
}

// Close drops one reference to name and closes the store when none remain.
// Closing a store that is not open is a no-op.
func (r *Registry) Close(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return nil
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(r.entries, name)
	return r.shutdown(e.handle)
}

// CloseAll closes every open store regardless of references
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, e := range r.entries {
		if err := r.shutdown(e.handle); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		delete(r.entries, name)
	}
	return errors.Join(errs...)
}

func (r *Registry) shutdown(h *Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	err := h.release()
	r.logger.Info().Str("store", h.name).Msg("Store closed")
	return err
}

// lookup returns the open handle for name, if any
func (r *Registry) lookup(name string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		return e.handle
	}
	return nil
}

// Delete removes the live files of name. An open handle stays valid and
// starts from an empty store on its next operation.
func (r *Registry) Delete(name string) error {
	files, err := r.Files(name)
	if err != nil {
		return err
	}

	remove := func() error {
		var errs []error
		for _, path := range files.Live() {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	h := r.lookup(name)
	if h == nil {
		err = remove()
	} else {
		err = h.exclusive(func() error {
			if err := h.release(); err != nil {
				h.logger.Warn().Err(err).Msg("Failed to close store before delete")
			}
			return remove()
		})
	}

	if err != nil {
		r.logger.Error().Err(err).Str("store", name).Msg("Failed to delete store")
		return fmt.Errorf("delete %s: %w", name, err)
	}
	r.logger.Info().Str("store", name).Msg("Store deleted")
	return nil
}
