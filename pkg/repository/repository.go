// Package repository wires the donor stores, search, refresh, mutations and
// transport tracking into one object the presentation layer talks to.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/theatreblood/internal/observability"
	"github.com/harun/theatreblood/pkg/commandqueue"
	"github.com/harun/theatreblood/pkg/connectivity"
	"github.com/harun/theatreblood/pkg/dispatch"
	"github.com/harun/theatreblood/pkg/donor"
	"github.com/harun/theatreblood/pkg/mutation"
	"github.com/harun/theatreblood/pkg/outcome"
	"github.com/harun/theatreblood/pkg/refresh"
	"github.com/harun/theatreblood/pkg/remote"
	"github.com/harun/theatreblood/pkg/search"
	"github.com/harun/theatreblood/pkg/store"
	"github.com/rs/zerolog"
)

// Config holds repository configuration
type Config struct {
	Registry *store.Registry
	Source   remote.Source
	Request  remote.Request
	// RefreshTimeout bounds the remote fetch
	RefreshTimeout time.Duration
	// SearchStores is the default search order
	SearchStores []string
	// WriteWarnAfter logs writes queued longer than this
	WriteWarnAfter time.Duration
	Logger         zerolog.Logger
}

// Repository is the composition root
type Repository struct {
	registry  *store.Registry
	loop      *dispatch.Loop
	queue     *commandqueue.CommandQueue
	merger    *search.Merger
	refresh   *refresh.Workflow
	mutations *mutation.Pipeline
	prober    *connectivity.MapProber
	tracker   *connectivity.Tracker
	logger    zerolog.Logger

	liveMu sync.RWMutex
	live   []donor.Donor

	subMu  sync.Mutex
	subs   map[int]func(Event)
	subSeq int

	transportOwed atomic.Bool

	openMu sync.Mutex
	opened bool
	closed bool
}

// New builds a repository. Stores are not opened until Open.
func New(cfg Config) (*Repository, error) {
	observability.EnsureRegistered()

	if cfg.Registry == nil {
		return nil, errors.New("store registry is required")
	}

	r := &Repository{
		registry: cfg.Registry,
		loop:     dispatch.NewLoop(0, cfg.Logger),
		queue:    commandqueue.New(cfg.Registry.Names()...),
		prober:   connectivity.NewMapProber(),
		logger:   cfg.Logger,
		subs:     make(map[int]func(Event)),
	}
	r.merger = search.NewMerger(search.Config{
		Registry: cfg.Registry,
		Stores:   cfg.SearchStores,
		Logger:   cfg.Logger,
	})
	r.tracker = connectivity.NewTracker(connectivity.Config{
		Prober:   r.prober,
		OnChange: r.onTransport,
		Logger:   cfg.Logger,
	})

	var err error
	r.mutations, err = mutation.New(mutation.Config{
		Registry:    cfg.Registry,
		Queue:       r.queue,
		Loop:        r.loop,
		WarnAfter:   cfg.WriteWarnAfter,
		OnCommitted: r.onCommitted,
		Logger:      cfg.Logger,
	})
	if err != nil {
		r.shutdown()
		return nil, fmt.Errorf("failed to create mutation pipeline: %w", err)
	}

	if cfg.Source != nil {
		r.refresh, err = refresh.New(refresh.Config{
			Registry:  cfg.Registry,
			Source:    cfg.Source,
			Request:   cfg.Request,
			Timeout:   cfg.RefreshTimeout,
			Loop:      r.loop,
			Queue:     r.queue,
			OnState:   r.onRefreshState,
			OnSettled: r.onRefreshSettled,
			Logger:    cfg.Logger,
		})
		if err != nil {
			r.shutdown()
			return nil, fmt.Errorf("failed to create refresh workflow: %w", err)
		}
	}

	return r, nil
}

// shutdownWait bounds how long Close waits for cancelled refreshes
const shutdownWait = 10 * time.Second

// ErrNoSource is returned by refresh calls when no remote source is configured
var ErrNoSource = errors.New("no remote source configured")

// ErrClosed is returned after Close
var ErrClosed = errors.New("repository is closed")

// Open opens every configured store. It runs once; later calls are no-ops.
func (r *Repository) Open() error {
	r.openMu.Lock()
	defer r.openMu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.opened {
		return nil
	}

	var opened []string
	for _, name := range r.registry.Names() {
		if _, err := r.registry.Open(name); err != nil {
			for _, n := range opened {
				_ = r.registry.Close(n)
			}
			return err
		}
		opened = append(opened, name)
	}
	r.opened = true
	r.logger.Info().Strs("stores", opened).Msg("Stores opened")
	return nil
}

// Close drains pending notifications and closes every store exactly once
func (r *Repository) Close() error {
	r.openMu.Lock()
	defer r.openMu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.shutdown()
}

func (r *Repository) shutdown() error {
	if r.refresh != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		err := r.refresh.Shutdown(ctx)
		cancel()
		if err != nil {
			r.logger.Warn().Err(err).Msg("Closing stores with a refresh still running")
		}
	}
	if err := r.queue.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to close command queue")
	}
	r.loop.Close()
	return r.registry.CloseAll()
}

// Registry exposes the store registry
func (r *Repository) Registry() *store.Registry {
	return r.registry
}

// Search returns deduplicated donors matching text across stores, or the
// default search order when stores is empty
func (r *Repository) Search(ctx context.Context, text string, stores []string) ([]donor.Donor, error) {
	return r.merger.Search(ctx, text, stores)
}

// SearchWithProducts is Search with each donor's products attached
func (r *Repository) SearchWithProducts(ctx context.Context, text string, stores []string) ([]donor.WithProducts, error) {
	return r.merger.SearchWithProducts(ctx, text, stores)
}

// Counts returns per-store counts
func (r *Repository) Counts(ctx context.Context, stores []string) (search.Counts, error) {
	if len(stores) == 0 {
		stores = r.registry.Names()
	}
	return r.merger.Counts(ctx, stores)
}

// Refresh starts a refresh of name
func (r *Repository) Refresh(ctx context.Context, name string, completion outcome.Completion[refresh.Result]) (*dispatch.Handle, error) {
	if r.refresh == nil {
		return nil, ErrNoSource
	}
	return r.refresh.Start(ctx, name, completion)
}

// RefreshAndWait refreshes name on the calling goroutine
func (r *Repository) RefreshAndWait(ctx context.Context, name string) (refresh.Result, error) {
	if r.refresh == nil {
		return refresh.Result{}, ErrNoSource
	}
	return r.refresh.Run(ctx, name)
}

// RefreshState returns the latest refresh state of name
func (r *Repository) RefreshState(name string) refresh.State {
	if r.refresh == nil {
		return refresh.Idle
	}
	return r.refresh.State(name)
}

// SetRemoteRequest replaces the parameters used by later refreshes
func (r *Repository) SetRemoteRequest(req remote.Request) {
	if r.refresh != nil {
		r.refresh.SetRequest(req)
	}
}

// Insert writes one donor
func (r *Repository) Insert(ctx context.Context, name string, d donor.Donor, completion outcome.Completion[mutation.Written]) *dispatch.Handle {
	return r.mutations.Insert(ctx, name, d, completion)
}

// InsertWithProducts writes a donor and its products
func (r *Repository) InsertWithProducts(ctx context.Context, name string, d donor.Donor, products []donor.Product, completion outcome.Completion[mutation.Written]) *dispatch.Handle {
	return r.mutations.InsertWithProducts(ctx, name, d, products, completion)
}

// InsertProducts writes products
func (r *Repository) InsertProducts(ctx context.Context, name string, products []donor.Product, completion outcome.Completion[mutation.Written]) *dispatch.Handle {
	return r.mutations.InsertProducts(ctx, name, products, completion)
}

// Backup copies the live files of name to its backup set. Refused while a
// refresh of name is running.
func (r *Repository) Backup(name string) (store.BackupSet, error) {
	if r.refresh == nil {
		return r.registry.Backup(name)
	}
	var set store.BackupSet
	err := r.refresh.Exclusive(name, "backup", func() error {
		var err error
		set, err = r.registry.Backup(name)
		return err
	})
	return set, err
}

// Restore copies the backup set of name over its live files. Refused while a
// refresh of name is running.
func (r *Repository) Restore(name string) error {
	if r.refresh == nil {
		return r.registry.Restore(name)
	}
	return r.refresh.Exclusive(name, "restore", func() error {
		return r.registry.Restore(name)
	})
}

// LiveDonors returns the donors of the last successful refresh
func (r *Repository) LiveDonors() []donor.Donor {
	r.liveMu.RLock()
	defer r.liveMu.RUnlock()
	return append([]donor.Donor(nil), r.live...)
}

// Flush waits until every notification posted so far has been delivered
func (r *Repository) Flush() {
	r.loop.Flush()
}

func (r *Repository) onRefreshState(name string, s refresh.State) {
	r.loop.Post(func() {
		r.publish(Event{Type: EventRefreshState, Store: name, State: s.String()})
	})
}

// onRefreshSettled runs on the notification loop
func (r *Repository) onRefreshSettled(res refresh.Result, err error) {
	if err != nil {
		var f *outcome.Failure
		store := res.Store
		if errors.As(err, &f) && f.Store != "" {
			store = f.Store
		}
		r.publish(Event{Type: EventRefreshFailed, Store: store, RunID: res.RunID, Error: err.Error()})
		return
	}

	r.liveMu.Lock()
	r.live = append([]donor.Donor(nil), res.Donors...)
	r.liveMu.Unlock()
	observability.SetLiveDonors(len(res.Donors))

	r.publish(Event{
		Type:     EventRefreshSucceeded,
		Store:    res.Store,
		RunID:    res.RunID,
		Donors:   len(res.Donors),
		Products: res.Products,
	})
}

// onCommitted runs on the notification loop
func (r *Repository) onCommitted(w mutation.Written) {
	r.publish(Event{
		Type:     EventDonorsInserted,
		Store:    w.Store,
		State:    w.Op,
		Donors:   len(w.DonorIDs),
		Products: len(w.ProductIDs),
		IDs:      append(append([]string(nil), w.DonorIDs...), w.ProductIDs...),
	})
}
