// Package search merges name searches across stores and deduplicates donors by
// identity key.
package search

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/theatreblood/internal/observability"
	"github.com/harun/theatreblood/internal/tracing"
	"github.com/harun/theatreblood/pkg/donor"
	"github.com/harun/theatreblood/pkg/outcome"
	"github.com/harun/theatreblood/pkg/store"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const tracerName = "theatreblood.search"

// Config holds merger configuration
type Config struct {
	Registry *store.Registry
	// Stores is the default iteration order when a call names none
	Stores []string
	Logger zerolog.Logger
}

// Merger runs searches against several stores at once
type Merger struct {
	registry *store.Registry
	stores   []string
	logger   zerolog.Logger
}

// NewMerger creates a merger
func NewMerger(cfg Config) *Merger {
	observability.EnsureRegistered()

	return &Merger{
		registry: cfg.Registry,
		stores:   cfg.Stores,
		logger:   cfg.Logger,
	}
}

// DefaultStores returns the configured iteration order
func (m *Merger) DefaultStores() []string {
	return append([]string(nil), m.stores...)
}

func (m *Merger) resolve(stores []string) []string {
	if len(stores) == 0 {
		return m.stores
	}
	return stores
}

// fanOut runs fetch once per store concurrently and returns the per-store
// results in store order. A store that fails while running is logged and
// yields the zero value; no store's failure cancels another. Naming a store
// the registry does not know is the caller's mistake and fails the call.
func fanOut[T any](ctx context.Context, m *Merger, op string, stores []string, fetch func(ctx context.Context, h *store.Handle) (T, error)) ([]T, error) {
	for _, name := range stores {
		if _, err := m.registry.Files(name); err != nil {
			return nil, err
		}
	}
	results := make([]T, len(stores))

	var g errgroup.Group
	for i, name := range stores {
		i, name := i, name
		g.Go(func() error {
			opCtx := tracing.NewOperationContext(ctx, name, op)
			logger := tracing.LoggerFromContext(opCtx, m.logger)

			h, err := m.registry.Open(name)
			if err != nil {
				observability.RecordSearchStoreFailure(name)
				logger.Warn().Err(err).Msg("Store unavailable for search, treating as empty")
				return nil
			}
			defer m.registry.Close(name)

			v, err := fetch(opCtx, h)
			if err != nil {
				observability.RecordSearchStoreFailure(name)
				logger.Warn().Err(err).Msg("Store search failed, treating as empty")
				return nil
			}
			results[i] = v
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", outcome.ErrCancelled, err)
	}
	return results, nil
}

// Search returns the donors matching text across stores, deduplicated by
// identity key. The first store in iteration order wins; output keeps store
// order, then fetch order within a store.
func (m *Merger) Search(ctx context.Context, text string, stores []string) ([]donor.Donor, error) {
	stores = m.resolve(stores)
	q := ParseQuery(text)

	ctx, span := tracing.StartSpan(ctx, tracerName, "search.donors",
		attribute.String("last_prefix", q.LastPrefix),
		attribute.StringSlice("stores", stores),
	)
	start := time.Now()

	perStore, err := fanOut(ctx, m, "search", stores, func(ctx context.Context, h *store.Handle) ([]donor.Donor, error) {
		return h.FindByNamePrefix(ctx, q.LastPrefix, q.FirstPrefix)
	})
	tracing.EndSpan(span, err)
	observability.RecordSearch(time.Since(start))
	if err != nil {
		return nil, err
	}

	var all []donor.Donor
	for _, donors := range perStore {
		all = append(all, donors...)
	}
	merged := donor.Dedup(all)

	m.logger.Debug().
		Str("query", text).
		Int("fetched", len(all)).
		Int("merged", len(merged)).
		Msg("Search complete")
	return merged, nil
}

// SearchWithProducts is Search with each donor's products from the store the
// winning donor came from
func (m *Merger) SearchWithProducts(ctx context.Context, text string, stores []string) ([]donor.WithProducts, error) {
	stores = m.resolve(stores)
	q := ParseQuery(text)

	ctx, span := tracing.StartSpan(ctx, tracerName, "search.donors_with_products",
		attribute.String("last_prefix", q.LastPrefix),
		attribute.StringSlice("stores", stores),
	)
	start := time.Now()

	perStore, err := fanOut(ctx, m, "search_with_products", stores, func(ctx context.Context, h *store.Handle) ([]donor.WithProducts, error) {
		return h.FindByNamePrefixWithProducts(ctx, q.LastPrefix, q.FirstPrefix)
	})
	tracing.EndSpan(span, err)
	observability.RecordSearch(time.Since(start))
	if err != nil {
		return nil, err
	}

	var all []donor.WithProducts
	for _, entries := range perStore {
		all = append(all, entries...)
	}
	return donor.DedupWithProducts(all), nil
}

// StoreCount holds the row counts of one store
type StoreCount struct {
	Store    string `json:"store"`
	Donors   int    `json:"donors"`
	Products int    `json:"products"`
}

// Counts summarizes several stores
type Counts struct {
	Stores []StoreCount `json:"stores"`
	// DistinctDonors counts identity keys across all the stores
	DistinctDonors int `json:"distinct_donors"`
}

type storeTally struct {
	count  StoreCount
	donors []donor.Donor
}

// Counts returns donor and product counts per store and the number of distinct
// donors across them
func (m *Merger) Counts(ctx context.Context, stores []string) (Counts, error) {
	stores = m.resolve(stores)

	ctx, span := tracing.StartSpan(ctx, tracerName, "search.counts",
		attribute.StringSlice("stores", stores),
	)

	perStore, err := fanOut(ctx, m, "counts", stores, func(ctx context.Context, h *store.Handle) (storeTally, error) {
		t := storeTally{count: StoreCount{Store: h.Name()}}
		var err error
		if t.count.Donors, err = h.CountDonors(ctx); err != nil {
			return storeTally{}, err
		}
		if t.count.Products, err = h.CountProducts(ctx); err != nil {
			return storeTally{}, err
		}
		if t.donors, err = h.FindByNamePrefix(ctx, "", ""); err != nil {
			return storeTally{}, err
		}
		return t, nil
	})
	tracing.EndSpan(span, err)
	if err != nil {
		return Counts{}, err
	}

	counts := Counts{Stores: make([]StoreCount, len(stores))}
	var all []donor.Donor
	for i, t := range perStore {
		counts.Stores[i] = t.count
		counts.Stores[i].Store = stores[i]
		all = append(all, t.donors...)
	}
	counts.DistinctDonors = len(donor.Dedup(all))
	return counts, nil
}
