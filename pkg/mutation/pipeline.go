// Package mutation performs asynchronous writes against named stores.
//
// Each call returns at once with a dispatch.Handle. The write runs on the
// store's commandqueue lane and its completion is posted to the notification
// loop once the transaction has committed or failed.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/theatreblood/internal/tracing"
	"github.com/harun/theatreblood/pkg/commandqueue"
	"github.com/harun/theatreblood/pkg/dispatch"
	"github.com/harun/theatreblood/pkg/donor"
	"github.com/harun/theatreblood/pkg/outcome"
	"github.com/harun/theatreblood/pkg/store"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "theatreblood.mutation"

// Operation names carried in failures
const (
	OpInsert             = "insert"
	OpInsertWithProducts = "insert_with_products"
	OpInsertProducts     = "insert_products"
)

// Written describes a committed write
type Written struct {
	Store      string   `json:"store"`
	Op         string   `json:"op"`
	DonorIDs   []string `json:"donor_ids,omitempty"`
	ProductIDs []string `json:"product_ids,omitempty"`
}

// Config holds pipeline configuration
type Config struct {
	Registry *store.Registry
	Queue    *commandqueue.CommandQueue
	Loop     *dispatch.Loop
	// WarnAfter logs writes that wait longer than this on their lane
	WarnAfter time.Duration
	// OnCommitted observes every committed write on the notification loop
	OnCommitted func(Written)
	Logger      zerolog.Logger
}

// Pipeline runs store writes
type Pipeline struct {
	registry    *store.Registry
	queue       *commandqueue.CommandQueue
	loop        *dispatch.Loop
	warnAfter   time.Duration
	onCommitted func(Written)
	logger      zerolog.Logger
}

// New creates a pipeline
func New(cfg Config) (*Pipeline, error) {
	if cfg.Registry == nil {
		return nil, errors.New("store registry is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("command queue is required")
	}
	if cfg.Loop == nil {
		return nil, errors.New("notification loop is required")
	}
	return &Pipeline{
		registry:    cfg.Registry,
		queue:       cfg.Queue,
		loop:        cfg.Loop,
		warnAfter:   cfg.WarnAfter,
		onCommitted: cfg.OnCommitted,
		logger:      cfg.Logger,
	}, nil
}

// NewID returns a fresh record id
func NewID() string {
	id, err := gonanoid.New()
	if err != nil {
		return tracing.NewRunID()
	}
	return id
}

// Insert writes one donor, replacing any donor with the same id
func (p *Pipeline) Insert(ctx context.Context, name string, d donor.Donor, completion outcome.Completion[Written]) *dispatch.Handle {
	if d.ID == "" {
		d.ID = NewID()
	}
	w := Written{Store: name, Op: OpInsert, DonorIDs: []string{d.ID}}
	return p.submit(ctx, w, completion, func(ctx context.Context, h *store.Handle) error {
		return h.InsertDonor(ctx, d)
	})
}

// InsertWithProducts writes a donor and its products in one transaction.
// Products are bound to the donor's id.
func (p *Pipeline) InsertWithProducts(ctx context.Context, name string, d donor.Donor, products []donor.Product, completion outcome.Completion[Written]) *dispatch.Handle {
	if d.ID == "" {
		d.ID = NewID()
	}
	bound := make([]donor.Product, len(products))
	for i, pr := range products {
		if pr.ID == "" {
			pr.ID = NewID()
		}
		pr.DonorID = d.ID
		bound[i] = pr
	}
	w := Written{Store: name, Op: OpInsertWithProducts, DonorIDs: []string{d.ID}, ProductIDs: productIDs(bound)}
	return p.submit(ctx, w, completion, func(ctx context.Context, h *store.Handle) error {
		return h.InsertDonorAndProducts(ctx, d, bound)
	})
}

// InsertProducts writes products in one transaction. Each product must
// already name its donor.
func (p *Pipeline) InsertProducts(ctx context.Context, name string, products []donor.Product, completion outcome.Completion[Written]) *dispatch.Handle {
	withIDs := make([]donor.Product, len(products))
	for i, pr := range products {
		if pr.ID == "" {
			pr.ID = NewID()
		}
		withIDs[i] = pr
	}
	w := Written{Store: name, Op: OpInsertProducts, ProductIDs: productIDs(withIDs)}
	return p.submit(ctx, w, completion, func(ctx context.Context, h *store.Handle) error {
		return h.InsertProducts(ctx, withIDs)
	})
}

func productIDs(products []donor.Product) []string {
	if len(products) == 0 {
		return nil
	}
	ids := make([]string, len(products))
	for i, pr := range products {
		ids[i] = pr.ID
	}
	return ids
}

func (p *Pipeline) submit(ctx context.Context, w Written, completion outcome.Completion[Written], write func(context.Context, *store.Handle) error) *dispatch.Handle {
	handle := dispatch.NewHandle(tracing.NewOperationContext(ctx, w.Store, w.Op))

	go func() {
		defer handle.Finish()

		err := p.run(handle.Context(), w, write)
		if err != nil {
			var f *outcome.Failure
			if !errors.As(err, &f) {
				f = outcome.Fail(w.Store, w.Op, err)
			}
			dispatch.Deliver(p.loop, handle, completion, outcome.Failed[Written](f))
			return
		}

		if p.onCommitted != nil {
			p.loop.Post(func() { p.onCommitted(w) })
		}
		dispatch.Deliver(p.loop, handle, completion, outcome.Success(w))
	}()

	return handle
}

func (p *Pipeline) run(ctx context.Context, w Written, write func(context.Context, *store.Handle) error) (err error) {
	logger := tracing.LoggerFromContext(ctx, p.logger)
	ctx, span := tracing.StartSpan(ctx, tracerName, "mutation."+w.Op,
		attribute.String("store", w.Store),
		attribute.Int("donors", len(w.DonorIDs)),
		attribute.Int("products", len(w.ProductIDs)),
	)
	defer func() { tracing.EndSpan(span, err) }()

	h, err := p.registry.Open(w.Store)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open store for write")
		return outcome.Fail(w.Store, w.Op, err)
	}
	defer p.registry.Close(w.Store)

	opts := &commandqueue.TaskOptions{
		WarnAfter: p.warnAfter,
		OnWait: func(wait time.Duration, position int) {
			logger.Warn().
				Dur("wait", wait).
				Int("position", position).
				Strs("donor_ids", w.DonorIDs).
				Int("products", len(w.ProductIDs)).
				Msg("Write waiting behind earlier writes")
		},
	}
	_, err = p.queue.Enqueue(ctx, w.Store, func(taskCtx context.Context) (any, error) {
		// Once started the write commits even if the caller walks away
		return nil, write(tracing.Detach(taskCtx), h)
	}, opts)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, outcome.ErrWriteFailed) {
			err = fmt.Errorf("%w: %v", outcome.ErrCancelled, err)
		}
		logger.Error().Err(err).Msg("Write failed")
		return outcome.Fail(w.Store, w.Op, err)
	}

	logger.Debug().
		Int("donors", len(w.DonorIDs)).
		Int("products", len(w.ProductIDs)).
		Msg("Write committed")
	return nil
}
