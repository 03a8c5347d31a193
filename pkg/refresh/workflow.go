// Package refresh repopulates a store from the remote donor source.
//
// A run is backup, delete, fetch, associate, insert, notify, strictly in that
// order. The store is deleted before the fetch: a failed fetch leaves it empty
// with only the backup set to recover from. Backup failures are logged and do
// not stop the run. Only one run per store may be active.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/theatreblood/internal/observability"
	"github.com/harun/theatreblood/internal/tracing"
	"github.com/harun/theatreblood/pkg/commandqueue"
	"github.com/harun/theatreblood/pkg/dispatch"
	"github.com/harun/theatreblood/pkg/donor"
	"github.com/harun/theatreblood/pkg/outcome"
	"github.com/harun/theatreblood/pkg/remote"
	"github.com/harun/theatreblood/pkg/store"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "theatreblood.refresh"

// Config holds workflow configuration
type Config struct {
	Registry *store.Registry
	Source   remote.Source
	Request  remote.Request
	// Timeout bounds the fetch step; remote.DefaultTimeout when zero
	Timeout time.Duration
	Loop    *dispatch.Loop
	// Queue, when set, runs the insert on the store's lane
	Queue *commandqueue.CommandQueue
	// OnState observes every state change, on the worker goroutine
	OnState func(store string, state State)
	// OnSettled observes every finished run on the notification loop,
	// cancelled or not
	OnSettled func(res Result, err error)
	Logger    zerolog.Logger
}

// Result of a successful run
type Result struct {
	Store    string          `json:"store"`
	RunID    string          `json:"run_id"`
	Donors   []donor.Donor   `json:"donors"`
	Products int             `json:"products"`
	Backup   store.BackupSet `json:"backup"`
	Duration time.Duration   `json:"duration"`
}

// Workflow runs refreshes
type Workflow struct {
	registry  *store.Registry
	source    remote.Source
	timeout   time.Duration
	loop      *dispatch.Loop
	queue     *commandqueue.CommandQueue
	onState   func(string, State)
	onSettled func(Result, error)
	logger    zerolog.Logger

	mu      sync.Mutex
	request remote.Request
	active  map[string]*dispatch.Handle
	states  map[string]State
}

// New creates a workflow
func New(cfg Config) (*Workflow, error) {
	observability.EnsureRegistered()

	if cfg.Registry == nil {
		return nil, errors.New("store registry is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("remote source is required")
	}
	if cfg.Loop == nil {
		return nil, errors.New("notification loop is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = remote.DefaultTimeout
	}

	return &Workflow{
		registry:  cfg.Registry,
		source:    cfg.Source,
		timeout:   cfg.Timeout,
		loop:      cfg.Loop,
		queue:     cfg.Queue,
		onState:   cfg.OnState,
		onSettled: cfg.OnSettled,
		logger:    cfg.Logger,
		request:   cfg.Request,
		active:    make(map[string]*dispatch.Handle),
		states:    make(map[string]State),
	}, nil
}

// SetRequest replaces the remote request parameters for later runs
func (w *Workflow) SetRequest(req remote.Request) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.request = req
}

// State returns the state of the latest run for name, Idle if none ran
func (w *Workflow) State(name string) State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.states[name]
}

func (w *Workflow) reserve(ctx context.Context, name, op string) (*dispatch.Handle, remote.Request, error) {
	if _, err := w.registry.Files(name); err != nil {
		return nil, remote.Request{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.active[name]; busy {
		w.logger.Warn().Str("store", name).Str("op", op).Msg("Store busy with a refresh or file operation")
		return nil, remote.Request{}, outcome.Fail(name, op, outcome.ErrAlreadyInProgress)
	}
	h := dispatch.NewHandle(ctx)
	w.active[name] = h
	return h, w.request, nil
}

// Exclusive runs fn while holding the same per-store slot a refresh takes, so
// no refresh of name can start until fn returns. It fails with
// outcome.ErrAlreadyInProgress when a refresh is already running.
func (w *Workflow) Exclusive(name, op string, fn func() error) error {
	h, _, err := w.reserve(context.Background(), name, op)
	if err != nil {
		return err
	}
	defer func() {
		w.mu.Lock()
		delete(w.active, name)
		w.mu.Unlock()
		h.Finish()
	}()
	return fn()
}

// Shutdown cancels every run and file operation in flight and waits until
// they have released their stores or ctx ends
func (w *Workflow) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	handles := make(map[string]*dispatch.Handle, len(w.active))
	for name, h := range w.active {
		handles[name] = h
	}
	w.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	for name, h := range handles {
		if err := h.Wait(ctx); err != nil {
			w.logger.Warn().Err(err).Str("store", name).Msg("Refresh still running at shutdown")
			return err
		}
	}
	return nil
}

// settle frees the store for the next run and notifies observers
func (w *Workflow) settle(name string, res Result, err error) {
	w.mu.Lock()
	delete(w.active, name)
	w.mu.Unlock()

	if w.onSettled != nil {
		w.loop.Post(func() { w.onSettled(res, err) })
	}
}

// Start launches a run for name in the background and returns its handle.
// completion receives the result on the notification loop unless the handle
// is cancelled first. A second Start while a run is active fails with
// outcome.ErrAlreadyInProgress and starts nothing.
func (w *Workflow) Start(ctx context.Context, name string, completion outcome.Completion[Result]) (*dispatch.Handle, error) {
	h, req, err := w.reserve(ctx, name, "refresh")
	if err != nil {
		return nil, err
	}

	go func() {
		defer h.Finish()

		res, err := w.execute(h.Context(), name, req)
		w.settle(name, res, err)

		var r outcome.Result[Result]
		if err != nil {
			var f *outcome.Failure
			if !errors.As(err, &f) {
				f = outcome.Fail(name, "refresh", err)
			}
			r = outcome.Failed[Result](f)
		} else {
			r = outcome.Success(res)
		}
		dispatch.Deliver(w.loop, h, completion, r)
	}()

	return h, nil
}

// Run performs a run for name on the calling goroutine
func (w *Workflow) Run(ctx context.Context, name string) (Result, error) {
	h, req, err := w.reserve(ctx, name, "refresh")
	if err != nil {
		return Result{}, err
	}
	defer h.Finish()

	res, err := w.execute(h.Context(), name, req)
	w.settle(name, res, err)
	return res, err
}

func (w *Workflow) setState(ctx context.Context, name string, s State) {
	w.mu.Lock()
	w.states[name] = s
	w.mu.Unlock()

	observability.SetRefreshState(name, int(s))
	logger := tracing.LoggerFromContext(ctx, w.logger)
	logger.Debug().Str("state", s.String()).Msg("Refresh state")
	if w.onState != nil {
		w.onState(name, s)
	}
}

func (w *Workflow) execute(ctx context.Context, name string, req remote.Request) (res Result, err error) {
	ctx = tracing.NewRunContext(ctx, name)
	logger := tracing.LoggerFromContext(ctx, w.logger)
	start := time.Now()

	ctx, span := tracing.StartSpan(ctx, tracerName, "refresh.run", attribute.String("run_id", tracing.GetRunID(ctx)))
	defer func() {
		tracing.EndSpan(span, err)
		observability.RecordRefresh(name, time.Since(start), err == nil)
		if err != nil {
			w.setState(ctx, name, Failed)
			logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("Refresh failed")
		} else {
			w.setState(ctx, name, Succeeded)
			logger.Info().
				Int("donors", len(res.Donors)).
				Int("products", res.Products).
				Dur("duration", res.Duration).
				Msg("Refresh succeeded")
		}
	}()

	res = Result{Store: name, RunID: tracing.GetRunID(ctx)}
	logger.Info().Msg("Refresh started")

	// 1. Backup, best effort
	w.setState(ctx, name, BackingUp)
	set, backupErr := w.registry.Backup(name)
	res.Backup = set
	if backupErr != nil {
		logger.Warn().Err(backupErr).Msg("Backup failed, continuing refresh")
	}
	if err := ctx.Err(); err != nil {
		return res, outcome.Fail(name, "refresh.backup", fmt.Errorf("%w: %v", outcome.ErrCancelled, err))
	}

	// 2. Delete
	w.setState(ctx, name, Deleting)
	if err := w.registry.Delete(name); err != nil {
		return res, outcome.Fail(name, "refresh.delete", fmt.Errorf("%w: %v", outcome.ErrStorageUnavailable, err))
	}
	if err := ctx.Err(); err != nil {
		return res, outcome.Fail(name, "refresh.delete", fmt.Errorf("%w: %v", outcome.ErrCancelled, err))
	}

	// 3. Fetch
	w.setState(ctx, name, Fetching)
	coll, err := w.fetch(ctx, req)
	if err != nil {
		return res, outcome.Fail(name, "refresh.fetch", err)
	}

	// 4. Associate product batch i with donor i
	entries, err := donor.Associate(coll.Donors, coll.Products)
	if err != nil {
		return res, outcome.Fail(name, "refresh.associate", fmt.Errorf("%w: %v", outcome.ErrRemoteFetchFailed, err))
	}

	// 5. Insert as one transaction
	w.setState(ctx, name, Inserting)
	if err := w.insert(ctx, name, entries); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", outcome.ErrCancelled, err)
		}
		return res, outcome.Fail(name, "refresh.insert", err)
	}

	// 6. Notify happens in Start once the state is settled
	res.Donors = donor.Donors(entries)
	for _, e := range entries {
		res.Products += len(e.Products)
	}
	res.Duration = time.Since(start)
	return res, nil
}

func (w *Workflow) fetch(ctx context.Context, req remote.Request) (remote.Collection, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "refresh.fetch")
	fetchCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	coll, err := w.source.Fetch(fetchCtx, req)
	switch {
	case err == nil:
	case errors.Is(err, outcome.ErrRemoteFetchFailed) || errors.Is(err, outcome.ErrCancelled):
	case ctx.Err() != nil:
		err = fmt.Errorf("%w: %v", outcome.ErrCancelled, err)
	case errors.Is(fetchCtx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("%w after %s: %v", outcome.ErrRemoteTimeout, w.timeout, err)
	default:
		err = fmt.Errorf("%w: %v", outcome.ErrRemoteFetchFailed, err)
	}
	tracing.EndSpan(span, err)
	return coll, err
}

func (w *Workflow) insert(ctx context.Context, name string, entries []donor.WithProducts) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "refresh.insert", attribute.Int("donors", len(entries)))

	h, err := w.registry.Open(name)
	if err != nil {
		tracing.EndSpan(span, err)
		return err
	}
	defer w.registry.Close(name)

	write := func(ctx context.Context) (any, error) {
		return nil, h.InsertDonorsAndProductLists(ctx, entries)
	}
	if w.queue != nil {
		_, err = w.queue.Enqueue(ctx, name, write, nil)
	} else {
		_, err = write(ctx)
	}
	tracing.EndSpan(span, err)
	return err
}
