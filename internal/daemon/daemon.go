package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/theatreblood/internal/config"
	"github.com/harun/theatreblood/internal/logger"
	"github.com/harun/theatreblood/internal/observability"
	"github.com/harun/theatreblood/internal/tracing"
	"github.com/harun/theatreblood/pkg/gateway"
	"github.com/harun/theatreblood/pkg/hooks"
	"github.com/harun/theatreblood/pkg/remote"
	"github.com/harun/theatreblood/pkg/repository"
	"github.com/harun/theatreblood/pkg/scheduler"
	"github.com/harun/theatreblood/pkg/store"
)

// Daemon hosts the repository, the refresh scheduler and the gateway in one
// long-running process
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	repo          *repository.Repository
	scheduler     *scheduler.Scheduler
	gatewayServer *gateway.Server
	hookManager   *hooks.Manager
	unsubscribe   func()

	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is the daemon's own run state
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}

// NewSource builds the HTTP donor source, or returns nil when no base URL is
// configured
func NewSource(cfg *config.Config, log *logger.Logger) (remote.Source, error) {
	if cfg.Remote.BaseURL == "" {
		return nil, nil
	}
	src, err := remote.NewHTTPSource(remote.HTTPConfig{
		BaseURL: cfg.Remote.BaseURL,
		Timeout: cfg.Remote.Timeout(),
		Logger:  log.Component("remote"),
	})
	if err != nil {
		return nil, err
	}
	return src, nil
}

// NewRepository builds a repository from cfg. Stores are not opened.
func NewRepository(cfg *config.Config, log *logger.Logger) (*repository.Repository, error) {
	registry, err := store.NewRegistry(store.Config{
		DataDir: cfg.DataDir,
		Names:   cfg.Stores.Names,
		Logger:  log.Component("store"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create store registry: %w", err)
	}

	source, err := NewSource(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create remote source: %w", err)
	}

	return repository.New(repository.Config{
		Registry:       registry,
		Source:         source,
		Request:        remoteRequest(cfg),
		RefreshTimeout: cfg.Remote.Timeout(),
		WriteWarnAfter: cfg.Stores.WriteWarnAfter(),
		SearchStores:   cfg.Search.Stores,
		Logger:         log.Component("repository"),
	})
}

func remoteRequest(cfg *config.Config) remote.Request {
	return remote.Request{
		APIKey:   cfg.Remote.APIKey,
		Language: cfg.Remote.Language,
		Page:     cfg.Remote.PageSize,
	}
}

// New creates a daemon. Nothing runs until Start.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	if err := tracing.InitOpenTelemetry(tracing.ServiceName); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		d.tracingEnabled = true
	}

	if err := d.initialize(); err != nil {
		cancel()
		d.shutdownTracing()
		if d.repo != nil {
			_ = d.repo.Close()
		}
		if d.hookManager != nil {
			_ = d.hookManager.Close(context.Background())
		}
		return nil, err
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

func (d *Daemon) initialize() error {
	repo, err := NewRepository(d.config, d.logger)
	if err != nil {
		return err
	}
	d.repo = repo
	d.logger.Info().Strs("stores", d.config.Stores.Names).Msg("Repository initialized")

	sched, err := scheduler.New(scheduler.Config{
		Trigger: d.triggerRefresh,
		OnEvent: d.onScheduleEvent,
		Logger:  d.logger.Component("scheduler"),
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	d.scheduler = sched
	if err := d.applySchedule(d.config.Refresh); err != nil {
		return err
	}

	hookManager, err := newHookManager(d.config.Hooks, d.logger)
	if err != nil {
		return fmt.Errorf("failed to create hook manager: %w", err)
	}
	d.hookManager = hookManager
	d.logger.Info().Int("hooks", hookManager.Count()).Msg("Hook manager initialized")

	if d.config.Gateway.Enabled {
		srv, err := gateway.NewServer(gateway.Config{
			Host:         d.config.Gateway.Host,
			Port:         d.config.Gateway.Port,
			SharedSecret: d.config.Gateway.SharedSecret,
			TickInterval: d.config.Gateway.TickInterval(),
			Backend:      d.repo,
			Logger:       d.logger.Component("gateway"),
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway server: %w", err)
		}
		if err := d.registerScheduleMethods(srv); err != nil {
			return err
		}
		d.gatewayServer = srv
		d.logger.Info().Int("port", d.config.Gateway.Port).Msg("Gateway server initialized")
	}

	return nil
}

func newHookManager(hc config.HooksConfig, log *logger.Logger) (*hooks.Manager, error) {
	list := make([]hooks.Hook, 0, len(hc.Hooks))
	for _, h := range hc.Hooks {
		list = append(list, hooks.Hook{
			ID:      h.ID,
			Event:   h.Event,
			Script:  h.Script,
			Timeout: time.Duration(h.TimeoutSeconds) * time.Second,
			Enabled: h.Enabled,
		})
	}
	return hooks.NewManager(hooks.Config{
		Enabled: hc.Enabled,
		Hooks:   list,
		Logger:  log.GetZerolog(),
	})
}

// applySchedule replaces the refresh job from rc, or clears it when refresh
// is disabled
func (d *Daemon) applySchedule(rc config.RefreshConfig) error {
	if !rc.Enabled {
		d.scheduler.Clear()
		return nil
	}
	job, err := d.scheduler.Replace(rc.Store, scheduler.Cron(rc.Schedule))
	if err != nil {
		return fmt.Errorf("failed to schedule refresh: %w", err)
	}
	d.logger.Info().
		Str("store", job.Store).
		Str("schedule", job.Schedule.String()).
		Time("next_run", job.State.NextRun).
		Msg("Refresh scheduled")
	return nil
}

func (d *Daemon) triggerRefresh(ctx context.Context, name string) error {
	_, err := d.repo.RefreshAndWait(ctx, name)
	return err
}

func (d *Daemon) onScheduleEvent(evt scheduler.Event) {
	ev := d.logger.Info()
	if evt.Status == scheduler.StatusError {
		ev = d.logger.Warn().Str("error", evt.Error)
	}
	ev.Str("job_id", evt.JobID).
		Str("store", evt.Store).
		Str("status", evt.Status).
		Dur("duration", evt.Duration).
		Msg("Scheduled refresh finished")
}

// Start opens the stores and starts every service
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting TheatreBlood daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.repo.Open(); err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to open stores: %w", err)
	}
	logger.Info().Msg("Stores opened")

	d.unsubscribe = d.repo.Subscribe(d.hookManager.Handle)

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Start(); err != nil {
			_ = d.repo.Close()
			_ = d.lifecycle.Stop()
			d.setStopped()
			return fmt.Errorf("failed to start gateway server: %w", err)
		}
		logger.Info().Str("addr", d.gatewayServer.Addr()).Msg("Gateway server started")
	}

	d.scheduler.Start()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	if d.config.Refresh.Enabled && d.config.Refresh.OnStart {
		if _, err := d.repo.Refresh(d.ctx, d.config.Refresh.Store, nil); err != nil {
			logger.Warn().Err(err).Str("store", d.config.Refresh.Store).Msg("Startup refresh not started")
		}
	}

	logger.Info().Msg("Daemon started successfully")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop stops every service and closes the stores
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping TheatreBlood daemon")

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelStop()

	var errs []error

	if d.gatewayServer != nil {
		if err := d.gatewayServer.Stop(stopCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to stop gateway server")
			errs = append(errs, err)
		}
	}

	if err := d.scheduler.Stop(stopCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop scheduler")
		errs = append(errs, err)
	}

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if d.unsubscribe != nil {
		d.unsubscribe()
	}
	if err := d.repo.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close repository")
		errs = append(errs, err)
	}
	if err := d.hookManager.Close(stopCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to drain hooks")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	d.shutdownTracing()

	logger.Info().Msg("Daemon stopped")
	return errors.Join(errs...)
}

func (d *Daemon) shutdownTracing() {
	if !d.tracingEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		d.logger.Error().Err(err).Msg("Failed to shutdown tracing")
	}
	d.tracingEnabled = false
}

// ApplyConfig takes the parts of a reloaded config that can change at
// runtime: the refresh schedule and the remote request parameters.
// Store names, the data dir and the gateway address need a restart.
func (d *Daemon) ApplyConfig(cfg *config.Config) error {
	d.mu.Lock()
	old := d.config
	d.config = cfg
	d.mu.Unlock()

	d.repo.SetRemoteRequest(remoteRequest(cfg))
	if err := d.applySchedule(cfg.Refresh); err != nil {
		return err
	}

	if old.DataDir != cfg.DataDir || old.Gateway.Port != cfg.Gateway.Port || old.Gateway.Enabled != cfg.Gateway.Enabled {
		d.logger.Warn().Msg("Data dir and gateway changes take effect after a restart")
	}
	return nil
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the active configuration
func (d *Daemon) GetConfig() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// GetRepository returns the repository
func (d *Daemon) GetRepository() *repository.Repository {
	return d.repo
}

// GetScheduler returns the refresh scheduler
func (d *Daemon) GetScheduler() *scheduler.Scheduler {
	return d.scheduler
}

// GetHookManager returns the hook manager
func (d *Daemon) GetHookManager() *hooks.Manager {
	return d.hookManager
}

// GetGatewayServer returns the gateway, nil when disabled
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}
