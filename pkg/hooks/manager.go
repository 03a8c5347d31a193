// Package hooks runs shell scripts when repository events are published.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harun/theatreblood/pkg/repository"
	"github.com/rs/zerolog"
)

// AnyEvent matches every event type
const AnyEvent = "*"

// Hook runs Script for events of type Event
type Hook struct {
	ID      string
	Event   string
	Script  string
	Timeout time.Duration
	Enabled bool
}

// Config configures a Manager
type Config struct {
	Enabled bool
	Hooks   []Hook
	// Buffer bounds the events waiting for the worker; events past it are
	// dropped with a warning. Defaults to 64.
	Buffer int
	Logger zerolog.Logger
}

// Manager executes hooks on a single worker so scripts never block the
// publisher and run in publish order
type Manager struct {
	enabled bool
	logger  zerolog.Logger

	mu      sync.RWMutex
	byEvent map[string][]Hook

	sendMu   sync.RWMutex
	isClosed bool
	events   chan repository.Event
	done     chan struct{}
}

// NewManager validates the hooks and starts the worker
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	m := &Manager{
		enabled: cfg.Enabled,
		logger:  cfg.Logger.With().Str("component", "hooks").Logger(),
		byEvent: make(map[string][]Hook),
		events:  make(chan repository.Event, cfg.Buffer),
		done:    make(chan struct{}),
	}

	if cfg.Enabled {
		for _, hook := range cfg.Hooks {
			if !hook.Enabled {
				continue
			}
			event := strings.TrimSpace(hook.Event)
			if event == "" {
				return nil, fmt.Errorf("hook event is required")
			}
			if strings.TrimSpace(hook.Script) == "" {
				return nil, fmt.Errorf("hook script is required for event %q", event)
			}
			m.byEvent[event] = append(m.byEvent[event], hook)
		}
	}

	go m.run()
	return m, nil
}

// Count returns the number of active hooks
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, hooks := range m.byEvent {
		n += len(hooks)
	}
	return n
}

// Handle queues evt for the worker. It never blocks, so it can be passed
// straight to Repository.Subscribe.
func (m *Manager) Handle(evt repository.Event) {
	if !m.enabled || len(m.match(evt.Type)) == 0 {
		return
	}
	m.sendMu.RLock()
	defer m.sendMu.RUnlock()
	if m.isClosed {
		return
	}
	select {
	case m.events <- evt:
	default:
		m.logger.Warn().Str("event", evt.Type).Str("store", evt.Store).Msg("Hook queue full, event dropped")
	}
}

// Close stops accepting events and waits for queued hooks until ctx is done
func (m *Manager) Close(ctx context.Context) error {
	m.sendMu.Lock()
	if !m.isClosed {
		m.isClosed = true
		close(m.events)
	}
	m.sendMu.Unlock()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run() {
	defer close(m.done)
	for evt := range m.events {
		if err := m.Trigger(context.Background(), evt); err != nil {
			m.logger.Warn().Err(err).Str("event", evt.Type).Str("store", evt.Store).Msg("Hook failed")
		}
	}
}

func (m *Manager) match(event string) []Hook {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hooks := append([]Hook(nil), m.byEvent[event]...)
	return append(hooks, m.byEvent[AnyEvent]...)
}

// Trigger runs every hook for evt on the calling goroutine
func (m *Manager) Trigger(ctx context.Context, evt repository.Event) error {
	if m == nil || !m.enabled {
		return nil
	}
	if strings.TrimSpace(evt.Type) == "" {
		return fmt.Errorf("event type is required")
	}

	var errs []error
	for _, hook := range m.match(evt.Type) {
		if err := m.execute(ctx, hook, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) execute(ctx context.Context, hook Hook, evt repository.Event) error {
	id := hook.ID
	if strings.TrimSpace(id) == "" {
		id = hook.Event
	}

	runCtx := ctx
	cancel := func() {}
	if hook.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, hook.Timeout)
	}
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", hook.Script)
	cmd.Env = environment(evt)

	output, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(output))
	if err != nil {
		if text != "" {
			return fmt.Errorf("hook %s failed: %w: %s", id, err, text)
		}
		return fmt.Errorf("hook %s failed: %w", id, err)
	}

	m.logger.Debug().
		Str("hook_id", id).
		Str("event", evt.Type).
		Str("store", evt.Store).
		Dur("duration", time.Since(start)).
		Str("output", text).
		Msg("Hook executed")
	return nil
}

// environment exposes the event to the script as THEATREBLOOD_* variables.
// Empty fields are left unset.
func environment(evt repository.Event) []string {
	env := append([]string{}, os.Environ()...)
	set := func(key, value string) {
		if value != "" {
			env = append(env, "THEATREBLOOD_"+key+"="+value)
		}
	}

	set("EVENT", evt.Type)
	set("STORE", evt.Store)
	set("RUN_ID", evt.RunID)
	set("STATE", evt.State)
	if evt.Donors > 0 {
		set("DONORS", strconv.Itoa(evt.Donors))
	}
	if evt.Products > 0 {
		set("PRODUCTS", strconv.Itoa(evt.Products))
	}
	set("IDS", strings.Join(evt.IDs, ","))
	set("TRANSPORT", evt.Transport)
	if evt.Transport != "" {
		set("METERED", strconv.FormatBool(evt.Metered))
	}
	set("ERROR", evt.Error)
	if !evt.Time.IsZero() {
		set("TIME", evt.Time.UTC().Format(time.RFC3339))
	}
	return env
}
