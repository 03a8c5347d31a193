// Package connectivity derives a coarse transport state from network
// availability events.
package connectivity

import (
	"sync"

	"github.com/harun/theatreblood/internal/observability"
	"github.com/rs/zerolog"
)

// Config holds tracker configuration
type Config struct {
	Prober   CapabilityProber
	OnChange func(TransportState)
	Logger   zerolog.Logger
}

// Tracker is the transport state machine. Available and Lost are safe to call
// from any goroutine; events are applied one at a time and OnChange runs on the
// calling goroutine after the state is updated.
type Tracker struct {
	prober   CapabilityProber
	onChange func(TransportState)
	logger   zerolog.Logger

	eventMu sync.Mutex

	mu          sync.RWMutex
	state       TransportState
	metered     bool
	offline     bool
	wifiNet     string
	cellularNet string
}

// NewTracker creates a tracker in state None
func NewTracker(cfg Config) *Tracker {
	observability.EnsureRegistered()

	prober := cfg.Prober
	if prober == nil {
		prober = NewMapProber()
	}
	return &Tracker{
		prober:   prober,
		onChange: cfg.OnChange,
		logger:   cfg.Logger,
		offline:  true,
	}
}

// State returns the current transport state
func (t *Tracker) State() TransportState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Metered mirrors the metered flag of the last event
func (t *Tracker) Metered() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.metered
}

// Offline is true until the first event arrives
func (t *Tracker) Offline() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.offline
}

// Available handles a network becoming available
func (t *Tracker) Available(network string, metered bool) {
	t.eventMu.Lock()
	defer t.eventMu.Unlock()

	caps, known := t.prober.Capabilities(network)

	t.mu.Lock()
	prev := t.state
	t.offline = false
	t.metered = metered
	if known {
		switch t.state {
		case None:
			if caps.WiFi {
				t.wifiNet = network
				t.state = WiFi
			} else if caps.Cellular {
				t.cellularNet = network
				t.state = Cellular
			}
		case WiFi:
			if caps.Cellular {
				t.cellularNet = network
				t.state = Both
			}
		case Cellular:
			if caps.WiFi {
				t.wifiNet = network
				t.state = Both
			}
		}
	}
	next := t.state
	t.mu.Unlock()

	t.logger.Info().
		Str("network", network).
		Str("transport", next.String()).
		Bool("metered", metered).
		Msg("Network is connected")

	t.notify(prev, next)
}

// Lost handles a network going away
func (t *Tracker) Lost(network string, metered bool) {
	t.eventMu.Lock()
	defer t.eventMu.Unlock()

	t.mu.Lock()
	prev := t.state
	t.offline = false
	t.metered = metered
	switch t.state {
	case WiFi, Cellular:
		t.state = None
		t.wifiNet, t.cellularNet = "", ""
	case Both:
		surviving := t.wifiNet
		if network == t.wifiNet {
			surviving = t.cellularNet
		}
		t.mu.Unlock()
		caps, known := t.prober.Capabilities(surviving)
		t.mu.Lock()

		if known && caps.WiFi {
			t.state = WiFi
			t.wifiNet, t.cellularNet = surviving, ""
		} else {
			t.state = Cellular
			t.wifiNet, t.cellularNet = "", surviving
		}
	}
	next := t.state
	t.mu.Unlock()

	t.logger.Info().
		Str("network", network).
		Str("transport", next.String()).
		Bool("metered", metered).
		Msg("Network connectivity is lost")

	t.notify(prev, next)
}

func (t *Tracker) notify(prev, next TransportState) {
	if prev == next {
		return
	}
	observability.SetTransportState(int(next))
	if t.onChange != nil {
		t.onChange(next)
	}
}
