package repository

import (
	"github.com/harun/theatreblood/pkg/connectivity"
)

// Transport is the current transport summary
type Transport struct {
	State   connectivity.TransportState `json:"state"`
	Icon    string                      `json:"icon"`
	Metered bool                        `json:"metered"`
	Offline bool                        `json:"offline"`
}

// Transport returns the current transport summary
func (r *Repository) Transport() Transport {
	s := r.tracker.State()
	return Transport{
		State:   s,
		Icon:    s.Icon(),
		Metered: r.tracker.Metered(),
		Offline: r.tracker.Offline(),
	}
}

// NetworkAvailable reports that network came up with caps
func (r *Repository) NetworkAvailable(network string, caps connectivity.Capabilities, metered bool) {
	r.prober.Set(network, caps)
	r.tracker.Available(network, metered)
}

// NetworkLost reports that network went away
func (r *Repository) NetworkLost(network string, metered bool) {
	r.tracker.Lost(network, metered)
	r.prober.Remove(network)
}

func transportEvent(s connectivity.TransportState, metered bool) Event {
	return Event{
		Type:      EventTransportChanged,
		Transport: s.String(),
		Icon:      s.Icon(),
		Metered:   metered,
	}
}

// onTransport runs on the tracker's calling goroutine and must not block.
// When the notification loop is backed up the change is coalesced: one
// pending publish re-reads the tracker once the loop has room, so observers
// always end on the current state.
func (r *Repository) onTransport(s connectivity.TransportState) {
	evt := transportEvent(s, r.tracker.Metered())
	if r.loop.TryPost(func() { r.publish(evt) }) {
		return
	}
	if !r.transportOwed.CompareAndSwap(false, true) {
		return
	}
	r.logger.Warn().Str("transport", s.String()).Msg("Notification loop full, coalescing transport changes")
	go func() {
		posted := r.loop.Post(func() {
			r.transportOwed.Store(false)
			r.publish(transportEvent(r.tracker.State(), r.tracker.Metered()))
		})
		if !posted {
			r.transportOwed.Store(false)
		}
	}()
}
