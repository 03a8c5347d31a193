package repository

import (
	"sort"
	"time"
)

// Event types published to subscribers
const (
	EventRefreshSucceeded = "refresh.succeeded"
	EventRefreshFailed    = "refresh.failed"
	EventRefreshState     = "refresh.state"
	EventTransportChanged = "transport.changed"
	EventDonorsInserted   = "donors.inserted"
)

// Event is a change observers are told about. Fields that do not apply to
// the event type are left empty.
type Event struct {
	Type      string    `json:"type"`
	Store     string    `json:"store,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	State     string    `json:"state,omitempty"`
	Donors    int       `json:"donors,omitempty"`
	Products  int       `json:"products,omitempty"`
	IDs       []string  `json:"ids,omitempty"`
	Transport string    `json:"transport,omitempty"`
	Icon      string    `json:"icon,omitempty"`
	Metered   bool      `json:"metered,omitempty"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}

// Subscribe registers fn for every event. fn runs on the notification loop,
// one event at a time, in publish order. The returned func unsubscribes.
func (r *Repository) Subscribe(fn func(Event)) func() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	r.subSeq++
	id := r.subSeq
	r.subs[id] = fn
	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		delete(r.subs, id)
	}
}

// publish must run on the notification loop
func (r *Repository) publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	r.subMu.Lock()
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.subs[id])
	}
	r.subMu.Unlock()

	for _, fn := range fns {
		fn(evt)
	}
}
