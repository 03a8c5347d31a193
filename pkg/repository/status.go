package repository

import (
	"context"

	"github.com/harun/theatreblood/pkg/commandqueue"
	"github.com/harun/theatreblood/pkg/search"
)

// Status is a point-in-time summary for status endpoints
type Status struct {
	Transport   Transport                          `json:"transport"`
	LiveDonors  int                                `json:"live_donors"`
	Counts      search.Counts                      `json:"counts"`
	SearchOrder []string                           `json:"search_order"`
	Refresh     map[string]string                  `json:"refresh"`
	Queue       map[string]commandqueue.LaneStats `json:"queue"`
}

// Status collects the transport state, live list size, per-store counts,
// default search order, refresh states and write lanes
func (r *Repository) Status(ctx context.Context) (Status, error) {
	counts, err := r.Counts(ctx, nil)
	if err != nil {
		return Status{}, err
	}

	st := Status{
		Transport:   r.Transport(),
		LiveDonors:  len(r.LiveDonors()),
		Counts:      counts,
		SearchOrder: r.merger.DefaultStores(),
		Refresh:     make(map[string]string),
		Queue:       r.queue.Stats(),
	}
	for _, name := range r.registry.Names() {
		st.Refresh[name] = r.RefreshState(name).String()
	}
	return st, nil
}
