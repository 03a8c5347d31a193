// Package remote fetches donor collections from the remote donor service.
package remote

import (
	"context"

	"github.com/harun/theatreblood/pkg/donor"
)

// Request parameters for one fetch
type Request struct {
	APIKey   string
	Language string
	Page     int
}

// Collection is a donor list plus a parallel list of product batches:
// Products[i] belongs to Donors[i].
type Collection struct {
	Donors   []donor.Donor
	Products [][]donor.Product
}

// Source fetches a donor collection. Errors wrap outcome.ErrRemoteFetchFailed,
// or outcome.ErrRemoteTimeout when the deadline passed.
type Source interface {
	Fetch(ctx context.Context, req Request) (Collection, error)
}

// SourceFunc adapts a function to Source
type SourceFunc func(ctx context.Context, req Request) (Collection, error)

// Fetch implements Source
func (f SourceFunc) Fetch(ctx context.Context, req Request) (Collection, error) {
	return f(ctx, req)
}
