package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/harun/theatreblood/pkg/connectivity"
	"github.com/harun/theatreblood/pkg/dispatch"
	"github.com/harun/theatreblood/pkg/donor"
	"github.com/harun/theatreblood/pkg/mutation"
	"github.com/harun/theatreblood/pkg/outcome"
	"github.com/harun/theatreblood/pkg/refresh"
	"github.com/harun/theatreblood/pkg/repository"
	"github.com/harun/theatreblood/pkg/search"
	"github.com/harun/theatreblood/pkg/store"
)

// Backend is what the gateway exposes to clients. *repository.Repository
// implements it.
type Backend interface {
	Status(ctx context.Context) (repository.Status, error)
	Search(ctx context.Context, text string, stores []string) ([]donor.Donor, error)
	SearchWithProducts(ctx context.Context, text string, stores []string) ([]donor.WithProducts, error)
	Counts(ctx context.Context, stores []string) (search.Counts, error)
	Refresh(ctx context.Context, name string, completion outcome.Completion[refresh.Result]) (*dispatch.Handle, error)
	Insert(ctx context.Context, name string, d donor.Donor, completion outcome.Completion[mutation.Written]) *dispatch.Handle
	InsertWithProducts(ctx context.Context, name string, d donor.Donor, products []donor.Product, completion outcome.Completion[mutation.Written]) *dispatch.Handle
	LiveDonors() []donor.Donor
	NetworkAvailable(network string, caps connectivity.Capabilities, metered bool)
	NetworkLost(network string, metered bool)
	Subscribe(fn func(repository.Event)) func()
}

func (s *Server) registerBuiltinMethods() {
	methods := map[string]RequestHandler{
		"status":           s.handleStatus,
		"search":           s.handleSearch,
		"counts":           s.handleCounts,
		"refresh.start":    s.handleRefreshStart,
		"donors.insert":    s.handleDonorsInsert,
		"donors.live":      s.handleDonorsLive,
		"transport.report": s.handleTransportReport,
		"clients.list":     s.handleClientsList,
	}
	for name, handler := range methods {
		_ = s.router.RegisterMethod(name, handler)
	}
}

func invalidParams(format string, args ...interface{}) error {
	return &RPCError{Code: InvalidParams, Message: fmt.Sprintf(format, args...)}
}

var kindCodes = map[error]int{
	outcome.ErrStorageUnavailable: StorageUnavailable,
	outcome.ErrRemoteTimeout:      RemoteFailed,
	outcome.ErrRemoteFetchFailed:  RemoteFailed,
	outcome.ErrWriteFailed:        WriteFailed,
	outcome.ErrAlreadyInProgress:  Conflict,
	outcome.ErrCancelled:          Cancelled,
}

// rpcError maps domain errors to RPC codes. The error kind travels in data.
func rpcError(err error) error {
	if errors.Is(err, store.ErrUnknownStore) {
		return &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	kind := outcome.Kind(err)
	code, ok := kindCodes[kind]
	if !ok {
		return err
	}
	data := map[string]interface{}{"kind": kind.Error()}
	var f *outcome.Failure
	if errors.As(err, &f) {
		data["store"] = f.Store
		data["op"] = f.Op
	}
	return &RPCError{Code: code, Message: err.Error(), Data: data}
}

func stringParam(params map[string]interface{}, key string, required bool) (string, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		if required {
			return "", invalidParams("%s is required", key)
		}
		return "", nil
	}
	v, ok := raw.(string)
	if !ok {
		return "", invalidParams("%s must be a string", key)
	}
	if required && v == "" {
		return "", invalidParams("%s is required", key)
	}
	return v, nil
}

func boolParam(params map[string]interface{}, key string) (bool, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return false, nil
	}
	v, ok := raw.(bool)
	if !ok {
		return false, invalidParams("%s must be a boolean", key)
	}
	return v, nil
}

func stringsParam(params map[string]interface{}, key string) ([]string, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, invalidParams("%s must be an array of strings", key)
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		v, ok := item.(string)
		if !ok {
			return nil, invalidParams("%s must be an array of strings", key)
		}
		out = append(out, v)
	}
	return out, nil
}

// decodeParam re-decodes params[key] into out
func decodeParam(params map[string]interface{}, key string, out interface{}) error {
	raw, ok := params[key]
	if !ok || raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return invalidParams("%s: %v", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return invalidParams("%s: %v", key, err)
	}
	return nil
}

func (s *Server) handleStatus(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	return s.backend.Status(ctx)
}

func (s *Server) handleSearch(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	query, err := stringParam(params, "query", false)
	if err != nil {
		return nil, err
	}
	stores, err := stringsParam(params, "stores")
	if err != nil {
		return nil, err
	}
	withProducts, err := boolParam(params, "products")
	if err != nil {
		return nil, err
	}

	if withProducts {
		entries, err := s.backend.SearchWithProducts(ctx, query, stores)
		if err != nil {
			return nil, rpcError(err)
		}
		return map[string]interface{}{"results": entries, "count": len(entries)}, nil
	}
	donors, err := s.backend.Search(ctx, query, stores)
	if err != nil {
		return nil, rpcError(err)
	}
	return map[string]interface{}{"results": donors, "count": len(donors)}, nil
}

func (s *Server) handleCounts(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	stores, err := stringsParam(params, "stores")
	if err != nil {
		return nil, err
	}
	counts, err := s.backend.Counts(ctx, stores)
	if err != nil {
		return nil, rpcError(err)
	}
	return counts, nil
}

// handleRefreshStart starts a refresh and returns at once. The outcome is
// broadcast as refresh.succeeded or refresh.failed.
func (s *Server) handleRefreshStart(_ context.Context, params map[string]interface{}) (interface{}, error) {
	name, err := stringParam(params, "store", true)
	if err != nil {
		return nil, err
	}
	// The run belongs to the server, not to the request that started it
	if _, err := s.backend.Refresh(s.ctx, name, nil); err != nil {
		return nil, rpcError(err)
	}
	return map[string]interface{}{"store": name, "started": true}, nil
}

func (s *Server) handleDonorsInsert(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	name, err := stringParam(params, "store", true)
	if err != nil {
		return nil, err
	}
	var d donor.Donor
	if err := decodeParam(params, "donor", &d); err != nil {
		return nil, err
	}
	if d.LastName == "" && d.FirstName == "" {
		return nil, invalidParams("donor needs a name")
	}
	var products []donor.Product
	if err := decodeParam(params, "products", &products); err != nil {
		return nil, err
	}

	done := make(chan outcome.Result[mutation.Written], 1)
	completion := func(r outcome.Result[mutation.Written]) { done <- r }

	var h *dispatch.Handle
	if len(products) > 0 {
		h = s.backend.InsertWithProducts(ctx, name, d, products, completion)
	} else {
		h = s.backend.Insert(ctx, name, d, completion)
	}

	select {
	case r := <-done:
		if !r.OK() {
			return nil, rpcError(r.Err())
		}
		return r.Value, nil
	case <-ctx.Done():
		h.Cancel()
		return nil, ctx.Err()
	}
}

func (s *Server) handleDonorsLive(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	donors := s.backend.LiveDonors()
	return map[string]interface{}{"results": donors, "count": len(donors)}, nil
}

func (s *Server) handleTransportReport(_ context.Context, params map[string]interface{}) (interface{}, error) {
	network, err := stringParam(params, "network", true)
	if err != nil {
		return nil, err
	}
	event, err := stringParam(params, "event", true)
	if err != nil {
		return nil, err
	}
	metered, err := boolParam(params, "metered")
	if err != nil {
		return nil, err
	}

	switch event {
	case "available":
		wifi, err := boolParam(params, "wifi")
		if err != nil {
			return nil, err
		}
		cellular, err := boolParam(params, "cellular")
		if err != nil {
			return nil, err
		}
		s.backend.NetworkAvailable(network, connectivity.Capabilities{WiFi: wifi, Cellular: cellular}, metered)
	case "lost":
		s.backend.NetworkLost(network, metered)
	default:
		return nil, invalidParams("event must be available or lost, got %q", event)
	}
	return map[string]interface{}{"accepted": true}, nil
}

func (s *Server) handleClientsList(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return s.clients.GetConnectedClients(), nil
}
