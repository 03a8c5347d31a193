package gateway

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/harun/theatreblood/pkg/outcome"
	"github.com/harun/theatreblood/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		kind string
	}{
		{"busy store", outcome.Fail("main", "refresh", outcome.ErrAlreadyInProgress), Conflict, "already in progress"},
		{"storage", outcome.Fail("main", "insert", fmt.Errorf("%w: disk full", outcome.ErrStorageUnavailable)), StorageUnavailable, "storage unavailable"},
		{"remote timeout", outcome.Fail("main", "refresh", outcome.ErrRemoteTimeout), RemoteFailed, "remote fetch failed: timeout"},
		{"remote", outcome.Fail("main", "refresh", outcome.ErrRemoteFetchFailed), RemoteFailed, "remote fetch failed"},
		{"write", outcome.Fail("inserted", "insert", outcome.ErrWriteFailed), WriteFailed, "write failed"},
		{"cancelled", outcome.Fail("main", "insert", outcome.ErrCancelled), Cancelled, "cancelled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rpcErr *RPCError
			require.ErrorAs(t, rpcError(tt.err), &rpcErr)
			assert.Equal(t, tt.code, rpcErr.Code)
			assert.Equal(t, tt.err.Error(), rpcErr.Message)
			data := rpcErr.Data.(map[string]interface{})
			assert.Equal(t, tt.kind, data["kind"])
			assert.NotEmpty(t, data["store"])
		})
	}
}

func TestRPCErrorUnknownStore(t *testing.T) {
	var rpcErr *RPCError
	require.ErrorAs(t, rpcError(fmt.Errorf("%w: archive", store.ErrUnknownStore)), &rpcErr)
	assert.Equal(t, InvalidParams, rpcErr.Code)
	assert.Nil(t, rpcErr.Data)
}

func TestRPCErrorPassesThroughOtherErrors(t *testing.T) {
	plain := errors.New("boom")
	assert.Equal(t, plain, rpcError(plain))
	assert.Equal(t, context.Canceled, rpcError(context.Canceled))
}
