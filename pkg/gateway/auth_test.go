package gateway

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthHandler_GenerateChallenge(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	a, err := auth.GenerateChallenge()
	require.NoError(t, err)
	b, err := auth.GenerateChallenge()
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestAuthHandler_VerifySignature(t *testing.T) {
	auth := NewAuthHandler("test-secret")
	challenge, err := auth.GenerateChallenge()
	require.NoError(t, err)

	assert.True(t, auth.VerifySignature(challenge, Sign("test-secret", challenge)))
	assert.False(t, auth.VerifySignature(challenge, Sign("wrong-secret", challenge)))
	assert.False(t, auth.VerifySignature(challenge, "invalid-signature"))
}

func TestAuthHandler_HandleAuthResponse(t *testing.T) {
	auth := NewAuthHandler("test-secret")

	t.Run("valid signature", func(t *testing.T) {
		client := &Client{ID: "c", Challenge: "test-challenge"}
		result := auth.HandleAuthResponse(client, Sign("test-secret", "test-challenge"))

		assert.True(t, result.Success)
		assert.Equal(t, "auth.success", result.Event)
		assert.True(t, client.Authenticated)
		assert.Equal(t, StateAuthenticated, client.State)
		assert.Empty(t, client.Challenge)
	})

	t.Run("invalid signature", func(t *testing.T) {
		client := &Client{ID: "c", Challenge: "test-challenge"}
		result := auth.HandleAuthResponse(client, "nope")

		assert.False(t, result.Success)
		assert.Equal(t, "auth.failure", result.Event)
		assert.Equal(t, "Invalid signature", result.Message)
		assert.False(t, client.Authenticated)
		assert.Equal(t, 1, client.AuthAttempts)
	})

	t.Run("third failure blocks", func(t *testing.T) {
		client := &Client{ID: "c", Challenge: "test-challenge", AuthAttempts: 2}
		result := auth.HandleAuthResponse(client, "nope")

		assert.Equal(t, "Too many failed attempts", result.Message)
		assert.Equal(t, 3, client.AuthAttempts)
	})

	t.Run("no challenge", func(t *testing.T) {
		result := auth.HandleAuthResponse(&Client{ID: "c"}, "any")
		assert.False(t, result.Success)
		assert.Equal(t, "No challenge found", result.Message)
	})
}

func TestAuthHandler_CheckRequest(t *testing.T) {
	open := NewAuthHandler("")
	assert.False(t, open.Enabled())
	assert.True(t, open.CheckRequest(httptest.NewRequest("POST", "/rpc", nil)))

	auth := NewAuthHandler("s3cret")
	assert.True(t, auth.Enabled())

	req := httptest.NewRequest("POST", "/rpc", nil)
	assert.False(t, auth.CheckRequest(req))
	req.Header.Set(SecretHeader, "wrong")
	assert.False(t, auth.CheckRequest(req))
	req.Header.Set(SecretHeader, "s3cret")
	assert.True(t, auth.CheckRequest(req))
}
