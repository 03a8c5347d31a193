package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/harun/theatreblood/pkg/outcome"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePayload = `{
	"results": [
		{"id": 101, "first_name": "John", "last_name": "Smith", "dob": "1980-01-02", "attributes": {"blood_type": "O+"}},
		{"id": "d-2", "first_name": "Ann", "middle_name": "B", "last_name": "Jones"}
	],
	"products": [
		[{"id": "p1", "attributes": {"din": "W1234"}}],
		[]
	]
}`

func newSource(t *testing.T, url string, timeout time.Duration) *HTTPSource {
	t.Helper()
	src, err := NewHTTPSource(HTTPConfig{BaseURL: url, Timeout: timeout, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return src
}

func TestHTTPSourceFetch(t *testing.T) {
	var gotQuery map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{
			"api_key":  r.URL.Query().Get("api_key"),
			"language": r.URL.Query().Get("language"),
			"page":     r.URL.Query().Get("page"),
			"sort_by":  r.URL.Query().Get("sort_by"),
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(samplePayload))
	}))
	defer server.Close()

	src := newSource(t, server.URL+"/donors?sort_by=name", 0)
	coll, err := src.Fetch(context.Background(), Request{APIKey: "secret", Language: "en", Page: 13})

	require.NoError(t, err)
	assert.Equal(t, map[string]string{"api_key": "secret", "language": "en", "page": "13", "sort_by": "name"}, gotQuery)

	require.Len(t, coll.Donors, 2)
	assert.Equal(t, "101", coll.Donors[0].ID)
	assert.Equal(t, "O+", coll.Donors[0].Attributes["blood_type"])
	assert.Equal(t, "d-2", coll.Donors[1].ID)
	assert.Equal(t, "B", coll.Donors[1].MiddleName)

	require.Len(t, coll.Products, 2)
	require.Len(t, coll.Products[0], 1)
	assert.Equal(t, "p1", coll.Products[0][0].ID)
	assert.Empty(t, coll.Products[0][0].DonorID, "association happens later")
	assert.Empty(t, coll.Products[1])
}

func TestHTTPSourceFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
		},
		{
			name: "malformed json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"results": [`))
			},
		},
		{
			name: "missing products",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"results": []}`))
			},
		},
		{
			name: "donor without last name",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"results": [{"id": "1", "first_name": "A"}], "products": [[]]}`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			_, err := newSource(t, server.URL, 0).Fetch(context.Background(), Request{APIKey: "k"})

			assert.ErrorIs(t, err, outcome.ErrRemoteFetchFailed)
			assert.NotErrorIs(t, err, outcome.ErrRemoteTimeout)
		})
	}
}

func TestHTTPSourceTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	_, err := newSource(t, server.URL, 50*time.Millisecond).Fetch(context.Background(), Request{})

	assert.ErrorIs(t, err, outcome.ErrRemoteTimeout)
	assert.ErrorIs(t, err, outcome.ErrRemoteFetchFailed)
}

func TestHTTPSourceUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := newSource(t, url, time.Second).Fetch(context.Background(), Request{})

	assert.ErrorIs(t, err, outcome.ErrRemoteFetchFailed)
}

func TestNewHTTPSourceRequiresURL(t *testing.T) {
	_, err := NewHTTPSource(HTTPConfig{})
	assert.Error(t, err)
}

func TestSourceFunc(t *testing.T) {
	var src Source = SourceFunc(func(ctx context.Context, req Request) (Collection, error) {
		return Collection{}, outcome.ErrRemoteTimeout
	})

	_, err := src.Fetch(context.Background(), Request{})
	assert.ErrorIs(t, err, outcome.ErrRemoteTimeout)
}
