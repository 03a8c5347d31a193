package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/harun/theatreblood/internal/tracing"
	"github.com/harun/theatreblood/pkg/donor"
	"github.com/harun/theatreblood/pkg/outcome"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultTimeout bounds a single fetch
const DefaultTimeout = 15 * time.Second

// maxBody caps the payload read from the remote service
const maxBody = 32 << 20

// HTTPConfig holds HTTPSource configuration
type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration
	Client  *http.Client
	Logger  zerolog.Logger
}

// HTTPSource fetches collections over HTTP GET with api_key, language and
// page query parameters
type HTTPSource struct {
	baseURL *url.URL
	timeout time.Duration
	client  *http.Client
	schema  *gojsonschema.Schema
	logger  zerolog.Logger
}

// NewHTTPSource creates an HTTP source
func NewHTTPSource(cfg HTTPConfig) (*HTTPSource, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("remote base URL is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid remote base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}

	schema, err := compileSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to compile payload schema: %w", err)
	}

	return &HTTPSource{
		baseURL: u,
		timeout: cfg.Timeout,
		client:  cfg.Client,
		schema:  schema,
		logger:  cfg.Logger,
	}, nil
}

func (s *HTTPSource) requestURL(req Request) string {
	u := *s.baseURL
	q := u.Query()
	q.Set("api_key", req.APIKey)
	if req.Language != "" {
		q.Set("language", req.Language)
	}
	if req.Page > 0 {
		q.Set("page", strconv.Itoa(req.Page))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Fetch implements Source
func (s *HTTPSource) Fetch(ctx context.Context, req Request) (coll Collection, err error) {
	ctx, span := tracing.StartSpan(ctx, "theatreblood.remote", "remote.fetch",
		attribute.String("language", req.Language),
		attribute.Int("page", req.Page),
	)
	defer func() { tracing.EndSpan(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.requestURL(req), nil)
	if err != nil {
		return Collection{}, fmt.Errorf("%w: %v", outcome.ErrRemoteFetchFailed, err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Collection{}, s.classify(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Collection{}, fmt.Errorf("%w: unexpected status %d", outcome.ErrRemoteFetchFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Collection{}, s.classify(ctx, err)
	}

	if err := validatePayload(s.schema, body); err != nil {
		return Collection{}, fmt.Errorf("%w: %v", outcome.ErrRemoteFetchFailed, err)
	}

	var payload wirePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Collection{}, fmt.Errorf("%w: failed to decode payload: %v", outcome.ErrRemoteFetchFailed, err)
	}

	coll = payload.collection()
	logger.Info().
		Int("donors", len(coll.Donors)).
		Int("batches", len(coll.Products)).
		Dur("duration", time.Since(start)).
		Msg("Remote donor collection fetched")
	return coll, nil
}

func (s *HTTPSource) classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", outcome.ErrRemoteTimeout, s.timeout)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", outcome.ErrCancelled, err)
	}
	return fmt.Errorf("%w: %v", outcome.ErrRemoteFetchFailed, err)
}

func (p wirePayload) collection() Collection {
	coll := Collection{
		Donors:   make([]donor.Donor, len(p.Results)),
		Products: make([][]donor.Product, len(p.Products)),
	}
	for i, d := range p.Results {
		coll.Donors[i] = donor.Donor{
			ID:         string(d.ID),
			FirstName:  d.FirstName,
			MiddleName: d.MiddleName,
			LastName:   d.LastName,
			DOB:        d.DOB,
			Attributes: d.Attributes,
		}
	}
	for i, batch := range p.Products {
		products := make([]donor.Product, len(batch))
		for j, w := range batch {
			products[j] = donor.Product{ID: string(w.ID), Attributes: w.Attributes}
		}
		coll.Products[i] = products
	}
	return coll
}
