package source

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/clinsync/dashboard/internal/fhir"
)

const (
	defaultTimeout = 15 * time.Second
	fhirMIME       = "application/fhir+json"
)

// RemoteClient queries a FHIR R4 REST server.
type RemoteClient struct {
	http   *resty.Client
	logger zerolog.Logger
}

// RemoteOption configures a RemoteClient.
type RemoteOption func(*RemoteClient)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) RemoteOption {
	return func(c *RemoteClient) {
		c.http.SetTimeout(d)
	}
}

// WithHTTPTransport swaps the underlying transport, used by tests.
func WithHTTPTransport(rt http.RoundTripper) RemoteOption {
	return func(c *RemoteClient) {
		c.http.SetTransport(rt)
	}
}

// NewRemoteClient creates a client for the FHIR server at baseURL.
func NewRemoteClient(baseURL string, logger zerolog.Logger, opts ...RemoteOption) *RemoteClient {
	httpc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(defaultTimeout).
		SetHeader("Accept", fhirMIME).
		SetHeader("Content-Type", fhirMIME)

	c := &RemoteClient{
		http:   httpc,
		logger: logger.With().Str("component", "source").Str("source", NameRemote).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RemoteClient) Name() string { return NameRemote }

// TestConnection probes the server's capability statement endpoint.
func (c *RemoteClient) TestConnection(ctx context.Context) bool {
	resp, err := c.http.R().SetContext(ctx).Get("/metadata")
	if err != nil {
		c.logger.Warn().Err(err).Msg("connectivity probe failed")
		return false
	}
	ok := resp.StatusCode() >= 200 && resp.StatusCode() < 300
	if !ok {
		c.logger.Warn().Int("status", resp.StatusCode()).Msg("connectivity probe rejected")
	}
	return ok
}

// Search runs a parameterized query against {baseUrl}/{resourceType}. A
// 400/422 response is retried once with the _sort parameter stripped; some
// servers reject sort keys they do not index.
func (c *RemoteClient) Search(ctx context.Context, resourceType string, params Params) []json.RawMessage {
	bundle, status := c.searchOnce(ctx, resourceType, params)
	if bundle == nil && (status == http.StatusBadRequest || status == http.StatusUnprocessableEntity) {
		if _, hasSort := params[ParamSort]; hasSort {
			stripped := make(Params, len(params))
			for k, v := range params {
				if k != ParamSort {
					stripped[k] = v
				}
			}
			c.logger.Debug().Str("resource_type", resourceType).Msg("retrying search without _sort")
			bundle, _ = c.searchOnce(ctx, resourceType, stripped)
		}
	}
	if bundle == nil {
		return nil
	}
	return bundle.Resources()
}

func (c *RemoteClient) searchOnce(ctx context.Context, resourceType string, params Params) (*fhir.Bundle, int) {
	req := c.http.R().SetContext(ctx)
	for k, v := range params {
		req.SetQueryParam(k, v)
	}

	resp, err := req.Get("/" + resourceType)
	if err != nil {
		c.logger.Warn().Err(err).Str("resource_type", resourceType).Msg("search request failed")
		return nil, 0
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		c.logger.Warn().
			Int("status", resp.StatusCode()).
			Str("resource_type", resourceType).
			Msg("search rejected")
		return nil, resp.StatusCode()
	}

	var bundle fhir.Bundle
	if err := json.Unmarshal(resp.Body(), &bundle); err != nil {
		c.logger.Warn().Err(err).Str("resource_type", resourceType).Msg("malformed search bundle")
		return nil, resp.StatusCode()
	}
	return &bundle, resp.StatusCode()
}

// GetResource reads a single resource at {baseUrl}/{resourceType}/{id}.
func (c *RemoteClient) GetResource(ctx context.Context, resourceType, id string) json.RawMessage {
	resp, err := c.http.R().SetContext(ctx).Get("/" + resourceType + "/" + id)
	if err != nil {
		c.logger.Warn().Err(err).Str("resource_type", resourceType).Str("id", id).Msg("read request failed")
		return nil
	}
	if resp.StatusCode() != http.StatusOK {
		return nil
	}
	return json.RawMessage(resp.Body())
}
