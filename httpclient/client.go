package httpclient

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/kroma-labs/sentinel-async/uri"
)

// Client is an asynchronous HTTP/1.1 client with connection pooling,
// redirect and auth handling, retries, and OpenTelemetry instrumentation.
//
// Create a Client using New():
//
//	client := httpclient.New(
//	    httpclient.WithServiceName("payment-service"),
//	)
//	defer client.Close()
//
//	f := client.PreparePost("https://api.example.com/payments").
//	    BodyJSON(payment).
//	    Execute(ctx)
//
//	resp, err := f.Get()
//
// A Client is safe for concurrent use. Its pool, breakers and timers are
// scoped to it and released by Close.
type Client struct {
	// config holds all client configuration.
	config *internalConfig

	// pool holds idle keep-alive connections.
	pool *connectionPool

	// dialer opens direct connections.
	dialer Dialer

	// encoder builds request URLs from the request and its query params.
	encoder uri.Encoder

	// breakers is nil unless WithBreakerConfig is set.
	breakers *breakerGroup

	// latency tracks time to response per host.
	latency *latencyTracker

	closed atomic.Bool
}

// New creates a Client with production-ready defaults and OpenTelemetry
// instrumentation.
//
// The client includes:
//   - Connection pooling with idle eviction
//   - Redirect, Basic, Digest and NTLM handling
//   - Transport retry with configurable backoff
//   - OpenTelemetry tracing and metrics
//
// Example - Basic usage:
//
//	client := httpclient.New(
//	    httpclient.WithServiceName("my-service"),
//	)
//
// Example - Following redirects with credentials:
//
//	cfg := httpclient.DefaultConfig()
//	cfg.FollowRedirect = true
//
//	client := httpclient.New(
//	    httpclient.WithConfig(cfg),
//	    httpclient.WithRealm(httpclient.BasicRealm("user", "passwd")),
//	)
func New(opts ...Option) *Client {
	cfg := newConfig(opts...)

	c := &Client{
		config:  cfg,
		pool:    newConnectionPool(cfg.poolConfig(), cfg.Logger, cfg.Metrics),
		dialer:  cfg.buildDialer(),
		encoder: cfg.encoder(),
		latency: newLatencyTracker(100, 10),
	}
	if cfg.BreakerConfig != nil {
		c.breakers = newBreakerGroup(*cfg.BreakerConfig, cfg.ServiceName, cfg.Metrics, cfg.Logger)
	}
	return c
}

// Config returns a copy of the engine configuration.
func (c *Client) Config() Config {
	return c.config.httpConfig
}

// Close stops the idle sweeper and closes pooled connections. Requests in
// flight finish on their connections, which are then closed. New requests
// fail with ErrClientClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.pool.Close()
	return nil
}

// IsClosed reports whether Close was called.
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

// =============================================================================
// Request Builders
// =============================================================================

// Prepare returns a RequestBuilder bound to this client.
//
// Example:
//
//	resp, err := client.Prepare("PROPFIND", url).Execute(ctx).Get()
func (c *Client) Prepare(method, rawURL string) *RequestBuilder {
	rb := NewRequestBuilder(method, rawURL)
	rb.client = c
	return rb
}

// PrepareGet returns a GET RequestBuilder.
func (c *Client) PrepareGet(rawURL string) *RequestBuilder {
	return c.Prepare(http.MethodGet, rawURL)
}

// PreparePost returns a POST RequestBuilder.
func (c *Client) PreparePost(rawURL string) *RequestBuilder {
	return c.Prepare(http.MethodPost, rawURL)
}

// PreparePut returns a PUT RequestBuilder.
func (c *Client) PreparePut(rawURL string) *RequestBuilder {
	return c.Prepare(http.MethodPut, rawURL)
}

// PreparePatch returns a PATCH RequestBuilder.
func (c *Client) PreparePatch(rawURL string) *RequestBuilder {
	return c.Prepare(http.MethodPatch, rawURL)
}

// PrepareDelete returns a DELETE RequestBuilder.
func (c *Client) PrepareDelete(rawURL string) *RequestBuilder {
	return c.Prepare(http.MethodDelete, rawURL)
}

// PrepareHead returns a HEAD RequestBuilder.
func (c *Client) PrepareHead(rawURL string) *RequestBuilder {
	return c.Prepare(http.MethodHead, rawURL)
}

// PrepareOptions returns an OPTIONS RequestBuilder.
func (c *Client) PrepareOptions(rawURL string) *RequestBuilder {
	return c.Prepare(http.MethodOptions, rawURL)
}

// PrepareRequest returns a RequestBuilder bound to this client and
// initialised from req.
func (c *Client) PrepareRequest(req *Request) *RequestBuilder {
	rb := NewRequestBuilderFrom(req)
	rb.client = c
	return rb
}

// ExecuteRequest runs req and buffers the response.
//
// Example:
//
//	req, _ := httpclient.NewRequestBuilder(http.MethodGet, url).Build()
//	resp, err := client.ExecuteRequest(ctx, req).Get()
func (c *Client) ExecuteRequest(ctx context.Context, req *Request) *Future[*Response] {
	return Execute(ctx, c, req, NewResponseHandler())
}
