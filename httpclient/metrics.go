package httpclient

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the instruments of one Client. A nil *metrics and nil
// instruments are valid and record nothing.
type metrics struct {
	// Per execution: one duration for the whole redirect and auth chain.
	requestDuration  metric.Float64Histogram
	requestBodySize  metric.Int64Histogram
	responseBodySize metric.Int64Histogram
	activeRequests   metric.Int64UpDownCounter
	requestErrors    metric.Int64Counter
	replays          metric.Int64Counter

	// Per attempt, from the network trace.
	connectionDuration      metric.Float64Histogram
	tlsDuration             metric.Float64Histogram
	ttfb                    metric.Float64Histogram
	contentTransferDuration metric.Float64Histogram

	// Pool.
	openConnections metric.Int64UpDownCounter
	poolExhausted   metric.Int64Counter

	// Retry loop.
	retryAttempts  metric.Int64Counter
	retryExhausted metric.Int64Counter
	retryDuration  metric.Float64Histogram

	// Circuit breaker: state is 0 closed, 1 half-open, 2 open.
	breakerRequests metric.Int64Counter
	breakerState    metric.Int64Gauge
}

var (
	latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 0.75, 1, 2.5, 5, 7.5, 10}
	dialBuckets    = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	retryBuckets   = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120}
	sizeBuckets    = []float64{0, 100, 1024, 10 * 1024, 100 * 1024, 1024 * 1024, 10 * 1024 * 1024}
)

// instrumentBuilder creates instruments on a meter and keeps the first
// error; later calls are no-ops once one has failed.
type instrumentBuilder struct {
	meter metric.Meter
	err   error
}

func (b *instrumentBuilder) seconds(name, desc string, buckets []float64) metric.Float64Histogram {
	if b.err != nil {
		return nil
	}
	var h metric.Float64Histogram
	h, b.err = b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	return h
}

func (b *instrumentBuilder) bytes(name, desc string) metric.Int64Histogram {
	if b.err != nil {
		return nil
	}
	var h metric.Int64Histogram
	h, b.err = b.meter.Int64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(sizeBuckets...),
	)
	return h
}

func (b *instrumentBuilder) counter(name, desc, unit string) metric.Int64Counter {
	if b.err != nil {
		return nil
	}
	var c metric.Int64Counter
	c, b.err = b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	return c
}

func (b *instrumentBuilder) upDown(name, desc, unit string) metric.Int64UpDownCounter {
	if b.err != nil {
		return nil
	}
	var c metric.Int64UpDownCounter
	c, b.err = b.meter.Int64UpDownCounter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	return c
}

func (b *instrumentBuilder) gauge(name, desc, unit string) metric.Int64Gauge {
	if b.err != nil {
		return nil
	}
	var g metric.Int64Gauge
	g, b.err = b.meter.Int64Gauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	return g
}

// newMetrics creates the client instruments on meter. Names follow the OTel
// HTTP client conventions where one exists.
func newMetrics(meter metric.Meter) (*metrics, error) {
	b := &instrumentBuilder{meter: meter}
	m := &metrics{
		requestDuration: b.seconds("http.client.request.duration",
			"Duration of an execution, redirects and auth rounds included", latencyBuckets),
		requestBodySize:  b.bytes("http.client.request.body.size", "Size of request bodies sent"),
		responseBodySize: b.bytes("http.client.response.body.size", "Size of response bodies delivered to handlers"),
		activeRequests:   b.upDown("http.client.active_requests", "Executions in flight", "{request}"),
		requestErrors:    b.counter("http.client.request.error", "Executions that failed, by error type", "{error}"),
		replays:          b.counter("http.client.replays", "Redirects, auth rounds and filter replays", "{replay}"),

		connectionDuration: b.seconds("http.client.connection.duration",
			"Time to open a TCP connection, proxy tunnel included", dialBuckets),
		tlsDuration: b.seconds("http.client.tls.duration", "TLS handshake duration", dialBuckets),
		ttfb: b.seconds("http.client.ttfb",
			"Time from the request being written to the first response byte", latencyBuckets),
		contentTransferDuration: b.seconds("http.client.content_transfer.duration",
			"Time to deliver the response body to the handler", latencyBuckets),

		openConnections: b.upDown("http.client.open_connections", "Open pooled and in-use connections", "{connection}"),
		poolExhausted:   b.counter("http.client.pool.exhausted", "New connections refused by a pool limit", "{connection}"),

		retryAttempts:  b.counter("http.client.retry.attempts", "Retries of a failed attempt", "{attempt}"),
		retryExhausted: b.counter("http.client.retry.exhausted", "Executions that failed after every retry", "{request}"),
		retryDuration:  b.seconds("http.client.retry.duration", "Time spent in the retry loop, waits included", retryBuckets),

		breakerRequests: b.counter("http.client.breaker.requests", "Attempts seen by a circuit breaker, by outcome", "{request}"),
		breakerState:    b.gauge("http.client.breaker.state", "Circuit breaker state (0=closed, 1=half-open, 2=open)", "{state}"),
	}
	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

func withAttr(attrs []attribute.KeyValue, kv attribute.KeyValue) metric.MeasurementOption {
	all := make([]attribute.KeyValue, 0, len(attrs)+1)
	all = append(all, attrs...)
	return metric.WithAttributes(append(all, kv)...)
}

func observe(ctx context.Context, h metric.Float64Histogram, d time.Duration, attrs []attribute.KeyValue) {
	if h != nil {
		h.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
	}
}

func observeSize(ctx context.Context, h metric.Int64Histogram, n int64, attrs []attribute.KeyValue) {
	if h != nil {
		h.Record(ctx, n, metric.WithAttributes(attrs...))
	}
}

func inc(ctx context.Context, c metric.Int64Counter, opt metric.AddOption) {
	if c != nil {
		c.Add(ctx, 1, opt)
	}
}

func adjust(ctx context.Context, c metric.Int64UpDownCounter, delta int64, attrs []attribute.KeyValue) {
	if c != nil {
		c.Add(ctx, delta, metric.WithAttributes(attrs...))
	}
}

func (m *metrics) recordRequestDuration(ctx context.Context, d time.Duration, attrs []attribute.KeyValue) {
	if m != nil {
		observe(ctx, m.requestDuration, d, attrs)
	}
}

func (m *metrics) recordRequestBodySize(ctx context.Context, n int64, attrs []attribute.KeyValue) {
	if m != nil {
		observeSize(ctx, m.requestBodySize, n, attrs)
	}
}

func (m *metrics) recordResponseBodySize(ctx context.Context, n int64, attrs []attribute.KeyValue) {
	if m != nil {
		observeSize(ctx, m.responseBodySize, n, attrs)
	}
}

func (m *metrics) recordConnectionOpened(ctx context.Context, attrs []attribute.KeyValue) {
	if m != nil {
		adjust(ctx, m.openConnections, 1, attrs)
	}
}

func (m *metrics) recordConnectionClosed(ctx context.Context, attrs []attribute.KeyValue) {
	if m != nil {
		adjust(ctx, m.openConnections, -1, attrs)
	}
}

func (m *metrics) recordConnectionDuration(ctx context.Context, d time.Duration, attrs []attribute.KeyValue) {
	if m != nil {
		observe(ctx, m.connectionDuration, d, attrs)
	}
}

func (m *metrics) recordTLSDuration(ctx context.Context, d time.Duration, attrs []attribute.KeyValue) {
	if m != nil {
		observe(ctx, m.tlsDuration, d, attrs)
	}
}

func (m *metrics) recordTTFB(ctx context.Context, d time.Duration, attrs []attribute.KeyValue) {
	if m != nil {
		observe(ctx, m.ttfb, d, attrs)
	}
}

func (m *metrics) recordContentTransferDuration(ctx context.Context, d time.Duration, attrs []attribute.KeyValue) {
	if m != nil {
		observe(ctx, m.contentTransferDuration, d, attrs)
	}
}

func (m *metrics) recordActiveRequestStart(ctx context.Context, attrs []attribute.KeyValue) {
	if m != nil {
		adjust(ctx, m.activeRequests, 1, attrs)
	}
}

func (m *metrics) recordActiveRequestEnd(ctx context.Context, attrs []attribute.KeyValue) {
	if m != nil {
		adjust(ctx, m.activeRequests, -1, attrs)
	}
}

// recordError counts a failed execution under its classifyError type.
func (m *metrics) recordError(ctx context.Context, errorType string, attrs []attribute.KeyValue) {
	if m != nil {
		inc(ctx, m.requestErrors, withAttr(attrs, attribute.String("error.type", errorType)))
	}
}

func (m *metrics) recordRetryAttempt(ctx context.Context, attrs []attribute.KeyValue, attempt int) {
	if m != nil {
		inc(ctx, m.retryAttempts, withAttr(attrs, attribute.Int("retry.attempt", attempt)))
	}
}

func (m *metrics) recordRetryExhausted(ctx context.Context, attrs []attribute.KeyValue) {
	if m != nil {
		inc(ctx, m.retryExhausted, metric.WithAttributes(attrs...))
	}
}

func (m *metrics) recordRetryDuration(ctx context.Context, attrs []attribute.KeyValue, d time.Duration) {
	if m != nil {
		observe(ctx, m.retryDuration, d, attrs)
	}
}

func (m *metrics) recordPoolExhausted(ctx context.Context, attrs []attribute.KeyValue) {
	if m != nil {
		inc(ctx, m.poolExhausted, metric.WithAttributes(attrs...))
	}
}

// recordReplay counts one loop step. kind is "redirect", "auth_challenge"
// or "replay".
func (m *metrics) recordReplay(ctx context.Context, kind string, attrs []attribute.KeyValue) {
	if m != nil {
		inc(ctx, m.replays, withAttr(attrs, attribute.String("replay.kind", kind)))
	}
}

// recordBreakerRequest counts an attempt seen by the breaker named name.
// outcome is "success", "failure" or "rejected".
func (m *metrics) recordBreakerRequest(ctx context.Context, name, outcome string) {
	if m == nil {
		return
	}
	inc(ctx, m.breakerRequests, metric.WithAttributes(
		attribute.String("breaker.name", name),
		attribute.String("breaker.outcome", outcome),
	))
}

func (m *metrics) recordBreakerState(ctx context.Context, name string, state int64) {
	if m == nil || m.breakerState == nil {
		return
	}
	m.breakerState.Record(ctx, state, metric.WithAttributes(attribute.String("breaker.name", name)))
}
