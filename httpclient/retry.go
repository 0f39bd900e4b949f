package httpclient

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RetryConfig shapes the exponential backoff between transport retries.
// The number of retries is Config.MaxRequestRetry.
//
// Example:
//
//	cfg := httpclient.DefaultConfig()
//	cfg.MaxRequestRetry = 3
//
//	client := httpclient.New(
//	    httpclient.WithConfig(cfg),
//	    httpclient.WithRetryConfig(httpclient.DefaultRetryConfig()),
//	)
type RetryConfig struct {
	// InitialInterval is the wait before the first retry.
	InitialInterval time.Duration

	// MaxInterval caps a single wait.
	MaxInterval time.Duration

	// MaxElapsedTime bounds the retry sequence of one attempt. Zero leaves
	// only MaxRequestRetry and the request timeout.
	MaxElapsedTime time.Duration

	// Multiplier grows the wait after every retry.
	Multiplier float64

	// JitterFactor randomises every wait by ±JitterFactor.
	JitterFactor float64
}

// Default values for RetryConfig.
const (
	DefaultInitialInterval = 100 * time.Millisecond
	DefaultMaxInterval     = 2 * time.Second
	DefaultMaxElapsedTime  = 30 * time.Second
	DefaultMultiplier      = 2.0

	// DefaultJitterFactor is ±50%, used whenever a config asks for none.
	DefaultJitterFactor = 0.5
)

// DefaultRetryConfig returns 100ms → 200ms → 400ms waits, capped at 2s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
		MaxElapsedTime:  DefaultMaxElapsedTime,
		Multiplier:      DefaultMultiplier,
		JitterFactor:    DefaultJitterFactor,
	}
}

// AggressiveRetryConfig starts at 20ms for callers that retry against a
// fleet behind a load balancer, where the next connection usually lands on
// a healthy peer.
func AggressiveRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 20 * time.Millisecond,
		MaxInterval:     time.Second,
		MaxElapsedTime:  10 * time.Second,
		Multiplier:      2.0,
		JitterFactor:    0.5,
	}
}

// ConservativeRetryConfig starts at 500ms for rate-limited or expensive
// upstreams.
func ConservativeRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxElapsedTime:  time.Minute,
		Multiplier:      2.0,
		JitterFactor:    0.5,
	}
}

func (c RetryConfig) newBackOff() backoff.BackOff {
	return ExponentialBackOffFromConfig(c)
}

// =============================================================================
// Retry Loop
// =============================================================================

// retryScope carries what the retry loop reports to.
type retryScope struct {
	cfg    *internalConfig
	logger zerolog.Logger
	attrs  []attribute.KeyValue
}

// withRetry runs op up to MaxRequestRetry+1 times. An error the classifier
// rejects stops the loop at once. Waits between tries come from
// cfg.RetryBackOff and end early when ctx is done.
func withRetry[R any](ctx context.Context, rs retryScope, op func() (R, error)) (R, error) {
	cfg := rs.cfg
	span := trace.SpanFromContext(ctx)

	classify := cfg.RetryClassifier
	if classify == nil {
		classify = DefaultClassifier
	}

	b := cfg.RetryBackOff()
	b.Reset()

	var (
		retries   int
		startTime = time.Now()
	)

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(cfg.httpConfig.MaxRequestRetry, 0)) + 1),
		backoff.WithNotify(func(err error, next time.Duration) {
			retries++
			recordRetryEvent(span, retries, err, next)
			cfg.Metrics.recordRetryAttempt(ctx, rs.attrs, retries)
			rs.logger.Debug().
				Int("retry", retries).
				Dur("delay", next).
				Err(err).
				Msg("retrying attempt")
		}),
	}
	if cfg.RetryMaxElapsedTime > 0 {
		retryOpts = append(retryOpts, backoff.WithMaxElapsedTime(cfg.RetryMaxElapsedTime))
	}

	res, err := backoff.Retry(ctx, func() (R, error) {
		r, err := op()
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return r, err
		}
		if err != nil && !classify(err) {
			return r, backoff.Permanent(err)
		}
		return r, err
	}, retryOpts...)

	if retries > 0 {
		span.SetAttributes(
			attribute.Int("http.retry_count", retries),
			attribute.Bool("http.retry_success", err == nil),
		)
		if err != nil && classify(err) && ctx.Err() == nil {
			cfg.Metrics.recordRetryExhausted(ctx, rs.attrs)
		}
		cfg.Metrics.recordRetryDuration(ctx, rs.attrs, time.Since(startTime))
	}
	return res, err
}

// recordRetryEvent adds an "http.retry" span event.
func recordRetryEvent(span trace.Span, attempt int, err error, next time.Duration) {
	if !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Int("retry.attempt", attempt),
		attribute.Int64("retry.delay_ms", next.Milliseconds()),
	}
	if err != nil {
		attrs = append(attrs, attribute.String("retry.reason", classifyError(err)))
	}
	span.AddEvent("http.retry", trace.WithAttributes(attrs...))
}
