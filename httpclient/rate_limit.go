package httpclient

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/kroma-labs/sentinel-async/uri"
)

// ErrRateLimited is returned when a rate limiting filter rejects a step.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitConfig configures a token bucket request filter. Every loop step
// of an execution (first send, redirect, auth round) takes one token.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate. Non-positive disables
	// limiting.
	RequestsPerSecond float64

	// Burst is the bucket size. Values below 1 are raised to 1.
	Burst int

	// WaitOnLimit makes a step wait for a token instead of failing with
	// ErrRateLimited. The wait ends with the execution's deadline.
	WaitOnLimit bool
}

// DefaultRateLimitConfig allows 100 steps per second with a burst of 10,
// waiting for tokens.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 100, Burst: 10, WaitOnLimit: true}
}

// RateLimitBehavior selects what a step does when no token is left.
type RateLimitBehavior int

const (
	// RateLimitWait waits for a token.
	RateLimitWait RateLimitBehavior = iota
	// RateLimitFailFast fails the execution with ErrRateLimited.
	RateLimitFailFast
)

// NewRateLimitConfigWithBehavior returns a config for rps and burst.
func NewRateLimitConfigWithBehavior(rps float64, burst int, behavior RateLimitBehavior) RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: rps, Burst: burst, WaitOnLimit: behavior == RateLimitWait}
}

func (c RateLimitConfig) enabled() bool { return c.RequestsPerSecond > 0 }

func (c RateLimitConfig) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(c.RequestsPerSecond), max(c.Burst, 1))
}

// take takes one token from l for the step to key.
func (c RateLimitConfig) take(ctx context.Context, l *rate.Limiter, key string) error {
	if !c.WaitOnLimit {
		if !l.Allow() {
			return fmt.Errorf("%w: %s", ErrRateLimited, key)
		}
		return nil
	}

	err := l.Wait(ctx)
	if err == nil || ctx.Err() != nil {
		return err
	}
	// The token would only arrive after the deadline; the step would time
	// out waiting for it.
	<-ctx.Done()
	return ctx.Err()
}

// RateLimiterStats is a snapshot of a RateLimiter.
type RateLimiterStats struct {
	Limit           float64
	Burst           int
	TokensAvailable float64
}

// RateLimiter is a token bucket that can be shared by several clients.
type RateLimiter struct {
	cfg     RateLimitConfig
	limiter *rate.Limiter
}

// NewRateLimiter returns a limiter for cfg.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	l := &RateLimiter{cfg: cfg}
	if cfg.enabled() {
		l.limiter = cfg.newLimiter()
	}
	return l
}

// Filter returns a RequestFilter taking one token per step.
//
// Example:
//
//	limiter := httpclient.NewRateLimiter(httpclient.DefaultRateLimitConfig())
//	client := httpclient.New(httpclient.WithRequestFilter(limiter.Filter()))
func (l *RateLimiter) Filter() RequestFilter {
	return func(ctx context.Context, fc FilterContext) (FilterContext, error) {
		if l.limiter == nil {
			return fc, nil
		}
		return fc, l.cfg.take(ctx, l.limiter, uri.HostPort(fc.Request.url))
	}
}

// Stats returns the current limiter state. A disabled limiter reports
// zeros.
func (l *RateLimiter) Stats() RateLimiterStats {
	if l.limiter == nil {
		return RateLimiterStats{}
	}
	return RateLimiterStats{
		Limit:           float64(l.limiter.Limit()),
		Burst:           l.limiter.Burst(),
		TokensAvailable: l.limiter.Tokens(),
	}
}

// RateLimitRequestFilter returns a filter limiting every step of every
// execution to cfg.
func RateLimitRequestFilter(cfg RateLimitConfig) RequestFilter {
	return NewRateLimiter(cfg).Filter()
}

// PerHostRateLimitRequestFilter returns a filter with one bucket per target
// "host:port". A redirect to another host takes its token from that host.
func PerHostRateLimitRequestFilter(cfg RateLimitConfig) RequestFilter {
	if !cfg.enabled() {
		return func(_ context.Context, fc FilterContext) (FilterContext, error) { return fc, nil }
	}

	var buckets sync.Map // host:port -> *rate.Limiter
	return func(ctx context.Context, fc FilterContext) (FilterContext, error) {
		key := uri.HostPort(fc.Request.url)
		l, ok := buckets.Load(key)
		if !ok {
			l, _ = buckets.LoadOrStore(key, cfg.newLimiter())
		}
		return fc, cfg.take(ctx, l.(*rate.Limiter), key)
	}
}
