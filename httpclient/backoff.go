package httpclient

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var (
	_ backoff.BackOff = (*LinearBackOff)(nil)
	_ backoff.BackOff = (*DecorrelatedJitterBackOff)(nil)
	_ backoff.BackOff = (*ConstantBackOffWithJitter)(nil)
)

// LinearBackOff waits InitialInterval, then grows by Increment per retry up
// to MaxInterval, with jitter applied to every wait.
//
// Example with InitialInterval=100ms, Increment=50ms, JitterFactor=0:
//
//	Retry 1: 100ms
//	Retry 2: 150ms
//	Retry 3: 200ms
type LinearBackOff struct {
	InitialInterval time.Duration
	Increment       time.Duration
	MaxInterval     time.Duration

	// JitterFactor is in [0, 1]. 0.5 spreads a 1s wait over [0.5s, 1.5s].
	JitterFactor float64

	currentInterval time.Duration
	attempt         int
}

// NewLinearBackOff returns a LinearBackOff sized for transport retries:
// 50ms, +50ms per retry, capped at 1s, ±50% jitter.
func NewLinearBackOff() *LinearBackOff {
	return &LinearBackOff{
		InitialInterval: 50 * time.Millisecond,
		Increment:       50 * time.Millisecond,
		MaxInterval:     time.Second,
		JitterFactor:    0.5,
	}
}

// Reset implements backoff.BackOff.
func (b *LinearBackOff) Reset() {
	b.currentInterval = b.InitialInterval
	b.attempt = 0
}

// NextBackOff implements backoff.BackOff.
func (b *LinearBackOff) NextBackOff() time.Duration {
	if b.currentInterval == 0 {
		b.currentInterval = b.InitialInterval
	}
	interval := applyJitter(b.currentInterval, b.JitterFactor)

	b.attempt++
	b.currentInterval = min(b.InitialInterval+time.Duration(b.attempt)*b.Increment, b.MaxInterval)
	return interval
}

// DecorrelatedJitterBackOff picks each wait at random between Base and three
// times the previous wait, capped at Cap. It spreads retries from many
// executions hitting the same host at once.
//
// See: https://aws.amazon.com/blogs/architecture/exponential-backoff-and-jitter/
type DecorrelatedJitterBackOff struct {
	Base time.Duration
	Cap  time.Duration

	sleep time.Duration
}

// NewDecorrelatedJitterBackOff returns a DecorrelatedJitterBackOff with a
// 50ms base and a 2s cap.
func NewDecorrelatedJitterBackOff() *DecorrelatedJitterBackOff {
	return &DecorrelatedJitterBackOff{
		Base: 50 * time.Millisecond,
		Cap:  2 * time.Second,
	}
}

// Reset implements backoff.BackOff.
func (b *DecorrelatedJitterBackOff) Reset() {
	b.sleep = b.Base
}

// NextBackOff implements backoff.BackOff.
func (b *DecorrelatedJitterBackOff) NextBackOff() time.Duration {
	if b.sleep == 0 {
		b.sleep = b.Base
	}
	b.sleep = randomBetween(b.Base, min(b.sleep*3, b.Cap))
	return b.sleep
}

// ConstantBackOffWithJitter waits Interval ± JitterFactor before every retry.
type ConstantBackOffWithJitter struct {
	Interval     time.Duration
	JitterFactor float64
}

// NewConstantBackOffWithJitter returns a 100ms ±50% constant backoff.
func NewConstantBackOffWithJitter() *ConstantBackOffWithJitter {
	return &ConstantBackOffWithJitter{
		Interval:     100 * time.Millisecond,
		JitterFactor: 0.5,
	}
}

// Reset implements backoff.BackOff.
func (b *ConstantBackOffWithJitter) Reset() {}

// NextBackOff implements backoff.BackOff.
func (b *ConstantBackOffWithJitter) NextBackOff() time.Duration {
	return applyJitter(b.Interval, b.JitterFactor)
}

// applyJitter returns a random duration in
// [interval*(1-jitterFactor), interval*(1+jitterFactor)].
func applyJitter(interval time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return interval
	}
	jitterFactor = min(jitterFactor, 1)

	delta := float64(interval) * jitterFactor
	lo := float64(interval) - delta
	hi := float64(interval) + delta

	//nolint:gosec // jitter does not need a cryptographic source
	return time.Duration(lo + rand.Float64()*(hi-lo))
}

// randomBetween returns a random duration in [minDur, maxDur).
//
//nolint:gosec // jitter does not need a cryptographic source
func randomBetween(minDur, maxDur time.Duration) time.Duration {
	if minDur >= maxDur {
		return minDur
	}
	return minDur + time.Duration(rand.Int64N(int64(maxDur-minDur)))
}

// ExponentialBackOffFromConfig returns an exponential backoff shaped by cfg.
// Jitter is always applied; a non-positive JitterFactor uses
// DefaultJitterFactor.
func ExponentialBackOffFromConfig(cfg RetryConfig) *backoff.ExponentialBackOff {
	jitterFactor := cfg.JitterFactor
	if jitterFactor <= 0 {
		jitterFactor = DefaultJitterFactor
	}

	return &backoff.ExponentialBackOff{
		InitialInterval:     cfg.InitialInterval,
		RandomizationFactor: jitterFactor,
		Multiplier:          cfg.Multiplier,
		MaxInterval:         cfg.MaxInterval,
	}
}
