package httpclient

import (
	"context"
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	gobreakerredis "github.com/sony/gobreaker/v2/redis"
)

// NewRedisStore creates a SharedDataStore backed by Redis for distributed
// circuit breaking.
//
// Usage:
//
//	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{"localhost:6379"}})
//	cfg := httpclient.DistributedBreakerConfig(httpclient.NewRedisStore(rdb))
func NewRedisStore(client redis.UniversalClient) gobreaker.SharedDataStore {
	return gobreakerredis.NewStoreFromClient(client)
}

// CircuitBreaker matches the Execute method of gobreaker's local and
// distributed breakers.
type CircuitBreaker interface {
	Execute(req func() (interface{}, error)) (interface{}, error)
}

// BreakerClassifier reports whether an attempt counts as a failure. status
// is the final response status, or 0 when err is set.
type BreakerClassifier func(status int, err error) bool

// BreakerConfig holds the configuration of the per-host circuit breakers.
//
// Concepts:
//   - Closed: Normal state, attempts allowed.
//   - Open: Failing state, attempts rejected with gobreaker.ErrOpenState.
//   - Half-Open: Probing state, MaxRequests attempts test recovery.
type BreakerConfig struct {
	// MaxRequests is the number of attempts allowed while half-open.
	// If 0, one attempt is allowed.
	MaxRequests uint32

	// Interval is the cyclic period of the closed state after which counts
	// are cleared. If 0, counts are never cleared while closed.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	// If 0, gobreaker uses 60s.
	Timeout time.Duration

	// FailureThreshold is the minimum number of attempts before the
	// failure ratio can trip the breaker.
	FailureThreshold uint32

	// FailureRatio trips the breaker when failures/attempts reaches it.
	FailureRatio float64

	// ConsecutiveFailures trips the breaker after that many failures in a
	// row. If 0, this rule is disabled.
	ConsecutiveFailures uint32

	// Store shares breaker state between instances. If nil, breakers are
	// local to the Client.
	Store gobreaker.SharedDataStore

	// Classifier determines which outcomes count as failures.
	// Default: DefaultBreakerClassifier
	Classifier BreakerClassifier

	// OnStateChange is called when a host's breaker changes state.
	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultBreakerConfig returns a local breaker configuration:
//   - Interval: 10s
//   - Timeout: 10s
//   - FailureThreshold: 20 attempts, FailureRatio 0.5
//   - ConsecutiveFailures: 5
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         1,
		Interval:            10 * time.Second,
		Timeout:             10 * time.Second,
		FailureThreshold:    20,
		FailureRatio:        0.5,
		ConsecutiveFailures: 5,
		Classifier:          DefaultBreakerClassifier,
	}
}

// DistributedBreakerConfig returns DefaultBreakerConfig with its state kept
// in store, so every instance sees the same open hosts.
func DistributedBreakerConfig(store gobreaker.SharedDataStore) BreakerConfig {
	cfg := DefaultBreakerConfig()
	cfg.Store = store
	return cfg
}

// DisabledBreakerConfig returns a configuration that never trips.
func DisabledBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: ^uint32(0),
		FailureRatio:     1.0,
		Classifier:       func(int, error) bool { return false },
	}
}

// DefaultBreakerClassifier counts network errors and 5xx responses as
// failures. Timeouts, cancellations and 4xx do not trip the breaker.
func DefaultBreakerClassifier(status int, err error) bool {
	if err != nil {
		return isNetworkError(err)
	}
	return status >= 500
}

// isNetworkError reports whether err came from the network rather than
// from the caller or the engine.
func isNetworkError(err error) bool {
	if err == nil || IsTimeout(err) || errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrRemotelyClosed) {
		return true
	}

	var connErr *ConnectError
	if errors.As(err, &connErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT)
}

// =============================================================================
// Per-Host Breakers
// =============================================================================

// errSyntheticFailure tells the breaker that an attempt failed although it
// produced a response (e.g. a 503). It never reaches the caller.
var errSyntheticFailure = errors.New("synthetic failure")

// breakerFailure marks errors the classifier counts as failures. Other
// errors pass through the breaker without affecting it.
type breakerFailure struct {
	err error
}

func (e *breakerFailure) Error() string { return e.err.Error() }
func (e *breakerFailure) Unwrap() error { return e.err }

// breakerGroup owns one breaker per host, created on first use.
type breakerGroup struct {
	cfg     BreakerConfig
	prefix  string
	metrics *metrics
	logger  zerolog.Logger

	mu       sync.Mutex
	breakers map[string]CircuitBreaker

	// newBreaker is replaced in tests.
	newBreaker func(st gobreaker.Settings) CircuitBreaker
}

func newBreakerGroup(cfg BreakerConfig, serviceName string, m *metrics, logger zerolog.Logger) *breakerGroup {
	if cfg.Classifier == nil {
		cfg.Classifier = DefaultBreakerClassifier
	}
	g := &breakerGroup{
		cfg:      cfg,
		prefix:   serviceName,
		metrics:  m,
		logger:   logger,
		breakers: make(map[string]CircuitBreaker),
	}
	g.newBreaker = g.build
	return g
}

// execute runs op through the breaker of host. op reports the status of
// the response it produced, if any.
func (g *breakerGroup) execute(ctx context.Context, host string, op func() (int, error)) error {
	name, cb := g.get(host)

	_, err := cb.Execute(func() (interface{}, error) {
		status, err := op()
		if !g.cfg.Classifier(status, err) {
			return nil, err
		}
		if err != nil {
			return nil, &breakerFailure{err: err}
		}
		return nil, errSyntheticFailure
	})

	switch {
	case err == nil:
		g.metrics.recordBreakerRequest(ctx, name, "success")
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		g.metrics.recordBreakerRequest(ctx, name, "rejected")
		g.logger.Debug().Str("breaker", name).Err(err).Msg("attempt rejected by circuit breaker")
		return err
	case errors.Is(err, errSyntheticFailure):
		g.metrics.recordBreakerRequest(ctx, name, "failure")
		return nil
	}

	var bf *breakerFailure
	if errors.As(err, &bf) {
		g.metrics.recordBreakerRequest(ctx, name, "failure")
		return bf.err
	}
	g.metrics.recordBreakerRequest(ctx, name, "success")
	return err
}

func (g *breakerGroup) get(host string) (string, CircuitBreaker) {
	name := host
	if g.prefix != "" {
		name = g.prefix + "/" + host
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	cb, ok := g.breakers[name]
	if !ok {
		cb = g.newBreaker(g.settings(name))
		g.breakers[name] = cb
	}
	return name, cb
}

func (g *breakerGroup) settings(name string) gobreaker.Settings {
	cfg := g.cfg
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 &&
				counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if cfg.FailureThreshold > 0 && counts.Requests < cfg.FailureThreshold {
				return false
			}
			if cfg.FailureRatio > 0 && counts.TotalFailures > 0 {
				ratio := float64(counts.TotalFailures) / float64(counts.Requests)
				return ratio >= cfg.FailureRatio
			}
			return false
		},
		IsSuccessful: func(err error) bool {
			var bf *breakerFailure
			return !errors.Is(err, errSyntheticFailure) && !errors.As(err, &bf)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.metrics.recordBreakerState(context.Background(), name, int64(to))
			g.logger.Debug().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, from, to)
			}
		},
	}
}

func (g *breakerGroup) build(st gobreaker.Settings) CircuitBreaker {
	if g.cfg.Store != nil {
		dcb, err := gobreaker.NewDistributedCircuitBreaker[interface{}](g.cfg.Store, st)
		if err == nil {
			return dcb
		}
		// A local breaker still protects this instance.
		g.logger.Warn().Str("breaker", st.Name).Err(err).Msg("distributed breaker unavailable, using local state")
	}
	return gobreaker.NewCircuitBreaker[interface{}](st)
}
