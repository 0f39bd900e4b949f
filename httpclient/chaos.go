package httpclient

import (
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"sync"
	"time"
)

// ErrChaosInjected is the cause of a dial failed by a ChaosDialer.
var ErrChaosInjected = errors.New("chaos: simulated network error")

// ChaosConfig describes the faults a ChaosDialer injects. Faults apply to
// new connections only; pooled connections are not touched.
//
// Example:
//
//	client := httpclient.New(
//	    httpclient.WithChaos(httpclient.ChaosConfig{
//	        Latency:   200 * time.Millisecond,
//	        ErrorRate: 0.1,
//	        ResetRate: 0.05,
//	    }),
//	)
type ChaosConfig struct {
	// Latency is added to every dial.
	Latency time.Duration

	// LatencyJitter adds a random extra delay in [0, LatencyJitter).
	LatencyJitter time.Duration

	// ErrorRate is the probability in [0, 1] that a dial fails with
	// ErrChaosInjected.
	ErrorRate float64

	// HangRate is the probability in [0, 1] that a dial blocks until its
	// context is done, as an unreachable host would.
	HangRate float64

	// ResetRate is the probability in [0, 1] that a dialed connection is
	// dropped by the peer on its first read. For plain HTTP this lands after
	// the request is written and before any response byte.
	ResetRate float64
}

func (c ChaosConfig) delay() time.Duration {
	d := c.Latency
	if c.LatencyJitter > 0 {
		d += time.Duration(rand.Int64N(int64(c.LatencyJitter))) //nolint:gosec
	}
	return d
}

func roll(rate float64) bool {
	return rate > 0 && rand.Float64() < rate //nolint:gosec
}

// ChaosDialer wraps a Dialer and injects the faults of a ChaosConfig.
type ChaosDialer struct {
	next   Dialer
	config ChaosConfig
}

var _ Dialer = (*ChaosDialer)(nil)

// NewChaosDialer returns a Dialer that injects the faults in cfg before
// delegating to next.
//
// Example:
//
//	d := httpclient.NewChaosDialer(&net.Dialer{}, httpclient.ChaosConfig{ErrorRate: 1})
//	client := httpclient.New(httpclient.WithDialer(d))
func NewChaosDialer(next Dialer, cfg ChaosConfig) *ChaosDialer {
	return &ChaosDialer{next: next, config: cfg}
}

// DialContext implements Dialer.
func (d *ChaosDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if roll(d.config.HangRate) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if roll(d.config.ErrorRate) {
		return nil, &net.OpError{Op: "dial", Net: network, Err: ErrChaosInjected}
	}

	if delay := d.config.delay(); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}

	nc, err := d.next.DialContext(ctx, network, address)
	if err != nil || !roll(d.config.ResetRate) {
		return nc, err
	}
	return &resetConn{Conn: nc}, nil
}

// resetConn closes itself on the first read and reports EOF, the way a peer
// that drops the connection looks to the reader.
type resetConn struct {
	net.Conn
	once sync.Once
}

func (c *resetConn) Read([]byte) (int, error) {
	c.once.Do(func() { _ = c.Conn.Close() })
	return 0, io.EOF
}
