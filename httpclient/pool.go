package httpclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// poolConfig is the subset of Config the pool needs.
type poolConfig struct {
	maxConnections        int
	maxConnectionsPerHost int
	idleTimeout           time.Duration
	poolPlain             bool
	poolTLS               bool
}

// connectionPool keeps idle keep-alive connections per PoolKey and enforces
// the open-connection caps. Every mutation happens under mu.
type connectionPool struct {
	cfg     poolConfig
	logger  zerolog.Logger
	metrics *metrics

	mu     sync.Mutex
	idle   map[PoolKey][]*conn
	open   map[PoolKey]int
	total  int
	closed bool

	// exhausted counts rejected reservations.
	exhausted int64

	stop chan struct{}
	done chan struct{}
}

func newConnectionPool(cfg poolConfig, logger zerolog.Logger, m *metrics) *connectionPool {
	p := &connectionPool{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		idle:    make(map[PoolKey][]*conn),
		open:    make(map[PoolKey]int),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if cfg.idleTimeout > 0 && (cfg.poolPlain || cfg.poolTLS) {
		go p.sweep(sweepInterval(cfg.idleTimeout))
	} else {
		close(p.done)
	}
	return p
}

func sweepInterval(idle time.Duration) time.Duration {
	d := idle / 2
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}

// acquire returns a live idle connection for key, or nil. Expired and dead
// connections found on the way are closed.
func (p *connectionPool) acquire(key PoolKey) *conn {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil
		}
		stack := p.idle[key]
		if len(stack) == 0 {
			p.mu.Unlock()
			return nil
		}
		c := stack[len(stack)-1]
		stack[len(stack)-1] = nil
		p.idle[key] = stack[:len(stack)-1]
		if len(p.idle[key]) == 0 {
			delete(p.idle, key)
		}
		c.state = connInUse
		p.mu.Unlock()

		if p.expired(c, time.Now()) {
			p.logger.Debug().Str("pool_key", key.String()).Msg("evicting expired connection")
			_ = c.Close()
			continue
		}
		if !c.alive() {
			p.logger.Debug().Str("pool_key", key.String()).Msg("evicting dead connection")
			_ = c.Close()
			continue
		}

		c.reused = true
		return c
	}
}

// reserve claims a slot for a new connection to key. It fails fast with
// ErrPoolExhausted when a cap is reached. A successful reservation is
// consumed by attach or returned with unreserve.
func (p *connectionPool) reserve(key PoolKey) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClientClosed
	}

	var err error
	switch {
	case p.cfg.maxConnections > 0 && p.total >= p.cfg.maxConnections:
		err = fmt.Errorf("%w: %d connections open", ErrPoolExhausted, p.total)
	case p.cfg.maxConnectionsPerHost > 0 && p.open[key] >= p.cfg.maxConnectionsPerHost:
		err = fmt.Errorf("%w: %d connections open to %s", ErrPoolExhausted, p.open[key], key)
	default:
		p.total++
		p.open[key]++
		p.mu.Unlock()
		return nil
	}
	p.exhausted++
	p.mu.Unlock()

	p.logger.Debug().Str("pool_key", key.String()).Err(err).Msg("connection pool exhausted")
	p.metrics.recordPoolExhausted(context.Background(), p.keyAttributes(key))
	return err
}

// unreserve returns a slot whose dial failed.
func (p *connectionPool) unreserve(key PoolKey) {
	p.mu.Lock()
	p.decrement(key)
	p.mu.Unlock()
}

// attach binds a freshly dialed connection to its reservation.
func (p *connectionPool) attach(ctx context.Context, c *conn) {
	c.pool = p
	p.metrics.recordConnectionOpened(ctx, p.keyAttributes(c.key))
}

// release hands a connection back after use. Connections that are not
// reusable, or that pooling is disabled for, are closed.
func (p *connectionPool) release(c *conn, reusable bool) {
	if !reusable || !p.pooling(c) {
		_ = c.Close()
		return
	}

	p.mu.Lock()
	if p.closed || c.state != connInUse {
		p.mu.Unlock()
		_ = c.Close()
		return
	}
	c.state = connIdle
	c.idleSince = time.Now()
	p.idle[c.key] = append(p.idle[c.key], c)
	p.mu.Unlock()
}

func (p *connectionPool) pooling(c *conn) bool {
	if c.isTLS() {
		return p.cfg.poolTLS
	}
	return p.cfg.poolPlain
}

// forget is called once per connection when it closes.
func (p *connectionPool) forget(c *conn) {
	p.mu.Lock()
	if c.state == connIdle {
		p.removeIdle(c)
	}
	c.state = connClosed
	p.decrement(c.key)
	p.mu.Unlock()

	p.metrics.recordConnectionClosed(context.Background(), p.keyAttributes(c.key))
}

func (p *connectionPool) decrement(key PoolKey) {
	p.total--
	if p.open[key] <= 1 {
		delete(p.open, key)
		return
	}
	p.open[key]--
}

func (p *connectionPool) removeIdle(c *conn) {
	stack := p.idle[c.key]
	for i, ic := range stack {
		if ic == c {
			stack = append(stack[:i], stack[i+1:]...)
			break
		}
	}
	if len(stack) == 0 {
		delete(p.idle, c.key)
		return
	}
	p.idle[c.key] = stack
}

func (p *connectionPool) expired(c *conn, now time.Time) bool {
	return p.cfg.idleTimeout > 0 && now.Sub(c.idleSince) > p.cfg.idleTimeout
}

// sweep closes expired idle connections until the pool closes.
func (p *connectionPool) sweep(interval time.Duration) {
	defer close(p.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case now := <-ticker.C:
			p.evictExpired(now)
		}
	}
}

func (p *connectionPool) evictExpired(now time.Time) {
	var expired []*conn

	p.mu.Lock()
	for key, stack := range p.idle {
		kept := stack[:0]
		for _, c := range stack {
			if p.expired(c, now) {
				c.state = connInUse
				expired = append(expired, c)
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			delete(p.idle, key)
		} else {
			p.idle[key] = kept
		}
	}
	p.mu.Unlock()

	for _, c := range expired {
		p.logger.Debug().Str("pool_key", c.key.String()).Msg("idle timeout, closing connection")
		_ = c.Close()
	}
}

// Close stops the sweeper and closes every idle connection. Connections in
// use are closed when they are released.
func (p *connectionPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var idle []*conn
	for _, stack := range p.idle {
		for _, c := range stack {
			c.state = connInUse
			idle = append(idle, c)
		}
	}
	p.idle = make(map[PoolKey][]*conn)
	p.mu.Unlock()

	for _, c := range idle {
		_ = c.Close()
	}

	select {
	case <-p.done:
	default:
		close(p.stop)
		<-p.done
	}
}

func (p *connectionPool) keyAttributes(key PoolKey) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("server.address", key.Host),
		attribute.Int("server.port", key.Port),
	}
}
