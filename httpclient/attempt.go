package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptrace"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/kroma-labs/sentinel-async/uri"
)

// route is where one attempt goes: the encoded target, the pool bucket and
// the proxy, if any.
type route struct {
	target *url.URL
	key    PoolKey
	proxy  *ProxyServer

	// forward sends the request to the proxy in absolute form instead of
	// tunnelling.
	forward bool
}

func (c *Client) route(req *Request) route {
	target := c.encoder.Encode(req.url, req.query)

	p := req.proxy
	if p == nil {
		p = c.config.Proxy
	}
	if p != nil && p.bypass(target.Hostname()) {
		p = nil
	}

	rt := route{
		target: target,
		proxy:  p,
		key: PoolKey{
			Scheme: target.Scheme,
			Host:   uri.IdnaHost(target.Hostname()),
			Port:   uri.Port(target),
		},
	}
	if p != nil {
		rt.key.Proxy = p.String()
		rt.forward = p.forwarding(target.Scheme)
	}
	return rt
}

// staleConnError is an I/O failure on a pooled connection before any byte
// of the response arrived. The server most likely closed it while idle.
type staleConnError struct {
	err error
}

func (e *staleConnError) Error() string {
	return e.err.Error()
}

func (e *staleConnError) Unwrap() error {
	return e.err
}

// attempt sends req once and handles the response head. A pooled
// connection that turns out to be closed is replaced by a new one without
// counting as a retry.
func (e *execution[T]) attempt(ctx context.Context, req *Request) (step, error) {
	nt := &networkTrace{}
	ctx = httptrace.WithClientTrace(ctx, createClientTrace(nt))
	defer func() {
		nt.addTraceEvents(trace.SpanFromContext(ctx))
		nt.recordTimingMetrics(ctx, e.cfg.Metrics, e.attrs)
	}()

	rt := e.client.route(req)
	c, pinned, err := e.obtain(ctx, rt, false)
	if err != nil {
		return step{}, err
	}

	s, err := e.exchange(ctx, c, rt, req)

	var stale *staleConnError
	if errors.As(err, &stale) && !pinned && req.body.replayable() {
		e.logger.Debug().
			Str("pool_key", rt.key.String()).
			Err(stale.err).
			Msg("pooled connection closed by peer, redialing")

		c, _, err = e.obtain(ctx, rt, true)
		if err != nil {
			return step{}, err
		}
		s, err = e.exchange(ctx, c, rt, req)
	}

	if err != nil && pinned && ctx.Err() == nil {
		return s, fmt.Errorf("%w: %w", ErrAuthHandshakeLost, err)
	}
	return s, err
}

// obtain returns a connection for rt: the one pinned by an auth handshake,
// an idle pooled one, or a new one. fresh skips the first two.
func (e *execution[T]) obtain(ctx context.Context, rt route, fresh bool) (*conn, bool, error) {
	tr := hooks(ctx)
	tr.GetConn(uri.HostPort(rt.target))

	pool := e.client.pool
	if !fresh {
		if c := e.takePinned(rt.key); c != nil {
			tr.GotConn(httptrace.GotConnInfo{Conn: c.netConn, Reused: true})
			return c, true, nil
		}
		if c := pool.acquire(rt.key); c != nil {
			idle := time.Since(c.idleSince)
			tr.GotConn(httptrace.GotConnInfo{Conn: c.netConn, Reused: true, WasIdle: true, IdleTime: idle})
			e.logger.Debug().
				Str("pool_key", rt.key.String()).
				Dur("idle", idle).
				Msg("reusing pooled connection")
			return c, false, nil
		}
	}

	if err := pool.reserve(rt.key); err != nil {
		return nil, false, err
	}
	nc, err := e.client.dial(ctx, rt)
	if err != nil {
		pool.unreserve(rt.key)
		return nil, false, err
	}

	hc := e.cfg.httpConfig
	c := newConn(nc, rt.key, hc.ReadBufferSize, hc.WriteBufferSize)
	pool.attach(ctx, c)
	tr.GotConn(httptrace.GotConnInfo{Conn: nc})
	e.logger.Debug().Str("pool_key", rt.key.String()).Msg("opened connection")
	return c, false, nil
}

// takePinned hands out the pinned connection if it serves key. A pinned
// connection to another key goes back to the pool.
func (e *execution[T]) takePinned(key PoolKey) *conn {
	c := e.pinned
	if c == nil {
		return nil
	}
	e.pinned = nil
	if c.key != key {
		e.client.pool.release(c, true)
		return nil
	}
	return c
}

func (e *execution[T]) releasePinned() {
	if e.pinned != nil {
		e.client.pool.release(e.pinned, true)
		e.pinned = nil
	}
}
