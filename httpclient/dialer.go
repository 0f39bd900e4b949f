package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/kroma-labs/sentinel-async/uri"
)

// dial opens a connection for rt: direct, through a SOCKS5 proxy, or to an
// HTTP proxy with a CONNECT tunnel for HTTPS targets. HTTPS targets are
// handshaken before returning. ConnectTimeout bounds the whole sequence.
func (c *Client) dial(ctx context.Context, rt route) (net.Conn, error) {
	parent := ctx
	if d := c.config.httpConfig.ConnectTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	addr := uri.HostPort(rt.target)
	dialAddr := addr

	var (
		nc  net.Conn
		err error
	)
	switch {
	case rt.proxy == nil:
		nc, err = c.dialTCP(ctx, c.dialer, addr)

	case rt.proxy.Protocol == ProxySOCKS5:
		var d Dialer
		d, err = socksDialer(rt.proxy, c.dialer)
		if err == nil {
			nc, err = c.dialTCP(ctx, d, addr)
		}

	default:
		dialAddr = rt.proxy.Address()
		nc, err = c.dialTCP(ctx, c.dialer, dialAddr)
		if err == nil && !rt.forward {
			nc, err = c.tunnel(ctx, nc, rt.proxy, addr)
		}
	}
	if err != nil {
		return nil, connectError(parent, dialAddr, err)
	}

	if rt.target.Scheme == "https" {
		nc, err = c.handshake(ctx, nc, uri.IdnaHost(rt.target.Hostname()))
		if err != nil {
			return nil, connectError(parent, addr, err)
		}
	}
	return nc, nil
}

// connectError wraps a dial failure. Cancellation of the execution is
// returned as is so the engine can report it.
func connectError(parent context.Context, addr string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("connect timeout: %w", err)
	}
	return &ConnectError{Addr: addr, Err: err}
}

func (c *Client) dialTCP(ctx context.Context, d Dialer, addr string) (net.Conn, error) {
	tr := hooks(ctx)
	tr.ConnectStart("tcp", addr)
	nc, err := d.DialContext(ctx, "tcp", addr)
	tr.ConnectDone("tcp", addr, err)
	return nc, err
}

// tunnel opens a CONNECT tunnel to target over nc. A 407 is answered once
// with the proxy credentials on a fresh connection to the proxy.
func (c *Client) tunnel(ctx context.Context, nc net.Conn, p *ProxyServer, target string) (net.Conn, error) {
	ua := c.config.httpConfig.UserAgent
	err := connectTunnel(ctx, nc, target, p.preemptiveAuth(), ua)
	if err == nil {
		return nc, nil
	}
	_ = nc.Close()

	var pae *proxyAuthError
	realm := p.realm()
	if !errors.As(err, &pae) || realm == nil {
		return nil, err
	}

	state := newAuthState()
	if realm.Scheme == AuthAny || realm.Scheme == AuthBasic {
		state.answered[authProxy][AuthBasic] = p.preemptiveAuth() != ""
	}
	ans, ok, aerr := state.answer(authProxy, realm, parseChallenges(pae.challenges), http.MethodConnect, target, nil)
	if aerr != nil {
		return nil, aerr
	}
	if !ok || ans.pin {
		// NTLM needs the same connection, which the proxy closed.
		return nil, err
	}

	c.config.Logger.Debug().Str("proxy", p.String()).Str("scheme", ans.scheme.String()).Msg("answering proxy CONNECT challenge")

	nc, err = c.dialTCP(ctx, c.dialer, p.Address())
	if err != nil {
		return nil, err
	}
	if err := connectTunnel(ctx, nc, target, ans.value, ua); err != nil {
		_ = nc.Close()
		return nil, err
	}
	return nc, nil
}

func (c *Client) handshake(ctx context.Context, nc net.Conn, serverName string) (net.Conn, error) {
	tr := hooks(ctx)
	tr.TLSHandshakeStart()
	tc := tls.Client(nc, c.config.buildTLSConfig(serverName))
	err := tc.HandshakeContext(ctx)
	tr.TLSHandshakeDone(tc.ConnectionState(), err)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	return tc, nil
}
