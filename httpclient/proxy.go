package httpclient

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/proxy"
)

// ProxyProtocol selects how requests reach the proxy.
type ProxyProtocol int

const (
	// ProxyHTTP forwards plain requests in absolute form and tunnels HTTPS
	// requests with CONNECT.
	ProxyHTTP ProxyProtocol = iota

	// ProxySOCKS5 tunnels every request through a SOCKS5 proxy.
	ProxySOCKS5
)

// ProxyServer describes an outbound proxy.
//
// Example:
//
//	p := httpclient.NewProxyServer("127.0.0.1", 3128)
//	p.Principal, p.Password = "johndoe", "pass"
//
//	client := httpclient.New(httpclient.WithProxyServer(p))
type ProxyServer struct {
	Protocol ProxyProtocol
	Host     string
	Port     int

	// Principal and Password authenticate against the proxy. With Scheme
	// AuthBasic or AuthAny the Basic credentials are sent up front; Digest
	// and NTLM answer a 407 challenge.
	Principal string
	Password  string
	Scheme    AuthScheme

	NTLMDomain string
	NTLMHost   string

	// NonProxyHosts are hosts reached directly. A leading "*." matches any
	// subdomain.
	NonProxyHosts []string
}

// NewProxyServer returns an HTTP proxy at host:port.
func NewProxyServer(host string, port int) *ProxyServer {
	return &ProxyServer{Protocol: ProxyHTTP, Host: host, Port: port}
}

// Address returns the proxy "host:port".
func (p *ProxyServer) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// String returns the proxy as a URL.
func (p *ProxyServer) String() string {
	scheme := "http"
	if p.Protocol == ProxySOCKS5 {
		scheme = "socks5"
	}
	return scheme + "://" + p.Address()
}

// bypass reports whether host should be reached without the proxy.
func (p *ProxyServer) bypass(host string) bool {
	for _, h := range p.NonProxyHosts {
		if strings.HasPrefix(h, "*.") {
			if strings.HasSuffix(strings.ToLower(host), strings.ToLower(h[1:])) {
				return true
			}
			continue
		}
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}

func (p *ProxyServer) realm() *Realm {
	if p.Principal == "" {
		return nil
	}
	return &Realm{
		Principal:  p.Principal,
		Password:   p.Password,
		Scheme:     p.Scheme,
		NTLMDomain: p.NTLMDomain,
		NTLMHost:   p.NTLMHost,
	}
}

// preemptiveAuth returns the Proxy-Authorization value sent before any
// challenge, or "".
func (p *ProxyServer) preemptiveAuth() string {
	if p.Principal == "" || (p.Scheme != AuthAny && p.Scheme != AuthBasic) {
		return ""
	}
	return basicAuth(p.Principal, p.Password)
}

func basicAuth(principal, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(principal+":"+password))
}

// forwarding reports whether plain requests go to the proxy in absolute
// form on a connection to the proxy itself.
func (p *ProxyServer) forwarding(scheme string) bool {
	return p.Protocol == ProxyHTTP && !strings.EqualFold(scheme, "https")
}

// =============================================================================
// Tunnels
// =============================================================================

// proxyAuthError is returned by connectTunnel on a 407 so the caller
// can retry with credentials.
type proxyAuthError struct {
	challenges []string
}

func (e *proxyAuthError) Error() string {
	return "proxy authentication required"
}

// connectTunnel asks an HTTP proxy on conn to open a tunnel to target. A
// non-empty auth is sent as Proxy-Authorization.
func connectTunnel(ctx context.Context, conn net.Conn, target, auth, userAgent string) error {
	hdr := make(http.Header)
	if auth != "" {
		hdr.Set("Proxy-Authorization", auth)
	}
	if userAgent != "" {
		hdr.Set("User-Agent", userAgent)
	}
	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: hdr,
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(aLongTimeAgo)
	})
	defer stop()

	if err := connectReq.Write(conn); err != nil {
		return err
	}

	// The server will not speak until spoken to, so the buffered reader
	// holds nothing past the CONNECT response.
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusProxyAuthRequired:
		return &proxyAuthError{challenges: resp.Header.Values("Proxy-Authenticate")}
	default:
		return fmt.Errorf("proxy CONNECT %s: %s", target, resp.Status)
	}
}

// socksDialer returns a Dialer that reaches its targets through the SOCKS5
// proxy p, dialing p itself with forward.
func socksDialer(p *ProxyServer, forward Dialer) (Dialer, error) {
	var auth *proxy.Auth
	if p.Principal != "" {
		auth = &proxy.Auth{User: p.Principal, Password: p.Password}
	}
	d, err := proxy.SOCKS5("tcp", p.Address(), auth, dialerAdapter{forward})
	if err != nil {
		return nil, err
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("socks5 dialer does not support contexts")
	}
	return cd, nil
}

// dialerAdapter exposes a Dialer as a proxy.Dialer.
type dialerAdapter struct {
	Dialer
}

func (d dialerAdapter) Dial(network, address string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, address)
}
