package httpclient

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedirectRequest_Credentials(t *testing.T) {
	const (
		serverAuth = "Basic dXNlcjpwYXNz"
		proxyAuth  = "Basic cHJveHk6c2VjcmV0"
	)

	tests := []struct {
		name      string
		location  string
		wantAuth  string
		wantProxy string
	}{
		{
			name:     "given same origin, then keeps Authorization and drops Proxy-Authorization",
			location: "http://a.example/y",
			wantAuth: serverAuth,
		},
		{
			name:     "given other host, then drops both",
			location: "http://b.example/y",
		},
		{
			name:     "given https target, then drops both",
			location: "https://b.example/y",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := NewRequestBuilder(http.MethodGet, "http://a.example/x").
				Header("Authorization", serverAuth).
				Header("Proxy-Authorization", proxyAuth).
				Build()
			require.NoError(t, err)
			resp := &http.Response{
				StatusCode: http.StatusFound,
				Header:     http.Header{"Location": {tt.location}},
			}
			current, err := url.Parse("http://a.example/x")
			require.NoError(t, err)

			next, err := redirectRequest(req, current, resp, false)

			require.NoError(t, err)
			assert.Equal(t, tt.wantAuth, next.Header().Get("Authorization"))
			assert.Equal(t, tt.wantProxy, next.Header().Get("Proxy-Authorization"))
			assert.Equal(t, proxyAuth, req.Header().Get("Proxy-Authorization"), "original request is unchanged")
		})
	}
}

func TestPrepareHeader_ProxyAuthorization(t *testing.T) {
	proxy := NewProxyServer("127.0.0.1", 3128)
	proxy.Principal, proxy.Password, proxy.Scheme = "proxy", "secret", AuthBasic
	want := basicAuth("proxy", "secret")

	tests := []struct {
		name      string
		rawURL    string
		header    string
		wantProxy string
	}{
		{
			name:      "given forwarding proxy, then sends preemptive credentials",
			rawURL:    "http://origin.example/x",
			wantProxy: want,
		},
		{
			name:      "given forwarding proxy and answered challenge, then keeps the answer",
			rawURL:    "http://origin.example/x",
			header:    "Digest username=\"proxy\"",
			wantProxy: "Digest username=\"proxy\"",
		},
		{
			name:   "given tunnelled https target, then strips the header",
			rawURL: "https://origin.example/x",
			header: want,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, nil, WithProxyServer(proxy))
			rb := NewRequestBuilder(http.MethodGet, tt.rawURL)
			if tt.header != "" {
				rb = rb.Header("Proxy-Authorization", tt.header)
			}
			req, err := rb.Build()
			require.NoError(t, err)

			e := newExecution[*Response](client, req, NewResponseHandler(), func() {})
			t.Cleanup(e.timeout.stop)
			rt := client.route(req)

			h := e.prepareHeader(context.Background(), req, rt, "/x", false, 0)

			assert.Equal(t, tt.wantProxy, h.Get("Proxy-Authorization"))
		})
	}

	t.Run("given proxy bypassed for the host, then strips the header", func(t *testing.T) {
		bypass := *proxy
		bypass.NonProxyHosts = []string{"origin.example"}
		client := newTestClient(t, nil, WithProxyServer(&bypass))
		req, err := NewRequestBuilder(http.MethodGet, "http://origin.example/x").
			Header("Proxy-Authorization", want).
			Build()
		require.NoError(t, err)

		e := newExecution[*Response](client, req, NewResponseHandler(), func() {})
		t.Cleanup(e.timeout.stop)
		rt := client.route(req)
		require.Nil(t, rt.proxy)

		h := e.prepareHeader(context.Background(), req, rt, "/x", false, 0)

		assert.Empty(t, h.Get("Proxy-Authorization"))
	})
}
