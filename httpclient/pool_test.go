package httpclient

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kroma-labs/sentinel-async/internal/testserver"
)

func newTestPool(t *testing.T, cfg poolConfig) *connectionPool {
	t.Helper()

	p := newConnectionPool(cfg, zerolog.Nop(), nil)
	t.Cleanup(p.Close)
	return p
}

// pipeConn reserves a slot for key and attaches an in-memory connection.
func pipeConn(t *testing.T, p *connectionPool, key PoolKey) *conn {
	t.Helper()

	require.NoError(t, p.reserve(key))
	client, server := net.Pipe()
	t.Cleanup(func() { _ = server.Close() })

	c := newConn(client, key, 0, 0)
	p.attach(context.Background(), c)
	return c
}

func TestConnectionPool_Reserve(t *testing.T) {
	keyA := PoolKey{Scheme: "http", Host: "a.example", Port: 80}
	keyB := PoolKey{Scheme: "http", Host: "b.example", Port: 80}

	tests := []struct {
		name      string
		cfg       poolConfig
		reserve   []PoolKey
		wantErrAt int
	}{
		{
			name:      "given no caps, then every reservation succeeds",
			cfg:       poolConfig{},
			reserve:   []PoolKey{keyA, keyA, keyA, keyB},
			wantErrAt: -1,
		},
		{
			name:      "given per host cap, then other hosts are unaffected",
			cfg:       poolConfig{maxConnectionsPerHost: 1},
			reserve:   []PoolKey{keyA, keyB, keyA},
			wantErrAt: 2,
		},
		{
			name:      "given total cap, then rejects across hosts",
			cfg:       poolConfig{maxConnections: 2},
			reserve:   []PoolKey{keyA, keyB, keyB},
			wantErrAt: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPool(t, tt.cfg)

			for i, key := range tt.reserve {
				err := p.reserve(key)
				if i == tt.wantErrAt {
					require.ErrorIs(t, err, ErrPoolExhausted)
					assert.Equal(t, int64(1), p.stats().Exhausted)
					return
				}
				require.NoError(t, err)
			}
			assert.Equal(t, len(tt.reserve), p.stats().TotalConnections)
		})
	}
}

func TestConnectionPool_Unreserve(t *testing.T) {
	key := PoolKey{Scheme: "http", Host: "a.example", Port: 80}
	p := newTestPool(t, poolConfig{maxConnectionsPerHost: 1})

	require.NoError(t, p.reserve(key))
	p.unreserve(key)

	assert.NoError(t, p.reserve(key), "a failed dial frees its slot")
}

func TestConnectionPool_ReleaseAndAcquire(t *testing.T) {
	key := PoolKey{Scheme: "http", Host: "a.example", Port: 80}

	tests := []struct {
		name     string
		cfg      poolConfig
		reusable bool
		wantIdle int
	}{
		{
			name:     "given pooling on and reusable, then pools the connection",
			cfg:      poolConfig{poolPlain: true},
			reusable: true,
			wantIdle: 1,
		},
		{
			name:     "given pooling off, then closes the connection",
			cfg:      poolConfig{poolPlain: false, poolTLS: true},
			reusable: true,
			wantIdle: 0,
		},
		{
			name:     "given non reusable connection, then closes it",
			cfg:      poolConfig{poolPlain: true},
			reusable: false,
			wantIdle: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPool(t, tt.cfg)
			c := pipeConn(t, p, key)

			p.release(c, tt.reusable)

			s := p.stats()
			assert.Equal(t, tt.wantIdle, s.IdleConnections)
			assert.Equal(t, tt.wantIdle, s.TotalConnections)

			got := p.acquire(key)
			if tt.wantIdle == 0 {
				assert.Nil(t, got)
				return
			}
			require.Same(t, c, got)
			assert.True(t, got.reused)
			assert.Equal(t, 1, p.stats().ActiveConnections)
			_ = got.Close()
		})
	}
}

func TestConnectionPool_AcquireEvicts(t *testing.T) {
	key := PoolKey{Scheme: "http", Host: "a.example", Port: 80}

	t.Run("given peer closed the idle connection, then evicts it", func(t *testing.T) {
		p := newTestPool(t, poolConfig{poolPlain: true})
		require.NoError(t, p.reserve(key))
		client, server := net.Pipe()
		c := newConn(client, key, 0, 0)
		p.attach(context.Background(), c)
		p.release(c, true)

		require.NoError(t, server.Close())

		assert.Nil(t, p.acquire(key))
		assert.Equal(t, 0, p.stats().TotalConnections)
	})

	t.Run("given expired idle connection, then evicts it", func(t *testing.T) {
		p := newConnectionPool(poolConfig{poolPlain: true, idleTimeout: time.Hour}, zerolog.Nop(), nil)
		t.Cleanup(p.Close)
		c := pipeConn(t, p, key)
		p.release(c, true)

		p.mu.Lock()
		c.idleSince = time.Now().Add(-2 * time.Hour)
		p.mu.Unlock()

		assert.Nil(t, p.acquire(key))
		assert.Equal(t, 0, p.stats().TotalConnections)
	})
}

func TestConnectionPool_Sweep(t *testing.T) {
	key := PoolKey{Scheme: "http", Host: "a.example", Port: 80}
	p := newTestPool(t, poolConfig{poolPlain: true, idleTimeout: 20 * time.Millisecond})

	c := pipeConn(t, p, key)
	p.release(c, true)
	require.Equal(t, 1, p.stats().IdleConnections)

	assert.Eventually(t, func() bool {
		return p.stats().TotalConnections == 0
	}, time.Second, 10*time.Millisecond)
}

func TestConnectionPool_Close(t *testing.T) {
	key := PoolKey{Scheme: "http", Host: "a.example", Port: 80}
	p := newConnectionPool(poolConfig{poolPlain: true, idleTimeout: time.Minute}, zerolog.Nop(), nil)

	idle := pipeConn(t, p, key)
	inUse := pipeConn(t, p, key)
	p.release(idle, true)

	p.Close()
	p.Close()

	assert.Equal(t, 1, p.stats().TotalConnections, "in-use connections stay open")
	assert.ErrorIs(t, p.reserve(key), ErrClientClosed)

	p.release(inUse, true)
	assert.Equal(t, 0, p.stats().TotalConnections)
}

func TestPoolKey_String(t *testing.T) {
	tests := []struct {
		name string
		key  PoolKey
		want string
	}{
		{
			name: "given direct key, then scheme host and port",
			key:  PoolKey{Scheme: "https", Host: "api.example.com", Port: 443},
			want: "https://api.example.com:443",
		},
		{
			name: "given proxied key, then suffixes the proxy",
			key:  PoolKey{Scheme: "http", Host: "api.example.com", Port: 80, Proxy: "proxy:3128"},
			want: "http://api.example.com:80 via proxy:3128",
		},
		{
			name: "given IPv6 host, then brackets it",
			key:  PoolKey{Scheme: "http", Host: "::1", Port: 8080},
			want: "http://[::1]:8080",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.key.String())
		})
	}
}

// =============================================================================
// Pooling through the client
// =============================================================================

func TestClient_ConnectionReuse(t *testing.T) {
	tests := []struct {
		name       string
		useTLS     bool
		pooling    bool
		sslPooling bool
		path       string
		wantConns  int64
		wantIdle   int
	}{
		{name: "given pooling on, then reuses one connection", pooling: true, path: "/ok", wantConns: 1, wantIdle: 1},
		{name: "given pooling off, then dials per request", pooling: false, path: "/ok", wantConns: 3},
		{name: "given Connection close, then dials per request", pooling: true, path: "/close", wantConns: 3},
		{
			name:   "given TLS with SSL pooling on, then reuses one connection",
			useTLS: true, sslPooling: true, path: "/ok", wantConns: 1, wantIdle: 1,
		},
		{
			name:   "given TLS with SSL pooling off, then dials per request",
			useTLS: true, pooling: true, sslPooling: false, path: "/ok", wantConns: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			routes := func(r chi.Router) {
				r.Get("/ok", testserver.Text("ok"))
				r.With(testserver.CloseConnection).Get("/close", testserver.Text("ok"))
			}
			var srv *testserver.Server
			if tt.useTLS {
				srv = testserver.NewTLS(t, routes)
			} else {
				srv = testserver.New(t, routes)
			}
			client := newTestClient(t, func(cfg *Config) {
				cfg.AllowPoolingConnections = tt.pooling
				cfg.AllowPoolingSslConnections = tt.sslPooling
				cfg.AcceptAnyCertificate = tt.useTLS
			})

			for range 3 {
				resp, err := client.PrepareGet(srv.Endpoint(tt.path)).Execute(context.Background()).Get()
				require.NoError(t, err)
				require.Equal(t, "ok", resp.String())
			}

			assert.Equal(t, tt.wantConns, srv.Connections())
			assert.Equal(t, tt.wantIdle, client.PoolStats().IdleConnections)
		})
	}
}

func TestClient_StalePooledConnection(t *testing.T) {
	srv := testserver.New(t, func(r chi.Router) {
		r.Get("/ok", testserver.Text("ok"))
	})
	client := newTestClient(t, func(cfg *Config) { cfg.MaxRequestRetry = 0 })

	_, err := client.PrepareGet(srv.Endpoint("/ok")).Execute(context.Background()).Get()
	require.NoError(t, err)

	// Drop the server side of the pooled connection.
	srv.CloseClientConnections()

	resp, err := client.PrepareGet(srv.Endpoint("/ok")).Execute(context.Background()).Get()
	require.NoError(t, err, "a stale pooled connection is redialed")
	assert.Equal(t, "ok", resp.String())
	assert.Equal(t, int64(2), srv.Connections())
}

func TestClient_PoolExhausted(t *testing.T) {
	srv := testserver.New(t, func(r chi.Router) {
		r.With(testserver.Delay(200*time.Millisecond)).Get("/slow", testserver.Text("ok"))
	})
	client := newTestClient(t, func(cfg *Config) {
		cfg.MaxConnectionsPerHost = 1
		cfg.MaxRequestRetry = 0
	})

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.PrepareGet(srv.Endpoint("/slow")).Execute(context.Background()).Get()
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	var ok, exhausted int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		default:
			assert.ErrorIs(t, err, ErrPoolExhausted)
			exhausted++
		}
	}
	assert.GreaterOrEqual(t, ok, 1)
	assert.GreaterOrEqual(t, exhausted, 1)
	assert.Equal(t, int64(exhausted), client.PoolStats().Exhausted)
}

func TestPoolCollector(t *testing.T) {
	srv := testserver.New(t, func(r chi.Router) {
		r.Get("/ok", testserver.Text("ok"))
	})
	client := newTestClient(t, nil)

	_, err := client.PrepareGet(srv.Endpoint("/ok")).Execute(context.Background()).Get()
	require.NoError(t, err)

	pc := NewPoolCollector(client, "payments")
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(pc))

	expected := `
# HELP http_client_pool_connections Open connections, idle and in use.
# TYPE http_client_pool_connections gauge
http_client_pool_connections{client="payments"} 1
# HELP http_client_pool_idle_connections Pooled connections waiting for reuse.
# TYPE http_client_pool_idle_connections gauge
http_client_pool_idle_connections{client="payments"} 1
# HELP http_client_pool_active_connections Connections serving a request.
# TYPE http_client_pool_active_connections gauge
http_client_pool_active_connections{client="payments"} 0
# HELP http_client_pool_exhausted_total New connections refused because a pool cap was reached.
# TYPE http_client_pool_exhausted_total counter
http_client_pool_exhausted_total{client="payments"} 0
`
	err = testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"http_client_pool_connections",
		"http_client_pool_idle_connections",
		"http_client_pool_active_connections",
		"http_client_pool_exhausted_total",
	)
	assert.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "http_client_pool_host_connections")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, client.PoolStats().Hosts, srv.URL)
}

func TestClient_PoolStatsLatency(t *testing.T) {
	srv := testserver.New(t, func(r chi.Router) {
		r.Get("/ok", testserver.Text("ok"))
	})
	client := newTestClient(t, nil)

	for range 12 {
		_, err := client.PrepareGet(srv.Endpoint("/ok")).Execute(context.Background()).Get()
		require.NoError(t, err)
	}

	host := strings.TrimPrefix(srv.URL, "http://")
	stats := client.PoolStats()
	require.Contains(t, stats.Latency, host)
	assert.Positive(t, stats.Latency[host].P50)

	n, err := testutil.GatherAndCount(registerCollector(t, client), "http_client_host_response_seconds")
	require.NoError(t, err)
	assert.Equal(t, 3, n, "one sample per quantile")
}

func registerCollector(t *testing.T, client *Client) *prometheus.Registry {
	t.Helper()

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(NewPoolCollector(client, "test")))
	return reg
}
