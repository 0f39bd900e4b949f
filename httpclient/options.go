package httpclient

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/kroma-labs/sentinel-async/uri"
)

const (
	// scope is the instrumentation scope name for OpenTelemetry.
	scope = "github.com/kroma-labs/sentinel-async/httpclient"

	// defaultMaxRedirects applies when Config.MaxRedirects is not positive.
	defaultMaxRedirects = 5

	// defaultUserAgent is sent when the request carries no User-Agent.
	defaultUserAgent = "sentinel-async/1.0"
)

// =============================================================================
// Config - Engine Configuration
// =============================================================================

// Config holds the engine configuration parameters.
// Use DefaultConfig() to get a properly initialized configuration,
// then modify specific fields as needed.
//
// Example:
//
//	cfg := httpclient.DefaultConfig()
//	cfg.RequestTimeout = 5 * time.Second
//	cfg.MaxConnectionsPerHost = 25
//
//	client := httpclient.New(
//	    httpclient.WithConfig(cfg),
//	    httpclient.WithServiceName("payment-service"),
//	)
type Config struct {
	// =======================================================================
	// Timeouts
	// =======================================================================

	// ConnectTimeout bounds establishing a connection: the TCP dial, the
	// proxy CONNECT exchange and the TLS handshake.
	//
	// Example:
	//   - Internal services: 2-5s
	//   - External APIs: 5-10s
	//
	// Default: 5s
	ConnectTimeout time.Duration

	// RequestTimeout bounds a whole execution, including redirects, auth
	// rounds and retries. When it elapses the Future fails with a
	// *TimeoutError and the connection is closed.
	//
	// Zero or negative means no timeout. A Request may override it.
	//
	// Default: 60s
	RequestTimeout time.Duration

	// PooledConnectionIdleTimeout is how long an idle connection stays in
	// the pool. Set it below the server's keep-alive timeout to avoid
	// reusing connections the server is about to close.
	//
	// Example:
	//   - Most services: 60s (default)
	//   - AWS ALB default: 60s (set to 55s to close before ALB does)
	//
	// Default: 60s
	PooledConnectionIdleTimeout time.Duration

	// ExpectContinueTimeout is how long to wait for "100 Continue" after
	// sending a request with "Expect: 100-continue". The body is sent
	// anyway when it elapses.
	//
	// Default: 1s
	ExpectContinueTimeout time.Duration

	// =======================================================================
	// Retry and Redirect Settings
	// =======================================================================

	// MaxRequestRetry is the number of extra tries after a transport
	// failure that happened before the response reached the handler.
	// Zero disables retries.
	//
	// Default: 5
	MaxRequestRetry int

	// MaxRedirects caps how often one execution is replayed, counting
	// redirects, auth challenges and filter replays together.
	// Zero or negative uses the default.
	//
	// Default: 5
	MaxRedirects int

	// FollowRedirect makes the client follow 301, 302, 303, 307 and 308
	// responses. A Request may override it.
	//
	// Default: false
	FollowRedirect bool

	// Strict302Handling keeps the method and body on 301 and 302 instead of
	// switching to GET.
	//
	// Default: false
	Strict302Handling bool

	// =======================================================================
	// Connection Pool Settings
	// =======================================================================

	// AllowPoolingConnections keeps plain connections alive for reuse.
	//
	// Default: true
	AllowPoolingConnections bool

	// AllowPoolingSslConnections keeps TLS connections alive for reuse.
	//
	// Default: true
	AllowPoolingSslConnections bool

	// MaxConnections limits open connections, idle and in use, across all
	// hosts. Zero means unlimited. When reached, new connections fail fast
	// with ErrPoolExhausted.
	//
	// Default: 0 (unlimited)
	MaxConnections int

	// MaxConnectionsPerHost limits open connections per pool key.
	// Zero means unlimited.
	//
	// Example:
	//   - Conservative: 20
	//   - Normal: 100 (default)
	//
	// Default: 100
	MaxConnectionsPerHost int

	// =======================================================================
	// TCP Dial Settings
	// =======================================================================

	// KeepAlive specifies the TCP keep-alive probe interval.
	//
	// Default: 30s
	KeepAlive time.Duration

	// FallbackDelay is the RFC 6555 "Happy Eyeballs" delay for dual-stack
	// connections. Negative disables it.
	//
	// Default: 300ms
	FallbackDelay time.Duration

	// =======================================================================
	// Buffer Settings
	// =======================================================================

	// WriteBufferSize is the per-connection write buffer size.
	//
	// Default: 64KB
	WriteBufferSize int

	// ReadBufferSize is the per-connection read buffer size. It is also the
	// largest body part delivered to handlers.
	//
	// Default: 64KB
	ReadBufferSize int

	// =======================================================================
	// Protocol Settings
	// =======================================================================

	// AcceptAnyCertificate skips server certificate verification.
	// Never use it in production.
	//
	// Default: false
	AcceptAnyCertificate bool

	// UseRawURL sends the URL path and query exactly as given. Otherwise
	// characters that are invalid in their component are escaped.
	//
	// Default: false
	UseRawURL bool

	// UserAgent is sent when a request carries no User-Agent header.
	//
	// Default: "sentinel-async/1.0"
	UserAgent string
}

// DefaultConfig returns a balanced configuration suitable for most use cases.
//
// Example:
//
//	// Use defaults as-is
//	client := httpclient.New(httpclient.WithConfig(httpclient.DefaultConfig()))
//
//	// Or customize specific fields
//	cfg := httpclient.DefaultConfig()
//	cfg.RequestTimeout = 10 * time.Second
//	client := httpclient.New(httpclient.WithConfig(cfg))
func DefaultConfig() Config {
	return Config{
		// Timeouts
		ConnectTimeout:              5 * time.Second,
		RequestTimeout:              60 * time.Second,
		PooledConnectionIdleTimeout: 60 * time.Second,
		ExpectContinueTimeout:       1 * time.Second,

		// Retry and redirects
		MaxRequestRetry:   5,
		MaxRedirects:      defaultMaxRedirects,
		FollowRedirect:    false,
		Strict302Handling: false,

		// Connection pool
		AllowPoolingConnections:    true,
		AllowPoolingSslConnections: true,
		MaxConnections:             0,
		MaxConnectionsPerHost:      100,

		// TCP dial settings
		KeepAlive:     30 * time.Second,
		FallbackDelay: 300 * time.Millisecond,

		// Buffers (64KB for good throughput)
		WriteBufferSize: 64 * 1024,
		ReadBufferSize:  64 * 1024,

		UserAgent: defaultUserAgent,
	}
}

// HighThroughputConfig returns a configuration optimized for many
// concurrent requests to the same downstream services.
//
// Key differences from DefaultConfig:
//   - Unlimited connections per host for burst handling
//   - Longer idle timeout to keep connections warm
//   - Larger buffers for better I/O throughput
//
// Example:
//
//	client := httpclient.New(
//	    httpclient.WithConfig(httpclient.HighThroughputConfig()),
//	    httpclient.WithServiceName("api-gateway"),
//	)
func HighThroughputConfig() Config {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 30 * time.Second
	cfg.PooledConnectionIdleTimeout = 120 * time.Second
	cfg.MaxConnectionsPerHost = 0 // Unlimited for bursts
	cfg.WriteBufferSize = 128 * 1024
	cfg.ReadBufferSize = 128 * 1024
	return cfg
}

// LowLatencyConfig returns a configuration for latency-sensitive callers
// that prefer failing fast to waiting.
//
// Key differences from DefaultConfig:
//   - Short connect and request timeouts
//   - A single retry
//   - Short 100-continue wait
//
// Example:
//
//	client := httpclient.New(
//	    httpclient.WithConfig(httpclient.LowLatencyConfig()),
//	    httpclient.WithServiceName("realtime-api"),
//	)
func LowLatencyConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectTimeout = 2 * time.Second
	cfg.RequestTimeout = 5 * time.Second
	cfg.ExpectContinueTimeout = 500 * time.Millisecond
	cfg.MaxRequestRetry = 1
	cfg.MaxConnectionsPerHost = 50
	cfg.KeepAlive = 15 * time.Second
	cfg.FallbackDelay = 150 * time.Millisecond
	cfg.WriteBufferSize = 32 * 1024
	cfg.ReadBufferSize = 32 * 1024
	return cfg
}

// ConservativeConfig returns a resource-conscious configuration for
// constrained environments or processes with many clients.
//
// Key differences from DefaultConfig:
//   - Low connection caps
//   - Short idle timeout to release sockets sooner
//   - Small buffers
//
// Example:
//
//	client := httpclient.New(
//	    httpclient.WithConfig(httpclient.ConservativeConfig()),
//	    httpclient.WithServiceName("lambda-handler"),
//	)
func ConservativeConfig() Config {
	cfg := DefaultConfig()
	cfg.RequestTimeout = 10 * time.Second
	cfg.PooledConnectionIdleTimeout = 30 * time.Second
	cfg.MaxRequestRetry = 2
	cfg.MaxConnections = 20
	cfg.MaxConnectionsPerHost = 5
	cfg.WriteBufferSize = 4 * 1024
	cfg.ReadBufferSize = 4 * 1024
	return cfg
}

// =============================================================================
// Internal Configuration
// =============================================================================

// internalConfig holds all configuration including engine and OTel settings.
type internalConfig struct {
	// Engine configuration
	httpConfig Config

	// === OpenTelemetry Configuration ===

	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	Metrics        *metrics

	// Propagators configures the context propagators.
	// Default: TraceContext + Baggage (W3C standard)
	Propagators propagation.TextMapPropagator

	// SpanNameFormatter formats span names from the request.
	// Default: "HTTP {method}"
	SpanNameFormatter SpanNameFormatter

	// ServiceName is added as "http.client.name" on spans and metrics.
	ServiceName string

	// === Logging ===

	Logger zerolog.Logger
	Debug  bool

	// === Transport ===

	TLSConfig *tls.Config
	Dialer    Dialer
	Chaos     *ChaosConfig
	Proxy     *ProxyServer

	// === Orchestration ===

	Realm           *Realm
	RequestFilters  []RequestFilter
	ResponseFilters []ResponseFilter

	// RetryBackOff builds the backoff for one attempt's retry loop.
	RetryBackOff        func() backoff.BackOff
	RetryMaxElapsedTime time.Duration
	RetryClassifier     RetryClassifier

	// BreakerConfig enables the per-host circuit breaker when set.
	BreakerConfig *BreakerConfig
}

// newConfig creates a new internal config with defaults and applies options.
func newConfig(opts ...Option) *internalConfig {
	cfg := &internalConfig{
		httpConfig:      DefaultConfig(),
		TracerProvider:  otel.GetTracerProvider(),
		MeterProvider:   otel.GetMeterProvider(),
		Logger:          zerolog.Nop(),
		RetryBackOff:    func() backoff.BackOff { return &backoff.ZeroBackOff{} },
		RetryClassifier: DefaultClassifier,
		Propagators: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.Debug {
		cfg.Logger = debugLogger.Level(zerolog.DebugLevel)
	}

	// Initialize tracer and meter after options are applied
	cfg.Tracer = cfg.TracerProvider.Tracer(scope)
	cfg.Meter = cfg.MeterProvider.Meter(scope)

	// Initialize metrics (ignore errors, will just be nil if fails)
	cfg.Metrics, _ = newMetrics(cfg.Meter)

	return cfg
}

// buildDialer returns the Dialer for direct connections, wrapped with chaos
// injection when configured.
func (cfg *internalConfig) buildDialer() Dialer {
	d := cfg.Dialer
	if d == nil {
		hc := cfg.httpConfig
		d = &net.Dialer{
			KeepAlive:     hc.KeepAlive,
			FallbackDelay: hc.FallbackDelay,
		}
	}
	if cfg.Chaos != nil {
		d = NewChaosDialer(d, *cfg.Chaos)
	}
	return d
}

// buildTLSConfig returns the TLS configuration for serverName.
func (cfg *internalConfig) buildTLSConfig(serverName string) *tls.Config {
	var tc *tls.Config
	if cfg.TLSConfig != nil {
		tc = cfg.TLSConfig.Clone()
	} else {
		tc = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if tc.ServerName == "" {
		tc.ServerName = serverName
	}
	if cfg.httpConfig.AcceptAnyCertificate {
		tc.InsecureSkipVerify = true //nolint:gosec // opt-in via AcceptAnyCertificate
	}
	// HTTP/1.1 only.
	tc.NextProtos = []string{"http/1.1"}
	return tc
}

func (cfg *internalConfig) poolConfig() poolConfig {
	hc := cfg.httpConfig
	return poolConfig{
		maxConnections:        hc.MaxConnections,
		maxConnectionsPerHost: hc.MaxConnectionsPerHost,
		idleTimeout:           hc.PooledConnectionIdleTimeout,
		poolPlain:             hc.AllowPoolingConnections,
		poolTLS:               hc.AllowPoolingSslConnections,
	}
}

func (cfg *internalConfig) encoder() uri.Encoder {
	if cfg.httpConfig.UseRawURL {
		return uri.NewEncoder(uri.Raw)
	}
	return uri.NewEncoder(uri.Fixing)
}

func (cfg *internalConfig) maxRedirects() int {
	if cfg.httpConfig.MaxRedirects <= 0 {
		return defaultMaxRedirects
	}
	return cfg.httpConfig.MaxRedirects
}

// baseAttributes returns common attributes for all spans and metrics.
func (cfg *internalConfig) baseAttributes() []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 1)
	if cfg.ServiceName != "" {
		attrs = append(attrs, attribute.String("http.client.name", cfg.ServiceName))
	}
	return attrs
}

// =============================================================================
// Options - Functional Options for Client Configuration
// =============================================================================

// SpanNameFormatter formats span names for a request.
//
// Default behavior produces: "HTTP {method}" (e.g., "HTTP GET")
type SpanNameFormatter func(method string, req *Request) string

// Option configures the HTTP client.
type Option func(*internalConfig)

// WithConfig sets the engine configuration.
// Use DefaultConfig(), HighThroughputConfig(), LowLatencyConfig(), or
// ConservativeConfig() as a starting point, then customize as needed.
//
// Example:
//
//	cfg := httpclient.DefaultConfig()
//	cfg.FollowRedirect = true
//
//	client := httpclient.New(
//	    httpclient.WithConfig(cfg),
//	)
func WithConfig(c Config) Option {
	return func(cfg *internalConfig) {
		cfg.httpConfig = c
	}
}

// WithServiceName sets an identifier for this client in traces and
// metrics, added as the "http.client.name" attribute.
//
// Example:
//
//	client := httpclient.New(
//	    httpclient.WithServiceName("order-service"),
//	)
func WithServiceName(name string) Option {
	return func(cfg *internalConfig) {
		cfg.ServiceName = name
	}
}

// WithTracerProvider sets a custom OpenTelemetry TracerProvider.
// If not called, the global provider from otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cfg *internalConfig) {
		cfg.TracerProvider = tp
	}
}

// WithMeterProvider sets a custom OpenTelemetry MeterProvider.
// If not called, the global provider from otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(cfg *internalConfig) {
		cfg.MeterProvider = mp
	}
}

// WithPropagators sets custom context propagators for trace context
// injection. By default, W3C TraceContext and Baggage are used.
func WithPropagators(p propagation.TextMapPropagator) Option {
	return func(cfg *internalConfig) {
		cfg.Propagators = p
	}
}

// WithSpanNameFormatter sets a custom function to generate span names.
//
// Example:
//
//	client := httpclient.New(
//	    httpclient.WithSpanNameFormatter(func(method string, r *httpclient.Request) string {
//	        return method + " " + r.URL().Path
//	    }),
//	)
func WithSpanNameFormatter(f SpanNameFormatter) Option {
	return func(cfg *internalConfig) {
		cfg.SpanNameFormatter = f
	}
}

// WithTLSConfig sets the TLS configuration used for HTTPS targets.
// ServerName is filled per target when empty.
//
// Example - Mutual TLS with client certificate:
//
//	cert, _ := tls.LoadX509KeyPair("client.crt", "client.key")
//	client := httpclient.New(
//	    httpclient.WithTLSConfig(&tls.Config{
//	        Certificates: []tls.Certificate{cert},
//	    }),
//	)
func WithTLSConfig(tlsCfg *tls.Config) Option {
	return func(cfg *internalConfig) {
		cfg.TLSConfig = tlsCfg
	}
}

// WithRealm sets the default credentials for 401 challenges. A Request may
// carry its own Realm.
//
// Example:
//
//	client := httpclient.New(
//	    httpclient.WithRealm(httpclient.DigestRealm("user", "passwd")),
//	)
func WithRealm(r *Realm) Option {
	return func(cfg *internalConfig) {
		cfg.Realm = r
	}
}

// WithProxyServer routes requests through p unless a Request sets its own
// proxy or p bypasses the target host.
func WithProxyServer(p *ProxyServer) Option {
	return func(cfg *internalConfig) {
		cfg.Proxy = p
	}
}

// WithDialer replaces the TCP dialer. The dialer sees the address of the
// target or of the proxy.
//
// Example:
//
//	client := httpclient.New(
//	    httpclient.WithDialer(&net.Dialer{Timeout: time.Second}),
//	)
func WithDialer(d Dialer) Option {
	return func(cfg *internalConfig) {
		cfg.Dialer = d
	}
}

// WithChaos injects dial latency and failures for resilience testing.
func WithChaos(c ChaosConfig) Option {
	return func(cfg *internalConfig) {
		cfg.Chaos = &c
	}
}

// WithRequestFilter appends a filter run before every attempt.
func WithRequestFilter(f RequestFilter) Option {
	return func(cfg *internalConfig) {
		cfg.RequestFilters = append(cfg.RequestFilters, f)
	}
}

// WithResponseFilter appends a filter run on every response head, before
// redirects and auth challenges are handled.
func WithResponseFilter(f ResponseFilter) Option {
	return func(cfg *internalConfig) {
		cfg.ResponseFilters = append(cfg.ResponseFilters, f)
	}
}

// WithRetryBackOff sets the wait between transport retries. newBackOff is
// called once per attempt since backoffs are stateful.
//
// Example:
//
//	client := httpclient.New(
//	    httpclient.WithRetryBackOff(func() backoff.BackOff {
//	        return httpclient.NewConstantBackOffWithJitter()
//	    }),
//	)
func WithRetryBackOff(newBackOff func() backoff.BackOff) Option {
	return func(cfg *internalConfig) {
		cfg.RetryBackOff = newBackOff
	}
}

// WithRetryConfig uses an exponential backoff shaped by rc between
// transport retries.
//
// Example:
//
//	client := httpclient.New(
//	    httpclient.WithRetryConfig(httpclient.ConservativeRetryConfig()),
//	)
func WithRetryConfig(rc RetryConfig) Option {
	return func(cfg *internalConfig) {
		cfg.RetryBackOff = rc.newBackOff
		cfg.RetryMaxElapsedTime = rc.MaxElapsedTime
	}
}

// WithRetryClassifier sets which transport errors are retried.
// Default: DefaultClassifier
func WithRetryClassifier(c RetryClassifier) Option {
	return func(cfg *internalConfig) {
		cfg.RetryClassifier = c
	}
}

// WithBreakerConfig enables a circuit breaker per target host.
//
// Example:
//
//	client := httpclient.New(
//	    httpclient.WithBreakerConfig(httpclient.DefaultBreakerConfig()),
//	)
func WithBreakerConfig(bc BreakerConfig) Option {
	return func(cfg *internalConfig) {
		cfg.BreakerConfig = &bc
	}
}

// WithLogger sets the logger for engine events. Default: disabled.
func WithLogger(l zerolog.Logger) Option {
	return func(cfg *internalConfig) {
		cfg.Logger = l
	}
}

// WithDebug logs every attempt, with a cURL reproduction, to stdout.
func WithDebug(enabled bool) Option {
	return func(cfg *internalConfig) {
		cfg.Debug = enabled
	}
}
