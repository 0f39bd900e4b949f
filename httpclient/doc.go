// Package httpclient provides an asynchronous HTTP/1.1 client with built-in
// resilience, observability, and OpenTelemetry instrumentation.
//
// # Features
//
//   - Non-blocking execution returning a Future, with streaming handler callbacks
//   - Connection pooling keyed by scheme, host, port and proxy
//   - Redirect following with RFC-compliant method rewriting
//   - Basic, Digest and NTLM authentication, preemptive or on challenge
//   - HTTP and SOCKS5 proxies, CONNECT tunnels for HTTPS targets
//   - Request and response filters, transport retries with backoff
//   - Per-host circuit breakers, optionally shared through Redis
//   - OpenTelemetry tracing and metrics, Prometheus pool gauges
//
// # Quick Start
//
// Build a request and wait for the buffered response:
//
//	client := httpclient.New(
//	    httpclient.WithServiceName("my-service"),
//	)
//	defer client.Close()
//
//	resp, err := client.PrepareGet("https://api.example.com/users").
//	    Query("page", "1").
//	    Execute(ctx).
//	    Get()
//
// Execute never blocks. The returned Future can be waited on, polled,
// cancelled, or observed with AddListener:
//
//	f := client.PreparePost(url).BodyJSON(order).Execute(ctx)
//	f.AddListener(func() { close(done) })
//
//	resp, err := f.GetTimeout(2 * time.Second)
//	if errors.Is(err, httpclient.ErrWaitTimeout) {
//	    f.Cancel()
//	}
//
// # Handlers
//
// Execute runs a request with any AsyncHandler. Callbacks receive the
// status, the headers and each body part of the final response, and may
// return Abort to stop reading:
//
//	h := httpclient.HandlerFuncs[int]{
//	    Status: func(s *httpclient.ResponseStatus) (httpclient.State, error) {
//	        code = s.StatusCode
//	        return httpclient.Abort, nil
//	    },
//	    Completed: func() (int, error) { return code, nil },
//	}
//	code, err := httpclient.Execute(ctx, client, req, h).Get()
//
// NewBodyDeferringHandler and NewBodyDeferringReader expose the headers
// while the body is still streaming. TransferCompletionHandler reports
// upload and download progress to TransferListeners.
//
// # Redirects and Authentication
//
//	cfg := httpclient.DefaultConfig()
//	cfg.FollowRedirect = true
//	cfg.MaxRedirects = 10
//
//	client := httpclient.New(
//	    httpclient.WithConfig(cfg),
//	    httpclient.WithRealm(httpclient.DigestRealm("user", "passwd")),
//	)
//
// Redirects, answered challenges and filter replays of one execution all
// count against MaxRedirects.
//
// # Retry Configuration
//
// Transport failures that happen before the response reaches the handler
// are retried up to Config.MaxRequestRetry times:
//
//	client := httpclient.New(
//	    httpclient.WithRetryConfig(httpclient.DefaultRetryConfig()),
//	)
//
//	// Linear backoff: 50ms → 100ms → 150ms
//	client := httpclient.New(
//	    httpclient.WithRetryBackOff(func() backoff.BackOff {
//	        return httpclient.NewLinearBackOff()
//	    }),
//	)
//
// # Observability
//
// The client automatically emits:
//
// Metrics:
//   - http.client.request.duration (histogram)
//   - http.client.retry.attempts (counter)
//   - http.client.replays (counter, by redirect, auth_challenge, replay)
//   - http.client.open_connections (up-down counter)
//   - http.client.pool.exhausted (counter)
//
// Traces:
//   - One span per execution with method, URL, status code
//   - Redirect, auth challenge, replay and retry events
//   - Network timing events (connect, TLS, first byte)
//
// Register PoolCollector with a Prometheus registry to export live pool
// gauges.
//
// # Debug Utilities
//
// WithDebug logs every attempt to stdout, with a cURL command that
// reproduces it:
//
//	client := httpclient.New(httpclient.WithDebug(true))
package httpclient
