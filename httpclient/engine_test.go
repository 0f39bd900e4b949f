package httpclient

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kroma-labs/sentinel-async/internal/testserver"
)

// newTestClient returns a client closed at the end of the test.
func newTestClient(t *testing.T, mutate func(cfg *Config), opts ...Option) *Client {
	t.Helper()

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	c := New(append([]Option{WithConfig(cfg)}, opts...)...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func decodeEcho(t *testing.T, resp *Response) testserver.Echoed {
	t.Helper()

	var got testserver.Echoed
	require.NoError(t, resp.Decode(&got))
	return got
}

func TestExecute_Get(t *testing.T) {
	srv := testserver.New(t, func(r chi.Router) {
		r.Get("/echo", testserver.Echo)
	})
	client := newTestClient(t, nil)

	resp, err := client.PrepareGet(srv.Endpoint("/echo")).
		Query("q", "a b").
		Header("X-Trace", "abc").
		Execute(context.Background()).
		Get()

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, srv.Endpoint("/echo?q=a%20b"), resp.URI().String())

	got := decodeEcho(t, resp)
	assert.Equal(t, http.MethodGet, got.Method)
	assert.Equal(t, "q=a%20b", got.Query)
	assert.Equal(t, []string{"abc"}, got.Header["X-Trace"])
	assert.Equal(t, []string{"sentinel-async/1.0"}, got.Header["User-Agent"])
	assert.Equal(t, []string{"*/*"}, got.Header["Accept"])
}

func TestExecute_Post(t *testing.T) {
	srv := testserver.New(t, func(r chi.Router) {
		r.Post("/echo", testserver.Echo)
	})
	client := newTestClient(t, nil)

	tests := []struct {
		name            string
		build           func(rb *RequestBuilder) *RequestBuilder
		wantBody        string
		wantContentType string
		wantChunked     bool
	}{
		{
			name:            "given JSON body, then sends it with content length",
			build:           func(rb *RequestBuilder) *RequestBuilder { return rb.BodyJSON(map[string]string{"id": "1"}) },
			wantBody:        `{"id":"1"}`,
			wantContentType: "application/json",
		},
		{
			name: "given reader of unknown length, then sends it chunked",
			build: func(rb *RequestBuilder) *RequestBuilder {
				return rb.BodyReader(&oneShotReader{r: strings.NewReader("streamed body")}, -1)
			},
			wantBody:    "streamed body",
			wantChunked: true,
		},
		{
			name:            "given form params, then sends url encoded form",
			build:           func(rb *RequestBuilder) *RequestBuilder { return rb.FormParam("a", "1 2") },
			wantBody:        "a=1+2",
			wantContentType: "application/x-www-form-urlencoded",
		},
		{
			name:  "given no body, then sends zero content length",
			build: func(rb *RequestBuilder) *RequestBuilder { return rb },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := tt.build(client.PreparePost(srv.Endpoint("/echo"))).Execute(context.Background()).Get()
			require.NoError(t, err)

			got := decodeEcho(t, resp)
			assert.Equal(t, http.MethodPost, got.Method)
			assert.Equal(t, tt.wantBody, got.Body)
			if tt.wantContentType != "" {
				assert.Equal(t, []string{tt.wantContentType}, got.Header["Content-Type"])
			}
			// Go servers strip Transfer-Encoding and expose it via ContentLength only.
			if tt.wantChunked {
				assert.NotContains(t, got.Header, "Content-Length")
			}
		})
	}
}

func TestExecute_HandlerEvents(t *testing.T) {
	srv := testserver.New(t, func(r chi.Router) {
		r.Get("/stream", testserver.Streamed("alpha-", "beta-", "gamma"))
	})
	client := newTestClient(t, nil)
	req, err := NewRequestBuilder(http.MethodGet, srv.Endpoint("/stream")).Build()
	require.NoError(t, err)

	var (
		events []string
		body   strings.Builder
		lasts  int
	)
	h := HandlerFuncs[string]{
		Status: func(s *ResponseStatus) (State, error) {
			events = append(events, "status")
			assert.Equal(t, http.StatusOK, s.StatusCode)
			assert.Equal(t, "OK", s.StatusText)
			assert.NotNil(t, s.RemoteAddr)
			return Continue, nil
		},
		Headers: func(h http.Header) (State, error) {
			events = append(events, "headers")
			assert.Empty(t, h.Get("Content-Length"))
			return Continue, nil
		},
		BodyPart: func(p *BodyPart) (State, error) {
			if len(events) == 0 || events[len(events)-1] != "part" {
				events = append(events, "part")
			}
			body.Write(p.Bytes())
			if p.IsLast() {
				lasts++
			}
			return Continue, nil
		},
		Throwable: func(err error) { t.Errorf("unexpected throwable: %v", err) },
		Completed: func() (string, error) {
			events = append(events, "completed")
			return body.String(), nil
		},
	}

	got, err := Execute[string](context.Background(), client, req, h).Get()

	require.NoError(t, err)
	assert.Equal(t, "alpha-beta-gamma", got)
	assert.Equal(t, []string{"status", "headers", "part", "completed"}, events)
	assert.Equal(t, 1, lasts, "exactly one part is flagged last")
}

func TestExecute_Abort(t *testing.T) {
	srv := testserver.New(t, func(r chi.Router) {
		r.Get("/data", testserver.Text(strings.Repeat("x", 4096)))
	})

	tests := []struct {
		name  string
		h     HandlerFuncs[string]
		wantV string
	}{
		{
			name: "given abort on status, then completes without body",
			h: HandlerFuncs[string]{
				Status:    func(*ResponseStatus) (State, error) { return Abort, nil },
				BodyPart:  func(*BodyPart) (State, error) { t.Error("body after abort"); return Continue, nil },
				Completed: func() (string, error) { return "aborted", nil },
			},
			wantV: "aborted",
		},
		{
			name: "given abort on headers, then completes without body",
			h: HandlerFuncs[string]{
				Headers:   func(http.Header) (State, error) { return Abort, nil },
				BodyPart:  func(*BodyPart) (State, error) { t.Error("body after abort"); return Continue, nil },
				Completed: func() (string, error) { return "headers-only", nil },
			},
			wantV: "headers-only",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, nil)
			before := srv.Connections()

			got, err := ExecuteBuilder[string](context.Background(), client.PrepareGet(srv.Endpoint("/data")), tt.h).Get()

			require.NoError(t, err)
			assert.Equal(t, tt.wantV, got)

			// The aborted connection is closed, so the next request dials.
			_, err = client.PrepareGet(srv.Endpoint("/data")).Execute(context.Background()).Get()
			require.NoError(t, err)
			assert.Equal(t, before+2, srv.Connections())
		})
	}
}

func TestExecute_HandlerError(t *testing.T) {
	srv := testserver.New(t, func(r chi.Router) {
		r.Get("/data", testserver.Text("payload"))
	})
	client := newTestClient(t, nil)
	boom := errors.New("boom")

	var thrown []error
	h := HandlerFuncs[int]{
		BodyPart:  func(*BodyPart) (State, error) { return Abort, boom },
		Throwable: func(err error) { thrown = append(thrown, err) },
	}

	_, err := ExecuteBuilder[int](context.Background(), client.PrepareGet(srv.Endpoint("/data")), h).Get()

	require.ErrorIs(t, err, boom)
	assert.Len(t, thrown, 1)
	assert.Equal(t, 1, srv.Hits("/data"), "handler errors are not retried")
}

func TestExecute_Redirects(t *testing.T) {
	srv := testserver.New(t, func(r chi.Router) {
		r.HandleFunc("/echo", testserver.Echo)
		r.Head("/head-only", testserver.Status(http.StatusNoContent))
		r.HandleFunc("/found", testserver.Redirect(http.StatusFound, "/echo"))
		r.HandleFunc("/moved", testserver.Redirect(http.StatusMovedPermanently, "/echo"))
		r.HandleFunc("/see-other", testserver.Redirect(http.StatusSeeOther, "/echo"))
		r.HandleFunc("/see-other-head", testserver.Redirect(http.StatusSeeOther, "/head-only"))
		r.HandleFunc("/found-head", testserver.Redirect(http.StatusFound, "/head-only"))
		r.HandleFunc("/temporary", testserver.Redirect(http.StatusTemporaryRedirect, "/echo"))
		r.HandleFunc("/permanent", testserver.Redirect(http.StatusPermanentRedirect, "echo?from=308"))
	})

	tests := []struct {
		name       string
		method     string
		path       string
		strict302  bool
		wantStatus int
		wantMethod string
		wantBody   string
		wantQuery  string
	}{
		{
			name:       "given 302 on POST, then follows with GET and drops body",
			method:     http.MethodPost,
			path:       "/found",
			wantStatus: http.StatusOK,
			wantMethod: http.MethodGet,
		},
		{
			name:       "given 302 on POST with strict handling, then keeps method and body",
			method:     http.MethodPost,
			path:       "/found",
			strict302:  true,
			wantStatus: http.StatusOK,
			wantMethod: http.MethodPost,
			wantBody:   "payload",
		},
		{
			name:       "given 301 on POST, then follows with GET",
			method:     http.MethodPost,
			path:       "/moved",
			wantStatus: http.StatusOK,
			wantMethod: http.MethodGet,
		},
		{
			name:       "given 303 on PUT even when strict, then follows with GET",
			method:     http.MethodPut,
			path:       "/see-other",
			strict302:  true,
			wantStatus: http.StatusOK,
			wantMethod: http.MethodGet,
		},
		{
			name:       "given 303 on HEAD, then stays HEAD",
			method:     http.MethodHead,
			path:       "/see-other-head",
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "given 302 on HEAD, then stays HEAD",
			method:     http.MethodHead,
			path:       "/found-head",
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "given 307 on POST, then keeps method and body",
			method:     http.MethodPost,
			path:       "/temporary",
			wantStatus: http.StatusOK,
			wantMethod: http.MethodPost,
			wantBody:   "payload",
		},
		{
			name:       "given 308 with relative location, then resolves it",
			method:     http.MethodPut,
			path:       "/permanent",
			wantStatus: http.StatusOK,
			wantMethod: http.MethodPut,
			wantBody:   "payload",
			wantQuery:  "from=308",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(cfg *Config) {
				cfg.FollowRedirect = true
				cfg.Strict302Handling = tt.strict302
			})

			rb := client.Prepare(tt.method, srv.Endpoint(tt.path))
			if tt.method != http.MethodHead {
				rb = rb.Body("payload")
			}
			resp, err := rb.Execute(context.Background()).Get()

			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantMethod == "" {
				return
			}
			got := decodeEcho(t, resp)
			assert.Equal(t, tt.wantMethod, got.Method)
			assert.Equal(t, tt.wantBody, got.Body)
			assert.Equal(t, tt.wantQuery, got.Query)
			assert.Equal(t, "/echo", resp.URI().Path)
		})
	}
}

func TestExecute_RedirectNotFollowed(t *testing.T) {
	srv := testserver.New(t, func(r chi.Router) {
		r.Get("/found", testserver.Redirect(http.StatusFound, "/target"))
		r.Get("/target", testserver.Text("target"))
	})

	tests := []struct {
		name       string
		clientOn   bool
		override   *bool
		wantStatus int
	}{
		{name: "given redirects off, then delivers the 302", wantStatus: http.StatusFound},
		{name: "given request override on, then follows", override: ptr(true), wantStatus: http.StatusOK},
		{name: "given request override off, then delivers the 302", clientOn: true, override: ptr(false), wantStatus: http.StatusFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(cfg *Config) { cfg.FollowRedirect = tt.clientOn })

			rb := client.PrepareGet(srv.Endpoint("/found"))
			if tt.override != nil {
				rb = rb.FollowRedirect(*tt.override)
			}
			resp, err := rb.Execute(context.Background()).Get()

			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantStatus == http.StatusFound {
				assert.Equal(t, "/target", resp.Header.Get("Location"))
			}
		})
	}
}

func ptr[T any](v T) *T {
	return &v
}

func TestExecute_TooManyRedirects(t *testing.T) {
	srv := testserver.New(t, func(r chi.Router) {
		r.Get("/loop", testserver.Redirect(http.StatusFound, "/loop"))
	})
	client := newTestClient(t, func(cfg *Config) {
		cfg.FollowRedirect = true
		cfg.MaxRedirects = 3
	})

	var thrown atomic.Int32
	h := HandlerFuncs[struct{}]{Throwable: func(error) { thrown.Add(1) }}

	_, err := ExecuteBuilder[struct{}](context.Background(), client.PrepareGet(srv.Endpoint("/loop")), h).Get()

	require.ErrorIs(t, err, ErrTooManyRedirects)
	assert.Equal(t, "too many redirects: maximum redirect reached: 3", err.Error())
	assert.Equal(t, 4, srv.Hits("/loop"))
	assert.Equal(t, int32(1), thrown.Load())
}

func TestExecute_RedirectAcrossOrigins(t *testing.T) {
	other := testserver.New(t, func(r chi.Router) {
		r.Get("/echo", testserver.Echo)
	})
	srv := testserver.New(t, func(r chi.Router) {
		r.With(testserver.SetCookie("session", "abc")).
			Get("/login", testserver.Redirect(http.StatusFound, "/me"))
		r.Get("/me", testserver.Echo)
		r.Get("/away", testserver.Redirect(http.StatusFound, other.Endpoint("/echo")))
	})
	client := newTestClient(t, func(cfg *Config) { cfg.FollowRedirect = true })

	t.Run("given Set-Cookie on redirect, then sends the cookie on", func(t *testing.T) {
		resp, err := client.PrepareGet(srv.Endpoint("/login")).Execute(context.Background()).Get()
		require.NoError(t, err)

		got := decodeEcho(t, resp)
		assert.Equal(t, []string{"session=abc"}, got.Header["Cookie"])
	})

	t.Run("given redirect to another origin, then drops Authorization", func(t *testing.T) {
		resp, err := client.PrepareGet(srv.Endpoint("/away")).
			Header("Authorization", "Bearer secret").
			Header("X-Keep", "1").
			Execute(context.Background()).
			Get()
		require.NoError(t, err)

		got := decodeEcho(t, resp)
		assert.NotContains(t, got.Header, "Authorization")
		assert.Equal(t, []string{"1"}, got.Header["X-Keep"])
	})
}

func TestExecute_BodyNotReplayable(t *testing.T) {
	srv := testserver.New(t, func(r chi.Router) {
		r.Post("/temporary", testserver.Redirect(http.StatusTemporaryRedirect, "/echo"))
		r.Post("/echo", testserver.Echo)
	})
	client := newTestClient(t, func(cfg *Config) { cfg.FollowRedirect = true })

	_, err := client.PreparePost(srv.Endpoint("/temporary")).
		Body(&oneShotReader{r: strings.NewReader("once")}).
		Execute(context.Background()).
		Get()

	require.ErrorIs(t, err, ErrBodyNotReplayable)
	assert.Equal(t, 0, srv.Hits("/echo"))
}

// =============================================================================
// Authentication
// =============================================================================

func TestExecute_Auth(t *testing.T) {
	srv := testserver.New(t, func(r chi.Router) {
		r.With(testserver.BasicAuth("test", "user", "pass")).Get("/basic", testserver.Text("basic ok"))
		r.With(testserver.DigestAuth("test", "user", "pass")).Get("/digest", testserver.Text("digest ok"))
		r.With(testserver.DigestAuth("test", "user", "pass")).Post("/digest", testserver.Echo)
		r.With(testserver.NTLMAuth("user")).Get("/ntlm", testserver.Text("ntlm ok"))
	})

	preemptive := BasicRealm("user", "pass")
	preemptive.UsePreemptiveAuth = true

	anyRealm := &Realm{Principal: "user", Password: "pass", Scheme: AuthAny}

	tests := []struct {
		name       string
		method     string
		path       string
		realm      *Realm
		wantStatus int
		wantBody   string
		wantHits   int
	}{
		{
			name:       "given basic challenge, then answers once",
			path:       "/basic",
			realm:      BasicRealm("user", "pass"),
			wantStatus: http.StatusOK,
			wantBody:   "basic ok",
			wantHits:   2,
		},
		{
			name:       "given preemptive basic, then skips the challenge",
			path:       "/basic",
			realm:      preemptive,
			wantStatus: http.StatusOK,
			wantBody:   "basic ok",
			wantHits:   1,
		},
		{
			name:       "given wrong password, then delivers the second 401",
			path:       "/basic",
			realm:      BasicRealm("user", "wrong"),
			wantStatus: http.StatusUnauthorized,
			wantHits:   2,
		},
		{
			name:       "given no realm, then delivers the 401",
			path:       "/basic",
			wantStatus: http.StatusUnauthorized,
			wantHits:   1,
		},
		{
			name:       "given digest challenge, then answers with digest",
			path:       "/digest",
			realm:      DigestRealm("user", "pass"),
			wantStatus: http.StatusOK,
			wantBody:   "digest ok",
			wantHits:   2,
		},
		{
			name:       "given digest on POST, then replays the body",
			method:     http.MethodPost,
			path:       "/digest",
			realm:      DigestRealm("user", "pass"),
			wantStatus: http.StatusOK,
			wantHits:   2,
		},
		{
			name:       "given any scheme and digest challenge, then answers digest",
			path:       "/digest",
			realm:      anyRealm,
			wantStatus: http.StatusOK,
			wantBody:   "digest ok",
			wantHits:   2,
		},
		{
			name:       "given basic realm and digest challenge, then delivers the 401",
			path:       "/digest",
			realm:      BasicRealm("user", "pass"),
			wantStatus: http.StatusUnauthorized,
			wantHits:   1,
		},
		{
			name:       "given NTLM challenge, then completes the handshake",
			path:       "/ntlm",
			realm:      NTLMRealm("user", "pass", "DOMAIN", "HOST"),
			wantStatus: http.StatusOK,
			wantBody:   "ntlm ok",
			wantHits:   3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, nil)
			hitsBefore := srv.Hits(tt.path)

			method := tt.method
			if method == "" {
				method = http.MethodGet
			}
			rb := client.Prepare(method, srv.Endpoint(tt.path))
			if tt.realm != nil {
				rb = rb.Realm(tt.realm)
			}
			if method == http.MethodPost {
				rb = rb.Body("signed payload")
			}
			resp, err := rb.Execute(context.Background()).Get()

			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantHits, srv.Hits(tt.path)-hitsBefore)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, resp.String())
			}
			if method == http.MethodPost {
				assert.Equal(t, "signed payload", decodeEcho(t, resp).Body)
			}
		})
	}
}

func TestExecute_NTLMUsesOneConnection(t *testing.T) {
	srv := testserver.New(t, func(r chi.Router) {
		r.With(testserver.NTLMAuth("user")).Get("/ntlm", testserver.Text("ntlm ok"))
	})
	client := newTestClient(t, nil, WithRealm(NTLMRealm("user", "pass", "", "")))

	resp, err := client.PrepareGet(srv.Endpoint("/ntlm")).Execute(context.Background()).Get()

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(1), srv.Connections())
}

// =============================================================================
// Cancellation and Timeouts
// =============================================================================

func TestExecute_Cancel(t *testing.T) {
	srv := testserver.New(t, func(r chi.Router) {
		r.With(testserver.Delay(5*time.Second)).Get("/slow", testserver.Text("late"))
	})
	client := newTestClient(t, nil)

	t.Run("given Future.Cancel, then resolves cancelled", func(t *testing.T) {
		var thrown atomic.Int32
		h := HandlerFuncs[string]{Throwable: func(err error) {
			assert.ErrorIs(t, err, ErrCancelled)
			thrown.Add(1)
		}}
		f := ExecuteBuilder[string](context.Background(), client.PrepareGet(srv.Endpoint("/slow")), h)
		require.Eventually(t, func() bool { return srv.Hits("/slow") == 1 }, time.Second, 5*time.Millisecond)

		assert.True(t, f.Cancel())
		_, err := f.Get()

		require.ErrorIs(t, err, ErrCancelled)
		assert.Equal(t, StateCancelled, f.State())
		assert.False(t, f.Cancel(), "second cancel is a no-op")
		assert.Eventually(t, func() bool { return thrown.Load() == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("given cancelled context, then fails with ErrCancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		f := client.PrepareGet(srv.Endpoint("/slow")).Execute(ctx)
		require.Eventually(t, func() bool { return srv.Hits("/slow") == 2 }, time.Second, 5*time.Millisecond)

		cancel()
		_, err := f.Get()

		require.ErrorIs(t, err, ErrCancelled)
		assert.Equal(t, StateFailed, f.State())
	})
}

func TestExecute_Timeout(t *testing.T) {
	srv := testserver.New(t, func(r chi.Router) {
		r.With(testserver.Delay(2*time.Second)).Get("/slow", testserver.Text("late"))
		r.With(testserver.Delay(150*time.Millisecond)).Get("/hop1", testserver.Redirect(http.StatusFound, "/hop2"))
		r.With(testserver.Delay(150*time.Millisecond)).Get("/hop2", testserver.Text("arrived"))
	})

	tests := []struct {
		name          string
		clientTimeout time.Duration
		reqTimeout    time.Duration
		ctxTimeout    time.Duration
		path          string
		wantTimeout   bool
	}{
		{
			name:          "given client timeout, then fails with timeout",
			clientTimeout: 100 * time.Millisecond,
			path:          "/slow",
			wantTimeout:   true,
		},
		{
			name:          "given request timeout, then overrides the client",
			clientTimeout: time.Minute,
			reqTimeout:    100 * time.Millisecond,
			path:          "/slow",
			wantTimeout:   true,
		},
		{
			name:          "given request timeout across redirects, then bounds the whole chain",
			clientTimeout: time.Minute,
			reqTimeout:    250 * time.Millisecond,
			path:          "/hop1",
			wantTimeout:   true,
		},
		{
			name:          "given negative request timeout, then disables the client timeout",
			clientTimeout: 50 * time.Millisecond,
			reqTimeout:    -1,
			path:          "/hop2",
		},
		{
			name:          "given parent deadline, then fails with timeout",
			clientTimeout: time.Minute,
			ctxTimeout:    100 * time.Millisecond,
			path:          "/slow",
			wantTimeout:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(cfg *Config) {
				cfg.RequestTimeout = tt.clientTimeout
				cfg.FollowRedirect = true
			})

			ctx := context.Background()
			if tt.ctxTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, tt.ctxTimeout)
				defer cancel()
			}

			var (
				mu     sync.Mutex
				thrown []error
			)
			h := HandlerFuncs[string]{
				Throwable: func(err error) {
					mu.Lock()
					thrown = append(thrown, err)
					mu.Unlock()
				},
				Completed: func() (string, error) { return "done", nil },
			}

			rb := client.PrepareGet(srv.Endpoint(tt.path))
			if tt.reqTimeout != 0 {
				rb = rb.Timeout(tt.reqTimeout)
			}
			start := time.Now()
			got, err := ExecuteBuilder[string](ctx, rb, h).Get()

			if !tt.wantTimeout {
				require.NoError(t, err)
				assert.Equal(t, "done", got)
				return
			}
			require.Error(t, err)
			assert.True(t, IsTimeout(err))
			assert.Equal(t, "Timeout exceeded", err.Error())
			assert.Less(t, time.Since(start), time.Second)

			mu.Lock()
			defer mu.Unlock()
			require.Len(t, thrown, 1, "OnThrowable is called exactly once")
			var te *TimeoutError
			assert.ErrorAs(t, thrown[0], &te)
		})
	}
}

// =============================================================================
// Transport Failures
// =============================================================================

func TestExecute_RemotelyClosedMidBody(t *testing.T) {
	srv := testserver.New(t, func(r chi.Router) {
		r.Get("/truncated", testserver.Truncated(100, "partial"))
	})
	client := newTestClient(t, nil)

	var received strings.Builder
	h := HandlerFuncs[string]{
		BodyPart: func(p *BodyPart) (State, error) {
			received.Write(p.Bytes())
			return Continue, nil
		},
	}

	_, err := ExecuteBuilder[string](context.Background(), client.PrepareGet(srv.Endpoint("/truncated")), h).Get()

	require.ErrorIs(t, err, ErrRemotelyClosed)
	assert.Equal(t, "partial", received.String())
	assert.Equal(t, 1, srv.Hits("/truncated"), "nothing is retried once the response was delivered")
}

func TestExecute_RetryBeforeResponse(t *testing.T) {
	var calls atomic.Int32
	srv := testserver.New(t, func(r chi.Router) {
		r.Get("/flaky", func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) <= 2 {
				hangUp(w)
				return
			}
			testserver.Text("recovered")(w, r)
		})
	})

	tests := []struct {
		name      string
		maxRetry  int
		wantErr   error
		wantCalls int32
	}{
		{name: "given enough retries, then recovers", maxRetry: 3, wantCalls: 3},
		{name: "given too few retries, then fails remotely closed", maxRetry: 1, wantErr: ErrRemotelyClosed, wantCalls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls.Store(0)
			client := newTestClient(t, func(cfg *Config) { cfg.MaxRequestRetry = tt.maxRetry })

			resp, err := client.PrepareGet(srv.Endpoint("/flaky")).Execute(context.Background()).Get()

			assert.Equal(t, tt.wantCalls, calls.Load())
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "recovered", resp.String())
		})
	}
}

// hangUp closes the connection without answering.
func hangUp(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		return
	}
	c, _, err := hj.Hijack()
	if err == nil {
		_ = c.Close()
	}
}

// countingDialer counts dial attempts.
type countingDialer struct {
	net.Dialer
	dials atomic.Int32
}

func (d *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.dials.Add(1)
	return d.Dialer.DialContext(ctx, network, address)
}

func TestExecute_ConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	d := &countingDialer{}
	client := newTestClient(t, func(cfg *Config) { cfg.MaxRequestRetry = 2 }, WithDialer(d))

	_, err = client.PrepareGet("http://" + addr + "/").Execute(context.Background()).Get()

	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, addr, ce.Addr)
	assert.Equal(t, int32(3), d.dials.Load())
}

func TestExecute_ExpectContinue(t *testing.T) {
	srv := testserver.New(t, func(r chi.Router) {
		r.Post("/echo", testserver.Echo)
		r.With(testserver.BasicAuth("test", "user", "pass")).Post("/guarded", testserver.Echo)
	})
	client := newTestClient(t, nil)

	t.Run("given 100-continue, then sends the body", func(t *testing.T) {
		resp, err := client.PreparePost(srv.Endpoint("/echo")).
			Header("Expect", "100-continue").
			Body("large upload").
			Execute(context.Background()).
			Get()
		require.NoError(t, err)

		assert.Equal(t, "large upload", decodeEcho(t, resp).Body)
	})

	t.Run("given early final status, then delivers it without the body", func(t *testing.T) {
		resp, err := client.PreparePost(srv.Endpoint("/guarded")).
			Header("Expect", "100-continue").
			Body("never sent").
			Execute(context.Background()).
			Get()
		require.NoError(t, err)

		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestExecute_ClosedClient(t *testing.T) {
	client := New()
	require.NoError(t, client.Close())
	require.NoError(t, client.Close(), "close is idempotent")

	var thrown error
	h := HandlerFuncs[int]{Throwable: func(err error) { thrown = err }}
	req, err := NewRequestBuilder(http.MethodGet, "http://example.com").Build()
	require.NoError(t, err)

	f := Execute[int](context.Background(), client, req, h)

	_, err = f.Get()
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.ErrorIs(t, thrown, ErrClientClosed)
	assert.True(t, client.IsClosed())
}

func TestExecute_Concurrent(t *testing.T) {
	srv := testserver.New(t, func(r chi.Router) {
		r.Get("/echo", testserver.Echo)
	})
	client := newTestClient(t, nil)

	const n = 20
	futures := make([]*Future[*Response], n)
	for i := range futures {
		futures[i] = client.PrepareGet(srv.Endpoint("/echo")).Execute(context.Background())
	}

	for _, f := range futures {
		resp, err := f.Get()
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	assert.Equal(t, n, srv.Hits("/echo"))
	assert.LessOrEqual(t, srv.Connections(), int64(n))
}
