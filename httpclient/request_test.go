package httpclient

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestBuilder_URL(t *testing.T) {
	tests := []struct {
		name    string
		rawURL  string
		wantErr string
		wantURL string
	}{
		{
			name:    "given absolute http url, then builds",
			rawURL:  "http://example.com/users",
			wantURL: "http://example.com/users",
		},
		{
			name:    "given upper case scheme, then lowercases it",
			rawURL:  "HTTPS://example.com/",
			wantURL: "https://example.com/",
		},
		{
			name:    "given relative url, then fails",
			rawURL:  "/users",
			wantErr: "not absolute",
		},
		{
			name:    "given unsupported scheme, then fails",
			rawURL:  "ftp://example.com/file",
			wantErr: "unsupported scheme",
		},
		{
			name:    "given unparsable url, then fails",
			rawURL:  "http://[::1",
			wantErr: "missing ']'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := NewRequestBuilder(http.MethodGet, tt.rawURL).Build()

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantURL, req.URL().String())
		})
	}
}

func TestRequestBuilder_Method(t *testing.T) {
	req, err := NewRequestBuilder("propfind", "http://example.com").Build()
	require.NoError(t, err)
	assert.Equal(t, "PROPFIND", req.Method())

	req, err = NewRequestBuilder("", "http://example.com").Build()
	require.NoError(t, err)
	assert.Equal(t, http.MethodGet, req.Method(), "empty method defaults to GET")

	req, err = NewRequestBuilder(http.MethodGet, "http://example.com").Method("delete").Build()
	require.NoError(t, err)
	assert.Equal(t, http.MethodDelete, req.Method())
}

func TestRequestBuilder_Headers(t *testing.T) {
	req, err := NewRequestBuilder(http.MethodGet, "http://example.com").
		Header("X-Single", "one").
		Header("X-Single", "two").
		AddHeader("X-Multi", "a").
		AddHeader("X-Multi", "b").
		Headers(map[string]string{"X-Map": "m"}).
		Build()
	require.NoError(t, err)

	h := req.Header()
	assert.Equal(t, []string{"two"}, h.Values("X-Single"))
	assert.Equal(t, []string{"a", "b"}, h.Values("X-Multi"))
	assert.Equal(t, "m", h.Get("X-Map"))

	h.Set("X-Single", "mutated")
	assert.Equal(t, "two", req.Header().Get("X-Single"), "Header returns a copy")
}

func TestRequestBuilder_Query(t *testing.T) {
	req, err := NewRequestBuilder(http.MethodGet, "http://example.com/search?fixed=1").
		Query("q", "go lang").
		Query("tag", "a").
		Query("tag", "b").
		Build()
	require.NoError(t, err)

	q := req.QueryParams()
	v, ok := q.Get("q")
	assert.True(t, ok)
	assert.Equal(t, "go lang", v)
	assert.Equal(t, "q=go%20lang&tag=a&tag=b", q.Encode())
	assert.Equal(t, "fixed=1", req.URL().RawQuery, "URL keeps its own query only")
}

func TestRequestBuilder_Body(t *testing.T) {
	type payload struct {
		Name string `json:"name" xml:"name"`
	}

	tests := []struct {
		name            string
		build           func(rb *RequestBuilder) *RequestBuilder
		wantBody        string
		wantContentType string
		wantLength      int64
	}{
		{
			name:            "given string, then sends text",
			build:           func(rb *RequestBuilder) *RequestBuilder { return rb.Body("hello") },
			wantBody:        "hello",
			wantContentType: "text/plain; charset=utf-8",
			wantLength:      5,
		},
		{
			name:            "given bytes, then sends octet stream",
			build:           func(rb *RequestBuilder) *RequestBuilder { return rb.Body([]byte{1, 2}) },
			wantBody:        "\x01\x02",
			wantContentType: "application/octet-stream",
			wantLength:      2,
		},
		{
			name: "given url.Values, then form encodes",
			build: func(rb *RequestBuilder) *RequestBuilder {
				return rb.Body(url.Values{"a": {"1"}})
			},
			wantBody:        "a=1",
			wantContentType: "application/x-www-form-urlencoded",
			wantLength:      3,
		},
		{
			name:            "given struct, then encodes JSON",
			build:           func(rb *RequestBuilder) *RequestBuilder { return rb.Body(payload{Name: "kroma"}) },
			wantBody:        `{"name":"kroma"}`,
			wantContentType: "application/json",
			wantLength:      16,
		},
		{
			name:            "given BodyXML, then encodes XML",
			build:           func(rb *RequestBuilder) *RequestBuilder { return rb.BodyXML(payload{Name: "kroma"}) },
			wantBody:        "<payload><name>kroma</name></payload>",
			wantContentType: "application/xml",
			wantLength:      37,
		},
		{
			name: "given explicit content type, then keeps it",
			build: func(rb *RequestBuilder) *RequestBuilder {
				return rb.Header("Content-Type", "application/vnd.api+json").BodyJSON(map[string]int{"a": 1})
			},
			wantBody:        `{"a":1}`,
			wantContentType: "application/vnd.api+json",
			wantLength:      7,
		},
		{
			name: "given reader with known length, then streams it",
			build: func(rb *RequestBuilder) *RequestBuilder {
				return rb.Body(strings.NewReader("streamed"))
			},
			wantBody:   "streamed",
			wantLength: 8,
		},
		{
			name: "given form params only, then sends form body",
			build: func(rb *RequestBuilder) *RequestBuilder {
				return rb.FormParam("user", "a b").FormParam("x", "1")
			},
			wantBody:        "user=a+b&x=1",
			wantContentType: "application/x-www-form-urlencoded",
			wantLength:      12,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := tt.build(NewRequestBuilder(http.MethodPost, "http://example.com")).Build()
			require.NoError(t, err)
			require.True(t, req.HasBody())

			r, n, _, err := req.body.open()
			require.NoError(t, err)
			data, err := io.ReadAll(r)
			require.NoError(t, err)

			assert.Equal(t, tt.wantBody, string(data))
			assert.Equal(t, tt.wantLength, n)
			assert.Equal(t, tt.wantContentType, req.Header().Get("Content-Type"))
		})
	}
}

func TestRequestBuilder_BodyJSON_Error(t *testing.T) {
	_, err := NewRequestBuilder(http.MethodPost, "http://example.com").
		BodyJSON(map[string]any{"ch": make(chan int)}).
		Build()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "encode json body")
}

func TestRequestBuilder_Options(t *testing.T) {
	realm := BasicRealm("user", "pass")
	proxy := NewProxyServer("proxy.local", 3128)
	cookie := &http.Cookie{Name: "session", Value: "abc"}

	req, err := NewRequestBuilder(http.MethodGet, "http://example.com").
		Realm(realm).
		Proxy(proxy).
		Timeout(3 * time.Second).
		FollowRedirect(true).
		Cookie(cookie).
		VirtualHost("virtual.example.com").
		Build()
	require.NoError(t, err)

	assert.Equal(t, "user", req.Realm().Principal)
	assert.NotSame(t, realm, req.Realm(), "realm is copied")
	assert.Same(t, proxy, req.Proxy())
	assert.Equal(t, 3*time.Second, req.Timeout())
	require.NotNil(t, req.followRedirect)
	assert.True(t, *req.followRedirect)
	assert.Equal(t, []*http.Cookie{cookie}, req.Cookies())
	assert.Equal(t, "virtual.example.com", req.VirtualHost())
	assert.Equal(t, "GET http://example.com", req.String())
}

func TestNewRequestBuilderFrom(t *testing.T) {
	orig, err := NewRequestBuilder(http.MethodPost, "http://example.com/a").
		Header("X-Trace", "1").
		Query("q", "1").
		Body("payload").
		Build()
	require.NoError(t, err)

	derived, err := NewRequestBuilderFrom(orig).
		Header("X-Trace", "2").
		Query("page", "2").
		Build()
	require.NoError(t, err)

	assert.Equal(t, "1", orig.Header().Get("X-Trace"), "original stays unchanged")
	assert.Equal(t, "q=1", orig.QueryParams().Encode())
	assert.Equal(t, "2", derived.Header().Get("X-Trace"))
	assert.Equal(t, "q=1&page=2", derived.QueryParams().Encode())
	assert.Equal(t, http.MethodPost, derived.Method())
	assert.Same(t, orig.body, derived.body, "body source is shared")
}

func TestRequestBuilder_MultipartWithBody(t *testing.T) {
	_, err := NewRequestBuilder(http.MethodPost, "http://example.com").
		Body("raw").
		FormField("a", "b").
		Build()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "both a body and multipart parts")
}

func TestRequestBuilder_Execute_Unbound(t *testing.T) {
	var thrown error
	h := HandlerFuncs[int]{Throwable: func(err error) { thrown = err }}

	f := ExecuteBuilder[int](context.Background(), NewRequestBuilder(http.MethodGet, "http://example.com"), h)

	_, err := f.Get()
	assert.ErrorIs(t, err, errNoClient)
	assert.ErrorIs(t, thrown, errNoClient)
	assert.Equal(t, StateFailed, f.State())
}

func TestRequestBuilder_Execute_BuildError(t *testing.T) {
	client := New()
	defer client.Close()

	_, err := client.PrepareGet("not a url").Execute(context.Background()).Get()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not absolute")
}
