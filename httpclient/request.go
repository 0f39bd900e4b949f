package httpclient

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/kroma-labs/sentinel-async/uri"
)

// Request is an immutable request description. Build one with a
// RequestBuilder; derive a modified copy with NewRequestBuilderFrom.
type Request struct {
	method         string
	url            *url.URL
	header         http.Header
	query          uri.Params
	form           uri.Params
	body           *requestBody
	realm          *Realm
	proxy          *ProxyServer
	timeout        time.Duration
	followRedirect *bool
	virtualHost    string
	cookies        []*http.Cookie
}

// Method returns the request method.
func (r *Request) Method() string {
	return r.method
}

// URL returns a copy of the request URL, without the query params added by
// the builder.
func (r *Request) URL() *url.URL {
	u := *r.url
	return &u
}

// Header returns a copy of the request headers.
func (r *Request) Header() http.Header {
	return r.header.Clone()
}

// QueryParams returns a copy of the query params appended to the URL.
func (r *Request) QueryParams() uri.Params {
	return r.query.Clone()
}

// FormParams returns a copy of the form params.
func (r *Request) FormParams() uri.Params {
	return r.form.Clone()
}

// Realm returns the request credentials, or nil to use the client's.
func (r *Request) Realm() *Realm {
	return r.realm.clone()
}

// Proxy returns the request proxy, or nil to use the client's.
func (r *Request) Proxy() *ProxyServer {
	return r.proxy
}

// Timeout returns the request timeout override. Zero means the client
// default; negative disables the timeout.
func (r *Request) Timeout() time.Duration {
	return r.timeout
}

// VirtualHost returns the Host header override, or "".
func (r *Request) VirtualHost() string {
	return r.virtualHost
}

// Cookies returns a copy of the request cookies.
func (r *Request) Cookies() []*http.Cookie {
	out := make([]*http.Cookie, len(r.cookies))
	copy(out, r.cookies)
	return out
}

// HasBody reports whether the request carries a body.
func (r *Request) HasBody() bool {
	return r.body != nil && r.body.kind != bodyNone
}

// String returns "METHOD URL".
func (r *Request) String() string {
	return r.method + " " + r.url.String()
}

// =============================================================================
// Request Builder
// =============================================================================

// RequestBuilder provides a fluent API for constructing requests.
//
// Create a RequestBuilder using Client.Prepare or one of its shortcuts:
//
//	resp, err := client.PreparePost("https://api.example.com/users").
//	    BodyJSON(user).
//	    Header("Idempotency-Key", key).
//	    Execute(ctx).
//	    Get()
type RequestBuilder struct {
	client *Client

	method         string
	url            *url.URL
	header         http.Header
	query          uri.Params
	form           uri.Params
	body           *requestBody
	realm          *Realm
	proxy          *ProxyServer
	timeout        time.Duration
	followRedirect *bool
	virtualHost    string
	cookies        []*http.Cookie
	parts          []*multipartPart

	// err holds the first URL or body encoding error. It is returned by
	// Build.
	err error
}

// errNoClient is returned when a standalone builder is executed directly.
var errNoClient = errors.New("request builder is not bound to a client, use Client.ExecuteRequest")

// NewRequestBuilder returns a builder not bound to a client. Build it and
// run it with Execute or Client.ExecuteRequest.
func NewRequestBuilder(method, rawURL string) *RequestBuilder {
	rb := &RequestBuilder{
		method: strings.ToUpper(method),
		header: make(http.Header),
	}
	return rb.URL(rawURL)
}

// NewRequestBuilderFrom returns a builder initialised with a copy of req.
func NewRequestBuilderFrom(req *Request) *RequestBuilder {
	return &RequestBuilder{
		method:         req.method,
		url:            req.URL(),
		header:         req.header.Clone(),
		query:          req.query.Clone(),
		form:           req.form.Clone(),
		body:           req.body,
		realm:          req.realm.clone(),
		proxy:          req.proxy,
		timeout:        req.timeout,
		followRedirect: req.followRedirect,
		virtualHost:    req.virtualHost,
		cookies:        req.Cookies(),
	}
}

// Method sets the request method.
func (rb *RequestBuilder) Method(method string) *RequestBuilder {
	rb.method = strings.ToUpper(method)
	return rb
}

// URL sets the request URL. It must be absolute.
func (rb *RequestBuilder) URL(rawURL string) *RequestBuilder {
	u, err := url.Parse(rawURL)
	if err != nil {
		rb.err = err
		return rb
	}
	if u.Scheme == "" || u.Host == "" {
		rb.err = fmt.Errorf("url %q is not absolute", rawURL)
		return rb
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		rb.err = fmt.Errorf("unsupported scheme %q", u.Scheme)
		return rb
	}
	rb.url = u
	return rb
}

// Header sets a single request header, replacing existing values.
//
// Example:
//
//	client.PrepareGet(url).
//	    Header("Authorization", "Bearer "+token).
//	    Execute(ctx)
func (rb *RequestBuilder) Header(key, value string) *RequestBuilder {
	rb.header.Set(key, value)
	return rb
}

// AddHeader appends a value to a request header.
func (rb *RequestBuilder) AddHeader(key, value string) *RequestBuilder {
	rb.header.Add(key, value)
	return rb
}

// Headers sets multiple request headers.
func (rb *RequestBuilder) Headers(headers map[string]string) *RequestBuilder {
	for k, v := range headers {
		rb.header.Set(k, v)
	}
	return rb
}

// Query appends a query parameter. Parameters keep their order.
//
// Example:
//
//	client.PrepareGet("https://api.example.com/users").
//	    Query("search", "john").
//	    Query("limit", "10").
//	    Execute(ctx)
func (rb *RequestBuilder) Query(name, value string) *RequestBuilder {
	rb.query.Add(name, value)
	return rb
}

// FormParam appends a form parameter. Form params are sent as an
// application/x-www-form-urlencoded body when no other body is set.
func (rb *RequestBuilder) FormParam(name, value string) *RequestBuilder {
	rb.form.Add(name, value)
	return rb
}

// Body sets the request body with automatic content type detection.
//
// Encoding rules:
//   - string: raw text (Content-Type: text/plain; charset=utf-8)
//   - []byte: raw bytes (Content-Type: application/octet-stream)
//   - io.Reader: streamed, chunked unless its length is known
//   - url.Values: form encoded (Content-Type: application/x-www-form-urlencoded)
//   - struct/map: JSON (Content-Type: application/json)
//
// An explicit Content-Type header always wins.
func (rb *RequestBuilder) Body(v any) *RequestBuilder {
	if v == nil {
		return rb
	}

	switch body := v.(type) {
	case string:
		rb.body = bytesBody([]byte(body))
		rb.defaultContentType("text/plain; charset=utf-8")
	case []byte:
		rb.body = bytesBody(body)
		rb.defaultContentType("application/octet-stream")
	case io.Reader:
		rb.body = readerBody(body, readerLength(body))
	case url.Values:
		rb.body = bytesBody([]byte(body.Encode()))
		rb.defaultContentType("application/x-www-form-urlencoded")
	default:
		return rb.BodyJSON(v)
	}
	return rb
}

// BodyJSON encodes v as JSON.
//
// Example:
//
//	client.PreparePost(url).BodyJSON(user).Execute(ctx)
func (rb *RequestBuilder) BodyJSON(v any) *RequestBuilder {
	data, err := json.Marshal(v)
	if err != nil {
		rb.err = fmt.Errorf("encode json body: %w", err)
		return rb
	}
	rb.body = bytesBody(data)
	rb.defaultContentType("application/json")
	return rb
}

// BodyXML encodes v as XML.
func (rb *RequestBuilder) BodyXML(v any) *RequestBuilder {
	data, err := xml.Marshal(v)
	if err != nil {
		rb.err = fmt.Errorf("encode xml body: %w", err)
		return rb
	}
	rb.body = bytesBody(data)
	rb.defaultContentType("application/xml")
	return rb
}

// BodyReader streams r with a known length. Pass -1 when the length is
// unknown to use chunked transfer coding. Readers that cannot seek are
// sent once; a redirect or auth round that needs the body again fails with
// ErrBodyNotReplayable.
func (rb *RequestBuilder) BodyReader(r io.Reader, length int64) *RequestBuilder {
	rb.body = readerBody(r, length)
	return rb
}

// BodyFile streams the file at path. On plain connections the file is
// handed to the socket without passing through user space.
func (rb *RequestBuilder) BodyFile(path string) *RequestBuilder {
	rb.body = fileBody(path)
	rb.defaultContentType("application/octet-stream")
	return rb
}

// BodyGenerator sets a body produced anew for every send.
func (rb *RequestBuilder) BodyGenerator(gen BodyGenerator) *RequestBuilder {
	rb.body = generatorBody(gen)
	return rb
}

// Realm sets the credentials for this request, overriding the client's.
func (rb *RequestBuilder) Realm(r *Realm) *RequestBuilder {
	rb.realm = r.clone()
	return rb
}

// Proxy routes this request through p, overriding the client's proxy.
func (rb *RequestBuilder) Proxy(p *ProxyServer) *RequestBuilder {
	rb.proxy = p
	return rb
}

// Timeout overrides the client's RequestTimeout. Negative disables it.
func (rb *RequestBuilder) Timeout(d time.Duration) *RequestBuilder {
	rb.timeout = d
	return rb
}

// FollowRedirect overrides the client's FollowRedirect.
func (rb *RequestBuilder) FollowRedirect(follow bool) *RequestBuilder {
	rb.followRedirect = &follow
	return rb
}

// Cookie adds a cookie to the request.
func (rb *RequestBuilder) Cookie(c *http.Cookie) *RequestBuilder {
	rb.cookies = append(rb.cookies, c)
	return rb
}

// VirtualHost overrides the Host header while the connection still goes to
// the URL host.
func (rb *RequestBuilder) VirtualHost(host string) *RequestBuilder {
	rb.virtualHost = host
	return rb
}

func (rb *RequestBuilder) defaultContentType(ct string) {
	if rb.header.Get("Content-Type") == "" {
		rb.header.Set("Content-Type", ct)
	}
}

// Build returns the immutable Request, or the first error recorded while
// building.
func (rb *RequestBuilder) Build() (*Request, error) {
	if rb.err != nil {
		return nil, rb.err
	}
	if rb.url == nil {
		return nil, errors.New("request url is not set")
	}
	if rb.method == "" {
		rb.method = http.MethodGet
	}

	body := rb.body
	if len(rb.parts) > 0 {
		if body != nil {
			return nil, errors.New("request has both a body and multipart parts")
		}
		gen, contentType := multipartBody(rb.parts)
		body = generatorBody(gen)
		rb.header.Set("Content-Type", contentType)
	}
	if body == nil && len(rb.form) > 0 {
		body = bytesBody([]byte(rb.form.EncodeForm()))
		rb.defaultContentType("application/x-www-form-urlencoded")
	}

	u := *rb.url
	return &Request{
		method:         rb.method,
		url:            &u,
		header:         rb.header.Clone(),
		query:          rb.query.Clone(),
		form:           rb.form.Clone(),
		body:           body,
		realm:          rb.realm.clone(),
		proxy:          rb.proxy,
		timeout:        rb.timeout,
		followRedirect: rb.followRedirect,
		virtualHost:    rb.virtualHost,
		cookies:        append([]*http.Cookie(nil), rb.cookies...),
	}, nil
}

// Execute builds the request and runs it with a buffering handler.
//
// Example:
//
//	resp, err := client.PrepareGet(url).Execute(ctx).Get()
func (rb *RequestBuilder) Execute(ctx context.Context) *Future[*Response] {
	return ExecuteBuilder(ctx, rb, NewResponseHandler())
}

// ExecuteBuilder builds the request from rb and runs it with h. Build
// errors fail the returned Future.
func ExecuteBuilder[T any](ctx context.Context, rb *RequestBuilder, h AsyncHandler[T]) *Future[T] {
	req, err := rb.Build()
	if err != nil {
		return failedFuture[T](h, err)
	}
	if rb.client == nil {
		return failedFuture[T](h, errNoClient)
	}
	return Execute(ctx, rb.client, req, h)
}

// bodyBytesForDebug returns the in-memory body for cURL output.
func (r *Request) bodyBytesForDebug() []byte {
	if r.body == nil {
		return nil
	}
	if data := r.body.snapshot(); data != nil {
		return bytes.Clone(data)
	}
	return nil
}
