package httpclient

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	json "github.com/goccy/go-json"
	"golang.org/x/text/encoding/htmlindex"
)

// Response is a fully buffered response produced by NewResponseHandler or
// a CompletionHandler.
//
// Response embeds *http.Response so StatusCode, Header, Cookies() and the
// other familiar fields work as usual. The body is already read; Body and
// String return it directly.
//
// Example usage:
//
//	resp, err := client.PrepareGet(url).Execute(ctx).Get()
//	if err != nil {
//	    return err
//	}
//
//	if resp.IsSuccess() {
//	    var users []User
//	    err = resp.Decode(&users)
//	}
type Response struct {
	// Response embeds the standard http.Response.
	//
	// Example: resp.StatusCode, resp.Header.Get("Content-Type")
	*http.Response

	// status is the status line as delivered to the handler. Nil when the
	// handler aborted before the status arrived.
	status *ResponseStatus

	// body is the buffered response body.
	body []byte
}

// newResponse assembles a Response from the parts a handler collected. Any
// part may be missing when the handler aborted early.
func newResponse(status *ResponseStatus, headers http.Header, body []byte) *Response {
	if headers == nil {
		headers = make(http.Header)
	}
	hr := &http.Response{
		Header:        headers,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	if status != nil {
		hr.StatusCode = status.StatusCode
		hr.Status = fmt.Sprintf("%d %s", status.StatusCode, status.StatusText)
		hr.Proto = status.Proto
		hr.ProtoMajor = status.ProtoMajor
		hr.ProtoMinor = status.ProtoMinor
		if status.URL != nil {
			hr.Request = &http.Request{URL: status.URL, Header: make(http.Header)}
		}
	}
	return &Response{Response: hr, status: status, body: body}
}

// Status returns the status line, or nil if none was received.
func (r *Response) Status() *ResponseStatus {
	return r.status
}

// URI returns the URL that produced this response. After redirects it is
// the last URL in the chain.
func (r *Response) URI() *url.URL {
	if r.status == nil {
		return nil
	}
	return r.status.URL
}

// Body returns the response body.
func (r *Response) Body() []byte {
	return r.body
}

// String returns the response body as a string.
func (r *Response) String() string {
	return string(r.body)
}

// BodyString decodes the body using charset. An empty charset uses the
// charset parameter of Content-Type, falling back to UTF-8.
//
// Example:
//
//	text, err := resp.BodyString("ISO-8859-1")
func (r *Response) BodyString(charset string) (string, error) {
	if charset == "" {
		charset = r.charset()
	}
	if charset == "" || strings.EqualFold(charset, "utf-8") {
		return string(r.body), nil
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return "", fmt.Errorf("unsupported charset %q: %w", charset, err)
	}
	out, err := enc.NewDecoder().Bytes(r.body)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ContentType returns the media type of the response without parameters.
func (r *Response) ContentType() string {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return mt
}

func (r *Response) charset() string {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}
	return params["charset"]
}

// HasResponseStatus reports whether a status line was received.
func (r *Response) HasResponseStatus() bool {
	return r.status != nil
}

// HasResponseBody reports whether any body bytes were received.
func (r *Response) HasResponseBody() bool {
	return len(r.body) > 0
}

// IsSuccess returns true if the response status code is 2xx.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// IsError returns true if the response status code is 4xx or 5xx.
func (r *Response) IsError() bool {
	return r.StatusCode >= 400
}

// IsRedirected reports whether the response is a redirect the client did
// not follow.
func (r *Response) IsRedirected() bool {
	return isRedirectStatus(r.StatusCode)
}

// Decode unmarshals the body into v, choosing JSON or XML by Content-Type.
//
// Example:
//
//	var user User
//	if err := resp.Decode(&user); err != nil {
//	    return err
//	}
func (r *Response) Decode(v any) error {
	if len(r.body) == 0 {
		return nil
	}
	return decodeBody(r.body, r.Header.Get("Content-Type"), v)
}

// decodeBody decodes the body based on content type.
func decodeBody(body []byte, contentType string, target any) error {
	if strings.Contains(contentType, "application/json") {
		return json.Unmarshal(body, target)
	}
	isXML := strings.Contains(contentType, "application/xml") ||
		strings.Contains(contentType, "text/xml")
	if isXML {
		return xml.Unmarshal(body, target)
	}
	// Default to JSON
	return json.Unmarshal(body, target)
}
