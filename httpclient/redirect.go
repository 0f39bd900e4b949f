package httpclient

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/kroma-labs/sentinel-async/uri"
)

// isRedirectStatus reports whether code is a redirect the client follows.
func isRedirectStatus(code int) bool {
	switch code {
	case http.StatusMovedPermanently,
		http.StatusFound,
		http.StatusSeeOther,
		http.StatusTemporaryRedirect,
		http.StatusPermanentRedirect:
		return true
	}
	return false
}

// followsRedirects resolves the per-request override against the client.
func followsRedirects(cfg Config, req *Request) bool {
	if req.followRedirect != nil {
		return *req.followRedirect
	}
	return cfg.FollowRedirect
}

// bodyHeaders describe a body and go away with it.
var bodyHeaders = []string{"Content-Type", "Content-Length", "Content-Encoding", "Transfer-Encoding"}

// redirectRequest derives the request following resp, which answered req
// sent to target. It returns nil when resp carries no Location.
//
// Method rewriting:
//   - 303 becomes GET (HEAD stays HEAD)
//   - 301 and 302 become GET unless strict302 is set
//   - 307 and 308 keep the method and the body
func redirectRequest(req *Request, target *url.URL, resp *http.Response, strict302 bool) (*Request, error) {
	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, nil
	}
	next, err := target.Parse(loc)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect location %q: %w", loc, err)
	}
	next.Scheme = strings.ToLower(next.Scheme)
	if next.Scheme != "http" && next.Scheme != "https" {
		return nil, fmt.Errorf("redirect to unsupported scheme %q", next.Scheme)
	}
	// The fragment of the original URL carries over (RFC 7231 §7.1.2).
	if next.Fragment == "" {
		next.Fragment = target.Fragment
	}

	rb := NewRequestBuilderFrom(req)
	rb.url = next
	rb.query = nil

	if method, dropBody := redirectMethod(req.method, resp.StatusCode, strict302); dropBody {
		rb.method = method
		rb.body = nil
		rb.form = nil
		for _, h := range bodyHeaders {
			rb.header.Del(h)
		}
	}

	if !uri.SameOrigin(target, next) {
		rb.header.Del("Authorization")
	}
	// The next hop may not go through the same proxy, or may tunnel.
	rb.header.Del("Proxy-Authorization")
	rb.header.Del(replayMarkerHeader)
	rb.cookies = mergeCookies(rb.cookies, resp.Cookies())

	return rb.Build()
}

// redirectMethod returns the method of the follow-up request and whether
// the body is dropped.
func redirectMethod(method string, status int, strict302 bool) (string, bool) {
	switch status {
	case http.StatusSeeOther:
	case http.StatusMovedPermanently, http.StatusFound:
		if strict302 {
			return method, false
		}
	default:
		return method, false
	}
	if method == http.MethodHead {
		return http.MethodHead, true
	}
	return http.MethodGet, true
}

// mergeCookies applies Set-Cookie values to the cookies of a request. A
// cookie replaces one with the same name; an expired one removes it.
func mergeCookies(current, set []*http.Cookie) []*http.Cookie {
	if len(set) == 0 {
		return current
	}
	out := make([]*http.Cookie, 0, len(current)+len(set))
	out = append(out, current...)
	for _, c := range set {
		kept := out[:0]
		for _, o := range out {
			if o.Name != c.Name {
				kept = append(kept, o)
			}
		}
		out = kept
		if c.MaxAge >= 0 {
			out = append(out, &http.Cookie{Name: c.Name, Value: c.Value})
		}
	}
	return out
}
