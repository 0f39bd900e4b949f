package uri

import (
	"net/url"
	"strings"
)

// Mode selects how an Encoder treats the path and query already present on
// a URL.
type Mode int

const (
	// Fixing re-escapes any byte that is not legal in its component while
	// keeping existing %XX escapes. It is the default.
	Fixing Mode = iota

	// Raw trusts the URL as given and only appends encoded parameters.
	Raw
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case Fixing:
		return "fixing"
	case Raw:
		return "raw"
	default:
		return "unknown"
	}
}

// Encoder produces the final request URL from a base URL and extra query
// parameters.
type Encoder struct {
	mode Mode
}

// NewEncoder returns an Encoder for mode.
func NewEncoder(mode Mode) Encoder {
	return Encoder{mode: mode}
}

// Mode returns the encoder's mode.
func (e Encoder) Mode() Mode {
	return e.mode
}

// Encode returns a copy of u with params appended to its query. The input
// is not modified.
//
// For a well-formed u both modes return the same URL:
//
//	u, _ := url.Parse("https://example.com/path?query1=val1")
//	uri.NewEncoder(uri.Raw).Encode(u, uri.Params{{Name: "q", Value: "a b"}})
//	// https://example.com/path?query1=val1&q=a%20b
func (e Encoder) Encode(u *url.URL, params Params) *url.URL {
	out := *u
	if u.User != nil {
		user := *u.User
		out.User = &user
	}

	query := u.RawQuery
	if e.mode == Fixing {
		escaped := fix(u.EscapedPath(), isPathChar)
		if unescaped, err := url.PathUnescape(escaped); err == nil {
			out.Path = unescaped
			out.RawPath = escaped
		}
		query = fix(query, isQueryChar)
	}

	if extra := params.Encode(); extra != "" {
		if query == "" {
			query = extra
		} else {
			query = strings.TrimSuffix(query, "&") + "&" + extra
		}
	}

	out.RawQuery = query
	out.ForceQuery = u.ForceQuery && query == ""
	return &out
}

// RequestTarget returns the origin-form request target of u ("/path?query").
func RequestTarget(u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" || u.ForceQuery {
		return path + "?" + u.RawQuery
	}
	return path
}
