// Package uri implements the percent-encoding rules used when building
// request URLs, query strings and form bodies.
//
// # Element Encoding
//
// EncodeQueryElement escapes every byte of the UTF-8 input except the RFC 3986
// unreserved set (ALPHA, DIGIT, "-", "_", ".", "~"). Space becomes "%20":
//
//	uri.EncodeQueryElement("a b&c") // "a%20b%26c"
//	uri.EncodeQueryElement("💩")    // "%F0%9F%92%A9"
//
// EncodeFormElement follows the same rules but writes space as "+", which is
// what application/x-www-form-urlencoded bodies expect.
//
// # Decoding
//
// Decode reverses both forms. An escape cut short at the end of the input is
// reported as ErrInvalidEncoding:
//
//	_, err := uri.Decode("%2")
//	errors.Is(err, uri.ErrInvalidEncoding) // true
package uri

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidEncoding is returned by Decode when the input contains a
// malformed percent escape.
var ErrInvalidEncoding = errors.New("invalid encoding")

const upperhex = "0123456789ABCDEF"

// isUnreserved reports whether c is in the RFC 3986 unreserved set.
func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '_', c == '.', c == '~':
		return true
	}
	return false
}

// isSubDelim reports whether c is an RFC 3986 sub-delimiter.
func isSubDelim(c byte) bool {
	switch c {
	case '!', '$', '&', '\'', '(', ')', '*', '+', ',', ';', '=':
		return true
	}
	return false
}

// isPathChar reports whether c may appear unescaped in a path.
func isPathChar(c byte) bool {
	return isUnreserved(c) || isSubDelim(c) || c == ':' || c == '@' || c == '/'
}

// isQueryChar reports whether c may appear unescaped in a query string.
func isQueryChar(c byte) bool {
	return isPathChar(c) || c == '?'
}

// EncodeQueryElement percent-encodes s for use as a query name or value.
func EncodeQueryElement(s string) string {
	return escape(s, isUnreserved, false)
}

// EncodeFormElement percent-encodes s for a form body, writing space as '+'.
func EncodeFormElement(s string) string {
	return escape(s, isUnreserved, true)
}

// EncodePath percent-encodes s for use as a URL path, keeping '/' and the
// characters RFC 3986 allows in path segments.
func EncodePath(s string) string {
	return escape(s, isPathChar, false)
}

func escape(s string, keep func(byte) bool, spaceAsPlus bool) string {
	n := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if keep(c) || (spaceAsPlus && c == ' ') {
			continue
		}
		n++
	}
	if n == 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + 2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case keep(c):
			b.WriteByte(c)
		case spaceAsPlus && c == ' ':
			b.WriteByte('+')
		default:
			b.WriteByte('%')
			b.WriteByte(upperhex[c>>4])
			b.WriteByte(upperhex[c&0x0F])
		}
	}
	return b.String()
}

// Decode reverses percent-encoding and turns '+' into a space.
func Decode(s string) (string, error) {
	if strings.IndexByte(s, '%') < 0 && strings.IndexByte(s, '+') < 0 {
		return s, nil
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '+':
			b.WriteByte(' ')
		case '%':
			if len(s)-i < 3 {
				return "", fmt.Errorf("%w: incomplete trailing escape (%%) pattern", ErrInvalidEncoding)
			}
			hi, ok1 := unhex(s[i+1])
			lo, ok2 := unhex(s[i+2])
			if !ok1 || !ok2 {
				return "", fmt.Errorf(
					"%w: illegal hex characters in escape (%%) pattern %q",
					ErrInvalidEncoding, s[i:i+3],
				)
			}
			b.WriteByte(hi<<4 | lo)
			i += 2
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

func isHex(c byte) bool {
	_, ok := unhex(c)
	return ok
}

// fix escapes every byte that keep rejects, leaving well-formed %XX escapes
// untouched. A stray '%' is escaped as "%25".
func fix(s string, keep func(byte) bool) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]):
			b.WriteString(s[i : i+3])
			i += 2
		case c != '%' && keep(c):
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(upperhex[c>>4])
			b.WriteByte(upperhex[c&0x0F])
		}
	}
	return b.String()
}
