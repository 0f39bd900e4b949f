package uri

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/net/idna"
)

// IdnaHost converts an internationalised host name to its ASCII form.
// ASCII input and hosts that fail conversion are returned unchanged.
func IdnaHost(host string) string {
	if isASCII(host) {
		return host
	}
	if v, err := idna.Lookup.ToASCII(host); err == nil {
		return v
	}
	return host
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > unicode.MaxASCII {
			return false
		}
	}
	return true
}

// DefaultPort returns the well-known port for scheme, or 0.
func DefaultPort(scheme string) int {
	switch strings.ToLower(scheme) {
	case "http", "ws":
		return 80
	case "https", "wss":
		return 443
	}
	return 0
}

// Port returns the explicit port of u or the scheme default.
func Port(u *url.URL) int {
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	return DefaultPort(u.Scheme)
}

// HostPort returns the dialable "host:port" address of u with the host in
// ASCII form.
func HostPort(u *url.URL) string {
	return net.JoinHostPort(IdnaHost(u.Hostname()), strconv.Itoa(Port(u)))
}

// HostHeader returns the value for the Host header of a request to u. The
// port is omitted when it is the scheme default.
func HostHeader(u *url.URL) string {
	host := removeIPv6Zone(IdnaHost(u.Hostname()))
	port := Port(u)
	if port == DefaultPort(u.Scheme) {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// SameOrigin reports whether a and b share scheme, host and port.
func SameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Hostname(), b.Hostname()) &&
		Port(a) == Port(b)
}

func removeIPv6Zone(host string) string {
	if i := strings.LastIndex(host, "%"); i >= 0 && strings.Contains(host, ":") {
		return host[:i]
	}
	return host
}
