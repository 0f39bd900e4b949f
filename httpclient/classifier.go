package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// RetryClassifier decides whether a transport error is retried. It is only
// consulted for failures that happen before the response status reached the
// handler; later failures are never retried.
//
// Example custom classifier that also retries rate limiting:
//
//	client := httpclient.New(
//	    httpclient.WithRetryClassifier(func(err error) bool {
//	        if errors.Is(err, httpclient.ErrRateLimited) {
//	            return true
//	        }
//	        return httpclient.DefaultClassifier(err)
//	    }),
//	)
type RetryClassifier func(err error) bool

// DefaultClassifier retries failures where the request cannot have been
// processed by the server:
//   - the server dropped the connection before the response head
//   - the connection could not be opened (refused, unreachable, injected)
//   - resets, broken pipes and temporary DNS failures
//
// It does not retry timeouts, cancellation, engine decisions (pool
// exhaustion, filter rejection, redirect limit, unreplayable bodies, lost
// NTLM handshakes, closed client) or permanent failures such as TLS
// verification errors and unknown hosts.
func DefaultClassifier(err error) bool {
	switch {
	case err == nil:
		return false
	case IsTimeout(err), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, ErrCancelled):
		return false
	case isEngineDecision(err), isPermanentError(err):
		return false
	case errors.Is(err, ErrRemotelyClosed):
		return true
	}

	var ce *ConnectError
	if errors.As(err, &ce) {
		return true
	}
	return isRetryableNetworkError(err)
}

var engineDecisions = []error{
	ErrPoolExhausted,
	ErrFilterRejected,
	ErrTooManyRedirects,
	ErrBodyNotReplayable,
	ErrAuthHandshakeLost,
	ErrClientClosed,
}

func isEngineDecision(err error) bool {
	for _, target := range engineDecisions {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

var retryableErrnos = []syscall.Errno{
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	syscall.ENETUNREACH,
	syscall.EHOSTUNREACH,
	syscall.EPIPE,
}

// transientPatterns match wrapped errors that lost their type, such as
// those returned by SOCKS5 dialers.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"network is down",
	"network unreachable",
	"temporary failure",
	"server closed",
	"broken pipe",
	"eof",
}

var permanentPatterns = []string{
	"x509:",
	"certificate",
	"tls:",
	"protocol error",
	"no route to host",
	"permission denied",
}

// isRetryableNetworkError reports whether err is a network failure that
// usually clears up on a new connection.
func isRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}

	for _, errno := range retryableErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return containsAny(err, transientPatterns)
}

// isPermanentError reports whether err will fail the same way on every
// connection.
func isPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return true
	}

	if errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EHOSTDOWN) {
		return true
	}
	return containsAny(err, permanentPatterns)
}

func containsAny(err error, patterns []string) bool {
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// NeverRetryClassifier returns a classifier that never retries.
func NeverRetryClassifier() RetryClassifier {
	return func(error) bool { return false }
}
