package httpclient

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRemotelyClosed is returned when the server closes the connection
	// before the response was fully delivered.
	ErrRemotelyClosed = errors.New("remotely closed")

	// ErrTooManyRedirects is returned when a request is replayed (redirect,
	// auth challenge or filter replay) more times than MaxRedirects allows.
	ErrTooManyRedirects = errors.New("too many redirects")

	// ErrFilterRejected wraps the error returned by a request or response
	// filter.
	ErrFilterRejected = errors.New("filter rejected request")

	// ErrPoolExhausted is returned when a new connection would exceed
	// MaxConnections or MaxConnectionsPerHost.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrCancelled is returned by a Future that was cancelled.
	ErrCancelled = errors.New("request cancelled")

	// ErrWaitTimeout is returned by Future.GetTimeout when the wait elapses
	// before the request completes. The request itself keeps running.
	ErrWaitTimeout = errors.New("wait timeout elapsed")

	// ErrClientClosed is returned for executions started after Close.
	ErrClientClosed = errors.New("client closed")

	// ErrBodyNotReplayable is returned when a redirect, auth round or retry
	// needs to resend a streamed body that cannot be rewound.
	ErrBodyNotReplayable = errors.New("request body cannot be replayed")

	// ErrAuthHandshakeLost is returned when the connection carrying a
	// connection-bound (NTLM) handshake is closed mid-handshake.
	ErrAuthHandshakeLost = errors.New("connection lost during authentication handshake")

	// ErrConsumerClosed is returned when a BodyDeferringReader is closed
	// before the body was fully read.
	ErrConsumerClosed = errors.New("body consumer closed")
)

// TimeoutError is returned when the request timeout elapses. Its message is
// always "Timeout exceeded" so callers can match on it.
type TimeoutError struct {
	// After is the configured timeout that elapsed.
	After time.Duration
}

// Error implements error.
func (e *TimeoutError) Error() string {
	return "Timeout exceeded"
}

// Timeout reports true, matching net.Error.
func (e *TimeoutError) Timeout() bool {
	return true
}

// Temporary reports false, matching net.Error.
func (e *TimeoutError) Temporary() bool {
	return false
}

// ConnectError is returned when a connection to the target or the proxy
// cannot be established.
type ConnectError struct {
	Addr string
	Err  error
}

// Error implements error.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Addr, e.Err)
}

// Unwrap returns the underlying dial error.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

func remotelyClosed(err error) error {
	if errors.Is(err, ErrRemotelyClosed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrRemotelyClosed, err)
}

func filterRejected(err error) error {
	return fmt.Errorf("%w: %w", ErrFilterRejected, err)
}
