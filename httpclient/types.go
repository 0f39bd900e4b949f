package httpclient

import (
	"context"
	"net"
)

// State is returned by handler callbacks to continue or abort processing.
type State int

const (
	// Continue keeps processing the response.
	Continue State = iota

	// Abort stops reading the response. The Future resolves with the
	// handler's OnCompleted result.
	Abort
)

// String returns the state name.
func (s State) String() string {
	if s == Abort {
		return "ABORT"
	}
	return "CONTINUE"
}

// FutureState is the lifecycle state of a Future.
type FutureState int32

const (
	// StatePending means the request is still running.
	StatePending FutureState = iota

	// StateSucceeded means the Future holds a value.
	StateSucceeded

	// StateFailed means the Future holds an error.
	StateFailed

	// StateCancelled means the Future was cancelled before completion.
	StateCancelled
)

// String returns the state name.
func (s FutureState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateFailed:
		return "FAILED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Dialer opens raw connections. *net.Dialer satisfies it, as do the
// context dialers returned by golang.org/x/net/proxy.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}
