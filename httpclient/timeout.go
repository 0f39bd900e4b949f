package httpclient

import (
	"context"
	"sync/atomic"
	"time"
)

// timeoutSupervisor cancels an execution once its request timeout elapses.
// The cancellation closes whatever connection the execution holds, so no
// read or write outlives the deadline.
type timeoutSupervisor struct {
	after time.Duration
	timer *time.Timer
	fired atomic.Bool
}

// superviseTimeout arms a timer calling cancel after d. A non-positive d
// disables the supervisor.
func superviseTimeout(d time.Duration, cancel context.CancelFunc) *timeoutSupervisor {
	s := &timeoutSupervisor{after: d}
	if d > 0 {
		s.timer = time.AfterFunc(d, func() {
			s.fired.Store(true)
			cancel()
		})
	}
	return s
}

// stop disarms the timer. It is safe to call on a fired supervisor.
func (s *timeoutSupervisor) stop() {
	if s.timer != nil {
		s.timer.Stop()
	}
}

// expired reports whether the timer fired.
func (s *timeoutSupervisor) expired() bool {
	return s.fired.Load()
}

func (s *timeoutSupervisor) err() error {
	return &TimeoutError{After: s.after}
}

// requestTimeout resolves the timeout of an execution: a positive request
// override wins, a negative one disables the timeout, zero inherits the
// client's RequestTimeout.
func requestTimeout(cfg Config, req *Request) time.Duration {
	switch {
	case req.timeout > 0:
		return req.timeout
	case req.timeout < 0:
		return 0
	case cfg.RequestTimeout > 0:
		return cfg.RequestTimeout
	}
	return 0
}
