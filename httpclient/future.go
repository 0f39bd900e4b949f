package httpclient

import (
	"context"
	"sync"
	"time"
)

// Future is the handle returned by Execute. It resolves exactly once, to a
// value, an error, or cancellation.
//
// Example:
//
//	f := client.PrepareGet(url).Execute(ctx)
//	resp, err := f.Get()
type Future[T any] struct {
	done chan struct{}

	mu        sync.Mutex
	state     FutureState
	value     T
	err       error
	cancel    context.CancelFunc
	listeners []func()
}

func newFuture[T any](cancel context.CancelFunc) *Future[T] {
	return &Future[T]{
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// Get blocks until the Future resolves.
func (f *Future[T]) Get() (T, error) {
	<-f.done
	return f.value, f.err
}

// GetTimeout blocks for at most d. When d elapses first it returns
// ErrWaitTimeout and the request keeps running.
func (f *Future[T]) GetTimeout(d time.Duration) (T, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.value, f.err
	case <-timer.C:
		var zero T
		return zero, ErrWaitTimeout
	}
}

// GetContext blocks until the Future resolves or ctx is done.
func (f *Future[T]) GetContext(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Cancel stops the request. It returns false if the Future had already
// resolved.
func (f *Future[T]) Cancel() bool {
	var zero T
	if !f.settle(StateCancelled, zero, ErrCancelled) {
		return false
	}
	if f.cancel != nil {
		f.cancel()
	}
	return true
}

// Done is closed when the Future resolves.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// State returns the current state.
func (f *Future[T]) State() FutureState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// IsDone reports whether the Future has resolved.
func (f *Future[T]) IsDone() bool {
	return f.State() != StatePending
}

// AddListener registers fn to run once the Future resolves. If it already
// has, fn runs immediately on the calling goroutine.
func (f *Future[T]) AddListener(fn func()) {
	f.mu.Lock()
	if f.state == StatePending {
		f.listeners = append(f.listeners, fn)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	fn()
}

func (f *Future[T]) complete(v T) bool {
	return f.settle(StateSucceeded, v, nil)
}

func (f *Future[T]) fail(err error) bool {
	var zero T
	return f.settle(StateFailed, zero, err)
}

func (f *Future[T]) settle(state FutureState, v T, err error) bool {
	f.mu.Lock()
	if f.state != StatePending {
		f.mu.Unlock()
		return false
	}
	f.state = state
	f.value = v
	f.err = err
	listeners := f.listeners
	f.listeners = nil
	close(f.done)
	f.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
	return true
}
