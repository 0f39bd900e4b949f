package httpclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrThrottled is returned when ThrottleRequestFilter cannot get a permit in
// time.
var ErrThrottled = errors.New("no throttle permit available")

// ThrottleRequestFilter limits how many attempts run at once. An attempt
// waits up to maxWait for a permit and holds it until it ends. A
// non-positive maxWait waits as long as the request context allows.
//
// Example:
//
//	client := httpclient.New(
//	    httpclient.WithRequestFilter(httpclient.ThrottleRequestFilter(10, time.Second)),
//	)
func ThrottleRequestFilter(maxConnections int64, maxWait time.Duration) RequestFilter {
	sem := semaphore.NewWeighted(maxConnections)

	return func(ctx context.Context, fc FilterContext) (FilterContext, error) {
		waitCtx := ctx
		if maxWait > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, maxWait)
			defer cancel()
		}

		if err := sem.Acquire(waitCtx, 1); err != nil {
			if ctx.Err() != nil {
				return fc, ctx.Err()
			}
			return fc, fmt.Errorf("%w within %s", ErrThrottled, maxWait)
		}

		fc.OnDone(func() { sem.Release(1) })
		return fc, nil
	}
}
