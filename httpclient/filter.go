package httpclient

import (
	"context"
	"net/http"
	"slices"
	"sync"
)

// FilterContext is the value passed through request and response filters.
// Filters return a modified copy; the engine uses what the last filter
// returns.
type FilterContext struct {
	// Request is the request about to be sent, or that produced the
	// response for response filters.
	Request *Request

	// Handler is the AsyncHandler of the execution.
	Handler any

	// Status and Headers are set for response filters only.
	Status  *ResponseStatus
	Headers http.Header

	// ReplayRequest asks the engine to send Request again instead of
	// delivering the response. Only response filters may set it.
	ReplayRequest bool

	hooks *doneHooks
}

// Replay returns a copy of fc that replays req.
func (fc FilterContext) Replay(req *Request) FilterContext {
	fc.Request = req
	fc.ReplayRequest = true
	return fc
}

// OnDone registers fn to run when the current attempt ends, whatever its
// outcome. Filters use it to release resources held for the attempt.
func (fc FilterContext) OnDone(fn func()) {
	if fc.hooks != nil {
		fc.hooks.add(fn)
	}
}

// RequestFilter runs before every attempt, in registration order. An error
// fails the execution with ErrFilterRejected.
//
// Example - Adding an API key:
//
//	client := httpclient.New(
//	    httpclient.WithRequestFilter(func(ctx context.Context, fc httpclient.FilterContext) (httpclient.FilterContext, error) {
//	        fc.Request, _ = httpclient.NewRequestBuilderFrom(fc.Request).
//	            Header("X-API-Key", key).
//	            Build()
//	        return fc, nil
//	    }),
//	)
type RequestFilter func(ctx context.Context, fc FilterContext) (FilterContext, error)

// ResponseFilter runs on every response head, in registration order, before
// redirects and auth challenges are handled. Returning a context with
// ReplayRequest set skips the remaining filters and sends Request again.
type ResponseFilter func(ctx context.Context, fc FilterContext) (FilterContext, error)

// doneHooks collects the release functions registered during one attempt.
type doneHooks struct {
	mu  sync.Mutex
	fns []func()
}

func (h *doneHooks) add(fn func()) {
	h.mu.Lock()
	h.fns = append(h.fns, fn)
	h.mu.Unlock()
}

// run calls the hooks in reverse registration order, once.
func (h *doneHooks) run() {
	h.mu.Lock()
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()

	for _, fn := range slices.Backward(fns) {
		fn()
	}
}

// applyRequestFilters runs filters over fc in order.
func applyRequestFilters(ctx context.Context, filters []RequestFilter, fc FilterContext) (FilterContext, error) {
	for _, f := range filters {
		next, err := f(ctx, fc)
		if err != nil {
			return fc, filterRejected(err)
		}
		next.hooks = fc.hooks
		next.ReplayRequest = false
		fc = next
	}
	return fc, nil
}

// applyResponseFilters runs filters over fc in order, stopping at the first
// one that asks for a replay.
func applyResponseFilters(ctx context.Context, filters []ResponseFilter, fc FilterContext) (FilterContext, error) {
	for _, f := range filters {
		next, err := f(ctx, fc)
		if err != nil {
			return fc, filterRejected(err)
		}
		next.hooks = fc.hooks
		fc = next
		if fc.ReplayRequest {
			return fc, nil
		}
	}
	return fc, nil
}

// =============================================================================
// Built-in Filters
// =============================================================================

// HeaderRequestFilter sets a header on every request.
func HeaderRequestFilter(name, value string) RequestFilter {
	return func(_ context.Context, fc FilterContext) (FilterContext, error) {
		req, err := NewRequestBuilderFrom(fc.Request).Header(name, value).Build()
		if err != nil {
			return fc, err
		}
		fc.Request = req
		return fc, nil
	}
}

// BearerTokenRequestFilter sets "Authorization: Bearer <token>" from
// tokenFunc on every request. Useful for refreshable tokens.
func BearerTokenRequestFilter(tokenFunc func(ctx context.Context) (string, error)) RequestFilter {
	return func(ctx context.Context, fc FilterContext) (FilterContext, error) {
		token, err := tokenFunc(ctx)
		if err != nil {
			return fc, err
		}
		req, err := NewRequestBuilderFrom(fc.Request).Header("Authorization", "Bearer "+token).Build()
		if err != nil {
			return fc, err
		}
		fc.Request = req
		return fc, nil
	}
}

// ReplayOnStatusFilter replays a request once when the response status is
// one of codes. The replayed request carries a marker header so a second
// matching response is delivered.
//
// Example:
//
//	client := httpclient.New(
//	    httpclient.WithResponseFilter(httpclient.ReplayOnStatusFilter(http.StatusServiceUnavailable)),
//	)
func ReplayOnStatusFilter(codes ...int) ResponseFilter {
	return func(_ context.Context, fc FilterContext) (FilterContext, error) {
		if fc.Status == nil || !slices.Contains(codes, fc.Status.StatusCode) {
			return fc, nil
		}
		if fc.Request.header.Get(replayMarkerHeader) != "" {
			return fc, nil
		}
		req, err := NewRequestBuilderFrom(fc.Request).Header(replayMarkerHeader, "1").Build()
		if err != nil {
			return fc, err
		}
		return fc.Replay(req), nil
	}
}

// replayMarkerHeader marks requests replayed by ReplayOnStatusFilter. It is
// stripped before the request is written.
const replayMarkerHeader = "X-Sentinel-Replayed"
