package httpclient

import (
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
)

// =============================================================================
// Handler Callbacks
// =============================================================================

// AsyncHandler receives the events of one execution. Callbacks run on the
// execution goroutine, in order: OnStatusReceived, OnHeadersReceived, zero or
// more OnBodyPartReceived, then OnCompleted. OnThrowable replaces the
// remaining callbacks when the execution fails and is called at most once.
//
// Redirects and auth challenges that the client answers on its own are not
// delivered. The handler only sees the final response.
type AsyncHandler[T any] interface {
	OnStatusReceived(status *ResponseStatus) (State, error)
	OnHeadersReceived(headers http.Header) (State, error)
	OnBodyPartReceived(part *BodyPart) (State, error)
	OnThrowable(err error)
	OnCompleted() (T, error)
}

// ProgressHandler is an optional extension of AsyncHandler for upload
// progress. The engine calls it when the handler implements it.
type ProgressHandler interface {
	// OnHeadersWritten is called once the request line and headers are sent.
	OnHeadersWritten(headers http.Header)

	// OnContentWriteProgress reports each write of the request body. total is
	// -1 for bodies of unknown length.
	OnContentWriteProgress(amount, current, total int64)

	// OnContentWritten is called once the request body is fully sent.
	OnContentWritten()
}

// HandlerFuncs adapts plain functions to AsyncHandler. Nil fields default to
// Continue and a zero result.
//
// Example:
//
//	h := httpclient.HandlerFuncs[int]{
//	    Status: func(s *httpclient.ResponseStatus) (httpclient.State, error) {
//	        code = s.StatusCode
//	        return httpclient.Abort, nil
//	    },
//	    Completed: func() (int, error) { return code, nil },
//	}
type HandlerFuncs[T any] struct {
	Status    func(status *ResponseStatus) (State, error)
	Headers   func(headers http.Header) (State, error)
	BodyPart  func(part *BodyPart) (State, error)
	Throwable func(err error)
	Completed func() (T, error)
}

// OnStatusReceived implements AsyncHandler.
func (h HandlerFuncs[T]) OnStatusReceived(status *ResponseStatus) (State, error) {
	if h.Status == nil {
		return Continue, nil
	}
	return h.Status(status)
}

// OnHeadersReceived implements AsyncHandler.
func (h HandlerFuncs[T]) OnHeadersReceived(headers http.Header) (State, error) {
	if h.Headers == nil {
		return Continue, nil
	}
	return h.Headers(headers)
}

// OnBodyPartReceived implements AsyncHandler.
func (h HandlerFuncs[T]) OnBodyPartReceived(part *BodyPart) (State, error) {
	if h.BodyPart == nil {
		return Continue, nil
	}
	return h.BodyPart(part)
}

// OnThrowable implements AsyncHandler.
func (h HandlerFuncs[T]) OnThrowable(err error) {
	if h.Throwable != nil {
		h.Throwable(err)
	}
}

// OnCompleted implements AsyncHandler.
func (h HandlerFuncs[T]) OnCompleted() (T, error) {
	if h.Completed == nil {
		var zero T
		return zero, nil
	}
	return h.Completed()
}

// =============================================================================
// Response Events
// =============================================================================

// ResponseStatus is the status line of the final response.
type ResponseStatus struct {
	// StatusCode is the numeric status, e.g. 200.
	StatusCode int

	// StatusText is the reason phrase, e.g. "OK".
	StatusText string

	// Proto is the protocol string, e.g. "HTTP/1.1".
	Proto      string
	ProtoMajor int
	ProtoMinor int

	// URL is the URL that produced this response, after redirects.
	URL *url.URL

	LocalAddr  net.Addr
	RemoteAddr net.Addr
}

// BodyPart is one chunk of response body. The bytes are only valid for the
// duration of the OnBodyPartReceived call; copy them to keep them.
type BodyPart struct {
	data []byte
	last bool
}

// Bytes returns the chunk contents.
func (p *BodyPart) Bytes() []byte {
	return p.data
}

// Len returns the chunk length.
func (p *BodyPart) Len() int {
	return len(p.data)
}

// IsLast reports whether this is the final chunk.
func (p *BodyPart) IsLast() bool {
	return p.last
}

// WriteTo writes the chunk to w.
func (p *BodyPart) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(p.data)
	return int64(n), err
}

// =============================================================================
// Completion Handlers
// =============================================================================

// CompletionHandler accumulates the response and converts it with a
// function once the body is complete.
type CompletionHandler[T any] struct {
	convert func(*Response) (T, error)

	mu      sync.Mutex
	status  *ResponseStatus
	headers http.Header
	body    []byte
}

// NewCompletionHandler returns a handler that buffers the whole response and
// passes it to convert.
//
// Example:
//
//	h := httpclient.NewCompletionHandler(func(r *httpclient.Response) (string, error) {
//	    return r.String()
//	})
//	body, err := httpclient.Execute(ctx, client, req, h).Get()
func NewCompletionHandler[T any](convert func(*Response) (T, error)) *CompletionHandler[T] {
	return &CompletionHandler[T]{convert: convert}
}

// NewResponseHandler returns a handler that resolves to the buffered
// *Response.
func NewResponseHandler() *CompletionHandler[*Response] {
	return NewCompletionHandler(func(r *Response) (*Response, error) {
		return r, nil
	})
}

// OnStatusReceived implements AsyncHandler.
func (h *CompletionHandler[T]) OnStatusReceived(status *ResponseStatus) (State, error) {
	h.mu.Lock()
	h.status = status
	h.mu.Unlock()
	return Continue, nil
}

// OnHeadersReceived implements AsyncHandler.
func (h *CompletionHandler[T]) OnHeadersReceived(headers http.Header) (State, error) {
	h.mu.Lock()
	h.headers = headers
	h.mu.Unlock()
	return Continue, nil
}

// OnBodyPartReceived implements AsyncHandler.
func (h *CompletionHandler[T]) OnBodyPartReceived(part *BodyPart) (State, error) {
	h.mu.Lock()
	h.body = append(h.body, part.Bytes()...)
	h.mu.Unlock()
	return Continue, nil
}

// OnThrowable implements AsyncHandler. The error is already reported by
// the Future.
func (h *CompletionHandler[T]) OnThrowable(error) {}

// OnCompleted implements AsyncHandler.
func (h *CompletionHandler[T]) OnCompleted() (T, error) {
	h.mu.Lock()
	resp := newResponse(h.status, h.headers, h.body)
	h.mu.Unlock()

	if h.convert == nil {
		var zero T
		return zero, nil
	}
	return h.convert(resp)
}
