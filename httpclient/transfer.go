package httpclient

import (
	"bytes"
	"net/http"
	"sync"
)

// TransferListener observes the bytes of an execution in both directions.
type TransferListener interface {
	// OnRequestHeadersSent is called once the request head is written.
	OnRequestHeadersSent(headers http.Header)

	// OnResponseHeadersReceived is called with the final response headers.
	OnResponseHeadersReceived(headers http.Header)

	// OnBytesReceived is called with a copy of every response body part.
	OnBytesReceived(b []byte)

	// OnBytesSent reports upload progress. total is -1 when unknown.
	OnBytesSent(amount, current, total int64)

	OnRequestResponseCompleted()
	OnThrowable(err error)
}

// TransferCompletionHandler buffers the response like NewResponseHandler and
// reports the transfer to its listeners.
//
// Example:
//
//	h := httpclient.NewTransferCompletionHandler(true).
//	    AddTransferListener(progressBar)
//	resp, err := httpclient.Execute(ctx, client, req, h).Get()
type TransferCompletionHandler struct {
	inner *CompletionHandler[*Response]

	// accumulate keeps the body in the resulting Response.
	accumulate bool

	mu        sync.RWMutex
	listeners []TransferListener
}

// NewTransferCompletionHandler returns a handler resolving to the response.
// With accumulate false the body is only reported to listeners.
func NewTransferCompletionHandler(accumulate bool) *TransferCompletionHandler {
	return &TransferCompletionHandler{
		inner:      NewResponseHandler(),
		accumulate: accumulate,
	}
}

// AddTransferListener registers l and returns h for chaining.
func (h *TransferCompletionHandler) AddTransferListener(l TransferListener) *TransferCompletionHandler {
	h.mu.Lock()
	h.listeners = append(h.listeners, l)
	h.mu.Unlock()
	return h
}

func (h *TransferCompletionHandler) each(fn func(TransferListener)) {
	h.mu.RLock()
	listeners := h.listeners
	h.mu.RUnlock()
	for _, l := range listeners {
		fn(l)
	}
}

// OnStatusReceived implements AsyncHandler.
func (h *TransferCompletionHandler) OnStatusReceived(status *ResponseStatus) (State, error) {
	return h.inner.OnStatusReceived(status)
}

// OnHeadersReceived implements AsyncHandler.
func (h *TransferCompletionHandler) OnHeadersReceived(headers http.Header) (State, error) {
	h.each(func(l TransferListener) { l.OnResponseHeadersReceived(headers) })
	return h.inner.OnHeadersReceived(headers)
}

// OnBodyPartReceived implements AsyncHandler.
func (h *TransferCompletionHandler) OnBodyPartReceived(part *BodyPart) (State, error) {
	if part.Len() > 0 {
		data := bytes.Clone(part.Bytes())
		h.each(func(l TransferListener) { l.OnBytesReceived(data) })
	}
	if !h.accumulate {
		return Continue, nil
	}
	return h.inner.OnBodyPartReceived(part)
}

// OnThrowable implements AsyncHandler.
func (h *TransferCompletionHandler) OnThrowable(err error) {
	h.each(func(l TransferListener) { l.OnThrowable(err) })
}

// OnCompleted implements AsyncHandler.
func (h *TransferCompletionHandler) OnCompleted() (*Response, error) {
	h.each(func(l TransferListener) { l.OnRequestResponseCompleted() })
	return h.inner.OnCompleted()
}

// OnHeadersWritten implements ProgressHandler.
func (h *TransferCompletionHandler) OnHeadersWritten(headers http.Header) {
	h.each(func(l TransferListener) { l.OnRequestHeadersSent(headers) })
}

// OnContentWriteProgress implements ProgressHandler.
func (h *TransferCompletionHandler) OnContentWriteProgress(amount, current, total int64) {
	h.each(func(l TransferListener) { l.OnBytesSent(amount, current, total) })
}

// OnContentWritten implements ProgressHandler.
func (h *TransferCompletionHandler) OnContentWritten() {}
