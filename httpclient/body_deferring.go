package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
)

// BodyDeferringHandler makes the status and headers available as soon as
// they arrive while the body is still streaming into a writer.
//
// Example - Streaming to a file:
//
//	h := httpclient.NewBodyDeferringHandler(file)
//	f := httpclient.Execute(ctx, client, req, h)
//
//	resp, err := h.Response(ctx) // headers only, body still in flight
//	if err != nil {
//	    return err
//	}
//	log.Println(resp.Header.Get("Content-Length"))
//
//	_, err = f.Get() // body fully written
//
// Body parts are written on the engine goroutine, so a slow writer slows
// down the network read.
type BodyDeferringHandler struct {
	w    io.Writer
	pipe *chunkPipe

	ready     chan struct{}
	readyOnce sync.Once

	mu      sync.Mutex
	status  *ResponseStatus
	headers http.Header
	err     error
}

// NewBodyDeferringHandler returns a handler writing the body to w.
func NewBodyDeferringHandler(w io.Writer) *BodyDeferringHandler {
	return &BodyDeferringHandler{
		w:     w,
		ready: make(chan struct{}),
	}
}

// Response blocks until the headers arrived, the execution failed, or ctx
// is done. The returned Response has no body.
func (h *BodyDeferringHandler) Response(ctx context.Context) (*Response, error) {
	select {
	case <-h.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.headers == nil && h.err != nil {
		return nil, h.err
	}
	return newResponse(h.status, h.headers, nil), nil
}

// bindContext implements contextBinder.
func (h *BodyDeferringHandler) bindContext(ctx context.Context) {
	if h.pipe != nil {
		h.pipe.bind(ctx)
	}
}

func (h *BodyDeferringHandler) signal() {
	h.readyOnce.Do(func() { close(h.ready) })
}

// OnStatusReceived implements AsyncHandler.
func (h *BodyDeferringHandler) OnStatusReceived(status *ResponseStatus) (State, error) {
	h.mu.Lock()
	h.status = status
	h.mu.Unlock()
	return Continue, nil
}

// OnHeadersReceived implements AsyncHandler.
func (h *BodyDeferringHandler) OnHeadersReceived(headers http.Header) (State, error) {
	h.mu.Lock()
	h.headers = headers
	h.mu.Unlock()
	h.signal()
	return Continue, nil
}

// OnBodyPartReceived implements AsyncHandler.
func (h *BodyDeferringHandler) OnBodyPartReceived(part *BodyPart) (State, error) {
	if _, err := h.w.Write(part.Bytes()); err != nil {
		return Abort, err
	}
	return Continue, nil
}

// OnThrowable implements AsyncHandler.
func (h *BodyDeferringHandler) OnThrowable(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	if h.pipe != nil {
		h.pipe.closeWrite(err)
	}
	h.signal()
}

// OnCompleted implements AsyncHandler.
func (h *BodyDeferringHandler) OnCompleted() (*Response, error) {
	if h.pipe != nil {
		h.pipe.closeWrite(nil)
	}
	h.signal()

	h.mu.Lock()
	defer h.mu.Unlock()
	return newResponse(h.status, h.headers, nil), nil
}

// =============================================================================
// Pull Variant
// =============================================================================

// BodyDeferringReader reads the body streamed by its BodyDeferringHandler.
// Read returns io.EOF only once the body is complete; a failed or
// truncated transfer returns the execution error instead.
//
// Example:
//
//	r, h := httpclient.NewBodyDeferringReader(16)
//	f := httpclient.Execute(ctx, client, req, h)
//	defer r.Close()
//
//	resp, err := h.Response(ctx)
//	...
//	_, err = io.Copy(dst, r)
type BodyDeferringReader struct {
	pipe *chunkPipe
}

// NewBodyDeferringReader returns a reader and the handler feeding it. At
// most bufferedChunks body parts are queued before the engine waits for
// the reader.
func NewBodyDeferringReader(bufferedChunks int) (*BodyDeferringReader, *BodyDeferringHandler) {
	p := newChunkPipe(bufferedChunks)
	h := NewBodyDeferringHandler(p)
	h.pipe = p
	return &BodyDeferringReader{pipe: p}, h
}

// Read implements io.Reader.
func (r *BodyDeferringReader) Read(b []byte) (int, error) {
	n, err := r.pipe.Read(b)
	if errors.Is(err, io.ErrClosedPipe) {
		return n, ErrConsumerClosed
	}
	return n, err
}

// Close stops the transfer if the body is not complete yet. The execution
// then fails with ErrConsumerClosed.
func (r *BodyDeferringReader) Close() error {
	return r.pipe.Close()
}
