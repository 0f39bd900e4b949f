package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/http/httputil"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kroma-labs/sentinel-async/uri"
)

const (
	// maxDrainBytes bounds how much of an unwanted body (redirect,
	// challenge) is read to keep its connection.
	maxDrainBytes = 256 << 10

	defaultExpectContinueTimeout = time.Second
	defaultBodyPartSize          = 8192
)

// exchange writes req on c and handles the response. c goes back to the
// pool, or to the execution when an NTLM handshake pins it, once the
// response is consumed.
func (e *execution[T]) exchange(ctx context.Context, c *conn, rt route, req *Request) (s step, err error) {
	var reusable, pin bool

	stop := context.AfterFunc(ctx, c.abort)
	defer func() {
		if !stop() {
			// The execution was cancelled and c aborted.
			reusable = false
		}
		switch {
		case pin && reusable:
			c.reused = true
			e.pinned = c
		case pin:
			_ = c.Close()
			if err == nil {
				s, err = step{}, fmt.Errorf("%w: server closed the connection", ErrAuthHandshakeLost)
			}
		default:
			e.client.pool.release(c, reusable)
		}
	}()

	body, length, closeBody, err := req.body.open()
	if err != nil {
		return step{}, err
	}
	defer func() { _ = closeBody() }()

	start := time.Now()
	requestURI := uri.RequestTarget(rt.target)
	h := e.prepareHeader(ctx, req, rt, requestURI, body != nil, length)

	tr := hooks(ctx)
	if err := e.writeHead(c, req.method, requestLineTarget(rt, requestURI), req, rt, h); err != nil {
		return step{}, e.ioFailed(ctx, c, err, false)
	}
	tr.WroteHeaders()
	if e.progress != nil {
		e.progress.OnHeadersWritten(h.Clone())
	}
	logAttempt(e.logger, e.cfg.Debug, req, redactedURL(rt.target), h)

	// A final status received before the body was sent.
	var early *http.Response
	if body != nil && strings.EqualFold(h.Get("Expect"), "100-continue") {
		tr.Wait100Continue()
		early, err = e.awaitContinue(ctx, c, req.method)
		if err != nil {
			return step{}, err
		}
	}

	var (
		sent     int64
		writeErr error
	)
	if body != nil && early == nil {
		sent, writeErr = e.writeBody(c, body, length, h.Get("Transfer-Encoding") == "chunked")
		var src *bodySourceError
		if errors.As(writeErr, &src) {
			return step{}, writeErr
		}
		if writeErr != nil && ctx.Err() != nil {
			return step{}, ctx.Err()
		}
	}
	tr.WroteRequest(httptrace.WroteRequestInfo{Err: writeErr})
	if body != nil {
		e.cfg.Metrics.recordRequestBodySize(ctx, sent, e.attrs)
	}

	resp := early
	if resp == nil {
		resp, err = e.readHead(ctx, c, req.method)
		if err != nil {
			if writeErr != nil {
				// The server stopped reading without answering.
				return step{}, e.ioFailed(ctx, c, writeErr, false)
			}
			return step{}, err
		}
	}

	status := newStatus(resp, rt.target, c)
	elapsed := time.Since(start)
	e.client.latency.record(uri.HostPort(rt.target), elapsed)
	logResponse(e.logger, status, resp.Header, elapsed)

	s, reusable, pin, err = e.handle(ctx, req, rt, resp, status)
	if early != nil || writeErr != nil {
		// The request body was not fully sent.
		reusable = false
	}
	return s, err
}

// prepareHeader returns the headers written for req.
func (e *execution[T]) prepareHeader(
	ctx context.Context,
	req *Request,
	rt route,
	requestURI string,
	hasBody bool,
	length int64,
) http.Header {
	hc := e.cfg.httpConfig
	h := req.header.Clone()
	h.Del(replayMarkerHeader)
	h.Del("Host")

	if h.Get("User-Agent") == "" {
		ua := hc.UserAgent
		if ua == "" {
			ua = defaultUserAgent
		}
		h.Set("User-Agent", ua)
	}
	if h.Get("Accept") == "" {
		h.Set("Accept", "*/*")
	}

	if len(req.cookies) > 0 {
		pairs := make([]string, 0, len(req.cookies))
		for _, ck := range req.cookies {
			pairs = append(pairs, (&http.Cookie{Name: ck.Name, Value: ck.Value}).String())
		}
		h.Add("Cookie", strings.Join(pairs, "; "))
	}

	if h.Get("Authorization") == "" {
		if v := e.auth.preemptive(e.serverRealm(req), req.method, requestURI, req.body.snapshot()); v != "" {
			h.Set("Authorization", v)
		}
	}
	switch {
	case !rt.forward:
		// Only a forwarding proxy reads the request head; otherwise it
		// goes to the origin.
		h.Del("Proxy-Authorization")
	case h.Get("Proxy-Authorization") == "":
		if v := rt.proxy.preemptiveAuth(); v != "" {
			h.Set("Proxy-Authorization", v)
		}
	}

	h.Del("Content-Length")
	h.Del("Transfer-Encoding")
	switch {
	case hasBody && length >= 0:
		h.Set("Content-Length", strconv.FormatInt(length, 10))
	case hasBody:
		h.Set("Transfer-Encoding", "chunked")
	case req.method == http.MethodPost || req.method == http.MethodPut || req.method == http.MethodPatch:
		h.Set("Content-Length", "0")
	}

	e.cfg.injectTraceContext(ctx, h)
	return h
}

// requestLineTarget is the absolute URL for forwarding proxies and the
// origin form otherwise.
func requestLineTarget(rt route, requestURI string) string {
	if !rt.forward {
		return requestURI
	}
	abs := *rt.target
	abs.User = nil
	abs.Fragment = ""
	abs.RawFragment = ""
	return abs.String()
}

func (e *execution[T]) writeHead(c *conn, method, target string, req *Request, rt route, h http.Header) error {
	host := req.virtualHost
	if host == "" {
		host = uri.HostHeader(rt.target)
	}
	if _, err := fmt.Fprintf(c.bw, "%s %s HTTP/1.1\r\nHost: %s\r\n", method, target, host); err != nil {
		return err
	}
	if err := h.Write(c.bw); err != nil {
		return err
	}
	if _, err := c.bw.WriteString("\r\n"); err != nil {
		return err
	}
	return c.bw.Flush()
}

// awaitContinue waits up to ExpectContinueTimeout for the server to accept
// the body. It returns the final response when the server answered without
// a 100, or nil when the body should be sent.
func (e *execution[T]) awaitContinue(ctx context.Context, c *conn, method string) (*http.Response, error) {
	wait := e.cfg.httpConfig.ExpectContinueTimeout
	if wait <= 0 {
		wait = defaultExpectContinueTimeout
	}

	_ = c.netConn.SetReadDeadline(time.Now().Add(wait))
	_, err := c.br.Peek(1)
	_ = c.netConn.SetReadDeadline(time.Time{})

	// Clearing the deadline may have undone an abort.
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return nil, nil
	}
	if err != nil {
		return nil, e.ioFailed(ctx, c, err, false)
	}

	tr := hooks(ctx)
	tr.GotFirstResponseByte()
	resp, err := http.ReadResponse(c.br, &http.Request{Method: method})
	if err != nil {
		return nil, e.ioFailed(ctx, c, err, true)
	}
	if resp.StatusCode == http.StatusContinue {
		tr.Got100Continue()
		return nil, nil
	}
	if resp.StatusCode > 100 && resp.StatusCode < 200 && resp.StatusCode != http.StatusSwitchingProtocols {
		return e.readHead(ctx, c, method)
	}
	return resp, nil
}

// bodySourceError is a failure reading the request body, as opposed to
// writing it to the connection.
type bodySourceError struct {
	err error
}

func (e *bodySourceError) Error() string {
	return "read request body: " + e.err.Error()
}

func (e *bodySourceError) Unwrap() error {
	return e.err
}

// sourceReader records read errors of the request body.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && err != io.EOF {
		s.err = err
	}
	return n, err
}

// writeBody sends the request body. Files go straight to plain sockets so
// the kernel can copy them without a pass through user space.
func (e *execution[T]) writeBody(c *conn, body io.Reader, length int64, chunked bool) (int64, error) {
	if f, ok := body.(*os.File); ok && e.progress == nil && !chunked && !c.isTLS() {
		if err := c.bw.Flush(); err != nil {
			return 0, err
		}
		n, err := io.Copy(c.netConn, f)
		if err == nil && n != length {
			err = fmt.Errorf("file body: sent %d of %d bytes", n, length)
		}
		return n, err
	}

	src := &sourceReader{r: body}
	var r io.Reader = src
	if e.progress != nil {
		r = newProgressReader(src, length, e.progress.OnContentWriteProgress)
	}

	var (
		n   int64
		err error
	)
	if chunked {
		cw := httputil.NewChunkedWriter(c.bw)
		n, err = io.Copy(cw, r)
		if err == nil {
			err = cw.Close()
		}
		if err == nil {
			_, err = c.bw.WriteString("\r\n")
		}
	} else {
		n, err = io.Copy(c.bw, r)
		if err == nil && n != length {
			err = &bodySourceError{err: fmt.Errorf("content length %d, body length %d", length, n)}
		}
	}
	if src.err != nil {
		return n, &bodySourceError{err: src.err}
	}
	if err != nil {
		return n, err
	}
	if err := c.bw.Flush(); err != nil {
		return n, err
	}

	if e.progress != nil {
		e.progress.OnContentWritten()
	}
	return n, nil
}

// readHead reads the response head, skipping interim 1xx responses.
func (e *execution[T]) readHead(ctx context.Context, c *conn, method string) (*http.Response, error) {
	if _, err := c.br.Peek(1); err != nil {
		return nil, e.ioFailed(ctx, c, err, false)
	}
	hooks(ctx).GotFirstResponseByte()

	for {
		resp, err := http.ReadResponse(c.br, &http.Request{Method: method})
		if err != nil {
			return nil, e.ioFailed(ctx, c, err, true)
		}
		if resp.StatusCode >= 100 && resp.StatusCode < 200 && resp.StatusCode != http.StatusSwitchingProtocols {
			continue
		}
		return resp, nil
	}
}

// ioFailed classifies an I/O error on c. received reports whether any byte
// of the response had arrived.
func (e *execution[T]) ioFailed(ctx context.Context, c *conn, err error, received bool) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	err = remotelyClosed(err)
	if c.reused && !received {
		return &staleConnError{err: err}
	}
	return err
}

func newStatus(resp *http.Response, target *url.URL, c *conn) *ResponseStatus {
	u := *target
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	return &ResponseStatus{
		StatusCode: resp.StatusCode,
		StatusText: text,
		Proto:      resp.Proto,
		ProtoMajor: resp.ProtoMajor,
		ProtoMinor: resp.ProtoMinor,
		URL:        &u,
		LocalAddr:  c.netConn.LocalAddr(),
		RemoteAddr: c.netConn.RemoteAddr(),
	}
}

// =============================================================================
// Response Orchestration
// =============================================================================

// handle decides what the response head means: a filter replay, an auth
// challenge to answer, a redirect to follow, or the response to deliver.
// It reports whether the connection may be reused and whether it must be
// kept for the next attempt.
func (e *execution[T]) handle(
	ctx context.Context,
	req *Request,
	rt route,
	resp *http.Response,
	status *ResponseStatus,
) (s step, reusable, pin bool, err error) {
	code := resp.StatusCode

	if len(e.cfg.ResponseFilters) > 0 {
		fc, err := applyResponseFilters(ctx, e.cfg.ResponseFilters, FilterContext{
			Request: req,
			Handler: e.handler,
			Status:  status,
			Headers: resp.Header.Clone(),
			hooks:   e.hooks,
		})
		if err != nil {
			return step{}, false, false, err
		}
		if fc.ReplayRequest {
			return replay(fc.Request, "replay", code), e.drain(resp), false, nil
		}
	}

	if side, ok := challengeSide(code); ok {
		next, pin, err := e.answerChallenge(side, req, rt, resp)
		if err != nil {
			return step{}, false, false, err
		}
		if next != nil {
			return replay(next, "auth_challenge", code), e.drain(resp), pin, nil
		}
	}

	if isRedirectStatus(code) && followsRedirects(e.cfg.httpConfig, req) {
		next, err := redirectRequest(req, rt.target, resp, e.cfg.httpConfig.Strict302Handling)
		if err != nil {
			return step{}, false, false, err
		}
		if next != nil {
			e.auth.reset()
			return replay(next, "redirect", code), e.drain(resp), false, nil
		}
	}

	s, reusable, err = e.deliver(ctx, resp, status)
	return s, reusable, false, err
}

// serverRealm returns the credentials for the origin server.
func (e *execution[T]) serverRealm(req *Request) *Realm {
	if req.realm != nil {
		return req.realm
	}
	return e.cfg.Realm
}

// answerChallenge derives the request answering a 401 or 407, or returns
// nil when the challenge goes to the handler.
func (e *execution[T]) answerChallenge(side authSide, req *Request, rt route, resp *http.Response) (*Request, bool, error) {
	var realm *Realm
	switch {
	case side == authServer:
		realm = e.serverRealm(req)
	case rt.proxy != nil && rt.forward:
		realm = rt.proxy.realm()
	}
	if realm == nil {
		return nil, false, nil
	}

	requestURI := uri.RequestTarget(rt.target)
	if side == authProxy {
		requestURI = requestLineTarget(rt, requestURI)
	}
	challenges := parseChallenges(resp.Header.Values(side.challengeHeader()))
	ans, ok, err := e.auth.answer(side, realm, challenges, req.method, requestURI, req.body.snapshot())
	if err != nil || !ok {
		return nil, false, err
	}

	next, err := NewRequestBuilderFrom(req).Header(side.header(), ans.value).Build()
	if err != nil {
		return nil, false, err
	}
	e.logger.Debug().
		Str("side", side.String()).
		Str("scheme", ans.scheme.String()).
		Msg("answering auth challenge")
	return next, ans.pin, nil
}

// drain discards a small unwanted body so its connection can be reused.
func (e *execution[T]) drain(resp *http.Response) bool {
	n, err := io.CopyN(io.Discard, resp.Body, maxDrainBytes+1)
	return errors.Is(err, io.EOF) && n <= maxDrainBytes && !resp.Close
}

// deliver hands the response to the handler. ABORT from any callback ends
// the execution with the handler's result and closes the connection.
func (e *execution[T]) deliver(ctx context.Context, resp *http.Response, status *ResponseStatus) (step, bool, error) {
	e.delivered = true
	e.status = status
	s := done(status.StatusCode)

	st, err := e.handler.OnStatusReceived(status)
	if err != nil || st == Abort {
		return s, false, err
	}
	st, err = e.handler.OnHeadersReceived(resp.Header.Clone())
	if err != nil || st == Abort {
		return s, false, err
	}

	complete, err := e.streamBody(ctx, resp)
	return s, complete && !resp.Close, err
}

// streamBody passes the body to the handler in parts of at most
// ReadBufferSize bytes. The part buffer is reused between calls. It
// reports whether the body was read to the end.
func (e *execution[T]) streamBody(ctx context.Context, resp *http.Response) (bool, error) {
	if resp.Body == http.NoBody || resp.ContentLength == 0 {
		return true, nil
	}

	size := e.cfg.httpConfig.ReadBufferSize
	if size <= 0 {
		size = defaultBodyPartSize
	}
	buf := make([]byte, size)

	start := time.Now()
	var total int64
	defer func() {
		e.cfg.Metrics.recordResponseBodySize(ctx, total, e.attrs)
		e.cfg.Metrics.recordContentTransferDuration(ctx, time.Since(start), e.attrs)
	}()

	part := &BodyPart{}
	for {
		n, err := resp.Body.Read(buf)
		total += int64(n)
		eof := errors.Is(err, io.EOF) ||
			(resp.ContentLength > 0 && total == resp.ContentLength)
		if err != nil && !errors.Is(err, io.EOF) {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, remotelyClosed(err)
		}

		if n > 0 || eof {
			part.data = buf[:n]
			part.last = eof
			st, herr := e.handler.OnBodyPartReceived(part)
			if herr != nil || st == Abort {
				return false, herr
			}
		}
		if eof {
			return true, nil
		}
	}
}
