package httpclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kroma-labs/sentinel-async/uri"
)

// Execute starts req on client and returns at once. h receives the events
// of the final response on a goroutine owned by the engine; the Future
// resolves to what h.OnCompleted returns.
//
// Example - Streaming a download:
//
//	h := httpclient.HandlerFuncs[int64]{
//	    BodyPart: func(p *httpclient.BodyPart) (httpclient.State, error) {
//	        n, err := p.WriteTo(file)
//	        written += n
//	        return httpclient.Continue, err
//	    },
//	    Completed: func() (int64, error) { return written, nil },
//	}
//	n, err := httpclient.Execute(ctx, client, req, h).Get()
//
// Cancelling ctx, or the Future, closes the connection in use and fails
// the Future with ErrCancelled. A parent deadline or the request timeout
// fails it with a *TimeoutError.
func Execute[T any](ctx context.Context, client *Client, req *Request, h AsyncHandler[T]) *Future[T] {
	switch {
	case client == nil:
		return failedFuture[T](h, errNoClient)
	case req == nil:
		return failedFuture[T](h, errors.New("request is nil"))
	case client.IsClosed():
		return failedFuture[T](h, ErrClientClosed)
	}

	ctx, cancel := context.WithCancel(ctx)
	if b, ok := any(h).(contextBinder); ok {
		b.bindContext(ctx)
	}
	e := newExecution(client, req, h, cancel)
	go e.run(ctx, req)
	return e.future
}

// contextBinder is implemented by handlers that block the execution
// goroutine on a consumer and must give up when the execution ends.
type contextBinder interface {
	bindContext(ctx context.Context)
}

// failedFuture reports err to h and returns an already failed Future.
func failedFuture[T any](h AsyncHandler[T], err error) *Future[T] {
	f := newFuture[T](nil)
	if h != nil {
		h.OnThrowable(err)
	}
	f.fail(err)
	return f
}

// =============================================================================
// Execution
// =============================================================================

type stepKind int

const (
	stepNone stepKind = iota
	stepDone
	stepContinue
)

// step is the outcome of one attempt: the response was delivered, or the
// request is replayed as next.
type step struct {
	kind stepKind
	next *Request

	// reason is "redirect", "auth_challenge" or "replay".
	reason string

	// status is the response status, or 0 without a response.
	status int
}

func done(status int) step {
	return step{kind: stepDone, status: status}
}

func replay(next *Request, reason string, status int) step {
	return step{kind: stepContinue, next: next, reason: reason, status: status}
}

// execution is the state of one Execute call. Everything runs on the
// goroutine started by Execute.
type execution[T any] struct {
	client   *Client
	cfg      *internalConfig
	handler  AsyncHandler[T]
	progress ProgressHandler
	future   *Future[T]
	cancel   context.CancelFunc
	timeout  *timeoutSupervisor

	id     string
	logger zerolog.Logger
	attrs  []attribute.KeyValue

	replays int
	auth    *authState

	// pinned is the connection an NTLM handshake is bound to.
	pinned *conn

	// hooks collects filter release funcs of the current step.
	hooks *doneHooks

	// delivered is set once the handler saw a status. Nothing is retried
	// after that.
	delivered bool
	status    *ResponseStatus
}

func newExecution[T any](client *Client, req *Request, h AsyncHandler[T], cancel context.CancelFunc) *execution[T] {
	cfg := client.config
	id := uuid.NewString()
	e := &execution[T]{
		client:  client,
		cfg:     cfg,
		handler: h,
		future:  newFuture[T](cancel),
		cancel:  cancel,
		timeout: superviseTimeout(requestTimeout(cfg.httpConfig, req), cancel),
		id:      id,
		logger:  cfg.Logger.With().Str("request_id", id).Logger(),
		attrs:   append(cfg.baseAttributes(), serverAttributes(req.url)...),
		auth:    newAuthState(),
	}
	if p, ok := any(h).(ProgressHandler); ok {
		e.progress = p
	}
	return e
}

func (e *execution[T]) run(ctx context.Context, req *Request) {
	defer e.cancel()
	defer e.timeout.stop()

	start := time.Now()
	ctx, span := e.cfg.startSpan(ctx, req)
	defer span.End()
	span.SetAttributes(attribute.String("http.request.id", e.id))

	e.cfg.Metrics.recordActiveRequestStart(ctx, e.attrs)
	defer e.cfg.Metrics.recordActiveRequestEnd(ctx, e.attrs)

	v, err := e.loop(ctx, req)
	e.releasePinned()
	if err != nil {
		err = e.resolveError(ctx, err)
	}
	finishSpan(span, e.status, err)

	var statusCode int
	if e.status != nil {
		statusCode = e.status.StatusCode
	}
	errType := classifyError(err)
	attrs := e.cfg.metricsAttributes(req, statusCode, errType)
	e.cfg.Metrics.recordRequestDuration(ctx, time.Since(start), attrs)

	if err != nil {
		e.cfg.Metrics.recordError(ctx, errType, attrs)
		e.logger.Debug().Err(err).Dur("duration", time.Since(start)).Msg("request failed")
		e.handler.OnThrowable(err)
		e.future.fail(err)
		return
	}
	e.future.complete(v)
}

// resolveError maps the failure of a cancelled execution to its cause.
func (e *execution[T]) resolveError(ctx context.Context, err error) error {
	if e.timeout.expired() {
		return e.timeout.err()
	}
	switch ctxErr := ctx.Err(); {
	case ctxErr == nil:
		return err
	case errors.Is(ctxErr, context.DeadlineExceeded):
		return &TimeoutError{}
	default:
		return ErrCancelled
	}
}

// loop runs steps until the response is delivered. Redirects, answered
// challenges and filter replays together are capped by MaxRedirects.
func (e *execution[T]) loop(ctx context.Context, req *Request) (T, error) {
	var zero T
	span := trace.SpanFromContext(ctx)
	limit := e.cfg.maxRedirects()

	for {
		s, err := e.step(ctx, req)
		if err != nil {
			return zero, err
		}
		if s.kind != stepContinue {
			return e.handler.OnCompleted()
		}

		if e.replays >= limit {
			return zero, fmt.Errorf("%w: maximum redirect reached: %d", ErrTooManyRedirects, limit)
		}
		e.replays++

		e.cfg.Metrics.recordReplay(ctx, s.reason, e.attrs)
		span.AddEvent("http."+s.reason, trace.WithAttributes(
			attribute.Int("http.response.status_code", s.status),
			attribute.String("url.full", redactedURL(s.next.url)),
			attribute.Int("http.replay_count", e.replays),
		))
		e.logger.Debug().
			Str("reason", s.reason).
			Int("status", s.status).
			Str("url", redactedURL(s.next.url)).
			Msg("replaying request")

		req = s.next
	}
}

// step runs the request filters, then attempts req with retries.
func (e *execution[T]) step(ctx context.Context, req *Request) (step, error) {
	hooks := &doneHooks{}
	defer hooks.run()
	e.hooks = hooks

	fc, err := applyRequestFilters(ctx, e.cfg.RequestFilters, FilterContext{
		Request: req,
		Handler: e.handler,
		hooks:   hooks,
	})
	if err != nil {
		return step{}, err
	}
	req = fc.Request

	rs := retryScope{cfg: e.cfg, logger: e.logger, attrs: e.attrs}
	return withRetry(ctx, rs, func() (step, error) {
		return e.try(ctx, req)
	})
}

// try runs one attempt, through the host's circuit breaker when enabled.
func (e *execution[T]) try(ctx context.Context, req *Request) (step, error) {
	var (
		s   step
		err error
	)
	if e.client.breakers == nil {
		s, err = e.attempt(ctx, req)
	} else {
		err = e.client.breakers.execute(ctx, uri.HostPort(req.url), func() (int, error) {
			var aerr error
			s, aerr = e.attempt(ctx, req)
			return s.status, aerr
		})
	}

	if err != nil && (e.delivered || !req.body.replayable()) {
		return s, backoff.Permanent(err)
	}
	return s, err
}
