package httpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http/httptrace"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Error type classifications for the error.type attribute.
const (
	ErrorTypeTimeout           = "timeout"
	ErrorTypeConnectionRefused = "connection_refused"
	ErrorTypeDNSError          = "dns_error"
	ErrorTypeTLSError          = "tls_error"
	ErrorTypeCancelled         = "cancelled"
	ErrorTypeConnectionReset   = "connection_reset"
	ErrorTypeEOF               = "eof"
	ErrorTypeRemotelyClosed    = "remotely_closed"
	ErrorTypeTooManyRedirects  = "too_many_redirects"
	ErrorTypeFilterRejected    = "filter_rejected"
	ErrorTypePoolExhausted     = "pool_exhausted"
	ErrorTypeUnknown           = "unknown"
)

// phase is a timed step of an attempt. Either end may be unset.
type phase struct {
	start, done time.Time
}

func (p phase) complete() bool { return !p.start.IsZero() && !p.done.IsZero() }

func (p phase) duration() time.Duration { return p.done.Sub(p.start) }

// networkTrace holds timing data for one attempt. The engine fires the
// httptrace.ClientTrace hooks found on the attempt context; see hooks.
type networkTrace struct {
	connect phase
	tls     phase

	// wait runs from asking the pool for a connection to getting one.
	wait phase

	// response runs from the request being written to its first byte.
	response phase

	wroteHeaders time.Time

	connReused  bool
	connIdle    bool
	connRemote  string
	tlsVersion  string
	tlsResumed  bool
	tlsFailed   bool
	continueReq bool
	continueGot bool
}

// createClientTrace returns hooks that fill nt.
func createClientTrace(nt *networkTrace) *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		GetConn: func(string) { nt.wait.start = time.Now() },
		GotConn: func(info httptrace.GotConnInfo) {
			nt.wait.done = time.Now()
			nt.connReused, nt.connIdle = info.Reused, info.WasIdle
			if info.Conn != nil && info.Conn.RemoteAddr() != nil {
				nt.connRemote = info.Conn.RemoteAddr().String()
			}
		},
		ConnectStart:      func(string, string) { nt.connect.start = time.Now() },
		ConnectDone:       func(string, string, error) { nt.connect.done = time.Now() },
		TLSHandshakeStart: func() { nt.tls.start = time.Now() },
		TLSHandshakeDone: func(state tls.ConnectionState, err error) {
			nt.tls.done = time.Now()
			nt.tlsVersion = tls.VersionName(state.Version)
			nt.tlsResumed = state.DidResume
			nt.tlsFailed = err != nil
		},
		WroteHeaders:         func() { nt.wroteHeaders = time.Now() },
		Wait100Continue:      func() { nt.continueReq = true },
		Got100Continue:       func() { nt.continueGot = true },
		WroteRequest:         func(httptrace.WroteRequestInfo) { nt.response.start = time.Now() },
		GotFirstResponseByte: func() { nt.response.done = time.Now() },
	}
}

// hooks returns the ClientTrace on ctx. Every attempt installs one from
// createClientTrace, so outside an attempt a throwaway trace is returned
// and the engine never checks hooks for nil.
func hooks(ctx context.Context) *httptrace.ClientTrace {
	if ct := httptrace.ContextClientTrace(ctx); ct != nil {
		return ct
	}
	return createClientTrace(&networkTrace{})
}

func durationMs(key string, d time.Duration) attribute.KeyValue {
	return attribute.Float64(key, float64(d.Microseconds())/1000)
}

// addTraceEvents adds one span event per observed step of the attempt.
func (nt *networkTrace) addTraceEvents(span trace.Span) {
	if nt.connect.complete() {
		span.AddEvent("connect.start", trace.WithTimestamp(nt.connect.start))
		span.AddEvent("connect.done", trace.WithTimestamp(nt.connect.done),
			trace.WithAttributes(durationMs("connect.duration_ms", nt.connect.duration())))
	}

	if nt.tls.complete() {
		span.AddEvent("tls.start", trace.WithTimestamp(nt.tls.start))
		span.AddEvent("tls.done", trace.WithTimestamp(nt.tls.done), trace.WithAttributes(
			durationMs("tls.duration_ms", nt.tls.duration()),
			attribute.String("tls.protocol", nt.tlsVersion),
			attribute.Bool("tls.resumed", nt.tlsResumed),
			attribute.Bool("tls.failed", nt.tlsFailed),
		))
	}

	if !nt.wait.done.IsZero() {
		attrs := []attribute.KeyValue{
			attribute.Bool("connection.reused", nt.connReused),
			attribute.Bool("connection.was_idle", nt.connIdle),
			attribute.String("network.peer.address", nt.connRemote),
		}
		if nt.wait.complete() {
			attrs = append(attrs, durationMs("connection.wait_ms", nt.wait.duration()))
		}
		span.AddEvent("got_conn", trace.WithTimestamp(nt.wait.done), trace.WithAttributes(attrs...))
	}

	if nt.continueReq {
		span.AddEvent("expect_continue", trace.WithAttributes(
			attribute.Bool("http.continue_received", nt.continueGot),
		))
	}

	if !nt.response.start.IsZero() {
		span.AddEvent("wrote_request", trace.WithTimestamp(nt.response.start))
	}
	if !nt.response.done.IsZero() {
		var ttfb attribute.KeyValue
		if nt.response.complete() {
			ttfb = durationMs("ttfb_ms", nt.response.duration())
		} else {
			ttfb = attribute.Float64("ttfb_ms", 0)
		}
		span.AddEvent("got_first_response_byte",
			trace.WithTimestamp(nt.response.done), trace.WithAttributes(ttfb))
	}
}

// recordTimingMetrics records the complete phases of the attempt.
// Connection counts are tracked by the pool.
func (nt *networkTrace) recordTimingMetrics(ctx context.Context, m *metrics, attrs []attribute.KeyValue) {
	if m == nil {
		return
	}
	if nt.connect.complete() {
		m.recordConnectionDuration(ctx, nt.connect.duration(), attrs)
	}
	if nt.tls.complete() {
		m.recordTLSDuration(ctx, nt.tls.duration(), attrs)
	}
	if nt.response.complete() {
		m.recordTTFB(ctx, nt.response.duration(), attrs)
	}
}

// errorRule maps errors matching match to an error.type.
type errorRule struct {
	errorType string
	match     func(error) bool
}

func isErr(target error) func(error) bool {
	return func(err error) bool { return errors.Is(err, target) }
}

func asErr[T error]() func(error) bool {
	return func(err error) bool {
		var target T
		return errors.As(err, &target)
	}
}

func netTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// errorRules are checked in order. Engine errors come first since they
// wrap the network cause.
var errorRules = []errorRule{
	{ErrorTypeTimeout, IsTimeout},
	{ErrorTypeCancelled, isErr(ErrCancelled)},
	{ErrorTypeCancelled, isErr(context.Canceled)},
	{ErrorTypeTooManyRedirects, isErr(ErrTooManyRedirects)},
	{ErrorTypeFilterRejected, isErr(ErrFilterRejected)},
	{ErrorTypePoolExhausted, isErr(ErrPoolExhausted)},

	{ErrorTypeTimeout, isErr(context.DeadlineExceeded)},
	{ErrorTypeTimeout, netTimeout},
	{ErrorTypeDNSError, asErr[*net.DNSError]()},
	{ErrorTypeTLSError, asErr[tls.RecordHeaderError]()},
	{ErrorTypeTLSError, asErr[*tls.CertificateVerificationError]()},
	{ErrorTypeConnectionRefused, isErr(syscall.ECONNREFUSED)},
	{ErrorTypeConnectionReset, isErr(syscall.ECONNRESET)},
	{ErrorTypeRemotelyClosed, isErr(ErrRemotelyClosed)},
	{ErrorTypeEOF, isErr(io.EOF)},
	{ErrorTypeEOF, isErr(io.ErrUnexpectedEOF)},
}

// errorPatterns classify errors that lost their type on the way, such as
// those from SOCKS5 dialers.
var errorPatterns = []struct {
	errorType string
	substrs   []string
}{
	{ErrorTypeTimeout, []string{"timeout"}},
	{ErrorTypeConnectionRefused, []string{"connection refused"}},
	{ErrorTypeConnectionReset, []string{"connection reset"}},
	{ErrorTypeDNSError, []string{"no such host", "dns"}},
	{ErrorTypeTLSError, []string{"tls", "certificate", "x509"}},
	{ErrorTypeEOF, []string{"eof"}},
}

// classifyError returns the error.type of err, or "" for nil.
func classifyError(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range errorRules {
		if r.match(err) {
			return r.errorType
		}
	}

	msg := strings.ToLower(err.Error())
	for _, p := range errorPatterns {
		for _, s := range p.substrs {
			if strings.Contains(msg, s) {
				return p.errorType
			}
		}
	}
	return ErrorTypeUnknown
}

// errorTypeFromStatusCode returns the status code as error.type for 4xx and
// 5xx, per the OTel HTTP conventions.
func errorTypeFromStatusCode(statusCode int) string {
	if statusCode >= 400 {
		return strconv.Itoa(statusCode)
	}
	return ""
}

// setSpanError marks span as failed with err.
func setSpanError(span trace.Span, err error, errorType string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errorType != "" {
		span.SetAttributes(attribute.String("error.type", errorType))
	}
}
