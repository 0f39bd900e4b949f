package httpclient

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/kroma-labs/sentinel-async/uri"
)

// startSpan starts the client span covering one execution, including its
// redirects, auth rounds and retries.
func (cfg *internalConfig) startSpan(ctx context.Context, req *Request) (context.Context, trace.Span) {
	name := "HTTP " + req.method
	if cfg.SpanNameFormatter != nil {
		name = cfg.SpanNameFormatter(req.method, req)
	}
	return cfg.Tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(cfg.requestAttributes(req)...),
	)
}

// injectTraceContext writes the propagation headers of ctx into h.
func (cfg *internalConfig) injectTraceContext(ctx context.Context, h map[string][]string) {
	if cfg.Propagators == nil {
		return
	}
	cfg.Propagators.Inject(ctx, propagation.HeaderCarrier(h))
}

// requestAttributes returns span attributes for the request.
func (cfg *internalConfig) requestAttributes(req *Request) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 8)
	attrs = append(attrs, cfg.baseAttributes()...)
	attrs = append(attrs,
		attribute.String("http.request.method", req.method),
		attribute.String("url.full", redactedURL(req.url)),
		attribute.String("url.scheme", req.url.Scheme),
	)
	attrs = append(attrs, serverAttributes(req.url)...)

	if req.body != nil && req.body.length > 0 {
		attrs = append(attrs, attribute.Int64("http.request.body.size", req.body.length))
	}
	if ua := req.header.Get("User-Agent"); ua != "" {
		attrs = append(attrs, attribute.String("user_agent.original", ua))
	}
	return attrs
}

// responseAttributes returns span attributes for the delivered status.
func responseAttributes(status *ResponseStatus) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int("http.response.status_code", status.StatusCode),
	}
	if version, ok := strings.CutPrefix(status.Proto, "HTTP/"); ok {
		attrs = append(attrs, attribute.String("network.protocol.version", version))
	}
	if status.URL != nil {
		attrs = append(attrs, attribute.String("url.full", redactedURL(status.URL)))
	}
	return attrs
}

// metricsAttributes returns attributes for the request duration metric.
// status is 0 when no response was delivered.
func (cfg *internalConfig) metricsAttributes(req *Request, status int, errorType string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 6)
	attrs = append(attrs, cfg.baseAttributes()...)
	attrs = append(attrs, attribute.String("http.request.method", req.method))
	attrs = append(attrs, serverAttributes(req.url)...)

	if status > 0 {
		attrs = append(attrs, attribute.Int("http.response.status_code", status))
		if errorType == "" {
			errorType = errorTypeFromStatusCode(status)
		}
	}
	if errorType != "" {
		attrs = append(attrs, attribute.String("error.type", errorType))
	}
	return attrs
}

func serverAttributes(u *url.URL) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if host := u.Hostname(); host != "" {
		attrs = append(attrs, attribute.String("server.address", uri.IdnaHost(host)))
	}
	if port := uri.Port(u); port > 0 {
		attrs = append(attrs, attribute.Int("server.port", port))
	}
	return attrs
}

// finishSpan sets the outcome of an execution on its span.
func finishSpan(span trace.Span, status *ResponseStatus, err error) {
	if err != nil {
		setSpanError(span, err, classifyError(err))
		return
	}
	if status == nil {
		return
	}
	span.SetAttributes(responseAttributes(status)...)
	if status.StatusCode >= 400 {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status.StatusCode))
		span.SetAttributes(attribute.String("error.type", errorTypeFromStatusCode(status.StatusCode)))
	}
}

// redactedURL drops user info from u.
func redactedURL(u *url.URL) string {
	if u.User == nil {
		return u.String()
	}
	c := *u
	c.User = nil
	return c.String()
}
