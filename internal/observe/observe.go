// Package observe carries the logger, metrics and tracer every engine
// component receives at construction. Nothing in the engine uses globals.
package observe

import (
	"context"
	"io"
	"log"
	"strconv"

	"github.com/albertbausili/velox/internal/features"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation name used for spans.
const TracerName = "github.com/albertbausili/velox"

// Observer bundles the observability sinks.
type Observer struct {
	Logger     *log.Logger
	Metrics    *Metrics
	Tracer     trace.Tracer
	Propagator propagation.TextMapPropagator
}

// Options configures New.
type Options struct {
	Logger         *log.Logger
	Registerer     prometheus.Registerer
	TracerProvider trace.TracerProvider
	Propagator     propagation.TextMapPropagator
}

// New builds an Observer. Nil options fall back to silent or no-op sinks.
func New(opts Options) (*Observer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	metrics, err := NewMetrics(opts.Registerer)
	if err != nil {
		return nil, err
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	prop := opts.Propagator
	if prop == nil {
		prop = propagation.TraceContext{}
	}
	return &Observer{
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     tp.Tracer(TracerName),
		Propagator: prop,
	}, nil
}

// Nop returns an Observer that discards everything. Intended for tests.
func Nop() *Observer {
	o, err := New(Options{})
	if err != nil {
		panic(err)
	}
	return o
}

// RequestInfo describes a request for tracing.
type RequestInfo struct {
	Protocol  string
	Method    string
	Path      string
	Scheme    string
	Authority string
	RequestID string
	Headers   features.Headers
}

// StartRequest opens a server span, continuing any trace context carried in
// the request headers.
func (o *Observer) StartRequest(ctx context.Context, info RequestInfo) (context.Context, trace.Span) {
	ctx = o.Propagator.Extract(ctx, headerCarrier{headers: &info.Headers})
	ctx, span := o.Tracer.Start(ctx, info.Method+" "+info.Path, trace.WithSpanKind(trace.SpanKindServer))
	if span.IsRecording() {
		span.SetAttributes(
			attribute.String("http.request.method", info.Method),
			attribute.String("url.path", info.Path),
			attribute.String("url.scheme", info.Scheme),
			attribute.String("server.address", info.Authority),
			attribute.String("network.protocol.name", "http"),
			attribute.String("network.protocol.version", info.Protocol),
			attribute.String("http.request_id", info.RequestID),
		)
	}
	return ctx, span
}

// EndRequest records the outcome and ends span.
func (o *Observer) EndRequest(span trace.Span, status int, err error) {
	if span.IsRecording() {
		span.SetAttributes(attribute.Int("http.response.status_code", status))
		switch {
		case err != nil:
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case status >= 500:
			span.SetStatus(codes.Error, strconv.Itoa(status))
		default:
			span.SetStatus(codes.Ok, "")
		}
	}
	span.End()
}

// headerCarrier adapts features.Headers to propagation.TextMapCarrier.
type headerCarrier struct {
	headers *features.Headers
}

func (hc headerCarrier) Get(key string) string { return hc.headers.Get(key) }

func (hc headerCarrier) Set(key, value string) { hc.headers.Set(key, value) }

func (hc headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*hc.headers))
	for _, h := range *hc.headers {
		keys = append(keys, h.Name)
	}
	return keys
}
