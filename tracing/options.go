package tracing

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type Options struct {
	TracerProvider  trace.TracerProvider
	MeterProvider   metric.MeterProvider
	Propagator      propagation.TextMapPropagator
	OpenCensus      bool
	Logger          *zap.Logger
	PublishSpanName string
	ReceiveSpanName string
	Attributes      []attribute.KeyValue
}

type Option func(*Options)

// WithTracerProvider sets the TracerProvider spans are started with.
// The global provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) {
		o.TracerProvider = tp
	}
}

// WithMeterProvider sets the MeterProvider metrics are recorded with.
// The global provider is used by default.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *Options) {
		o.MeterProvider = mp
	}
}

// WithPropagator sets the propagator which formats the trace context in
// message headers. The global propagator is used by default.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(o *Options) {
		o.Propagator = p
	}
}

// WithOpenCensus also writes and reads OpenCensus binary trace headers, for
// services which have not moved off OpenCensus yet.
func WithOpenCensus(enabled bool) Option {
	return func(o *Options) {
		o.OpenCensus = enabled
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

func WithPublishSpanName(name string) Option {
	return func(o *Options) {
		o.PublishSpanName = name
	}
}

func WithReceiveSpanName(name string) Option {
	return func(o *Options) {
		o.ReceiveSpanName = name
	}
}

// WithAttributes adds attributes to every span.
func WithAttributes(attrs ...attribute.KeyValue) Option {
	return func(o *Options) {
		o.Attributes = append(o.Attributes, attrs...)
	}
}

func newOptions(opts ...Option) *Options {
	options := &Options{
		PublishSpanName: "send",
		ReceiveSpanName: "receive",
	}

	for _, opt := range opts {
		opt(options)
	}

	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	return options
}
