// Package propagation moves trace context in and out of AMQP message headers.
//
// The Codec only ever touches the header keys named by Fields. Everything
// else in a header table is left as it was, so consumers that do not take
// part in tracing only see a few extra headers.
package propagation

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Codec injects and extracts trace context using AMQP headers as carrier.
type Codec struct {
	propagator propagation.TextMapPropagator
	openCensus bool
}

type Option func(*Codec)

// WithPropagator sets the propagator used to format the context. When unset
// the global propagator is used, looked up on every call.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(c *Codec) {
		c.propagator = p
	}
}

// WithOpenCensus makes the Codec also write OpenCensus binary headers and
// fall back to reading them when no propagator fields are present.
func WithOpenCensus(enabled bool) Option {
	return func(c *Codec) {
		c.openCensus = enabled
	}
}

// NewCodec returns a Codec configured by opts.
func NewCodec(opts ...Option) *Codec {
	c := &Codec{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Codec) textMapPropagator() propagation.TextMapPropagator {
	if c.propagator != nil {
		return c.propagator
	}
	return otel.GetTextMapPropagator()
}

// Fields returns the header keys the Codec may write.
func (c *Codec) Fields() []string {
	fields := append([]string(nil), c.textMapPropagator().Fields()...)
	if c.openCensus {
		fields = append(fields, TraceContextKey, TraceStateKey)
	}
	return fields
}

// Inject writes the span context held by ctx into headers, overwriting the
// keys returned by Fields. headers must not be nil.
func (c *Codec) Inject(ctx context.Context, headers amqp.Table) {
	c.textMapPropagator().Inject(ctx, TableCarrier(headers))
	if c.openCensus {
		injectOpenCensus(ctx, headers)
	}
}

// Extract returns ctx carrying the remote context found in headers.
//
// Baggage found without a span context is kept on ctx, and ctx's span stays
// the active one. If headers are nil, empty or hold neither a valid span
// context nor baggage, ctx is returned unchanged together with false. That is
// the common case for traffic from producers that do not propagate context
// and is not an error.
func (c *Codec) Extract(ctx context.Context, headers amqp.Table) (context.Context, bool) {
	if len(headers) == 0 {
		return ctx, false
	}

	prop := c.textMapPropagator()
	carrier := TableCarrier(headers)

	base, found := ctx, false

	// if any of the fields used by
	// the text map propagation is set
	// we use otel to decode
	for _, field := range prop.Fields() {
		if carrier.Get(field) == "" {
			continue
		}
		extracted := prop.Extract(ctx, carrier)
		sc := trace.SpanContextFromContext(extracted)
		if sc.IsValid() && sc.IsRemote() && !sc.Equal(trace.SpanContextFromContext(ctx)) {
			return extracted, true
		}
		if baggage.FromContext(extracted).Len() > 0 {
			base = trace.ContextWithSpanContext(extracted, trace.SpanContextFromContext(ctx))
			found = true
		}
		break
	}

	if !c.openCensus {
		return base, found
	}

	sc, ok := extractOpenCensus(headers)
	if !ok {
		return base, found
	}
	return trace.ContextWithRemoteSpanContext(base, sc), true
}

// SpanContext is a convenience wrapper around Extract returning only the
// span context found in headers.
func (c *Codec) SpanContext(headers amqp.Table) (trace.SpanContext, bool) {
	ctx, _ := c.Extract(context.Background(), headers)
	sc := trace.SpanContextFromContext(ctx)
	return sc, sc.IsValid()
}
