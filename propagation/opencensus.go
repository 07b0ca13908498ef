package propagation

import (
	"context"
	"encoding/base64"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	octrace "go.opencensus.io/trace"
	ocprop "go.opencensus.io/trace/propagation"
	"go.opencensus.io/trace/tracestate"
	ocbridge "go.opentelemetry.io/otel/bridge/opencensus"
	"go.opentelemetry.io/otel/trace"
)

// Header keys used by OpenCensus producers.
const (
	TraceContextKey = "Tracecontext"
	TraceStateKey   = "Tracestate"
)

// CODE BASED ON:
// https://github.com/census-instrumentation/opencensus-go/blob/ \
// master/plugin/ochttp/propagation/tracecontext/propagation.go

const maxTracestateLen = 512

// injectOpenCensus writes the span context of ctx as a base64 encoded
// OpenCensus binary context.
func injectOpenCensus(ctx context.Context, headers amqp.Table) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return
	}

	ocSpanContext := ocbridge.OTelSpanContextToOC(sc)
	headers[TraceContextKey] = base64.StdEncoding.EncodeToString(ocprop.Binary(ocSpanContext))

	if ts := tracestateToString(ocSpanContext); ts != "" {
		headers[TraceStateKey] = ts
	}
}

// extractOpenCensus reads a span context written by injectOpenCensus or
// any OpenCensus producer.
func extractOpenCensus(headers amqp.Table) (trace.SpanContext, bool) {
	carrier := TableCarrier(headers)

	traceContextB64 := carrier.Get(TraceContextKey)
	if traceContextB64 == "" {
		return trace.SpanContext{}, false
	}

	traceContext, err := base64.StdEncoding.DecodeString(traceContextB64)
	if err != nil {
		return trace.SpanContext{}, false
	}

	spanContext, ok := ocprop.FromBinary(traceContext)
	if !ok {
		return trace.SpanContext{}, false
	}

	if traceStateString := carrier.Get(TraceStateKey); traceStateString != "" {
		spanContext.Tracestate = tracestateFromString(traceStateString)
	}

	otelSpanContext := ocbridge.OCSpanContextToOTel(spanContext)
	if !otelSpanContext.IsValid() {
		return trace.SpanContext{}, false
	}
	return otelSpanContext, true
}

func tracestateToString(sc octrace.SpanContext) string {
	if sc.Tracestate == nil {
		return ""
	}
	entries := sc.Tracestate.Entries()
	pairs := make([]string, 0, len(entries))
	for _, entry := range entries {
		pairs = append(pairs, entry.Key+"="+entry.Value)
	}
	return strings.Join(pairs, ",")
}

// tracestateFromString parses a comma separated list of key=value members.
// It returns nil when any member is malformed or the header, without optional
// whitespace around members, is longer than maxTracestateLen.
func tracestateFromString(s string) *tracestate.Tracestate {
	members := strings.Split(s, ",")
	size := len(members) - 1
	entries := make([]tracestate.Entry, 0, len(members))
	for _, member := range members {
		member = strings.Trim(member, " \t")
		if size += len(member); size > maxTracestateLen {
			return nil
		}
		key, value, ok := strings.Cut(member, "=")
		if !ok || key == "" || strings.Contains(value, "=") {
			return nil
		}
		entries = append(entries, tracestate.Entry{Key: key, Value: value})
	}

	ts, err := tracestate.New(nil, entries...)
	if err != nil {
		return nil
	}
	return ts
}
