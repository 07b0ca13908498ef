package propagation_test

import (
	"context"
	"strings"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"pgregory.net/rapid"

	amqpprop "github.com/zerofox-oss/go-amqptrace/propagation"
)

func startSpan(t *testing.T) (context.Context, trace.SpanContext) {
	t.Helper()
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := tp.Tracer("codec_test").Start(context.Background(), "publish")
	t.Cleanup(func() { span.End() })
	return ctx, span.SpanContext()
}

func newCodec(opts ...amqpprop.Option) *amqpprop.Codec {
	opts = append([]amqpprop.Option{amqpprop.WithPropagator(propagation.TraceContext{})}, opts...)
	return amqpprop.NewCodec(opts...)
}

func TestCodec_RoundTrip(t *testing.T) {
	ctx, sc := startSpan(t)
	codec := newCodec()

	headers := amqp.Table{}
	codec.Inject(ctx, headers)
	require.Contains(t, headers, "traceparent")

	got, ok := codec.SpanContext(headers)
	require.True(t, ok)
	assert.Equal(t, sc.TraceID(), got.TraceID())
	assert.Equal(t, sc.SpanID(), got.SpanID())
	assert.True(t, got.IsRemote())
}

func TestCodec_ExtractAbsent(t *testing.T) {
	codec := newCodec(amqpprop.WithOpenCensus(true))

	tests := map[string]amqp.Table{
		"nil":          nil,
		"empty":        {},
		"unrelated":    {"x-retry": int32(3), "app": "billing"},
		"malformed":    {"traceparent": "00-not-a-trace"},
		"wrong type":   {"traceparent": int64(7)},
		"bad base64":   {amqpprop.TraceContextKey: "%%%"},
		"short binary": {amqpprop.TraceContextKey: "AAE="},
	}

	for name, headers := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			got, ok := codec.Extract(ctx, headers)
			assert.False(t, ok)
			assert.Equal(t, ctx, got)
		})
	}
}

func TestCodec_ExtractBaggageOnly(t *testing.T) {
	codec := amqpprop.NewCodec(amqpprop.WithPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	)))
	headers := amqp.Table{"baggage": "tenant=acme"}

	ctx, ok := codec.Extract(context.Background(), headers)
	require.True(t, ok)
	assert.Equal(t, "acme", baggage.FromContext(ctx).Member("tenant").Value())
	assert.False(t, trace.SpanContextFromContext(ctx).IsValid())

	_, ok = codec.SpanContext(headers)
	assert.False(t, ok)
}

func TestCodec_ExtractByteValues(t *testing.T) {
	ctx, sc := startSpan(t)
	codec := newCodec()

	headers := amqp.Table{}
	codec.Inject(ctx, headers)

	// other clients hand longstr headers back as bytes
	raw := amqp.Table{}
	for k, v := range headers {
		raw[k] = []byte(v.(string))
	}

	got, ok := codec.SpanContext(raw)
	require.True(t, ok)
	assert.Equal(t, sc.TraceID(), got.TraceID())
}

func TestCodec_OpenCensus(t *testing.T) {
	ctx, sc := startSpan(t)

	headers := amqp.Table{}
	newCodec(amqpprop.WithOpenCensus(true)).Inject(ctx, headers)
	require.Contains(t, headers, amqpprop.TraceContextKey)

	// a producer that only speaks OpenCensus
	delete(headers, "traceparent")
	delete(headers, "tracestate")

	_, ok := newCodec().SpanContext(headers)
	assert.False(t, ok, "OpenCensus headers are ignored unless enabled")

	got, ok := newCodec(amqpprop.WithOpenCensus(true)).SpanContext(headers)
	require.True(t, ok)
	assert.Equal(t, sc.TraceID(), got.TraceID())
	assert.Equal(t, sc.SpanID(), got.SpanID())
}

func TestCodec_InjectWithoutSpan(t *testing.T) {
	headers := amqp.Table{}
	newCodec(amqpprop.WithOpenCensus(true)).Inject(context.Background(), headers)
	assert.Empty(t, headers)
}

func TestCodec_Fields(t *testing.T) {
	assert.ElementsMatch(t, []string{"traceparent", "tracestate"}, newCodec().Fields())
	assert.ElementsMatch(t,
		[]string{"traceparent", "tracestate", amqpprop.TraceContextKey, amqpprop.TraceStateKey},
		newCodec(amqpprop.WithOpenCensus(true)).Fields(),
	)
}

func TestCodec_InjectLeavesOtherKeys(t *testing.T) {
	ctx, _ := startSpan(t)
	codec := newCodec(amqpprop.WithOpenCensus(true))
	reserved := map[string]bool{}
	for _, f := range codec.Fields() {
		reserved[strings.ToLower(f)] = true
	}

	rapid.Check(t, func(t *rapid.T) {
		keys := rapid.SliceOf(rapid.StringMatching(`[a-zA-Z][a-zA-Z0-9_.-]{0,15}`)).Draw(t, "keys")

		headers := amqp.Table{}
		want := map[string]string{}
		for i, k := range keys {
			if reserved[strings.ToLower(k)] {
				continue
			}
			v := rapid.String().Draw(t, "value"+string(rune('a'+i%26)))
			headers[k] = v
			want[k] = v
		}

		codec.Inject(ctx, headers)

		for k, v := range want {
			if headers[k] != v {
				t.Fatalf("header %q changed: got %v, want %q", k, headers[k], v)
			}
		}
		for k := range headers {
			if _, ok := want[k]; !ok && !reserved[strings.ToLower(k)] {
				t.Fatalf("unexpected header %q", k)
			}
		}
	})
}
