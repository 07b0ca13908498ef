package tracing

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zerofox-oss/go-amqptrace/propagation"
)

const instrumentationName = "github.com/zerofox-oss/go-amqptrace/tracing"

// instrumentation holds the state shared by the traced Channel and Receiver.
// It is safe for concurrent use.
type instrumentation struct {
	tracer     trace.Tracer
	codec      *propagation.Codec
	log        *zap.Logger
	options    *Options
	instrument *instruments
}

type instruments struct {
	publishCount     metric.Int64Counter
	publishErrors    metric.Int64Counter
	publishDuration  metric.Float64Histogram
	deliveryCount    metric.Int64Counter
	deliveryErrors   metric.Int64Counter
	deliveryDuration metric.Float64Histogram
	getCount         metric.Int64Counter
	failures         metric.Int64Counter
}

func newInstrumentation(opts ...Option) *instrumentation {
	options := newOptions(opts...)

	tp := options.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	mp := options.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	codecOpts := []propagation.Option{propagation.WithOpenCensus(options.OpenCensus)}
	if options.Propagator != nil {
		codecOpts = append(codecOpts, propagation.WithPropagator(options.Propagator))
	}

	inst, err := newInstruments(mp.Meter(instrumentationName))
	if err != nil {
		options.Logger.Warn("metrics disabled", zap.Error(err))
		otel.Handle(err)
		inst, _ = newInstruments(noop.NewMeterProvider().Meter(instrumentationName))
	}

	return &instrumentation{
		tracer:     tp.Tracer(instrumentationName),
		codec:      propagation.NewCodec(codecOpts...),
		log:        options.Logger,
		options:    options,
		instrument: inst,
	}
}

func newInstruments(meter metric.Meter) (*instruments, error) {
	i := &instruments{}
	var err error

	i.publishCount, err = meter.Int64Counter(
		"amqptrace.publish.count",
		metric.WithDescription("Number of traced publishes"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishCount metric: %w", err)
	}

	i.publishErrors, err = meter.Int64Counter(
		"amqptrace.publish.errors",
		metric.WithDescription("Number of traced publishes that failed"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishErrors metric: %w", err)
	}

	i.publishDuration, err = meter.Float64Histogram(
		"amqptrace.publish.duration",
		metric.WithDescription("Duration of traced publishes"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishDuration metric: %w", err)
	}

	i.deliveryCount, err = meter.Int64Counter(
		"amqptrace.delivery.count",
		metric.WithDescription("Number of traced deliveries"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveryCount metric: %w", err)
	}

	i.deliveryErrors, err = meter.Int64Counter(
		"amqptrace.delivery.errors",
		metric.WithDescription("Number of traced deliveries whose handler failed"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveryErrors metric: %w", err)
	}

	i.deliveryDuration, err = meter.Float64Histogram(
		"amqptrace.delivery.duration",
		metric.WithDescription("Duration of traced delivery handling"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveryDuration metric: %w", err)
	}

	i.getCount, err = meter.Int64Counter(
		"amqptrace.get.count",
		metric.WithDescription("Number of messages fetched with Get"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create getCount metric: %w", err)
	}

	i.failures, err = meter.Int64Counter(
		"amqptrace.tracing.failures",
		metric.WithDescription("Number of contained tracing failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failures metric: %w", err)
	}

	return i, nil
}

// contain runs fn and swallows any panic it raises. Tracing must never break
// the messaging call it observes, so failures are only reported.
func (i *instrumentation) contain(ctx context.Context, op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("amqptrace: %s: %v", op, r)
			i.log.Warn("tracing failure", zap.String("op", op), zap.Any("panic", r))
			otel.Handle(err)
			i.instrument.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
		}
	}()
	fn()
}

// start starts a span of kind as a child of parent. If the tracer panics the
// returned context is parent itself and the span does not record.
func (i *instrumentation) start(parent context.Context, name string, kind trace.SpanKind) (context.Context, trace.Span) {
	ctx, span := parent, trace.SpanFromContext(context.Background())
	i.contain(parent, "start", func() {
		ctx, span = i.tracer.Start(parent, name,
			trace.WithSpanKind(kind),
			trace.WithAttributes(i.options.Attributes...),
		)
	})
	return ctx, span
}

// parent resolves the parent of a new span: context found in headers first,
// then the span active in ctx, else none.
func (i *instrumentation) parent(ctx context.Context, headers amqp.Table) context.Context {
	parent := ctx
	i.contain(ctx, "extract", func() {
		if extracted, ok := i.codec.Extract(ctx, headers); ok {
			parent = extracted
		}
	})
	return parent
}

// finish ends span, marking it as failed when err is not nil.
func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func panicError(r interface{}) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", r)
}

func sinceMillis(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
