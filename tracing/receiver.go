package tracing

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zerofox-oss/go-amqptrace"
)

// Receiver wraps another amqptrace.Receiver. Every delivery is handled
// inside a consumer span which is a child of the context found in the
// delivery headers, or of the span active in ctx when there is none.
//
// The span is active in the context passed to next and ends once next
// returns. Errors and panics from next mark the span as failed and are
// passed on unchanged.
func Receiver(next amqptrace.Receiver, opts ...Option) amqptrace.Receiver {
	return newInstrumentation(opts...).receiver(next)
}

func (i *instrumentation) receiver(next amqptrace.Receiver) amqptrace.Receiver {
	return amqptrace.ReceiverFunc(func(ctx context.Context, d *amqp.Delivery) (err error) {
		start := time.Now()

		ctx, span := i.start(i.parent(ctx, d.Headers), i.options.ReceiveSpanName, trace.SpanKindConsumer)
		i.contain(ctx, "decorate", func() {
			decorate(span, d.Exchange, deliveryAttributes(semconv.MessagingOperationProcess, d)...)
		})

		defer func() {
			if r := recover(); r != nil {
				i.endDelivery(ctx, span, start, d, panicError(r))
				panic(r)
			}
			i.endDelivery(ctx, span, start, d, err)
		}()

		return next.Receive(ctx, d)
	})
}

func (i *instrumentation) endDelivery(ctx context.Context, span trace.Span, start time.Time, d *amqp.Delivery, err error) {
	i.contain(ctx, "finish", func() {
		finish(span, err)

		attrs := metric.WithAttributes(semconv.MessagingDestinationName(destinationName(d.Exchange)))
		i.instrument.deliveryCount.Add(ctx, 1, attrs)
		i.instrument.deliveryDuration.Record(ctx, sinceMillis(start), attrs)
		if err != nil {
			i.instrument.deliveryErrors.Add(ctx, 1, attrs)
		}
	})
}
