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

// Channel is a traced amqptrace.Channel. Publishes and fetched messages are
// traced; every other method goes straight to the wrapped channel.
type Channel struct {
	amqptrace.Channel
	inst *instrumentation
}

var _ amqptrace.Channel = (*Channel)(nil)

// NewChannel wraps ch so that publishes and Get calls create spans.
func NewChannel(ch amqptrace.Channel, opts ...Option) *Channel {
	return &Channel{
		Channel: ch,
		inst:    newInstrumentation(opts...),
	}
}

// Unwrap returns the wrapped channel.
func (c *Channel) Unwrap() amqptrace.Channel {
	return c.Channel
}

// Publish is PublishWithContext with a background context.
func (c *Channel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return c.PublishWithContext(context.Background(), exchange, key, mandatory, immediate, msg)
}

// PublishWithContext starts a producer span, injects its context into the
// message headers and publishes on the wrapped channel with the span active
// in the context it is given. Errors from the wrapped channel are returned
// as they are.
func (c *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return c.publish(ctx, exchange, key, msg, func(ctx context.Context, msg amqp.Publishing) error {
		return c.Channel.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
	})
}

// PublishWithDeferredConfirm is PublishWithDeferredConfirmWithContext with a
// background context.
func (c *Channel) PublishWithDeferredConfirm(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	return c.PublishWithDeferredConfirmWithContext(context.Background(), exchange, key, mandatory, immediate, msg)
}

// PublishWithDeferredConfirmWithContext traces the publish like
// PublishWithContext. The span covers the publish only, not the confirmation.
func (c *Channel) PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	var confirm *amqp.DeferredConfirmation
	err := c.publish(ctx, exchange, key, msg, func(ctx context.Context, msg amqp.Publishing) (err error) {
		confirm, err = c.Channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, mandatory, immediate, msg)
		return err
	})
	return confirm, err
}

func (c *Channel) publish(ctx context.Context, exchange, key string, msg amqp.Publishing, send func(context.Context, amqp.Publishing) error) (err error) {
	i := c.inst
	start := time.Now()

	ctx, span := i.start(i.parent(ctx, msg.Headers), i.options.PublishSpanName, trace.SpanKindProducer)

	// the caller's table is never written to
	headers := amqptrace.CloneTable(msg.Headers)
	i.contain(ctx, "inject", func() {
		decorate(span, exchange, publishAttributes(key, &msg)...)
		i.codec.Inject(ctx, headers)
	})
	msg.Headers = headers

	defer func() {
		if r := recover(); r != nil {
			c.endPublish(ctx, span, start, exchange, panicError(r))
			panic(r)
		}
		c.endPublish(ctx, span, start, exchange, err)
	}()

	return send(ctx, msg)
}

func (c *Channel) endPublish(ctx context.Context, span trace.Span, start time.Time, exchange string, err error) {
	i := c.inst
	i.contain(ctx, "finish", func() {
		finish(span, err)

		attrs := metric.WithAttributes(semconv.MessagingDestinationName(destinationName(exchange)))
		i.instrument.publishCount.Add(ctx, 1, attrs)
		i.instrument.publishDuration.Record(ctx, sinceMillis(start), attrs)
		if err != nil {
			i.instrument.publishErrors.Add(ctx, 1, attrs)
		}
	})
}

// Get fetches a message from the wrapped channel. When a message is
// returned a span is recorded for it, parented on the context found in its
// headers. The span is ended before Get returns.
func (c *Channel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	return c.GetWithContext(context.Background(), queue, autoAck)
}

// GetWithContext is Get with ctx supplying the fallback parent for the span.
func (c *Channel) GetWithContext(ctx context.Context, queue string, autoAck bool) (amqp.Delivery, bool, error) {
	d, ok, err := c.Channel.Get(queue, autoAck)
	if err != nil || !ok {
		return d, ok, err
	}

	i := c.inst
	i.contain(ctx, "get", func() {
		_, span := i.start(i.parent(ctx, d.Headers), i.options.ReceiveSpanName, trace.SpanKindConsumer)
		defer span.End()

		attrs := deliveryAttributes(semconv.MessagingOperationReceive, &d)
		decorate(span, d.Exchange, append(attrs, queueKey.String(queue))...)

		i.instrument.getCount.Add(ctx, 1, metric.WithAttributes(queueKey.String(queue)))
	})

	return d, ok, err
}

// Serve consumes queue on the wrapped channel and hands every delivery to r
// inside a consumer span. It blocks like amqptrace.Consume.
func (c *Channel) Serve(ctx context.Context, queue string, r amqptrace.Receiver, opts ...amqptrace.ConsumeOption) error {
	return amqptrace.Consume(ctx, c.Channel, queue, c.inst.receiver(r), opts...)
}
