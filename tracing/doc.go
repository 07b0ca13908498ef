// Package tracing provides decorators which enable distributed tracing
// across RabbitMQ.
//
// How it works
//
// NewChannel wraps an amqptrace.Channel (usually an *amqp091.Channel). Every
// publish made through the wrapper starts a producer span, writes its context
// into the message headers and ends the span once the wrapped publish
// returns. The span is the active span of the context handed to the wrapped
// channel for the duration of the call only.
//
// On the consuming side Receiver wraps an amqptrace.Receiver. For every
// delivery it reads the producer's context from the headers, starts a
// consumer span as its child and makes it the active span of the context
// passed to the wrapped Receiver. The span ends when the Receiver returns,
// fails or panics. Channel.Serve consumes a queue with such a Receiver.
//
// Channel.Get records a short span for every message it fetches. The span is
// ended before Get returns and is not made active anywhere.
//
// All other channel methods are passed through untouched. Deliveries read
// straight from Consume are not traced.
//
// Examples
//
// Publishing:
//
//	ch, _ := conn.Channel()
//	tch := tracing.NewChannel(ch, tracing.WithLogger(logger))
//	// use tch as you would use ch
//	err := tch.PublishWithContext(ctx, "orders", "order.created", false, false, amqp.Publishing{Body: body})
//
// Consuming:
//
//	receiver := amqptrace.ReceiverFunc(func(ctx context.Context, d *amqp.Delivery) error {
//		// ctx carries the consumer span
//		return nil
//	})
//	err := tch.Serve(ctx, "orders", receiver)
package tracing
