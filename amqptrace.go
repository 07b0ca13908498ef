package amqptrace

import (
	"context"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the complete method set of an AMQP 0-9-1 channel.
//
// It is satisfied by *amqp091.Channel, so any decorator implementing Channel
// can be used wherever a raw channel is expected.
type Channel interface {
	Close() error
	IsClosed() bool

	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	NotifyFlow(c chan bool) chan bool
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	NotifyCancel(c chan string) chan string
	NotifyConfirm(ack, nack chan uint64) (chan uint64, chan uint64)
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation

	Qos(prefetchCount, prefetchSize int, global bool) error
	Cancel(consumer string, noWait bool) error

	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error
	QueuePurge(name string, noWait bool) (int, error)
	QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)

	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)

	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDelete(name string, ifUnused, noWait bool) error
	ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error
	ExchangeUnbind(destination, key, source string, noWait bool, args amqp.Table) error

	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	PublishWithDeferredConfirm(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)

	Get(queue string, autoAck bool) (msg amqp.Delivery, ok bool, err error)

	Tx() error
	TxCommit() error
	TxRollback() error

	Flow(active bool) error
	Confirm(noWait bool) error
	Recover(requeue bool) error

	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple bool, requeue bool) error
	Reject(tag uint64, requeue bool) error

	GetNextPublishSeqNo() uint64
}

// Ensure that *amqp.Channel implements Channel
var _ Channel = (*amqp.Channel)(nil)

// CloneTable returns a copy of t which shares no map storage with t.
// Nested tables are copied as well. A nil table yields an empty, non-nil one.
func CloneTable(t amqp.Table) amqp.Table {
	t2 := make(amqp.Table, len(t))
	for k, v := range t {
		if nested, ok := v.(amqp.Table); ok {
			v = CloneTable(nested)
		}
		t2[k] = v
	}
	return t2
}

// A Receiver processes a Delivery.
//
// Receive should process the delivery and then return. Returning signals that
// the delivery has been processed. It is not valid to retain the Delivery
// after the completion of the Receive call.
//
// If Receive returns an error, the caller of Receive assumes the delivery
// has not been processed and, unless it was auto-acknowledged, the delivery
// is negatively acknowledged.
type Receiver interface {
	Receive(context.Context, *amqp.Delivery) error
}

// The ReceiverFunc is an adapter to allow the use of ordinary functions
// as a Receiver. ReceiverFunc(f) is a Receiver that calls f.
type ReceiverFunc func(context.Context, *amqp.Delivery) error

// Receive calls f(ctx,d)
func (f ReceiverFunc) Receive(ctx context.Context, d *amqp.Delivery) error {
	return f(ctx, d)
}

// ErrServerClosed represents a completed Shutdown
var ErrServerClosed = errors.New("amqptrace: server closed")

// ErrDeliveriesClosed is returned by Consume when the broker closes the
// delivery channel, e.g. after a consumer cancel or a channel shutdown.
var ErrDeliveriesClosed = errors.New("amqptrace: deliveries channel closed")

// A Server serves deliveries to a receiver.
type Server interface {
	// Serve is a blocking function that consumes deliveries and calls
	// Receive() on the provided receiver for each of them.
	//
	// Serve will return ErrServerClosed after Shutdown completes. Additional
	// error types should be considered to represent error conditions unique
	// to the implementation of a specific backend.
	Serve(Receiver) error

	// Shutdown gracefully shuts down the Server by letting any deliveries in
	// flight finish processing.  If the provided context cancels before
	// shutdown is complete, the Context's error is returned.
	Shutdown(context.Context) error
}
