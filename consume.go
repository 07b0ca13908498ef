package amqptrace

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// ConsumeOptions describe how a queue is consumed by Consume.
type ConsumeOptions struct {
	ConsumerTag    string
	AutoAck        bool
	Exclusive      bool
	NoLocal        bool
	Args           amqp.Table
	RequeueOnError bool
	Logger         *zap.Logger
}

type ConsumeOption func(*ConsumeOptions)

// WithConsumerTag sets the consumer tag. An empty tag lets the
// broker generate one.
func WithConsumerTag(tag string) ConsumeOption {
	return func(o *ConsumeOptions) {
		o.ConsumerTag = tag
	}
}

// WithAutoAck makes the broker consider deliveries acknowledged as soon
// as they are sent. Receiver errors are then only logged.
func WithAutoAck(autoAck bool) ConsumeOption {
	return func(o *ConsumeOptions) {
		o.AutoAck = autoAck
	}
}

func WithExclusive(exclusive bool) ConsumeOption {
	return func(o *ConsumeOptions) {
		o.Exclusive = exclusive
	}
}

func WithNoLocal(noLocal bool) ConsumeOption {
	return func(o *ConsumeOptions) {
		o.NoLocal = noLocal
	}
}

// WithArgs sets the consumer arguments, e.g. x-priority.
func WithArgs(args amqp.Table) ConsumeOption {
	return func(o *ConsumeOptions) {
		o.Args = args
	}
}

// WithRequeueOnError controls whether a delivery whose Receiver returned
// an error is put back on the queue when it is nacked.
func WithRequeueOnError(requeue bool) ConsumeOption {
	return func(o *ConsumeOptions) {
		o.RequeueOnError = requeue
	}
}

func WithConsumeLogger(l *zap.Logger) ConsumeOption {
	return func(o *ConsumeOptions) {
		o.Logger = l
	}
}

// NewConsumeOptions applies opts on top of the defaults.
func NewConsumeOptions(opts ...ConsumeOption) *ConsumeOptions {
	o := &ConsumeOptions{
		RequeueOnError: true,
		Logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Consume registers a consumer for queue on ch and passes every delivery to r.
//
// Deliveries are handled one at a time, in order, on the calling goroutine.
// Unless auto-ack is enabled a delivery is acked when r returns nil and
// nacked otherwise.
//
// Consume returns ctx.Err() once ctx is done; the broker side consumer is
// cancelled with it. If the broker closes the delivery channel first,
// ErrDeliveriesClosed is returned. A delivery that is being received when
// either happens is always allowed to finish.
func Consume(ctx context.Context, ch Channel, queue string, r Receiver, opts ...ConsumeOption) error {
	o := NewConsumeOptions(opts...)
	log := o.Logger.With(zap.String("queue", queue))

	deliveries, err := ch.ConsumeWithContext(ctx, queue, o.ConsumerTag, o.AutoAck, o.Exclusive, o.NoLocal, false, o.Args)
	if err != nil {
		return err
	}
	log.Debug("consumer registered", zap.String("consumer_tag", o.ConsumerTag))

	for {
		select {
		case <-ctx.Done():
			log.Debug("consumer stopped", zap.Error(ctx.Err()))
			return ctx.Err()

		case d, ok := <-deliveries:
			if !ok {
				log.Info("deliveries channel closed")
				return ErrDeliveriesClosed
			}
			receive(ctx, log, r, &d, o)
		}
	}
}

func receive(ctx context.Context, log *zap.Logger, r Receiver, d *amqp.Delivery, o *ConsumeOptions) {
	err := r.Receive(ctx, d)
	if o.AutoAck {
		if err != nil {
			log.Error("receiver error", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
		}
		return
	}

	if err != nil {
		log.Error("receiver error; nacking delivery",
			zap.Uint64("delivery_tag", d.DeliveryTag),
			zap.Bool("requeue", o.RequeueOnError),
			zap.Error(err),
		)
		if nerr := d.Nack(false, o.RequeueOnError); nerr != nil {
			log.Error("nack failed", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(nerr))
		}
		return
	}

	if aerr := d.Ack(false); aerr != nil {
		log.Error("ack failed", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(aerr))
	}
}
