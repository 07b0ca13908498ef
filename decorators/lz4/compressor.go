package lz4

import (
	"bytes"
	"context"
	"fmt"

	"github.com/pierrec/lz4/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/zerofox-oss/go-amqptrace"
)

// ContentEncoding marks publishings whose body is lz4 compressed.
const ContentEncoding = "lz4"

var options = []lz4.Option{
	lz4.CompressionLevelOption(lz4.CompressionLevel(lz4.Level3)),
}

// Compressor wraps a channel with another which lz4 compresses the body of
// every publishing and sets its ContentEncoding. Publishings which already
// carry a ContentEncoding are sent as they are.
func Compressor(next amqptrace.Channel) amqptrace.Channel {
	return &compressor{Channel: next}
}

type compressor struct {
	amqptrace.Channel
}

func (c *compressor) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return c.PublishWithContext(context.Background(), exchange, key, mandatory, immediate, msg)
}

func (c *compressor) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	msg, err := compress(msg)
	if err != nil {
		return err
	}
	return c.Channel.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

func (c *compressor) PublishWithDeferredConfirm(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	return c.PublishWithDeferredConfirmWithContext(context.Background(), exchange, key, mandatory, immediate, msg)
}

func (c *compressor) PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	msg, err := compress(msg)
	if err != nil {
		return nil, err
	}
	return c.Channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

func compress(msg amqp.Publishing) (amqp.Publishing, error) {
	if msg.ContentEncoding != "" {
		return msg, nil
	}

	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if err := w.Apply(options...); err != nil {
		return msg, fmt.Errorf("lz4: %w", err)
	}
	if _, err := w.Write(msg.Body); err != nil {
		return msg, fmt.Errorf("lz4: %w", err)
	}
	if err := w.Close(); err != nil {
		return msg, fmt.Errorf("lz4: %w", err)
	}

	msg.Body = buf.Bytes()
	msg.ContentEncoding = ContentEncoding
	return msg, nil
}
