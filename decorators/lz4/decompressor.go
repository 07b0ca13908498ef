package lz4

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/zerofox-oss/go-amqptrace"
)

// ErrDecompress is returned by the Decompressor for bodies which are not
// valid lz4 frames.
var ErrDecompress = errors.New("lz4: cannot decompress body")

// Decompressor wraps an amqptrace.Receiver with lz4 decoding. It only
// decodes deliveries whose ContentEncoding is lz4; next receives a copy
// with the decoded body and an empty ContentEncoding.
func Decompressor(next amqptrace.Receiver) amqptrace.Receiver {
	return amqptrace.ReceiverFunc(func(ctx context.Context, d *amqp.Delivery) error {
		if !isLZ4Compressed(d) {
			return next.Receive(ctx, d)
		}

		body, err := io.ReadAll(lz4.NewReader(bytes.NewReader(d.Body)))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDecompress, err)
		}

		decoded := *d
		decoded.Body = body
		decoded.ContentEncoding = ""
		return next.Receive(ctx, &decoded)
	})
}

// isLZ4Compressed returns true if ContentEncoding is set to lz4.
func isLZ4Compressed(d *amqp.Delivery) bool {
	return d.ContentEncoding == ContentEncoding
}
