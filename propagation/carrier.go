package propagation

import (
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/propagation"
)

// TableCarrier adapts AMQP headers to a propagation.TextMapCarrier.
//
// Header values arriving from other clients may be strings or byte slices
// (longstr fields are decoded as either), so Get accepts both. Values of any
// other type read as empty.
type TableCarrier amqp.Table

var _ propagation.TextMapCarrier = TableCarrier{}

// Get returns the value associated with the passed key.
func (c TableCarrier) Get(key string) string {
	switch v := c[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

// Set stores the key-value pair. It panics on a nil carrier.
func (c TableCarrier) Set(key, value string) {
	c[key] = value
}

// Keys lists the keys stored in this carrier.
func (c TableCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
