package tracing

import (
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// defaultExchange names the nameless default exchange on spans.
const defaultExchange = "amq.default"

var messagingSystem = semconv.MessagingSystemKey.String("rabbitmq")

var (
	conversationIDKey = attribute.Key("messaging.message.conversation_id")
	bodySizeKey       = attribute.Key("messaging.message.body.size")
	consumerTagKey    = attribute.Key("messaging.rabbitmq.consumer_tag")
	queueKey          = attribute.Key("messaging.rabbitmq.queue")
	redeliveredKey    = attribute.Key("messaging.rabbitmq.redelivered")
)

func destinationName(exchange string) string {
	if exchange == "" {
		return defaultExchange
	}
	return exchange
}

// decorate tags span with the messaging system and the exchange the message
// went through, followed by any extra attributes.
func decorate(span trace.Span, exchange string, attrs ...attribute.KeyValue) {
	span.SetAttributes(
		messagingSystem,
		semconv.MessagingDestinationName(destinationName(exchange)),
	)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
}

func messageAttributes(messageID, correlationID string, body []byte) []attribute.KeyValue {
	attrs := []attribute.KeyValue{bodySizeKey.Int(len(body))}
	if messageID != "" {
		attrs = append(attrs, semconv.MessagingMessageID(messageID))
	}
	if correlationID != "" {
		attrs = append(attrs, conversationIDKey.String(correlationID))
	}
	return attrs
}

func publishAttributes(key string, msg *amqp.Publishing) []attribute.KeyValue {
	attrs := []attribute.KeyValue{semconv.MessagingOperationPublish}
	if key != "" {
		attrs = append(attrs, semconv.MessagingRabbitmqDestinationRoutingKey(key))
	}
	return append(attrs, messageAttributes(msg.MessageId, msg.CorrelationId, msg.Body)...)
}

func deliveryAttributes(op attribute.KeyValue, d *amqp.Delivery) []attribute.KeyValue {
	attrs := []attribute.KeyValue{op, redeliveredKey.Bool(d.Redelivered)}
	if d.RoutingKey != "" {
		attrs = append(attrs, semconv.MessagingRabbitmqDestinationRoutingKey(d.RoutingKey))
	}
	if d.ConsumerTag != "" {
		attrs = append(attrs, consumerTagKey.String(d.ConsumerTag))
	}
	return append(attrs, messageAttributes(d.MessageId, d.CorrelationId, d.Body)...)
}
