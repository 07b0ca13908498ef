package mem_test

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zerofox-oss/go-amqptrace/mem"
)

func newChannel(t *testing.T, queues ...string) *mem.Channel {
	t.Helper()
	ch := mem.NewBroker().Channel()
	for _, q := range queues {
		_, err := ch.QueueDeclare(q, false, false, false, false, nil)
		require.NoError(t, err)
	}
	return ch
}

func receive(t *testing.T, deliveries <-chan amqp.Delivery) amqp.Delivery {
	t.Helper()
	select {
	case d, ok := <-deliveries:
		require.True(t, ok, "deliveries closed")
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return amqp.Delivery{}
}

func TestChannel_PublishGet(t *testing.T) {
	ch := newChannel(t, "q")

	headers := amqp.Table{"nested": amqp.Table{"a": "b"}}
	require.NoError(t, ch.Publish("", "q", false, false, amqp.Publishing{
		Headers:   headers,
		MessageId: "id-1",
		Body:      []byte("one"),
	}))
	require.NoError(t, ch.Publish("", "q", false, false, amqp.Publishing{Body: []byte("two")}))

	// the broker holds its own copy
	headers["nested"].(amqp.Table)["a"] = "changed"

	d, ok, err := ch.Get("q", false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("one"), d.Body)
	assert.Equal(t, "id-1", d.MessageId)
	assert.Equal(t, "b", d.Headers["nested"].(amqp.Table)["a"])
	assert.EqualValues(t, 1, d.MessageCount)
	assert.Equal(t, 1, ch.Unacked())

	require.NoError(t, d.Ack(false))
	assert.Zero(t, ch.Unacked())
	assert.Error(t, d.Ack(false), "double ack")

	d, ok, err = ch.Get("q", true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("two"), d.Body)
	assert.Zero(t, ch.Unacked())

	_, ok, err = ch.Get("q", true)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Len(t, ch.Published(), 2)
}

func TestChannel_NackRequeue(t *testing.T) {
	ch := newChannel(t, "q")
	require.NoError(t, ch.Publish("", "q", false, false, amqp.Publishing{Body: []byte("x")}))

	d, _, err := ch.Get("q", false)
	require.NoError(t, err)
	assert.False(t, d.Redelivered)
	require.NoError(t, d.Nack(false, true))

	d, ok, err := ch.Get("q", false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, d.Redelivered)
	require.NoError(t, d.Reject(false))

	_, ok, err = ch.Get("q", false)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChannel_Consume(t *testing.T) {
	ch := newChannel(t, "q")
	cancels := ch.NotifyCancel(make(chan string, 1))

	deliveries, err := ch.Consume("q", "c1", false, false, false, false, nil)
	require.NoError(t, err)

	_, err = ch.Consume("q", "c1", false, false, false, false, nil)
	assert.Error(t, err, "consumer tags are unique per channel")

	require.NoError(t, ch.Publish("", "q", false, false, amqp.Publishing{Body: []byte("x")}))
	d := receive(t, deliveries)
	assert.Equal(t, "c1", d.ConsumerTag)
	assert.Equal(t, []byte("x"), d.Body)
	require.NoError(t, d.Ack(false))

	require.NoError(t, ch.Cancel("c1", false))
	_, ok := <-deliveries
	assert.False(t, ok)
	assert.Empty(t, cancels, "client cancels are not notified")
}

func TestChannel_ConsumeContext(t *testing.T) {
	ch := newChannel(t, "q")
	ctx, cancel := context.WithCancel(context.Background())

	deliveries, err := ch.ConsumeWithContext(ctx, "q", "", true, false, false, false, nil)
	require.NoError(t, err)
	cancel()

	for range deliveries {
	}
	_, err = ch.Consume("missing", "", true, false, false, false, nil)
	assert.Error(t, err)
}

func TestChannel_QueueDeleteCancelsConsumers(t *testing.T) {
	ch := newChannel(t, "q")
	cancels := ch.NotifyCancel(make(chan string, 1))

	deliveries, err := ch.Consume("q", "c1", false, false, false, false, nil)
	require.NoError(t, err)

	_, err = ch.QueueDelete("q", true, false, false)
	assert.Error(t, err, "queue in use")

	_, err = ch.QueueDelete("q", false, false, false)
	require.NoError(t, err)

	select {
	case tag := <-cancels:
		assert.Equal(t, "c1", tag)
	case <-time.After(5 * time.Second):
		t.Fatal("no cancel notification")
	}
	for range deliveries {
	}
}

func TestChannel_CloseRequeues(t *testing.T) {
	b := mem.NewBroker()
	ch := b.Channel()
	_, err := ch.QueueDeclare("q", false, false, false, false, nil)
	require.NoError(t, err)
	closes := ch.NotifyClose(make(chan *amqp.Error, 1))

	require.NoError(t, ch.Publish("", "q", false, false, amqp.Publishing{Body: []byte("x")}))
	_, ok, err := ch.Get("q", false)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, ch.Close())
	assert.True(t, ch.IsClosed())
	assert.ErrorIs(t, ch.Close(), amqp.ErrClosed)
	_, open := <-closes
	assert.False(t, open)

	other := b.Channel()
	d, ok, err := other.Get("q", true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, d.Redelivered)
}

func TestChannel_MandatoryReturn(t *testing.T) {
	ch := newChannel(t)
	returns := ch.NotifyReturn(make(chan amqp.Return, 1))

	require.NoError(t, ch.Publish("", "nowhere", true, false, amqp.Publishing{Body: []byte("lost")}))

	select {
	case r := <-returns:
		assert.Equal(t, "nowhere", r.RoutingKey)
		assert.Equal(t, []byte("lost"), r.Body)
	case <-time.After(5 * time.Second):
		t.Fatal("no return")
	}
}

func TestChannel_Confirms(t *testing.T) {
	ch := newChannel(t, "q")
	require.NoError(t, ch.Confirm(false))
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 2))

	assert.EqualValues(t, 1, ch.GetNextPublishSeqNo())
	require.NoError(t, ch.Publish("", "q", false, false, amqp.Publishing{}))
	assert.EqualValues(t, 2, ch.GetNextPublishSeqNo())

	c := <-confirms
	assert.True(t, c.Ack)
	assert.EqualValues(t, 1, c.DeliveryTag)
}

func TestChannel_PublishErr(t *testing.T) {
	ch := newChannel(t, "q")
	errBoom := errors.New("boom")

	ch.SetPublishErr(errBoom)
	assert.ErrorIs(t, ch.Publish("", "q", false, false, amqp.Publishing{}), errBoom)
	ch.SetPublishErr(nil)
	require.NoError(t, ch.Publish("", "q", false, false, amqp.Publishing{}))

	assert.Len(t, ch.Published(), 2)
	_, ok, err := ch.Get("q", true)
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, _ = ch.Get("q", true)
	assert.False(t, ok, "failed publishes are not routed")
}

func TestChannel_Tx(t *testing.T) {
	ch := newChannel(t)
	assert.Error(t, ch.TxCommit())
	require.NoError(t, ch.Tx())
	assert.NoError(t, ch.TxCommit())
	assert.NoError(t, ch.TxRollback())
}
