package amqptrace_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/zerofox-oss/go-amqptrace"
	"github.com/zerofox-oss/go-amqptrace/mem"
)

func setup(t *testing.T, bodies ...string) *mem.Channel {
	t.Helper()
	ch := mem.NewBroker().Channel()
	_, err := ch.QueueDeclare("q", false, false, false, false, nil)
	require.NoError(t, err)
	for _, b := range bodies {
		require.NoError(t, ch.Publish("", "q", false, false, amqp.Publishing{Body: []byte(b)}))
	}
	return ch
}

// collect consumes until n deliveries were received and returns what
// Consume returned after the context was cancelled.
func collect(t *testing.T, ch amqptrace.Channel, n int, r func(*amqp.Delivery) error, opts ...amqptrace.ConsumeOption) ([]string, error) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		got  []string
		done = make(chan struct{})
	)
	errc := make(chan error, 1)
	go func() {
		errc <- amqptrace.Consume(ctx, ch, "q", amqptrace.ReceiverFunc(func(_ context.Context, d *amqp.Delivery) error {
			mu.Lock()
			got = append(got, string(d.Body))
			if len(got) == n {
				close(done)
			}
			mu.Unlock()
			return r(d)
		}), opts...)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
	cancel()
	err := <-errc

	mu.Lock()
	defer mu.Unlock()
	return got, err
}

func TestConsume_InOrder(t *testing.T) {
	ch := setup(t, "1", "2", "3")

	got, err := collect(t, ch, 3, func(*amqp.Delivery) error { return nil },
		amqptrace.WithConsumeLogger(zaptest.NewLogger(t)))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"1", "2", "3"}, got)
	assert.Zero(t, ch.Unacked())
}

func TestConsume_ErrorRequeues(t *testing.T) {
	ch := setup(t, "x")

	attempts := 0
	got, err := collect(t, ch, 2, func(d *amqp.Delivery) error {
		attempts++
		if attempts == 1 {
			return errors.New("try again")
		}
		assert.True(t, d.Redelivered)
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"x", "x"}, got)
}

func TestConsume_ErrorWithoutRequeue(t *testing.T) {
	ch := setup(t, "x", "y")

	got, err := collect(t, ch, 2, func(*amqp.Delivery) error {
		return errors.New("poison")
	}, amqptrace.WithRequeueOnError(false))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"x", "y"}, got)

	_, ok, err := ch.Get("q", true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConsume_DeliveriesClosed(t *testing.T) {
	ch := setup(t)

	errc := make(chan error, 1)
	go func() {
		errc <- amqptrace.Consume(context.Background(), ch, "q", amqptrace.ReceiverFunc(func(context.Context, *amqp.Delivery) error {
			return nil
		}), amqptrace.WithConsumerTag("tag"), amqptrace.WithAutoAck(true))
	}()

	require.Eventually(t, func() bool {
		return ch.Cancel("tag", false) == nil && func() bool {
			select {
			case err := <-errc:
				assert.ErrorIs(t, err, amqptrace.ErrDeliveriesClosed)
				return true
			default:
				return false
			}
		}()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConsume_UnknownQueue(t *testing.T) {
	ch := mem.NewBroker().Channel()
	err := amqptrace.Consume(context.Background(), ch, "missing", amqptrace.ReceiverFunc(func(context.Context, *amqp.Delivery) error {
		return nil
	}))
	var amqpErr *amqp.Error
	require.ErrorAs(t, err, &amqpErr)
	assert.Equal(t, amqp.NotFound, amqpErr.Code)
}
