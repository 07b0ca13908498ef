// Package rabbitmq serves RabbitMQ queues to an amqptrace.Receiver.
package rabbitmq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zerofox-oss/go-amqptrace"
)

// Server consumes a set of queues from one channel. Every queue gets its own
// consumer and deliveries of a queue are received one at a time, in order.
type Server struct {
	ch       amqptrace.Channel
	queues   []string
	prefetch int
	log      *zap.Logger
	consume  []amqptrace.ConsumeOption

	// context used to shutdown processing of in-flight deliveries
	receiverCtx        context.Context
	receiverCancelFunc context.CancelFunc

	// context used to shutdown the server
	serverCtx        context.Context
	serverCancelFunc context.CancelFunc

	mu      sync.Mutex
	running sync.WaitGroup
}

// ensure Server implements amqptrace.Server
var _ amqptrace.Server = &Server{}

// queueServer is implemented by channels which decorate consumption, such
// as *tracing.Channel.
type queueServer interface {
	Serve(ctx context.Context, queue string, r amqptrace.Receiver, opts ...amqptrace.ConsumeOption) error
}

// receiverContext is cancelled with the Server's receiver context and
// carries the values of the delivery context, such as its span.
type receiverContext struct {
	context.Context
	values context.Context
}

func (c receiverContext) Value(key any) any {
	return c.values.Value(key)
}

// Option is the signature that modifies a `Server` to set some configuration
type Option func(*Server)

// WithPrefetch sets the channel's prefetch count before consuming. Zero
// leaves the channel's QoS alone.
func WithPrefetch(n int) Option {
	return func(s *Server) {
		s.prefetch = n
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithConsumeOptions passes opts to every consumer of the Server.
func WithConsumeOptions(opts ...amqptrace.ConsumeOption) Option {
	return func(s *Server) {
		s.consume = append(s.consume, opts...)
	}
}

// NewServer returns a Server consuming queues from ch. ch is usually a
// *tracing.Channel.
func NewServer(ch amqptrace.Channel, queues []string, opts ...Option) (*Server, error) {
	if len(queues) == 0 {
		return nil, errors.New("rabbitmq: at least one queue is required")
	}

	serverCtx, serverCancelFunc := context.WithCancel(context.Background())
	receiverCtx, receiverCancelFunc := context.WithCancel(context.Background())

	srv := &Server{
		ch:     ch,
		queues: queues,
		log:    zap.NewNop(),

		receiverCtx:        receiverCtx,
		receiverCancelFunc: receiverCancelFunc,
		serverCtx:          serverCtx,
		serverCancelFunc:   serverCancelFunc,
	}

	for _, opt := range opts {
		opt(srv)
	}
	return srv, nil
}

// Serve consumes every queue of the Server and blocks until Shutdown is
// called or one of the consumers fails, which stops the others as well.
// amqptrace.ErrServerClosed is returned after Shutdown.
func (s *Server) Serve(r amqptrace.Receiver) error {
	s.mu.Lock()
	if s.serverCtx.Err() != nil {
		s.mu.Unlock()
		return amqptrace.ErrServerClosed
	}
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()

	if s.prefetch > 0 {
		if err := s.ch.Qos(s.prefetch, 0, false); err != nil {
			return err
		}
	}

	// receivers outlive the server context so that in-flight deliveries
	// can finish during Shutdown
	receiver := amqptrace.ReceiverFunc(func(ctx context.Context, d *amqp.Delivery) error {
		return r.Receive(receiverContext{Context: s.receiverCtx, values: ctx}, d)
	})

	g, ctx := errgroup.WithContext(s.serverCtx)
	for _, queue := range s.queues {
		queue := queue // per-iteration copy; go.mod targets go 1.21 loop semantics
		opts := append([]amqptrace.ConsumeOption{
			amqptrace.WithConsumeLogger(s.log),
		}, s.consume...)

		g.Go(func() error {
			if qs, ok := s.ch.(queueServer); ok {
				return qs.Serve(ctx, queue, receiver, opts...)
			}
			return amqptrace.Consume(ctx, s.ch, queue, receiver, opts...)
		})
	}
	s.log.Info("serving", zap.Strings("queues", s.queues))

	err := g.Wait()
	if s.serverCtx.Err() != nil {
		return amqptrace.ErrServerClosed
	}
	s.log.Error("server stopped", zap.Error(err))
	return err
}

// Shutdown stops the receipt of new deliveries and waits for in-flight ones
// to complete or the passed in ctx to be canceled. amqptrace.ErrServerClosed
// will be returned upon a clean shutdown. Otherwise, the passed ctx's
// Error will be returned.
func (s *Server) Shutdown(ctx context.Context) error {
	if ctx == nil {
		panic("context not set")
	}

	s.mu.Lock()
	s.serverCancelFunc()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		s.receiverCancelFunc()
		return ctx.Err()
	case <-done:
		s.receiverCancelFunc()
		return amqptrace.ErrServerClosed
	}
}
