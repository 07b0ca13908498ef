package mem

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/zerofox-oss/go-amqptrace"
)

// Publication records a single publish made through a Channel.
type Publication struct {
	// Context is the context the publish was made with; context.Background()
	// for the variants without one.
	Context   context.Context
	Exchange  string
	Key       string
	Mandatory bool
	Immediate bool
	Msg       amqp.Publishing
}

// Channel is an amqptrace.Channel backed by a Broker.
//
// Notification listeners are sent to without blocking, so they should be
// buffered.
type Channel struct {
	broker *Broker

	mu          sync.Mutex
	closed      bool
	consumers   map[string]*consumer
	unacked     map[uint64]pending
	deliveryTag uint64
	publishSeq  uint64
	confirm     bool
	tx          bool
	flow        bool
	publishErr  error
	published   []Publication

	closes   []chan *amqp.Error
	flows    []chan bool
	returns  []chan amqp.Return
	cancels  []chan string
	confirms []chan amqp.Confirmation
}

// Ensure that Channel implements amqptrace.Channel and amqp.Acknowledger
var (
	_ amqptrace.Channel = &Channel{}
	_ amqp.Acknowledger = &Channel{}
)

type pending struct {
	q *queue
	d amqp.Delivery
}

type consumer struct {
	tag     string
	q       *queue
	ch      *Channel
	autoAck bool

	done chan struct{}
	once sync.Once
}

func (c *consumer) stop() {
	c.once.Do(func() {
		close(c.done)
	})
}

func newChannel(b *Broker) *Channel {
	return &Channel{
		broker:    b,
		consumers: make(map[string]*consumer),
		unacked:   make(map[uint64]pending),
		flow:      true,
	}
}

// SetPublishErr makes every following publish fail with err until it is
// reset with nil. Nothing is routed while it is set.
func (c *Channel) SetPublishErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishErr = err
}

// Published returns every publish attempted on the Channel, including
// the ones failed through SetPublishErr.
func (c *Channel) Published() []Publication {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Publication, len(c.published))
	copy(out, c.published)
	return out
}

// Unacked returns the number of deliveries awaiting an ack or nack.
func (c *Channel) Unacked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.unacked)
}

func (c *Channel) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	return nil
}

// Close stops every consumer, requeues unacknowledged deliveries and closes
// the NotifyClose listeners.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true

	consumers := c.consumers
	c.consumers = make(map[string]*consumer)
	unacked := c.unacked
	c.unacked = make(map[uint64]pending)
	closes := c.closes
	c.closes = nil
	c.mu.Unlock()

	for _, cons := range consumers {
		cons.stop()
		c.broker.removeConsumer(cons)
	}
	for _, p := range unacked {
		p.d.Redelivered = true
		_ = p.q.enqueue(p.d)
	}
	for _, l := range closes {
		close(l)
	}
	return nil
}

func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) NotifyClose(l chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(l)
		return l
	}
	c.closes = append(c.closes, l)
	return l
}

func (c *Channel) NotifyFlow(l chan bool) chan bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flows = append(c.flows, l)
	return l
}

func (c *Channel) NotifyReturn(l chan amqp.Return) chan amqp.Return {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.returns = append(c.returns, l)
	return l
}

func (c *Channel) NotifyCancel(l chan string) chan string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels = append(c.cancels, l)
	return l
}

// NotifyConfirm splits publish confirmations into acks and nacks.
func (c *Channel) NotifyConfirm(ack, nack chan uint64) (chan uint64, chan uint64) {
	confirms := c.NotifyPublish(make(chan amqp.Confirmation, cap(ack)+cap(nack)+1))
	go func() {
		for confirm := range confirms {
			if confirm.Ack {
				ack <- confirm.DeliveryTag
			} else {
				nack <- confirm.DeliveryTag
			}
		}
	}()
	return ack, nack
}

func (c *Channel) NotifyPublish(l chan amqp.Confirmation) chan amqp.Confirmation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirms = append(c.confirms, l)
	return l
}

func (c *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return c.checkOpen()
}

// Cancel stops delivering to the consumer registered under tag.
func (c *Channel) Cancel(tag string, noWait bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	cons, ok := c.consumers[tag]
	delete(c.consumers, tag)
	c.mu.Unlock()

	if ok {
		cons.stop()
		c.broker.removeConsumer(cons)
	}
	return nil
}

// serverCancel is a broker initiated cancel, reported to NotifyCancel.
func (c *Channel) serverCancel(cons *consumer) {
	c.mu.Lock()
	if c.consumers[cons.tag] == cons {
		delete(c.consumers, cons.tag)
	}
	cancels := append([]chan string(nil), c.cancels...)
	c.mu.Unlock()

	cons.stop()
	for _, l := range cancels {
		select {
		case l <- cons.tag:
		default:
		}
	}
}

func (c *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return c.queueDeclare(name, false)
}

func (c *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return c.queueDeclare(name, true)
}

func (c *Channel) queueDeclare(name string, passive bool) (amqp.Queue, error) {
	if err := c.checkOpen(); err != nil {
		return amqp.Queue{}, err
	}
	q, err := c.broker.declareQueue(name, passive)
	if err != nil {
		return amqp.Queue{}, err
	}
	return amqp.Queue{
		Name:      q.name,
		Messages:  len(q.c),
		Consumers: c.broker.consumerCount(q),
	}, nil
}

func (c *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.broker.bind(exchange, binding{dest: name, key: key})
}

func (c *Channel) QueueUnbind(name, key, exchange string, args amqp.Table) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.broker.unbind(exchange, binding{dest: name, key: key})
}

func (c *Channel) QueuePurge(name string, noWait bool) (int, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	q, err := c.broker.lookupQueue(name)
	if err != nil {
		return 0, err
	}
	return q.drain(), nil
}

func (c *Channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	return c.broker.deleteQueue(name, ifUnused, ifEmpty)
}

func (c *Channel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return c.ConsumeWithContext(context.Background(), queue, consumer, autoAck, exclusive, noLocal, noWait, args)
}

// ConsumeWithContext starts delivering messages from queue. The consumer is
// cancelled when ctx is done, which closes the returned channel.
func (c *Channel) ConsumeWithContext(ctx context.Context, queue, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	q, err := c.broker.lookupQueue(queue)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, amqp.ErrClosed
	}
	if tag == "" {
		tag = fmt.Sprintf("ctag-mem-%d", len(c.consumers)+1)
		for c.consumers[tag] != nil {
			tag += "+"
		}
	}
	if _, ok := c.consumers[tag]; ok {
		c.mu.Unlock()
		return nil, &amqp.Error{Code: amqp.NotAllowed, Reason: fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag)}
	}
	cons := &consumer{
		tag:     tag,
		q:       q,
		ch:      c,
		autoAck: autoAck,
		done:    make(chan struct{}),
	}
	c.consumers[tag] = cons
	c.mu.Unlock()

	c.broker.addConsumer(cons)

	out := make(chan amqp.Delivery)
	go c.deliver(ctx, cons, out)
	return out, nil
}

func (c *Channel) deliver(ctx context.Context, cons *consumer, out chan<- amqp.Delivery) {
	defer close(out)
	defer func() {
		c.mu.Lock()
		if c.consumers[cons.tag] == cons {
			delete(c.consumers, cons.tag)
		}
		c.mu.Unlock()
		c.broker.removeConsumer(cons)
	}()

	for {
		select {
		case <-cons.done:
			return
		case <-ctx.Done():
			return
		case d := <-cons.q.c:
			d = c.track(cons.q, d, cons.tag, cons.autoAck)
			select {
			case out <- d:
			case <-cons.done:
				c.requeue(cons, d)
				return
			case <-ctx.Done():
				c.requeue(cons, d)
				return
			}
		}
	}
}

// track assigns a delivery tag to d and, unless autoAck, remembers it
// until it is acked.
func (c *Channel) track(q *queue, d amqp.Delivery, consumerTag string, autoAck bool) amqp.Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.deliveryTag++
	d.DeliveryTag = c.deliveryTag
	d.ConsumerTag = consumerTag
	d.Acknowledger = c
	if !autoAck {
		c.unacked[d.DeliveryTag] = pending{q: q, d: d}
	}
	return d
}

// requeue puts back a delivery its consumer could not hand out. Close may
// have requeued it already, in which case it is no longer tracked.
func (c *Channel) requeue(cons *consumer, d amqp.Delivery) {
	c.mu.Lock()
	_, tracked := c.unacked[d.DeliveryTag]
	delete(c.unacked, d.DeliveryTag)
	c.mu.Unlock()

	if tracked || cons.autoAck {
		d.Redelivered = true
		_ = cons.q.enqueue(d)
	}
}

func (c *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.broker.declareExchange(name, kind, false)
}

func (c *Channel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.broker.declareExchange(name, kind, true)
}

func (c *Channel) ExchangeDelete(name string, ifUnused, noWait bool) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.broker.deleteExchange(name, ifUnused)
}

func (c *Channel) ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.broker.bind(source, binding{dest: destination, key: key, toExchange: true})
}

func (c *Channel) ExchangeUnbind(destination, key, source string, noWait bool, args amqp.Table) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.broker.unbind(source, binding{dest: destination, key: key, toExchange: true})
}

func (c *Channel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return c.PublishWithContext(context.Background(), exchange, key, mandatory, immediate, msg)
}

// PublishWithContext routes msg to every bound queue. Unroutable mandatory
// messages are reported to the NotifyReturn listeners.
func (c *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.published = append(c.published, Publication{
		Context:   ctx,
		Exchange:  exchange,
		Key:       key,
		Mandatory: mandatory,
		Immediate: immediate,
		Msg:       msg,
	})
	if c.publishErr != nil {
		err := c.publishErr
		c.mu.Unlock()
		return err
	}
	c.publishSeq++
	seq := c.publishSeq
	confirm := c.confirm
	c.mu.Unlock()

	queues, err := c.broker.route(exchange, key)
	if err != nil {
		return err
	}

	for _, q := range queues {
		if err := q.enqueue(newDelivery(exchange, key, msg)); err != nil {
			return err
		}
	}

	if len(queues) == 0 && mandatory {
		c.notifyReturn(exchange, key, msg)
	}
	if confirm {
		c.notifyConfirm(seq)
	}
	return nil
}

func (c *Channel) notifyReturn(exchange, key string, msg amqp.Publishing) {
	c.mu.Lock()
	returns := append([]chan amqp.Return(nil), c.returns...)
	c.mu.Unlock()

	ret := amqp.Return{
		ReplyCode:       amqp.NoRoute,
		ReplyText:       "NO_ROUTE",
		Exchange:        exchange,
		RoutingKey:      key,
		Headers:         msg.Headers,
		ContentType:     msg.ContentType,
		ContentEncoding: msg.ContentEncoding,
		CorrelationId:   msg.CorrelationId,
		MessageId:       msg.MessageId,
		Body:            msg.Body,
	}
	for _, l := range returns {
		select {
		case l <- ret:
		default:
		}
	}
}

func (c *Channel) notifyConfirm(seq uint64) {
	c.mu.Lock()
	confirms := append([]chan amqp.Confirmation(nil), c.confirms...)
	c.mu.Unlock()

	for _, l := range confirms {
		select {
		case l <- amqp.Confirmation{DeliveryTag: seq, Ack: true}:
		default:
		}
	}
}

// PublishWithDeferredConfirm publishes msg. Deferred confirmations are not
// tracked, so the returned confirmation is always nil, as it is for a
// channel which is not in confirm mode.
func (c *Channel) PublishWithDeferredConfirm(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	return nil, c.PublishWithContext(context.Background(), exchange, key, mandatory, immediate, msg)
}

func (c *Channel) PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	return nil, c.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

// Get fetches a single ready message from queue, if there is one.
func (c *Channel) Get(queueName string, autoAck bool) (amqp.Delivery, bool, error) {
	if err := c.checkOpen(); err != nil {
		return amqp.Delivery{}, false, err
	}
	q, err := c.broker.lookupQueue(queueName)
	if err != nil {
		return amqp.Delivery{}, false, err
	}

	select {
	case d := <-q.c:
		d = c.track(q, d, "", autoAck)
		d.MessageCount = uint32(len(q.c))
		return d, true, nil
	default:
		return amqp.Delivery{}, false, nil
	}
}

func (c *Channel) Tx() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.tx = true
	return nil
}

func (c *Channel) TxCommit() error {
	return c.txCheck()
}

func (c *Channel) TxRollback() error {
	return c.txCheck()
}

func (c *Channel) txCheck() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	if !c.tx {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - channel is not transactional"}
	}
	return nil
}

func (c *Channel) Flow(active bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.flow = active
	flows := append([]chan bool(nil), c.flows...)
	c.mu.Unlock()

	for _, l := range flows {
		select {
		case l <- active:
		default:
		}
	}
	return nil
}

func (c *Channel) Confirm(noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.confirm = true
	return nil
}

// Recover requeues every unacknowledged delivery.
func (c *Channel) Recover(requeue bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	unacked := c.unacked
	c.unacked = make(map[uint64]pending)
	c.mu.Unlock()

	for _, p := range unacked {
		p.d.Redelivered = true
		_ = p.q.enqueue(p.d)
	}
	return nil
}

func (c *Channel) Ack(tag uint64, multiple bool) error {
	_, err := c.settle(tag, multiple)
	return err
}

func (c *Channel) Nack(tag uint64, multiple bool, requeue bool) error {
	settled, err := c.settle(tag, multiple)
	if err != nil || !requeue {
		return err
	}
	for _, p := range settled {
		p.d.Redelivered = true
		if err := p.q.enqueue(p.d); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) Reject(tag uint64, requeue bool) error {
	return c.Nack(tag, false, requeue)
}

// settle forgets the deliveries covered by tag and returns them.
func (c *Channel) settle(tag uint64, multiple bool) ([]pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}

	var settled []pending
	if multiple {
		for t, p := range c.unacked {
			if t <= tag {
				settled = append(settled, p)
				delete(c.unacked, t)
			}
		}
		return settled, nil
	}

	p, ok := c.unacked[tag]
	if !ok {
		return nil, &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag)}
	}
	delete(c.unacked, tag)
	return append(settled, p), nil
}

func (c *Channel) GetNextPublishSeqNo() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.publishSeq + 1
}
