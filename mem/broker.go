package mem

import (
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/zerofox-oss/go-amqptrace"
)

// DefaultQueueCapacity is the number of ready messages a queue can hold.
const DefaultQueueCapacity = 4096

// Broker is an in-process stand-in for a RabbitMQ broker. It keeps queues,
// exchanges and bindings in memory and hands out Channels that speak to them.
//
// Routing follows AMQP 0-9-1 closely enough for tests: the default exchange
// routes by queue name, fanout exchanges ignore the routing key, topic
// exchanges support the "*" and "#" wildcards and every other kind matches
// the binding key exactly.
type Broker struct {
	mu        sync.Mutex
	queues    map[string]*queue
	exchanges map[string]*exchange
	generated int
	capacity  int
}

type BrokerOption func(*Broker)

// WithQueueCapacity sets the number of ready messages each queue may hold.
func WithQueueCapacity(n int) BrokerOption {
	return func(b *Broker) {
		b.capacity = n
	}
}

// NewBroker creates and initializes a new Broker.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		queues:    make(map[string]*queue),
		exchanges: make(map[string]*exchange),
		capacity:  DefaultQueueCapacity,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Channel opens a new Channel on the Broker.
func (b *Broker) Channel() *Channel {
	return newChannel(b)
}

type queue struct {
	name string
	c    chan amqp.Delivery

	// consumers is guarded by Broker.mu
	consumers map[*consumer]struct{}
}

// enqueue adds d to the ready messages without blocking.
func (q *queue) enqueue(d amqp.Delivery) error {
	select {
	case q.c <- d:
		return nil
	default:
		return fmt.Errorf("mem: queue %q is full", q.name)
	}
}

// drain removes every ready message and reports how many there were.
func (q *queue) drain() int {
	n := 0
	for {
		select {
		case <-q.c:
			n++
		default:
			return n
		}
	}
}

type binding struct {
	dest       string
	key        string
	toExchange bool
}

type exchange struct {
	name     string
	kind     string
	bindings []binding
}

func notFound(kind, name string) *amqp.Error {
	return &amqp.Error{
		Code:   amqp.NotFound,
		Reason: fmt.Sprintf("NOT_FOUND - no %s '%s' in vhost '/'", kind, name),
	}
}

func (b *Broker) declareQueue(name string, passive bool) (*queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if name == "" {
		if passive {
			return nil, notFound("queue", name)
		}
		b.generated++
		name = fmt.Sprintf("amq.gen-%d", b.generated)
	}

	if q, ok := b.queues[name]; ok {
		return q, nil
	}
	if passive {
		return nil, notFound("queue", name)
	}

	q := &queue{
		name:      name,
		c:         make(chan amqp.Delivery, b.capacity),
		consumers: make(map[*consumer]struct{}),
	}
	b.queues[name] = q
	return q, nil
}

func (b *Broker) lookupQueue(name string) (*queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return nil, notFound("queue", name)
	}
	return q, nil
}

func (b *Broker) deleteQueue(name string, ifUnused, ifEmpty bool) (int, error) {
	b.mu.Lock()
	q, ok := b.queues[name]
	if !ok {
		b.mu.Unlock()
		return 0, nil
	}
	if ifUnused && len(q.consumers) > 0 {
		b.mu.Unlock()
		return 0, &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - queue in use"}
	}
	if ifEmpty && len(q.c) > 0 {
		b.mu.Unlock()
		return 0, &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - queue not empty"}
	}

	delete(b.queues, name)
	for _, ex := range b.exchanges {
		ex.bindings = removeBindings(ex.bindings, func(bd binding) bool {
			return !bd.toExchange && bd.dest == name
		})
	}
	consumers := make([]*consumer, 0, len(q.consumers))
	for c := range q.consumers {
		consumers = append(consumers, c)
	}
	q.consumers = make(map[*consumer]struct{})
	b.mu.Unlock()

	// the broker cancels consumers of a deleted queue
	for _, c := range consumers {
		c.ch.serverCancel(c)
	}
	return q.drain(), nil
}

func (b *Broker) addConsumer(c *consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c.q.consumers[c] = struct{}{}
}

func (b *Broker) removeConsumer(c *consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(c.q.consumers, c)
}

func (b *Broker) consumerCount(q *queue) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(q.consumers)
}

func (b *Broker) declareExchange(name, kind string, passive bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if name == "" {
		return &amqp.Error{Code: amqp.AccessRefused, Reason: "ACCESS_REFUSED - operation not permitted on the default exchange"}
	}
	if ex, ok := b.exchanges[name]; ok {
		if !passive && ex.kind != kind {
			return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s'", name)}
		}
		return nil
	}
	if passive {
		return notFound("exchange", name)
	}

	b.exchanges[name] = &exchange{name: name, kind: kind}
	return nil
}

func (b *Broker) deleteExchange(name string, ifUnused bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[name]
	if !ok {
		return nil
	}
	if ifUnused && len(ex.bindings) > 0 {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - exchange in use"}
	}
	delete(b.exchanges, name)
	for _, other := range b.exchanges {
		other.bindings = removeBindings(other.bindings, func(bd binding) bool {
			return bd.toExchange && bd.dest == name
		})
	}
	return nil
}

func (b *Broker) bind(source string, bd binding) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[source]
	if !ok {
		return notFound("exchange", source)
	}
	if bd.toExchange {
		if _, ok := b.exchanges[bd.dest]; !ok {
			return notFound("exchange", bd.dest)
		}
	} else if _, ok := b.queues[bd.dest]; !ok {
		return notFound("queue", bd.dest)
	}

	for _, existing := range ex.bindings {
		if existing == bd {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, bd)
	return nil
}

func (b *Broker) unbind(source string, bd binding) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[source]
	if !ok {
		return notFound("exchange", source)
	}
	ex.bindings = removeBindings(ex.bindings, func(other binding) bool {
		return other == bd
	})
	return nil
}

func removeBindings(bindings []binding, drop func(binding) bool) []binding {
	kept := bindings[:0]
	for _, bd := range bindings {
		if !drop(bd) {
			kept = append(kept, bd)
		}
	}
	return kept
}

// route resolves the queues a message published to exchange with key ends up in.
func (b *Broker) route(exchangeName, key string) ([]*queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if exchangeName == "" {
		if q, ok := b.queues[key]; ok {
			return []*queue{q}, nil
		}
		return nil, nil
	}
	if _, ok := b.exchanges[exchangeName]; !ok {
		return nil, notFound("exchange", exchangeName)
	}

	var (
		routed  []*queue
		visited = map[string]bool{}
		seen    = map[*queue]bool{}
		walk    func(name string)
	)
	walk = func(name string) {
		if visited[name] {
			return
		}
		visited[name] = true

		ex, ok := b.exchanges[name]
		if !ok {
			return
		}
		for _, bd := range ex.bindings {
			if !matches(ex.kind, bd.key, key) {
				continue
			}
			if bd.toExchange {
				walk(bd.dest)
				continue
			}
			if q, ok := b.queues[bd.dest]; ok && !seen[q] {
				seen[q] = true
				routed = append(routed, q)
			}
		}
	}
	walk(exchangeName)
	return routed, nil
}

func matches(kind, pattern, key string) bool {
	switch kind {
	case amqp.ExchangeFanout:
		return true
	case amqp.ExchangeTopic:
		return matchTopic(strings.Split(pattern, "."), strings.Split(key, "."))
	default:
		return pattern == key
	}
}

func matchTopic(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if matchTopic(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && matchTopic(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && matchTopic(pattern[1:], words[1:])
	}
}

func newDelivery(exchangeName, key string, msg amqp.Publishing) amqp.Delivery {
	var headers amqp.Table
	if msg.Headers != nil {
		headers = amqptrace.CloneTable(msg.Headers)
	}
	return amqp.Delivery{
		Headers:         headers,
		ContentType:     msg.ContentType,
		ContentEncoding: msg.ContentEncoding,
		DeliveryMode:    msg.DeliveryMode,
		Priority:        msg.Priority,
		CorrelationId:   msg.CorrelationId,
		ReplyTo:         msg.ReplyTo,
		Expiration:      msg.Expiration,
		MessageId:       msg.MessageId,
		Timestamp:       msg.Timestamp,
		Type:            msg.Type,
		UserId:          msg.UserId,
		AppId:           msg.AppId,
		Exchange:        exchangeName,
		RoutingKey:      key,
		Body:            append([]byte(nil), msg.Body...),
	}
}
