// Package conntest provides an in-memory broker that speaks the conn.Channel
// interface. It implements enough of the amqp 0-9-1 model (durable declares,
// direct/topic/fanout routing, prefetch, acks and requeue) to drive producers
// and consumers in tests without a running RabbitMQ.
package conntest

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/DuC-cnZj/predict-bus/conn"
	"github.com/streadway/amqp"
)

type exchange struct {
	kind    string
	durable bool
}

type binding struct {
	exchange string
	queue    string
	key      string
}

type message struct {
	exchange    string
	key         string
	publishing  amqp.Publishing
	redelivered bool
}

type consumer struct {
	tag      string
	ch       *Channel
	autoAck  bool
	delivery chan amqp.Delivery
}

type queue struct {
	name      string
	durable   bool
	messages  []message
	consumers []*consumer
	next      int
}

type unacked struct {
	queue    string
	msg      message
	consumer *consumer
}

// Broker is safe for concurrent use.
type Broker struct {
	mu sync.Mutex

	exchanges map[string]exchange
	queues    map[string]*queue
	bindings  []binding

	// DialErr is returned from Dial when set.
	DialErr error
	// ChannelErr is returned from Conn.Channel when set.
	ChannelErr error

	conns  []*Conn
	dialed []amqp.Config
}

func NewBroker() *Broker {
	return &Broker{
		exchanges: map[string]exchange{"": {kind: amqp.ExchangeDirect, durable: true}},
		queues:    map[string]*queue{},
	}
}

// Dial satisfies conn.Dialer.
func (b *Broker) Dial(url string, cfg amqp.Config) (conn.AmqpConnection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.DialErr != nil {
		return nil, b.DialErr
	}
	c := &Conn{broker: b}
	b.conns = append(b.conns, c)
	b.dialed = append(b.dialed, cfg)

	return c, nil
}

// Dialed returns the configs every successful Dial received.
func (b *Broker) Dialed() []amqp.Config {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]amqp.Config(nil), b.dialed...)
}

func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]

	return ok
}

func (b *Broker) ExchangeKind(name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.exchanges[name].kind
}

func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]

	return ok
}

// QueueDepth returns the number of ready messages, -1 when the queue does not exist.
func (b *Broker) QueueDepth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return -1
	}

	return len(q.messages)
}

func (b *Broker) ConsumerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return 0
	}

	return len(q.consumers)
}

func (b *Broker) IsBound(exchange, queue, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bd := range b.bindings {
		if bd.exchange == exchange && bd.queue == queue && bd.key == key {
			return true
		}
	}

	return false
}

// DropConnections closes every connection as if the broker went away.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := append([]*Conn(nil), b.conns...)
	b.mu.Unlock()

	for _, c := range conns {
		c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true})
	}
}

func (b *Broker) route(exchangeName, key string) []string {
	if exchangeName == "" {
		if _, ok := b.queues[key]; ok {
			return []string{key}
		}
		return nil
	}

	ex := b.exchanges[exchangeName]
	seen := map[string]bool{}
	var out []string
	for _, bd := range b.bindings {
		if bd.exchange != exchangeName || seen[bd.queue] {
			continue
		}
		var match bool
		switch ex.kind {
		case amqp.ExchangeFanout:
			match = true
		case amqp.ExchangeTopic:
			match = TopicMatch(bd.key, key)
		default:
			match = bd.key == key
		}
		if match {
			seen[bd.queue] = true
			out = append(out, bd.queue)
		}
	}

	return out
}

// dispatch hands ready messages to consumers that have capacity. b.mu must be held.
func (b *Broker) dispatch(q *queue) {
	for len(q.messages) > 0 && len(q.consumers) > 0 {
		var target *consumer
		for i := 0; i < len(q.consumers); i++ {
			c := q.consumers[(q.next+i)%len(q.consumers)]
			if c.autoAck || c.ch.prefetch == 0 || c.ch.inflight() < c.ch.prefetch {
				target = c
				q.next = (q.next + i + 1) % len(q.consumers)
				break
			}
		}
		if target == nil {
			return
		}

		msg := q.messages[0]
		q.messages = q.messages[1:]
		target.ch.tag++
		tag := target.ch.tag
		if !target.autoAck {
			target.ch.unacked[tag] = unacked{queue: q.name, msg: msg, consumer: target}
		}
		p := msg.publishing
		target.delivery <- amqp.Delivery{
			Acknowledger:    target.ch,
			Headers:         p.Headers,
			ContentType:     p.ContentType,
			ContentEncoding: p.ContentEncoding,
			DeliveryMode:    p.DeliveryMode,
			Priority:        p.Priority,
			CorrelationId:   p.CorrelationId,
			ReplyTo:         p.ReplyTo,
			Expiration:      p.Expiration,
			MessageId:       p.MessageId,
			Timestamp:       p.Timestamp,
			Type:            p.Type,
			UserId:          p.UserId,
			AppId:           p.AppId,
			ConsumerTag:     target.tag,
			DeliveryTag:     tag,
			Redelivered:     msg.redelivered,
			Exchange:        msg.exchange,
			RoutingKey:      msg.key,
			Body:            append([]byte(nil), p.Body...),
		}
	}
}

// TopicMatch reports whether a topic binding pattern matches a routing key.
// "*" matches exactly one word, "#" matches zero or more words.
func TopicMatch(pattern, key string) bool {
	return topicMatch(strings.Split(pattern, "."), strings.Split(key, "."))
}

func topicMatch(p, k []string) bool {
	if len(p) == 0 {
		return len(k) == 0
	}
	switch p[0] {
	case "#":
		for i := 0; i <= len(k); i++ {
			if topicMatch(p[1:], k[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(k) > 0 && topicMatch(p[1:], k[1:])
	default:
		return len(k) > 0 && p[0] == k[0] && topicMatch(p[1:], k[1:])
	}
}

// Conn is a fake amqp connection.
type Conn struct {
	broker    *Broker
	channels  []*Channel
	listeners []chan *amqp.Error
	closed    bool
}

var _ conn.AmqpConnection = (*Conn)(nil)

func (c *Conn) Channel() (conn.Channel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.broker.ChannelErr != nil {
		return nil, c.broker.ChannelErr
	}
	ch := &Channel{broker: c.broker, conn: c, unacked: map[uint64]unacked{}}
	c.channels = append(c.channels, ch)

	return ch, nil
}

func (c *Conn) NotifyClose(l chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		close(l)
		return l
	}
	c.listeners = append(c.listeners, l)

	return l
}

func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	return c.closed
}

func (c *Conn) Close() error {
	c.broker.mu.Lock()
	closed := c.closed
	c.broker.mu.Unlock()
	if closed {
		return amqp.ErrClosed
	}
	c.shutdown(nil)

	return nil
}

func (c *Conn) shutdown(reason *amqp.Error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.channels {
		ch.shutdownLocked(reason)
	}
	for _, l := range c.listeners {
		if reason != nil {
			select {
			case l <- reason:
			default:
			}
		}
		close(l)
	}
	c.listeners = nil
}

// Channel is a fake amqp channel.
type Channel struct {
	broker *Broker
	conn   *Conn

	prefetch  int
	tag       uint64
	unacked   map[uint64]unacked
	consumers []*consumer
	listeners []chan *amqp.Error
	closed    bool
}

var _ conn.Channel = (*Channel)(nil)

func (ch *Channel) inflight() int {
	return len(ch.unacked)
}

func (ch *Channel) fail(code int, format string, args ...interface{}) error {
	err := &amqp.Error{Code: code, Reason: fmt.Sprintf(format, args...), Server: true}
	ch.shutdownLocked(err)

	return err
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable {
			return ch.fail(amqp.PreconditionFailed, "PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s' in vhost '/': received '%s' but current is '%s'", name, kind, ex.kind)
		}
		return nil
	}
	b.exchanges[name] = exchange{kind: kind, durable: durable}

	return nil
}

func (ch *Channel) ExchangeDelete(name string, ifUnused, noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	delete(b.exchanges, name)
	kept := b.bindings[:0]
	for _, bd := range b.bindings {
		if bd.exchange != name {
			kept = append(kept, bd)
		}
	}
	b.bindings = kept

	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if q, ok := b.queues[name]; ok {
		if q.durable != durable {
			return amqp.Queue{}, ch.fail(amqp.PreconditionFailed, "PRECONDITION_FAILED - inequivalent arg 'durable' for queue '%s' in vhost '/': received '%t' but current is '%t'", name, durable, q.durable)
		}
		return amqp.Queue{Name: name, Messages: len(q.messages), Consumers: len(q.consumers)}, nil
	}
	b.queues[name] = &queue{name: name, durable: durable}

	return amqp.Queue{Name: name}, nil
}

func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.exchanges[exchangeName]; !ok {
		return ch.fail(amqp.NotFound, "NOT_FOUND - no exchange '%s' in vhost '/'", exchangeName)
	}
	if _, ok := b.queues[name]; !ok {
		return ch.fail(amqp.NotFound, "NOT_FOUND - no queue '%s' in vhost '/'", name)
	}
	for _, bd := range b.bindings {
		if bd.exchange == exchangeName && bd.queue == name && bd.key == key {
			return nil
		}
	}
	b.bindings = append(b.bindings, binding{exchange: exchangeName, queue: name, key: key})

	return nil
}

func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount

	return nil
}

func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.fail(amqp.NotFound, "NOT_FOUND - no queue '%s' in vhost '/'", queueName)
	}
	if tag == "" {
		tag = fmt.Sprintf("ctag-%d", time.Now().UnixNano())
	}
	c := &consumer{tag: tag, ch: ch, autoAck: autoAck, delivery: make(chan amqp.Delivery, 1024)}
	q.consumers = append(q.consumers, c)
	ch.consumers = append(ch.consumers, c)
	b.dispatch(q)

	return c.delivery, nil
}

// Publish never fails for a missing route: unroutable messages are dropped.
func (ch *Channel) Publish(exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.exchanges[exchangeName]; !ok {
		ch.fail(amqp.NotFound, "NOT_FOUND - no exchange '%s' in vhost '/'", exchangeName)
		return nil
	}
	for _, name := range b.route(exchangeName, key) {
		q := b.queues[name]
		q.messages = append(q.messages, message{exchange: exchangeName, key: key, publishing: msg})
		b.dispatch(q)
	}

	return nil
}

func (ch *Channel) NotifyClose(l chan *amqp.Error) chan *amqp.Error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		close(l)
		return l
	}
	ch.listeners = append(ch.listeners, l)

	return l
}

func (ch *Channel) Close() error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.shutdownLocked(nil)

	return nil
}

// shutdownLocked requeues unacked deliveries and cancels consumers. b.mu must be held.
func (ch *Channel) shutdownLocked(reason *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	b := ch.broker

	if reason != nil {
		for _, l := range ch.listeners {
			select {
			case l <- reason:
			default:
			}
		}
	}

	for _, c := range ch.consumers {
		for _, q := range b.queues {
			kept := q.consumers[:0]
			for _, qc := range q.consumers {
				if qc != c {
					kept = append(kept, qc)
				}
			}
			q.consumers = kept
			if q.next >= len(q.consumers) {
				q.next = 0
			}
		}
		close(c.delivery)
	}
	ch.consumers = nil

	requeued := map[string]bool{}
	for tag, u := range ch.unacked {
		ch.requeueLocked(tag, u)
		requeued[u.queue] = true
	}
	for name := range requeued {
		b.dispatch(b.queues[name])
	}

	for _, l := range ch.listeners {
		close(l)
	}
	ch.listeners = nil
}

func (ch *Channel) requeueLocked(tag uint64, u unacked) {
	delete(ch.unacked, tag)
	q, ok := ch.broker.queues[u.queue]
	if !ok {
		return
	}
	u.msg.redelivered = true
	q.messages = append([]message{u.msg}, q.messages...)
}

// Ack implements amqp.Acknowledger.
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	queues := map[string]bool{}
	for t, u := range ch.unacked {
		if t == tag || (multiple && t < tag) {
			delete(ch.unacked, t)
			queues[u.queue] = true
		}
	}
	if len(queues) == 0 {
		return ch.fail(amqp.PreconditionFailed, "PRECONDITION_FAILED - unknown delivery tag %d", tag)
	}
	for name := range queues {
		if q, ok := b.queues[name]; ok {
			b.dispatch(q)
		}
	}

	return nil
}

// Nack implements amqp.Acknowledger.
func (ch *Channel) Nack(tag uint64, multiple bool, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	queues := map[string]bool{}
	for t, u := range ch.unacked {
		if t == tag || (multiple && t < tag) {
			if requeue {
				ch.requeueLocked(t, u)
			} else {
				delete(ch.unacked, t)
			}
			queues[u.queue] = true
		}
	}
	for name := range queues {
		if q, ok := b.queues[name]; ok {
			b.dispatch(q)
		}
	}

	return nil
}

// Reject implements amqp.Acknowledger.
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}
